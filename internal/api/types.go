package api

import "time"

// RegisterRequest is the payload for POST /auth/register.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest is the payload for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is returned from register and login.
type AuthResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// User is the authenticated account's identity.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Room is a group chat channel.
type Room struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedBy   int64  `json:"created_by"`
	MemberCount int    `json:"member_count"`
}

// Member is one entry of a room's member list, with presence.
// The list is always replaced wholesale from a fetch, never patched
// member-by-member from events.
type Member struct {
	UserID   int64  `json:"id"`
	Username string `json:"username"`
	Status   string `json:"status"` // "online" or "offline"
}

// Message is a chat message as the server represents it. Messages on
// the wire always carry a server-assigned id.
type Message struct {
	ID        int64     `json:"id"`
	GroupID   int64     `json:"group_id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateGroupRequest is the payload for POST /groups.
type CreateGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// SendMessageRequest is the payload for POST /messages/{id}/send.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// Reader records that a user has read a message.
type Reader struct {
	UserID   int64     `json:"user_id"`
	Username string    `json:"username"`
	ReadAt   time.Time `json:"read_at"`
}

// PresenceEntry is one user's presence as reported by the presence API.
type PresenceEntry struct {
	UserID int64  `json:"user_id"`
	Status string `json:"status"`
}

// UpdateProfileRequest is the payload for PUT /users/profile.
type UpdateProfileRequest struct {
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// PushTokenRequest is the payload for POST /users/push-token.
type PushTokenRequest struct {
	PushToken string `json:"pushToken"`
}

// errorBody is the shape of the server's error responses.
type errorBody struct {
	Error string `json:"error"`
}
