package socket

import (
	"encoding/json"

	"github.com/alexjbarnes/chat-sync/internal/api"
)

// Inbound event kinds consumed from the channel.
const (
	eventNewMessage     = "new_message"
	eventUserJoined     = "user_joined"
	eventUserLeft       = "user_left"
	eventPresenceUpdate = "presence_update"

	eventPong  = "pong"
	eventReady = "ready"
)

// Outbound signal kinds emitted to the channel.
const (
	opInit        = "init"
	opPing        = "ping"
	opJoinGroup   = "join_group"
	opLeaveGroup  = "leave_group"
	opSendMessage = "send_message"
)

// envelope is the wire framing for every event in both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// initData is sent as the first frame after dialing.
type initData struct {
	Token  string `json:"token"`
	Device string `json:"device"`
}

// readyData is the server's acknowledgement of init.
type readyData struct {
	UserID int64 `json:"user_id"`
}

// groupRef addresses a room in join/leave signals.
type groupRef struct {
	GroupID int64 `json:"group_id"`
}

// MessageEvent is the payload of a new_message event and of the
// outbound send_message signal.
type MessageEvent struct {
	GroupID int64       `json:"group_id"`
	Message api.Message `json:"message"`
}

// MembershipKind distinguishes joins from leaves.
type MembershipKind string

const (
	MembershipJoined MembershipKind = "joined"
	MembershipLeft   MembershipKind = "left"
)

// MembershipEvent is the payload of user_joined and user_left events.
// It is a hint that the member list changed, not a state delta.
type MembershipEvent struct {
	GroupID  int64          `json:"group_id"`
	UserID   int64          `json:"user_id"`
	Username string         `json:"username"`
	Kind     MembershipKind `json:"-"`
}

// PresenceEvent is the payload of a presence_update event.
type PresenceEvent struct {
	GroupID int64  `json:"group_id"`
	UserID  int64  `json:"user_id"`
	Status  string `json:"status"`
}

// Handlers receives the events of one subscribed room. Handlers are
// invoked from the connection's event loop and must not block
// indefinitely; a subscriber that needs to do real work should hand
// the event to its own goroutine. Nil fields are skipped.
type Handlers struct {
	OnMessage    func(MessageEvent)
	OnMembership func(MembershipEvent)
	OnPresence   func(PresenceEvent)
}
