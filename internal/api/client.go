// Package api is the REST request layer for the chat service. Every call
// either resolves with a typed payload or fails with an *APIError carrying
// the HTTP status and the server's message. Authentication is a bearer
// token attached here; callers never handle the credential directly.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultTimeout = 30 * time.Second

// APIError is a failed request: an HTTP-like status plus the server's
// error message.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// Client talks to the chat service REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string

	tokenMu sync.RWMutex
	token   string
}

// NewClient creates an API client for the given base URL. If httpClient
// is nil, a default client with a 30 second timeout is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// SetToken installs the bearer credential attached to subsequent requests.
// An empty token clears it.
func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

// Token returns the currently installed bearer credential.
func (c *Client) Token() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()

	return c.token
}

// do sends a JSON request and decodes the response into result.
// A nil body sends no payload; a nil result skips decoding.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		if json.Unmarshal(respBody, &eb) == nil && eb.Error != "" {
			return &APIError{Status: resp.StatusCode, Message: eb.Error}
		}

		return &APIError{Status: resp.StatusCode, Message: string(respBody)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// Register creates a new account and returns its token and identity.
func (c *Client) Register(ctx context.Context, username, email, password string) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/register", RegisterRequest{
		Username: username,
		Email:    email,
		Password: password,
	}, &resp); err != nil {
		return nil, fmt.Errorf("registering: %w", err)
	}

	return &resp, nil
}

// Login authenticates with email and password, returning a session token.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", LoginRequest{
		Email:    email,
		Password: password,
	}, &resp); err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}

	return &resp, nil
}

// CreateGroup creates a new room owned by the authenticated user.
func (c *Client) CreateGroup(ctx context.Context, name, description string) (*Room, error) {
	var room Room
	if err := c.do(ctx, http.MethodPost, "/groups", CreateGroupRequest{
		Name:        name,
		Description: description,
	}, &room); err != nil {
		return nil, fmt.Errorf("creating group: %w", err)
	}

	return &room, nil
}

// ListGroups returns the rooms the authenticated user is a member of.
func (c *Client) ListGroups(ctx context.Context) ([]Room, error) {
	var rooms []Room
	if err := c.do(ctx, http.MethodGet, "/groups", nil, &rooms); err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}

	return rooms, nil
}

// AllGroups returns every room on the server, joined or not.
func (c *Client) AllGroups(ctx context.Context) ([]Room, error) {
	var rooms []Room
	if err := c.do(ctx, http.MethodGet, "/groups/all", nil, &rooms); err != nil {
		return nil, fmt.Errorf("listing all groups: %w", err)
	}

	return rooms, nil
}

// JoinGroup adds the authenticated user to a room's membership.
func (c *Client) JoinGroup(ctx context.Context, groupID int64) error {
	endpoint := fmt.Sprintf("/groups/%d/join", groupID)
	if err := c.do(ctx, http.MethodPost, endpoint, nil, nil); err != nil {
		return fmt.Errorf("joining group %d: %w", groupID, err)
	}

	return nil
}

// GroupDetails returns a room's metadata.
func (c *Client) GroupDetails(ctx context.Context, groupID int64) (*Room, error) {
	var room Room
	endpoint := fmt.Sprintf("/groups/%d", groupID)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &room); err != nil {
		return nil, fmt.Errorf("fetching group %d: %w", groupID, err)
	}

	return &room, nil
}

// GroupMembers returns a room's member list with presence.
func (c *Client) GroupMembers(ctx context.Context, groupID int64) ([]Member, error) {
	var members []Member
	endpoint := fmt.Sprintf("/groups/%d/members", groupID)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &members); err != nil {
		return nil, fmt.Errorf("fetching members of group %d: %w", groupID, err)
	}

	return members, nil
}

// SendMessage submits a message to a room. The response carries the
// server-assigned permanent id.
func (c *Client) SendMessage(ctx context.Context, groupID int64, content string) (*Message, error) {
	var msg Message
	endpoint := fmt.Sprintf("/messages/%d/send", groupID)
	if err := c.do(ctx, http.MethodPost, endpoint, SendMessageRequest{Content: content}, &msg); err != nil {
		return nil, fmt.Errorf("sending message to group %d: %w", groupID, err)
	}

	return &msg, nil
}

// Messages returns one page of a room's history, most recent first
// according to the server's pagination.
func (c *Client) Messages(ctx context.Context, groupID int64, limit, offset int) ([]Message, error) {
	var msgs []Message
	endpoint := fmt.Sprintf("/messages/%d?limit=%d&offset=%d", groupID, limit, offset)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &msgs); err != nil {
		return nil, fmt.Errorf("fetching messages of group %d: %w", groupID, err)
	}

	return msgs, nil
}

// DeleteMessage removes one of the authenticated user's own messages.
func (c *Client) DeleteMessage(ctx context.Context, messageID int64) error {
	endpoint := "/messages/" + strconv.FormatInt(messageID, 10)
	if err := c.do(ctx, http.MethodDelete, endpoint, nil, nil); err != nil {
		return fmt.Errorf("deleting message %d: %w", messageID, err)
	}

	return nil
}

// MarkRead records that the authenticated user has read a message.
func (c *Client) MarkRead(ctx context.Context, messageID int64) error {
	endpoint := fmt.Sprintf("/messages/%d/read", messageID)
	if err := c.do(ctx, http.MethodPost, endpoint, nil, nil); err != nil {
		return fmt.Errorf("marking message %d read: %w", messageID, err)
	}

	return nil
}

// Readers returns the users who have read a message.
func (c *Client) Readers(ctx context.Context, messageID int64) ([]Reader, error) {
	var readers []Reader
	endpoint := fmt.Sprintf("/messages/%d/readers", messageID)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &readers); err != nil {
		return nil, fmt.Errorf("fetching readers of message %d: %w", messageID, err)
	}

	return readers, nil
}

// SearchMessages runs a server-side search over a room's history.
func (c *Client) SearchMessages(ctx context.Context, groupID int64, query string) ([]Message, error) {
	var msgs []Message
	endpoint := fmt.Sprintf("/messages/%d/search?q=%s", groupID, url.QueryEscape(query))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &msgs); err != nil {
		return nil, fmt.Errorf("searching group %d: %w", groupID, err)
	}

	return msgs, nil
}

// Profile returns the authenticated user's profile. Also doubles as a
// cheap probe for whether a cached token is still valid.
func (c *Client) Profile(ctx context.Context) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/users/profile", nil, &user); err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}

	return &user, nil
}

// UpdateProfile changes the authenticated user's profile fields.
func (c *Client) UpdateProfile(ctx context.Context, req UpdateProfileRequest) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodPut, "/users/profile", req, &user); err != nil {
		return nil, fmt.Errorf("updating profile: %w", err)
	}

	return &user, nil
}

// Presence returns the presence of every user visible to the caller.
func (c *Client) Presence(ctx context.Context) ([]PresenceEntry, error) {
	var entries []PresenceEntry
	if err := c.do(ctx, http.MethodGet, "/users/presence", nil, &entries); err != nil {
		return nil, fmt.Errorf("fetching presence: %w", err)
	}

	return entries, nil
}

// GroupPresence returns presence scoped to one room's membership.
func (c *Client) GroupPresence(ctx context.Context, groupID int64) ([]PresenceEntry, error) {
	var entries []PresenceEntry
	endpoint := fmt.Sprintf("/users/groups/%d/presence", groupID)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &entries); err != nil {
		return nil, fmt.Errorf("fetching presence of group %d: %w", groupID, err)
	}

	return entries, nil
}

// SavePushToken stores a push notification token for this account.
// Obtaining the platform token is the caller's concern.
func (c *Client) SavePushToken(ctx context.Context, pushToken string) error {
	if err := c.do(ctx, http.MethodPost, "/users/push-token", PushTokenRequest{PushToken: pushToken}, nil); err != nil {
		return fmt.Errorf("saving push token: %w", err)
	}

	return nil
}
