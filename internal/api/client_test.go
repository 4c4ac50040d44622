package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient creates a Client pointed at the given httptest server.
func newTestClient(srv *httptest.Server) *Client {
	return &Client{
		httpClient: srv.Client(),
		baseURL:    srv.URL,
	}
}

// --- do() internals ---

func TestDo_SetsJSONContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	err := c.do(context.Background(), http.MethodPost, "/test", struct{}{}, nil)
	require.NoError(t, err)
}

func TestDo_AttachesBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-abc", r.Header.Get("Authorization"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	c.SetToken("tok-abc")
	err := c.do(context.Background(), http.MethodGet, "/test", nil, nil)
	require.NoError(t, err)
}

func TestDo_NoTokenNoHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	err := c.do(context.Background(), http.MethodGet, "/test", nil, nil)
	require.NoError(t, err)
}

func TestDo_ClearedTokenNotSent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	c.SetToken("tok-abc")
	c.SetToken("")
	err := c.do(context.Background(), http.MethodGet, "/test", nil, nil)
	require.NoError(t, err)
}

func TestDo_NonOKStatusWithErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid credentials"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	err := c.do(context.Background(), http.MethodGet, "/test", nil, nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "invalid credentials", apiErr.Message)
}

func TestDo_NonOKStatusWithOpaqueBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`upstream fell over`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	err := c.do(context.Background(), http.MethodGet, "/test", nil, nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "upstream fell over", apiErr.Message)
}

func TestDo_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	c := newTestClient(srv)
	err := c.do(ctx, http.MethodGet, "/test", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled))
}

// --- auth endpoints ---

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/login", r.URL.Path)

		body, _ := io.ReadAll(r.Body)
		var req LoginRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "ana@example.com", req.Email)
		assert.Equal(t, "secret", req.Password)

		w.Write([]byte(`{"token":"tok-xyz","user":{"id":10,"username":"ana","email":"ana@example.com"}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	resp, err := c.Login(context.Background(), "ana@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "tok-xyz", resp.Token)
	assert.EqualValues(t, 10, resp.User.ID)
	assert.Equal(t, "ana", resp.User.Username)
}

func TestRegister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/register", r.URL.Path)

		body, _ := io.ReadAll(r.Body)
		var req RegisterRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "ana", req.Username)

		w.Write([]byte(`{"token":"tok-new","user":{"id":10,"username":"ana"}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	resp, err := c.Register(context.Background(), "ana", "ana@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "tok-new", resp.Token)
}

// --- group endpoints ---

func TestListGroupsAndAllGroups(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/groups":
			w.Write([]byte(`[{"id":1,"name":"general"}]`))
		case "/groups/all":
			w.Write([]byte(`[{"id":1,"name":"general"},{"id":2,"name":"random"}]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	mine, err := c.ListGroups(context.Background())
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	all, err := c.AllGroups(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestJoinGroup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/groups/7/join", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	require.NoError(t, c.JoinGroup(context.Background(), 7))
}

func TestGroupMembers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/groups/7/members", r.URL.Path)
		w.Write([]byte(`[{"id":10,"username":"ana","status":"online"},{"id":11,"username":"bo","status":"offline"}]`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	members, err := c.GroupMembers(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.EqualValues(t, 10, members[0].UserID)
	assert.Equal(t, "online", members[0].Status)
}

// --- message endpoints ---

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages/7/send", r.URL.Path)

		body, _ := io.ReadAll(r.Body)
		var req SendMessageRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "hello", req.Content)

		w.Write([]byte(`{"id":42,"group_id":7,"user_id":10,"username":"ana","content":"hello","created_at":"2025-06-01T12:00:00Z"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	msg, err := c.SendMessage(context.Background(), 7, "hello")
	require.NoError(t, err)
	assert.EqualValues(t, 42, msg.ID)
	assert.Equal(t, "hello", msg.Content)
	assert.False(t, msg.CreatedAt.IsZero())
}

func TestMessages_Pagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages/7", r.URL.Path)
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		assert.Equal(t, "50", r.URL.Query().Get("offset"))
		w.Write([]byte(`[{"id":1,"content":"old"}]`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	msgs, err := c.Messages(context.Background(), 7, 25, 50)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSearchMessages_EscapesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages/7/search", r.URL.Path)
		assert.Equal(t, "hello & goodbye", r.URL.Query().Get("q"))
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.SearchMessages(context.Background(), 7, "hello & goodbye")
	require.NoError(t, err)
}

func TestMarkReadAndReaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/messages/42/read" && r.Method == http.MethodPost:
			w.Write([]byte(`{}`))
		case r.URL.Path == "/messages/42/readers" && r.Method == http.MethodGet:
			w.Write([]byte(`[{"user_id":11,"username":"bo","read_at":"2025-06-01T12:05:00Z"}]`))
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	require.NoError(t, c.MarkRead(context.Background(), 42))

	readers, err := c.Readers(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, readers, 1)
	assert.Equal(t, "bo", readers[0].Username)
}

func TestDeleteMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages/42", r.URL.Path)
		assert.Equal(t, http.MethodDelete, r.Method)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	require.NoError(t, c.DeleteMessage(context.Background(), 42))
}

// --- user endpoints ---

func TestProfile_ValidToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/profile", r.URL.Path)
		w.Write([]byte(`{"id":10,"username":"ana","email":"ana@example.com"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	user, err := c.Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ana", user.Username)
}

func TestProfile_ExpiredTokenProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"token expired"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	c.SetToken("stale")
	_, err := c.Profile(context.Background())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestGroupPresence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/groups/7/presence", r.URL.Path)
		w.Write([]byte(`[{"user_id":10,"status":"online"}]`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	entries, err := c.GroupPresence(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "online", entries[0].Status)
}

func TestSavePushToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/push-token", r.URL.Path)

		body, _ := io.ReadAll(r.Body)
		var req PushTokenRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "expo-token-1", req.PushToken)

		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	require.NoError(t, c.SavePushToken(context.Background(), "expo-token-1"))
}

// --- NewClient ---

func TestNewClient_TrimsTrailingSlash(t *testing.T) {
	c := NewClient("http://chat.example.com/", nil)
	assert.Equal(t, "http://chat.example.com", c.baseURL)
}

func TestNewClient_DefaultTimeout(t *testing.T) {
	c := NewClient("http://chat.example.com", nil)
	assert.Equal(t, defaultTimeout, c.httpClient.Timeout)
}
