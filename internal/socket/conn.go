// Package socket is the real-time channel: one WebSocket connection per
// authenticated session, carrying room-scoped events in both directions.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/chat-sync/internal/chaterr"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	readLimit     = 1 << 20 // 1MB, generous for chat payloads
	opChanSize    = 64
	inboundBuffer = 64
)

// wsConn abstracts the WebSocket connection so Conn can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// inboundMsg wraps a frame read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// outboundOp is a signal submitted to the event loop by a caller.
type outboundOp struct {
	payload envelope
	result  chan error
}

// Conn manages the WebSocket connection to the chat server.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop goroutine (Run) processes inbound events, outbound
// signals (opCh), and heartbeat ticks. All writes to the connection
// happen from the event loop, so no write mutex is needed, and inbound
// events for one room are dispatched strictly in arrival order.
type Conn struct {
	conn   wsConn
	logger *slog.Logger

	url    string
	token  string
	device string

	userID int64

	// opCh receives outbound signals from callers. The event loop
	// processes them one at a time.
	opCh chan outboundOp

	// inboundCh receives frames from the reader goroutine.
	inboundCh chan inboundMsg

	// handlers maps a room id to its registered event handlers.
	// Dispatch holds the read lock for the duration of a handler call,
	// so Unsubscribe returning guarantees no further delivery.
	handlers   map[int64]Handlers
	handlersMu sync.RWMutex

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	// connCancel stops the reader goroutine when the connection is closed.
	connCancel context.CancelFunc

	connected   bool
	connectedMu sync.RWMutex
}

// Config holds the parameters needed to connect to the chat server.
type Config struct {
	// URL is the WebSocket endpoint, e.g. "wss://chat.example.com/ws".
	URL    string
	Token  string
	Device string
}

// NewConn creates a Conn from the given config. Call Connect to dial.
func NewConn(cfg Config, logger *slog.Logger) *Conn {
	return &Conn{
		logger:   logger,
		url:      cfg.URL,
		token:    cfg.Token,
		device:   cfg.Device,
		opCh:     make(chan outboundOp, opChanSize),
		handlers: make(map[int64]Handlers),
	}
}

// Connect dials the WebSocket, sends init, and waits for the server's
// ready acknowledgement. The caller must run Run afterwards to start
// event processing.
func (c *Conn) Connect(ctx context.Context) error {
	c.logger.Debug("connecting", slog.String("url", c.url))

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.token},
		},
	})
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}
	conn.SetReadLimit(readLimit)
	c.conn = conn

	return c.handshake(ctx)
}

// handshake sends the init frame and waits for ready. Split from
// Connect so it can be tested with a mock wsConn without a network dial.
func (c *Conn) handshake(ctx context.Context) error {
	c.touchLastMessage()

	if err := c.writeEvent(ctx, opInit, initData{Token: c.token, Device: c.device}); err != nil {
		c.conn.Close(websocket.StatusInternalError, "init failed")
		return fmt.Errorf("sending init: %w", err)
	}

	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.conn.Close(websocket.StatusInternalError, "ready read failed")
		return fmt.Errorf("reading ready: %w", err)
	}
	c.touchLastMessage()

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.conn.Close(websocket.StatusInternalError, "bad ready frame")
		return fmt.Errorf("decoding ready: %w", err)
	}
	if env.Event != eventReady {
		c.conn.Close(websocket.StatusNormalClosure, "auth failed")
		return fmt.Errorf("expected ready, got %q", env.Event)
	}

	var ready readyData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &ready); err != nil {
			return fmt.Errorf("decoding ready data: %w", err)
		}
	}
	c.userID = ready.UserID

	c.setConnected(true)
	c.logger.Info("websocket ready", slog.Int64("user_id", ready.UserID))

	return nil
}

// UserID returns the identity the server acknowledged during handshake.
func (c *Conn) UserID() int64 {
	return c.userID
}

// startReader launches a goroutine that reads frames and feeds inboundCh.
// The channel is captured by value so a stale reader from a previous
// connection can never feed the current one.
func (c *Conn) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundBuffer)
	c.inboundCh = ch
	go func() {
		for {
			typ, data, err := c.conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// Run is the event loop. It owns all writes to the connection and
// dispatches inbound events in arrival order. It returns when the
// connection dies or ctx is cancelled; it does not reconnect. The
// session layer reacts to authentication transitions, not connection
// drops.
func (c *Conn) Run(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	c.connCancel = cancel
	c.startReader(connCtx)

	defer func() {
		c.setConnected(false)
		cancel()
	}()

	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}
			c.touchLastMessage()

			if msg.typ != websocket.MessageText {
				c.logger.Debug("ignoring non-text frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			c.handleInbound(msg.data)

		case op := <-c.opCh:
			data, err := json.Marshal(op.payload)
			if err != nil {
				op.result <- fmt.Errorf("marshalling %s: %w", op.payload.Event, err)
				continue
			}

			err = c.conn.Write(ctx, websocket.MessageText, data)
			op.result <- err
			if err != nil {
				return fmt.Errorf("writing %s: %w", op.payload.Event, err)
			}

		case <-ticker.C:
			c.lastMsgMu.Lock()
			elapsed := time.Since(c.lastMessage)
			c.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				c.logger.Warn("connection timed out, closing")
				c.conn.Close(websocket.StatusGoingAway, "timeout")
				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := c.writeEvent(ctx, opPing, nil); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleInbound routes a single inbound text frame to the subscribed
// room's handlers. Unknown or malformed events are logged and dropped,
// never fatal.
func (c *Conn) handleInbound(data []byte) {
	event := gjson.GetBytes(data, "event").Str

	switch event {
	case eventPong:
		return

	case eventNewMessage:
		var ev MessageEvent
		if !c.decodeData(data, event, &ev) {
			return
		}

		c.dispatch(ev.GroupID, func(h Handlers) {
			if h.OnMessage != nil {
				h.OnMessage(ev)
			}
		})

	case eventUserJoined, eventUserLeft:
		var ev MembershipEvent
		if !c.decodeData(data, event, &ev) {
			return
		}
		ev.Kind = MembershipJoined
		if event == eventUserLeft {
			ev.Kind = MembershipLeft
		}

		c.dispatch(ev.GroupID, func(h Handlers) {
			if h.OnMembership != nil {
				h.OnMembership(ev)
			}
		})

	case eventPresenceUpdate:
		var ev PresenceEvent
		if !c.decodeData(data, event, &ev) {
			return
		}

		c.dispatch(ev.GroupID, func(h Handlers) {
			if h.OnPresence != nil {
				h.OnPresence(ev)
			}
		})

	default:
		c.logger.Debug("unexpected event", slog.String("event", event))
	}
}

// decodeData unmarshals the data field of an inbound frame into v.
func (c *Conn) decodeData(frame []byte, event string, v interface{}) bool {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		c.logger.Warn("failed to decode frame",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		return false
	}

	if err := json.Unmarshal(env.Data, v); err != nil {
		c.logger.Warn("failed to decode event data",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		return false
	}

	return true
}

// dispatch invokes fn with the handlers registered for roomID, if any.
// Events for rooms with no subscription are dropped silently; the
// server should not be sending them after a leave, but delivery is
// at-least-once and unordered, so stragglers are expected.
func (c *Conn) dispatch(roomID int64, fn func(Handlers)) {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()

	h, ok := c.handlers[roomID]
	if !ok {
		return
	}

	fn(h)
}

// Subscribe announces presence in a room and registers its event
// handlers. Subscribing to an already-subscribed room is a no-op: no
// second join signal is emitted and the existing handlers stay.
// Handlers are registered before the join signal is written, so no
// event can slip between the join and the first dispatch.
func (c *Conn) Subscribe(ctx context.Context, roomID int64, h Handlers) error {
	c.handlersMu.Lock()
	if _, ok := c.handlers[roomID]; ok {
		c.handlersMu.Unlock()
		c.logger.Debug("already subscribed", slog.Int64("room_id", roomID))
		return nil
	}
	c.handlers[roomID] = h
	c.handlersMu.Unlock()

	if err := c.emit(ctx, opJoinGroup, groupRef{GroupID: roomID}); err != nil {
		// Roll the registration back so a retry can announce cleanly.
		c.handlersMu.Lock()
		delete(c.handlers, roomID)
		c.handlersMu.Unlock()

		return &chaterr.SubscriptionError{RoomID: roomID, Op: "join", Err: err}
	}

	c.logger.Info("joined room", slog.Int64("room_id", roomID))

	return nil
}

// Unsubscribe deregisters a room's handlers and announces the leave.
// Deregistration happens first and is synchronous: once Unsubscribe
// returns, no event for the room will be delivered, even if the leave
// signal itself fails. Unsubscribing an unsubscribed room is a no-op.
func (c *Conn) Unsubscribe(ctx context.Context, roomID int64) error {
	c.handlersMu.Lock()
	_, ok := c.handlers[roomID]
	delete(c.handlers, roomID)
	c.handlersMu.Unlock()

	if !ok {
		return nil
	}

	if err := c.emit(ctx, opLeaveGroup, groupRef{GroupID: roomID}); err != nil {
		return &chaterr.SubscriptionError{RoomID: roomID, Op: "leave", Err: err}
	}

	c.logger.Info("left room", slog.Int64("room_id", roomID))

	return nil
}

// SendMessage broadcasts a confirmed message to the room's other
// participants. The message must already carry its permanent id; the
// REST send is the source of truth, this is the low-latency fan-out.
func (c *Conn) SendMessage(ctx context.Context, roomID int64, ev MessageEvent) error {
	return c.emit(ctx, opSendMessage, ev)
}

// emit submits an outbound signal to the event loop and waits for the
// write result.
func (c *Conn) emit(ctx context.Context, event string, data interface{}) error {
	if !c.Connected() {
		return chaterr.ErrNotConnected
	}

	payload, err := buildEnvelope(event, data)
	if err != nil {
		return err
	}

	op := outboundOp{payload: payload, result: make(chan error, 1)}

	select {
	case c.opCh <- op:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildEnvelope(event string, data interface{}) (envelope, error) {
	env := envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return envelope{}, fmt.Errorf("marshalling %s data: %w", event, err)
		}
		env.Data = raw
	}

	return env, nil
}

// writeEvent marshals an envelope and writes it directly. Only called
// from the event loop or during handshake (before Run starts).
func (c *Conn) writeEvent(ctx context.Context, event string, data interface{}) error {
	env, err := buildEnvelope(event, data)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", event, err)
	}

	return c.conn.Write(ctx, websocket.MessageText, payload)
}

func (c *Conn) setConnected(v bool) {
	c.connectedMu.Lock()
	c.connected = v
	c.connectedMu.Unlock()
}

// Connected reports whether the WebSocket connection is live.
func (c *Conn) Connected() bool {
	c.connectedMu.RLock()
	defer c.connectedMu.RUnlock()

	return c.connected
}

func (c *Conn) touchLastMessage() {
	c.lastMsgMu.Lock()
	c.lastMessage = time.Now()
	c.lastMsgMu.Unlock()
}

// Close cleanly shuts down the WebSocket connection. The backend treats
// a dropped connection as an implicit leave of every room, so no
// per-room leave signals are sent here.
func (c *Conn) Close() error {
	c.setConnected(false)
	if c.connCancel != nil {
		c.connCancel()
	}
	if c.conn != nil {
		return c.conn.Close(websocket.StatusNormalClosure, "bye")
	}

	return nil
}
