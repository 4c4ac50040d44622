// Package room implements the per-room synchronization machinery: the
// subscription lifecycle, the history loader, the message
// reconciliation engine, and the presence synchronizer.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alexjbarnes/chat-sync/internal/api"
	"github.com/alexjbarnes/chat-sync/internal/chaterr"
	"github.com/alexjbarnes/chat-sync/internal/socket"
)

const eventBuffer = 256

// Transport is the slice of the real-time channel the room consumes.
// *socket.Conn satisfies it.
type Transport interface {
	Subscribe(ctx context.Context, roomID int64, h socket.Handlers) error
	Unsubscribe(ctx context.Context, roomID int64) error
	SendMessage(ctx context.Context, roomID int64, ev socket.MessageEvent) error
}

// CursorStore persists per-room read cursors. *state.State satisfies
// it. May be nil, in which case cursors are not recorded.
type CursorStore interface {
	SetReadCursor(roomID, messageID int64) error
}

// inboundEvent carries one real-time event from the transport handlers
// into the room's event loop. Exactly one field is set.
type inboundEvent struct {
	msg        *socket.MessageEvent
	membership *socket.MembershipEvent
	presence   *socket.PresenceEvent
}

// opKind enumerates the local operations funneled through the loop.
type opKind int

const (
	opStage opKind = iota
	opConfirm
	opRollback
)

// listOp is a local mutation submitted to the event loop by Send.
type listOp struct {
	kind    opKind
	content string
	tempID  string
	wire    api.Message
	reply   chan Message
}

// memberResult delivers a finished member-list fetch back to the loop.
type memberResult struct {
	members []api.Member
	err     error
}

// Config holds the collaborators of one Room.
type Config struct {
	ID        int64
	Self      api.User
	Backend   Backend
	Transport Transport
	Cursors   CursorStore
	PageSize  int

	// OnChange, if set, is invoked from the event loop after the
	// visible state changes. It must not block; a view that needs to
	// redraw should schedule the work elsewhere.
	OnChange func()
}

// Room owns the visible state of one open room view: its metadata, its
// message list, and its member list.
//
// All state mutation is funneled through a single event loop goroutine,
// in strict arrival order -- inbound real-time events, local send
// operations, and member-list fetch results alike. That serialization
// is what makes the engine's dedup-by-id check correct without further
// synchronization. The mutex below only guards the boundary between
// the loop's writes and snapshot reads from other goroutines.
type Room struct {
	id     int64
	self   api.User
	logger *slog.Logger

	backend   Backend
	transport Transport
	cursors   CursorStore
	loader    *Loader

	mu      sync.RWMutex
	name    string
	list    *MessageList
	members []api.Member

	events   chan inboundEvent
	ops      chan listOp
	memberCh chan memberResult
	done     chan struct{}

	onChange func()
	opened   bool
}

// New creates a Room for the given id. Call Open to start it.
func New(cfg Config, logger *slog.Logger) *Room {
	return &Room{
		id:        cfg.ID,
		self:      cfg.Self,
		logger:    logger.With(slog.Int64("room_id", cfg.ID)),
		backend:   cfg.Backend,
		transport: cfg.Transport,
		cursors:   cfg.Cursors,
		loader:    NewLoader(cfg.Backend, cfg.PageSize),
		onChange:  cfg.OnChange,
		list:      NewMessageList(cfg.ID),
		events:    make(chan inboundEvent, eventBuffer),
		ops:       make(chan listOp),
		memberCh:  make(chan memberResult, 1),
		done:      make(chan struct{}),
	}
}

// Open subscribes to the room's events, loads the authoritative
// snapshot, seeds the engine, and starts the event loop.
//
// The subscription is announced before the history load so that events
// arriving during the load are buffered rather than lost; the loop only
// starts processing them after the seed, preserving seed-then-append
// ordering. If the load fails, the subscription is retracted and the
// returned *chaterr.LoadError carries every failed request; no partial
// state is retained, and Open may be retried.
func (r *Room) Open(ctx context.Context) error {
	if r.opened {
		return fmt.Errorf("room %d already open", r.id)
	}

	err := r.transport.Subscribe(ctx, r.id, socket.Handlers{
		OnMessage:    func(ev socket.MessageEvent) { r.enqueue(inboundEvent{msg: &ev}) },
		OnMembership: func(ev socket.MembershipEvent) { r.enqueue(inboundEvent{membership: &ev}) },
		OnPresence:   func(ev socket.PresenceEvent) { r.enqueue(inboundEvent{presence: &ev}) },
	})
	if err != nil {
		return err
	}

	snap, err := r.loader.Load(ctx, r.id)
	if err != nil {
		if uerr := r.transport.Unsubscribe(ctx, r.id); uerr != nil {
			r.logger.Warn("retracting subscription after failed load",
				slog.String("error", uerr.Error()),
			)
		}

		return err
	}

	r.mu.Lock()
	r.name = snap.Room.Name
	seedErr := r.list.Seed(snap.Messages)
	r.members = snap.Members
	r.mu.Unlock()
	if seedErr != nil {
		return seedErr
	}

	r.opened = true
	go r.loop(ctx)

	r.logger.Info("room opened",
		slog.String("name", snap.Room.Name),
		slog.Int("messages", len(snap.Messages)),
		slog.Int("members", len(snap.Members)),
	)

	return nil
}

// enqueue hands an event from a transport handler to the loop. The
// buffer absorbs bursts; if it fills, the connection's dispatch blocks
// until the loop catches up rather than losing a message. Events for a
// closed room are discarded.
func (r *Room) enqueue(ev inboundEvent) {
	select {
	case <-r.done:
	case r.events <- ev:
	}
}

// loop is the room's single-threaded event processor. Everything that
// mutates the message list or member list runs here, in arrival order.
func (r *Room) loop(ctx context.Context) {
	// Member refreshes run as fetch goroutines reporting back through
	// memberCh so the loop keeps processing while a fetch is in flight.
	// Bursts coalesce: one fetch in flight, at most one queued behind it.
	var refreshing, queued bool

	for {
		select {
		case ev := <-r.events:
			switch {
			case ev.msg != nil:
				r.applyMessage(ev.msg.Message)

			case ev.membership != nil:
				r.logger.Debug("membership changed",
					slog.Int64("user_id", ev.membership.UserID),
					slog.String("kind", string(ev.membership.Kind)),
				)
				if refreshing {
					queued = true
				} else {
					refreshing = true
					r.startMemberRefresh(ctx)
				}

			case ev.presence != nil:
				r.logger.Debug("presence changed",
					slog.Int64("user_id", ev.presence.UserID),
					slog.String("status", ev.presence.Status),
				)
				if refreshing {
					queued = true
				} else {
					refreshing = true
					r.startMemberRefresh(ctx)
				}
			}

		case op := <-r.ops:
			op.reply <- r.applyOp(op)
			r.notify()

		case res := <-r.memberCh:
			if res.err != nil {
				// Keep the stale list; the next event retries.
				r.logger.Warn("refreshing members", slog.String("error", res.err.Error()))
			} else {
				r.mu.Lock()
				r.members = res.members
				r.mu.Unlock()
				r.logger.Debug("members replaced", slog.Int("count", len(res.members)))
				r.notify()
			}

			if queued {
				queued = false
				r.startMemberRefresh(ctx)
			} else {
				refreshing = false
			}

		case <-r.done:
			return

		case <-ctx.Done():
			return
		}
	}
}

// applyMessage feeds an inbound real-time message to the engine.
func (r *Room) applyMessage(wire api.Message) {
	r.mu.Lock()
	appended := r.list.Apply(wire)
	r.mu.Unlock()

	if appended {
		r.logger.Debug("message appended", slog.Int64("id", wire.ID))
		r.notify()
	} else {
		r.logger.Debug("duplicate message dropped", slog.Int64("id", wire.ID))
	}
}

func (r *Room) notify() {
	if r.onChange != nil {
		r.onChange()
	}
}

// applyOp executes a local list operation on the loop goroutine.
func (r *Room) applyOp(op listOp) Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch op.kind {
	case opStage:
		return r.list.StageSend(r.self.ID, r.self.Username, op.content)

	case opConfirm:
		m, ok := r.list.Confirm(op.tempID, op.wire)
		if !ok {
			r.logger.Warn("confirm for unknown temp id", slog.String("temp_id", op.tempID))
		}

		return m

	case opRollback:
		if !r.list.Rollback(op.tempID) {
			r.logger.Warn("rollback for unknown temp id", slog.String("temp_id", op.tempID))
		}
	}

	return Message{}
}

// startMemberRefresh fetches the member list off-loop and reports back
// through memberCh. The membership event itself is only a hint that
// something changed; the fetch result replaces the member list
// wholesale rather than patching it.
func (r *Room) startMemberRefresh(ctx context.Context) {
	go func() {
		members, err := r.backend.GroupMembers(ctx, r.id)
		select {
		case r.memberCh <- memberResult{members: members, err: err}:
		case <-r.done:
		}
	}()
}

// do submits a list operation to the loop and waits for the result.
func (r *Room) do(ctx context.Context, op listOp) (Message, error) {
	// Checked ahead of the submission select: the loop may not have
	// observed done yet, and a closed room must not accept operations.
	select {
	case <-r.done:
		return Message{}, chaterr.ErrNotSubscribed
	default:
	}

	op.reply = make(chan Message, 1)

	select {
	case r.ops <- op:
	case <-r.done:
		return Message{}, chaterr.ErrNotSubscribed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}

	select {
	case m := <-op.reply:
		return m, nil
	case <-r.done:
		return Message{}, chaterr.ErrNotSubscribed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Send submits a message: an optimistic entry appears immediately, the
// REST send resolves it, and the confirmed message is broadcast over
// the real-time channel for the other participants.
//
// If the REST send fails the optimistic entry is rolled back and a
// *chaterr.SendError is returned; the entry never silently disappears
// and never lingers. A broadcast failure is only logged: the message
// is already persisted server-side, and the REST path works with the
// real-time channel down.
func (r *Room) Send(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	staged, err := r.do(ctx, listOp{kind: opStage, content: content})
	if err != nil {
		return err
	}

	// Once the REST request settles, the staged entry must resolve even
	// if ctx expired during the request: a cancelled context would skip
	// the rollback, leaving the entry optimistic forever, or leave a
	// persisted message unconfirmed. The room's done channel still
	// bounds these ops.
	settled := context.WithoutCancel(ctx)

	wire, err := r.backend.SendMessage(ctx, r.id, staged.Content)
	if err != nil {
		if _, rerr := r.do(settled, listOp{kind: opRollback, tempID: staged.TempID}); rerr != nil {
			r.logger.Warn("rolling back failed send", slog.String("error", rerr.Error()))
		}

		return &chaterr.SendError{RoomID: r.id, TempID: staged.TempID, Err: err}
	}

	confirmed, err := r.do(settled, listOp{kind: opConfirm, tempID: staged.TempID, wire: *wire})
	if err != nil {
		return err
	}

	if err := r.transport.SendMessage(settled, r.id, socket.MessageEvent{
		GroupID: r.id,
		Message: *wire,
	}); err != nil {
		r.logger.Warn("broadcasting message",
			slog.Int64("id", confirmed.ID),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Close retracts the subscription and stops the event loop. Handler
// deregistration inside Unsubscribe is synchronous, so events arriving
// after Close cannot mutate the room's retained state even before the
// loop notices done. The newest confirmed message is marked read
// best-effort.
func (r *Room) Close(ctx context.Context) error {
	err := r.transport.Unsubscribe(ctx, r.id)
	if err != nil {
		r.logger.Warn("leaving room", slog.String("error", err.Error()))
	}

	select {
	case <-r.done:
		// Already closed.
	default:
		close(r.done)
	}

	r.markRead(ctx)

	return err
}

// markRead advances the read cursor to the newest confirmed message,
// locally and server-side. Both are best-effort.
func (r *Room) markRead(ctx context.Context) {
	r.mu.RLock()
	latest := r.list.LatestConfirmedID()
	r.mu.RUnlock()

	if latest == 0 {
		return
	}

	if err := r.backend.MarkRead(ctx, latest); err != nil {
		r.logger.Warn("marking read", slog.Int64("message_id", latest), slog.String("error", err.Error()))
	}

	if r.cursors != nil {
		if err := r.cursors.SetReadCursor(r.id, latest); err != nil {
			r.logger.Warn("saving read cursor", slog.String("error", err.Error()))
		}
	}
}

// ID returns the room's id.
func (r *Room) ID() int64 {
	return r.id
}

// Name returns the room's display name from the snapshot.
func (r *Room) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.name
}

// Messages returns a copy of the current message list in display order.
func (r *Room) Messages() []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.list.Messages()
}

// Members returns a copy of the current member list.
func (r *Room) Members() []api.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]api.Member, len(r.members))
	copy(out, r.members)

	return out
}

// Search filters the loaded history locally. Server-side search is a
// separate REST call; this only matches what is already on screen.
func (r *Room) Search(query string) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.list.Search(query)
}
