package room

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/chat-sync/internal/api"
	"github.com/alexjbarnes/chat-sync/internal/chaterr"
)

const defaultPageSize = 50

// Snapshot is the authoritative initial state of a room: metadata, the
// most recent message page, and the member list. It only exists whole;
// a failed load yields no snapshot at all.
type Snapshot struct {
	Room     api.Room
	Messages []api.Message
	Members  []api.Member
}

// Backend is the slice of the REST layer the room machinery consumes.
// *api.Client satisfies it.
type Backend interface {
	GroupDetails(ctx context.Context, groupID int64) (*api.Room, error)
	Messages(ctx context.Context, groupID int64, limit, offset int) ([]api.Message, error)
	GroupMembers(ctx context.Context, groupID int64) ([]api.Member, error)
	SendMessage(ctx context.Context, groupID int64, content string) (*api.Message, error)
	MarkRead(ctx context.Context, messageID int64) error
}

// Loader fetches room snapshots.
type Loader struct {
	backend  Backend
	pageSize int
}

// NewLoader creates a Loader fetching pageSize messages per load.
// A non-positive pageSize falls back to the default of 50.
func NewLoader(backend Backend, pageSize int) *Loader {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	return &Loader{backend: backend, pageSize: pageSize}
}

// Load issues the three snapshot requests concurrently and returns only
// when all three resolve. Any failure fails the whole load with a
// single *chaterr.LoadError aggregating every request error; no partial
// snapshot is ever returned. Load performs no mutation and is safe to
// re-invoke after an error.
//
// A plain errgroup.Group, not WithContext: a derived-context group
// would cancel the surviving requests on first failure and pollute the
// aggregate with cancellation errors.
func (l *Loader) Load(ctx context.Context, roomID int64) (*Snapshot, error) {
	var (
		snap Snapshot
		errs [3]error
	)

	var g errgroup.Group

	g.Go(func() error {
		room, err := l.backend.GroupDetails(ctx, roomID)
		if err != nil {
			errs[0] = err
			return nil
		}
		snap.Room = *room

		return nil
	})

	g.Go(func() error {
		msgs, err := l.backend.Messages(ctx, roomID, l.pageSize, 0)
		if err != nil {
			errs[1] = err
			return nil
		}
		snap.Messages = msgs

		return nil
	})

	g.Go(func() error {
		members, err := l.backend.GroupMembers(ctx, roomID)
		if err != nil {
			errs[2] = err
			return nil
		}
		snap.Members = members

		return nil
	})

	_ = g.Wait()

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return nil, &chaterr.LoadError{RoomID: roomID, Errs: failed}
	}

	return &snap, nil
}
