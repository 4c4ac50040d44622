// Package chaterr defines the error taxonomy shared across the client.
// Every error is local to the operation that produced it; none is fatal
// to the process.
package chaterr

import (
	"errors"
	"fmt"
	"strings"
)

// Client errors.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrNotConnected       = errors.New("not connected to chat server")
	ErrNotSubscribed      = errors.New("not subscribed to room")
)

// LoadError aggregates the failures of a room history load. The loader
// issues three requests (room details, message page, member list); if
// any fails the whole load fails and no partial state is exposed.
type LoadError struct {
	RoomID int64
	Errs   []error
}

func (e *LoadError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}

	return fmt.Sprintf("loading room %d: %s", e.RoomID, strings.Join(msgs, "; "))
}

// Unwrap exposes the underlying request errors to errors.Is/As.
func (e *LoadError) Unwrap() []error {
	return e.Errs
}

// SendError reports a failed message submission. The optimistic entry
// identified by TempID has already been rolled back when this is returned.
type SendError struct {
	RoomID int64
	TempID string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending message to room %d: %v", e.RoomID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// SubscriptionError reports a failed join or leave signal. Local message
// composition stays available: the REST send path does not depend on the
// real-time channel.
type SubscriptionError struct {
	RoomID int64
	Op     string // "join" or "leave"
	Err    error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("%s room %d: %v", e.Op, e.RoomID, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}
