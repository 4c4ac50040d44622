package room

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/alexjbarnes/chat-sync/internal/api"
)

// Origin tracks a message's place in the optimistic-send state machine:
// optimistic entries are pending local sends; confirmed entries carry a
// server-assigned id. The only transitions are optimistic->confirmed
// (Confirm) and optimistic->gone (Rollback).
type Origin int

const (
	OriginConfirmed Origin = iota
	OriginOptimistic
)

func (o Origin) String() string {
	if o == OriginOptimistic {
		return "optimistic"
	}

	return "confirmed"
}

// Message is one entry of a room's visible message list. Optimistic
// entries have ID 0 and a client-generated TempID; confirming swaps in
// the permanent id and clears TempID.
type Message struct {
	ID         int64
	TempID     string
	RoomID     int64
	AuthorID   int64
	AuthorName string
	Content    string
	CreatedAt  time.Time
	Origin     Origin
}

// MessageList reconciles the three inputs for one room -- the REST
// history seed, locally-staged optimistic sends, and inbound real-time
// events -- into a single ordered, duplicate-free sequence.
//
// Display order is insertion order: real-time arrival order is the best
// available approximation of causal order, and re-sorting by timestamp
// would make the list jump as stragglers with older timestamps arrive.
// Duplicate suppression is solely by permanent id.
//
// MessageList is not safe for concurrent use. Each room's event loop
// owns its list exclusively; readers go through Room's snapshot
// accessors.
type MessageList struct {
	roomID int64
	seeded bool
	msgs   []Message
}

// NewMessageList creates an empty list for a room.
func NewMessageList(roomID int64) *MessageList {
	return &MessageList{roomID: roomID}
}

// Seed installs the history page. It must be called exactly once,
// before any other input is accepted.
func (l *MessageList) Seed(msgs []api.Message) error {
	if l.seeded {
		return fmt.Errorf("room %d already seeded", l.roomID)
	}
	if len(l.msgs) > 0 {
		return fmt.Errorf("room %d accepted input before seed", l.roomID)
	}

	l.msgs = make([]Message, 0, len(msgs))
	for _, m := range msgs {
		l.msgs = append(l.msgs, fromWire(m))
	}
	l.seeded = true

	return nil
}

// StageSend appends an optimistic entry for a locally-submitted message
// and returns it. The TempID doubles as the correlation id: the send
// flow that staged the entry confirms or rolls it back by TempID, so
// matching never falls back to recency or content equality.
func (l *MessageList) StageSend(authorID int64, authorName, content string) Message {
	m := Message{
		TempID:     "tmp-" + uuid.NewString(),
		RoomID:     l.roomID,
		AuthorID:   authorID,
		AuthorName: authorName,
		Content:    normalize(content),
		CreatedAt:  time.Now(),
		Origin:     OriginOptimistic,
	}
	l.msgs = append(l.msgs, m)

	return m
}

// Confirm resolves the optimistic entry with the given TempID using the
// server's send response. If the entry's real-time echo already landed
// (same permanent id), the optimistic entry is dropped in favor of the
// existing confirmed one. Returns the confirmed entry and whether the
// TempID was known.
func (l *MessageList) Confirm(tempID string, wire api.Message) (Message, bool) {
	idx := l.indexByTempID(tempID)
	if idx < 0 {
		return Message{}, false
	}

	if echo := l.indexByID(wire.ID); echo >= 0 {
		l.msgs = append(l.msgs[:idx], l.msgs[idx+1:]...)
		return l.msgs[l.adjustIndex(echo, idx)], true
	}

	m := &l.msgs[idx]
	m.ID = wire.ID
	m.TempID = ""
	m.Origin = OriginConfirmed
	if !wire.CreatedAt.IsZero() {
		m.CreatedAt = wire.CreatedAt
	}

	return *m, true
}

// Rollback removes the optimistic entry with the given TempID after its
// send failed. Reports whether an entry was removed.
func (l *MessageList) Rollback(tempID string) bool {
	idx := l.indexByTempID(tempID)
	if idx < 0 {
		return false
	}

	l.msgs = append(l.msgs[:idx], l.msgs[idx+1:]...)

	return true
}

// Apply processes an inbound real-time message event. Events whose id
// is already present -- the sender's own echo, or a duplicate delivery --
// are dropped. Reports whether the message was appended.
func (l *MessageList) Apply(wire api.Message) bool {
	if l.indexByID(wire.ID) >= 0 {
		return false
	}

	l.msgs = append(l.msgs, fromWire(wire))

	return true
}

// Messages returns a copy of the current list in display order.
func (l *MessageList) Messages() []Message {
	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)

	return out
}

// Len returns the number of entries, optimistic included.
func (l *MessageList) Len() int {
	return len(l.msgs)
}

// LatestConfirmedID returns the highest permanent id in the list, or 0.
// Used to advance the read cursor when the room closes.
func (l *MessageList) LatestConfirmedID() int64 {
	var max int64
	for i := range l.msgs {
		if l.msgs[i].ID > max {
			max = l.msgs[i].ID
		}
	}

	return max
}

// Search returns the entries whose content contains the query,
// case-insensitively, comparing in NFC form so composed and decomposed
// spellings match.
func (l *MessageList) Search(query string) []Message {
	needle := strings.ToLower(normalize(query))
	if needle == "" {
		return nil
	}

	var out []Message
	for i := range l.msgs {
		if strings.Contains(strings.ToLower(l.msgs[i].Content), needle) {
			out = append(out, l.msgs[i])
		}
	}

	return out
}

func (l *MessageList) indexByID(id int64) int {
	if id == 0 {
		return -1
	}
	for i := range l.msgs {
		if l.msgs[i].ID == id {
			return i
		}
	}

	return -1
}

func (l *MessageList) indexByTempID(tempID string) int {
	if tempID == "" {
		return -1
	}
	for i := range l.msgs {
		if l.msgs[i].TempID == tempID {
			return i
		}
	}

	return -1
}

// adjustIndex compensates for the removal at removed when referencing
// an element that was at idx before the removal.
func (l *MessageList) adjustIndex(idx, removed int) int {
	if idx > removed {
		return idx - 1
	}

	return idx
}

// fromWire converts a server message into a confirmed entry, with
// content normalized to NFC.
func fromWire(m api.Message) Message {
	return Message{
		ID:         m.ID,
		RoomID:     m.GroupID,
		AuthorID:   m.UserID,
		AuthorName: m.Username,
		Content:    normalize(m.Content),
		CreatedAt:  m.CreatedAt,
		Origin:     OriginConfirmed,
	}
}

// normalize puts text into NFC form so equal-looking strings compare
// equal regardless of which client composed them.
func normalize(s string) string {
	return norm.NFC.String(s)
}
