// Package store holds the ordered message log of one chat room.
//
// A Store is owned by exactly one RoomSession and is only touched from that
// session's event loop, so it does no locking of its own.
package store

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"schoolchat/pkg/types"
)

// DefaultConfirmWindow is how long after a local send an echo with the
// same sender, content and room still confirms the optimistic entry.
const DefaultConfirmWindow = 5 * time.Second

// Outcome describes what Receive did with an inbound message.
type Outcome int

const (
	Appended Outcome = iota
	Reconciled
	Duplicate
	WrongRoom
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Reconciled:
		return "reconciled"
	case Duplicate:
		return "duplicate"
	default:
		return "wrong_room"
	}
}

// Store is the message log of one room. Its sequence is always
// non-decreasing in CreatedAt, ties kept in insertion order.
type Store struct {
	room    types.RoomKey
	entries []entry
	window  time.Duration
	now     func() time.Time
}

type entry struct {
	msg    types.Message
	sentAt time.Time // local send time; zero for server-confirmed entries
}

// Option configures a Store.
type Option func(*Store)

// WithConfirmWindow overrides DefaultConfirmWindow.
func WithConfirmWindow(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty log for room.
func New(room types.RoomKey, opts ...Option) *Store {
	s := &Store{
		room:   room,
		window: DefaultConfirmWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Room returns the room this log belongs to.
func (s *Store) Room() types.RoomKey { return s.room }

// Len returns the number of entries.
func (s *Store) Len() int { return len(s.entries) }

// AppendLocal appends an optimistic entry for a message the user just sent
// and returns it. The entry carries a fresh LocalID until its echo arrives.
func (s *Store) AppendLocal(content, sender string) types.Message {
	now := s.now()
	createdAt := now
	if n := len(s.entries); n > 0 && s.entries[n-1].msg.CreatedAt.After(createdAt) {
		createdAt = s.entries[n-1].msg.CreatedAt
	}
	msg := types.Message{
		Content:   content,
		Sender:    sender,
		CreatedAt: createdAt,
		Room:      s.room,
		LocalID:   uuid.New().String(),
		Status:    types.StatusPending,
	}
	s.entries = append(s.entries, entry{msg: msg, sentAt: now})
	return msg
}

// Receive applies a live newMessage. An echo of a pending local send
// replaces that entry in place; anything else is inserted by CreatedAt.
func (s *Store) Receive(msg types.Message) Outcome {
	if msg.Room != s.room {
		return WrongRoom
	}
	msg.LocalID = ""
	msg.Status = types.StatusConfirmed

	if i := s.matchPending(msg, s.now()); i >= 0 {
		s.entries[i] = entry{msg: msg}
		s.resort()
		return Reconciled
	}
	if s.hasConfirmed(msg) {
		return Duplicate
	}
	s.entries = append(s.entries, entry{msg: msg})
	s.resort()
	return Appended
}

// ReplaceHistory swaps the log for a server snapshot sorted by CreatedAt.
// Unconfirmed local sends that the snapshot does not already contain are
// kept after it, in sending order.
func (s *Store) ReplaceHistory(history []types.Message) {
	next := make([]entry, 0, len(history)+len(s.entries))
	for _, msg := range history {
		if msg.Room != "" && msg.Room != s.room {
			continue
		}
		msg.Room = s.room
		msg.LocalID = ""
		msg.Status = types.StatusConfirmed
		next = append(next, entry{msg: msg})
	}
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].msg.CreatedAt.Before(next[j].msg.CreatedAt)
	})

	claimed := make([]bool, len(next))
	for _, e := range s.entries {
		if e.msg.LocalID == "" {
			continue
		}
		if i := snapshotMatch(next, claimed, e, s.window); i >= 0 {
			claimed[i] = true
			continue
		}
		if n := len(next); n > 0 && next[n-1].msg.CreatedAt.After(e.msg.CreatedAt) {
			e.msg.CreatedAt = next[n-1].msg.CreatedAt
		}
		next = append(next, e)
	}
	s.entries = next
}

// MarkFailed flags a pending entry whose send was rejected. The entry stays
// in the log and can still be confirmed by a late echo.
func (s *Store) MarkFailed(localID string) bool {
	for i := range s.entries {
		if s.entries[i].msg.LocalID == localID {
			s.entries[i].msg.Status = types.StatusFailed
			return true
		}
	}
	return false
}

// Messages returns a copy of the ordered log.
func (s *Store) Messages() []types.Message {
	out := make([]types.Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg
	}
	return out
}

// Pending returns the entries still waiting for their echo.
func (s *Store) Pending() []types.Message {
	var out []types.Message
	for _, e := range s.entries {
		if e.msg.LocalID != "" {
			out = append(out, e.msg)
		}
	}
	return out
}

// Stale returns the unconfirmed entries sent more than after ago.
func (s *Store) Stale(after time.Duration) []types.Message {
	now := s.now()
	var out []types.Message
	for _, e := range s.entries {
		if e.msg.LocalID != "" && now.Sub(e.sentAt) > after {
			out = append(out, e.msg)
		}
	}
	return out
}

// matchPending finds the oldest unconfirmed entry the echo confirms.
func (s *Store) matchPending(msg types.Message, now time.Time) int {
	for i, e := range s.entries {
		if e.msg.LocalID == "" {
			continue
		}
		if e.msg.Sender != msg.Sender || e.msg.Content != msg.Content {
			continue
		}
		if now.Sub(e.sentAt) <= s.window {
			return i
		}
	}
	return -1
}

func (s *Store) hasConfirmed(msg types.Message) bool {
	for _, e := range s.entries {
		if e.msg.LocalID != "" {
			continue
		}
		if msg.ID != "" && e.msg.ID != "" {
			if msg.ID == e.msg.ID {
				return true
			}
			continue
		}
		if e.msg.Sender == msg.Sender && e.msg.Content == msg.Content && e.msg.CreatedAt.Equal(msg.CreatedAt) {
			return true
		}
	}
	return false
}

// resort restores CreatedAt order. Unconfirmed entries carry only a local
// timestamp, so they are first lifted to the newest entry ahead of them and
// keep following it. The sort is stable: an entry already in place keeps its
// position and ties keep insertion order.
func (s *Store) resort() {
	var floor time.Time
	for i := range s.entries {
		e := &s.entries[i]
		if e.msg.LocalID != "" && e.msg.CreatedAt.Before(floor) {
			e.msg.CreatedAt = floor
		}
		if e.msg.CreatedAt.After(floor) {
			floor = e.msg.CreatedAt
		}
	}
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].msg.CreatedAt.Before(s.entries[j].msg.CreatedAt)
	})
}

// snapshotMatch finds an unclaimed snapshot message that is the server copy
// of the pending entry e.
func snapshotMatch(snapshot []entry, claimed []bool, e entry, window time.Duration) int {
	for i, c := range snapshot {
		if claimed[i] {
			continue
		}
		if c.msg.Sender != e.msg.Sender || c.msg.Content != e.msg.Content {
			continue
		}
		if d := c.msg.CreatedAt.Sub(e.sentAt); d >= -window && d <= window {
			return i
		}
	}
	return -1
}
