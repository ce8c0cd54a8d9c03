// Package timeline holds the canonical ordered message timeline for one
// room. Three producers feed it: live push, paged history, and reconnect
// gap-fill. Every mutation goes through ReplaceAll, Prepend, or Append;
// those three enforce ordering and deduplication, so the final timeline is
// the same regardless of producer arrival order.
package timeline

import (
	"sort"
	"sync"

	"github.com/5-re-5/smore-front-sub000/internal/bus"
)

// Store is the per-room timeline. Entries are kept sorted ascending by
// (CreatedAt, MessageID) and no two entries share a non-empty MessageID.
// Merges are atomic with respect to readers.
type Store struct {
	mu     sync.RWMutex
	roomID string
	msgs   []Message
	bus    *bus.Bus
}

// NewStore creates an empty timeline for roomID. b may be nil in tests.
func NewStore(roomID string, b *bus.Bus) *Store {
	return &Store{roomID: roomID, bus: b}
}

// RoomID returns the room this timeline belongs to.
func (s *Store) RoomID() string {
	return s.roomID
}

func less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.MessageID < b.MessageID
}

// ReplaceAll resets the timeline to msgs, sorted and deduplicated. Used for
// the first history page.
func (s *Store) ReplaceAll(msgs []Message) {
	s.mu.Lock()
	s.msgs = s.msgs[:0]
	admitted := s.mergeLocked(msgs)
	s.mu.Unlock()
	s.publish(bus.KindTimelineUpdated, admitted)
}

// Prepend merges an older history page into the timeline. Duplicates of
// entries already present are dropped.
func (s *Store) Prepend(msgs []Message) {
	s.mu.Lock()
	admitted := s.mergeLocked(msgs)
	s.mu.Unlock()
	s.publish(bus.KindTimelineUpdated, admitted)
}

// Append merges live or gap-fill messages into the timeline. A message whose
// ClientMessageID matches an existing optimistic entry replaces that entry
// in place instead of duplicating it.
func (s *Store) Append(msgs []Message) {
	s.mu.Lock()
	admitted := s.mergeLocked(msgs)
	s.mu.Unlock()
	s.publish(bus.KindTimelineUpdated, admitted)
}

// mergeLocked admits each message at its sorted position, applying the dedup
// rule. Returns the messages actually admitted or replaced. Prepend and
// Append share this path on purpose: the merge is commutative, so arrival
// order cannot change the final timeline.
func (s *Store) mergeLocked(msgs []Message) []Message {
	var admitted []Message
	for _, m := range msgs {
		if s.admitLocked(m) {
			admitted = append(admitted, m)
		}
	}
	return admitted
}

func (s *Store) admitLocked(m Message) bool {
	if m.MessageID != "" {
		for i := range s.msgs {
			if s.msgs[i].MessageID == m.MessageID {
				return false
			}
		}
		// Server echo of an optimistic entry: replace in place, then
		// restore sort order since the server timestamp may differ.
		if m.ClientMessageID != "" {
			for i := range s.msgs {
				if s.msgs[i].MessageID == "" && s.msgs[i].ClientMessageID == m.ClientMessageID {
					s.msgs[i] = m
					sort.SliceStable(s.msgs, func(a, b int) bool { return less(s.msgs[a], s.msgs[b]) })
					return true
				}
			}
		}
	} else {
		if m.ClientMessageID == "" {
			return false
		}
		for i := range s.msgs {
			if s.msgs[i].ClientMessageID == m.ClientMessageID {
				return false
			}
		}
	}

	i := sort.Search(len(s.msgs), func(i int) bool { return !less(s.msgs[i], m) })
	s.msgs = append(s.msgs, Message{})
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = m
	return true
}

// Snapshot returns a copy of the full timeline.
func (s *Store) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Filtered returns the entries matching pred, in timeline order. The
// canonical state is never mutated.
func (s *Store) Filtered(pred func(Message) bool) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, m := range s.msgs {
		if pred(m) {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of timeline entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// Newest returns the last timeline entry, or ok=false on an empty timeline.
// The reconciler anchors its gap-fill window on this entry's CreatedAt.
func (s *Store) Newest() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.msgs) == 0 {
		return Message{}, false
	}
	return s.msgs[len(s.msgs)-1], true
}

// Oldest returns the first timeline entry, or ok=false on an empty timeline.
func (s *Store) Oldest() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.msgs) == 0 {
		return Message{}, false
	}
	return s.msgs[0], true
}

// Reset clears the timeline without destroying the store.
func (s *Store) Reset() {
	s.mu.Lock()
	s.msgs = nil
	s.mu.Unlock()
	if s.bus != nil {
		s.bus.Publish(bus.Now(bus.KindTimelineReset, Update{RoomID: s.roomID}))
	}
}

func (s *Store) publish(kind string, admitted []Message) {
	if s.bus == nil || len(admitted) == 0 {
		return
	}
	s.bus.Publish(bus.Now(kind, Update{RoomID: s.roomID, Messages: admitted}))
}
