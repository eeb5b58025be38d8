package marketchat

import (
	"slices"
	"time"
)

// timeline is the visible tail of one conversation plus the messages held back for
// reordering.
type timeline struct {
	messages []Message
	held     []Message
	flush    *time.Timer
	limit    int
}

func newTimeline(limit int) *timeline {
	return &timeline{limit: limit}
}

// insert places msg in (CreatedAt, ID) order and returns its index after trimming the tail
// to limit. Messages already present, and messages older than everything a full timeline
// keeps, are rejected.
func (t *timeline) insert(msg Message) (int, bool) {
	i, found := slices.BinarySearchFunc(t.messages, msg, compareMessages)
	if found {
		return -1, false
	}
	t.messages = slices.Insert(t.messages, i, msg)

	if over := len(t.messages) - t.limit; t.limit > 0 && over > 0 {
		t.messages = slices.Delete(t.messages, 0, over)
		if i < over {
			return -1, false
		}
		i -= over
	}
	return i, true
}

// takeHeld returns the held messages sorted and clears the hold-back buffer.
func (t *timeline) takeHeld() []Message {
	held := t.held
	t.held = nil
	t.flush = nil
	slices.SortFunc(held, compareMessages)
	return held
}

func (t *timeline) snapshot() []Message {
	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.clone()
	}
	return out
}

func (t *timeline) stop() {
	if t.flush != nil {
		t.flush.Stop()
		t.flush = nil
	}
}

func compareMessages(a, b Message) int {
	switch {
	case a.before(b):
		return -1
	case b.before(a):
		return 1
	default:
		return 0
	}
}

// idSet remembers the most recent capacity IDs.
type idSet struct {
	capacity int
	ids      map[string]struct{}
	order    []string
}

func newIDSet(capacity int) *idSet {
	return &idSet{capacity: capacity, ids: make(map[string]struct{}, capacity)}
}

func (s *idSet) has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// add records id and reports whether it was new.
func (s *idSet) add(id string) bool {
	if s.has(id) {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.capacity {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	return true
}
