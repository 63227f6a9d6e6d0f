package twitter

import (
	"container/list"
	"time"
)

type record struct {
	id     string
	seenAt time.Time
}

// seenSet remembers the most recently seen tweet ids. When it grows past
// size, the entries with the oldest seenAt are evicted. It is owned by a
// single Bot and is not safe for concurrent use.
type seenSet struct {
	size  int
	order *list.List
	index map[string]*list.Element
	now   func() time.Time
}

func newSeenSet(size int, now func() time.Time) *seenSet {
	if size <= 0 {
		size = 1000
	}
	if now == nil {
		now = time.Now
	}
	return &seenSet{size: size, order: list.New(), index: make(map[string]*list.Element), now: now}
}

func (s *seenSet) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Mark records id as seen now.
func (s *seenSet) Mark(id string) {
	if el, ok := s.index[id]; ok {
		el.Value.(*record).seenAt = s.now()
		s.order.MoveToBack(el)
		return
	}
	s.index[id] = s.order.PushBack(&record{id: id, seenAt: s.now()})
	for s.order.Len() > s.size {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(*record).id)
	}
}

func (s *seenSet) Len() int { return s.order.Len() }
