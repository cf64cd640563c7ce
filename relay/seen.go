// SPDX-License-Identifier: MIT

package relay

type (
	// SeenSet deduplicates event ids arriving from multiple relays.
	// Bounded: once capacity is reached the oldest id is evicted first.
	// Mutated only by the pool's single demux goroutine, so it carries
	// no locks.
	SeenSet struct {
		ids      map[string]struct{}
		order    []string
		capacity int
		next     int
		full     bool
	}
)

func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = 1
	}

	return &SeenSet{
		ids:      make(map[string]struct{}, capacity),
		order:    make([]string, capacity),
		capacity: capacity,
	}
}

// MarkSeen records the id and reports whether it was new. Inserting into
// a full set evicts the oldest id.
func (s *SeenSet) MarkSeen(id string) bool {
	if _, seen := s.ids[id]; seen {
		return false
	}
	if s.full {
		delete(s.ids, s.order[s.next])
	}
	s.order[s.next] = id
	s.ids[id] = struct{}{}
	s.next++
	if s.next == s.capacity {
		s.next = 0
		s.full = true
	}

	return true
}

func (s *SeenSet) Seen(id string) bool {
	_, seen := s.ids[id]

	return seen
}

func (s *SeenSet) Len() int {
	return len(s.ids)
}
