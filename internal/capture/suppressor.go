package capture

import "sync"

// Suppressor is the set of node ids whose notifications are echoes of an
// in-flight apply-back. Arms nest: an id stays suppressed until every Arm
// has been matched by a Release.
type Suppressor struct {
	mu    sync.Mutex
	armed map[string]int
}

// NewSuppressor creates an empty set.
func NewSuppressor() *Suppressor {
	return &Suppressor{armed: make(map[string]int)}
}

// Arm starts suppressing notifications for ids.
func (s *Suppressor) Arm(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if id != "" {
			s.armed[id]++
		}
	}
}

// Release undoes one Arm for each of ids.
func (s *Suppressor) Release(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if n := s.armed[id]; n > 1 {
			s.armed[id] = n - 1
		} else {
			delete(s.armed, id)
		}
	}
}

// Suppressed reports whether id is armed.
func (s *Suppressor) Suppressed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.armed[id] > 0
}

// Len returns the number of armed ids.
func (s *Suppressor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.armed)
}
