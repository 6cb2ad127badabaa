package orchestrator

import "sync"

// inflightSet tracks which request contexts currently have a pipeline
// working on them. Both loops share one set, so the evaluation and payout
// pipelines can never interleave on the same request inside this process.
type inflightSet struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{active: make(map[string]struct{})}
}

// TryAdd claims key, returning false if it is already claimed.
func (s *inflightSet) TryAdd(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[key]; ok {
		return false
	}
	s.active[key] = struct{}{}
	return true
}

// Remove releases key.
func (s *inflightSet) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, key)
}

// Len returns the number of claimed keys.
func (s *inflightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
