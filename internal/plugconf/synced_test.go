package plugconf_test

import "sync"

// syncedStrings collects values from server goroutines.
type syncedStrings struct {
	mu sync.Mutex
	v  []string
}

func (s *syncedStrings) append(x string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v = append(s.v, x)
}

func (s *syncedStrings) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.v...)
}
