package engine

import "github.com/hoistup/hoist/internal/core"

// resultSet merges provider resources keyed by link or id so a retried
// chunk never counts an uploaded resource twice.
type resultSet struct {
	seen      map[string]int
	resources []core.Resource
}

func newResultSet() *resultSet {
	return &resultSet{seen: make(map[string]int)}
}

// Add records r and reports whether it was new. Resources without a key
// are always kept.
func (s *resultSet) Add(r core.Resource) bool {
	key := r.Key()
	if key == "" {
		s.resources = append(s.resources, r)
		return true
	}
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = len(s.resources)
	s.resources = append(s.resources, r)
	return true
}

func (s *resultSet) Len() int {
	return len(s.resources)
}

func (s *resultSet) Resources() []core.Resource {
	out := make([]core.Resource, len(s.resources))
	copy(out, s.resources)
	return out
}
