package reconcile

// IDSet is a deduplicated set of identity ids that keeps first-seen order, so traversals over it
// are reproducible between runs.
type IDSet struct {
	order []string
	index map[string]struct{}
}

func NewIDSet(ids ...string) *IDSet {
	s := &IDSet{index: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id and reports whether it was new. Empty ids are ignored.
func (s *IDSet) Add(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

func (s *IDSet) Has(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.index[id]
	return ok
}

func (s *IDSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// IDs returns a copy of the members in first-seen order.
func (s *IDSet) IDs() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.order...)
}

// Minus returns the members of s that are not in other, keeping the order of s.
func (s *IDSet) Minus(other *IDSet) *IDSet {
	out := NewIDSet()
	if s == nil {
		return out
	}
	for _, id := range s.order {
		if !other.Has(id) {
			out.Add(id)
		}
	}
	return out
}
