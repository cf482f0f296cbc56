package types

// OrderedSet is a string set that keeps insertion order.
// It serializes as a plain JSON array.
type OrderedSet []string

// Contains reports whether v is present (exact string match).
func (s OrderedSet) Contains(v string) bool {
	for _, existing := range s {
		if existing == v {
			return true
		}
	}
	return false
}

// Add appends v unless it is already present. Returns true if v was added.
func (s *OrderedSet) Add(v string) bool {
	if v == "" || s.Contains(v) {
		return false
	}
	*s = append(*s, v)
	return true
}

// AddAll adds every value in order and returns how many were new.
func (s *OrderedSet) AddAll(values ...string) int {
	added := 0
	for _, v := range values {
		if s.Add(v) {
			added++
		}
	}
	return added
}

// Clone returns an independent copy. A nil set clones to nil.
func (s OrderedSet) Clone() OrderedSet {
	if s == nil {
		return nil
	}
	out := make(OrderedSet, len(s))
	copy(out, s)
	return out
}
