package scope

import "sort"

// Set is an unordered collection of scope IDs.
type Set map[string]struct{}

// NewSet builds a set from ids.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) Add(ids ...string) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

func (s Set) Remove(ids ...string) {
	for _, id := range ids {
		delete(s, id)
	}
}

func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Union adds every member of other to s.
func (s Set) Union(other Set) {
	for id := range other {
		s[id] = struct{}{}
	}
}

// Intersect returns a new set holding members present in both.
func (s Set) Intersect(other Set) Set {
	out := make(Set)
	for id := range s {
		if other.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Missing returns the members of want not present in s, sorted.
func (s Set) Missing(want []string) []string {
	var missing []string
	for _, id := range want {
		if !s.Has(id) {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}

// SubsetOf reports whether every member of s is in other.
func (s Set) SubsetOf(other Set) bool {
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}
