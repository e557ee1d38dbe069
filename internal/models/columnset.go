package models

import (
	"sort"
	"strings"
)

// ColumnSet is the set of columns touched since a record was last synced.
// Modeled as a set rather than the delimited string it is stored as, to keep
// parse/join bugs out of the dirty-tracking logic.
type ColumnSet map[string]struct{}

func NewColumnSet(cols ...string) ColumnSet {
	s := make(ColumnSet, len(cols))
	for _, c := range cols {
		s[c] = struct{}{}
	}
	return s
}

// ParseColumnSet reads the stored comma-joined form.
func ParseColumnSet(joined string) ColumnSet {
	if joined == "" {
		return ColumnSet{}
	}
	return NewColumnSet(strings.Split(joined, ",")...)
}

func (s ColumnSet) Add(col string) {
	s[col] = struct{}{}
}

func (s ColumnSet) Has(col string) bool {
	_, ok := s[col]
	return ok
}

// Names returns the columns sorted, for deterministic storage and tests.
func (s ColumnSet) Names() []string {
	names := make([]string, 0, len(s))
	for c := range s {
		names = append(names, c)
	}
	sort.Strings(names)
	return names
}

// Join renders the stored comma-joined form.
func (s ColumnSet) Join() string {
	return strings.Join(s.Names(), ",")
}

// SubsetOf reports whether every column in s is contained in cols. Used by
// the push pipeline: a record whose changed set is a subset of the
// server-owned columns has nothing worth sending.
func (s ColumnSet) SubsetOf(cols []string) bool {
	for c := range s {
		found := false
		for _, o := range cols {
			if c == o {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
