package policy

import (
	"sort"
	"strings"
	"sync/atomic"
)

// AllowSet is an immutable set of permitted action type names.
type AllowSet struct {
	names map[string]struct{}
}

// NewAllowSet builds a set from names. Blank entries are dropped.
func NewAllowSet(names []string) AllowSet {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		set[n] = struct{}{}
	}
	return AllowSet{names: set}
}

// Contains reports whether name is permitted.
func (s AllowSet) Contains(name string) bool {
	_, ok := s.names[name]
	return ok
}

// Len returns the number of permitted names.
func (s AllowSet) Len() int {
	return len(s.names)
}

// Names returns the permitted names sorted.
func (s AllowSet) Names() []string {
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// AllowList is the process-wide allow-list. Updates replace the whole set;
// readers see either the previous or the next snapshot.
type AllowList struct {
	current atomic.Pointer[AllowSet]
}

// NewAllowList seeds the list with names.
func NewAllowList(names []string) *AllowList {
	l := &AllowList{}
	l.Update(names)
	return l
}

// Current returns the snapshot in effect.
func (l *AllowList) Current() AllowSet {
	if l == nil {
		return AllowSet{}
	}
	if s := l.current.Load(); s != nil {
		return *s
	}
	return AllowSet{}
}

// Update swaps in a new snapshot built from names.
func (l *AllowList) Update(names []string) {
	set := NewAllowSet(names)
	l.current.Store(&set)
}
