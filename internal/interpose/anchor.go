package interpose

import (
	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
)

// Anchor is a handle to a value the engine keeps alive on purpose.
type Anchor struct {
	id uuid.UUID
}

// IsZero reports whether a is the zero handle.
func (a Anchor) IsZero() bool { return a.id == uuid.Nil }

func (a Anchor) String() string { return a.id.String() }

// AnchorSet holds strong references to values that must outlive every
// script-visible reference, such as the original behind a wrapper. Every
// Anchor is released exactly once, when the entry that needed it is erased.
type AnchorSet struct {
	refs map[Anchor]lua.LValue
}

// NewAnchorSet creates an empty anchor set.
func NewAnchorSet() *AnchorSet {
	return &AnchorSet{refs: make(map[Anchor]lua.LValue)}
}

// Anchor keeps v alive until the returned handle is released.
func (s *AnchorSet) Anchor(v lua.LValue) Anchor {
	a := Anchor{id: uuid.New()}
	s.refs[a] = v
	return a
}

// Get returns the anchored value.
func (s *AnchorSet) Get(a Anchor) (lua.LValue, bool) {
	v, ok := s.refs[a]
	return v, ok
}

// Release drops the reference. It reports whether a was held.
func (s *AnchorSet) Release(a Anchor) bool {
	if _, ok := s.refs[a]; !ok {
		return false
	}
	delete(s.refs, a)
	return true
}

// Len returns the number of live anchors.
func (s *AnchorSet) Len() int { return len(s.refs) }

// Clear releases everything.
func (s *AnchorSet) Clear() {
	clear(s.refs)
}
