// Package scheme defines the labelling taxonomy of a dataset and the
// fixed-width label vectors bound to it.
package scheme

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSchemeInvalid reports a malformed scheme description.
	ErrSchemeInvalid = errors.New("scheme invalid")
	// ErrSchemeMismatch reports a vector or raw value that does not fit a scheme.
	ErrSchemeMismatch = errors.New("scheme mismatch")
)

// Group is one named block of attributes in a scheme.
type Group struct {
	Name       string   `json:"name"`
	Attributes []string `json:"attributes"`
}

// Attribute is one flattened scheme position.
type Attribute struct {
	Group  string
	Name   string
	Row    int // group index
	Column int // attribute index inside the group
	Index  int // flat bit index
}

// Scheme is an immutable ordered list of attribute groups.
type Scheme struct {
	groups    []Group
	flat      []Attribute
	index     map[string]map[string]int
	canonical string
}

// New validates groups and builds a scheme. Group names must be unique and
// non-empty; every group needs at least one attribute and attribute names
// must be unique inside their group.
func New(groups []Group) (*Scheme, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("%w: no groups", ErrSchemeInvalid)
	}

	s := &Scheme{
		groups: make([]Group, len(groups)),
		index:  make(map[string]map[string]int, len(groups)),
	}
	for row, g := range groups {
		name := strings.TrimSpace(g.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: group %d has an empty name", ErrSchemeInvalid, row)
		}
		if _, dup := s.index[name]; dup {
			return nil, fmt.Errorf("%w: duplicate group %q", ErrSchemeInvalid, name)
		}
		if len(g.Attributes) == 0 {
			return nil, fmt.Errorf("%w: group %q has no attributes", ErrSchemeInvalid, name)
		}

		attrs := make([]string, len(g.Attributes))
		s.index[name] = make(map[string]int, len(g.Attributes))
		for col, a := range g.Attributes {
			a = strings.TrimSpace(a)
			if a == "" {
				return nil, fmt.Errorf("%w: group %q attribute %d is empty", ErrSchemeInvalid, name, col)
			}
			if _, dup := s.index[name][a]; dup {
				return nil, fmt.Errorf("%w: duplicate attribute %q in group %q", ErrSchemeInvalid, a, name)
			}
			attrs[col] = a
			s.index[name][a] = len(s.flat)
			s.flat = append(s.flat, Attribute{Group: name, Name: a, Row: row, Column: col, Index: len(s.flat)})
		}
		s.groups[row] = Group{Name: name, Attributes: attrs}
	}

	b, err := json.Marshal(s.groups)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemeInvalid, err)
	}
	s.canonical = string(b)
	return s, nil
}

// MustNew is New for fixtures and tests; it panics on error.
func MustNew(groups []Group) *Scheme {
	s, err := New(groups)
	if err != nil {
		panic(err)
	}
	return s
}

// Parse builds a scheme from its JSON description.
func Parse(data []byte) (*Scheme, error) {
	var groups []Group
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemeInvalid, err)
	}
	return New(groups)
}

// N is the total number of attributes.
func (s *Scheme) N() int { return len(s.flat) }

// Groups returns a copy of the scheme's groups.
func (s *Scheme) Groups() []Group {
	out := make([]Group, len(s.groups))
	for i, g := range s.groups {
		out[i] = Group{Name: g.Name, Attributes: append([]string(nil), g.Attributes...)}
	}
	return out
}

// Attributes returns the flattened attribute positions in scheme order.
func (s *Scheme) Attributes() []Attribute {
	return append([]Attribute(nil), s.flat...)
}

// AttributeNames returns attribute names in scheme order. This is the CSV
// header order.
func (s *Scheme) AttributeNames() []string {
	names := make([]string, len(s.flat))
	for i, a := range s.flat {
		names[i] = a.Name
	}
	return names
}

// IndexOf returns the flat bit index of group/attribute.
func (s *Scheme) IndexOf(group, attribute string) (int, bool) {
	attrs, ok := s.index[group]
	if !ok {
		return 0, false
	}
	i, ok := attrs[attribute]
	return i, ok
}

// String is the canonical representation; schemes are equal iff their
// canonical strings are equal.
func (s *Scheme) String() string { return s.canonical }

// Equal compares schemes by canonical representation.
func (s *Scheme) Equal(o *Scheme) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s == o || s.canonical == o.canonical
}

func (s *Scheme) MarshalJSON() ([]byte, error) {
	return []byte(s.canonical), nil
}

func (s *Scheme) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}
