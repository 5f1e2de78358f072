package scheme

import (
	"fmt"
	"math"
	"strings"
)

// Vector is the bit-vector form of one sample's labels. It is a value type:
// every constructor and mutator returns a fresh backing array, so two
// samples never share label storage.
type Vector struct {
	scheme *Scheme
	bits   []bool
}

// Entry is one element yielded by Vector.Entries.
type Entry struct {
	Group     string
	Attribute string
	Value     int
	Row       int
	Column    int
}

// Empty returns the all-zero vector for s.
func Empty(s *Scheme) Vector {
	return Vector{scheme: s, bits: make([]bool, s.N())}
}

// FromBits builds a vector from a flat 0/1 slice of length s.N().
func FromBits(s *Scheme, bits []int) (Vector, error) {
	if len(bits) != s.N() {
		return Vector{}, fmt.Errorf("%w: got %d bits, scheme has %d attributes", ErrSchemeMismatch, len(bits), s.N())
	}
	v := Empty(s)
	for i, b := range bits {
		switch b {
		case 0:
		case 1:
			v.bits[i] = true
		default:
			return Vector{}, fmt.Errorf("%w: bit %d has value %d", ErrSchemeMismatch, i, b)
		}
	}
	return v, nil
}

// FromFloats builds a vector from a float row whose values are exactly 0 or 1.
func FromFloats(s *Scheme, row []float64) (Vector, error) {
	if len(row) != s.N() {
		return Vector{}, fmt.Errorf("%w: got %d values, scheme has %d attributes", ErrSchemeMismatch, len(row), s.N())
	}
	v := Empty(s)
	for i, f := range row {
		switch {
		case f == 0:
		case f == 1:
			v.bits[i] = true
		default:
			return Vector{}, fmt.Errorf("%w: value %v at column %d is not 0 or 1", ErrSchemeMismatch, f, i)
		}
	}
	return v, nil
}

// FromMap builds a vector from the nested {group: {attribute: 0|1}} view.
// The mapping must have exactly the scheme's shape.
func FromMap(s *Scheme, m map[string]map[string]int) (Vector, error) {
	if len(m) != len(s.groups) {
		return Vector{}, fmt.Errorf("%w: got %d groups, scheme has %d", ErrSchemeMismatch, len(m), len(s.groups))
	}
	v := Empty(s)
	for _, g := range s.groups {
		attrs, ok := m[g.Name]
		if !ok {
			return Vector{}, fmt.Errorf("%w: missing group %q", ErrSchemeMismatch, g.Name)
		}
		if len(attrs) != len(g.Attributes) {
			return Vector{}, fmt.Errorf("%w: group %q has %d attributes, want %d", ErrSchemeMismatch, g.Name, len(attrs), len(g.Attributes))
		}
		for _, a := range g.Attributes {
			val, ok := attrs[a]
			if !ok {
				return Vector{}, fmt.Errorf("%w: missing attribute %q in group %q", ErrSchemeMismatch, a, g.Name)
			}
			if val != 0 && val != 1 {
				return Vector{}, fmt.Errorf("%w: %s/%s has value %d", ErrSchemeMismatch, g.Name, a, val)
			}
			idx := s.index[g.Name][a]
			v.bits[idx] = val == 1
		}
	}
	return v, nil
}

// IsCompatible reports whether raw can be bound to s: either a flat bit
// array of length n or a nested mapping with the scheme's shape, every
// value being 0 or 1. Decoded JSON values (float64, map[string]any) are
// accepted alongside native Go types.
func IsCompatible(raw any, s *Scheme) bool {
	_, err := Coerce(raw, s)
	return err == nil
}

// Coerce converts raw into a Vector bound to s. See IsCompatible for the
// accepted shapes.
func Coerce(raw any, s *Scheme) (Vector, error) {
	switch r := raw.(type) {
	case Vector:
		if !r.scheme.Equal(s) {
			return Vector{}, fmt.Errorf("%w: vector bound to a different scheme", ErrSchemeMismatch)
		}
		return r.Clone(), nil
	case []int:
		return FromBits(s, r)
	case []bool:
		bits := make([]int, len(r))
		for i, b := range r {
			if b {
				bits[i] = 1
			}
		}
		return FromBits(s, bits)
	case []float64:
		return FromFloats(s, r)
	case []any:
		row := make([]float64, len(r))
		for i, x := range r {
			f, ok := toFloat(x)
			if !ok {
				return Vector{}, fmt.Errorf("%w: element %d is %T", ErrSchemeMismatch, i, x)
			}
			row[i] = f
		}
		return FromFloats(s, row)
	case map[string]map[string]int:
		return FromMap(s, r)
	case map[string]any:
		m := make(map[string]map[string]int, len(r))
		for g, inner := range r {
			attrs, ok := inner.(map[string]any)
			if !ok {
				return Vector{}, fmt.Errorf("%w: group %q is %T", ErrSchemeMismatch, g, inner)
			}
			m[g] = make(map[string]int, len(attrs))
			for a, x := range attrs {
				f, ok := toFloat(x)
				if !ok || (f != 0 && f != 1) {
					return Vector{}, fmt.Errorf("%w: %s/%s is %v", ErrSchemeMismatch, g, a, x)
				}
				m[g][a] = int(f)
			}
		}
		return FromMap(s, m)
	default:
		return Vector{}, fmt.Errorf("%w: unsupported value %T", ErrSchemeMismatch, raw)
	}
}

func toFloat(x any) (float64, bool) {
	switch n := x.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case int:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Scheme returns the scheme the vector is bound to.
func (v Vector) Scheme() *Scheme { return v.scheme }

// Len is the number of bits.
func (v Vector) Len() int { return len(v.bits) }

// IsEmpty reports whether every bit is zero.
func (v Vector) IsEmpty() bool {
	for _, b := range v.bits {
		if b {
			return false
		}
	}
	return true
}

// Bit returns bit i.
func (v Vector) Bit(i int) bool { return v.bits[i] }

// With returns a copy of v with bit i set to on.
func (v Vector) With(i int, on bool) Vector {
	out := v.Clone()
	out.bits[i] = on
	return out
}

// Clone deep-copies the vector.
func (v Vector) Clone() Vector {
	return Vector{scheme: v.scheme, bits: append([]bool(nil), v.bits...)}
}

// Bits returns the flat 0/1 view.
func (v Vector) Bits() []int {
	out := make([]int, len(v.bits))
	for i, b := range v.bits {
		if b {
			out[i] = 1
		}
	}
	return out
}

// Floats returns the flat view as a float row, for matrix export.
func (v Vector) Floats() []float64 {
	out := make([]float64, len(v.bits))
	for i, b := range v.bits {
		if b {
			out[i] = 1
		}
	}
	return out
}

// BitString renders the vector as a string of '0' and '1'.
func (v Vector) BitString() string {
	var sb strings.Builder
	sb.Grow(len(v.bits))
	for _, b := range v.bits {
		if b {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// ParseBitString is the inverse of BitString.
func ParseBitString(s *Scheme, bits string) (Vector, error) {
	if len(bits) != s.N() {
		return Vector{}, fmt.Errorf("%w: bit string has %d bits, scheme has %d", ErrSchemeMismatch, len(bits), s.N())
	}
	v := Empty(s)
	for i := 0; i < len(bits); i++ {
		switch bits[i] {
		case '0':
		case '1':
			v.bits[i] = true
		default:
			return Vector{}, fmt.Errorf("%w: invalid bit %q at %d", ErrSchemeMismatch, bits[i], i)
		}
	}
	return v, nil
}

// Map returns the nested {group: {attribute: 0|1}} view.
func (v Vector) Map() map[string]map[string]int {
	out := make(map[string]map[string]int)
	if v.scheme == nil {
		return out
	}
	for _, a := range v.scheme.flat {
		if out[a.Group] == nil {
			out[a.Group] = make(map[string]int)
		}
		if v.bits[a.Index] {
			out[a.Group][a.Name] = 1
		} else {
			out[a.Group][a.Name] = 0
		}
	}
	return out
}

// Entries yields (group, attribute, value, row, column) in scheme order.
func (v Vector) Entries() []Entry {
	if v.scheme == nil {
		return nil
	}
	out := make([]Entry, len(v.scheme.flat))
	for i, a := range v.scheme.flat {
		val := 0
		if v.bits[i] {
			val = 1
		}
		out[i] = Entry{Group: a.Group, Attribute: a.Name, Value: val, Row: a.Row, Column: a.Column}
	}
	return out
}

// Equal reports whether a and b are bound to the same scheme and carry the
// same bits.
func (v Vector) Equal(o Vector) bool {
	if !v.scheme.Equal(o.scheme) || len(v.bits) != len(o.bits) {
		return false
	}
	for i := range v.bits {
		if v.bits[i] != o.bits[i] {
			return false
		}
	}
	return true
}

// Key is a hashable identity derived from (scheme, bit string).
func (v Vector) Key() string {
	if v.scheme == nil {
		return "|" + v.BitString()
	}
	return v.scheme.canonical + "|" + v.BitString()
}

// Union returns the bitwise OR of v and o. Both must share a scheme.
func (v Vector) Union(o Vector) (Vector, error) {
	if !v.scheme.Equal(o.scheme) {
		return Vector{}, ErrSchemeMismatch
	}
	out := v.Clone()
	for i, b := range o.bits {
		out.bits[i] = out.bits[i] || b
	}
	return out, nil
}

// Covers reports whether every bit set in filter is also set in v.
func (v Vector) Covers(filter Vector) (bool, error) {
	if !v.scheme.Equal(filter.scheme) {
		return false, ErrSchemeMismatch
	}
	for i, b := range filter.bits {
		if b && !v.bits[i] {
			return false, nil
		}
	}
	return true, nil
}

// String renders the set attributes as group/attribute pairs.
func (v Vector) String() string {
	var set []string
	for _, e := range v.Entries() {
		if e.Value == 1 {
			set = append(set, e.Group+"/"+e.Attribute)
		}
	}
	if len(set) == 0 {
		return "{}"
	}
	return "{" + strings.Join(set, ", ") + "}"
}
