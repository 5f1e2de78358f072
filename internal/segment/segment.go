// Package segment implements the labelled sample list and its editing
// algebra. Every operation is pure: it returns a new list plus a flag
// reporting whether anything changed, and never mutates its input.
package segment

import (
	"errors"
	"fmt"
	"sort"

	"github.com/banshee-data/frame.annotator/internal/scheme"
)

// ErrInvariantViolation is returned when a list has a gap, an overlap,
// wrong coverage, or mixed schemes.
var ErrInvariantViolation = errors.New("sample list invariant violated")

// Sample is the closed frame interval [Start, End] and its label vector.
type Sample struct {
	Start  int           `json:"start"`
	End    int           `json:"end"`
	Vector scheme.Vector `json:"-"`
}

// Len returns the number of frames covered.
func (s Sample) Len() int { return s.End - s.Start + 1 }

// Contains reports whether pos lies in the sample.
func (s Sample) Contains(pos int) bool { return pos >= s.Start && pos <= s.End }

func (s Sample) clone() Sample {
	return Sample{Start: s.Start, End: s.End, Vector: s.Vector.Clone()}
}

// List is an ordered partition of [0, N) into samples.
type List []Sample

// Single returns a list holding one empty sample spanning n frames.
func Single(s *scheme.Scheme, n int) List {
	return List{{Start: 0, End: n - 1, Vector: scheme.Empty(s)}}
}

// Frames returns the frame count covered by the list.
func (l List) Frames() int {
	if len(l) == 0 {
		return 0
	}
	return l[len(l)-1].End + 1
}

// Scheme returns the scheme of the first sample, or nil for an empty list.
func (l List) Scheme() *scheme.Scheme {
	if len(l) == 0 {
		return nil
	}
	return l[0].Vector.Scheme()
}

// Validate checks coverage of [0, n) without gaps or overlaps and that
// every vector is bound to s.
func (l List) Validate(n int, s *scheme.Scheme) error {
	if n <= 0 {
		return fmt.Errorf("%w: frame count %d", ErrInvariantViolation, n)
	}
	if len(l) == 0 {
		return fmt.Errorf("%w: no samples", ErrInvariantViolation)
	}
	if l[0].Start != 0 {
		return fmt.Errorf("%w: first sample starts at %d", ErrInvariantViolation, l[0].Start)
	}
	for i, smp := range l {
		if smp.Start > smp.End {
			return fmt.Errorf("%w: sample %d has start %d > end %d", ErrInvariantViolation, i, smp.Start, smp.End)
		}
		if i > 0 && smp.Start != l[i-1].End+1 {
			return fmt.Errorf("%w: sample %d starts at %d, previous ends at %d", ErrInvariantViolation, i, smp.Start, l[i-1].End)
		}
		if smp.Vector.Scheme() == nil || !smp.Vector.Scheme().Equal(s) {
			return fmt.Errorf("%w: sample %d: %w", ErrInvariantViolation, i, scheme.ErrSchemeMismatch)
		}
	}
	if last := l[len(l)-1].End; last != n-1 {
		return fmt.Errorf("%w: last sample ends at %d, want %d", ErrInvariantViolation, last, n-1)
	}
	return nil
}

// Index returns the index of the sample containing pos, or -1.
func (l List) Index(pos int) int {
	i := sort.Search(len(l), func(i int) bool { return l[i].End >= pos })
	if i < len(l) && l[i].Contains(pos) {
		return i
	}
	return -1
}

// Clone returns a deep copy; vectors are never shared with l.
func (l List) Clone() List {
	if l == nil {
		return nil
	}
	out := make(List, len(l))
	for i, s := range l {
		out[i] = s.clone()
	}
	return out
}

// Equal reports whether both lists have the same intervals and vectors.
func (l List) Equal(o List) bool {
	if len(l) != len(o) {
		return false
	}
	for i := range l {
		if l[i].Start != o[i].Start || l[i].End != o[i].End || !l[i].Vector.Equal(o[i].Vector) {
			return false
		}
	}
	return true
}

// Labelled returns the number of frames whose sample is not empty.
func (l List) Labelled() int {
	n := 0
	for _, s := range l {
		if !s.Vector.IsEmpty() {
			n += s.Len()
		}
	}
	return n
}

// Progress is ceil(labelled / frames * 100).
func (l List) Progress() int {
	total := l.Frames()
	if total == 0 {
		return 0
	}
	return (l.Labelled()*100 + total - 1) / total
}
