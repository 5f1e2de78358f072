package segment

import (
	"fmt"

	"github.com/banshee-data/frame.annotator/internal/scheme"
)

// Side selects the neighbour used by Merge.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

// MergePolicy selects which vector survives a merge.
type MergePolicy string

const (
	// MergeFrom keeps the neighbour's vector.
	MergeFrom MergePolicy = "from"
	// MergeInto keeps the selected sample's vector.
	MergeInto MergePolicy = "into"
)

// ParseMergePolicy accepts "from" or "into".
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch MergePolicy(s) {
	case MergeFrom, MergeInto:
		return MergePolicy(s), nil
	}
	return "", fmt.Errorf("unknown merge policy %q", s)
}

// Cut splits the selected sample into [start, pos] and [pos+1, end]. The
// right half gets its own copy of the vector. Cutting at the last frame of
// a sample is refused.
func Cut(l List, pos int) (List, bool) {
	i := l.Index(pos)
	if i < 0 || pos == l[i].End {
		return l, false
	}
	out := make(List, 0, len(l)+1)
	out = append(out, l[:i].Clone()...)
	s := l[i]
	out = append(out,
		Sample{Start: s.Start, End: pos, Vector: s.Vector.Clone()},
		Sample{Start: pos + 1, End: s.End, Vector: s.Vector.Clone()},
	)
	out = append(out, l[i+1:].Clone()...)
	return out, true
}

// CutAndAnnotate cuts at pos and labels the right half with v.
func CutAndAnnotate(l List, pos int, v scheme.Vector) (List, bool) {
	cut, ok := Cut(l, pos)
	if !ok {
		return l, false
	}
	return Annotate(cut, pos+1, v)
}

// Merge joins the selected sample with its neighbour on side. A missing
// neighbour leaves the list unchanged.
func Merge(l List, pos int, side Side, policy MergePolicy) (List, bool) {
	i := l.Index(pos)
	if i < 0 {
		return l, false
	}
	j := i - 1
	if side == Right {
		j = i + 1
	}
	if j < 0 || j >= len(l) {
		return l, false
	}
	v := l[j].Vector
	if policy == MergeInto {
		v = l[i].Vector
	}
	lo, hi := min(i, j), max(i, j)
	merged := Sample{Start: l[lo].Start, End: l[hi].End, Vector: v.Clone()}

	out := make(List, 0, len(l)-1)
	out = append(out, l[:lo].Clone()...)
	out = append(out, merged)
	out = append(out, l[hi+1:].Clone()...)
	return out, true
}

// Annotate replaces the selected sample's vector with a copy of v. It is a
// no-op when v is bound to a different scheme or already equals the
// current vector.
func Annotate(l List, pos int, v scheme.Vector) (List, bool) {
	i := l.Index(pos)
	if i < 0 || !v.Scheme().Equal(l[i].Vector.Scheme()) || l[i].Vector.Equal(v) {
		return l, false
	}
	out := l.Clone()
	out[i].Vector = v.Clone()
	return out, true
}

// Reset clears the selected sample's vector.
func Reset(l List, pos int) (List, bool) {
	i := l.Index(pos)
	if i < 0 {
		return l, false
	}
	return Annotate(l, pos, scheme.Empty(l[i].Vector.Scheme()))
}

// DeleteAll collapses the list to one empty sample over all frames.
func DeleteAll(l List) (List, bool) {
	if len(l) == 0 || (len(l) == 1 && l[0].Vector.IsEmpty()) {
		return l, false
	}
	return Single(l.Scheme(), l.Frames()), true
}

// AnnotateRange labels [start, end] with v as a single sample, splitting
// the samples at both boundaries.
func AnnotateRange(l List, start, end int, v scheme.Vector) (List, bool) {
	n := l.Frames()
	start, end = max(start, 0), min(end, n-1)
	if start > end || len(l) == 0 || !v.Scheme().Equal(l.Scheme()) {
		return l, false
	}
	out := make(List, 0, len(l)+2)
	for _, s := range l {
		if s.End < start || s.Start > end {
			out = append(out, s.clone())
			continue
		}
		if s.Start < start {
			out = append(out, Sample{Start: s.Start, End: start - 1, Vector: s.Vector.Clone()})
		}
		if s.Start <= start {
			out = append(out, Sample{Start: start, End: end, Vector: v.Clone()})
		}
		if s.End > end {
			out = append(out, Sample{Start: end + 1, End: s.End, Vector: s.Vector.Clone()})
		}
	}
	if out.Equal(l) {
		return l, false
	}
	return out, true
}

// JumpNext returns the start of the following sample, or the end of the
// current one when it is the last.
func JumpNext(l List, pos int) int {
	i := l.Index(pos)
	if i < 0 {
		return pos
	}
	if i+1 < len(l) {
		return l[i+1].Start
	}
	return l[i].End
}

// JumpPrevious returns the start of the previous sample when pos already
// sits at the current sample's start, else the current sample's start.
func JumpPrevious(l List, pos int) int {
	i := l.Index(pos)
	if i < 0 {
		return pos
	}
	if pos == l[i].Start && i > 0 {
		return l[i-1].Start
	}
	return l[i].Start
}
