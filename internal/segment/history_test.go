package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_UndoRedoSequence(t *testing.T) {
	h := NewHistory(0)
	start := Single(testScheme, 100)
	current := start

	ops := []func(List) (List, bool){
		func(l List) (List, bool) { return Cut(l, 20) },
		func(l List) (List, bool) { return Annotate(l, 50, vec(t, 1, 0, 0, 1)) },
		func(l List) (List, bool) { return Cut(l, 70) },
		func(l List) (List, bool) { return Merge(l, 10, Right, MergeInto) },
	}
	for _, op := range ops {
		next, ok := op(current)
		require.True(t, ok)
		h.Push(current)
		current = next
	}
	final := current.Clone()

	for range ops {
		var ok bool
		current, ok = h.Undo(current)
		require.True(t, ok)
	}
	assert.True(t, current.Equal(start))
	_, ok := h.Undo(current)
	assert.False(t, ok)

	for range ops {
		current, ok = h.Redo(current)
		require.True(t, ok)
	}
	assert.True(t, current.Equal(final))
}

func TestHistory_PushClearsRedo(t *testing.T) {
	h := NewHistory(4)
	l := Single(testScheme, 10)
	cut, _ := Cut(l, 3)
	h.Push(l)
	back, ok := h.Undo(cut)
	require.True(t, ok)
	assert.Equal(t, 1, h.RedoLen())

	h.Push(back)
	assert.Equal(t, 0, h.RedoLen())
}

func TestHistory_EvictsOldest(t *testing.T) {
	h := NewHistory(3)
	l := Single(testScheme, 10)
	var snapshots []List
	for i := 0; i < 5; i++ {
		next, ok := Cut(l, i)
		require.True(t, ok)
		snapshots = append(snapshots, l)
		h.Push(l)
		l = next
	}
	assert.Equal(t, 3, h.UndoLen())

	for i := 4; i >= 2; i-- {
		var ok bool
		l, ok = h.Undo(l)
		require.True(t, ok)
		assert.True(t, l.Equal(snapshots[i]))
	}
	_, ok := h.Undo(l)
	assert.False(t, ok)
}

func TestHistory_SnapshotsAreDeep(t *testing.T) {
	h := NewHistory(2)
	l := Single(testScheme, 10)
	h.Push(l)
	l[0].Vector = l[0].Vector.With(1, true)

	prev, ok := h.Undo(l)
	require.True(t, ok)
	assert.True(t, prev[0].Vector.IsEmpty())
}
