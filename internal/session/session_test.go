package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/frame.annotator/internal/events"
	"github.com/banshee-data/frame.annotator/internal/scheme"
	"github.com/banshee-data/frame.annotator/internal/segment"
	"github.com/banshee-data/frame.annotator/internal/testutil"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func newLoaded(t *testing.T, l segment.List, opts Options) (*Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts.Emit = rec.emit
	s := New(opts)
	t.Cleanup(s.Close)
	ds, err := scheme.NewDataset("test", l.Scheme(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Load(l, ds, l.Frames()))
	rec.reset()
	return s, rec
}

func TestLoad(t *testing.T) {
	sc := testutil.Scheme()
	rec := &recorder{}
	s := New(Options{Emit: rec.emit})
	ds, err := scheme.NewDataset("test", sc, nil)
	require.NoError(t, err)

	_, err = s.Do(Command{Action: Cut})
	assert.ErrorIs(t, err, ErrNotLoaded)

	err = s.Load(testutil.Samples(sc, "49:0000", "98:0000"), ds, 100)
	assert.ErrorIs(t, err, segment.ErrInvariantViolation)
	assert.Error(t, s.Load(segment.Single(sc, 10), nil, 10))

	require.NoError(t, s.Load(segment.Single(sc, 100), ds, 100))
	assert.Equal(t, []events.Kind{events.Loaded, events.SamplesChanged, events.PositionChanged, events.Progress}, rec.kinds())
	assert.Equal(t, 0, s.Position())
	assert.Equal(t, Manual, s.Mode())
	assert.Same(t, ds, s.Dataset())
}

func TestCutInTheMiddle(t *testing.T) {
	sc := testutil.Scheme()
	s, _ := newLoaded(t, segment.Single(sc, 100), Options{})
	s.SetPosition(49)

	changed, err := s.Do(Command{Action: Cut})
	require.NoError(t, err)
	assert.True(t, changed)
	l := s.Samples()
	require.Len(t, l, 2)
	assert.Equal(t, [2]int{0, 49}, [2]int{l[0].Start, l[0].End})
	assert.Equal(t, [2]int{50, 99}, [2]int{l[1].Start, l[1].End})
	assert.Equal(t, 1, s.Status().UndoDepth)
}

func TestCutAtLastFrameIsNoop(t *testing.T) {
	sc := testutil.Scheme()
	s, rec := newLoaded(t, testutil.Samples(sc, "99:1000"), Options{})
	s.SetPosition(99)
	rec.reset()

	changed, err := s.Do(Command{Action: Cut})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, s.Samples(), 1)
	assert.Zero(t, s.Status().UndoDepth)
	assert.Empty(t, rec.kinds())
}

func TestMergeLeftFrom(t *testing.T) {
	sc := testutil.Scheme()
	s, _ := newLoaded(t, testutil.Samples(sc, "49:1000", "99:0100"), Options{MergePolicy: segment.MergeFrom})
	s.SetPosition(75)

	changed, err := s.Do(Command{Action: MergeLeft})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, testutil.Samples(sc, "99:1000").Equal(s.Samples()))

	changed, err = s.Do(Command{Action: MergeRight})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMergeRightInto(t *testing.T) {
	sc := testutil.Scheme()
	s, _ := newLoaded(t, testutil.Samples(sc, "49:1000", "99:0100"), Options{MergePolicy: segment.MergeInto})
	_, err := s.Do(Command{Action: MergeRight})
	require.NoError(t, err)
	assert.True(t, testutil.Samples(sc, "99:1000").Equal(s.Samples()))
}

func TestAnnotateCopyPaste(t *testing.T) {
	sc := testutil.Scheme()
	s, _ := newLoaded(t, testutil.Samples(sc, "9:0000", "19:0000"), Options{})

	changed, err := s.Do(Command{Action: Paste})
	require.NoError(t, err)
	assert.False(t, changed, "paste with empty clipboard")

	changed, err = s.Do(Command{Action: Annotate, Vector: testutil.Vector(sc, "1001")})
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = s.Do(Command{Action: Copy})
	require.NoError(t, err)
	clip, ok := s.Clipboard()
	require.True(t, ok)
	assert.Equal(t, "1001", clip.BitString())

	s.SetPosition(15)
	changed, err = s.Do(Command{Action: Paste})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, testutil.Samples(sc, "9:1001", "19:1001").Equal(s.Samples()))

	other := scheme.MustNew([]scheme.Group{{Name: "g", Attributes: []string{"a"}}})
	changed, err = s.Do(Command{Action: Annotate, Vector: scheme.Empty(other)})
	require.NoError(t, err)
	assert.False(t, changed, "foreign scheme is refused")
}

func TestCutAndAnnotate(t *testing.T) {
	sc := testutil.Scheme()
	s, _ := newLoaded(t, segment.Single(sc, 20), Options{})
	s.SetPosition(4)

	changed, err := s.Do(Command{Action: CutAndAnnotate, Vector: testutil.Vector(sc, "0010")})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, testutil.Samples(sc, "4:0000", "19:0010").Equal(s.Samples()))
	assert.Equal(t, 1, s.Status().UndoDepth)

	changed, err = s.Do(Command{Action: CutAndAnnotate})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestResetDeleteUndoRedo(t *testing.T) {
	sc := testutil.Scheme()
	start := testutil.Samples(sc, "9:1000", "19:0100", "29:0010")
	s, _ := newLoaded(t, start, Options{})
	s.SetPosition(12)

	_, err := s.Do(Command{Action: Reset})
	require.NoError(t, err)
	assert.True(t, testutil.Samples(sc, "9:1000", "19:0000", "29:0010").Equal(s.Samples()))

	_, err = s.Do(Command{Action: Delete})
	require.NoError(t, err)
	afterDelete := s.Samples()
	assert.True(t, segment.Single(sc, 30).Equal(afterDelete))

	for range 2 {
		changed, err := s.Do(Command{Action: Undo})
		require.NoError(t, err)
		assert.True(t, changed)
	}
	assert.True(t, start.Equal(s.Samples()))
	changed, err := s.Do(Command{Action: Undo})
	require.NoError(t, err)
	assert.False(t, changed)

	for range 2 {
		_, err := s.Do(Command{Action: Redo})
		require.NoError(t, err)
	}
	assert.True(t, afterDelete.Equal(s.Samples()))
	assert.Equal(t, 2, s.Status().UndoDepth)
	assert.Zero(t, s.Status().RedoDepth)
}

func TestUndoDepthBound(t *testing.T) {
	sc := testutil.Scheme()
	s, _ := newLoaded(t, segment.Single(sc, 100), Options{UndoDepth: 3})
	for pos := 10; pos < 60; pos += 10 {
		s.SetPosition(pos)
		_, err := s.Do(Command{Action: Cut})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, s.Status().UndoDepth)
}

func TestSetPosition(t *testing.T) {
	sc := testutil.Scheme()
	s, rec := newLoaded(t, testutil.Samples(sc, "9:0000", "19:0000"), Options{})

	assert.Equal(t, 5, s.SetPosition(5))
	assert.Equal(t, []events.Kind{events.PositionChanged}, rec.kinds())

	rec.reset()
	assert.Equal(t, 19, s.SetPosition(500))
	assert.Equal(t, []events.Kind{events.SamplesChanged, events.PositionChanged}, rec.kinds())
	assert.Equal(t, 1, rec.events[0].Selected)

	assert.Equal(t, 0, s.SetPosition(-4))
}

func TestNavigation(t *testing.T) {
	sc := testutil.Scheme()
	s, _ := newLoaded(t, testutil.Samples(sc, "9:0000", "19:0000", "299:0000"), Options{SmallSkip: 2, BigSkip: 50})

	steps := []struct {
		action Action
		want   int
	}{
		{JumpNext, 10},
		{JumpNext, 20},
		{JumpNext, 299},
		{JumpPrevious, 20},
		{JumpPrevious, 10},
		{StepForward, 12},
		{BigStepForward, 62},
		{StepBack, 60},
		{BigStepBack, 10},
		{BigStepBack, 0},
	}
	for _, st := range steps {
		changed, err := s.Do(Command{Action: st.action})
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, st.want, s.Position(), "after %s", st.action)
	}
}

func TestCommitAndDisable(t *testing.T) {
	sc := testutil.Scheme()
	var commits []segment.List
	boom := errors.New("disk full")
	fail := false
	s, _ := newLoaded(t, segment.Single(sc, 10), Options{Commit: func(l segment.List) error {
		commits = append(commits, l)
		if fail {
			return boom
		}
		return nil
	}})

	s.SetPosition(3)
	_, err := s.Do(Command{Action: Cut})
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Len(t, commits[0], 2)

	fail = true
	s.SetPosition(6)
	_, err = s.Do(Command{Action: Cut})
	assert.ErrorIs(t, err, boom)

	s.Disable()
	_, err = s.Do(Command{Action: Undo})
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.False(t, s.Status().Enabled)
}

func TestActions(t *testing.T) {
	_, err := ParseAction(Manual, "accept")
	assert.ErrorIs(t, err, ErrUnknownAction)
	a, err := ParseAction(Retrieval, "accept")
	require.NoError(t, err)
	assert.Equal(t, Accept, a)

	assert.Len(t, Actions(Manual), 17)
	assert.Len(t, Actions(Retrieval), 21)

	sc := testutil.Scheme()
	s, _ := newLoaded(t, segment.Single(sc, 10), Options{})
	_, err = s.Do(Command{Action: Accept})
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestStatusCoverage(t *testing.T) {
	sc := testutil.Scheme()
	s, _ := newLoaded(t, testutil.Samples(sc, "9:1000", "19:1010", "39:0000"), Options{})
	st := s.Status()
	assert.Equal(t, 40, st.Frames)
	assert.Equal(t, 3, st.Samples)
	assert.Equal(t, 50, st.Progress)
	require.Len(t, st.Coverage, 4)
	assert.Equal(t, Coverage{Group: "locomotion", Attribute: "walk", Frames: 20}, st.Coverage[0])
	assert.Equal(t, Coverage{Group: "hand", Attribute: "grab", Frames: 10}, st.Coverage[2])
	assert.Nil(t, st.Model)
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for retrieval loop")
	}
}
