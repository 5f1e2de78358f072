package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/frame.annotator/internal/events"
	"github.com/banshee-data/frame.annotator/internal/media"
	"github.com/banshee-data/frame.annotator/internal/model"
	"github.com/banshee-data/frame.annotator/internal/scheme"
	"github.com/banshee-data/frame.annotator/internal/segment"
	"github.com/banshee-data/frame.annotator/internal/testutil"
)

// newRetriever scores walk from channel 0 and grab from channel 1 over a
// 40 frame stream: frames 0-9 walk, 10-19 walk and grab, rest idle.
func newRetriever(t *testing.T, sc *scheme.Scheme) (*Retriever, *testutil.Reader) {
	t.Helper()
	net, err := model.NewLinear([][]float64{{10, 0, 0, 0}, {0, 0, 10, 0}}, []float64{-5, -5, -5, -5})
	require.NoError(t, err)
	m := &model.Model{Name: "walker", MediaType: media.Mocap, SamplingRate: 100, InputShape: []int{0, 2}, OutputShape: []int{1, 4}, Activated: true}
	p, err := model.NewPredictor(m, net, sc)
	require.NoError(t, err)

	r := testutil.NewReader(40, 100)
	r.Values = func(i int) []float64 {
		switch {
		case i < 10:
			return []float64{1, 0}
		case i < 20:
			return []float64{1, 1}
		}
		return []float64{0, 0}
	}
	return &Retriever{Predictor: p, Reader: r}, r
}

func TestChangeMode_Refused(t *testing.T) {
	sc := testutil.Scheme()
	s := New(Options{})
	assert.ErrorIs(t, s.ChangeMode(Retrieval, nil), model.ErrNoCompatibleModel)

	rt, _ := newRetriever(t, sc)
	assert.ErrorIs(t, s.ChangeMode(Retrieval, rt), ErrNotLoaded)

	other := scheme.MustNew([]scheme.Group{{Name: "g", Attributes: []string{"a", "b", "c", "d"}}})
	s, _ = newLoaded(t, segment.Single(other, 40), Options{})
	assert.ErrorIs(t, s.ChangeMode(Retrieval, rt), model.ErrNoCompatibleModel)
	assert.Error(t, s.ChangeMode("review", nil))
	assert.Equal(t, Manual, s.Mode())
}

func TestRetrieval_AcceptModify(t *testing.T) {
	sc := testutil.Scheme()
	s, rec := newLoaded(t, segment.Single(sc, 40), Options{SegmentSize: 10})
	rt, reader := newRetriever(t, sc)

	require.NoError(t, s.ChangeMode(Retrieval, rt))
	assert.Equal(t, Retrieval, s.Mode())
	waitDone(t, s.RetrievalDone())

	props := s.Proposals()
	require.Len(t, props, 2)
	assert.Equal(t, model.Window{Start: 0, End: 9}, props[0].Window)
	assert.Equal(t, model.Window{Start: 10, End: 19}, props[1].Window)
	assert.Equal(t, 0, s.Position())

	st := s.Status()
	assert.Equal(t, 4, st.Scored)
	assert.Equal(t, 4, st.Windows)
	require.NotNil(t, st.Model)
	assert.Equal(t, 1, st.Model.Runs)
	assert.Equal(t, 4, st.Model.Windows)

	changed, err := s.Do(Command{Action: Accept})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 10, s.Position(), "cursor moves to the next proposal")

	changed, err = s.Do(Command{Action: Modify, Vector: testutil.Vector(sc, "0100")})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, testutil.Samples(sc, "9:1000", "19:0100", "39:0000").Equal(s.Samples()))

	changed, err = s.Do(Command{Action: Accept})
	require.NoError(t, err)
	assert.False(t, changed, "queue is empty")

	_, err = s.Do(Command{Action: Undo})
	require.NoError(t, err)
	assert.True(t, testutil.Samples(sc, "9:1000", "39:0000").Equal(s.Samples()))

	m, ok := s.RetrievalModel()
	require.True(t, ok)
	assert.Equal(t, 2, m.Proposals)

	var progress []int
	for _, e := range rec.events {
		if e.Kind == events.Progress && e.Source == RetrievalSource {
			progress = append(progress, e.Progress)
		}
	}
	assert.Equal(t, []int{25, 50, 75, 100}, progress)

	require.NoError(t, s.ChangeMode(Manual, nil))
	assert.Equal(t, Manual, s.Mode())
	assert.True(t, reader.Closed())
	assert.Nil(t, s.Proposals())
	_, ok = s.RetrievalModel()
	assert.False(t, ok)
}

func TestRetrieval_RejectAndFilter(t *testing.T) {
	sc := testutil.Scheme()
	s, _ := newLoaded(t, segment.Single(sc, 40), Options{SegmentSize: 10})
	rt, _ := newRetriever(t, sc)
	require.NoError(t, s.ChangeMode(Retrieval, rt))
	waitDone(t, s.RetrievalDone())

	changed, err := s.Do(Command{Action: ChangeFilter, Vector: testutil.Vector(sc, "0010")})
	require.NoError(t, err)
	assert.False(t, changed)
	require.Len(t, s.Proposals(), 1)
	assert.Equal(t, 10, s.Position())

	changed, err = s.Do(Command{Action: Reject})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, s.Proposals())

	_, err = s.Do(Command{Action: ChangeFilter, Vector: testutil.Vector(sc, "0000")})
	require.NoError(t, err)
	props := s.Proposals()
	require.Len(t, props, 1, "rejected windows stay closed")
	assert.Equal(t, 0, props[0].Start)
	assert.True(t, segment.Single(sc, 40).Equal(s.Samples()))
}

func TestRetrieval_ReaderFailure(t *testing.T) {
	sc := testutil.Scheme()
	s, rec := newLoaded(t, segment.Single(sc, 40), Options{SegmentSize: 10})
	rt, reader := newRetriever(t, sc)
	reader.FailAt = 25
	require.NoError(t, s.ChangeMode(Retrieval, rt))
	waitDone(t, s.RetrievalDone())

	assert.Equal(t, 2, s.Status().Scored)
	var failed bool
	for _, e := range rec.events {
		if e.Kind == events.Failed {
			failed = true
			assert.Error(t, e.Err)
		}
	}
	assert.True(t, failed)
	assert.True(t, reader.Closed())
}

func TestRetrieval_LoadStopsLoop(t *testing.T) {
	sc := testutil.Scheme()
	s, _ := newLoaded(t, segment.Single(sc, 40), Options{SegmentSize: 1})
	rt, reader := newRetriever(t, sc)
	reader.Delay = 2 * time.Millisecond
	require.NoError(t, s.ChangeMode(Retrieval, rt))

	ds, err := scheme.NewDataset("test", sc, nil)
	require.NoError(t, err)
	require.NoError(t, s.Load(segment.Single(sc, 40), ds, 40))
	assert.Equal(t, Manual, s.Mode())
	assert.True(t, reader.Closed())
	assert.Less(t, len(reader.Reads()), 40)
}

func TestPredictorContextCancel(t *testing.T) {
	sc := testutil.Scheme()
	rt, reader := newRetriever(t, sc)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rt.Predictor.Predict(ctx, reader, model.Window{Start: 0, End: 3})
	assert.ErrorIs(t, err, context.Canceled)
}
