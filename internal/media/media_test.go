package media

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mocapCSV = `frame info,,
x,y,z
0.1,0.2,0.3
1.1,1.2,1.3
2.1,2.2,2.3
`

func TestReadMocap(t *testing.T) {
	r, err := ReadMocap(strings.NewReader(mocapCSV), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, float64(DefaultMocapFPS), r.FPS())
	assert.Equal(t, Mocap, r.MediaType())
	assert.Equal(t, []string{"x", "y", "z"}, r.Columns())

	f, err := r.Frame(1)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Index)
	assert.InDeltaSlice(t, []float64{1.1, 1.2, 1.3}, f.Values, 1e-9)

	_, err = r.Frame(3)
	assert.ErrorIs(t, err, ErrFrameOutOfRange)

	w := r.Window(1, 10)
	rows, cols := w.Dims()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 3, cols)
}

func TestReadMocap_Rejects(t *testing.T) {
	tests := map[string]string{
		"empty":         "a,b\n",
		"ragged":        "1,2\n3\n",
		"trailing text": "1,2\nx,y\n",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadMocap(strings.NewReader(in), 30)
			assert.ErrorIs(t, err, ErrMediaUnsupported)
		})
	}
}

func TestOpen_Probe(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "take.CSV")
	require.NoError(t, os.WriteFile(csvPath, []byte(mocapCSV), 0o644))

	r, err := Open(csvPath, Options{MocapFPS: 120})
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 120.0, r.FPS())

	_, err = Open(filepath.Join(dir, "clip.mp4"), Options{})
	assert.ErrorIs(t, err, ErrMediaUnsupported)
	_, err = Open(filepath.Join(dir, "notes.txt"), Options{})
	assert.ErrorIs(t, err, ErrMediaUnsupported)
}

func TestRegisterOpener(t *testing.T) {
	RegisterOpener(".FAKE", func(path string, opts Options) (Reader, error) {
		return &sliceReader{n: 1200, fps: 25}, nil
	})
	t.Cleanup(func() {
		openersMu.Lock()
		delete(openers, ".fake")
		openersMu.Unlock()
	})

	r, err := Open("/nowhere/clip.fake", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1200, r.Len())
	assert.Contains(t, Extensions(), ".fake")
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.bin")
	data := make([]byte, 200_000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))

	fp1, err := Fingerprint(path)
	require.NoError(t, err)
	fp2, err := Fingerprint(path)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
	assert.True(t, strings.HasPrefix(fp1, "200000-"))
	require.NoError(t, Verify(path, fp1))

	// A change at offset 0 always lands in the first sampled block.
	data[0] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))
	err = Verify(path, fp1)
	assert.True(t, errors.Is(err, ErrFingerprintMismatch), "got %v", err)

	small := filepath.Join(dir, "small.bin")
	require.NoError(t, os.WriteFile(small, []byte("abc"), 0o644))
	fp, err := Fingerprint(small)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fp, "3-"))
}

type sliceReader struct {
	mu     sync.Mutex
	n      int
	fps    float64
	fail   map[int]bool
	closed bool
	block  chan struct{}
}

func (s *sliceReader) Len() int        { return s.n }
func (s *sliceReader) FPS() float64    { return s.fps }
func (s *sliceReader) MediaType() Type { return Video }
func (s *sliceReader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *sliceReader) Frame(i int) (Frame, error) {
	if s.block != nil {
		<-s.block
	}
	if s.fail[i] {
		return Frame{}, errors.New("corrupt frame")
	}
	return Frame{Index: i, Values: []float64{float64(i)}}, nil
}

func TestMailbox_LatestWins(t *testing.T) {
	m := NewMailbox()
	m.Put(1)
	m.Put(2)
	m.Put(3)
	pos, ok := m.Take()
	require.True(t, ok)
	assert.Equal(t, 3, pos)
	assert.Equal(t, uint64(2), m.Drops())

	m.Close()
	_, ok = m.Take()
	assert.False(t, ok)
	m.Put(4)
	m.Close()
}

func TestWorker_DecodesAndFinishes(t *testing.T) {
	r := &sliceReader{n: 10, fps: 30, fail: map[int]bool{5: true}}
	frames := make(chan Frame, 10)
	errs := make(chan error, 10)
	w := NewWorker(r, func(f Frame) { frames <- f }, func(err error) { errs <- err })
	w.Start()

	w.Request(2)
	select {
	case f := <-frames:
		assert.Equal(t, 2, f.Index)
	case <-time.After(time.Second):
		t.Fatal("no frame decoded")
	}

	w.Request(5)
	select {
	case err := <-errs:
		assert.EqualError(t, err, "corrupt frame")
	case <-time.After(time.Second):
		t.Fatal("no decode error reported")
	}

	w.Shutdown()
	w.Shutdown()
	select {
	case <-w.Finished():
	case <-time.After(time.Second):
		t.Fatal("worker did not finish")
	}
	r.mu.Lock()
	assert.True(t, r.closed)
	r.mu.Unlock()
}

func TestWorker_DropsSupersededRequests(t *testing.T) {
	block := make(chan struct{})
	r := &sliceReader{n: 100, fps: 30, block: block}
	frames := make(chan Frame, 10)
	w := NewWorker(r, func(f Frame) { frames <- f }, nil)
	w.Start()
	defer func() {
		w.Shutdown()
		<-w.Finished()
	}()

	w.Request(1)
	// Let the worker pick up request 1 and block inside Frame.
	require.Eventually(t, func() bool {
		w.mailbox.mu.Lock()
		defer w.mailbox.mu.Unlock()
		return !w.mailbox.pending
	}, time.Second, time.Millisecond)

	for i := 2; i <= 9; i++ {
		w.Request(i)
	}
	close(block)

	got := []int{(<-frames).Index, (<-frames).Index}
	assert.Equal(t, []int{1, 9}, got)
	assert.Equal(t, uint64(7), w.Drops())
}
