// Package testutil provides shared test fixtures: schemes, sample lists,
// in-memory media readers and HTTP helpers.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/frame.annotator/internal/media"
	"github.com/banshee-data/frame.annotator/internal/scheme"
	"github.com/banshee-data/frame.annotator/internal/segment"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// LoopbackRequest creates a request that passes debug-route access checks.
func LoopbackRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:4242"
	return req
}

// Scheme returns the two groups by two attributes scheme used across tests:
// locomotion{walk, stand} and hand{grab, release}.
func Scheme() *scheme.Scheme {
	return scheme.MustNew([]scheme.Group{
		{Name: "locomotion", Attributes: []string{"walk", "stand"}},
		{Name: "hand", Attributes: []string{"grab", "release"}},
	})
}

// Vector parses a bit string against s and panics on error.
func Vector(s *scheme.Scheme, bits string) scheme.Vector {
	v, err := scheme.ParseBitString(s, bits)
	if err != nil {
		panic(err)
	}
	return v
}

// Samples builds a list from "end:bits" runs, e.g. Samples(s, "49:1000",
// "99:0000") gives [0,49] walk and [50,99] empty.
func Samples(s *scheme.Scheme, runs ...string) segment.List {
	var out segment.List
	start := 0
	for _, r := range runs {
		var end int
		var bits string
		if _, err := fmt.Sscanf(r, "%d:%s", &end, &bits); err != nil {
			panic(fmt.Sprintf("bad run %q: %v", r, err))
		}
		out = append(out, segment.Sample{Start: start, End: end, Vector: Vector(s, bits)})
		start = end + 1
	}
	return out
}

// Reader is an in-memory media.Reader. Frame i holds Channels values equal
// to i, unless Values is set.
type Reader struct {
	N        int
	Rate     float64
	Kind     media.Type
	Channels int
	Values   func(i int) []float64
	// Delay is slept before every decode.
	Delay time.Duration
	// FailAt makes Frame fail for that index when non-negative.
	FailAt int

	mu     sync.Mutex
	reads  []int
	closed bool
}

var _ media.Reader = (*Reader)(nil)

// NewReader returns a mocap reader of n frames at fps.
func NewReader(n int, fps float64) *Reader {
	return &Reader{N: n, Rate: fps, Kind: media.Mocap, Channels: 2, FailAt: -1}
}

func (r *Reader) Len() int              { return r.N }
func (r *Reader) FPS() float64          { return r.Rate }
func (r *Reader) MediaType() media.Type { return r.Kind }

func (r *Reader) Frame(i int) (media.Frame, error) {
	if r.Delay > 0 {
		time.Sleep(r.Delay)
	}
	r.mu.Lock()
	r.reads = append(r.reads, i)
	r.mu.Unlock()
	if i < 0 || i >= r.N {
		return media.Frame{}, fmt.Errorf("%w: %d", media.ErrFrameOutOfRange, i)
	}
	if i == r.FailAt {
		return media.Frame{}, fmt.Errorf("decode frame %d: corrupt", i)
	}
	if r.Values != nil {
		return media.Frame{Index: i, Values: r.Values(i)}, nil
	}
	vals := make([]float64, r.Channels)
	for c := range vals {
		vals[c] = float64(i)
	}
	return media.Frame{Index: i, Values: vals}, nil
}

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Closed reports whether Close was called.
func (r *Reader) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Reads returns the decoded frame indices in order.
func (r *Reader) Reads() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.reads...)
}
