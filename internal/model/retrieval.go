package model

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/frame.annotator/internal/media"
	"github.com/banshee-data/frame.annotator/internal/scheme"
)

// DefaultThreshold turns scores into attribute bits.
const DefaultThreshold = 0.5

// Window is an inclusive frame range scored as one network input.
type Window struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Windows splits [0, frames) into windows of size frames that overlap by
// the given fraction. The last window is clipped to the stream end.
func Windows(frames, size int, overlap float64) []Window {
	if frames <= 0 {
		return nil
	}
	size = max(1, size)
	overlap = math.Max(0, math.Min(overlap, 0.99))
	step := max(1, int(math.Round(float64(size)*(1-overlap))))
	var out []Window
	for start := 0; start < frames; start += step {
		end := min(start+size, frames) - 1
		out = append(out, Window{Start: start, End: end})
		if end == frames-1 {
			break
		}
	}
	return out
}

// Proposal is one scored window offered to the user in retrieval mode.
type Proposal struct {
	Window
	Scores []float64     `json:"scores"`
	Vector scheme.Vector `json:"-"`
	Score  float64       `json:"score"`
}

// Predictor scores media windows with one resolved network.
type Predictor struct {
	Model     *Model
	Net       Network
	Scheme    *scheme.Scheme
	Threshold float64
}

// NewPredictor binds net to s. The model's output width must equal the
// scheme size.
func NewPredictor(m *Model, net Network, s *scheme.Scheme) (*Predictor, error) {
	if m.OutputWidth() != s.N() {
		return nil, fmt.Errorf("%w: model %s yields %d scores, scheme has %d attributes", ErrNoCompatibleModel, m.Name, m.OutputWidth(), s.N())
	}
	return &Predictor{Model: m, Net: net, Scheme: s, Threshold: DefaultThreshold}, nil
}

// Predict reads w from r, resampled to the model rate, and returns the
// thresholded proposal.
func (p *Predictor) Predict(ctx context.Context, r media.Reader, w Window) (Proposal, error) {
	idx := sampleIndices(w, r.FPS(), p.Model.SamplingRate, p.Model.WindowFrames())
	var x *mat.Dense
	for i, fi := range idx {
		f, err := r.Frame(fi)
		if err != nil {
			return Proposal{}, err
		}
		if x == nil {
			x = mat.NewDense(len(idx), len(f.Values), nil)
		}
		if _, c := x.Dims(); len(f.Values) != c {
			return Proposal{}, fmt.Errorf("frame %d has %d values, window has %d", fi, len(f.Values), c)
		}
		x.SetRow(i, f.Values)
	}
	if err := p.Model.CheckInput(x); err != nil {
		return Proposal{}, err
	}
	y, err := p.Net.Forward(ctx, x)
	if err != nil {
		return Proposal{}, err
	}
	scores := mat.Row(nil, 0, y)
	if len(scores) != p.Scheme.N() {
		return Proposal{}, fmt.Errorf("%w: network returned %d scores", ErrNoCompatibleModel, len(scores))
	}
	return p.proposal(w, scores)
}

func (p *Predictor) proposal(w Window, scores []float64) (Proposal, error) {
	bits := make([]int, len(scores))
	var sum float64
	var set int
	for i, s := range scores {
		if s >= p.Threshold {
			bits[i] = 1
			sum += s
			set++
		}
	}
	v, err := scheme.FromBits(p.Scheme, bits)
	if err != nil {
		return Proposal{}, err
	}
	score := 0.0
	if set > 0 {
		score = sum / float64(set)
	}
	return Proposal{Window: w, Scores: scores, Vector: v, Score: score}, nil
}

// sampleIndices maps a window at fps onto frame indices at the model rate,
// evenly thinned to limit rows when limit > 0.
func sampleIndices(w Window, fps, rate float64, limit int) []int {
	stride := 1.0
	if rate > 0 && fps > 0 {
		stride = math.Max(1, fps/rate)
	}
	var idx []int
	for f := float64(w.Start); int(math.Round(f)) <= w.End; f += stride {
		i := int(math.Round(f))
		if len(idx) == 0 || idx[len(idx)-1] != i {
			idx = append(idx, i)
		}
	}
	if limit > 0 && len(idx) > limit {
		thin := make([]int, limit)
		for k := range thin {
			thin[k] = idx[k*len(idx)/limit]
		}
		idx = thin
	}
	return idx
}

// Filter keeps proposals whose vector is non-empty and covers filter, best
// score first.
func Filter(ps []Proposal, filter scheme.Vector) []Proposal {
	out := make([]Proposal, 0, len(ps))
	for _, p := range ps {
		if p.Vector.IsEmpty() {
			continue
		}
		if ok, err := p.Vector.Covers(filter); err != nil || !ok {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Start < out[j].Start
	})
	return out
}
