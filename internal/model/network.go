package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/frame.annotator/internal/codec"
)

// Network is the tensor interface retrieval mode runs. Forward takes a
// frames x channels window and returns a 1 x k row of scores in [0, 1].
type Network interface {
	Forward(ctx context.Context, x *mat.Dense) (*mat.Dense, error)
}

// Loader builds a Network from a weights file.
type Loader func(path string) (Network, error)

var (
	loadersMu sync.RWMutex
	loaders   = map[string]Loader{
		".json": LoadLinear,
	}
)

// RegisterLoader binds a lower-case file extension (with dot) to a loader.
func RegisterLoader(ext string, l Loader) {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	loaders[strings.ToLower(ext)] = l
}

// Loaders lists the extensions with a registered loader.
func Loaders() []string {
	loadersMu.RLock()
	defer loadersMu.RUnlock()
	out := make([]string, 0, len(loaders))
	for ext := range loaders {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Load opens the network behind m using the loader for its extension.
func Load(m *Model) (Network, error) {
	ext := strings.ToLower(filepath.Ext(m.Path))
	loadersMu.RLock()
	l, ok := loaders[ext]
	loadersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no network loader for %q", ext)
	}
	net, err := l(m.Path)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", m.Name, err)
	}
	return net, nil
}

// CheckInput verifies that x fits the model's declared input shape.
func (m *Model) CheckInput(x mat.Matrix) error {
	rows, cols := x.Dims()
	if f := m.WindowFrames(); f > 0 && rows > f {
		return fmt.Errorf("%w: window has %d frames, model takes at most %d", codec.ErrShapeMismatch, rows, f)
	}
	if c := m.InputChannels(); c > 0 && cols != c {
		return fmt.Errorf("%w: input has %d channels, model takes %d", codec.ErrShapeMismatch, cols, c)
	}
	return nil
}

// InferOutputShape runs a zero window through net and records the output
// dimensions on m when it has none declared. A declared shape is checked
// against the dry run instead.
func InferOutputShape(ctx context.Context, m *Model, net Network) ([]int, error) {
	frames, chans := max(1, m.WindowFrames()), m.InputChannels()
	if chans <= 0 {
		return nil, fmt.Errorf("%w: model %s has no channel count", codec.ErrShapeMismatch, m.Name)
	}
	y, err := net.Forward(ctx, mat.NewDense(frames, chans, nil))
	if err != nil {
		return nil, fmt.Errorf("dry run %s: %w", m.Name, err)
	}
	r, c := y.Dims()
	got := []int{r, c}
	if len(m.OutputShape) > 0 {
		if m.OutputWidth() != c {
			return nil, fmt.Errorf("%w: model %s declares %v, dry run gave %v", codec.ErrShapeMismatch, m.Name, m.OutputShape, got)
		}
		return m.OutputShape, nil
	}
	m.OutputShape = got
	return got, nil
}

// Linear is a single dense layer over per-channel window means followed by
// a sigmoid. It is the built-in network format: a JSON file holding the
// channels x k weight matrix and k biases.
type Linear struct {
	weights *mat.Dense
	bias    *mat.VecDense
}

type linearJSON struct {
	Weights [][]float64 `json:"weights"`
	Bias    []float64   `json:"bias"`
}

// NewLinear validates weights (channels rows, k columns) and bias (k).
func NewLinear(weights [][]float64, bias []float64) (*Linear, error) {
	if len(weights) == 0 || len(weights[0]) == 0 {
		return nil, fmt.Errorf("%w: empty weight matrix", codec.ErrShapeMismatch)
	}
	k := len(weights[0])
	if len(bias) != k {
		return nil, fmt.Errorf("%w: %d biases for %d outputs", codec.ErrShapeMismatch, len(bias), k)
	}
	data := make([]float64, 0, len(weights)*k)
	for i, row := range weights {
		if len(row) != k {
			return nil, fmt.Errorf("%w: weight row %d has %d columns, want %d", codec.ErrShapeMismatch, i, len(row), k)
		}
		data = append(data, row...)
	}
	return &Linear{
		weights: mat.NewDense(len(weights), k, data),
		bias:    mat.NewVecDense(k, append([]float64(nil), bias...)),
	}, nil
}

// LoadLinear reads a Linear network from a JSON weights file.
func LoadLinear(path string) (Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lj linearJSON
	if err := json.Unmarshal(data, &lj); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	l, err := NewLinear(lj.Weights, lj.Bias)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Linear) Channels() int {
	r, _ := l.weights.Dims()
	return r
}

func (l *Linear) Outputs() int {
	_, c := l.weights.Dims()
	return c
}

// Forward averages each channel over the window, applies the dense layer
// and squashes with a sigmoid.
func (l *Linear) Forward(ctx context.Context, x *mat.Dense) (*mat.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, cols := x.Dims()
	if cols != l.Channels() {
		return nil, fmt.Errorf("%w: input has %d channels, network takes %d", codec.ErrShapeMismatch, cols, l.Channels())
	}
	features := mat.NewDense(1, cols, nil)
	for j := 0; j < cols; j++ {
		features.Set(0, j, stat.Mean(mat.Col(nil, j, x), nil))
	}
	var y mat.Dense
	y.Mul(features, l.weights)
	y.Apply(func(_, j int, v float64) float64 {
		return 1 / (1 + math.Exp(-(v + l.bias.AtVec(j))))
	}, &y)
	return &y, nil
}
