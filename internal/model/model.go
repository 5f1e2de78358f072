// Package model holds neural-network metadata, the tensor interface used by
// retrieval mode and the windowed proposal scoring built on it.
package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/banshee-data/frame.annotator/internal/media"
)

// Kind is the cache kind for models.
const Kind = "model"

// ErrNoCompatibleModel is returned when no activated model fits the
// primary media type and scheme width.
var ErrNoCompatibleModel = errors.New("no compatible model")

// Model is the stored metadata about a network. Weights stay on disk at
// Path; only the path and the derived shapes are persisted.
type Model struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	Path         string     `json:"path"`
	MediaType    media.Type `json:"media_type"`
	SamplingRate float64    `json:"sampling_rate"`
	// InputShape is [frames, channels]; a zero dimension accepts any size.
	InputShape []int `json:"input_shape"`
	// OutputShape is declared or filled in by InferOutputShape.
	OutputShape []int `json:"output_shape"`
	Activated   bool  `json:"activated"`

	Runs      int `json:"runs"`
	Windows   int `json:"windows"`
	Proposals int `json:"proposals"`
}

// New returns an activated model with the name taken from path when name
// is empty.
func New(name, path string, t media.Type, rate float64, input, output []int) (*Model, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("model path is empty")
	}
	if t != media.Video && t != media.Mocap {
		return nil, fmt.Errorf("%w: model media type %q", media.ErrMediaUnsupported, t)
	}
	if rate <= 0 {
		return nil, fmt.Errorf("model sampling rate must be positive, got %v", rate)
	}
	if len(input) != 2 {
		return nil, fmt.Errorf("model input shape must be [frames, channels], got %v", input)
	}
	if name == "" {
		name = baseName(path)
	}
	return &Model{
		Name:         name,
		Path:         path,
		MediaType:    t,
		SamplingRate: rate,
		InputShape:   append([]int(nil), input...),
		OutputShape:  append([]int(nil), output...),
		Activated:    true,
	}, nil
}

func baseName(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		path = path[i+1:]
	}
	if i := strings.LastIndexByte(path, '.'); i > 0 {
		path = path[:i]
	}
	return path
}

func (m *Model) CacheID() int64      { return m.ID }
func (m *Model) SetCacheID(id int64) { m.ID = id }
func (m *Model) CacheKind() string   { return Kind }
func (m *Model) CacheLabel() string  { return m.Name }
func (m *Model) String() string      { return fmt.Sprintf("%s (%s, %v -> %v)", m.Name, m.MediaType, m.InputShape, m.OutputShape) }
func (m *Model) WindowFrames() int   { return dim(m.InputShape, 0) }
func (m *Model) InputChannels() int  { return dim(m.InputShape, 1) }

// OutputWidth is the number of scores the model yields per window, or 0
// while the output shape is unknown.
func (m *Model) OutputWidth() int {
	if len(m.OutputShape) == 0 {
		return 0
	}
	return m.OutputShape[len(m.OutputShape)-1]
}

func dim(shape []int, i int) int {
	if i < len(shape) {
		return shape[i]
	}
	return 0
}

// Resolve picks the first activated model whose media type is t and whose
// output width equals n.
func Resolve(models []*Model, t media.Type, n int) (*Model, error) {
	for _, m := range models {
		if m.Activated && m.MediaType == t && m.OutputWidth() == n {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: media type %s, %d attributes", ErrNoCompatibleModel, t, n)
}
