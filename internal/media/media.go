// Package media defines the reader interface the annotation core uses to
// access video and motion-capture streams, the extension probe that opens
// them, and the decode worker that serves frame requests.
package media

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrMediaUnsupported is returned when no opener recognises a file.
	ErrMediaUnsupported = errors.New("media unsupported")
	// ErrFrameOutOfRange is returned for frame indices outside [0, Len).
	ErrFrameOutOfRange = errors.New("frame index out of range")
)

// Type tags the kind of stream a reader yields. Models are matched to
// media by this tag.
type Type string

const (
	Video Type = "video"
	Mocap Type = "mocap"
)

// Frame is one decoded frame or motion-capture row, flattened.
type Frame struct {
	Index  int
	Values []float64
}

// Reader gives indexed access to a stream. Implementations need not be
// safe for concurrent use; each stream is read by one worker.
type Reader interface {
	Len() int
	FPS() float64
	Frame(i int) (Frame, error)
	MediaType() Type
	Close() error
}

// Options tune how files are opened.
type Options struct {
	// MocapFPS is the sampling rate assumed for motion-capture CSV files.
	MocapFPS float64
}

// Opener opens a file into a Reader.
type Opener func(path string, opts Options) (Reader, error)

var (
	openersMu sync.RWMutex
	openers   = map[string]Opener{
		".csv": openMocap,
	}
	// videoExtensions are recognised but need a registered decoder.
	videoExtensions = map[string]bool{
		".mp4": true, ".avi": true, ".mov": true, ".mkv": true, ".webm": true, ".m4v": true,
	}
)

// RegisterOpener binds a lower-case extension (with dot) to an opener,
// replacing any previous binding.
func RegisterOpener(ext string, o Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	openers[strings.ToLower(ext)] = o
}

// Extensions returns every extension with a registered opener.
func Extensions() []string {
	openersMu.RLock()
	defer openersMu.RUnlock()
	out := make([]string, 0, len(openers))
	for ext := range openers {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Open probes path by extension and opens it.
func Open(path string, opts Options) (Reader, error) {
	ext := strings.ToLower(filepath.Ext(path))
	openersMu.RLock()
	o, ok := openers[ext]
	openersMu.RUnlock()
	if !ok {
		if videoExtensions[ext] {
			return nil, fmt.Errorf("%w: no video decoder registered for %s", ErrMediaUnsupported, ext)
		}
		return nil, fmt.Errorf("%w: %s", ErrMediaUnsupported, filepath.Base(path))
	}
	r, err := o(path, opts)
	if err != nil {
		return nil, err
	}
	if r.Len() <= 0 || r.FPS() <= 0 {
		r.Close()
		return nil, fmt.Errorf("%w: %s has %d frames at %g fps", ErrMediaUnsupported, filepath.Base(path), r.Len(), r.FPS())
	}
	return r, nil
}
