// Package session binds the current annotation to user actions. A Session
// holds the shared state (samples, scheme, cursor, clipboard, history) and
// dispatches actions through the table of its current mode, Manual or
// Retrieval.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/frame.annotator/internal/events"
	"github.com/banshee-data/frame.annotator/internal/logutil"
	"github.com/banshee-data/frame.annotator/internal/model"
	"github.com/banshee-data/frame.annotator/internal/scheme"
	"github.com/banshee-data/frame.annotator/internal/segment"
)

var (
	// ErrNotLoaded is returned for actions before Load or after Disable.
	ErrNotLoaded = errors.New("session has no annotation loaded")
	// ErrUnknownAction is returned for actions the current mode lacks.
	ErrUnknownAction = errors.New("unknown action")
)

// Mode tags the active controller variant.
type Mode string

const (
	Manual    Mode = "manual"
	Retrieval Mode = "retrieval"
)

// Options configure a session. Zero values select the defaults.
type Options struct {
	UndoDepth   int
	MergePolicy segment.MergePolicy
	SmallSkip   int
	BigSkip     int
	// SegmentSize and SegmentOverlap shape retrieval windows.
	SegmentSize    int
	SegmentOverlap float64
	// Emit receives every event. It must not block or call back into the
	// session.
	Emit func(events.Event)
	// Commit runs after every successful mutation with the new list. An
	// error is returned from the action that caused it.
	Commit func(segment.List) error
}

func (o *Options) setDefaults() {
	if o.UndoDepth <= 0 {
		o.UndoDepth = segment.DefaultUndoDepth
	}
	if o.MergePolicy == "" {
		o.MergePolicy = segment.MergeFrom
	}
	if o.SmallSkip <= 0 {
		o.SmallSkip = 1
	}
	if o.BigSkip <= 0 {
		o.BigSkip = 100
	}
	if o.SegmentSize <= 0 {
		o.SegmentSize = 200
	}
}

// Session is safe for concurrent use; actions are serialised so every
// samples_changed event is published before the next action starts.
// Published lists are never mutated afterwards.
type Session struct {
	id   string
	opts Options

	mu        sync.Mutex
	samples   segment.List
	scheme    *scheme.Scheme
	dataset   *scheme.Dataset
	frames    int
	pos       int
	selected  int
	enabled   bool
	clipboard *scheme.Vector
	history   *segment.History
	mode      Mode
	rt        *retrieval
}

// New returns an empty session in Manual mode.
func New(opts Options) *Session {
	opts.setDefaults()
	return &Session{
		id:       uuid.NewString(),
		opts:     opts,
		history:  segment.NewHistory(opts.UndoDepth),
		mode:     Manual,
		selected: -1,
	}
}

func (s *Session) ID() string { return s.id }

// Load replaces the annotation under edit. samples must cover exactly
// frames frames under ds's scheme. The cursor returns to 0, both history
// stacks are cleared and a running retrieval loop is stopped.
func (s *Session) Load(samples segment.List, ds *scheme.Dataset, frames int) error {
	if ds == nil || ds.Scheme == nil {
		return fmt.Errorf("%w: no dataset scheme", scheme.ErrSchemeInvalid)
	}
	if err := samples.Validate(frames, ds.Scheme); err != nil {
		return err
	}
	s.stopRetrieval()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = samples.Clone()
	s.scheme = ds.Scheme
	s.dataset = ds
	s.frames = frames
	s.pos = 0
	s.selected = 0
	s.enabled = true
	s.clipboard = nil
	s.history.Clear()
	s.emit(events.Event{Kind: events.Loaded, Position: 0, Selected: 0, Samples: s.samples})
	s.emit(events.Event{Kind: events.SamplesChanged, Position: 0, Selected: 0, Samples: s.samples})
	s.emit(events.Event{Kind: events.PositionChanged, Position: 0, Selected: 0})
	s.emit(events.Event{Kind: events.Progress, Progress: s.samples.Progress()})
	logutil.Diagf("session %s: loaded %d samples over %d frames", s.id, len(samples), frames)
	return nil
}

// SetPosition moves the cursor, clamped to [0, frames-1], and returns the
// clamped position. samples_changed is emitted only when the selected
// sample changes; position_changed always.
func (s *Session) SetPosition(pos int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return s.pos
	}
	s.setPositionLocked(pos)
	return s.pos
}

func (s *Session) setPositionLocked(pos int) {
	pos = max(0, min(pos, s.frames-1))
	s.pos = pos
	if sel := s.samples.Index(pos); sel != s.selected {
		s.selected = sel
		s.emit(events.Event{Kind: events.SamplesChanged, Position: pos, Selected: sel, Samples: s.samples})
	}
	s.emit(events.Event{Kind: events.PositionChanged, Position: pos, Selected: s.selected})
}

// Do dispatches one action through the current mode and reports whether
// the sample list changed. Refused edits are no-ops, not errors.
func (s *Session) Do(cmd Command) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return false, ErrNotLoaded
	}
	h, ok := actionsFor(s.mode)[cmd.Action]
	if !ok {
		return false, fmt.Errorf("%w: %q in %s mode", ErrUnknownAction, cmd.Action, s.mode)
	}
	logutil.Tracef("session %s: %s at %d", s.id, cmd.Action, s.pos)
	return h(s, cmd)
}

// mutate installs next when ok, recording the current list for undo.
func (s *Session) mutate(next segment.List, ok bool) (bool, error) {
	if !ok {
		return false, nil
	}
	s.history.Push(s.samples)
	s.samples = next
	return true, s.changed()
}

// changed publishes the current list and commits it.
func (s *Session) changed() error {
	s.selected = s.samples.Index(s.pos)
	s.emit(events.Event{Kind: events.SamplesChanged, Position: s.pos, Selected: s.selected, Samples: s.samples})
	s.emit(events.Event{Kind: events.Progress, Progress: s.samples.Progress()})
	if s.opts.Commit == nil {
		return nil
	}
	return s.opts.Commit(s.samples)
}

func (s *Session) emit(e events.Event) {
	if s.opts.Emit != nil {
		if e.Source == "" {
			e.Source = s.id
		}
		s.opts.Emit(e)
	}
}

// Disable rejects every further action. Used after a persistence failure.
func (s *Session) Disable() {
	s.stopRetrieval()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
}

// Close stops background work.
func (s *Session) Close() {
	s.stopRetrieval()
}

// Samples returns the current list. Callers must not modify it.
func (s *Session) Samples() segment.List {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

func (s *Session) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) Dataset() *scheme.Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataset
}

// Clipboard returns a copy of the copied vector.
func (s *Session) Clipboard() (scheme.Vector, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clipboard == nil {
		return scheme.Vector{}, false
	}
	return s.clipboard.Clone(), true
}

// Status is a point-in-time summary for the debug server.
type Status struct {
	ID        string `json:"id"`
	Mode      Mode   `json:"mode"`
	Enabled   bool   `json:"enabled"`
	Frames    int    `json:"frames"`
	Position  int    `json:"position"`
	Selected  int    `json:"selected"`
	Samples   int    `json:"samples"`
	Progress  int    `json:"progress"`
	UndoDepth int    `json:"undo_depth"`
	RedoDepth int    `json:"redo_depth"`
	// Retrieval fields.
	Scored  int          `json:"scored,omitempty"`
	Windows int          `json:"windows,omitempty"`
	Queue   int          `json:"queue,omitempty"`
	Model   *model.Model `json:"model,omitempty"`

	Coverage []Coverage `json:"coverage,omitempty"`
}

// Coverage is the labelled frame count of one attribute.
type Coverage struct {
	Group     string `json:"group"`
	Attribute string `json:"attribute"`
	Frames    int    `json:"frames"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:        s.id,
		Mode:      s.mode,
		Enabled:   s.enabled,
		Frames:    s.frames,
		Position:  s.pos,
		Selected:  s.selected,
		Samples:   len(s.samples),
		Progress:  s.samples.Progress(),
		UndoDepth: s.history.UndoLen(),
		RedoDepth: s.history.RedoLen(),
	}
	if s.rt != nil {
		st.Scored = s.rt.scored
		st.Windows = len(s.rt.windows)
		st.Queue = len(s.rt.queue)
		m := *s.rt.predictor.Model
		st.Model = &m
	}
	if s.scheme != nil {
		st.Coverage = coverage(s.scheme, s.samples)
	}
	return st
}

func coverage(sc *scheme.Scheme, l segment.List) []Coverage {
	out := make([]Coverage, sc.N())
	for i, a := range sc.Attributes() {
		out[i] = Coverage{Group: a.Group, Attribute: a.Name}
	}
	for _, smp := range l {
		for i := range out {
			if smp.Vector.Bit(i) {
				out[i].Frames += smp.Len()
			}
		}
	}
	return out
}
