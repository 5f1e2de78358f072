package session

import (
	"context"
	"fmt"

	"github.com/banshee-data/frame.annotator/internal/events"
	"github.com/banshee-data/frame.annotator/internal/logutil"
	"github.com/banshee-data/frame.annotator/internal/media"
	"github.com/banshee-data/frame.annotator/internal/model"
	"github.com/banshee-data/frame.annotator/internal/scheme"
	"github.com/banshee-data/frame.annotator/internal/segment"
)

// RetrievalSource is the event source tag of retrieval progress events.
const RetrievalSource = "retrieval"

// Retriever supplies retrieval mode with a resolved network and a reader
// of the primary media. Once ChangeMode succeeds the session owns Reader
// and closes it when the scoring loop ends.
type Retriever struct {
	Predictor *model.Predictor
	Reader    media.Reader
}

// retrieval is the Retrieval variant's state. Fields other than cancel and
// done are guarded by Session.mu.
type retrieval struct {
	predictor *model.Predictor
	reader    media.Reader
	windows   []model.Window
	pool      []model.Proposal
	queue     []model.Proposal
	filter    scheme.Vector
	resolved  map[model.Window]bool
	scored    int

	cancel context.CancelFunc
	done   chan struct{}
}

func (r *retrieval) head() (model.Proposal, bool) {
	if len(r.queue) == 0 {
		return model.Proposal{}, false
	}
	return r.queue[0], true
}

func (r *retrieval) refilter() {
	open := make([]model.Proposal, 0, len(r.pool))
	for _, p := range r.pool {
		if !r.resolved[p.Window] {
			open = append(open, p)
		}
	}
	r.queue = model.Filter(open, r.filter)
}

// ChangeMode swaps the active controller. A running scoring loop is
// stopped first; samples, scheme, frames and position carry over.
// Retrieval needs a Retriever whose predictor matches the loaded scheme.
func (s *Session) ChangeMode(m Mode, r *Retriever) error {
	switch m {
	case Manual, Retrieval:
	default:
		return fmt.Errorf("unknown mode %q", m)
	}
	if m == Retrieval && (r == nil || r.Predictor == nil || r.Reader == nil) {
		return fmt.Errorf("%w: retrieval needs a resolved model", model.ErrNoCompatibleModel)
	}

	s.mu.Lock()
	enabled, sc := s.enabled, s.scheme
	s.mu.Unlock()
	if !enabled {
		return ErrNotLoaded
	}
	if m == Retrieval && !r.Predictor.Scheme.Equal(sc) {
		return fmt.Errorf("%w: model scheme differs from the annotation", model.ErrNoCompatibleModel)
	}

	s.stopRetrieval()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
	if m == Retrieval {
		ctx, cancel := context.WithCancel(context.Background())
		rt := &retrieval{
			predictor: r.Predictor,
			reader:    r.Reader,
			windows:   model.Windows(s.frames, s.opts.SegmentSize, s.opts.SegmentOverlap),
			filter:    scheme.Empty(s.scheme),
			resolved:  make(map[model.Window]bool),
			cancel:    cancel,
			done:      make(chan struct{}),
		}
		rt.predictor.Model.Runs++
		s.rt = rt
		go s.runRetrieval(ctx, rt)
		logutil.Diagf("session %s: retrieval with %s over %d windows", s.id, r.Predictor.Model.Name, len(rt.windows))
		s.emit(events.Event{Kind: events.ModeChanged, Position: s.pos, Selected: s.selected, Source: string(m)})
	}
	return nil
}

// stopRetrieval detaches the scoring loop, falls back to Manual and waits
// for the loop to exit.
func (s *Session) stopRetrieval() {
	s.mu.Lock()
	rt := s.rt
	s.rt = nil
	if s.mode == Retrieval {
		s.mode = Manual
		s.emit(events.Event{Kind: events.ModeChanged, Position: s.pos, Selected: s.selected, Source: string(Manual)})
	}
	s.mu.Unlock()
	if rt == nil {
		return
	}
	rt.cancel()
	<-rt.done
}

// RetrievalDone is closed when the current scoring loop has finished. It
// is already closed outside retrieval mode.
func (s *Session) RetrievalDone() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rt == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return s.rt.done
}

// Proposals returns the open proposals in queue order.
func (s *Session) Proposals() []model.Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rt == nil {
		return nil
	}
	return append([]model.Proposal(nil), s.rt.queue...)
}

// RetrievalModel returns a copy of the model in use, counters included.
func (s *Session) RetrievalModel() (model.Model, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rt == nil {
		return model.Model{}, false
	}
	return *s.rt.predictor.Model, true
}

func (s *Session) runRetrieval(ctx context.Context, rt *retrieval) {
	defer close(rt.done)
	defer func() {
		if err := rt.reader.Close(); err != nil {
			logutil.Opsf("session %s: close retrieval reader: %v", s.id, err)
		}
	}()

	for _, w := range rt.windows {
		if ctx.Err() != nil {
			return
		}
		p, err := rt.predictor.Predict(ctx, rt.reader, w)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logutil.Opsf("session %s: score window [%d, %d]: %v", s.id, w.Start, w.End, err)
			s.mu.Lock()
			if s.rt == rt {
				s.emit(events.Event{Kind: events.Failed, Position: s.pos, Source: RetrievalSource, Err: err})
			}
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		if s.rt != rt {
			s.mu.Unlock()
			return
		}
		hadHead := len(rt.queue) > 0
		rt.pool = append(rt.pool, p)
		rt.scored++
		rt.predictor.Model.Windows++
		rt.refilter()
		if !hadHead {
			s.jumpToHead()
		}
		s.emit(events.Event{Kind: events.Progress, Progress: rt.scored * 100 / len(rt.windows), Source: RetrievalSource})
		s.mu.Unlock()
	}
	logutil.Diagf("session %s: scored %d windows", s.id, len(rt.windows))
}

// resolveProposal closes window w, applying v to it when apply is set,
// and moves the cursor to the next proposal.
func (s *Session) resolveProposal(w model.Window, v scheme.Vector, apply bool) (bool, error) {
	s.rt.resolved[w] = true
	s.rt.refilter()
	var changed bool
	var err error
	if apply {
		changed, err = s.mutate(segment.AnnotateRange(s.samples, w.Start, w.End, v))
		s.rt.predictor.Model.Proposals++
	}
	s.jumpToHead()
	return changed, err
}

func (s *Session) jumpToHead() {
	if p, ok := s.rt.head(); ok && p.Start != s.pos {
		s.setPositionLocked(p.Start)
	}
}
