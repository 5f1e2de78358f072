package session

import (
	"fmt"
	"sort"

	"github.com/banshee-data/frame.annotator/internal/scheme"
	"github.com/banshee-data/frame.annotator/internal/segment"
)

// Action names a user action.
type Action string

const (
	Annotate       Action = "annotate"
	Cut            Action = "cut"
	CutAndAnnotate Action = "cut-and-annotate"
	MergeLeft      Action = "merge-left"
	MergeRight     Action = "merge-right"
	Copy           Action = "copy"
	Paste          Action = "paste"
	Reset          Action = "reset"
	Delete         Action = "delete"
	Undo           Action = "undo"
	Redo           Action = "redo"
	JumpNext       Action = "jump-next"
	JumpPrevious   Action = "jump-previous"
	StepForward    Action = "step-forward"
	StepBack       Action = "step-back"
	BigStepForward Action = "big-step-forward"
	BigStepBack    Action = "big-step-back"
	Accept         Action = "accept"
	Reject         Action = "reject"
	Modify         Action = "modify"
	ChangeFilter   Action = "change-filter"
)

// Command is one entry of the command stream. Vector is used by annotate,
// cut-and-annotate, modify and change-filter.
type Command struct {
	Action Action
	Vector scheme.Vector
}

type handler func(s *Session, cmd Command) (bool, error)

var manualActions = map[Action]handler{
	Annotate: func(s *Session, cmd Command) (bool, error) {
		return s.mutate(segment.Annotate(s.samples, s.pos, cmd.Vector))
	},
	Cut: func(s *Session, _ Command) (bool, error) {
		return s.mutate(segment.Cut(s.samples, s.pos))
	},
	CutAndAnnotate: func(s *Session, cmd Command) (bool, error) {
		if !cmd.Vector.Scheme().Equal(s.scheme) {
			return false, nil
		}
		return s.mutate(segment.CutAndAnnotate(s.samples, s.pos, cmd.Vector))
	},
	MergeLeft: func(s *Session, _ Command) (bool, error) {
		return s.mutate(segment.Merge(s.samples, s.pos, segment.Left, s.opts.MergePolicy))
	},
	MergeRight: func(s *Session, _ Command) (bool, error) {
		return s.mutate(segment.Merge(s.samples, s.pos, segment.Right, s.opts.MergePolicy))
	},
	Copy: func(s *Session, _ Command) (bool, error) {
		v := s.samples[s.selected].Vector.Clone()
		s.clipboard = &v
		return false, nil
	},
	Paste: func(s *Session, _ Command) (bool, error) {
		if s.clipboard == nil {
			return false, nil
		}
		return s.mutate(segment.Annotate(s.samples, s.pos, s.clipboard.Clone()))
	},
	Reset: func(s *Session, _ Command) (bool, error) {
		return s.mutate(segment.Reset(s.samples, s.pos))
	},
	Delete: func(s *Session, _ Command) (bool, error) {
		return s.mutate(segment.DeleteAll(s.samples))
	},
	Undo: func(s *Session, _ Command) (bool, error) {
		prev, ok := s.history.Undo(s.samples)
		if !ok {
			return false, nil
		}
		s.samples = prev
		return true, s.changed()
	},
	Redo: func(s *Session, _ Command) (bool, error) {
		next, ok := s.history.Redo(s.samples)
		if !ok {
			return false, nil
		}
		s.samples = next
		return true, s.changed()
	},
	JumpNext: func(s *Session, _ Command) (bool, error) {
		s.setPositionLocked(segment.JumpNext(s.samples, s.pos))
		return false, nil
	},
	JumpPrevious: func(s *Session, _ Command) (bool, error) {
		s.setPositionLocked(segment.JumpPrevious(s.samples, s.pos))
		return false, nil
	},
	StepForward:    step(1, false),
	StepBack:       step(-1, false),
	BigStepForward: step(1, true),
	BigStepBack:    step(-1, true),
}

func step(dir int, big bool) handler {
	return func(s *Session, _ Command) (bool, error) {
		n := s.opts.SmallSkip
		if big {
			n = s.opts.BigSkip
		}
		s.setPositionLocked(s.pos + dir*n)
		return false, nil
	}
}

var retrievalActions = map[Action]handler{
	Accept: func(s *Session, _ Command) (bool, error) {
		p, ok := s.rt.head()
		if !ok {
			return false, nil
		}
		return s.resolveProposal(p.Window, p.Vector, true)
	},
	Reject: func(s *Session, _ Command) (bool, error) {
		p, ok := s.rt.head()
		if !ok {
			return false, nil
		}
		return s.resolveProposal(p.Window, scheme.Vector{}, false)
	},
	Modify: func(s *Session, cmd Command) (bool, error) {
		p, ok := s.rt.head()
		if !ok || !cmd.Vector.Scheme().Equal(s.scheme) {
			return false, nil
		}
		return s.resolveProposal(p.Window, cmd.Vector, true)
	},
	ChangeFilter: func(s *Session, cmd Command) (bool, error) {
		if !cmd.Vector.Scheme().Equal(s.scheme) {
			return false, nil
		}
		s.rt.filter = cmd.Vector.Clone()
		s.rt.refilter()
		s.jumpToHead()
		return false, nil
	},
}

var retrievalTable = func() map[Action]handler {
	t := make(map[Action]handler, len(manualActions)+len(retrievalActions))
	for a, h := range manualActions {
		t[a] = h
	}
	for a, h := range retrievalActions {
		t[a] = h
	}
	return t
}()

func actionsFor(m Mode) map[Action]handler {
	if m == Retrieval {
		return retrievalTable
	}
	return manualActions
}

// Actions lists the actions available in mode m.
func Actions(m Mode) []Action {
	t := actionsFor(m)
	out := make([]Action, 0, len(t))
	for a := range t {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseAction validates an action name for mode m.
func ParseAction(m Mode, name string) (Action, error) {
	a := Action(name)
	if _, ok := actionsFor(m)[a]; !ok {
		return "", fmt.Errorf("%w: %q in %s mode", ErrUnknownAction, name, m)
	}
	return a, nil
}
