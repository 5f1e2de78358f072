package segment

// DefaultUndoDepth bounds each history stack.
const DefaultUndoDepth = 32

// History holds bounded undo and redo stacks of deep list snapshots.
// When a stack is full the oldest snapshot is evicted.
type History struct {
	depth int
	undo  []List
	redo  []List
}

// NewHistory returns a history bounded to depth snapshots per stack. A
// non-positive depth selects DefaultUndoDepth.
func NewHistory(depth int) *History {
	if depth <= 0 {
		depth = DefaultUndoDepth
	}
	return &History{depth: depth}
}

// Push records current before a mutation and clears the redo stack.
func (h *History) Push(current List) {
	h.undo = pushBounded(h.undo, current.Clone(), h.depth)
	h.redo = nil
}

// Undo returns the previous list, recording current for redo.
func (h *History) Undo(current List) (List, bool) {
	if len(h.undo) == 0 {
		return current, false
	}
	prev := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	h.redo = pushBounded(h.redo, current.Clone(), h.depth)
	return prev, true
}

// Redo reapplies the last undone list, recording current for undo.
func (h *History) Redo(current List) (List, bool) {
	if len(h.redo) == 0 {
		return current, false
	}
	next := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	h.undo = pushBounded(h.undo, current.Clone(), h.depth)
	return next, true
}

// Clear drops both stacks.
func (h *History) Clear() {
	h.undo = nil
	h.redo = nil
}

// UndoLen is the number of snapshots Undo can restore.
func (h *History) UndoLen() int { return len(h.undo) }

// RedoLen is the number of snapshots Redo can restore.
func (h *History) RedoLen() int { return len(h.redo) }

func pushBounded(stack []List, l List, depth int) []List {
	if len(stack) >= depth {
		copy(stack, stack[len(stack)-depth+1:])
		stack = stack[:depth-1]
	}
	return append(stack, l)
}
