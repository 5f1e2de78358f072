package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/banshee-data/frame.annotator/internal/logutil"
)

// Tracker collects entities changed by an operation and persists them on
// Flush. Entities without an id are written first so they receive one.
type Tracker struct {
	store *Store

	mu    sync.Mutex
	dirty map[int64]Entity
	fresh []Entity
}

// NewTracker returns a tracker writing to s.
func NewTracker(s *Store) *Tracker {
	return &Tracker{store: s, dirty: make(map[int64]Entity)}
}

// MarkDirty schedules e for the next Flush.
func (t *Tracker) MarkDirty(e Entity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id := e.CacheID(); id != 0 {
		t.dirty[id] = e
		return
	}
	for _, f := range t.fresh {
		if f == e {
			return
		}
	}
	t.fresh = append(t.fresh, e)
}

// Pending returns the number of entities awaiting a flush.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dirty) + len(t.fresh)
}

// Flush writes every dirty entity. Entities that fail stay dirty and the
// joined errors are returned.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	fresh := t.fresh
	dirty := t.dirty
	t.fresh = nil
	t.dirty = make(map[int64]Entity)
	t.mu.Unlock()

	var errs []error
	var failed []Entity
	for _, e := range fresh {
		if err := t.store.Write(ctx, e); err != nil {
			errs = append(errs, err)
			failed = append(failed, e)
		}
	}
	for _, id := range sortedIDs(dirty) {
		if err := t.store.Write(ctx, dirty[id]); err != nil {
			errs = append(errs, err)
			failed = append(failed, dirty[id])
		}
	}
	if len(failed) > 0 {
		for _, e := range failed {
			t.MarkDirty(e)
		}
		logutil.Opsf("cache: flush failed for %d entities", len(failed))
	} else if n := len(fresh) + len(dirty); n > 0 {
		logutil.Tracef("cache: flushed %d entities", n)
	}
	return errors.Join(errs...)
}
