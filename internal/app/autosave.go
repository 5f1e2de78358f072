package app

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/frame.annotator/internal/logutil"
	"github.com/banshee-data/frame.annotator/internal/timeutil"
)

// Saver is anything that can flush its state. App implements it.
type Saver interface {
	Save(ctx context.Context) error
}

// Autosaver periodically saves an annotation in addition to the flush
// that follows every mutation.
type Autosaver struct {
	saver    Saver
	interval time.Duration
	clock    timeutil.Clock
	mu       sync.Mutex
	running  bool
	saves    int
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// AutosaverConfig contains configuration for Autosaver.
type AutosaverConfig struct {
	// Saver is flushed on every tick.
	Saver Saver
	// Interval is how often to save (e.g., 30*time.Second)
	Interval time.Duration
	// Clock is optional; nil uses the real clock.
	Clock timeutil.Clock
}

// NewAutosaver creates a new Autosaver.
func NewAutosaver(cfg AutosaverConfig) *Autosaver {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Autosaver{
		saver:    cfg.Saver,
		interval: cfg.Interval,
		clock:    clock,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run saves every interval until ctx is cancelled or Stop is called, then
// saves once more. It returns nil on clean shutdown.
func (a *Autosaver) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	stopCh, doneCh := a.stopCh, a.doneCh
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		close(doneCh)
	}()

	if a.interval <= 0 {
		logutil.Opsf("autosave: interval %v is not positive, not starting", a.interval)
		return nil
	}

	ticker := a.clock.NewTicker(a.interval)
	defer ticker.Stop()
	logutil.Diagf("autosave: started, interval=%v", a.interval)

	for {
		select {
		case <-ctx.Done():
			logutil.Diagf("autosave: stopping on context cancellation")
			a.save(context.Background())
			return nil
		case <-stopCh:
			logutil.Diagf("autosave: stopping")
			a.save(context.Background())
			return nil
		case <-ticker.C():
			a.save(ctx)
		}
	}
}

// Stop ends Run and waits for its final save. It is safe to call
// multiple times.
func (a *Autosaver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	select {
	case <-a.stopCh:
	default:
		close(a.stopCh)
	}
	doneCh := a.doneCh
	a.mu.Unlock()
	<-doneCh
}

func (a *Autosaver) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Saves returns the number of successful saves.
func (a *Autosaver) Saves() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saves
}

func (a *Autosaver) save(ctx context.Context) {
	if a.saver == nil {
		return
	}
	if err := a.saver.Save(ctx); err != nil {
		logutil.Opsf("autosave: %v", err)
		return
	}
	a.mu.Lock()
	a.saves++
	a.mu.Unlock()
	logutil.Tracef("autosave: saved")
}
