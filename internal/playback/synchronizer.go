// Package playback drives one primary and up to three secondary media
// streams from a single logical position. Wall-clock time, scaled by the
// replay speed, advances the primary frame index; every subscriber is sent
// the matching frame at its own frame rate.
package playback

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/frame.annotator/internal/events"
	"github.com/banshee-data/frame.annotator/internal/logutil"
	"github.com/banshee-data/frame.annotator/internal/media"
	"github.com/banshee-data/frame.annotator/internal/timeutil"
)

var (
	// ErrPrimaryExists rejects a second primary subscriber.
	ErrPrimaryExists = errors.New("primary subscriber already registered")
	// ErrNoPrimary rejects a load without a primary stream.
	ErrNoPrimary = errors.New("no primary stream")
	// ErrSubscriberLimit rejects a fourth secondary subscriber.
	ErrSubscriberLimit = errors.New("too many secondary subscribers")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("synchroniser stopped")
	// ErrStaleLoad marks a load superseded by a newer generation. It is
	// logged, never returned.
	ErrStaleLoad = errors.New("stale load")
)

const (
	DefaultTickInterval = 5 * time.Millisecond
	MinReplaySpeed      = 0.01
	MaxSecondary        = 3
	// Source tags timeout and reset events.
	Source = "playback"
)

// Opener opens a media file for a new proxy.
type Opener func(path string) (media.Reader, error)

// Options configure a Synchronizer.
type Options struct {
	Clock        timeutil.Clock
	TickInterval time.Duration
	Opener       Opener
	// Emit receives subscriber moves (Source = proxy id), timeouts
	// (Source = "playback") and load results. It must not block or call
	// back into the synchroniser.
	Emit func(events.Event)
	// OnFrame receives decoded frames from the worker goroutines.
	OnFrame func(proxyID string, f media.Frame)
}

// Stream names one file of a Load call.
type Stream struct {
	Path    string
	Primary bool
}

// Synchronizer converts wall-clock time into per-stream positions.
type Synchronizer struct {
	clock    timeutil.Clock
	interval time.Duration
	opener   Opener
	emitFn   func(events.Event)
	onFrame  func(string, media.Frame)

	mu             sync.Mutex
	subs           []*Proxy
	primary        *Proxy
	paused         bool
	speed          float64
	startTime      time.Time
	hasStart       bool
	startPos       int
	lastTimeoutPos int
	loadingIdx     int
	loading        map[*Proxy]int
	stopped        bool

	ticker  timeutil.Ticker
	stopCh  chan struct{}
	done    chan struct{}
	workers sync.WaitGroup
}

// New returns a paused synchroniser with its tick goroutine running.
func New(opts Options) *Synchronizer {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Opener == nil {
		opts.Opener = func(path string) (media.Reader, error) { return media.Open(path, media.Options{}) }
	}
	s := &Synchronizer{
		clock:          opts.Clock,
		interval:       opts.TickInterval,
		opener:         opts.Opener,
		emitFn:         opts.Emit,
		onFrame:        opts.OnFrame,
		paused:         true,
		speed:          1,
		lastTimeoutPos: -1,
		loading:        make(map[*Proxy]int),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}
	s.ticker = s.clock.NewTicker(s.interval)
	s.ticker.Stop()
	go s.run()
	return s
}

func (s *Synchronizer) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.ticker.C():
			s.Tick()
		}
	}
}

func (s *Synchronizer) emit(e events.Event) {
	if s.emitFn != nil {
		s.emitFn(e)
	}
}

// positionLocked is the primary position at now.
func (s *Synchronizer) positionLocked(now time.Time) int {
	if s.primary == nil {
		return 0
	}
	last := max(0, s.primary.pos)
	if s.paused || !s.hasStart {
		return last
	}
	deltaMs := timeutil.Millis(s.startTime, now) * s.speed
	deltaFrames := int(math.Floor(deltaMs * s.primary.reader.FPS() / 1000))
	return max(0, min(s.startPos+deltaFrames, s.primary.reader.Len()-1))
}

// syncTime rebases start position and time to now, as if playback at the
// current speed stopped and restarted.
func (s *Synchronizer) syncTime(now time.Time) {
	if s.paused || !s.hasStart {
		return
	}
	s.startPos = s.positionLocked(now)
	s.startTime = now
}

// moveLocked sends pos to every subscriber whose target changed, then
// emits one timeout when the primary position changed. broadcast emits the
// timeout even when the position is unchanged.
func (s *Synchronizer) moveLocked(pos int, broadcast bool) {
	s.retargetLocked(pos, nil)
	if pos != s.lastTimeoutPos || broadcast {
		s.lastTimeoutPos = pos
		s.emit(events.Event{Kind: events.PositionChanged, Position: pos, Source: Source})
		logutil.Tracef("playback: position %d", pos)
	}
}

// retargetLocked sends every subscriber except skip its target for pos,
// skipping those already there.
func (s *Synchronizer) retargetLocked(pos int, skip *Proxy) {
	var fps float64
	if s.primary != nil {
		fps = s.primary.reader.FPS()
	}
	for _, p := range s.subs {
		if p == skip {
			continue
		}
		t := p.target(pos, fps)
		if t == p.pos {
			continue
		}
		p.pos = t
		p.worker.Request(t)
		s.emit(events.Event{Kind: events.PositionChanged, Position: t, Source: p.id})
	}
}

// Tick evaluates the clock once. The tick goroutine calls it every
// interval while playing.
func (s *Synchronizer) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.paused || !s.hasStart || s.primary == nil {
		return
	}
	s.moveLocked(s.positionLocked(s.clock.Now()), false)
}

// Subscribe registers p and sends it the current position.
func (s *Synchronizer) Subscribe(p *Proxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeLocked(p)
}

func (s *Synchronizer) subscribeLocked(p *Proxy) error {
	if s.stopped {
		return ErrStopped
	}
	if p.primary && s.primary != nil {
		return fmt.Errorf("%w: %s", ErrPrimaryExists, s.primary.path)
	}
	if !p.primary && s.secondaries() >= MaxSecondary {
		return ErrSubscriberLimit
	}
	if p.reader.Len() <= 0 || p.reader.FPS() <= 0 {
		return fmt.Errorf("%w: %s has no frames", media.ErrMediaUnsupported, p.path)
	}
	s.attachLocked(p)

	now := s.clock.Now()
	pos := s.positionLocked(now)
	if p.primary {
		s.primary = p
		pos = 0
		if !s.paused {
			s.startPos, s.startTime, s.hasStart = 0, now, true
		}
	}
	s.subs = append(s.subs, p)

	var fps float64
	if s.primary != nil {
		fps = s.primary.reader.FPS()
	}
	p.pos = p.target(pos, fps)
	p.worker.Request(p.pos)
	s.emit(events.Event{Kind: events.PositionChanged, Position: p.pos, Source: p.id})
	if p.primary {
		// Secondaries that arrived first were targeted without a primary rate.
		s.retargetLocked(pos, p)
	}
	logutil.Diagf("playback: subscribed %s (%s, primary=%v, %.2f fps, %d frames)", p.id, p.path, p.primary, p.reader.FPS(), p.reader.Len())
	return nil
}

func (s *Synchronizer) secondaries() int {
	n := 0
	for _, p := range s.subs {
		if !p.primary {
			n++
		}
	}
	return n
}

// attachLocked starts p's decode worker once.
func (s *Synchronizer) attachLocked(p *Proxy) {
	if p.worker != nil {
		return
	}
	id := p.id
	p.worker = media.NewWorker(p.reader,
		func(f media.Frame) {
			if s.onFrame != nil {
				s.onFrame(id, f)
			}
		},
		func(err error) { s.failed(p, err) },
	)
	p.worker.Start()
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		<-p.worker.Finished()
	}()
}

// failed drops a subscriber whose decoder failed. Only a primary failure
// is raised.
func (s *Synchronizer) failed(p *Proxy, err error) {
	logutil.Opsf("playback: %s failed: %v", p.path, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.removeLocked(p) {
		return
	}
	if p.primary {
		s.emit(events.Event{Kind: events.Failed, Position: max(0, p.pos), Source: Source, Err: err})
	}
}

// Unsubscribe removes and disconnects the subscriber with id.
func (s *Synchronizer) Unsubscribe(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.subs {
		if p.id == id {
			return s.removeLocked(p)
		}
	}
	return false
}

func (s *Synchronizer) removeLocked(p *Proxy) bool {
	for i, q := range s.subs {
		if q != p {
			continue
		}
		s.subs = append(s.subs[:i], s.subs[i+1:]...)
		if s.primary == p {
			s.primary = nil
		}
		p.worker.Shutdown()
		return true
	}
	return false
}

// Pause stops the tick and freezes the position.
func (s *Synchronizer) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || s.stopped {
		return
	}
	s.ticker.Stop()
	if s.primary != nil && s.hasStart {
		s.moveLocked(s.positionLocked(s.clock.Now()), false)
	}
	s.paused = true
	s.hasStart = false
}

// Unpause restarts playback from the current position.
func (s *Synchronizer) Unpause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused || s.stopped {
		return
	}
	s.startPos = s.positionLocked(s.clock.Now())
	s.startTime = s.clock.Now()
	s.hasStart = true
	s.paused = false
	s.ticker.Reset(s.interval)
}

// SetReplaySpeed changes the speed without a frame jump. Speeds below
// MinReplaySpeed are raised to it.
func (s *Synchronizer) SetReplaySpeed(x float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncTime(s.clock.Now())
	s.speed = math.Max(x, MinReplaySpeed)
	logutil.Diagf("playback: speed %.2f", s.speed)
}

// SetPosition jumps to primary frame x and broadcasts it at once.
func (s *Synchronizer) SetPosition(x int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.primary == nil {
		return
	}
	now := s.clock.Now()
	s.syncTime(now)
	x = max(0, min(x, s.primary.reader.Len()-1))
	s.moveLocked(x, true)
	if !s.paused {
		s.startPos, s.startTime = x, now
	}
}

// Reset pauses, removes every subscriber and broadcasts position 0 once.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticker.Stop()
	s.paused = true
	s.hasStart = false
	s.clearLocked()
	s.lastTimeoutPos = 0
	s.emit(events.Event{Kind: events.PositionChanged, Position: 0, Source: Source})
}

// Clear removes and disconnects every subscriber and invalidates loads in
// flight.
func (s *Synchronizer) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *Synchronizer) clearLocked() {
	s.loadingIdx++
	for _, p := range s.subs {
		p.worker.Shutdown()
	}
	s.subs = nil
	s.primary = nil
	s.lastTimeoutPos = -1
}

// Load starts a new loading generation: current subscribers are cleared,
// each stream is opened in the background and registered only if no newer
// Load happened meanwhile. It returns the generation.
func (s *Synchronizer) Load(streams []Stream) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0, ErrStopped
	}
	primaries := 0
	for _, st := range streams {
		if st.Primary {
			primaries++
		}
	}
	switch {
	case primaries == 0:
		return 0, ErrNoPrimary
	case primaries > 1:
		return 0, fmt.Errorf("%w: load has %d primary streams", ErrPrimaryExists, primaries)
	}
	if len(streams)-1 > MaxSecondary {
		return 0, ErrSubscriberLimit
	}
	s.clearLocked()
	gen := s.loadingIdx
	for _, st := range streams {
		p := NewProxy(st.Path, nil, st.Primary)
		p.gen = gen
		s.loading[p] = gen
		go s.open(p)
	}
	logutil.Diagf("playback: load generation %d (%d streams)", gen, len(streams))
	return gen, nil
}

func (s *Synchronizer) open(p *Proxy) {
	r, err := s.opener(p.path)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.loading, p)
	stale := p.gen != s.loadingIdx || s.stopped
	if err != nil {
		if stale {
			return
		}
		logutil.Opsf("playback: open %s: %v", p.path, err)
		s.emit(events.Event{Kind: events.Failed, Source: p.id, Err: err})
		if p.primary {
			s.emit(events.Event{Kind: events.Failed, Source: Source, Err: err})
		}
		return
	}
	if s.stopped {
		r.Close()
		return
	}
	p.reader = r
	s.attachLocked(p)
	if stale {
		logutil.Diagf("playback: discard %s: %v (generation %d < %d)", p.path, ErrStaleLoad, p.gen, s.loadingIdx)
		p.worker.Shutdown()
		return
	}
	if err := s.subscribeLocked(p); err != nil {
		logutil.Opsf("playback: subscribe %s: %v", p.path, err)
		p.worker.Shutdown()
		s.emit(events.Event{Kind: events.Failed, Source: p.id, Err: err})
		return
	}
	s.emit(events.Event{Kind: events.Loaded, Source: p.id})
}

// Loading reports how many opens are still in flight.
func (s *Synchronizer) Loading() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loading)
}

// Stop terminates the tick goroutine, shuts down every decoder and waits
// for all of them to finish. Further calls are no-ops.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.ticker.Stop()
	close(s.stopCh)
	s.mu.Unlock()
	<-s.done

	s.mu.Lock()
	s.clearLocked()
	s.mu.Unlock()
	s.workers.Wait()
	logutil.Diagf("playback: stopped")
}

// Position is the current primary position.
func (s *Synchronizer) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked(s.clock.Now())
}

func (s *Synchronizer) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Synchronizer) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

func (s *Synchronizer) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadingIdx
}

// HasPrimary reports whether a primary stream is registered.
func (s *Synchronizer) HasPrimary() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary != nil
}

// Subscribers describes the registered streams, primary first.
func (s *Synchronizer) Subscribers() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.subs))
	if s.primary != nil {
		out = append(out, s.primary.info())
	}
	for _, p := range s.subs {
		if p != s.primary {
			out = append(out, p.info())
		}
	}
	return out
}
