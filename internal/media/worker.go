package media

import (
	"sync"

	"github.com/banshee-data/frame.annotator/internal/logutil"
)

// Mailbox is a single-slot request buffer. A new request overwrites an
// unconsumed one, so a slow consumer always sees the latest position.
type Mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pos     int
	pending bool
	closed  bool
	drops   uint64
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	m := &Mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Put stores pos, replacing any unconsumed request. No-op after Close.
func (m *Mailbox) Put(pos int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.pending {
		m.drops++
	}
	m.pos = pos
	m.pending = true
	m.cond.Signal()
}

// Take blocks until a request is available. ok is false once closed.
func (m *Mailbox) Take() (pos int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.pending && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return 0, false
	}
	m.pending = false
	return m.pos, true
}

// Close wakes the consumer and rejects further requests. Idempotent.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Drops returns how many requests were superseded before being consumed.
func (m *Mailbox) Drops() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drops
}

// Worker decodes frames for one stream on its own goroutine. Requests are
// coalesced through a Mailbox; the reader is closed when the worker exits.
type Worker struct {
	reader   Reader
	mailbox  *Mailbox
	onFrame  func(Frame)
	onError  func(error)
	finished chan struct{}
	once     sync.Once
}

// NewWorker returns a stopped worker. onError may be nil.
func NewWorker(r Reader, onFrame func(Frame), onError func(error)) *Worker {
	if onError == nil {
		onError = func(err error) { logutil.Opsf("media: decode failed: %v", err) }
	}
	return &Worker{
		reader:   r,
		mailbox:  NewMailbox(),
		onFrame:  onFrame,
		onError:  onError,
		finished: make(chan struct{}),
	}
}

// Reader returns the underlying stream.
func (w *Worker) Reader() Reader { return w.reader }

// Start launches the decode goroutine.
func (w *Worker) Start() {
	go w.run()
}

func (w *Worker) run() {
	defer close(w.finished)
	defer w.reader.Close()
	for {
		pos, ok := w.mailbox.Take()
		if !ok {
			return
		}
		f, err := w.reader.Frame(pos)
		if err != nil {
			w.onError(err)
			continue
		}
		w.onFrame(f)
	}
}

// Request asks for frame pos; superseded requests are dropped.
func (w *Worker) Request(pos int) { w.mailbox.Put(pos) }

// Drops returns the number of superseded requests.
func (w *Worker) Drops() uint64 { return w.mailbox.Drops() }

// Shutdown asks the worker to stop after its current frame.
func (w *Worker) Shutdown() {
	w.once.Do(w.mailbox.Close)
}

// Finished is closed once the decode goroutine has exited.
func (w *Worker) Finished() <-chan struct{} { return w.finished }
