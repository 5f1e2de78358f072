// Package events provides the in-process event stream consumed by the UI
// shell, the debug server and headless tests. Multiple clients can
// subscribe; publishing never blocks on a slow client.
package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/frame.annotator/internal/logutil"
	"github.com/banshee-data/frame.annotator/internal/segment"
)

// Kind names an event.
type Kind string

const (
	SamplesChanged  Kind = "samples_changed"
	PositionChanged Kind = "position_changed"
	Loaded          Kind = "loaded"
	Failed          Kind = "failed"
	Progress        Kind = "progress"
	ModeChanged     Kind = "mode_changed"
	Saved           Kind = "saved"
)

// Event is one entry on the stream. Only the fields relevant to Kind are set.
type Event struct {
	Kind     Kind         `json:"kind"`
	Position int          `json:"position"`
	Selected int          `json:"selected"`
	Samples  segment.List `json:"-"`
	Progress int          `json:"progress,omitempty"`
	Source   string       `json:"source,omitempty"`
	Err      error        `json:"-"`
}

// MarshalJSON renders a compact summary suitable for the debug tail.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	out := struct {
		alias
		SampleCount int    `json:"sample_count,omitempty"`
		Error       string `json:"error,omitempty"`
	}{alias: alias(e), SampleCount: len(e.Samples)}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Bus fans events out to subscribers in publish order.
type Bus struct {
	buffer       int
	subscribers  map[string]chan Event
	subscriberMu sync.Mutex
	dropped      atomic.Uint64
	closed       bool
}

// NewBus returns a bus whose subscriber channels hold buffer events. A
// non-positive buffer selects DefaultBuffer.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{buffer: buffer, subscribers: make(map[string]chan Event)}
}

// Subscribe creates a channel receiving every subsequent event. The id is
// used to unsubscribe.
func (b *Bus) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, b.buffer)
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(id string) {
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Publish delivers e to every subscriber. A subscriber whose buffer is
// full misses the event.
func (b *Bus) Publish(e Event) {
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
			logutil.Opsf("events: subscriber %s is full, dropped %s", id, e.Kind)
		}
	}
	logutil.Tracef("events: published %s pos=%d", e.Kind, e.Position)
}

// Dropped returns how many deliveries were skipped for full subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel; later subscriptions receive a
// closed channel.
func (b *Bus) Close() {
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

// AttachAdminRoutes registers a server-sent-events tail of the stream
// under /debug/events-tail.
func (b *Bus) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("events-tail", "live tail of session events (SSE)", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := b.Subscribe()
		defer b.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case e, ok := <-c:
				if !ok {
					return
				}
				payload, err := json.Marshal(e)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
