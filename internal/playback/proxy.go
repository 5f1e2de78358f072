package playback

import (
	"math"

	"github.com/google/uuid"

	"github.com/banshee-data/frame.annotator/internal/media"
)

// Proxy is the synchroniser's handle on one stream. Position updates reach
// the stream through the proxy's decode worker; the proxy holds no
// reference back to the synchroniser.
type Proxy struct {
	id      string
	path    string
	primary bool
	gen     int

	reader media.Reader
	worker *media.Worker
	// pos is the last position sent to the stream, guarded by
	// Synchronizer.mu.
	pos int
}

// NewProxy wraps an open reader. The synchroniser starts its worker on
// Subscribe.
func NewProxy(path string, r media.Reader, primary bool) *Proxy {
	return &Proxy{id: uuid.NewString(), path: path, primary: primary, reader: r, pos: -1}
}

func (p *Proxy) ID() string      { return p.id }
func (p *Proxy) Path() string    { return p.path }
func (p *Proxy) Primary() bool   { return p.primary }
func (p *Proxy) Generation() int { return p.gen }

// Finished is closed once the proxy's worker has exited. It is nil before
// the proxy was attached.
func (p *Proxy) Finished() <-chan struct{} {
	if p.worker == nil {
		return nil
	}
	return p.worker.Finished()
}

// target converts a primary position into this stream's frame index.
func (p *Proxy) target(pos int, primaryFPS float64) int {
	t := pos
	if fps := p.reader.FPS(); fps != primaryFPS && primaryFPS > 0 {
		t = int(math.Round(float64(pos) * fps / primaryFPS))
	}
	return max(0, min(t, p.reader.Len()-1))
}

// Info describes a subscriber for status output.
type Info struct {
	ID       string     `json:"id"`
	Path     string     `json:"path"`
	Primary  bool       `json:"primary"`
	Type     media.Type `json:"type"`
	FPS      float64    `json:"fps"`
	Frames   int        `json:"frames"`
	Position int        `json:"position"`
	Drops    uint64     `json:"drops"`
}

func (p *Proxy) info() Info {
	in := Info{
		ID:       p.id,
		Path:     p.path,
		Primary:  p.primary,
		Type:     p.reader.MediaType(),
		FPS:      p.reader.FPS(),
		Frames:   p.reader.Len(),
		Position: p.pos,
	}
	if p.worker != nil {
		in.Drops = p.worker.Drops()
	}
	return in
}
