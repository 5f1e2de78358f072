// Package app implements the annotation commands over the object cache:
// creating, opening, importing, saving, exporting and deleting
// annotations. An App owns one session and one playback synchroniser and
// persists every mutation as it happens. A persistence failure latches:
// the session is disabled and every later mutation returns
// ErrSessionFailed.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/banshee-data/frame.annotator/internal/cache"
	"github.com/banshee-data/frame.annotator/internal/codec"
	"github.com/banshee-data/frame.annotator/internal/config"
	"github.com/banshee-data/frame.annotator/internal/events"
	"github.com/banshee-data/frame.annotator/internal/fsutil"
	"github.com/banshee-data/frame.annotator/internal/logutil"
	"github.com/banshee-data/frame.annotator/internal/media"
	"github.com/banshee-data/frame.annotator/internal/model"
	"github.com/banshee-data/frame.annotator/internal/playback"
	"github.com/banshee-data/frame.annotator/internal/scheme"
	"github.com/banshee-data/frame.annotator/internal/security"
	"github.com/banshee-data/frame.annotator/internal/segment"
	"github.com/banshee-data/frame.annotator/internal/session"
	"github.com/banshee-data/frame.annotator/internal/timeutil"
)

var (
	// ErrSessionFailed is returned for every mutation after a write to
	// the cache failed.
	ErrSessionFailed = errors.New("session failed after a persistence error")
	// ErrMediaTooShort is returned by Create for media under MinFrames.
	ErrMediaTooShort = errors.New("media too short")
	// ErrNoAnnotation is returned for session commands with nothing open.
	ErrNoAnnotation = errors.New("no annotation open")
	// ErrInvalidName is returned for empty annotation names.
	ErrInvalidName = errors.New("annotation name is empty")
)

// MinFrames is the shortest media Create accepts.
const MinFrames = 1000

// Source tags events published by the app itself.
const Source = "app"

// Config wires an App. Store is required.
type Config struct {
	Store    *cache.Store
	Settings *config.Settings
	Clock    timeutil.Clock
	// FS receives export bundles. Nil means the host file system.
	FS fsutil.FileSystem
	// Bus receives every session and playback event.
	Bus *events.Bus
	// OpenMedia opens media files for probing, playback and retrieval.
	// Nil uses media.Open with the configured motion-capture rate.
	OpenMedia func(path string) (media.Reader, error)
	// ExportRoot, when set, confines export targets to this directory.
	ExportRoot string
}

// App serialises commands with mu. Lock order is mu, then the
// synchroniser, then the session; the session's commit hook runs inside
// Do and relies on mu being held by its caller.
type App struct {
	store      *cache.Store
	tracker    *cache.Tracker
	settings   *config.Settings
	clock      timeutil.Clock
	fs         fsutil.FileSystem
	bus        *events.Bus
	open       func(string) (media.Reader, error)
	exportRoot string
	nanPolicy  codec.NaNPolicy

	session *session.Session
	player  *playback.Synchronizer

	mu      sync.Mutex
	current *Annotation
	failure error
}

// RegisterKinds binds the persisted kinds to their factories.
func RegisterKinds(s *cache.Store) {
	s.Register(AnnotationKind, func() cache.Entity { return &Annotation{} })
	s.Register(scheme.DatasetKind, func() cache.Entity { return &scheme.Dataset{} })
	s.Register(model.Kind, func() cache.Entity { return &model.Model{} })
}

// New builds an App with an empty session and a paused synchroniser.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("app: no cache store")
	}
	st := cfg.Settings
	if st == nil {
		st = config.DefaultSettings()
	}
	merge, err := segment.ParseMergePolicy(st.GetMergePolicy())
	if err != nil {
		return nil, err
	}
	nan, err := codec.ParseNaNPolicy(st.GetNaNPolicy())
	if err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	if cfg.OpenMedia == nil {
		opts := media.Options{MocapFPS: st.GetMocapFPS()}
		cfg.OpenMedia = func(path string) (media.Reader, error) { return media.Open(path, opts) }
	}
	RegisterKinds(cfg.Store)

	a := &App{
		store:      cfg.Store,
		tracker:    cache.NewTracker(cfg.Store),
		settings:   st,
		clock:      cfg.Clock,
		fs:         cfg.FS,
		bus:        cfg.Bus,
		open:       cfg.OpenMedia,
		exportRoot: cfg.ExportRoot,
		nanPolicy:  nan,
	}
	a.session = session.New(session.Options{
		UndoDepth:      st.GetUndoDepth(),
		MergePolicy:    merge,
		SmallSkip:      st.GetSmallSkip(),
		BigSkip:        st.GetBigSkip(),
		SegmentSize:    st.GetRetrievalSegmentSize(),
		SegmentOverlap: st.GetRetrievalSegmentOverlap(),
		Emit:           a.route,
		Commit:         a.commit,
	})
	a.player = playback.New(playback.Options{
		Clock:        cfg.Clock,
		TickInterval: st.GetTickInterval(),
		Opener:       cfg.OpenMedia,
		Emit:         a.route,
	})
	return a, nil
}

func (a *App) Session() *session.Session      { return a.session }
func (a *App) Player() *playback.Synchronizer { return a.player }
func (a *App) Store() *cache.Store            { return a.store }

// route forwards every event to the bus. Playback timeouts also move the
// session cursor.
func (a *App) route(e events.Event) {
	switch {
	case e.Kind == events.PositionChanged && e.Source == playback.Source:
		a.session.SetPosition(e.Position)
	case e.Kind == events.Failed && e.Source == playback.Source:
		logutil.Opsf("app: primary media failed: %v", e.Err)
	}
	a.publish(e)
}

func (a *App) publish(e events.Event) {
	if a.bus != nil {
		a.bus.Publish(e)
	}
}

// commit is the session's commit hook: it mirrors l onto the open
// annotation and flushes it.
func (a *App) commit(l segment.List) error {
	an := a.current
	if an == nil {
		return nil
	}
	an.Samples = l
	an.Progress = l.Progress()
	a.tracker.MarkDirty(an)
	return a.tracker.Flush(context.Background())
}

// fail latches err and disables the session. It returns the latched error.
func (a *App) fail(err error) error {
	if a.failure == nil {
		a.failure = fmt.Errorf("%w: %w", ErrSessionFailed, err)
		logutil.Opsf("app: %v", a.failure)
		a.session.Disable()
		a.publish(events.Event{Kind: events.Failed, Err: a.failure, Source: Source})
	}
	return a.failure
}

// Failure returns the latched persistence failure, if any.
func (a *App) Failure() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failure
}

// CreateDataset validates and stores a dataset.
func (a *App) CreateDataset(ctx context.Context, name string, s *scheme.Scheme, deps [][]int) (*scheme.Dataset, error) {
	ds, err := scheme.NewDataset(name, s, deps)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failure != nil {
		return nil, a.failure
	}
	if err := a.store.Write(ctx, ds); err != nil {
		return nil, err
	}
	logutil.Diagf("app: stored dataset %q as %d", ds.Name, ds.ID)
	return ds, nil
}

// AddModel loads m's network, fills in its output shape with a dry run
// and stores it.
func (a *App) AddModel(ctx context.Context, m *model.Model) error {
	net, err := model.Load(m)
	if err != nil {
		return err
	}
	if _, err := model.InferOutputShape(ctx, m, net); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failure != nil {
		return a.failure
	}
	if err := a.store.Write(ctx, m); err != nil {
		return err
	}
	logutil.Diagf("app: stored model %s as %d", m, m.ID)
	return nil
}

// probe opens path once to read its frame count.
func (a *App) probe(path string) (int, error) {
	r, err := a.open(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return r.Len(), nil
}

func (a *App) newAnnotation(ds *scheme.Dataset, name, path, fp string, frames int, samples segment.List) *Annotation {
	return &Annotation{
		AnnotatorID: a.settings.GetAnnotatorID(),
		Dataset:     ds,
		Name:        name,
		MediaPath:   path,
		Fingerprint: fp,
		Frames:      frames,
		Samples:     samples,
		Created:     a.clock.Now(),
		ExtraMedia:  []string{},
		Progress:    samples.Progress(),
	}
}

// Create starts an empty annotation of mediaPath under the dataset and
// opens it. The media must have at least MinFrames frames.
func (a *App) Create(ctx context.Context, datasetID int64, mediaPath, name string) (*Annotation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failure != nil {
		return nil, a.failure
	}
	ds, err := cache.Get[*scheme.Dataset](ctx, a.store, datasetID)
	if err != nil {
		return nil, err
	}
	frames, err := a.probe(mediaPath)
	if err != nil {
		return nil, err
	}
	if frames < MinFrames {
		return nil, fmt.Errorf("%w: %s has %d frames, need %d", ErrMediaTooShort, mediaPath, frames, MinFrames)
	}
	fp, err := media.Fingerprint(mediaPath)
	if err != nil {
		return nil, err
	}
	an := a.newAnnotation(ds, name, mediaPath, fp, frames, segment.Single(ds.Scheme, frames))
	if err := a.activate(ctx, an); err != nil {
		return nil, err
	}
	return an, nil
}

// Import builds an annotation from a label CSV whose row count must equal
// the media's frame count, and opens it.
func (a *App) Import(ctx context.Context, csvPath, mediaPath string, datasetID int64, name string) (*Annotation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failure != nil {
		return nil, a.failure
	}
	ds, err := cache.Get[*scheme.Dataset](ctx, a.store, datasetID)
	if err != nil {
		return nil, err
	}
	frames, err := a.probe(mediaPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", csvPath, err)
	}
	defer f.Close()
	samples, err := codec.ImportCSV(f, ds.Scheme, frames, a.nanPolicy)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", csvPath, err)
	}
	fp, err := media.Fingerprint(mediaPath)
	if err != nil {
		return nil, err
	}
	an := a.newAnnotation(ds, name, mediaPath, fp, frames, samples)
	if err := a.activate(ctx, an); err != nil {
		return nil, err
	}
	logutil.Diagf("app: imported %s into annotation %d (%d samples)", csvPath, an.ID, len(samples))
	return an, nil
}

// Open loads a stored annotation. mediaPath, when non-empty, replaces the
// stored path; either way the file's fingerprint must match the one
// recorded at creation. On any error the annotation stays unloaded.
func (a *App) Open(ctx context.Context, id int64, mediaPath string) (*Annotation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failure != nil {
		return nil, a.failure
	}
	an, err := cache.Get[*Annotation](ctx, a.store, id)
	if err != nil {
		return nil, err
	}
	if mediaPath == "" {
		mediaPath = an.MediaPath
	}
	if err := media.Verify(mediaPath, an.Fingerprint); err != nil {
		return nil, err
	}
	frames, err := a.probe(mediaPath)
	if err != nil {
		return nil, err
	}
	if frames != an.Frames {
		return nil, fmt.Errorf("%w: %s has %d frames, annotation covers %d", codec.ErrShapeMismatch, mediaPath, frames, an.Frames)
	}
	an.MediaPath = mediaPath
	if err := a.activate(ctx, an); err != nil {
		return nil, err
	}
	return an, nil
}

// activate stores an, loads it into the session and starts loading its
// media for playback. mu must be held.
func (a *App) activate(ctx context.Context, an *Annotation) error {
	if err := a.store.Write(ctx, an); err != nil {
		return a.fail(err)
	}
	if err := a.session.Load(an.Samples, an.Dataset, an.Frames); err != nil {
		return err
	}
	a.current = an

	streams := make([]playback.Stream, 0, len(an.ExtraMedia)+1)
	for i, p := range an.Streams() {
		streams = append(streams, playback.Stream{Path: p, Primary: i == 0})
	}
	if len(streams) > playback.MaxSecondary+1 {
		logutil.Opsf("app: annotation %d lists %d extra media, playing the first %d", an.ID, len(streams)-1, playback.MaxSecondary)
		streams = streams[:playback.MaxSecondary+1]
	}
	if _, err := a.player.Load(streams); err != nil {
		logutil.Opsf("app: playback load: %v", err)
	}
	logutil.Diagf("app: opened annotation %d %q (%d frames)", an.ID, an.Name, an.Frames)
	return nil
}

// Current returns the open annotation or nil.
func (a *App) Current() *Annotation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Do runs one user action on the open annotation.
func (a *App) Do(cmd session.Command) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failure != nil {
		return false, a.failure
	}
	if a.current == nil {
		return false, ErrNoAnnotation
	}
	changed, err := a.session.Do(cmd)
	if errors.Is(err, cache.ErrPersistenceFailure) {
		return changed, a.fail(err)
	}
	return changed, err
}

// SetPosition moves the cursor. With media loaded the synchroniser moves
// and its timeout carries the position to the session.
func (a *App) SetPosition(pos int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.player.HasPrimary() {
		a.player.SetPosition(pos)
		return a.session.Position()
	}
	return a.session.SetPosition(pos)
}

// ChangeMode switches the session controller. Retrieval first resolves an
// activated model for the primary media type whose output width matches
// the scheme; without one the mode is unchanged.
func (a *App) ChangeMode(ctx context.Context, m session.Mode) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failure != nil {
		return a.failure
	}
	if a.current == nil {
		return ErrNoAnnotation
	}
	if prev, ok := a.session.RetrievalModel(); ok {
		a.tracker.MarkDirty(&prev)
	}
	var err error
	if m == session.Retrieval {
		err = a.startRetrieval(ctx)
	} else {
		err = a.session.ChangeMode(m, nil)
	}
	if ferr := a.tracker.Flush(ctx); ferr != nil {
		return a.fail(ferr)
	}
	return err
}

func (a *App) startRetrieval(ctx context.Context) error {
	models, err := cache.All[*model.Model](ctx, a.store, model.Kind)
	if err != nil {
		return err
	}
	r, err := a.open(a.current.MediaPath)
	if err != nil {
		return err
	}
	rt, err := a.retriever(models, r)
	if err == nil {
		err = a.session.ChangeMode(session.Retrieval, rt)
	}
	if err != nil {
		r.Close()
		return err
	}
	return nil
}

func (a *App) retriever(models []*model.Model, r media.Reader) (*session.Retriever, error) {
	sc := a.current.Dataset.Scheme
	m, err := model.Resolve(models, r.MediaType(), sc.N())
	if err != nil {
		return nil, err
	}
	net, err := model.Load(m)
	if err != nil {
		return nil, err
	}
	p, err := model.NewPredictor(m, net, sc)
	if err != nil {
		return nil, err
	}
	logutil.Diagf("app: retrieval with model %s", m)
	return &session.Retriever{Predictor: p, Reader: r}, nil
}

// Save flushes the open annotation and checkpoints the cache.
func (a *App) Save(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saveLocked(ctx)
}

func (a *App) saveLocked(ctx context.Context) error {
	if a.failure != nil {
		return a.failure
	}
	if a.current == nil {
		return nil
	}
	a.current.Progress = a.current.Samples.Progress()
	a.tracker.MarkDirty(a.current)
	if m, ok := a.session.RetrievalModel(); ok {
		a.tracker.MarkDirty(&m)
	}
	if err := a.tracker.Flush(ctx); err != nil {
		return a.fail(err)
	}
	if err := a.store.Sync(ctx); err != nil {
		return a.fail(err)
	}
	a.publish(events.Event{Kind: events.Saved, Progress: a.current.Progress, Source: Source})
	return nil
}

// lookup returns the open annotation when id names it, else the stored one.
func (a *App) lookup(ctx context.Context, id int64) (*Annotation, error) {
	if a.current != nil && a.current.ID == id {
		return a.current, nil
	}
	return cache.Get[*Annotation](ctx, a.store, id)
}

// Export writes the annotation's bundle under dir and returns the path
// of the folder or archive. Export stays available after a persistence
// failure.
func (a *App) Export(ctx context.Context, id int64, dir string, opts codec.ExportOptions) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.exportRoot != "" {
		if err := security.ValidatePathWithinDirectory(dir, a.exportRoot); err != nil {
			return "", err
		}
	}
	an, err := a.lookup(ctx, id)
	if err != nil {
		return "", err
	}
	out, err := codec.WriteBundle(a.fs, dir, codec.Bundle{Document: an.Document(), Samples: an.Samples}, opts)
	if err != nil {
		return "", err
	}
	logutil.Diagf("app: exported annotation %d to %s", id, out)
	return out, nil
}

// List describes every stored annotation.
func (a *App) List(ctx context.Context) ([]cache.Entry, error) {
	return a.store.List(ctx, AnnotationKind)
}

// Delete removes a stored entry. Deleting the open annotation unloads it
// first.
func (a *App) Delete(ctx context.Context, id int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failure != nil {
		return a.failure
	}
	e, err := a.store.ByID(ctx, id)
	if err != nil {
		return err
	}
	if a.current != nil && a.current.ID == id {
		a.unloadLocked()
	}
	if err := a.store.DeleteID(ctx, id); err != nil {
		return a.fail(err)
	}
	logutil.Diagf("app: deleted %s %d", e.CacheKind(), id)
	return nil
}

func (a *App) unloadLocked() {
	a.player.Reset()
	a.session.Disable()
	a.current = nil
}

// Relink points a stored annotation at a moved media file after checking
// the file's fingerprint.
func (a *App) Relink(ctx context.Context, id int64, newPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failure != nil {
		return a.failure
	}
	an, err := a.lookup(ctx, id)
	if err != nil {
		return err
	}
	if err := media.Verify(newPath, an.Fingerprint); err != nil {
		return err
	}
	an.MediaPath = newPath
	a.tracker.MarkDirty(an)
	if err := a.tracker.Flush(ctx); err != nil {
		return a.fail(err)
	}
	if an == a.current {
		if _, err := a.player.Load([]playback.Stream{{Path: newPath, Primary: true}}); err != nil {
			logutil.Opsf("app: playback reload: %v", err)
		}
	}
	logutil.Diagf("app: relinked annotation %d to %s", id, newPath)
	return nil
}

// Close stops playback, flushes the open annotation and stops the
// session's background work.
func (a *App) Close(ctx context.Context) error {
	a.player.Stop()
	a.mu.Lock()
	err := a.saveLocked(ctx)
	a.mu.Unlock()
	a.session.Close()
	return err
}

// Status is a snapshot for the debug server.
type Status struct {
	Annotation *Summary        `json:"annotation,omitempty"`
	Session    session.Status  `json:"session"`
	Playback   []playback.Info `json:"playback"`
	Paused     bool            `json:"paused"`
	Speed      float64         `json:"speed"`
	Pending    int             `json:"pending"`
	Failure    string          `json:"failure,omitempty"`
}

// Summary identifies the open annotation.
type Summary struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Media    string `json:"media"`
	Frames   int    `json:"frames"`
	Progress int    `json:"progress"`
}

func (a *App) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Status{
		Session:  a.session.Status(),
		Playback: a.player.Subscribers(),
		Paused:   a.player.Paused(),
		Speed:    a.player.Speed(),
		Pending:  a.tracker.Pending(),
	}
	if a.current != nil {
		an := a.current
		st.Annotation = &Summary{ID: an.ID, Name: an.Name, Media: an.MediaPath, Frames: an.Frames, Progress: an.Progress}
	}
	if a.failure != nil {
		st.Failure = a.failure.Error()
	}
	return st
}
