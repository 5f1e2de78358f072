// Package cache mirrors domain entities into a single SQLite file keyed by
// a monotonically increasing integer id. Each entry is one JSON payload
// written in its own transaction, so a failed write never disturbs other
// entries.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/frame.annotator/internal/logutil"
)

var (
	// ErrNotFound is returned for ids with no entry.
	ErrNotFound = errors.New("cache entry not found")
	// ErrPersistenceFailure wraps every failed write to the store.
	ErrPersistenceFailure = errors.New("cache persistence failure")
	// ErrUnknownKind is returned when an entry's kind has no registered factory.
	ErrUnknownKind = errors.New("unknown cache kind")
)

// Entity is a value the store can persist. The payload is its JSON form.
type Entity interface {
	CacheID() int64
	SetCacheID(id int64)
	CacheKind() string
}

// Labeler is implemented by entities with a human-readable name that is
// stored alongside the payload for listing.
type Labeler interface {
	CacheLabel() string
}

// Entry describes a stored row without decoding its payload.
type Entry struct {
	ID        int64
	Kind      string
	Label     string
	UpdatedAt time.Time
}

// Store is the object cache. A single connection serialises writers;
// reads go through the same connection.
type Store struct {
	db   *sql.DB
	path string

	mu        sync.Mutex
	nextID    int64
	factories map[string]func() Entity
	now       func() time.Time
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=FULL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

// Open opens or creates the store at path, applies pending migrations and
// restores the id counter.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrPersistenceFailure, path, err)
	}
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %w", ErrPersistenceFailure, p, err)
		}
	}

	s := &Store{
		db:        db,
		path:      path,
		factories: make(map[string]func() Entity),
		now:       time.Now,
	}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	var maxID int64
	if err := db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM cache_entries`).Scan(&maxID); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: read max id: %w", ErrPersistenceFailure, err)
	}
	s.nextID = maxID + 1
	logutil.Diagf("cache: opened %s (max id %d)", path, maxID)
	return s, nil
}

// Register binds a kind to the factory used when decoding its entries.
func (s *Store) Register(kind string, factory func() Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[kind] = factory
}

// DB exposes the underlying handle for read-only debugging tools.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// MaxID returns the highest id assigned so far.
func (s *Store) MaxID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID - 1
}

// Write persists e, assigning a fresh id when it has none.
func (s *Store) Write(ctx context.Context, e Entity) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrPersistenceFailure, e.CacheKind(), err)
	}
	label := ""
	if l, ok := e.(Labeler); ok {
		label = l.CacheLabel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := e.CacheID()
	fresh := id == 0
	if fresh {
		id = s.nextID
	}
	now := s.now().UnixNano()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (id, kind, label, payload, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			label = excluded.label,
			payload = excluded.payload,
			updated_at_ns = excluded.updated_at_ns`,
		id, e.CacheKind(), label, payload, now, now)
	if err != nil {
		return fmt.Errorf("%w: write %s %d: %w", ErrPersistenceFailure, e.CacheKind(), id, err)
	}
	if fresh {
		s.nextID++
		e.SetCacheID(id)
	} else if id >= s.nextID {
		s.nextID = id + 1
	}
	logutil.Tracef("cache: wrote %s %d (%d bytes)", e.CacheKind(), id, len(payload))
	return nil
}

// Delete removes the entry for e. Deleting a missing entry is not an error.
func (s *Store) Delete(ctx context.Context, e Entity) error {
	return s.DeleteID(ctx, e.CacheID())
}

// DeleteID removes the entry with the given id.
func (s *Store) DeleteID(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: delete %d: %w", ErrPersistenceFailure, id, err)
	}
	return nil
}

// ByID decodes the entry with the given id using its registered factory.
func (s *Store) ByID(ctx context.Context, id int64) (Entity, error) {
	var kind string
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT kind, payload FROM cache_entries WHERE id = ?`, id).Scan(&kind, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read entry %d: %w", id, err)
	}
	return s.decode(id, kind, payload)
}

// ByType returns every entry of kind, ordered by id.
func (s *Store) ByType(ctx context.Context, kind string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM cache_entries WHERE kind = ? ORDER BY id`, kind)
	if err != nil {
		return nil, fmt.Errorf("query %s entries: %w", kind, err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var id int64
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan %s entry: %w", kind, err)
		}
		e, err := s.decode(id, kind, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// List returns entry descriptors of kind (all kinds when empty), ordered by id.
func (s *Store) List(ctx context.Context, kind string) ([]Entry, error) {
	query := `SELECT id, kind, label, updated_at_ns FROM cache_entries`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var updated int64
		if err := rows.Scan(&e.ID, &e.Kind, &e.Label, &updated); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.UpdatedAt = time.Unix(0, updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns the number of entries per kind.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM cache_entries GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, rows.Err()
}

// Clear removes every entry. The id counter is not rewound.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("%w: clear: %w", ErrPersistenceFailure, err)
	}
	return nil
}

// Sync checkpoints the write-ahead log into the main database file.
func (s *Store) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(FULL)`); err != nil {
		return fmt.Errorf("%w: checkpoint: %w", ErrPersistenceFailure, err)
	}
	return nil
}

// Close checkpoints and closes the database.
func (s *Store) Close() error {
	if err := s.Sync(context.Background()); err != nil {
		logutil.Opsf("cache: %v", err)
	}
	return s.db.Close()
}

func (s *Store) decode(id int64, kind string, payload []byte) (Entity, error) {
	s.mu.Lock()
	factory, ok := s.factories[kind]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (id %d)", ErrUnknownKind, kind, id)
	}
	e := factory()
	e.SetCacheID(id)
	if err := json.Unmarshal(payload, e); err != nil {
		return nil, fmt.Errorf("decode %s %d: %w", kind, id, err)
	}
	e.SetCacheID(id)
	return e, nil
}

// Get loads the entry with the given id as T.
func Get[T Entity](ctx context.Context, s *Store, id int64) (T, error) {
	var zero T
	e, err := s.ByID(ctx, id)
	if err != nil {
		return zero, err
	}
	t, ok := e.(T)
	if !ok {
		return zero, fmt.Errorf("%w: id %d is %s", ErrNotFound, id, e.CacheKind())
	}
	return t, nil
}

// All loads every entry of kind as T.
func All[T Entity](ctx context.Context, s *Store, kind string) ([]T, error) {
	es, err := s.ByType(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(es))
	for _, e := range es {
		if t, ok := e.(T); ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// sortedIDs returns the keys of m in ascending order.
func sortedIDs[V any](m map[int64]V) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
