package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type note struct {
	ID    int64    `json:"-"`
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
}

func (n *note) CacheID() int64      { return n.ID }
func (n *note) SetCacheID(id int64) { n.ID = id }
func (n *note) CacheKind() string   { return "note" }
func (n *note) CacheLabel() string  { return n.Title }

type counter struct {
	ID    int64 `json:"-"`
	Value int   `json:"value"`
}

func (c *counter) CacheID() int64      { return c.ID }
func (c *counter) SetCacheID(id int64) { c.ID = id }
func (c *counter) CacheKind() string   { return "counter" }

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	require.NoError(t, err)
	s.Register("note", func() Entity { return &note{} })
	s.Register("counter", func() Entity { return &counter{} })
	return s
}

func TestStore_WriteAssignsIncreasingIDs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "cache.db"))
	defer s.Close()

	a := &note{Title: "a"}
	b := &note{Title: "b"}
	require.NoError(t, s.Write(ctx, a))
	require.NoError(t, s.Write(ctx, b))
	assert.Equal(t, int64(1), a.ID)
	assert.Equal(t, int64(2), b.ID)

	a.Title = "a2"
	require.NoError(t, s.Write(ctx, a))
	assert.Equal(t, int64(1), a.ID, "rewrite keeps the id")
	assert.Equal(t, int64(2), s.MaxID())
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	s := openTestStore(t, path)
	n := &note{Title: "kept", Tags: []string{"x", "y"}}
	require.NoError(t, s.Write(ctx, n))
	require.NoError(t, s.Write(ctx, &counter{Value: 3}))
	require.NoError(t, s.Close())

	s = openTestStore(t, path)
	defer s.Close()
	got, err := Get[*note](ctx, s, n.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(n, got); diff != "" {
		t.Errorf("reloaded note mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int64(2), s.MaxID())

	c := &counter{Value: 1}
	require.NoError(t, s.Write(ctx, c))
	assert.Equal(t, int64(3), c.ID, "next id continues after max id")
}

func TestStore_ByTypeOrderedAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "cache.db"))
	defer s.Close()

	for _, title := range []string{"one", "two", "three"} {
		require.NoError(t, s.Write(ctx, &note{Title: title}))
	}
	require.NoError(t, s.Write(ctx, &counter{Value: 9}))

	notes, err := All[*note](ctx, s, "note")
	require.NoError(t, err)
	require.Len(t, notes, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{notes[0].Title, notes[1].Title, notes[2].Title})

	require.NoError(t, s.Delete(ctx, notes[1]))
	_, err = s.ByID(ctx, notes[1].ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	entries, err := s.List(ctx, "note")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "three", entries[1].Label)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"note": 2, "counter": 1}, counts)

	require.NoError(t, s.Clear(ctx))
	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStore_WrongTypeAndUnknownKind(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "cache.db"))
	defer s.Close()

	c := &counter{Value: 1}
	require.NoError(t, s.Write(ctx, c))
	_, err := Get[*note](ctx, s, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	bare, err := Open(filepath.Join(t.TempDir(), "other.db"))
	require.NoError(t, err)
	defer bare.Close()
	require.NoError(t, bare.Write(ctx, &counter{Value: 2}))
	_, err = bare.ByID(ctx, 1)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestStore_WriteAfterCloseIsPersistenceFailure(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, s.Close())

	err := s.Write(context.Background(), &note{Title: "late"})
	assert.ErrorIs(t, err, ErrPersistenceFailure)
}

func TestTracker_Flush(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "cache.db"))
	defer s.Close()
	tr := NewTracker(s)

	n := &note{Title: "draft"}
	tr.MarkDirty(n)
	tr.MarkDirty(n)
	assert.Equal(t, 1, tr.Pending())
	require.NoError(t, tr.Flush(ctx))
	assert.NotZero(t, n.ID)
	assert.Equal(t, 0, tr.Pending())

	n.Title = "final"
	tr.MarkDirty(n)
	require.NoError(t, tr.Flush(ctx))
	got, err := Get[*note](ctx, s, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "final", got.Title)
}

func TestTracker_FailedFlushKeepsDirty(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "cache.db"))
	tr := NewTracker(s)
	require.NoError(t, s.Close())

	tr.MarkDirty(&note{Title: "lost"})
	err := tr.Flush(context.Background())
	assert.ErrorIs(t, err, ErrPersistenceFailure)
	assert.Equal(t, 1, tr.Pending())
}

func TestMigrations(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "cache.db"))
	defer s.Close()

	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	var out bytes.Buffer
	require.NoError(t, RunMigrateCommand([]string{"down"}, s, &out))
	assert.Contains(t, out.String(), "Current version: 1")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"up"}, s, &out))
	assert.Contains(t, out.String(), "Current version: 2")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"status"}, s, &out))
	assert.Contains(t, out.String(), "Dirty: false")

	assert.Error(t, RunMigrateCommand([]string{"bogus"}, s, io.Discard))
	assert.Error(t, RunMigrateCommand(nil, s, io.Discard))
	assert.Error(t, RunMigrateCommand([]string{"version", "x"}, s, io.Discard))
}

func TestAttachAdminRoutes(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "cache.db"))
	defer s.Close()
	require.NoError(t, s.Write(ctx, &note{Title: "x"}))

	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "127.0.0.1:4242" // debug routes only answer loopback
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	rec := get("/debug/tailsql/")
	assert.NotEqual(t, http.StatusNotFound, rec.Code)

	rec = get("/debug/cache-stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		MaxID  int64          `json:"max_id"`
		Counts map[string]int `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.MaxID)
	assert.Equal(t, 1, stats.Counts["note"])

	rec = get("/debug/cache-backup")
	require.Equal(t, http.StatusOK, rec.Code)
	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("SQLite format 3")))
}
