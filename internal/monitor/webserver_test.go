package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/frame.annotator/internal/app"
	"github.com/banshee-data/frame.annotator/internal/cache"
	"github.com/banshee-data/frame.annotator/internal/events"
	"github.com/banshee-data/frame.annotator/internal/testutil"
)

type testServer struct {
	ws    *WebServer
	mux   *http.ServeMux
	app   *app.App
	store *cache.Store
}

func newTestServer(t *testing.T, open bool) *testServer {
	t.Helper()
	dir := t.TempDir()
	store, err := cache.Open(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	bus := events.NewBus(256)
	a, err := app.New(app.Config{Store: store, Bus: bus})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close(context.Background())
		bus.Close()
		_ = store.Close()
	})

	if open {
		ctx := context.Background()
		ds, err := a.CreateDataset(ctx, "activities", testutil.Scheme(), nil)
		require.NoError(t, err)
		var b strings.Builder
		b.WriteString("x,y\n")
		for i := range 1000 {
			fmt.Fprintf(&b, "%d,0\n", i%2)
		}
		path := filepath.Join(dir, "take.csv")
		require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
		_, err = a.Create(ctx, ds.ID, path, "served")
		require.NoError(t, err)
		require.Eventually(t, a.Player().HasPrimary, 5*time.Second, time.Millisecond)
	}

	ws := NewWebServer(WebServerConfig{Address: "127.0.0.1:0", App: a, Bus: bus})
	return &testServer{ws: ws, mux: ws.setupRoutes(), app: a, store: store}
}

func (s *testServer) do(method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, testutil.LoopbackRequest(method, target))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, false)
	rr := s.do(http.MethodGet, "/health")
	testutil.AssertStatusCode(t, rr.Code, http.StatusOK)
	body := decode(t, rr)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "annotator", body["service"])
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, true)
	rr := s.do(http.MethodGet, "/api/status")
	testutil.AssertStatusCode(t, rr.Code, http.StatusOK)

	var st app.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	require.NotNil(t, st.Annotation)
	assert.Equal(t, "served", st.Annotation.Name)
	assert.Equal(t, 1000, st.Session.Frames)
	assert.Len(t, st.Session.Coverage, 4)
	require.Len(t, st.Playback, 1)
	assert.True(t, st.Playback[0].Primary)

	testutil.AssertStatusCode(t, s.do(http.MethodPost, "/api/status").Code, http.StatusMethodNotAllowed)
}

func TestActions(t *testing.T) {
	s := newTestServer(t, true)

	rr := s.do(http.MethodGet, "/api/actions")
	testutil.AssertStatusCode(t, rr.Code, http.StatusOK)
	body := decode(t, rr)
	assert.Equal(t, "manual", body["mode"])
	assert.Len(t, body["actions"], 17)

	rr = s.do(http.MethodPost, "/api/position?pos=499")
	testutil.AssertStatusCode(t, rr.Code, http.StatusOK)
	assert.EqualValues(t, 499, decode(t, rr)["position"])

	rr = s.do(http.MethodPost, "/api/action?name=cut")
	testutil.AssertStatusCode(t, rr.Code, http.StatusOK)
	body = decode(t, rr)
	assert.Equal(t, true, body["changed"])
	assert.EqualValues(t, 2, body["samples"])

	rr = s.do(http.MethodPost, "/api/action?name=annotate&bits=1010")
	testutil.AssertStatusCode(t, rr.Code, http.StatusOK)
	assert.Equal(t, "1010", s.app.Session().Samples()[0].Vector.BitString())

	rr = s.do(http.MethodPost, "/api/action?name=undo")
	testutil.AssertStatusCode(t, rr.Code, http.StatusOK)
	assert.True(t, s.app.Session().Samples()[0].Vector.IsEmpty())
}

func TestAction_Errors(t *testing.T) {
	s := newTestServer(t, true)
	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"wrong method", http.MethodGet, "/api/action?name=cut", http.StatusMethodNotAllowed},
		{"unknown action", http.MethodPost, "/api/action?name=fly", http.StatusBadRequest},
		{"retrieval action in manual mode", http.MethodPost, "/api/action?name=accept", http.StatusBadRequest},
		{"bad bits", http.MethodPost, "/api/action?name=annotate&bits=10", http.StatusBadRequest},
		{"bad position", http.MethodPost, "/api/position?pos=abc", http.StatusBadRequest},
		{"bad playback op", http.MethodPost, "/api/playback?op=rewind", http.StatusBadRequest},
		{"bad speed", http.MethodPost, "/api/playback?op=speed&x=fast", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.AssertStatusCode(t, s.do(tt.method, tt.target).Code, tt.want)
		})
	}
}

func TestAction_NoAnnotation(t *testing.T) {
	s := newTestServer(t, false)
	testutil.AssertStatusCode(t, s.do(http.MethodPost, "/api/action?name=cut").Code, http.StatusConflict)
	testutil.AssertStatusCode(t, s.do(http.MethodPost, "/api/action?name=annotate&bits=1000").Code, http.StatusConflict)
}

func TestPlayback(t *testing.T) {
	s := newTestServer(t, true)

	rr := s.do(http.MethodPost, "/api/playback?op=speed&x=2")
	testutil.AssertStatusCode(t, rr.Code, http.StatusOK)
	assert.EqualValues(t, 2, decode(t, rr)["speed"])

	rr = s.do(http.MethodPost, "/api/playback?op=play")
	testutil.AssertStatusCode(t, rr.Code, http.StatusOK)
	assert.Equal(t, false, decode(t, rr)["paused"])

	rr = s.do(http.MethodPost, "/api/playback?op=pause")
	testutil.AssertStatusCode(t, rr.Code, http.StatusOK)
	assert.Equal(t, true, decode(t, rr)["paused"])
}

func TestSave(t *testing.T) {
	s := newTestServer(t, true)
	testutil.AssertStatusCode(t, s.do(http.MethodPost, "/api/save").Code, http.StatusOK)

	require.NoError(t, s.store.DB().Close())
	testutil.AssertStatusCode(t, s.do(http.MethodPost, "/api/save").Code, http.StatusServiceUnavailable)
	testutil.AssertStatusCode(t, s.do(http.MethodPost, "/api/action?name=cut").Code, http.StatusServiceUnavailable)
	assert.Equal(t, "failed", decode(t, s.do(http.MethodGet, "/health"))["status"])
}

func TestCoverageChart(t *testing.T) {
	s := newTestServer(t, false)
	testutil.AssertStatusCode(t, s.do(http.MethodGet, "/charts/coverage").Code, http.StatusNotFound)

	s = newTestServer(t, true)
	rr := s.do(http.MethodGet, "/charts/coverage")
	testutil.AssertStatusCode(t, rr.Code, http.StatusOK)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rr.Body.String(), "Label coverage")
	assert.Contains(t, rr.Body.String(), "release")
}

func TestAdminRoutesMounted(t *testing.T) {
	s := newTestServer(t, true)
	rr := s.do(http.MethodGet, "/debug/cache-stats")
	testutil.AssertStatusCode(t, rr.Code, http.StatusOK)
	body := decode(t, rr)
	counts, ok := body["counts"].(map[string]any)
	require.True(t, ok, "counts in %v", body)
	assert.EqualValues(t, 1, counts["annotation"])
	assert.EqualValues(t, 1, counts["dataset"])
}

func TestStart_ShutsDownOnCancel(t *testing.T) {
	s := newTestServer(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ws.Start(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
}
