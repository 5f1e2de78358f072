// Package monitor serves the debug HTTP surface of a headless annotator:
// health, session status, a command endpoint for scripted sessions, the
// label-coverage chart and the cache and event admin routes.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/frame.annotator/internal/app"
	"github.com/banshee-data/frame.annotator/internal/events"
	"github.com/banshee-data/frame.annotator/internal/httputil"
	"github.com/banshee-data/frame.annotator/internal/logutil"
	"github.com/banshee-data/frame.annotator/internal/scheme"
	"github.com/banshee-data/frame.annotator/internal/session"
	"github.com/banshee-data/frame.annotator/internal/version"
)

// WebServer handles the HTTP interface for one App.
type WebServer struct {
	address string
	app     *app.App
	bus     *events.Bus
	server  *http.Server
}

// WebServerConfig contains configuration options for the web server
type WebServerConfig struct {
	Address string
	App     *app.App
	// Bus, when set, is tailed under /debug/events-tail.
	Bus *events.Bus
}

// NewWebServer creates a new web server with the provided configuration
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address: config.Address,
		app:     config.App,
		bus:     config.Bus,
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.setupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

// Start serves until ctx is cancelled, then shuts the server down. It
// returns the listener error if serving fails first.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logutil.Opsf("monitor: listening on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("monitor: serve %s: %w", ws.address, err)
		}
		return nil
	case <-ctx.Done():
	}
	logutil.Diagf("monitor: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		logutil.Opsf("monitor: shutdown: %v", err)
		if err := ws.server.Close(); err != nil {
			logutil.Opsf("monitor: force close: %v", err)
		}
	}
	logutil.Diagf("monitor: stopped")
	return nil
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/actions", ws.handleActions)
	mux.HandleFunc("/api/action", ws.handleAction)
	mux.HandleFunc("/api/position", ws.handlePosition)
	mux.HandleFunc("/api/playback", ws.handlePlayback)
	mux.HandleFunc("/api/save", ws.handleSave)
	mux.HandleFunc("/charts/coverage", ws.handleCoverageChart)

	ws.app.Store().AttachAdminRoutes(mux)
	if ws.bus != nil {
		ws.bus.AttachAdminRoutes(mux)
	}
	return mux
}

// statusFor maps command errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrSessionFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, app.ErrNoAnnotation), errors.Is(err, session.ErrNotLoaded):
		return http.StatusConflict
	case errors.Is(err, session.ErrUnknownAction), errors.Is(err, scheme.ErrSchemeInvalid), errors.Is(err, scheme.ErrSchemeMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if ws.app.Failure() != nil {
		status = "failed"
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":    status,
		"service":   "annotator",
		"version":   version.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ws.app.Status())
}

func (ws *WebServer) handleActions(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	mode := ws.app.Session().Mode()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"mode": mode, "actions": session.Actions(mode)})
}

// handleAction runs one user action.
// Query params:
//   - name (required): action name, e.g. cut or merge-left
//   - bits (optional): label bit string for annotate, cut-and-annotate,
//     modify and change-filter
func (ws *WebServer) handleAction(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	q := r.URL.Query()
	action, err := session.ParseAction(ws.app.Session().Mode(), q.Get("name"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	cmd := session.Command{Action: action}
	if bits := q.Get("bits"); bits != "" {
		ds := ws.app.Session().Dataset()
		if ds == nil {
			httputil.WriteJSONError(w, http.StatusConflict, app.ErrNoAnnotation.Error())
			return
		}
		v, err := scheme.ParseBitString(ds.Scheme, bits)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		cmd.Vector = v
	}
	changed, err := ws.app.Do(cmd)
	if err != nil {
		httputil.WriteJSONError(w, statusFor(err), err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"changed":  changed,
		"position": ws.app.Session().Position(),
		"samples":  len(ws.app.Session().Samples()),
	})
}

func (ws *WebServer) handlePosition(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	pos, err := strconv.Atoi(r.URL.Query().Get("pos"))
	if err != nil {
		httputil.BadRequest(w, "pos must be an integer")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"position": ws.app.SetPosition(pos)})
}

// handlePlayback drives the synchroniser.
// Query params:
//   - op (required): play, pause, speed or reset
//   - x (speed only): replay speed factor
func (ws *WebServer) handlePlayback(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	p := ws.app.Player()
	switch op := r.URL.Query().Get("op"); op {
	case "play":
		p.Unpause()
	case "pause":
		p.Pause()
	case "speed":
		x, err := strconv.ParseFloat(r.URL.Query().Get("x"), 64)
		if err != nil {
			httputil.BadRequest(w, "x must be a number")
			return
		}
		p.SetReplaySpeed(x)
	default:
		httputil.BadRequest(w, fmt.Sprintf("unknown op %q", op))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"paused":   p.Paused(),
		"speed":    p.Speed(),
		"position": p.Position(),
	})
}

func (ws *WebServer) handleSave(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := ws.app.Save(r.Context()); err != nil {
		httputil.WriteJSONError(w, statusFor(err), err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}
