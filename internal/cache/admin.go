package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/frame.annotator/internal/logutil"
)

// AttachAdminRoutes mounts debugging endpoints under /debug/: a tailsql
// console over the cache, a gzip backup download and per-kind counts.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		logutil.Opsf("cache: tailsql unavailable: %v", err)
	} else {
		tsql.SetDB("sqlite://"+filepath.Base(s.path), s.db, &tailsql.DBOptions{
			Label: "Annotation cache",
		})
		debug.Handle("tailsql/", "SQL live debugging of the object cache", tsql.NewMux())
	}

	debug.Handle("cache-stats", "Entry counts per kind", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counts, err := s.Counts(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"path":   s.path,
			"max_id": s.MaxID(),
			"counts": counts,
		})
	}))

	debug.Handle("cache-backup", "Download a gzip backup of the object cache", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dir, err := os.MkdirTemp("", "annotator-backup-")
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup dir: %v", err), http.StatusInternalServerError)
			return
		}
		defer os.RemoveAll(dir)

		backupPath := filepath.Join(dir, "cache.db")
		if _, err := s.db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		f, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Disposition", "attachment; filename=cache.db.gz")
		w.Header().Set("Content-Type", "application/gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		if _, err := io.Copy(gz, f); err != nil {
			logutil.Opsf("cache: backup stream failed: %v", err)
		}
	}))
}
