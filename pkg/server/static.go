package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nyosegawa/miotts-cockpit/pkg/logging"
)

// mountFrontend serves the built SPA: /assets/* from the dist tree and
// index.html for every other GET, so client-side routes deep-link. Only
// GETs fall through to the SPA; API typos on other methods still 404.
// A missing dist directory disables static serving entirely.
func mountFrontend(r chi.Router, dir string, logger logging.Logger) {
	if dir == "" {
		return
	}
	index := filepath.Join(dir, "index.html")
	if _, err := os.Stat(index); err != nil {
		logger.Warnf("Frontend dir %s has no index.html, static serving disabled", dir)
		return
	}

	assetsDir := filepath.Join(dir, "assets")
	if info, err := os.Stat(assetsDir); err == nil && info.IsDir() {
		fs := http.StripPrefix("/assets/", http.FileServer(http.Dir(assetsDir)))
		r.Get("/assets/*", fs.ServeHTTP)
	}

	serveIndex := func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeFile(w, req, index)
	}
	r.Get("/", serveIndex)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodGet && !strings.HasPrefix(req.URL.Path, "/api/") {
			serveIndex(w, req)
			return
		}
		respondDetail(w, http.StatusNotFound, "not found")
	})
}
