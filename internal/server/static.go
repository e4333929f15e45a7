package server

import (
	"net/http"
	"path"
	"path/filepath"

	"github.com/go-chi/chi/v5"
)

// handleIndex serves the dashboard page.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.serveFile(w, r, http.Dir(s.staticDir), "/index.html")
}

// handleStatic serves assets from <static_dir>/static. http.Dir refuses
// paths that climb out of its root, so "/static/../config.yaml" is a 404.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	name := path.Clean("/" + chi.URLParam(r, "*"))
	s.serveFile(w, r, http.Dir(filepath.Join(s.staticDir, "static")), name)
}

// serveFile writes one regular file from root. Anything else, including a
// directory, gets the JSON 404 rather than http.FileServer's listing or
// plain-text error.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, root http.FileSystem, name string) {
	f, err := root.Open(name)
	if err != nil {
		s.handleNotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		s.handleNotFound(w, r)
		return
	}

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
