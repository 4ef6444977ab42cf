// Package web serves the embedded browser UI.
package web

import (
	"embed"
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"
)

//go:embed static
var assets embed.FS

// Handler serves index.html at / and the remaining assets under /static/.
type Handler struct {
	files http.Handler
	index []byte
}

// New loads the embedded assets.
func New() (*Handler, error) {
	sub, err := fs.Sub(assets, "static")
	if err != nil {
		return nil, err
	}
	index, err := fs.ReadFile(sub, "index.html")
	if err != nil {
		return nil, err
	}
	return &Handler{
		files: http.StripPrefix("/static/", http.FileServer(http.FS(sub))),
		index: index,
	}, nil
}

// RegisterRoutes mounts the UI.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.serveIndex)
	r.Get("/static/*", h.files.ServeHTTP)
}

func (h *Handler) serveIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(h.index)
}
