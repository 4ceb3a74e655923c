// Package proxy serves the frontend's single-page routing contract for
// local preview: API-prefixed paths are forwarded to the backend with
// their path intact, everything else falls through to the SPA entry
// document so deep links resolve client-side.
package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"caravel/internal/check"
)

const defaultAPIPrefix = "/api/"

// Handler routes requests between the backend API and the SPA assets.
type Handler struct {
	apiPrefix string
	backend   *httputil.ReverseProxy
	assetDir  string
	entry     string
	files     http.Handler
}

// New builds a Handler proxying apiPrefix requests to backendURL and
// serving assetDir for everything else. Paths that miss a static asset
// get the entry document.
func New(backendURL, assetDir string) (*Handler, error) {
	target, err := url.Parse(backendURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url %q: %w", backendURL, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("backend url %q must be absolute", backendURL)
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		slog.Warn("backend proxy error", "path", r.URL.Path, "err", err)
		http.Error(w, "backend unavailable", http.StatusBadGateway)
	}

	return &Handler{
		apiPrefix: defaultAPIPrefix,
		backend:   rp,
		assetDir:  assetDir,
		entry:     filepath.Join(assetDir, "index.html"),
		files:     http.FileServer(http.Dir(assetDir)),
	}, nil
}

// WithAPIPrefix overrides the path prefix routed to the backend.
func (h *Handler) WithAPIPrefix(prefix string) *Handler {
	check.Assert(strings.HasPrefix(prefix, "/"), "api prefix must start with /")
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	h.apiPrefix = prefix
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, h.apiPrefix) || r.URL.Path == strings.TrimSuffix(h.apiPrefix, "/") {
		// Forwarded as-is. The backend owns the prefix, so no rewrite.
		h.backend.ServeHTTP(w, r)
		return
	}
	if h.isAsset(r.URL.Path) {
		h.files.ServeHTTP(w, r)
		return
	}
	http.ServeFile(w, r, h.entry)
}

// isAsset reports whether the path names an existing file under the asset
// directory. Client-side routes like /tutorials/5 miss and get the entry
// document instead.
func (h *Handler) isAsset(p string) bool {
	if p == "/" || p == "" {
		return false
	}
	clean := filepath.Clean(strings.TrimPrefix(p, "/"))
	if clean == "." || strings.HasPrefix(clean, "..") {
		return false
	}
	info, err := os.Stat(filepath.Join(h.assetDir, clean))
	return err == nil && !info.IsDir()
}
