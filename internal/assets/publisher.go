// Package assets persists screenshots and serves them over HTTP.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pagepilot-mcp-server/internal/config"
	"pagepilot-mcp-server/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
)

const indexText = "Static asset server running. Use /screenshots/<file>."

// Publisher writes artifacts under the screenshot directory and serves them
// from a lazily started HTTP server.
type Publisher struct {
	publicDir string
	dir       string

	mu      sync.Mutex
	port    int
	server  *http.Server
	warmUps atomic.Int32
}

func NewPublisher(cfg config.AssetsConfig) *Publisher {
	return &Publisher{
		publicDir: cfg.PublicDir,
		dir:       cfg.ScreenshotDir,
		port:      cfg.Port,
	}
}

// Dir returns the screenshot directory.
func (p *Publisher) Dir() string { return p.dir }

// Port returns the listening port, which is only final once the server runs.
func (p *Publisher) Port() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

// WarmUps counts EnsureServer calls.
func (p *Publisher) WarmUps() int { return int(p.warmUps.Load()) }

// EnsureDirs creates the public and screenshot directories.
func (p *Publisher) EnsureDirs() error {
	for _, dir := range []string{p.publicDir, p.dir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create asset dir %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureServer starts the asset server on first use. Later calls are no-ops
// while it is running; a failed start is retried on the next call.
func (p *Publisher) EnsureServer() error {
	p.warmUps.Add(1)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(p.port))
	if err != nil {
		return fmt.Errorf("asset server listen on %d: %w", p.port, err)
	}
	p.port = ln.Addr().(*net.TCPAddr).Port

	srv := &http.Server{
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.server = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("asset server stopped: %v", err)
		}
	}()
	log.Printf("asset server listening on http://localhost:%d", p.port)
	return nil
}

// Shutdown stops the asset server if it was started.
func (p *Publisher) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	srv := p.server
	p.server = nil
	p.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Handler routes /screenshots/{file}, /metrics and a plain-text index.
func (p *Publisher) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/screenshots/{file}", p.serveScreenshot)
	r.Handle("/metrics", metrics.Handler())
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, indexText)
	})
	return r
}

func (p *Publisher) serveScreenshot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "file")
	if !validName(name) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	data, err := os.ReadFile(filepath.Join(p.dir, name))
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", ContentType(name))
	_, _ = w.Write(data)
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}

// ContentType maps a file name to image/jpeg or image/png.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	return "image/png"
}

// FileName returns a fresh time-ordered, random-suffixed artifact name.
func FileName(ext string) string {
	return "shot_" + strings.ToLower(ulid.Make().String()) + "." + ext
}

// Save writes data under a fresh name and returns the name and its URL.
func (p *Publisher) Save(ext string, data []byte) (string, string, error) {
	if err := p.EnsureDirs(); err != nil {
		return "", "", err
	}

	name := FileName(ext)
	path := filepath.Join(p.dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", "", fmt.Errorf("write %s: %w", path, err)
	}
	metrics.ScreenshotPublished()
	return name, p.URL(name), nil
}

// URL returns the public address of an artifact.
func (p *Publisher) URL(name string) string {
	return fmt.Sprintf("http://localhost:%d/screenshots/%s", p.Port(), name)
}
