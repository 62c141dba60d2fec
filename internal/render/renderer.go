// Package render turns remote HTML documents into PDF byte streams via
// headless Chrome, with strict temp-file hygiene.
package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/abdoul9859/wagateway/internal/metrics"
)

// FetchError means the source HTML could not be downloaded, after both
// fetch mechanisms were tried.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.URL, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// RenderError means the rendering engine failed to launch, load the page
// or paginate it.
type RenderError struct {
	Err error
}

func (e *RenderError) Error() string { return fmt.Sprintf("render: %v", e.Err) }
func (e *RenderError) Unwrap() error { return e.Err }

// printFunc paginates a local HTML file into a PDF file. Injectable so
// tests can run without a browser.
type printFunc func(ctx context.Context, htmlPath, pdfPath string) error

// Config wires a Renderer.
type Config struct {
	// TempDir for scratch files; empty means the OS default.
	TempDir string
	// FetchTimeout bounds the download step.
	FetchTimeout time.Duration
	// RenderTimeout bounds page load plus pagination.
	RenderTimeout time.Duration
	// ChromeNoSandbox disables Chrome's sandbox. Only for containers
	// whose kernel forbids the sandbox's namespaces.
	ChromeNoSandbox bool

	Log zerolog.Logger
}

// Renderer converts remote HTML to PDF. Safe for concurrent use; every
// job gets uniquely named scratch files.
type Renderer struct {
	tempDir       string
	renderTimeout time.Duration
	fetch         *fetcher
	print         printFunc
	log           zerolog.Logger
}

// New builds a Renderer backed by headless Chrome.
func New(cfg Config) *Renderer {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = 45 * time.Second
	}
	return &Renderer{
		tempDir:       cfg.TempDir,
		renderTimeout: cfg.RenderTimeout,
		fetch:         newFetcher(cfg.FetchTimeout, cfg.Log),
		print:         chromePrinter(cfg.ChromeNoSandbox),
		log:           cfg.Log,
	}
}

// RenderPDF downloads sourceURL, paginates it and returns the PDF bytes.
// The download happens first so a dead URL never pays the browser launch
// cost; the page is then loaded from the local file, which sidesteps any
// content-security-policy the origin imposes on rendering tools. Both
// scratch files are unlinked on every exit path.
func (r *Renderer) RenderPDF(ctx context.Context, sourceURL, filename string) ([]byte, error) {
	job := uuid.NewString()
	htmlPath := filepath.Join(r.tempDir, "wagateway-"+job+".html")
	pdfPath := filepath.Join(r.tempDir, "wagateway-"+job+".pdf")
	defer r.discard(htmlPath, pdfPath)

	start := time.Now()
	if err := r.fetch.download(ctx, sourceURL, htmlPath); err != nil {
		metrics.RendersTotal.WithLabelValues("fetch_error").Inc()
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, r.renderTimeout)
	defer cancel()
	if err := r.print(rctx, htmlPath, pdfPath); err != nil {
		metrics.RendersTotal.WithLabelValues("render_error").Inc()
		return nil, &RenderError{Err: err}
	}

	data, err := os.ReadFile(pdfPath)
	if err != nil {
		metrics.RendersTotal.WithLabelValues("render_error").Inc()
		return nil, &RenderError{Err: err}
	}
	metrics.RendersTotal.WithLabelValues("ok").Inc()
	r.log.Info().Str("url", sourceURL).Str("filename", filename).
		Int("pdf_bytes", len(data)).Dur("took", time.Since(start)).Msg("rendered pdf")
	return data, nil
}

// discard removes scratch files. Failures are logged, never surfaced:
// the dominant error is the render pipeline's, not the janitor's.
func (r *Renderer) discard(paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			r.log.Warn().Err(err).Str("path", p).Msg("scratch file cleanup failed")
		}
	}
}
