package render

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<!DOCTYPE html><html><body><h1>Invoice 42</h1></body></html>`

func newTestRenderer(t *testing.T, print printFunc) (*Renderer, string) {
	t.Helper()
	tempDir := t.TempDir()
	r := New(Config{
		TempDir:       tempDir,
		FetchTimeout:  5 * time.Second,
		RenderTimeout: 5 * time.Second,
		Log:           zerolog.Nop(),
	})
	if print != nil {
		r.print = print
	}
	return r, tempDir
}

func assertNoScratchFiles(t *testing.T, tempDir string) {
	t.Helper()
	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch files left behind")
}

func TestRenderPDFSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	var gotHTML []byte
	print := func(_ context.Context, htmlPath, pdfPath string) error {
		var err error
		gotHTML, err = os.ReadFile(htmlPath)
		if err != nil {
			return err
		}
		return os.WriteFile(pdfPath, []byte("%PDF-1.4 fake"), 0o600)
	}
	r, tempDir := newTestRenderer(t, print)

	pdf, err := r.RenderPDF(context.Background(), srv.URL, "invoice.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4 fake"), pdf)
	assert.Equal(t, []byte(samplePage), gotHTML)
	assertNoScratchFiles(t, tempDir)
}

func TestRenderPDFFetchFailureSkipsBrowser(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	printed := false
	r, tempDir := newTestRenderer(t, func(context.Context, string, string) error {
		printed = true
		return nil
	})

	_, err := r.RenderPDF(context.Background(), srv.URL, "doc.pdf")
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, srv.URL, fe.URL)

	// Primary attempt then the lenient fallback, nothing more.
	assert.Equal(t, int32(2), hits.Load())
	assert.False(t, printed, "browser must not launch when the fetch fails")
	assertNoScratchFiles(t, tempDir)
}

func TestRenderPDFFallbackRecoversPrimaryFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		// Second attempt carries the browser user agent.
		assert.Contains(t, r.UserAgent(), "Mozilla/5.0")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	r, tempDir := newTestRenderer(t, func(_ context.Context, _, pdfPath string) error {
		return os.WriteFile(pdfPath, []byte("%PDF-1.4 fake"), 0o600)
	})

	pdf, err := r.RenderPDF(context.Background(), srv.URL, "doc.pdf")
	require.NoError(t, err)
	assert.NotEmpty(t, pdf)
	assert.Equal(t, int32(2), hits.Load())
	assertNoScratchFiles(t, tempDir)
}

func TestRenderPDFPrintFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	boom := errors.New("chrome crashed")
	r, tempDir := newTestRenderer(t, func(context.Context, string, string) error {
		return boom
	})

	_, err := r.RenderPDF(context.Background(), srv.URL, "doc.pdf")
	var re *RenderError
	require.ErrorAs(t, err, &re)
	require.ErrorIs(t, err, boom)
	assertNoScratchFiles(t, tempDir)
}

func TestRenderPDFMissingOutputIsRenderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	// The print step "succeeds" without producing a file.
	r, tempDir := newTestRenderer(t, func(context.Context, string, string) error {
		return nil
	})

	_, err := r.RenderPDF(context.Background(), srv.URL, "doc.pdf")
	var re *RenderError
	require.ErrorAs(t, err, &re)
	assertNoScratchFiles(t, tempDir)
}

func TestChromeSandboxStaysOnByDefault(t *testing.T) {
	base := chromeOpts(false)
	relaxed := chromeOpts(true)
	assert.Len(t, relaxed, len(base)+1, "the no-sandbox flag is opt-in only")
}

func TestRenderPDFUnreachableHost(t *testing.T) {
	r, tempDir := newTestRenderer(t, func(context.Context, string, string) error {
		t.Fatal("browser must not launch")
		return nil
	})

	_, err := r.RenderPDF(context.Background(), "http://127.0.0.1:1/missing.html", "doc.pdf")
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assertNoScratchFiles(t, tempDir)
}
