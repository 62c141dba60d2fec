package render

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// A4 in inches, with the margins invoices are laid out for.
const (
	paperWidthIn  = 8.27
	paperHeightIn = 11.69
	marginIn      = 0.4

	networkQuiet = 500 * time.Millisecond
)

// chromeOpts builds the exec allocator options. Chrome's own sandbox
// stays on unless the container-only escape hatch is enabled.
func chromeOpts(noSandbox bool) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.Flag("hide-scrollbars", true),
	)
	if noSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return opts
}

// chromePrinter returns the print step backed by an isolated headless
// Chrome instance. The page is loaded via file:// and never re-fetched
// over the network; printing waits for the network to go quiet so
// late-loading assets (logos, fonts) make it into the output. The whole
// run is bounded by the caller's context.
func chromePrinter(noSandbox bool) printFunc {
	return func(ctx context.Context, htmlPath, pdfPath string) error {
		return printWithChrome(ctx, htmlPath, pdfPath, noSandbox)
	}
}

func printWithChrome(ctx context.Context, htmlPath, pdfPath string, noSandbox bool) error {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, chromeOpts(noSandbox)...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	idle := newIdleWatch(taskCtx, networkQuiet)

	var pdf []byte
	err := chromedp.Run(taskCtx,
		network.Enable(),
		chromedp.Navigate("file://"+htmlPath),
		chromedp.ActionFunc(idle.wait),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(paperWidthIn).
				WithPaperHeight(paperHeightIn).
				WithMarginTop(marginIn).
				WithMarginBottom(marginIn).
				WithMarginLeft(marginIn).
				WithMarginRight(marginIn).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = buf
			return nil
		}),
	)
	if err != nil {
		return err
	}
	return os.WriteFile(pdfPath, pdf, 0o600)
}

// idleWatch signals once no network request has been in flight for a
// quiet window. A local file with no subresources settles after one
// window; pages pulling remote assets settle when the last one lands.
type idleWatch struct {
	quiet time.Duration

	mu       sync.Mutex
	inflight int
	timer    *time.Timer

	done chan struct{}
	once sync.Once
}

func newIdleWatch(ctx context.Context, quiet time.Duration) *idleWatch {
	w := &idleWatch{quiet: quiet, done: make(chan struct{})}
	w.arm()
	chromedp.ListenTarget(ctx, func(ev any) {
		switch ev.(type) {
		case *network.EventRequestWillBeSent:
			w.mu.Lock()
			w.inflight++
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			w.mu.Lock()
			if w.inflight > 0 {
				w.inflight--
			}
			if w.inflight == 0 {
				w.arm()
			}
			w.mu.Unlock()
		}
	})
	return w
}

// arm (re)starts the quiet timer. Callers other than the constructor
// hold w.mu.
func (w *idleWatch) arm() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.quiet, func() {
		w.once.Do(func() { close(w.done) })
	})
}

func (w *idleWatch) wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
