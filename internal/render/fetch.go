package render

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const fallbackUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"

// fetcher downloads a URL to a local file. The primary client is strict;
// the fallback is lenient (browser UA, relaxed TLS, longer timeout) and
// is tried once before the job fails with a FetchError.
type fetcher struct {
	primary  *http.Client
	fallback *http.Client
	log      zerolog.Logger
}

func newFetcher(timeout time.Duration, log zerolog.Logger) *fetcher {
	return &fetcher{
		primary: &http.Client{Timeout: timeout},
		fallback: &http.Client{
			Timeout: timeout + 15*time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		log: log,
	}
}

func (f *fetcher) download(ctx context.Context, url, dest string) error {
	err := f.fetchTo(ctx, f.primary, url, dest, "")
	if err == nil {
		return nil
	}
	f.log.Warn().Err(err).Str("url", url).Msg("primary fetch failed, trying fallback")

	if err2 := f.fetchTo(ctx, f.fallback, url, dest, fallbackUA); err2 != nil {
		return &FetchError{URL: url, Err: err2}
	}
	return nil
}

func (f *fetcher) fetchTo(ctx context.Context, client *http.Client, url, dest, userAgent string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
