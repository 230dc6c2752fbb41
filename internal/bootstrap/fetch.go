package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

const (
	DefaultFetchAttempts = 3
	DefaultFetchBackoff  = 2 * time.Second
)

// Fetcher downloads a URL to a local file
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) error
}

// HTTPFetcher downloads over HTTP, retrying transient failures with
// exponential backoff
type HTTPFetcher struct {
	Client   *http.Client
	Fs       afero.Fs
	Attempts int
	Backoff  time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// NewHTTPFetcher creates a fetcher whose requests time out after timeout
func NewHTTPFetcher(fs afero.Fs, timeout time.Duration, clock clockwork.Clock, logger *slog.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		Client:   &http.Client{Timeout: timeout},
		Fs:       fs,
		Attempts: DefaultFetchAttempts,
		Backoff:  DefaultFetchBackoff,
		Clock:    clock,
		Logger:   logger,
	}
}

// statusError is an unexpected HTTP response
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d %s", e.code, http.StatusText(e.code))
}

// retryable reports whether another attempt could succeed. Client errors
// other than throttling are final.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// Fetch downloads url into dest
func (f *HTTPFetcher) Fetch(ctx context.Context, url, dest string) error {
	attempts := f.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = f.fetchOnce(ctx, url, dest)
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt == attempts {
			break
		}

		wait := f.Backoff << (attempt - 1)
		f.Logger.Warn("download failed, retrying",
			"url", url,
			"attempt", attempt,
			"retry_in", wait,
			"error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.Clock.After(wait):
		}
	}

	return fmt.Errorf("failed to download %s: %w", url, err)
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode}
	}

	out, err := f.Fs.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
