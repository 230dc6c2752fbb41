package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pxys-io/ephemeral-sync/internal/testutil"
)

func newFetcher(t *testing.T, clock clockwork.Clock) (*HTTPFetcher, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/tmp", 0o755))
	return NewHTTPFetcher(fs, 5*time.Second, clock, testutil.Logger()), fs
}

func TestHTTPFetcher_Downloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	f, fs := newFetcher(t, clockwork.NewFakeClock())
	require.NoError(t, f.Fetch(context.Background(), srv.URL+"/a.zip", "/tmp/a.zip"))

	data, err := afero.ReadFile(fs, "/tmp/a.zip")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestHTTPFetcher_RetriesWithBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	f, fs := newFetcher(t, clock)

	done := make(chan error, 1)
	go func() {
		done <- f.Fetch(context.Background(), srv.URL+"/a.zip", "/tmp/a.zip")
	}()

	clock.BlockUntil(1)
	clock.Advance(DefaultFetchBackoff)
	clock.BlockUntil(1)
	clock.Advance(2 * DefaultFetchBackoff)

	require.NoError(t, <-done)
	assert.Equal(t, int32(3), calls.Load())

	data, err := afero.ReadFile(fs, "/tmp/a.zip")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestHTTPFetcher_GivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	f, _ := newFetcher(t, clock)

	done := make(chan error, 1)
	go func() {
		done <- f.Fetch(context.Background(), srv.URL+"/a.zip", "/tmp/a.zip")
	}()

	clock.BlockUntil(1)
	clock.Advance(DefaultFetchBackoff)
	clock.BlockUntil(1)
	clock.Advance(2 * DefaultFetchBackoff)

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, int32(DefaultFetchAttempts), calls.Load())
}

func TestHTTPFetcher_ClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f, _ := newFetcher(t, clockwork.NewFakeClock())
	err := f.Fetch(context.Background(), srv.URL+"/missing.zip", "/tmp/a.zip")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPFetcher_CancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	f, _ := newFetcher(t, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.Fetch(ctx, srv.URL+"/a.zip", "/tmp/a.zip")
	}()

	clock.BlockUntil(1)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
}
