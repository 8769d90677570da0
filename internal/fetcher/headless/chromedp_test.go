package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer fetcher.Close()
	require.Equal(t, 2, cap(fetcher.limiter))
	require.Equal(t, 45*time.Second, fetcher.cfg.NavigationTimeout)
	require.Equal(t, 500*time.Millisecond, fetcher.cfg.SettleDelay)
}

func TestAcquireRespectsContext(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{limiter: make(chan struct{}, 1)}
	require.NoError(t, fetcher.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, fetcher.acquire(ctx), context.Canceled)

	fetcher.release()
	require.NoError(t, fetcher.acquire(context.Background()))
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	got := toNetworkHeaders(http.Header{"X-Multi": {"a", "b"}, "X-One": {"c"}, "X-Empty": {}})
	require.Equal(t, []string{"a", "b"}, got["X-Multi"])
	require.Equal(t, "c", got["X-One"])
	require.NotContains(t, got, "X-Empty")
}

func TestResponseMetaKeepsMainFrame(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  201,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404, URL: "https://ads.example.net/frame"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://example.com/app.js"},
	})

	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 201, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://example.com/rendered", url)
}

func TestResponseMetaFallbacks(t *testing.T) {
	t.Parallel()

	status, _, url := newResponseMeta().snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)

	_, _, url = newResponseMeta().snapshotWithFallbacks("https://req", "")
	require.Equal(t, "https://req", url)
}

func TestNoopFetcherError(t *testing.T) {
	t.Parallel()

	_, err := NewNoop().Fetch(context.Background(), discovery.FetchRequest{})
	require.ErrorIs(t, err, ErrDisabled)
}
