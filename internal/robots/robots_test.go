package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

type recorder struct {
	mu     sync.Mutex
	events []discovery.AuditEvent
}

func (r *recorder) Record(event discovery.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) fetches() []discovery.FetchAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []discovery.FetchAttempt
	for _, e := range r.events {
		if e.Fetch != nil {
			out = append(out, *e.Fetch)
		}
	}
	return out
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.n.Add(1)), nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newRefresher(t *testing.T, cache *Cache, rec *recorder) *Refresher {
	t.Helper()
	return NewRefresher(cache, nil, RefresherConfig{UserAgent: "sentinel-test"}, rec, &seqIDs{}, fixedClock{now: time.Unix(1_700_000_000, 0)}, nil)
}

func TestCacheTestHonoursDirectives(t *testing.T) {
	t.Parallel()

	cache := NewCache(time.Hour, nil)
	require.NoError(t, cache.StoreResponse("example.com", http.StatusOK, []byte("User-agent: *\nDisallow: /private")))

	allowed, known := cache.Test("EXAMPLE.com", "/signup", "sentinel")
	require.True(t, known)
	require.True(t, allowed)

	allowed, known = cache.Test("example.com", "/private/form", "sentinel")
	require.True(t, known)
	require.False(t, allowed)

	_, known = cache.Test("other.example.com", "/", "sentinel")
	require.False(t, known)
}

func TestCacheStatusSemantics(t *testing.T) {
	t.Parallel()

	cache := NewCache(0, nil)
	require.NoError(t, cache.StoreResponse("missing.example.com", http.StatusNotFound, nil))
	require.NoError(t, cache.StoreResponse("broken.example.com", http.StatusServiceUnavailable, nil))

	allowed, known := cache.Test("missing.example.com", "/anything", "ua")
	require.True(t, known)
	require.True(t, allowed)

	allowed, known = cache.Test("broken.example.com", "/anything", "ua")
	require.True(t, known)
	require.False(t, allowed)
}

func TestCacheExpiry(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	cache := NewCache(time.Minute, func() time.Time { return now })
	require.NoError(t, cache.StoreResponse("example.com", http.StatusOK, []byte("User-agent: *\nAllow: /")))
	require.True(t, cache.Fresh("example.com"))

	now = now.Add(2 * time.Minute)
	require.False(t, cache.Fresh("example.com"))
	_, known := cache.Test("example.com", "/", "ua")
	require.False(t, known)
}

func TestRefresherEnsureLoadsAndAudits(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	var userAgent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			userAgent.Store(r.Header.Get("User-Agent"))
			fmt.Fprintln(w, "User-agent: *\nDisallow: /admin")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cache := NewCache(time.Hour, nil)
	rec := &recorder{}
	refresher := newRefresher(t, cache, rec)

	req := discovery.FetchRequest{CampaignID: "c1", SessionID: "s1", URL: srv.URL + "/signup"}
	require.NoError(t, refresher.Ensure(context.Background(), req))
	require.NoError(t, refresher.Ensure(context.Background(), req))
	require.Equal(t, int32(1), hits.Load())
	require.Equal(t, "sentinel-test", userAgent.Load())

	host := strings.TrimPrefix(srv.URL, "http://")
	allowed, known := cache.Test(host, "/admin", "sentinel-test")
	require.True(t, known)
	require.False(t, allowed)

	fetches := rec.fetches()
	require.Len(t, fetches, 1)
	require.Equal(t, discovery.StatusAllowed, fetches[0].Status)
	require.Equal(t, ReasonRobotsRefresh, fetches[0].Reason)
	require.Equal(t, "c1", fetches[0].CampaignID)
	require.Equal(t, http.StatusOK, fetches[0].ResponseCode)
	require.Equal(t, "127.0.0.1", fetches[0].SourceIP)
	require.Positive(t, fetches[0].ContentLength)
}

func TestRefresherNetworkFailureLeavesCacheEmpty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	cache := NewCache(time.Hour, nil)
	rec := &recorder{}
	refresher := newRefresher(t, cache, rec)

	err := refresher.Ensure(context.Background(), discovery.FetchRequest{URL: addr + "/signup"})
	require.Error(t, err)
	require.False(t, cache.Fresh(strings.TrimPrefix(addr, "http://")))

	fetches := rec.fetches()
	require.Len(t, fetches, 1)
	require.Equal(t, discovery.StatusError, fetches[0].Status)
}

func TestRefresherAuditsEveryPhysicalCall(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		time.Sleep(5 * time.Millisecond)
		fmt.Fprintln(w, "User-agent: *\nAllow: /")
	}))
	defer srv.Close()

	cache := NewCache(time.Nanosecond, nil)
	rec := &recorder{}
	refresher := newRefresher(t, cache, rec)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = refresher.Ensure(context.Background(), discovery.FetchRequest{URL: srv.URL + "/"})
		}()
	}
	wg.Wait()

	require.Equal(t, int(hits.Load()), len(rec.fetches()))
}

func TestRefresherRunRefreshesKnownOrigins(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprintln(w, "User-agent: *\nAllow: /")
	}))
	defer srv.Close()

	cache := NewCache(time.Hour, nil)
	refresher := newRefresher(t, cache, &recorder{})
	require.NoError(t, refresher.Ensure(context.Background(), discovery.FetchRequest{URL: srv.URL + "/"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		refresher.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return hits.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestRefreshAllStopsWhenPacingIsCancelled(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprintln(w, "User-agent: *\nAllow: /")
	}))
	defer srv.Close()

	cache := NewCache(time.Hour, nil)
	r := NewRefresher(cache, nil, RefresherConfig{UserAgent: "sentinel-test", SweepRate: 0.001}, &recorder{}, &seqIDs{}, fixedClock{now: time.Unix(1_700_000_000, 0)}, nil)
	require.NoError(t, r.Ensure(context.Background(), discovery.FetchRequest{URL: srv.URL + "/signup"}))
	require.Equal(t, int32(1), hits.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, r.RefreshAll(ctx))
	require.Equal(t, int32(2), hits.Load())

	err := r.RefreshAll(ctx)
	require.ErrorContains(t, err, "robots sweep")
	require.Equal(t, int32(2), hits.Load())
}
