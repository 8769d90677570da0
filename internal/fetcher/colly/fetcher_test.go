package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

func TestFetchReturnsPage(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("X-Trace") != "yes" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<form><input name=email></form>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "sentinel-test", Timeout: time.Second})
	req := discovery.FetchRequest{URL: srv.URL + "/signup", Headers: http.Header{"X-Trace": {"yes"}}}

	page, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Contains(t, string(page.Body), "input name=email")
	require.Equal(t, "text/html", page.ContentType)
	require.Equal(t, "sentinel-test", page.UserAgent)
	require.Equal(t, "127.0.0.1", page.SourceIP)

	_, err = f.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, int32(2), hits.Load())
}

func TestFetchSurfacesErrorStatusAsPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	defer srv.Close()

	page, err := New(Config{}).Fetch(context.Background(), discovery.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, page.StatusCode)
	require.Equal(t, "down", string(page.Body))
}

func TestFetchNetworkFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	_, err := New(Config{Timeout: time.Second}).Fetch(context.Background(), discovery.FetchRequest{URL: addr})
	require.Error(t, err)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := discovery.FetchRequest{
		URL:     "https://example.com/signup",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	state := &fetchState{}

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), state)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request: &colly.Request{
			URL:     mustParseURL(t, "https://example.com/final"),
			Headers: &http.Header{"User-Agent": {"ua"}},
		},
	})
	require.Equal(t, http.StatusCreated, state.page.StatusCode)
	require.Equal(t, "body", string(state.page.Body))
	require.Equal(t, "ok", state.page.Headers.Get("X-Resp"))
	require.Equal(t, "https://example.com/final", state.page.FinalURL)
	require.Equal(t, "ua", state.page.UserAgent)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, state.err, "boom")
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	collyReq := &colly.Request{Headers: &http.Header{}}
	copyHeaders(discovery.FetchRequest{}, collyReq)
	require.Empty(t, *collyReq.Headers)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
