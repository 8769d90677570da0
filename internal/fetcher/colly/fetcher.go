// Package collyfetcher implements the HTTP page fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// Fetcher implements discovery.PageFetcher using the Colly collector. It
// performs exactly one request per Fetch and leaves robots handling to the
// compliance gate.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchState collects what the hooks and the connection trace observe.
type fetchState struct {
	page      discovery.Page
	err       error
	localAddr net.Addr
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.MaxDepth = 0
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a single HTTP GET. Non-2xx responses are returned as pages;
// classifying them is the caller's job.
func (f *Fetcher) Fetch(ctx context.Context, request discovery.FetchRequest) (discovery.Page, error) {
	state := &fetchState{}
	start := time.Now()
	collector := f.buildCollector(ctx, request, start, state)

	if err := f.runCollector(ctx, collector, request.URL, state); err != nil {
		return discovery.Page{URL: request.URL, Duration: time.Since(start), UserAgent: collector.UserAgent, SourceIP: hostOnly(state.localAddr)}, err
	}
	state.page.SourceIP = hostOnly(state.localAddr)
	return state.page, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request discovery.FetchRequest,
	start time.Time,
	state *fetchState,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if info.Conn != nil {
				state.localAddr = info.Conn.LocalAddr()
			}
		},
	}
	collector.Context = httptrace.WithClientTrace(ctx, trace)
	f.configureCollectorHooks(collector, request, start, state)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request discovery.FetchRequest,
	start time.Time,
	state *fetchState,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		state.page = discovery.Page{
			URL:         request.URL,
			FinalURL:    r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			Headers:     r.Headers.Clone(),
			Body:        append([]byte(nil), r.Body...),
			ContentType: r.Headers.Get("Content-Type"),
			Duration:    time.Since(start),
			UserAgent:   r.Request.Headers.Get("User-Agent"),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		state.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, state *fetchState) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if state.err != nil {
			return fmt.Errorf("colly response failed: %w", state.err)
		}
		return nil
	}
}

func copyHeaders(request discovery.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func hostOnly(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
