package robots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

const maxRobotsBytes = 1 << 20

// ReasonRobotsRefresh tags fetch attempts made for robots.txt itself.
const ReasonRobotsRefresh = "robots-refresh"

// RefresherConfig tunes robots retrieval.
type RefresherConfig struct {
	UserAgent string
	Timeout   time.Duration
	// SweepRate caps robots requests per second during RefreshAll. Zero means
	// no pacing.
	SweepRate float64
}

// Refresher retrieves robots.txt files into a Cache. Every retrieval is
// recorded as a fetch attempt.
type Refresher struct {
	cache    *Cache
	client   *http.Client
	cfg      RefresherConfig
	recorder discovery.AuditRecorder
	ids      discovery.IDGenerator
	clock    discovery.Clock
	logger   *zap.Logger

	group singleflight.Group
	pace  *rate.Limiter

	mu      sync.Mutex
	origins map[string]struct{}
}

// NewRefresher wires a Refresher. client may be nil.
func NewRefresher(
	cache *Cache,
	client *http.Client,
	cfg RefresherConfig,
	recorder discovery.AuditRecorder,
	ids discovery.IDGenerator,
	clock discovery.Clock,
	logger *zap.Logger,
) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	pace := rate.NewLimiter(rate.Inf, 1)
	if cfg.SweepRate > 0 {
		pace = rate.NewLimiter(rate.Limit(cfg.SweepRate), 1)
	}
	return &Refresher{
		pace:     pace,
		cache:    cache,
		client:   client,
		cfg:      cfg,
		recorder: recorder,
		ids:      ids,
		clock:    clock,
		logger:   logger.Named("robots"),
		origins:  make(map[string]struct{}),
	}
}

// Ensure loads robots data for the request URL's host when the cache has no
// fresh entry.
func (r *Refresher) Ensure(ctx context.Context, req discovery.FetchRequest) error {
	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("robots ensure: invalid url %q", req.URL)
	}
	if r.cache.Fresh(parsed.Host) {
		return nil
	}
	return r.refresh(ctx, parsed.Scheme, parsed.Host, req)
}

// RefreshAll reloads every origin seen so far, paced by SweepRate.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, origin := range r.knownOrigins() {
		if err := r.pace.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("robots sweep: %w", err))
			break
		}
		scheme, host, _ := strings.Cut(origin, "://")
		if err := r.refresh(ctx, scheme, host, discovery.FetchRequest{}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run refreshes known origins every interval until ctx is done.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RefreshAll(ctx); err != nil {
				r.logger.Warn("scheduled robots refresh failed", zap.Error(err))
			}
		}
	}
}

func (r *Refresher) refresh(ctx context.Context, scheme, host string, req discovery.FetchRequest) error {
	if scheme == "" {
		scheme = "https"
	}
	origin := scheme + "://" + strings.ToLower(host)
	r.remember(origin)
	_, err, _ := r.group.Do(origin, func() (any, error) {
		return nil, r.fetch(ctx, origin, host, req)
	})
	if err != nil {
		return fmt.Errorf("refresh robots for %s: %w", host, err)
	}
	return nil
}

func (r *Refresher) fetch(ctx context.Context, origin, host string, req discovery.FetchRequest) error {
	robotsURL := origin + "/robots.txt"
	attempt := discovery.FetchAttempt{
		CampaignID:    req.CampaignID,
		SessionID:     req.SessionID,
		URL:           robotsURL,
		Host:          strings.ToLower(host),
		Reason:        ReasonRobotsRefresh,
		RobotsAllowed: true,
		UserAgent:     r.cfg.UserAgent,
		AttemptedAt:   r.clock.Now(),
	}
	if id, err := r.ids.NewID(); err == nil {
		attempt.ID = id
	}
	start := time.Now()
	defer func() {
		attempt.DurationMs = time.Since(start).Milliseconds()
		if r.recorder != nil {
			r.recorder.Record(discovery.FetchEvent(attempt))
		}
	}()

	var localAddr net.Addr
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if info.Conn != nil {
				localAddr = info.Conn.LocalAddr()
			}
		},
	}
	httpReq, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, robotsURL, nil)
	if err != nil {
		attempt.Status = discovery.StatusError
		return fmt.Errorf("new robots request: %w", err)
	}
	if r.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", r.cfg.UserAgent)
	}
	resp, err := r.client.Do(httpReq)
	attempt.SourceIP = hostOnly(localAddr)
	if err != nil {
		attempt.Status = discovery.StatusError
		return fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	attempt.ResponseCode = resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	attempt.ContentLength = int64(len(body))
	if err != nil {
		attempt.Status = discovery.StatusError
		return fmt.Errorf("read robots body: %w", err)
	}
	if err := r.cache.StoreResponse(host, resp.StatusCode, body); err != nil {
		attempt.Status = discovery.StatusError
		return err
	}
	attempt.Status = discovery.StatusAllowed
	r.logger.Debug("robots refreshed",
		zap.String("host", host),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
	)
	return nil
}

func (r *Refresher) remember(origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.origins[origin] = struct{}{}
}

func (r *Refresher) knownOrigins() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.origins))
	for origin := range r.origins {
		out = append(out, origin)
	}
	sort.Strings(out)
	return out
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
