package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
	"github.com/JakeFAU/signup-sentinel/internal/metrics"
)

var (
	errBothRecords = errors.New("audit event carries both a fetch and an extraction record")
	errNoRecord    = errors.New("audit event carries no record")
	errNoTimestamp = errors.New("audit record has no timestamp")
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxBatchEvents: flush once this many records queue (default 256).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 250ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
type Config struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub aggregates attempt records and fans them out to registered sinks. It is
// safe for concurrent use and never blocks callers.
type Hub struct {
	cfg         Config
	sinks       []Sink
	events      chan discovery.AuditEvent
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	droppedAll  atomic.Int64

	// mu orders sends against Close so nothing lands in events after drain.
	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the background batching goroutine for sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		events:      make(chan discovery.AuditEvent, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger.Named("audit"),
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Record enqueues evt. It never blocks; when the buffer is full or the hub is
// closed the record is logged in full at error level and counted as dropped.
func (h *Hub) Record(evt discovery.AuditEvent) {
	if h == nil {
		return
	}
	if err := Validate(evt); err != nil {
		h.logger.Error("discarding invalid audit event", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.drop(evt, "hub closed")
		return
	}
	select {
	case h.events <- evt:
	default:
		h.drop(evt, "buffer full")
	}
}

// Dropped returns the number of records dropped since the hub started.
func (h *Hub) Dropped() int64 {
	return h.droppedAll.Load()
}

func (h *Hub) drop(evt discovery.AuditEvent, cause string) {
	metrics.ObserveAuditDropped()
	h.droppedAll.Add(1)
	h.dropped.Add(1)
	h.logger.Error("audit write failure", append(recordFields(evt), zap.String("cause", cause))...)
	if h.dropLimiter.Allow(time.Now()) {
		count := h.dropped.Swap(0)
		h.logger.Warn("audit records dropped due to backpressure", zap.Int64("dropped", count))
	}
}

// Close drains buffered records, flushes and closes sinks, and waits for the
// background goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]discovery.AuditEvent, 0, h.cfg.MaxBatchEvents)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
				stopTimer(timer, &timerActive)
			} else if !timerActive {
				timer.Reset(h.cfg.MaxBatchWait)
				timerActive = true
			}
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.stopCh:
			stopTimer(timer, &timerActive)
			h.drain(batch)
			return
		}
	}
}

func (h *Hub) drain(batch []discovery.AuditEvent) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				h.flush(batch)
			}
			h.closeSinks()
			return
		}
	}
}

func stopTimer(timer *time.Timer, active *bool) {
	if !*active {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*active = false
}

func (h *Hub) flush(batch []discovery.AuditEvent) {
	if len(batch) == 0 {
		return
	}
	copyBatch := append([]discovery.AuditEvent(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := sink.Consume(ctx, copyBatch)
		cancel()
		if err != nil {
			metrics.ObserveAuditSinkFailure(sink.Name())
			h.logger.Error("audit sink consume failed",
				zap.String("sink", sink.Name()),
				zap.Int("batch", len(copyBatch)),
				zap.Error(err),
			)
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("audit sink close failed", zap.String("sink", sink.Name()), zap.Error(err))
		}
	}
}

// recordFields renders every attribute of the record carried by evt.
func recordFields(evt discovery.AuditEvent) []zap.Field {
	switch {
	case evt.Fetch != nil:
		a := evt.Fetch
		return []zap.Field{
			zap.String("kind", "fetch"),
			zap.String("id", a.ID),
			zap.String("campaign_id", a.CampaignID),
			zap.String("session_id", a.SessionID),
			zap.String("url", a.URL),
			zap.String("host", a.Host),
			zap.String("status", string(a.Status)),
			zap.String("reason", a.Reason),
			zap.Bool("robots_allowed", a.RobotsAllowed),
			zap.Bool("rate_limited", a.RateLimited),
			zap.Int("response_code", a.ResponseCode),
			zap.Int64("content_length", a.ContentLength),
			zap.Int64("duration_ms", a.DurationMs),
			zap.String("user_agent", a.UserAgent),
			zap.String("source_ip", a.SourceIP),
			zap.Bool("headless", a.Headless),
			zap.Time("attempted_at", a.AttemptedAt),
		}
	case evt.Extraction != nil:
		a := evt.Extraction
		return []zap.Field{
			zap.String("kind", "extraction"),
			zap.String("id", a.ID),
			zap.String("campaign_id", a.CampaignID),
			zap.String("session_id", a.SessionID),
			zap.String("url", a.URL),
			zap.String("model", a.Model),
			zap.Int64("tokens_in", a.TokensIn),
			zap.Int64("tokens_out", a.TokensOut),
			zap.Bool("schema_ok", a.SchemaOK),
			zap.Int("retry_count", a.RetryCount),
			zap.Strings("trap_hit", a.TrapHit),
			zap.String("error_kind", a.ErrorKind),
			zap.String("raw_output", a.RawOutput),
			zap.Int64("duration_ms", a.DurationMs),
			zap.Time("attempted_at", a.AttemptedAt),
		}
	default:
		return nil
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
