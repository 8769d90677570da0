// Package extraction turns fetched signup pages into validated field
// descriptors through an AI extraction collaborator, under a bounded retry
// budget.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
	"github.com/JakeFAU/signup-sentinel/internal/extraction/trap"
)

const maxRawOutput = 64 << 10

// Request is the input of one extraction.
type Request struct {
	CampaignID    string
	SessionID     string
	Page          discovery.Page
	Schema        discovery.Schema
	UseScreenshot bool
}

// Engine runs extraction attempts and records each one.
type Engine struct {
	extractor discovery.Extractor
	recorder  discovery.AuditRecorder
	ids       discovery.IDGenerator
	clock     discovery.Clock
	detectors []trap.Detector
	sleep     func(context.Context, time.Duration) error
	logger    *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithDetectors replaces the default trap detectors.
func WithDetectors(detectors ...trap.Detector) Option {
	return func(e *Engine) {
		e.detectors = detectors
	}
}

// WithSleep overrides the backoff wait, mainly for tests.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(e *Engine) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine wires an Engine.
func NewEngine(
	extractor discovery.Extractor,
	recorder discovery.AuditRecorder,
	ids discovery.IDGenerator,
	clock discovery.Clock,
	opts ...Option,
) *Engine {
	e := &Engine{
		extractor: extractor,
		recorder:  recorder,
		ids:       ids,
		clock:     clock,
		detectors: trap.Default(),
		sleep:     Sleep,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("extraction")
	return e
}

// Attempt performs exactly one extraction call with the given retry count and
// records its ExtractionAttempt. Trap findings never fail the attempt.
func (e *Engine) Attempt(ctx context.Context, req Request, retryCount int) (discovery.Delta, discovery.ExtractionAttempt, error) {
	pageURL := req.Page.FinalURL
	if pageURL == "" {
		pageURL = req.Page.URL
	}
	attempt := discovery.ExtractionAttempt{
		CampaignID:  req.CampaignID,
		SessionID:   req.SessionID,
		URL:         pageURL,
		RetryCount:  retryCount,
		AttemptedAt: e.clock.Now(),
	}
	if id, err := e.ids.NewID(); err == nil {
		attempt.ID = id
	} else {
		e.logger.Warn("extraction attempt id generation failed", zap.Error(err))
	}

	in := discovery.ExtractionInput{
		URL:        pageURL,
		HTML:       string(req.Page.Body),
		SchemaHint: SchemaHint(req.Schema),
	}
	if req.UseScreenshot {
		in.Screenshot = req.Page.Screenshot
	}

	start := time.Now()
	out, err := e.extractor.Extract(ctx, in)
	attempt.DurationMs = time.Since(start).Milliseconds()
	attempt.Model = out.Model
	attempt.TokensIn = out.TokensIn
	attempt.TokensOut = out.TokensOut
	attempt.RawOutput = truncate(out.Raw, maxRawOutput)

	if err != nil {
		return e.fail(attempt, discovery.ProviderFailure, fmt.Errorf("extractor call: %w", err))
	}

	fields, perr := Parse(out.Raw, req.Schema)
	findings := trap.Run(e.detectors, trap.Input{HTML: in.HTML, Raw: out.Raw, Fields: fields})
	attempt.AddTrapHit(findings.Hits...)

	if perr != nil {
		kind := discovery.SchemaInvalid
		if errors.Is(perr, errMalformed) {
			kind = discovery.ProviderFailure
		}
		return e.fail(attempt, kind, perr)
	}

	attempt.SchemaOK = true
	e.record(attempt)

	delta := discovery.Delta{
		URL:        pageURL,
		Fields:     usableFields(fields, findings),
		TrapHits:   findings.Hits,
		TrapFields: findings.Fields,
		RetryCount: retryCount,
		Model:      out.Model,
	}
	e.logger.Debug("extraction attempt succeeded",
		zap.String("session_id", req.SessionID),
		zap.Int("retry_count", retryCount),
		zap.Int("fields", len(delta.Fields)),
		zap.Strings("trap_hits", delta.TrapHits),
	)
	return delta, attempt, nil
}

// Hooks let a caller observe and steer an Extract loop. Every field is
// optional.
type Hooks struct {
	// Attempting runs before each extraction call.
	Attempting func(retryCount int)
	// Accept decides whether a schema-valid delta ends the loop. A nil Accept
	// takes the first one.
	Accept func(delta discovery.Delta) bool
	// Retrying runs before each backoff wait.
	Retrying func(retryCount int)
}

// Extract runs attempts until one is accepted or counter is exhausted. Each
// attempt draws one unit from counter, which may already be partly spent, and
// attempts are numbered from zero. Exhaustion is reported as ProviderFailure
// when the last failure came from the collaborator and as SchemaExhausted
// otherwise.
func (e *Engine) Extract(ctx context.Context, req Request, budget Budget, counter *Counter, hooks Hooks) (discovery.Delta, error) {
	if counter == nil {
		counter = NewCounter(budget)
	}
	var lastErr error
	for n := 0; ; n++ {
		if _, ok := counter.Next(); !ok {
			return discovery.Delta{}, exhausted(lastErr)
		}
		if hooks.Attempting != nil {
			hooks.Attempting(n)
		}
		delta, _, err := e.Attempt(ctx, req, n)
		if err == nil {
			if hooks.Accept == nil || hooks.Accept(delta) {
				return delta, nil
			}
		}
		lastErr = err
		if counter.Exhausted() || ctx.Err() != nil {
			return discovery.Delta{}, exhausted(lastErr)
		}
		if hooks.Retrying != nil {
			hooks.Retrying(n)
		}
		if serr := e.sleep(ctx, budget.Backoff(n)); serr != nil {
			return discovery.Delta{}, exhausted(lastErr)
		}
	}
}

func exhausted(last error) error {
	if discovery.ErrorKind(last) == string(discovery.ProviderFailure) {
		return &discovery.ExtractionError{Kind: discovery.ProviderFailure, Err: last}
	}
	if last == nil {
		last = errors.New("retry budget exhausted")
	}
	return &discovery.ExtractionError{Kind: discovery.SchemaExhausted, Err: last}
}

func (e *Engine) fail(attempt discovery.ExtractionAttempt, kind discovery.ExtractionErrorKind, err error) (discovery.Delta, discovery.ExtractionAttempt, error) {
	attempt.ErrorKind = string(kind)
	e.record(attempt)
	e.logger.Info("extraction attempt failed",
		zap.String("session_id", attempt.SessionID),
		zap.Int("retry_count", attempt.RetryCount),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	return discovery.Delta{}, attempt, &discovery.ExtractionError{Kind: kind, Err: err}
}

func (e *Engine) record(attempt discovery.ExtractionAttempt) {
	if e.recorder == nil {
		return
	}
	e.recorder.Record(discovery.ExtractionEvent(attempt))
}

// usableFields drops flagged fields and repeated names, keeping the first
// occurrence of each.
func usableFields(fields []discovery.FieldDescriptor, findings trap.Result) []discovery.FieldDescriptor {
	seen := make(map[string]bool, len(fields))
	out := make([]discovery.FieldDescriptor, 0, len(fields))
	for _, f := range fields {
		key := f.Key()
		if seen[key] || findings.Flagged(key) {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}
	return out
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
