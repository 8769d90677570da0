// Package audited wraps page retrieval with the compliance gate and records a
// fetch attempt for every call, including the ones the gate refuses.
package audited

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/signup-sentinel/internal/compliance"
	"github.com/JakeFAU/signup-sentinel/internal/discovery"
	"github.com/JakeFAU/signup-sentinel/internal/metrics"
)

// Gate is the compliance check consulted before every network call.
type Gate interface {
	CheckAllowed(rawURL string, policy compliance.Policy) compliance.Decision
}

// RobotsWarmer loads robots directives for a host on demand.
type RobotsWarmer interface {
	Ensure(ctx context.Context, req discovery.FetchRequest) error
}

// Fetcher performs at most one network call per Fetch and never retries.
type Fetcher struct {
	gate     Gate
	policies compliance.Source
	pages    discovery.PageFetcher
	warmer   RobotsWarmer
	recorder discovery.AuditRecorder
	ids      discovery.IDGenerator
	clock    discovery.Clock
	logger   *zap.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithRobotsWarmer lets the fetcher load missing robots data once before
// giving up with robots-unavailable.
func WithRobotsWarmer(w RobotsWarmer) Option {
	return func(f *Fetcher) {
		f.warmer = w
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New wires an audited Fetcher.
func New(
	gate Gate,
	policies compliance.Source,
	pages discovery.PageFetcher,
	recorder discovery.AuditRecorder,
	ids discovery.IDGenerator,
	clock discovery.Clock,
	opts ...Option,
) *Fetcher {
	f := &Fetcher{
		gate:     gate,
		policies: policies,
		pages:    pages,
		recorder: recorder,
		ids:      ids,
		clock:    clock,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.Named("audited_fetcher")
	return f
}

// Fetch checks the gate and, when allowed, retrieves req.URL once. The
// returned attempt is the record handed to the audit sink.
func (f *Fetcher) Fetch(ctx context.Context, req discovery.FetchRequest) (discovery.Page, discovery.FetchAttempt, error) {
	attempt := f.newAttempt(req)

	policy, err := f.policies.Current(ctx)
	if err != nil {
		f.logger.Warn("policy lookup failed", zap.String("url", req.URL), zap.Error(err))
		return f.blocked(attempt, compliance.Decision{Reason: compliance.ReasonPolicyError})
	}
	attempt.UserAgent = policy.UserAgent

	decision := f.gate.CheckAllowed(req.URL, policy)
	if decision.Reason == compliance.ReasonRobotsUnavailable && f.warmer != nil {
		if werr := f.warmer.Ensure(ctx, req); werr != nil {
			f.logger.Debug("robots warm failed", zap.String("url", req.URL), zap.Error(werr))
		} else {
			decision = f.gate.CheckAllowed(req.URL, policy)
		}
	}
	metrics.ObserveGateDecision(req.URL, string(decision.Reason))
	attempt.RobotsAllowed = decision.RobotsAllowed
	attempt.RateLimited = decision.RateLimited
	if !decision.Allowed {
		return f.blocked(attempt, decision)
	}

	start := time.Now()
	page, err := f.pages.Fetch(ctx, req)
	attempt.DurationMs = time.Since(start).Milliseconds()
	attempt.ContentLength = page.ContentLength()
	attempt.ResponseCode = page.StatusCode
	attempt.SourceIP = page.SourceIP
	attempt.Headless = page.Headless
	if page.UserAgent != "" {
		attempt.UserAgent = page.UserAgent
	}

	switch {
	case err != nil:
		attempt.Status = discovery.StatusError
		attempt.Reason = trimReason(err.Error())
		f.record(attempt)
		return page, attempt, &discovery.FetchError{Kind: discovery.NetworkFailure, Err: err}
	case page.StatusCode < 200 || page.StatusCode > 299:
		attempt.Status = discovery.StatusError
		attempt.Reason = fmt.Sprintf("http-%d", page.StatusCode)
		f.record(attempt)
		return page, attempt, &discovery.FetchError{Kind: discovery.HTTPStatus, Code: page.StatusCode}
	default:
		attempt.Status = discovery.StatusAllowed
		attempt.Reason = string(compliance.ReasonAllowed)
		f.record(attempt)
		return page, attempt, nil
	}
}

func (f *Fetcher) blocked(attempt discovery.FetchAttempt, decision compliance.Decision) (discovery.Page, discovery.FetchAttempt, error) {
	attempt.Status = discovery.StatusBlocked
	attempt.Reason = string(decision.Reason)
	attempt.RobotsAllowed = decision.RobotsAllowed
	attempt.RateLimited = decision.RateLimited
	f.record(attempt)
	f.logger.Info("fetch blocked by compliance gate",
		zap.String("campaign_id", attempt.CampaignID),
		zap.String("host", attempt.Host),
		zap.String("reason", attempt.Reason),
	)
	return discovery.Page{}, attempt, &discovery.FetchError{
		Kind:   discovery.PolicyBlocked,
		Reason: attempt.Reason,
	}
}

func (f *Fetcher) newAttempt(req discovery.FetchRequest) discovery.FetchAttempt {
	attempt := discovery.FetchAttempt{
		CampaignID:  req.CampaignID,
		SessionID:   req.SessionID,
		URL:         req.URL,
		AttemptedAt: f.clock.Now(),
	}
	if parsed, err := url.Parse(req.URL); err == nil {
		attempt.Host = strings.ToLower(parsed.Hostname())
	}
	id, err := f.ids.NewID()
	if err != nil {
		f.logger.Warn("fetch attempt id generation failed", zap.Error(err))
	}
	attempt.ID = id
	return attempt
}

func (f *Fetcher) record(attempt discovery.FetchAttempt) {
	if f.recorder == nil {
		return
	}
	f.recorder.Record(discovery.FetchEvent(attempt))
}

// trimReason cuts msg to maxReason bytes without splitting a rune.
func trimReason(msg string) string {
	const maxReason = 256
	if len(msg) <= maxReason {
		return msg
	}
	n := maxReason
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}
