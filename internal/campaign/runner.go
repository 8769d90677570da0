// Package campaign drives one discovery campaign through the fetch, extract
// and escalate state machine.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
	"github.com/JakeFAU/signup-sentinel/internal/escalation"
	"github.com/JakeFAU/signup-sentinel/internal/extraction"
	"github.com/JakeFAU/signup-sentinel/internal/metrics"
	"github.com/JakeFAU/signup-sentinel/internal/requirements"
)

// Request describes one campaign.
type Request = discovery.CampaignRequest

// Fetcher is the audited page fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, req discovery.FetchRequest) (discovery.Page, discovery.FetchAttempt, error)
}

// Extractor runs the bounded extraction loop against a shared counter.
type Extractor interface {
	Extract(ctx context.Context, req extraction.Request, budget extraction.Budget, counter *extraction.Counter, hooks extraction.Hooks) (discovery.Delta, error)
}

// Escalator creates manual backup tickets.
type Escalator interface {
	Escalate(ctx context.Context, req escalation.Request) (discovery.ManualBackupTicket, error)
}

// Promoter decides whether a fetched page needs a rendered retrieval.
type Promoter interface {
	ShouldPromote(page discovery.Page) bool
}

// Observer receives every state transition of every campaign.
type Observer interface {
	Transition(campaignID string, from, to discovery.CampaignState)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(campaignID string, from, to discovery.CampaignState)

// Transition implements Observer.
func (f ObserverFunc) Transition(campaignID string, from, to discovery.CampaignState) {
	f(campaignID, from, to)
}

// Config bounds a campaign.
type Config struct {
	Budget            extraction.Budget       `mapstructure:"budget"`
	TimeBudget        time.Duration           `mapstructure:"time_budget"`
	EscalationTimeout time.Duration           `mapstructure:"escalation_timeout"`
	Thresholds        requirements.Thresholds `mapstructure:"thresholds"`
	SnapshotPrefix    string                  `mapstructure:"snapshot_prefix"`
}

// DefaultConfig returns the budgets used when none are configured.
func DefaultConfig() Config {
	return Config{
		Budget:            extraction.DefaultBudget(),
		TimeBudget:        2 * time.Minute,
		EscalationTimeout: 10 * time.Second,
		Thresholds:        requirements.Thresholds{Default: 0.6},
		SnapshotPrefix:    "snapshots",
	}
}

// Outcome is the terminal result of a campaign.
type Outcome struct {
	CampaignID         string                        `json:"campaign_id"`
	SessionID          string                        `json:"session_id"`
	State              discovery.CampaignState       `json:"state"`
	Reason             string                        `json:"reason,omitempty"`
	Record             *discovery.RequirementsRecord `json:"record,omitempty"`
	Ticket             *discovery.ManualBackupTicket `json:"ticket,omitempty"`
	SnapshotURI        string                        `json:"snapshot_uri,omitempty"`
	FetchAttempts      int                           `json:"fetch_attempts"`
	ExtractionAttempts int                           `json:"extraction_attempts"`
	Transitions        []discovery.CampaignState     `json:"transitions"`
	Err                error                         `json:"-"`
}

// Confidence is the final confidence level, zero without a record.
func (o Outcome) Confidence() float64 {
	if o.Record == nil {
		return 0
	}
	return o.Record.ConfidenceLevel
}

// Runner executes campaigns. A Runner is safe for concurrent use; each Run
// owns its own retry counter.
type Runner struct {
	fetcher   Fetcher
	extractor Extractor
	records   discovery.RequirementsStore
	escalator Escalator
	clock     discovery.Clock
	cfg       Config

	promoter  Promoter
	blobs     discovery.BlobStore
	hasher    discovery.Hasher
	observers []Observer
	sleep     func(context.Context, time.Duration) error
	logger    *zap.Logger
}

// Option customizes a Runner.
type Option func(*Runner)

// WithPromoter enables one headless re-fetch of pages that look client rendered.
func WithPromoter(p Promoter) Option {
	return func(r *Runner) {
		r.promoter = p
	}
}

// WithSnapshots archives fetched pages keyed by content digest.
func WithSnapshots(blobs discovery.BlobStore, hasher discovery.Hasher) Option {
	return func(r *Runner) {
		r.blobs = blobs
		r.hasher = hasher
	}
}

// WithObserver adds a transition observer.
func WithObserver(o Observer) Option {
	return func(r *Runner) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithSleep overrides the fetch retry backoff wait, mainly for tests.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(r *Runner) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner wires a Runner.
func NewRunner(
	fetcher Fetcher,
	extractor Extractor,
	records discovery.RequirementsStore,
	escalator Escalator,
	clock discovery.Clock,
	cfg Config,
	opts ...Option,
) *Runner {
	if cfg.EscalationTimeout <= 0 {
		cfg.EscalationTimeout = 10 * time.Second
	}
	r := &Runner{
		fetcher:   fetcher,
		extractor: extractor,
		records:   records,
		escalator: escalator,
		clock:     clock,
		cfg:       cfg,
		sleep:     extraction.Sleep,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("campaign")
	return r
}

// Run drives req to exactly one terminal state: Sufficient, Blocked or
// Escalated. Outcome.Err is set only when escalation itself failed, in which
// case the campaign is left Exhausted.
func (r *Runner) Run(ctx context.Context, req Request) Outcome {
	metrics.IncActiveCampaigns()
	defer metrics.DecActiveCampaigns()

	out := Outcome{
		CampaignID:  req.CampaignID,
		SessionID:   req.SessionID,
		State:       discovery.StateIdle,
		Transitions: []discovery.CampaignState{discovery.StateIdle},
	}
	if r.cfg.TimeBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.TimeBudget)
		defer cancel()
	}
	schema := req.Schema
	if schema.MinFields == 0 && len(schema.ExpectedCategories) == 0 && len(schema.AllowedTypes) == 0 {
		schema = discovery.DefaultSchema()
	}
	counter := extraction.NewCounter(r.cfg.Budget)
	existing := r.loadRecord(ctx, req.SessionID)
	if existing != nil {
		rec := *existing
		out.Record = &rec
	}

	r.transition(&out, discovery.StateFetching)
	page, blocked, err := r.fetch(ctx, req, counter, &out)
	switch {
	case blocked:
		out.Reason = blockReason(err)
		r.transition(&out, discovery.StateBlocked)
		return r.finish(out)
	case err != nil:
		target := firstURL(req.URLs)
		r.conclude(ctx, req, &out, failureReason(err), target, r.cfg.Thresholds.For(target))
		return r.finish(out)
	}
	out.SnapshotURI = r.archive(ctx, page)

	pageURL := page.FinalURL
	if pageURL == "" {
		pageURL = page.URL
	}
	threshold := r.cfg.Thresholds.For(pageURL)
	ereq := extraction.Request{
		CampaignID:    req.CampaignID,
		SessionID:     req.SessionID,
		Page:          page,
		Schema:        schema,
		UseScreenshot: req.UseScreenshot,
	}

	_, err = r.extractor.Extract(ctx, ereq, r.cfg.Budget, counter, extraction.Hooks{
		Attempting: func(int) {
			r.transition(&out, discovery.StateExtracting)
			out.ExtractionAttempts++
		},
		Accept: func(delta discovery.Delta) bool {
			rec := requirements.Update(existing, delta, schema, r.clock.Now())
			rec.SessionID = req.SessionID
			rec.CampaignID = req.CampaignID
			r.saveRecord(ctx, rec)
			existing = &rec
			snapshot := rec
			out.Record = &snapshot
			return requirements.IsSufficient(rec, threshold)
		},
		Retrying: func(int) {
			r.transition(&out, discovery.StateRetrying)
		},
	})
	if err == nil {
		r.transition(&out, discovery.StateSufficient)
		return r.finish(out)
	}
	r.conclude(ctx, req, &out, failureReason(err), pageURL, threshold)
	return r.finish(out)
}

// fetch tries each URL in order. A policy block moves on to the next URL;
// other failures consume one budget unit and retry the same URL after a
// backoff. blocked is true when every URL was refused by policy.
func (r *Runner) fetch(
	ctx context.Context,
	req Request,
	counter *extraction.Counter,
	out *Outcome,
) (page discovery.Page, blocked bool, err error) {
	if len(req.URLs) == 0 {
		return discovery.Page{}, true, errors.New("no target urls")
	}
	var lastErr error
	for i := 0; i < len(req.URLs); {
		if cerr := ctx.Err(); cerr != nil {
			return discovery.Page{}, false, errors.Join(lastErr, cerr)
		}
		fr := discovery.FetchRequest{
			CampaignID:    req.CampaignID,
			SessionID:     req.SessionID,
			URL:           req.URLs[i],
			UseScreenshot: req.UseScreenshot,
		}
		page, _, ferr := r.fetcher.Fetch(ctx, fr)
		out.FetchAttempts++
		if ferr == nil {
			return r.promote(ctx, fr, page, out), false, nil
		}
		lastErr = ferr
		if discovery.IsPolicyBlocked(ferr) {
			i++
			continue
		}

		n, ok := counter.Next()
		if !ok || counter.Exhausted() {
			return discovery.Page{}, false, lastErr
		}
		r.logger.Debug("fetch failed, retrying",
			zap.String("campaign_id", req.CampaignID),
			zap.String("url", fr.URL),
			zap.Int("budget_remaining", counter.Remaining()),
			zap.Error(ferr),
		)
		if serr := r.sleep(ctx, r.cfg.Budget.Backoff(n)); serr != nil {
			return discovery.Page{}, false, errors.Join(lastErr, serr)
		}
	}
	return discovery.Page{}, true, lastErr
}

func (r *Runner) promote(ctx context.Context, fr discovery.FetchRequest, page discovery.Page, out *Outcome) discovery.Page {
	if r.promoter == nil || fr.UseScreenshot || !r.promoter.ShouldPromote(page) {
		return page
	}
	fr.UseScreenshot = true
	rendered, _, err := r.fetcher.Fetch(ctx, fr)
	out.FetchAttempts++
	if err != nil {
		r.logger.Warn("headless promotion failed",
			zap.String("campaign_id", fr.CampaignID),
			zap.String("url", fr.URL),
			zap.Error(err),
		)
		return page
	}
	r.logger.Info("headless promotion applied", zap.String("campaign_id", fr.CampaignID), zap.String("url", fr.URL))
	return rendered
}

// archive stores the page body best-effort and returns its URI.
func (r *Runner) archive(ctx context.Context, page discovery.Page) string {
	if r.blobs == nil || r.hasher == nil || len(page.Body) == 0 {
		return ""
	}
	sum, err := r.hasher.Hash(page.Body)
	if err != nil {
		r.logger.Warn("snapshot hash failed", zap.Error(err))
		return ""
	}
	uri, err := r.blobs.PutObject(ctx, snapshotPath(r.cfg.SnapshotPrefix, sum), "text/html; charset=utf-8", page.Body)
	if err != nil {
		r.logger.Warn("snapshot upload failed", zap.String("hash", sum), zap.Error(err))
		return ""
	}
	return uri
}

func snapshotPath(prefix, sum string) string {
	prefix = strings.Trim(prefix, "/")
	shard := sum
	if len(sum) > 2 {
		shard = sum[:2]
	}
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", shard, sum)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, shard, sum)
}

func (r *Runner) loadRecord(ctx context.Context, sessionID string) *discovery.RequirementsRecord {
	if r.records == nil {
		return nil
	}
	rec, err := r.records.GetRequirements(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, discovery.ErrNotFound) {
			r.logger.Warn("load requirements failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		return nil
	}
	return &rec
}

func (r *Runner) saveRecord(ctx context.Context, rec discovery.RequirementsRecord) {
	if r.records == nil {
		return
	}
	if err := r.records.SaveRequirements(ctx, rec); err != nil {
		r.logger.Error("save requirements failed", zap.String("session_id", rec.SessionID), zap.Error(err))
	}
}

// conclude ends a campaign whose own attempts fell short. A session record
// that already meets threshold from earlier campaigns ends Sufficient without
// a ticket; anything else is escalated.
func (r *Runner) conclude(ctx context.Context, req Request, out *Outcome, reason, targetURL string, threshold float64) {
	if out.Record != nil && requirements.IsSufficient(*out.Record, threshold) {
		r.logger.Info("session already sufficient, skipping escalation",
			zap.String("campaign_id", req.CampaignID),
			zap.String("session_id", req.SessionID),
			zap.String("reason", reason),
		)
		r.transition(out, discovery.StateSufficient)
		return
	}
	r.escalate(ctx, req, out, reason, targetURL)
}

// escalate moves to Exhausted and files a ticket on a context detached from
// the campaign deadline.
func (r *Runner) escalate(ctx context.Context, req Request, out *Outcome, reason, targetURL string) {
	r.transition(out, discovery.StateExhausted)
	out.Reason = reason
	if r.escalator == nil {
		out.Err = errors.New("no escalator configured")
		return
	}
	escCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.EscalationTimeout)
	defer cancel()
	ticket, err := r.escalator.Escalate(escCtx, escalation.Request{
		SessionID:       req.SessionID,
		CampaignID:      req.CampaignID,
		URL:             targetURL,
		Reason:          reason,
		FinalConfidence: out.Confidence(),
		SnapshotURI:     out.SnapshotURI,
	})
	if err != nil {
		out.Err = fmt.Errorf("escalate campaign %s: %w", req.CampaignID, err)
		r.logger.Error("escalation failed", zap.String("campaign_id", req.CampaignID), zap.Error(err))
		return
	}
	out.Ticket = &ticket
	r.transition(out, discovery.StateEscalated)
}

func (r *Runner) transition(out *Outcome, to discovery.CampaignState) {
	from := out.State
	out.State = to
	out.Transitions = append(out.Transitions, to)
	metrics.ObserveCampaignTransition(string(from), string(to))
	for _, o := range r.observers {
		o.Transition(out.CampaignID, from, to)
	}
}

func (r *Runner) finish(out Outcome) Outcome {
	metrics.ObserveCampaignDone(string(out.State), out.Confidence())
	r.logger.Info("campaign finished",
		zap.String("campaign_id", out.CampaignID),
		zap.String("session_id", out.SessionID),
		zap.String("state", string(out.State)),
		zap.String("reason", out.Reason),
		zap.Float64("confidence", out.Confidence()),
		zap.Int("fetch_attempts", out.FetchAttempts),
		zap.Int("extraction_attempts", out.ExtractionAttempts),
	)
	return out
}

// failureReason maps an error to the taxonomy name recorded on tickets.
// Schema failures surface as SchemaExhausted once the budget is gone.
func failureReason(err error) string {
	switch kind := discovery.ErrorKind(err); kind {
	case "":
		return string(discovery.SchemaExhausted)
	case string(discovery.SchemaInvalid):
		return string(discovery.SchemaExhausted)
	default:
		return kind
	}
}

func blockReason(err error) string {
	var fe *discovery.FetchError
	if errors.As(err, &fe) && fe.Reason != "" {
		return fe.Reason
	}
	if err != nil {
		return err.Error()
	}
	return string(discovery.PolicyBlocked)
}

func firstURL(urls []string) string {
	if len(urls) == 0 {
		return ""
	}
	return urls[0]
}
