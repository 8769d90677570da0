// Package worker consumes queued campaigns and runs them to a terminal state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/signup-sentinel/internal/campaign"
	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

// DefaultTopic is the event published when a campaign finishes.
const DefaultTopic = "campaign.finished"

// Runner executes one campaign.
type Runner interface {
	Run(ctx context.Context, req campaign.Request) campaign.Outcome
}

// Config controls Worker behavior.
type Config struct {
	Topic string
}

// Worker consumes queue items and executes the campaign pipeline.
type Worker struct {
	queue     discovery.Queue
	campaigns discovery.CampaignStore
	runner    Runner
	publisher discovery.Publisher
	clock     discovery.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue discovery.Queue,
	campaigns discovery.CampaignStore,
	runner Runner,
	publisher discovery.Publisher,
	clock discovery.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		campaigns: campaigns,
		runner:    runner,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, discovery.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued campaign", zap.String("campaign_id", item.Request.CampaignID))
		w.processCampaign(ctx, item)
	}
}

func (w *Worker) processCampaign(ctx context.Context, item discovery.QueueItem) {
	req := item.Request
	rec, err := w.start(ctx, req)
	if err != nil {
		w.logger.Error("campaign start failed", zap.String("campaign_id", req.CampaignID), zap.Error(err))
		return
	}

	out := w.runner.Run(ctx, req)

	// The terminal state is persisted even when shutdown cancelled the run.
	persistCtx := context.WithoutCancel(ctx)
	applyOutcome(&rec, out, w.clock.Now())
	if err := w.campaigns.UpdateCampaign(persistCtx, rec); err != nil {
		w.logger.Error("final campaign update failed", zap.String("campaign_id", req.CampaignID), zap.Error(err))
	}
	if err := w.publishResult(persistCtx, out); err != nil {
		w.logger.Warn("campaign publish failed", zap.String("campaign_id", req.CampaignID), zap.Error(err))
	}
}

// start loads the submitted campaign, creating it for items enqueued without
// a record, and marks it running.
func (w *Worker) start(ctx context.Context, req campaign.Request) (discovery.CampaignRecord, error) {
	now := w.clock.Now()
	rec, err := w.campaigns.GetCampaign(ctx, req.CampaignID)
	switch {
	case errors.Is(err, discovery.ErrNotFound):
		rec = discovery.CampaignRecord{
			ID:        req.CampaignID,
			SessionID: req.SessionID,
			URLs:      req.URLs,
			State:     discovery.StateIdle,
			Submitted: now,
		}
		if err := w.campaigns.CreateCampaign(ctx, rec); err != nil {
			return rec, fmt.Errorf("create campaign: %w", err)
		}
	case err != nil:
		return rec, fmt.Errorf("get campaign: %w", err)
	}
	if rec.State.Terminal() {
		return rec, fmt.Errorf("campaign %s already %s", rec.ID, rec.State)
	}

	rec.State = discovery.StateFetching
	rec.Started = &now
	if err := w.campaigns.UpdateCampaign(ctx, rec); err != nil {
		return rec, fmt.Errorf("mark campaign running: %w", err)
	}
	return rec, nil
}

func applyOutcome(rec *discovery.CampaignRecord, out campaign.Outcome, now time.Time) {
	rec.State = out.State
	rec.Transitions = out.Transitions
	rec.Confidence = out.Confidence()
	rec.FetchAttempts = out.FetchAttempts
	rec.ExtractionAttempts = out.ExtractionAttempts
	rec.ErrorText = out.Reason
	if out.Err != nil {
		rec.ErrorText = out.Err.Error()
	}
	if out.Ticket != nil {
		rec.TicketID = out.Ticket.ID
	}
	rec.Finished = &now
}

func (w *Worker) publishResult(ctx context.Context, out campaign.Outcome) error {
	if w.cfg.Topic == "" || w.publisher == nil {
		return nil
	}
	payload := map[string]any{
		"campaign_id": out.CampaignID,
		"session_id":  out.SessionID,
		"state":       out.State,
		"reason":      out.Reason,
		"confidence":  out.Confidence(),
		"timestamp":   w.clock.Now().Format(time.RFC3339),
	}
	if out.Ticket != nil {
		payload["ticket_id"] = out.Ticket.ID
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		return fmt.Errorf("publish payload: %w", err)
	}
	w.logger.Info("campaign published",
		zap.String("campaign_id", out.CampaignID),
		zap.String("state", string(out.State)),
	)
	return nil
}
