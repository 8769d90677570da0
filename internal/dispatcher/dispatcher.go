// Package dispatcher manages worker fan-out over the campaign queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

// Worker is a queue consumer that runs until ctx ends or the queue closes.
type Worker interface {
	Run(ctx context.Context)
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue     discovery.Queue
	campaigns discovery.CampaignStore
	clock     discovery.Clock
	workers   []Worker
}

// New creates a Dispatcher.
func New(queue discovery.Queue, campaigns discovery.CampaignStore, clock discovery.Clock, workers []Worker) *Dispatcher {
	return &Dispatcher{
		queue:     queue,
		campaigns: campaigns,
		clock:     clock,
		workers:   workers,
	}
}

// Run starts all workers and blocks until every one of them returns.
func (d *Dispatcher) Run(ctx context.Context) {
	var g errgroup.Group
	for _, w := range d.workers {
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

// Submit records req as an idle campaign and queues it.
func (d *Dispatcher) Submit(ctx context.Context, req discovery.CampaignRequest) (discovery.CampaignRecord, error) {
	if req.CampaignID == "" || req.SessionID == "" {
		return discovery.CampaignRecord{}, errors.New("campaign id and session id are required")
	}
	rec := discovery.CampaignRecord{
		ID:        req.CampaignID,
		SessionID: req.SessionID,
		URLs:      append([]string(nil), req.URLs...),
		State:     discovery.StateIdle,
		Submitted: d.clock.Now(),
	}
	if d.campaigns != nil {
		if err := d.campaigns.CreateCampaign(ctx, rec); err != nil {
			return discovery.CampaignRecord{}, fmt.Errorf("create campaign: %w", err)
		}
	}
	if err := d.Enqueue(ctx, discovery.QueueItem{Request: req, Submitted: rec.Submitted.UnixMilli()}); err != nil {
		return discovery.CampaignRecord{}, err
	}
	return rec, nil
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item discovery.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
