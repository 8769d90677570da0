// Package escalation turns campaigns that could not reach sufficient
// confidence into manual backup tickets for a human operator.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
	"github.com/JakeFAU/signup-sentinel/internal/metrics"
)

// DefaultTopic is the event name used when publishing new tickets.
const DefaultTopic = "manual_backup.created"

// Request carries the context an operator needs to act on a failed campaign.
type Request struct {
	SessionID       string
	CampaignID      string
	URL             string
	Reason          string
	FinalConfidence float64
	SnapshotURI     string
}

// Event is the payload published for each newly created ticket.
type Event struct {
	Type   string                       `json:"type"`
	Ticket discovery.ManualBackupTicket `json:"ticket"`
}

// Escalator creates and resolves manual backup tickets.
type Escalator struct {
	tickets        discovery.TicketStore
	publisher      discovery.Publisher
	ids            discovery.IDGenerator
	clock          discovery.Clock
	topic          string
	publishTimeout time.Duration
	logger         *zap.Logger
}

// Option customizes an Escalator.
type Option func(*Escalator)

// WithPublisher notifies the operator queue about new tickets.
func WithPublisher(p discovery.Publisher, topic string) Option {
	return func(e *Escalator) {
		e.publisher = p
		if topic != "" {
			e.topic = topic
		}
	}
}

// WithPublishTimeout bounds each notification.
func WithPublishTimeout(d time.Duration) Option {
	return func(e *Escalator) {
		if d > 0 {
			e.publishTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Escalator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New builds an Escalator on top of a ticket store.
func New(tickets discovery.TicketStore, ids discovery.IDGenerator, clock discovery.Clock, opts ...Option) *Escalator {
	e := &Escalator{
		tickets:        tickets,
		ids:            ids,
		clock:          clock,
		topic:          DefaultTopic,
		publishTimeout: 5 * time.Second,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("escalator")
	return e
}

// Escalate returns the campaign's ticket, creating it on the first call.
func (e *Escalator) Escalate(ctx context.Context, req Request) (discovery.ManualBackupTicket, error) {
	if req.SessionID == "" || req.CampaignID == "" {
		return discovery.ManualBackupTicket{}, errors.New("escalate: session and campaign ids are required")
	}
	id, err := e.ids.NewID()
	if err != nil {
		return discovery.ManualBackupTicket{}, fmt.Errorf("generate ticket id: %w", err)
	}
	candidate := discovery.ManualBackupTicket{
		ID:              id,
		SessionID:       req.SessionID,
		CampaignID:      req.CampaignID,
		URL:             req.URL,
		FailureReason:   req.Reason,
		FinalConfidence: req.FinalConfidence,
		SnapshotURI:     req.SnapshotURI,
		CreatedAt:       e.clock.Now(),
	}
	ticket, created, err := e.tickets.CreateIfAbsent(ctx, candidate)
	if err != nil {
		return discovery.ManualBackupTicket{}, fmt.Errorf("create ticket: %w", err)
	}
	if !created {
		e.logger.Debug("ticket already exists",
			zap.String("ticket_id", ticket.ID),
			zap.String("session_id", ticket.SessionID),
			zap.String("campaign_id", ticket.CampaignID),
		)
		return ticket, nil
	}

	metrics.ObserveTicket(ticket.FailureReason)
	e.logger.Info("manual backup ticket created",
		zap.String("ticket_id", ticket.ID),
		zap.String("session_id", ticket.SessionID),
		zap.String("campaign_id", ticket.CampaignID),
		zap.String("failure_reason", ticket.FailureReason),
		zap.Float64("final_confidence", ticket.FinalConfidence),
	)
	e.notify(ctx, ticket)
	return ticket, nil
}

// Resolve closes a ticket. Resolving twice returns discovery.ErrTicketResolved.
func (e *Escalator) Resolve(ctx context.Context, ticketID, resolvedBy, note string) (discovery.ManualBackupTicket, error) {
	if ticketID == "" {
		return discovery.ManualBackupTicket{}, discovery.ErrNotFound
	}
	ticket, err := e.tickets.ResolveTicket(ctx, ticketID, e.clock.Now(), resolvedBy, note)
	if err != nil {
		return discovery.ManualBackupTicket{}, fmt.Errorf("resolve ticket %s: %w", ticketID, err)
	}
	e.logger.Info("manual backup ticket resolved",
		zap.String("ticket_id", ticket.ID),
		zap.String("resolved_by", resolvedBy),
	)
	return ticket, nil
}

// notify publishes best-effort; a failed publish never loses the ticket.
func (e *Escalator) notify(ctx context.Context, ticket discovery.ManualBackupTicket) {
	if e.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.publishTimeout)
	defer cancel()
	msgID, err := e.publisher.Publish(pubCtx, e.topic, Event{Type: e.topic, Ticket: ticket})
	if err != nil {
		e.logger.Warn("ticket publish failed",
			zap.String("ticket_id", ticket.ID),
			zap.String("topic", e.topic),
			zap.Error(err),
		)
		return
	}
	e.logger.Debug("ticket published", zap.String("ticket_id", ticket.ID), zap.String("message_id", msgID))
}
