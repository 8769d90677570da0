package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

// StoreSink appends every record to an audit repository, one insert per
// record so a failure never leaves a partial row.
type StoreSink struct {
	repo   discovery.AuditStore
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo discovery.AuditStore, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Name implements audit.Sink.
func (s *StoreSink) Name() string { return "store" }

// Consume inserts each record. A failed insert does not stop the rest of the
// batch; all failures are returned joined.
func (s *StoreSink) Consume(ctx context.Context, batch []discovery.AuditEvent) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		switch {
		case evt.Fetch != nil:
			if err := s.repo.InsertFetchAttempt(ctx, *evt.Fetch); err != nil {
				s.logger.Error("audit write failure", zap.String("kind", "fetch"), zap.String("id", evt.Fetch.ID), zap.Error(err))
				errs = append(errs, fmt.Errorf("insert fetch attempt %s: %w", evt.Fetch.ID, err))
			}
		case evt.Extraction != nil:
			if err := s.repo.InsertExtractionAttempt(ctx, *evt.Extraction); err != nil {
				s.logger.Error("audit write failure", zap.String("kind", "extraction"), zap.String("id", evt.Extraction.ID), zap.Error(err))
				errs = append(errs, fmt.Errorf("insert extraction attempt %s: %w", evt.Extraction.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Close implements audit.Sink; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
