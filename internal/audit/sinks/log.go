package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

// LogSink writes each record as a structured log line. It is useful during
// development where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Name implements audit.Sink.
func (s *LogSink) Name() string { return "log" }

// Consume logs each record in the batch.
func (s *LogSink) Consume(_ context.Context, batch []discovery.AuditEvent) error {
	for _, evt := range batch {
		switch {
		case evt.Fetch != nil:
			a := evt.Fetch
			s.logger.Info("fetch attempt",
				zap.String("id", a.ID),
				zap.String("campaign_id", a.CampaignID),
				zap.String("url", a.URL),
				zap.String("status", string(a.Status)),
				zap.String("reason", a.Reason),
				zap.Int("response_code", a.ResponseCode),
				zap.Int64("content_length", a.ContentLength),
				zap.Int64("duration_ms", a.DurationMs),
				zap.String("source_ip", a.SourceIP),
			)
		case evt.Extraction != nil:
			a := evt.Extraction
			s.logger.Info("extraction attempt",
				zap.String("id", a.ID),
				zap.String("campaign_id", a.CampaignID),
				zap.String("url", a.URL),
				zap.String("model", a.Model),
				zap.Bool("schema_ok", a.SchemaOK),
				zap.Int("retry_count", a.RetryCount),
				zap.Strings("trap_hit", a.TrapHit),
				zap.String("error_kind", a.ErrorKind),
				zap.Int64("tokens_in", a.TokensIn),
				zap.Int64("tokens_out", a.TokensOut),
			)
		}
	}
	return nil
}

// Close implements audit.Sink; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
