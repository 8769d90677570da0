package audit

import (
	"context"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

// Sink consumes batches of audit events. Implementations must honor ctx
// deadlines and tolerate repeated calls.
type Sink interface {
	Name() string
	Consume(ctx context.Context, batch []discovery.AuditEvent) error
	Close(ctx context.Context) error
}

// Validate rejects events that do not carry exactly one record.
func Validate(evt discovery.AuditEvent) error {
	switch {
	case evt.Fetch != nil && evt.Extraction != nil:
		return errBothRecords
	case evt.Fetch == nil && evt.Extraction == nil:
		return errNoRecord
	case evt.Fetch != nil && evt.Fetch.AttemptedAt.IsZero():
		return errNoTimestamp
	case evt.Extraction != nil && evt.Extraction.AttemptedAt.IsZero():
		return errNoTimestamp
	default:
		return nil
	}
}

// StatusClass groups an HTTP response code for metric labels.
func StatusClass(code int) string {
	switch {
	case code == 0:
		return "none"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}
