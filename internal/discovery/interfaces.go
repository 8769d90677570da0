package discovery

import (
	"context"
	"time"
)

// PageFetcher performs the network retrieval for a URL.
type PageFetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (Page, error)
}

// Extractor turns page content into a candidate structured response.
type Extractor interface {
	Extract(ctx context.Context, in ExtractionInput) (ExtractionOutput, error)
}

// AuditEvent carries exactly one attempt record.
type AuditEvent struct {
	Fetch      *FetchAttempt
	Extraction *ExtractionAttempt
}

// FetchEvent wraps a fetch attempt.
func FetchEvent(a FetchAttempt) AuditEvent {
	return AuditEvent{Fetch: &a}
}

// ExtractionEvent wraps an extraction attempt.
func ExtractionEvent(a ExtractionAttempt) AuditEvent {
	return AuditEvent{Extraction: &a}
}

// Kind names the record type carried by the event.
func (e AuditEvent) Kind() string {
	switch {
	case e.Fetch != nil:
		return "fetch"
	case e.Extraction != nil:
		return "extraction"
	default:
		return "empty"
	}
}

// AuditRecorder accepts attempt records without blocking the caller.
type AuditRecorder interface {
	Record(event AuditEvent)
}

// AuditStore is the append-only persistence for attempt records.
type AuditStore interface {
	InsertFetchAttempt(ctx context.Context, attempt FetchAttempt) error
	InsertExtractionAttempt(ctx context.Context, attempt ExtractionAttempt) error
	ListFetchAttempts(ctx context.Context, campaignID string) ([]FetchAttempt, error)
	ListExtractionAttempts(ctx context.Context, campaignID string) ([]ExtractionAttempt, error)
}

// RequirementsStore persists requirements records keyed by session.
type RequirementsStore interface {
	GetRequirements(ctx context.Context, sessionID string) (RequirementsRecord, error)
	SaveRequirements(ctx context.Context, record RequirementsRecord) error
}

// TicketFilter narrows ticket listings.
type TicketFilter struct {
	SessionID      string
	UnresolvedOnly bool
}

// TicketStore persists manual backup tickets.
type TicketStore interface {
	// CreateIfAbsent stores ticket unless one already exists for the same
	// session and campaign, in which case the existing ticket is returned.
	CreateIfAbsent(ctx context.Context, ticket ManualBackupTicket) (ManualBackupTicket, bool, error)
	GetTicket(ctx context.Context, id string) (ManualBackupTicket, error)
	ResolveTicket(ctx context.Context, id string, at time.Time, by, note string) (ManualBackupTicket, error)
	ListTickets(ctx context.Context, filter TicketFilter) ([]ManualBackupTicket, error)
}

// CampaignStore persists campaign summaries for the API.
type CampaignStore interface {
	CreateCampaign(ctx context.Context, record CampaignRecord) error
	UpdateCampaign(ctx context.Context, record CampaignRecord) error
	GetCampaign(ctx context.Context, id string) (CampaignRecord, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes events to an operator queue.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for campaigns.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
