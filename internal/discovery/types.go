// Package discovery defines the domain types and collaborator contracts shared
// by the safe-fetch and structured-extraction pipeline.
package discovery

import (
	"net/http"
	"sort"
	"strings"
	"time"
)

// AttemptStatus is the outcome class of a single fetch attempt.
type AttemptStatus string

// Fetch attempt statuses persisted in the audit log.
const (
	StatusAllowed AttemptStatus = "allowed"
	StatusBlocked AttemptStatus = "blocked"
	StatusError   AttemptStatus = "error"
)

// FetchAttempt is the compliance record of one physical network call.
type FetchAttempt struct {
	ID            string        `json:"id"`
	CampaignID    string        `json:"campaign_id,omitempty"`
	SessionID     string        `json:"session_id,omitempty"`
	URL           string        `json:"url"`
	Host          string        `json:"host"`
	Status        AttemptStatus `json:"status"`
	Reason        string        `json:"reason,omitempty"`
	RobotsAllowed bool          `json:"robots_allowed"`
	RateLimited   bool          `json:"rate_limited"`
	ResponseCode  int           `json:"response_code,omitempty"`
	ContentLength int64         `json:"content_length"`
	DurationMs    int64         `json:"duration_ms"`
	UserAgent     string        `json:"user_agent,omitempty"`
	SourceIP      string        `json:"source_ip,omitempty"`
	Headless      bool          `json:"headless"`
	AttemptedAt   time.Time     `json:"attempted_at"`
}

// ExtractionAttempt is the record of one call to the extraction collaborator.
type ExtractionAttempt struct {
	ID          string    `json:"id"`
	CampaignID  string    `json:"campaign_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	URL         string    `json:"url"`
	Model       string    `json:"model,omitempty"`
	TokensIn    int64     `json:"tokens_in"`
	TokensOut   int64     `json:"tokens_out"`
	SchemaOK    bool      `json:"schema_ok"`
	RetryCount  int       `json:"retry_count"`
	TrapHit     []string  `json:"trap_hit,omitempty"`
	RawOutput   string    `json:"raw_output,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// AddTrapHit records a detector name, keeping TrapHit sorted and unique.
// Existing entries are never removed.
func (a *ExtractionAttempt) AddTrapHit(names ...string) {
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		idx := sort.SearchStrings(a.TrapHit, name)
		if idx < len(a.TrapHit) && a.TrapHit[idx] == name {
			continue
		}
		a.TrapHit = append(a.TrapHit, "")
		copy(a.TrapHit[idx+1:], a.TrapHit[idx:])
		a.TrapHit[idx] = name
	}
}

// FieldType is the input type inferred for a signup form field.
type FieldType string

// Known field types.
const (
	FieldText    FieldType = "text"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldDate    FieldType = "date"
	FieldEmail   FieldType = "email"
	FieldPhone   FieldType = "phone"
	FieldURL     FieldType = "url"
	FieldFile    FieldType = "file"
	FieldSelect  FieldType = "select"
)

// KnownFieldTypes lists every type the extraction schema accepts.
func KnownFieldTypes() []FieldType {
	return []FieldType{
		FieldText, FieldNumber, FieldBoolean, FieldDate, FieldEmail,
		FieldPhone, FieldURL, FieldFile, FieldSelect,
	}
}

// Constraints narrows the values a field accepts.
type Constraints struct {
	Pattern   string   `json:"pattern,omitempty"`
	MinLength *int     `json:"min_length,omitempty"`
	MaxLength *int     `json:"max_length,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	Options   []string `json:"options,omitempty"`
	Format    string   `json:"format,omitempty"`
}

// Facets counts the populated constraint facets.
func (c Constraints) Facets() int {
	n := 0
	if c.Pattern != "" {
		n++
	}
	if c.MinLength != nil {
		n++
	}
	if c.MaxLength != nil {
		n++
	}
	if c.Min != nil {
		n++
	}
	if c.Max != nil {
		n++
	}
	if len(c.Options) > 0 {
		n++
	}
	if c.Format != "" {
		n++
	}
	return n
}

// FieldDescriptor describes one field a signup form requires.
type FieldDescriptor struct {
	Name        string      `json:"name"`
	Label       string      `json:"label,omitempty"`
	Type        FieldType   `json:"type"`
	Category    string      `json:"category,omitempty"`
	Required    bool        `json:"required"`
	Constraints Constraints `json:"constraints"`
}

// Key returns the normalized name used to merge descriptors.
func (f FieldDescriptor) Key() string {
	return NormalizeFieldName(f.Name)
}

// NormalizeFieldName lowercases and trims a field name.
func NormalizeFieldName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// RequirementsRecord is the discovered requirements slice for one session.
type RequirementsRecord struct {
	SessionID          string            `json:"session_id"`
	CampaignID         string            `json:"campaign_id,omitempty"`
	DiscoveredFields   []FieldDescriptor `json:"discovered_fields"`
	ConfidenceLevel    float64           `json:"confidence_level"`
	AgreeingAttempts   int               `json:"agreeing_attempts"`
	SuccessfulAttempts int               `json:"successful_attempts"`
	TrapHits           []string          `json:"trap_hits,omitempty"`
	Observations       map[string]int    `json:"observations,omitempty"`
	LastUpdatedAt      time.Time         `json:"last_updated_at"`
}

// ManualBackupTicket directs a human operator to finish discovery by hand.
type ManualBackupTicket struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	CampaignID      string     `json:"campaign_id"`
	URL             string     `json:"url,omitempty"`
	FailureReason   string     `json:"failure_reason"`
	FinalConfidence float64    `json:"final_confidence"`
	SnapshotURI     string     `json:"snapshot_uri,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolutionNote  string     `json:"resolution_note,omitempty"`
}

// Resolved reports whether the ticket reached its terminal state.
func (t ManualBackupTicket) Resolved() bool {
	return t.ResolvedAt != nil
}

// Schema is the shape an extraction response must conform to.
type Schema struct {
	Name               string      `json:"name" mapstructure:"name"`
	ExpectedCategories []string    `json:"expected_categories" mapstructure:"expected_categories"`
	AllowedTypes       []FieldType `json:"allowed_types,omitempty" mapstructure:"allowed_types"`
	MinFields          int         `json:"min_fields" mapstructure:"min_fields"`
}

// DefaultSchema returns the schema used when a campaign supplies none.
func DefaultSchema() Schema {
	return Schema{
		Name:               "signup-form",
		ExpectedCategories: []string{"identity", "contact", "participant", "guardian", "consent"},
		AllowedTypes:       KnownFieldTypes(),
		MinFields:          1,
	}
}

// Delta is the usable output of one schema-valid extraction.
type Delta struct {
	URL        string            `json:"url"`
	Fields     []FieldDescriptor `json:"fields"`
	TrapHits   []string          `json:"trap_hits,omitempty"`
	TrapFields []string          `json:"trap_fields,omitempty"`
	RetryCount int               `json:"retry_count"`
	Model      string            `json:"model,omitempty"`
}

// FetchRequest asks the pipeline to retrieve one URL.
type FetchRequest struct {
	CampaignID    string
	SessionID     string
	URL           string
	UseScreenshot bool
	Headers       http.Header
}

// Page is raw content returned by a page fetcher collaborator.
type Page struct {
	URL         string
	FinalURL    string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	Screenshot  []byte
	ContentType string
	Duration    time.Duration
	SourceIP    string
	UserAgent   string
	Headless    bool
}

// ContentLength is the number of bytes the page delivered.
func (p Page) ContentLength() int64 {
	return int64(len(p.Body) + len(p.Screenshot))
}

// ExtractionInput is handed to the extraction collaborator.
type ExtractionInput struct {
	URL        string
	HTML       string
	Screenshot []byte
	SchemaHint string
}

// ExtractionOutput is the raw candidate returned by the extraction collaborator.
type ExtractionOutput struct {
	Raw       string
	Model     string
	TokensIn  int64
	TokensOut int64
}

// CampaignState is a node of the discovery campaign state machine.
type CampaignState string

// Campaign states.
const (
	StateIdle       CampaignState = "idle"
	StateFetching   CampaignState = "fetching"
	StateExtracting CampaignState = "extracting"
	StateRetrying   CampaignState = "retrying"
	StateSufficient CampaignState = "sufficient"
	StateBlocked    CampaignState = "blocked"
	StateExhausted  CampaignState = "exhausted"
	StateEscalated  CampaignState = "escalated"
)

// Terminal reports whether no further transitions leave the state.
func (s CampaignState) Terminal() bool {
	switch s {
	case StateSufficient, StateBlocked, StateEscalated:
		return true
	default:
		return false
	}
}

// CampaignRequest describes one discovery campaign.
type CampaignRequest struct {
	CampaignID    string   `json:"campaign_id"`
	SessionID     string   `json:"session_id"`
	URLs          []string `json:"urls"`
	Schema        Schema   `json:"schema"`
	UseScreenshot bool     `json:"use_screenshot"`
}

// CampaignRecord is the persisted summary of a campaign.
type CampaignRecord struct {
	ID                 string          `json:"id"`
	SessionID          string          `json:"session_id"`
	URLs               []string        `json:"urls"`
	State              CampaignState   `json:"state"`
	Transitions        []CampaignState `json:"transitions,omitempty"`
	Confidence         float64         `json:"confidence"`
	TicketID           string          `json:"ticket_id,omitempty"`
	FetchAttempts      int             `json:"fetch_attempts"`
	ExtractionAttempts int             `json:"extraction_attempts"`
	ErrorText          string          `json:"error_text,omitempty"`
	Submitted          time.Time       `json:"submitted_at"`
	Started            *time.Time      `json:"started_at,omitempty"`
	Finished           *time.Time      `json:"finished_at,omitempty"`
}

// QueueItem wraps a campaign ready to run.
type QueueItem struct {
	Request   CampaignRequest
	Attempt   int
	Submitted int64
}
