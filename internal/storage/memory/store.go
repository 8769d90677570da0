package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

// Store implements the audit, requirements, ticket and campaign repositories
// behind a single lock.
type Store struct {
	mu           sync.RWMutex
	fetches      []discovery.FetchAttempt
	extractions  []discovery.ExtractionAttempt
	requirements map[string]discovery.RequirementsRecord
	tickets      map[string]discovery.ManualBackupTicket
	ticketKeys   map[ticketKey]string
	campaigns    map[string]discovery.CampaignRecord
}

type ticketKey struct {
	session  string
	campaign string
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		requirements: make(map[string]discovery.RequirementsRecord),
		tickets:      make(map[string]discovery.ManualBackupTicket),
		ticketKeys:   make(map[ticketKey]string),
		campaigns:    make(map[string]discovery.CampaignRecord),
	}
}

// InsertFetchAttempt appends a fetch attempt.
func (s *Store) InsertFetchAttempt(_ context.Context, a discovery.FetchAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, a)
	return nil
}

// InsertExtractionAttempt appends an extraction attempt.
func (s *Store) InsertExtractionAttempt(_ context.Context, a discovery.ExtractionAttempt) error {
	a.TrapHit = slices.Clone(a.TrapHit)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extractions = append(s.extractions, a)
	return nil
}

// ListFetchAttempts returns a campaign's fetch attempts in insertion order.
func (s *Store) ListFetchAttempts(_ context.Context, campaignID string) ([]discovery.FetchAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []discovery.FetchAttempt
	for _, a := range s.fetches {
		if a.CampaignID == campaignID {
			out = append(out, a)
		}
	}
	return out, nil
}

// ListExtractionAttempts returns a campaign's extraction attempts in retry order.
func (s *Store) ListExtractionAttempts(_ context.Context, campaignID string) ([]discovery.ExtractionAttempt, error) {
	s.mu.RLock()
	var out []discovery.ExtractionAttempt
	for _, a := range s.extractions {
		if a.CampaignID == campaignID {
			a.TrapHit = slices.Clone(a.TrapHit)
			out = append(out, a)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].RetryCount < out[j].RetryCount })
	return out, nil
}

// GetRequirements returns a copy of the session's record.
func (s *Store) GetRequirements(_ context.Context, sessionID string) (discovery.RequirementsRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.requirements[sessionID]
	if !ok {
		return discovery.RequirementsRecord{}, discovery.ErrNotFound
	}
	return cloneRecord(rec), nil
}

// SaveRequirements stores rec, keeping the higher of the stored and new
// confidence.
func (s *Store) SaveRequirements(_ context.Context, rec discovery.RequirementsRecord) error {
	rec = cloneRecord(rec)
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.requirements[rec.SessionID]; ok && prev.ConfidenceLevel > rec.ConfidenceLevel {
		rec.ConfidenceLevel = prev.ConfidenceLevel
	}
	s.requirements[rec.SessionID] = rec
	return nil
}

// CreateIfAbsent stores ticket unless the session and campaign already have one.
func (s *Store) CreateIfAbsent(_ context.Context, t discovery.ManualBackupTicket) (discovery.ManualBackupTicket, bool, error) {
	key := ticketKey{session: t.SessionID, campaign: t.CampaignID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.ticketKeys[key]; ok {
		return cloneTicket(s.tickets[id]), false, nil
	}
	t = cloneTicket(t)
	s.tickets[t.ID] = t
	s.ticketKeys[key] = t.ID
	return cloneTicket(t), true, nil
}

// GetTicket returns a ticket by ID.
func (s *Store) GetTicket(_ context.Context, id string) (discovery.ManualBackupTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return discovery.ManualBackupTicket{}, discovery.ErrNotFound
	}
	return cloneTicket(t), nil
}

// ResolveTicket marks an unresolved ticket resolved.
func (s *Store) ResolveTicket(_ context.Context, id string, at time.Time, by, note string) (discovery.ManualBackupTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return discovery.ManualBackupTicket{}, discovery.ErrNotFound
	}
	if t.Resolved() {
		return discovery.ManualBackupTicket{}, discovery.ErrTicketResolved
	}
	t.ResolvedAt = pointerTime(at)
	t.ResolvedBy = by
	t.ResolutionNote = note
	s.tickets[id] = t
	return cloneTicket(t), nil
}

// ListTickets returns matching tickets newest first.
func (s *Store) ListTickets(_ context.Context, filter discovery.TicketFilter) ([]discovery.ManualBackupTicket, error) {
	s.mu.RLock()
	var out []discovery.ManualBackupTicket
	for _, t := range s.tickets {
		if filter.SessionID != "" && t.SessionID != filter.SessionID {
			continue
		}
		if filter.UnresolvedOnly && t.Resolved() {
			continue
		}
		out = append(out, cloneTicket(t))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CreateCampaign stores a new campaign.
func (s *Store) CreateCampaign(_ context.Context, rec discovery.CampaignRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.campaigns[rec.ID]; exists {
		return fmt.Errorf("campaign %s: %w", rec.ID, discovery.ErrConflict)
	}
	s.campaigns[rec.ID] = cloneCampaign(rec)
	return nil
}

// UpdateCampaign replaces a stored campaign.
func (s *Store) UpdateCampaign(_ context.Context, rec discovery.CampaignRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[rec.ID]; !ok {
		return discovery.ErrNotFound
	}
	s.campaigns[rec.ID] = cloneCampaign(rec)
	return nil
}

// GetCampaign fetches a campaign by ID.
func (s *Store) GetCampaign(_ context.Context, id string) (discovery.CampaignRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.campaigns[id]
	if !ok {
		return discovery.CampaignRecord{}, discovery.ErrNotFound
	}
	return cloneCampaign(rec), nil
}

func cloneRecord(rec discovery.RequirementsRecord) discovery.RequirementsRecord {
	out := rec
	out.DiscoveredFields = slices.Clone(rec.DiscoveredFields)
	out.TrapHits = slices.Clone(rec.TrapHits)
	if rec.Observations != nil {
		out.Observations = make(map[string]int, len(rec.Observations))
		for k, v := range rec.Observations {
			out.Observations[k] = v
		}
	}
	return out
}

func cloneTicket(t discovery.ManualBackupTicket) discovery.ManualBackupTicket {
	if t.ResolvedAt != nil {
		t.ResolvedAt = pointerTime(*t.ResolvedAt)
	}
	return t
}

func cloneCampaign(rec discovery.CampaignRecord) discovery.CampaignRecord {
	rec.URLs = slices.Clone(rec.URLs)
	rec.Transitions = slices.Clone(rec.Transitions)
	if rec.Started != nil {
		rec.Started = pointerTime(*rec.Started)
	}
	if rec.Finished != nil {
		rec.Finished = pointerTime(*rec.Finished)
	}
	return rec
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

var (
	_ discovery.AuditStore        = (*Store)(nil)
	_ discovery.RequirementsStore = (*Store)(nil)
	_ discovery.TicketStore       = (*Store)(nil)
	_ discovery.CampaignStore     = (*Store)(nil)
)
