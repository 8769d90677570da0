package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

const maxTargetURLs = 20

type submitCampaignRequest struct {
	CampaignID    string            `json:"campaign_id"`
	SessionID     string            `json:"session_id"`
	URLs          []string          `json:"urls"`
	UseScreenshot bool              `json:"use_screenshot"`
	Schema        *discovery.Schema `json:"schema"`
}

type resolveTicketRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Note       string `json:"note"`
}

type auditResponse struct {
	CampaignID         string                        `json:"campaign_id"`
	FetchAttempts      []discovery.FetchAttempt      `json:"fetch_attempts"`
	ExtractionAttempts []discovery.ExtractionAttempt `json:"extraction_attempts"`
}

// submitCampaign handles POST /v1/campaigns. It returns 202 with the idle
// campaign record, 400 for invalid input, and 409 when the ID is taken.
func (s *Server) submitCampaign(w http.ResponseWriter, r *http.Request) {
	var body submitCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req, err := s.toCampaignRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Submitter == nil {
		writeError(w, http.StatusServiceUnavailable, "campaign queue unavailable")
		return
	}
	rec, err := s.deps.Submitter.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, discovery.ErrConflict) {
			writeError(w, http.StatusConflict, "campaign already exists")
			return
		}
		s.logger.Error("submit campaign failed", zap.String("campaign_id", req.CampaignID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit campaign")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"campaign": rec})
}

func (s *Server) toCampaignRequest(body submitCampaignRequest) (discovery.CampaignRequest, error) {
	body.SessionID = strings.TrimSpace(body.SessionID)
	if body.SessionID == "" {
		return discovery.CampaignRequest{}, errors.New("session_id required")
	}
	if len(body.URLs) == 0 {
		return discovery.CampaignRequest{}, errors.New("urls required")
	}
	if len(body.URLs) > maxTargetURLs {
		return discovery.CampaignRequest{}, fmt.Errorf("at most %d urls allowed", maxTargetURLs)
	}
	for _, raw := range body.URLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return discovery.CampaignRequest{}, fmt.Errorf("invalid url %q", raw)
		}
	}
	id := strings.TrimSpace(body.CampaignID)
	if id == "" {
		if s.deps.IDs == nil {
			return discovery.CampaignRequest{}, errors.New("campaign_id required")
		}
		generated, err := s.deps.IDs.NewID()
		if err != nil {
			return discovery.CampaignRequest{}, fmt.Errorf("generate campaign id: %w", err)
		}
		id = generated
	}
	schema := s.cfg.Extraction.Schema
	if body.Schema != nil {
		schema = *body.Schema
	}
	return discovery.CampaignRequest{
		CampaignID:    id,
		SessionID:     body.SessionID,
		URLs:          body.URLs,
		Schema:        schema,
		UseScreenshot: body.UseScreenshot,
	}, nil
}

// getCampaign handles GET /v1/campaigns/{campaign_id}.
func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaign_id")
	rec, err := s.deps.Campaigns.GetCampaign(r.Context(), id)
	if err != nil {
		s.storeError(w, "campaign", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign": rec})
}

// getCampaignAudit handles GET /v1/campaigns/{campaign_id}/audit, returning
// every recorded fetch and extraction attempt of the campaign.
func (s *Server) getCampaignAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store unavailable")
		return
	}
	id := chi.URLParam(r, "campaign_id")
	fetches, err := s.deps.Audit.ListFetchAttempts(r.Context(), id)
	if err != nil {
		s.storeError(w, "fetch attempts", err)
		return
	}
	extractions, err := s.deps.Audit.ListExtractionAttempts(r.Context(), id)
	if err != nil {
		s.storeError(w, "extraction attempts", err)
		return
	}
	if fetches == nil {
		fetches = []discovery.FetchAttempt{}
	}
	if extractions == nil {
		extractions = []discovery.ExtractionAttempt{}
	}
	writeJSON(w, http.StatusOK, auditResponse{
		CampaignID:         id,
		FetchAttempts:      fetches,
		ExtractionAttempts: extractions,
	})
}

// getRequirements handles GET /v1/sessions/{session_id}/requirements.
func (s *Server) getRequirements(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	rec, err := s.deps.Requirements.GetRequirements(r.Context(), id)
	if err != nil {
		s.storeError(w, "requirements", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requirements": rec})
}

// listTickets handles GET /v1/tickets?session_id=&unresolved=.
func (s *Server) listTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := discovery.TicketFilter{SessionID: strings.TrimSpace(q.Get("session_id"))}
	if raw := q.Get("unresolved"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid unresolved")
			return
		}
		filter.UnresolvedOnly = v
	}
	tickets, err := s.deps.Tickets.ListTickets(r.Context(), filter)
	if err != nil {
		s.storeError(w, "tickets", err)
		return
	}
	if tickets == nil {
		tickets = []discovery.ManualBackupTicket{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": tickets})
}

// getTicket handles GET /v1/tickets/{ticket_id}.
func (s *Server) getTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.deps.Tickets.GetTicket(r.Context(), chi.URLParam(r, "ticket_id"))
	if err != nil {
		s.storeError(w, "ticket", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket": ticket})
}

// resolveTicket handles POST /v1/tickets/{ticket_id}/resolve. A second
// resolution of the same ticket returns 409.
func (s *Server) resolveTicket(w http.ResponseWriter, r *http.Request) {
	var body resolveTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(body.ResolvedBy) == "" {
		writeError(w, http.StatusBadRequest, "resolved_by required")
		return
	}
	ticket, err := s.deps.Resolver.Resolve(r.Context(), chi.URLParam(r, "ticket_id"), body.ResolvedBy, body.Note)
	if err != nil {
		if errors.Is(err, discovery.ErrTicketResolved) {
			writeError(w, http.StatusConflict, "ticket already resolved")
			return
		}
		s.storeError(w, "ticket", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket": ticket})
}

func (s *Server) storeError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, discovery.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	s.logger.Error("store lookup failed", zap.String("resource", what), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load "+what)
}
