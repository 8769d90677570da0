package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

const uniqueViolation = "23505"

const campaignColumns = `id, session_id, urls, state, transitions, confidence, ticket_id,
	fetch_attempts, extraction_attempts, error_text, submitted_at, started_at, finished_at`

// CreateCampaign inserts a new campaign row.
func (s *Store) CreateCampaign(ctx context.Context, rec discovery.CampaignRecord) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO campaigns (`+campaignColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`, campaignArgs(rec)...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("insert campaign %s: %w", rec.ID, discovery.ErrConflict)
		}
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

// UpdateCampaign overwrites the mutable columns of a campaign row.
func (s *Store) UpdateCampaign(ctx context.Context, rec discovery.CampaignRecord) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE campaigns SET
	state = $2, transitions = $3, confidence = $4, ticket_id = $5, fetch_attempts = $6,
	extraction_attempts = $7, error_text = $8, started_at = $9, finished_at = $10
WHERE id = $1`,
		rec.ID,
		string(rec.State),
		statesToStrings(rec.Transitions),
		rec.Confidence,
		rec.TicketID,
		rec.FetchAttempts,
		rec.ExtractionAttempts,
		rec.ErrorText,
		rec.Started,
		rec.Finished,
	)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return discovery.ErrNotFound
	}
	return nil
}

// GetCampaign loads one campaign.
func (s *Store) GetCampaign(ctx context.Context, id string) (discovery.CampaignRecord, error) {
	var (
		rec         discovery.CampaignRecord
		state       string
		transitions []string
	)
	err := s.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id).Scan(
		&rec.ID,
		&rec.SessionID,
		&rec.URLs,
		&state,
		&transitions,
		&rec.Confidence,
		&rec.TicketID,
		&rec.FetchAttempts,
		&rec.ExtractionAttempts,
		&rec.ErrorText,
		&rec.Submitted,
		&rec.Started,
		&rec.Finished,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return discovery.CampaignRecord{}, discovery.ErrNotFound
	}
	if err != nil {
		return discovery.CampaignRecord{}, fmt.Errorf("get campaign: %w", err)
	}
	rec.State = discovery.CampaignState(state)
	for _, t := range transitions {
		rec.Transitions = append(rec.Transitions, discovery.CampaignState(t))
	}
	return rec, nil
}

func campaignArgs(rec discovery.CampaignRecord) []any {
	urls := rec.URLs
	if urls == nil {
		urls = []string{}
	}
	return []any{
		rec.ID,
		rec.SessionID,
		urls,
		string(rec.State),
		statesToStrings(rec.Transitions),
		rec.Confidence,
		rec.TicketID,
		rec.FetchAttempts,
		rec.ExtractionAttempts,
		rec.ErrorText,
		rec.Submitted,
		rec.Started,
		rec.Finished,
	}
}

func statesToStrings(states []discovery.CampaignState) []string {
	out := make([]string, 0, len(states))
	for _, s := range states {
		out = append(out, string(s))
	}
	return out
}
