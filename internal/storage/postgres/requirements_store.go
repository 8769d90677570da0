package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

// GetRequirements loads the record for a session.
func (s *Store) GetRequirements(ctx context.Context, sessionID string) (discovery.RequirementsRecord, error) {
	var (
		rec          discovery.RequirementsRecord
		fieldsJSON   []byte
		observedJSON []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT session_id, campaign_id, discovered_fields, confidence_level, agreeing_attempts,
	successful_attempts, trap_hits, observations, last_updated_at
FROM requirements WHERE session_id = $1`, sessionID).Scan(
		&rec.SessionID,
		&rec.CampaignID,
		&fieldsJSON,
		&rec.ConfidenceLevel,
		&rec.AgreeingAttempts,
		&rec.SuccessfulAttempts,
		&rec.TrapHits,
		&observedJSON,
		&rec.LastUpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return discovery.RequirementsRecord{}, discovery.ErrNotFound
	}
	if err != nil {
		return discovery.RequirementsRecord{}, fmt.Errorf("get requirements: %w", err)
	}
	if err := json.Unmarshal(fieldsJSON, &rec.DiscoveredFields); err != nil {
		return discovery.RequirementsRecord{}, fmt.Errorf("decode discovered fields: %w", err)
	}
	if err := json.Unmarshal(observedJSON, &rec.Observations); err != nil {
		return discovery.RequirementsRecord{}, fmt.Errorf("decode observations: %w", err)
	}
	if len(rec.TrapHits) == 0 {
		rec.TrapHits = nil
	}
	return rec, nil
}

// SaveRequirements upserts the record. The stored confidence never decreases
// even when concurrent writers race.
func (s *Store) SaveRequirements(ctx context.Context, rec discovery.RequirementsRecord) error {
	fields := rec.DiscoveredFields
	if fields == nil {
		fields = []discovery.FieldDescriptor{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal discovered fields: %w", err)
	}
	observations := rec.Observations
	if observations == nil {
		observations = map[string]int{}
	}
	observedJSON, err := json.Marshal(observations)
	if err != nil {
		return fmt.Errorf("marshal observations: %w", err)
	}
	trapHits := rec.TrapHits
	if trapHits == nil {
		trapHits = []string{}
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO requirements (
	session_id, campaign_id, discovered_fields, confidence_level, agreeing_attempts,
	successful_attempts, trap_hits, observations, last_updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (session_id) DO UPDATE SET
	campaign_id = EXCLUDED.campaign_id,
	discovered_fields = EXCLUDED.discovered_fields,
	confidence_level = GREATEST(requirements.confidence_level, EXCLUDED.confidence_level),
	agreeing_attempts = EXCLUDED.agreeing_attempts,
	successful_attempts = EXCLUDED.successful_attempts,
	trap_hits = EXCLUDED.trap_hits,
	observations = EXCLUDED.observations,
	last_updated_at = EXCLUDED.last_updated_at`,
		rec.SessionID,
		rec.CampaignID,
		fieldsJSON,
		rec.ConfidenceLevel,
		rec.AgreeingAttempts,
		rec.SuccessfulAttempts,
		trapHits,
		observedJSON,
		rec.LastUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save requirements: %w", err)
	}
	return nil
}
