package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

const fetchColumns = `id, campaign_id, session_id, url, host, status, reason, robots_allowed,
	rate_limited, response_code, content_length, duration_ms, user_agent, source_ip, headless, attempted_at`

const extractionColumns = `id, campaign_id, session_id, url, model, tokens_in, tokens_out, schema_ok,
	retry_count, trap_hit, raw_output, error_kind, duration_ms, attempted_at`

// InsertFetchAttempt appends one fetch attempt row.
func (s *Store) InsertFetchAttempt(ctx context.Context, a discovery.FetchAttempt) error {
	query := `INSERT INTO fetch_attempts (` + fetchColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err := s.pool.Exec(ctx, query,
		a.ID,
		a.CampaignID,
		a.SessionID,
		a.URL,
		a.Host,
		string(a.Status),
		a.Reason,
		a.RobotsAllowed,
		a.RateLimited,
		a.ResponseCode,
		a.ContentLength,
		a.DurationMs,
		a.UserAgent,
		a.SourceIP,
		a.Headless,
		a.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fetch attempt: %w", err)
	}
	return nil
}

// InsertExtractionAttempt appends one extraction attempt row.
func (s *Store) InsertExtractionAttempt(ctx context.Context, a discovery.ExtractionAttempt) error {
	query := `INSERT INTO extraction_attempts (` + extractionColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	trapHit := a.TrapHit
	if trapHit == nil {
		trapHit = []string{}
	}
	_, err := s.pool.Exec(ctx, query,
		a.ID,
		a.CampaignID,
		a.SessionID,
		a.URL,
		a.Model,
		a.TokensIn,
		a.TokensOut,
		a.SchemaOK,
		a.RetryCount,
		trapHit,
		a.RawOutput,
		a.ErrorKind,
		a.DurationMs,
		a.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("insert extraction attempt: %w", err)
	}
	return nil
}

// ListFetchAttempts returns a campaign's fetch attempts oldest first.
func (s *Store) ListFetchAttempts(ctx context.Context, campaignID string) ([]discovery.FetchAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fetchColumns+` FROM fetch_attempts WHERE campaign_id = $1 ORDER BY attempted_at, id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list fetch attempts: %w", err)
	}
	defer rows.Close()

	var out []discovery.FetchAttempt
	for rows.Next() {
		var (
			a      discovery.FetchAttempt
			status string
		)
		if err := rows.Scan(
			&a.ID, &a.CampaignID, &a.SessionID, &a.URL, &a.Host, &status, &a.Reason,
			&a.RobotsAllowed, &a.RateLimited, &a.ResponseCode, &a.ContentLength,
			&a.DurationMs, &a.UserAgent, &a.SourceIP, &a.Headless, &a.AttemptedAt,
		); err != nil {
			return nil, fmt.Errorf("scan fetch attempt: %w", err)
		}
		a.Status = discovery.AttemptStatus(status)
		out = append(out, a)
	}
	return out, rowsErr(rows, "list fetch attempts")
}

// ListExtractionAttempts returns a campaign's extraction attempts in retry order.
func (s *Store) ListExtractionAttempts(ctx context.Context, campaignID string) ([]discovery.ExtractionAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+extractionColumns+` FROM extraction_attempts WHERE campaign_id = $1 ORDER BY retry_count, attempted_at`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list extraction attempts: %w", err)
	}
	defer rows.Close()

	var out []discovery.ExtractionAttempt
	for rows.Next() {
		var a discovery.ExtractionAttempt
		if err := rows.Scan(
			&a.ID, &a.CampaignID, &a.SessionID, &a.URL, &a.Model, &a.TokensIn, &a.TokensOut,
			&a.SchemaOK, &a.RetryCount, &a.TrapHit, &a.RawOutput, &a.ErrorKind,
			&a.DurationMs, &a.AttemptedAt,
		); err != nil {
			return nil, fmt.Errorf("scan extraction attempt: %w", err)
		}
		if len(a.TrapHit) == 0 {
			a.TrapHit = nil
		}
		out = append(out, a)
	}
	return out, rowsErr(rows, "list extraction attempts")
}

func rowsErr(rows pgx.Rows, op string) error {
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
