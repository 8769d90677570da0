// Package sqlite stores audit records in a local SQLite file for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

//go:embed schema.sql
var schemaSQL string

// AuditStore implements discovery.AuditStore on SQLite.
type AuditStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*AuditStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &AuditStore{db: db}, nil
}

// Close releases the database handle.
func (s *AuditStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InsertFetchAttempt appends one fetch attempt row.
func (s *AuditStore) InsertFetchAttempt(ctx context.Context, a discovery.FetchAttempt) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO fetch_attempts (
	id, campaign_id, session_id, url, host, status, reason, robots_allowed, rate_limited,
	response_code, content_length, duration_ms, user_agent, source_ip, headless, attempted_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
		a.AttemptedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert fetch attempt: %w", err)
	}
	return nil
}

// InsertExtractionAttempt appends one extraction attempt row.
func (s *AuditStore) InsertExtractionAttempt(ctx context.Context, a discovery.ExtractionAttempt) error {
	trapHit := a.TrapHit
	if trapHit == nil {
		trapHit = []string{}
	}
	trapJSON, err := json.Marshal(trapHit)
	if err != nil {
		return fmt.Errorf("marshal trap hits: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO extraction_attempts (
	id, campaign_id, session_id, url, model, tokens_in, tokens_out, schema_ok,
	retry_count, trap_hit, raw_output, error_kind, duration_ms, attempted_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.CampaignID,
		a.SessionID,
		a.URL,
		a.Model,
		a.TokensIn,
		a.TokensOut,
		a.SchemaOK,
		a.RetryCount,
		string(trapJSON),
		a.RawOutput,
		a.ErrorKind,
		a.DurationMs,
		a.AttemptedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert extraction attempt: %w", err)
	}
	return nil
}

// ListFetchAttempts returns a campaign's fetch attempts oldest first.
func (s *AuditStore) ListFetchAttempts(ctx context.Context, campaignID string) ([]discovery.FetchAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, campaign_id, session_id, url, host, status, reason, robots_allowed, rate_limited,
	response_code, content_length, duration_ms, user_agent, source_ip, headless, attempted_at
FROM fetch_attempts
WHERE campaign_id = ?
ORDER BY attempted_at, rowid`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list fetch attempts: %w", err)
	}
	defer rows.Close()

	var out []discovery.FetchAttempt
	for rows.Next() {
		var (
			a           discovery.FetchAttempt
			status      string
			attemptedAt int64
		)
		if err := rows.Scan(
			&a.ID, &a.CampaignID, &a.SessionID, &a.URL, &a.Host, &status, &a.Reason,
			&a.RobotsAllowed, &a.RateLimited, &a.ResponseCode, &a.ContentLength,
			&a.DurationMs, &a.UserAgent, &a.SourceIP, &a.Headless, &attemptedAt,
		); err != nil {
			return nil, fmt.Errorf("scan fetch attempt: %w", err)
		}
		a.Status = discovery.AttemptStatus(status)
		a.AttemptedAt = time.UnixMilli(attemptedAt).UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fetch attempts: %w", err)
	}
	return out, nil
}

// ListExtractionAttempts returns a campaign's extraction attempts in retry order.
func (s *AuditStore) ListExtractionAttempts(ctx context.Context, campaignID string) ([]discovery.ExtractionAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, campaign_id, session_id, url, model, tokens_in, tokens_out, schema_ok,
	retry_count, trap_hit, raw_output, error_kind, duration_ms, attempted_at
FROM extraction_attempts
WHERE campaign_id = ?
ORDER BY retry_count, attempted_at`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list extraction attempts: %w", err)
	}
	defer rows.Close()

	var out []discovery.ExtractionAttempt
	for rows.Next() {
		var (
			a           discovery.ExtractionAttempt
			trapJSON    string
			attemptedAt int64
		)
		if err := rows.Scan(
			&a.ID, &a.CampaignID, &a.SessionID, &a.URL, &a.Model, &a.TokensIn, &a.TokensOut,
			&a.SchemaOK, &a.RetryCount, &trapJSON, &a.RawOutput, &a.ErrorKind,
			&a.DurationMs, &attemptedAt,
		); err != nil {
			return nil, fmt.Errorf("scan extraction attempt: %w", err)
		}
		if err := json.Unmarshal([]byte(trapJSON), &a.TrapHit); err != nil {
			return nil, fmt.Errorf("decode trap hits: %w", err)
		}
		if len(a.TrapHit) == 0 {
			a.TrapHit = nil
		}
		a.AttemptedAt = time.UnixMilli(attemptedAt).UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate extraction attempts: %w", err)
	}
	return out, nil
}

var _ discovery.AuditStore = (*AuditStore)(nil)
