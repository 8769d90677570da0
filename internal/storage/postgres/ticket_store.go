package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

const ticketColumns = `id, session_id, campaign_id, url, failure_reason, final_confidence, snapshot_uri,
	created_at, resolved_at, resolved_by, resolution_note`

// CreateIfAbsent inserts ticket unless one exists for its session and
// campaign; the unique constraint decides the race.
func (s *Store) CreateIfAbsent(ctx context.Context, t discovery.ManualBackupTicket) (discovery.ManualBackupTicket, bool, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO manual_backup_tickets (`+ticketColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (session_id, campaign_id) DO NOTHING
RETURNING `+ticketColumns,
		t.ID,
		t.SessionID,
		t.CampaignID,
		t.URL,
		t.FailureReason,
		t.FinalConfidence,
		t.SnapshotURI,
		t.CreatedAt,
		t.ResolvedAt,
		t.ResolvedBy,
		t.ResolutionNote,
	)
	created, err := scanTicket(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return discovery.ManualBackupTicket{}, false, fmt.Errorf("insert ticket: %w", err)
	}

	existing, err := scanTicket(s.pool.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM manual_backup_tickets WHERE session_id = $1 AND campaign_id = $2`,
		t.SessionID, t.CampaignID))
	if err != nil {
		return discovery.ManualBackupTicket{}, false, fmt.Errorf("load existing ticket: %w", err)
	}
	return existing, false, nil
}

// GetTicket loads one ticket.
func (s *Store) GetTicket(ctx context.Context, id string) (discovery.ManualBackupTicket, error) {
	t, err := scanTicket(s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM manual_backup_tickets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return discovery.ManualBackupTicket{}, discovery.ErrNotFound
	}
	if err != nil {
		return discovery.ManualBackupTicket{}, fmt.Errorf("get ticket: %w", err)
	}
	return t, nil
}

// ResolveTicket marks an unresolved ticket resolved.
func (s *Store) ResolveTicket(ctx context.Context, id string, at time.Time, by, note string) (discovery.ManualBackupTicket, error) {
	t, err := scanTicket(s.pool.QueryRow(ctx, `
UPDATE manual_backup_tickets
SET resolved_at = $2, resolved_by = $3, resolution_note = $4
WHERE id = $1 AND resolved_at IS NULL
RETURNING `+ticketColumns, id, at, by, note))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return discovery.ManualBackupTicket{}, fmt.Errorf("resolve ticket: %w", err)
	}
	if _, err := s.GetTicket(ctx, id); err != nil {
		return discovery.ManualBackupTicket{}, err
	}
	return discovery.ManualBackupTicket{}, discovery.ErrTicketResolved
}

// ListTickets returns tickets newest first.
func (s *Store) ListTickets(ctx context.Context, filter discovery.TicketFilter) ([]discovery.ManualBackupTicket, error) {
	var (
		where []string
		args  []any
	)
	if filter.SessionID != "" {
		args = append(args, filter.SessionID)
		where = append(where, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if filter.UnresolvedOnly {
		where = append(where, "resolved_at IS NULL")
	}
	query := `SELECT ` + ticketColumns + ` FROM manual_backup_tickets`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	var out []discovery.ManualBackupTicket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		out = append(out, t)
	}
	return out, rowsErr(rows, "list tickets")
}

func scanTicket(row pgx.Row) (discovery.ManualBackupTicket, error) {
	var t discovery.ManualBackupTicket
	err := row.Scan(
		&t.ID,
		&t.SessionID,
		&t.CampaignID,
		&t.URL,
		&t.FailureReason,
		&t.FinalConfidence,
		&t.SnapshotURI,
		&t.CreatedAt,
		&t.ResolvedAt,
		&t.ResolvedBy,
		&t.ResolutionNote,
	)
	return t, err
}
