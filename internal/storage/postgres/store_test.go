package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

var now = time.Unix(1_700_000_000, 0).UTC()

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
	_, err = New(context.Background(), Config{})
	require.Error(t, err)
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("SELECT pg_advisory_lock").WithArgs(migrationLockID).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS fetch_attempts").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("SELECT pg_advisory_unlock").WithArgs(migrationLockID).WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertFetchAttempt(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	a := discovery.FetchAttempt{
		ID: "f1", CampaignID: "c1", SessionID: "s1", URL: "https://camps.example.com/signup",
		Host: "camps.example.com", Status: discovery.StatusBlocked, Reason: "rate-limited",
		RobotsAllowed: true, RateLimited: true, UserAgent: "sentinel", AttemptedAt: now,
	}
	mock.ExpectExec("INSERT INTO fetch_attempts").
		WithArgs(
			a.ID, a.CampaignID, a.SessionID, a.URL, a.Host, "blocked", a.Reason,
			true, true, 0, int64(0), int64(0), "sentinel", "", false, now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.InsertFetchAttempt(context.Background(), a))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertExtractionAttemptError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO extraction_attempts").
		WithArgs(
			"e1", "c1", "s1", "", "claude-test", int64(10), int64(2), false, 1,
			[]string{}, "", "ProviderFailure", int64(5), now,
		).
		WillReturnError(errors.New("connection refused"))

	err := store.InsertExtractionAttempt(context.Background(), discovery.ExtractionAttempt{
		ID: "e1", CampaignID: "c1", SessionID: "s1", Model: "claude-test", TokensIn: 10, TokensOut: 2,
		RetryCount: 1, ErrorKind: "ProviderFailure", DurationMs: 5, AttemptedAt: now,
	})
	require.ErrorContains(t, err, "insert extraction attempt")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListExtractionAttempts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rows := pgxmock.NewRows([]string{
		"id", "campaign_id", "session_id", "url", "model", "tokens_in", "tokens_out", "schema_ok",
		"retry_count", "trap_hit", "raw_output", "error_kind", "duration_ms", "attempted_at",
	}).
		AddRow("e1", "c1", "s1", "u", "m", int64(1), int64(1), false, 0, []string{}, "", "SchemaInvalid", int64(3), now).
		AddRow("e2", "c1", "s1", "u", "m", int64(1), int64(1), true, 1, []string{"hidden-input"}, "{}", "", int64(3), now)
	mock.ExpectQuery("SELECT (.+) FROM extraction_attempts WHERE campaign_id").WithArgs("c1").WillReturnRows(rows)

	got, err := store.ListExtractionAttempts(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Nil(t, got[0].TrapHit)
	require.Equal(t, []string{"hidden-input"}, got[1].TrapHit)
	require.Equal(t, 1, got[1].RetryCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListFetchAttempts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rows := pgxmock.NewRows([]string{
		"id", "campaign_id", "session_id", "url", "host", "status", "reason", "robots_allowed",
		"rate_limited", "response_code", "content_length", "duration_ms", "user_agent", "source_ip", "headless", "attempted_at",
	}).AddRow("f1", "c1", "s1", "u", "h", "allowed", "allowed", true, false, 200, int64(10), int64(4), "ua", "10.0.0.1", false, now)
	mock.ExpectQuery("SELECT (.+) FROM fetch_attempts WHERE campaign_id").WithArgs("c1").WillReturnRows(rows)

	got, err := store.ListFetchAttempts(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, discovery.StatusAllowed, got[0].Status)
	require.Equal(t, "10.0.0.1", got[0].SourceIP)
	require.NoError(t, mock.ExpectationsWereMet())
}

func requirementsRow(rec discovery.RequirementsRecord) *pgxmock.Rows {
	fields, _ := json.Marshal(rec.DiscoveredFields)
	observed, _ := json.Marshal(rec.Observations)
	return pgxmock.NewRows([]string{
		"session_id", "campaign_id", "discovered_fields", "confidence_level", "agreeing_attempts",
		"successful_attempts", "trap_hits", "observations", "last_updated_at",
	}).AddRow(rec.SessionID, rec.CampaignID, fields, rec.ConfidenceLevel, rec.AgreeingAttempts,
		rec.SuccessfulAttempts, []string{}, observed, rec.LastUpdatedAt)
}

func TestRequirementsRoundTrip(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := discovery.RequirementsRecord{
		SessionID:          "s1",
		CampaignID:         "c1",
		DiscoveredFields:   []discovery.FieldDescriptor{{Name: "email", Type: discovery.FieldEmail, Category: "contact", Required: true}},
		ConfidenceLevel:    0.55,
		AgreeingAttempts:   1,
		SuccessfulAttempts: 1,
		Observations:       map[string]int{"email": 1},
		LastUpdatedAt:      now,
	}
	fields, err := json.Marshal(rec.DiscoveredFields)
	require.NoError(t, err)
	observed, err := json.Marshal(rec.Observations)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO requirements").
		WithArgs("s1", "c1", fields, 0.55, 1, 1, []string{}, observed, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT (.+) FROM requirements WHERE session_id").WithArgs("s1").WillReturnRows(requirementsRow(rec))

	require.NoError(t, store.SaveRequirements(context.Background(), rec))
	got, err := store.GetRequirements(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, rec, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRequirementsNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM requirements").WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"session_id"}))

	_, err := store.GetRequirements(context.Background(), "missing")
	require.ErrorIs(t, err, discovery.ErrNotFound)
}

var ticketCols = []string{
	"id", "session_id", "campaign_id", "url", "failure_reason", "final_confidence", "snapshot_uri",
	"created_at", "resolved_at", "resolved_by", "resolution_note",
}

func ticketRow(t discovery.ManualBackupTicket) *pgxmock.Rows {
	return pgxmock.NewRows(ticketCols).AddRow(
		t.ID, t.SessionID, t.CampaignID, t.URL, t.FailureReason, t.FinalConfidence, t.SnapshotURI,
		t.CreatedAt, t.ResolvedAt, t.ResolvedBy, t.ResolutionNote,
	)
}

func sampleTicket() discovery.ManualBackupTicket {
	return discovery.ManualBackupTicket{
		ID: "t1", SessionID: "s1", CampaignID: "c1", URL: "https://camps.example.com/signup",
		FailureReason: "ProviderFailure", FinalConfidence: 0.2, CreatedAt: now,
	}
}

func TestCreateIfAbsentInserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ticket := sampleTicket()
	mock.ExpectQuery("INSERT INTO manual_backup_tickets").WillReturnRows(ticketRow(ticket))

	got, created, err := store.CreateIfAbsent(context.Background(), ticket)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, ticket, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateIfAbsentReturnsExisting(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	existing := sampleTicket()
	dup := existing
	dup.ID = "t2"
	mock.ExpectQuery("INSERT INTO manual_backup_tickets").WillReturnRows(pgxmock.NewRows(ticketCols))
	mock.ExpectQuery("SELECT (.+) FROM manual_backup_tickets WHERE session_id").
		WithArgs("s1", "c1").
		WillReturnRows(ticketRow(existing))

	got, created, err := store.CreateIfAbsent(context.Background(), dup)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "t1", got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveTicket(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	resolved := sampleTicket()
	at := now.Add(time.Hour)
	resolved.ResolvedAt = &at
	resolved.ResolvedBy = "ops@example.com"
	mock.ExpectQuery("UPDATE manual_backup_tickets").
		WithArgs("t1", at, "ops@example.com", "filled manually").
		WillReturnRows(ticketRow(resolved))

	got, err := store.ResolveTicket(context.Background(), "t1", at, "ops@example.com", "filled manually")
	require.NoError(t, err)
	require.True(t, got.Resolved())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveTicketTwice(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	resolved := sampleTicket()
	at := now
	resolved.ResolvedAt = &at
	mock.ExpectQuery("UPDATE manual_backup_tickets").WillReturnRows(pgxmock.NewRows(ticketCols))
	mock.ExpectQuery("SELECT (.+) FROM manual_backup_tickets WHERE id").WithArgs("t1").WillReturnRows(ticketRow(resolved))

	_, err := store.ResolveTicket(context.Background(), "t1", now, "ops", "")
	require.ErrorIs(t, err, discovery.ErrTicketResolved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveTicketMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE manual_backup_tickets").WillReturnRows(pgxmock.NewRows(ticketCols))
	mock.ExpectQuery("SELECT (.+) FROM manual_backup_tickets WHERE id").WithArgs("nope").WillReturnRows(pgxmock.NewRows(ticketCols))

	_, err := store.ResolveTicket(context.Background(), "nope", now, "ops", "")
	require.ErrorIs(t, err, discovery.ErrNotFound)
}

func TestListTicketsFilter(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`FROM manual_backup_tickets WHERE session_id = \$1 AND resolved_at IS NULL`).
		WithArgs("s1").
		WillReturnRows(ticketRow(sampleTicket()))

	got, err := store.ListTickets(context.Background(), discovery.TicketFilter{SessionID: "s1", UnresolvedOnly: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignLifecycle(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := discovery.CampaignRecord{
		ID: "c1", SessionID: "s1", URLs: []string{"https://camps.example.com/signup"},
		State: discovery.StateIdle, Submitted: now,
	}
	mock.ExpectExec("INSERT INTO campaigns").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE campaigns").WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.CreateCampaign(context.Background(), rec))
	require.ErrorIs(t, store.UpdateCampaign(context.Background(), rec), discovery.ErrNotFound)

	finished := now.Add(time.Minute)
	mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").WithArgs("c1").WillReturnRows(
		pgxmock.NewRows([]string{
			"id", "session_id", "urls", "state", "transitions", "confidence", "ticket_id",
			"fetch_attempts", "extraction_attempts", "error_text", "submitted_at", "started_at", "finished_at",
		}).AddRow("c1", "s1", rec.URLs, "sufficient", []string{"idle", "fetching", "extracting", "sufficient"},
			0.7, "", 1, 3, "", now, &now, &finished),
	)
	got, err := store.GetCampaign(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, discovery.StateSufficient, got.State)
	require.Equal(t, []discovery.CampaignState{"idle", "fetching", "extracting", "sufficient"}, got.Transitions)
	require.Equal(t, 3, got.ExtractionAttempts)
	require.Equal(t, finished, *got.Finished)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCampaignConflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO campaigns").WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectExec("INSERT INTO campaigns").WillReturnError(errors.New("connection lost"))

	rec := discovery.CampaignRecord{ID: "c1", SessionID: "s1", State: discovery.StateIdle, Submitted: now}
	require.ErrorIs(t, store.CreateCampaign(context.Background(), rec), discovery.ErrConflict)
	err := store.CreateCampaign(context.Background(), rec)
	require.Error(t, err)
	require.NotErrorIs(t, err, discovery.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}
