package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

func openTempStore(t *testing.T) *AuditStore {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "  ")
	require.Error(t, err)
}

func TestFetchAttemptsRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	blocked := discovery.FetchAttempt{
		ID: "f1", CampaignID: "c1", SessionID: "s1", URL: "https://camps.example.com/signup",
		Host: "camps.example.com", Status: discovery.StatusBlocked, Reason: "robots-disallow",
		UserAgent: "sentinel", AttemptedAt: at,
	}
	allowed := blocked
	allowed.ID = "f2"
	allowed.Status = discovery.StatusAllowed
	allowed.Reason = "allowed"
	allowed.RobotsAllowed = true
	allowed.ResponseCode = 200
	allowed.ContentLength = 512
	allowed.Headless = true
	allowed.AttemptedAt = at.Add(time.Second)
	other := allowed
	other.ID = "f3"
	other.CampaignID = "c2"

	for _, a := range []discovery.FetchAttempt{allowed, blocked, other} {
		require.NoError(t, store.InsertFetchAttempt(ctx, a))
	}

	got, err := store.ListFetchAttempts(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []discovery.FetchAttempt{blocked, allowed}, got)
}

func TestFetchAttemptsAppendOnly(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	a := discovery.FetchAttempt{ID: "dup", URL: "u", Host: "h", Status: discovery.StatusError, AttemptedAt: time.Now()}
	require.NoError(t, store.InsertFetchAttempt(context.Background(), a))
	require.Error(t, store.InsertFetchAttempt(context.Background(), a))
}

func TestExtractionAttemptsRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	second := discovery.ExtractionAttempt{
		ID: "e2", CampaignID: "c1", SessionID: "s1", URL: "https://camps.example.com/signup",
		Model: "claude-test", TokensIn: 900, TokensOut: 120, SchemaOK: true, RetryCount: 1,
		TrapHit: []string{"hidden-input", "prompt-injection"}, RawOutput: `{"fields":[]}`,
		DurationMs: 850, AttemptedAt: at.Add(time.Second),
	}
	first := discovery.ExtractionAttempt{
		ID: "e1", CampaignID: "c1", SessionID: "s1", Model: "claude-test",
		RetryCount: 0, ErrorKind: string(discovery.ProviderFailure), AttemptedAt: at,
	}
	require.NoError(t, store.InsertExtractionAttempt(ctx, second))
	require.NoError(t, store.InsertExtractionAttempt(ctx, first))

	got, err := store.ListExtractionAttempts(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []discovery.ExtractionAttempt{first, second}, got)

	empty, err := store.ListExtractionAttempts(ctx, "unknown")
	require.NoError(t, err)
	require.Empty(t, empty)
}
