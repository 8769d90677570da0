package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAuditAttemptsByCampaign(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.InsertFetchAttempt(ctx, discovery.FetchAttempt{ID: "f1", CampaignID: "c1"}))
	require.NoError(t, store.InsertFetchAttempt(ctx, discovery.FetchAttempt{ID: "f2", CampaignID: "c2"}))
	require.NoError(t, store.InsertExtractionAttempt(ctx, discovery.ExtractionAttempt{ID: "e2", CampaignID: "c1", RetryCount: 1}))
	require.NoError(t, store.InsertExtractionAttempt(ctx, discovery.ExtractionAttempt{ID: "e1", CampaignID: "c1", RetryCount: 0, TrapHit: []string{"hidden-input"}}))

	fetches, err := store.ListFetchAttempts(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, fetches, 1)
	require.Equal(t, "f1", fetches[0].ID)

	extractions, err := store.ListExtractionAttempts(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, extractions, 2)
	require.Equal(t, "e1", extractions[0].ID)
	extractions[0].TrapHit[0] = "mutated"

	again, err := store.ListExtractionAttempts(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"hidden-input"}, again[0].TrapHit)
}

func TestRequirementsConfidenceNeverDecreases(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	_, err := store.GetRequirements(ctx, "s1")
	require.ErrorIs(t, err, discovery.ErrNotFound)

	require.NoError(t, store.SaveRequirements(ctx, discovery.RequirementsRecord{SessionID: "s1", ConfidenceLevel: 0.7}))
	require.NoError(t, store.SaveRequirements(ctx, discovery.RequirementsRecord{
		SessionID:       "s1",
		ConfidenceLevel: 0.4,
		Observations:    map[string]int{"email": 2},
	}))

	rec, err := store.GetRequirements(ctx, "s1")
	require.NoError(t, err)
	require.InDelta(t, 0.7, rec.ConfidenceLevel, 1e-9)
	require.Equal(t, 2, rec.Observations["email"])

	rec.Observations["email"] = 99
	again, err := store.GetRequirements(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 2, again.Observations["email"])
}

func TestTicketIdempotentUnderConcurrency(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[string]struct{}{}
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ticket, ok, err := store.CreateIfAbsent(ctx, discovery.ManualBackupTicket{
				ID: "t" + string(rune('a'+i)), SessionID: "s1", CampaignID: "c1", CreatedAt: now,
			})
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			ids[ticket.ID] = struct{}{}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, created)
	require.Len(t, ids, 1)
}

func TestTicketResolveOnce(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	_, _, err := store.CreateIfAbsent(ctx, discovery.ManualBackupTicket{ID: "t1", SessionID: "s1", CampaignID: "c1", CreatedAt: now})
	require.NoError(t, err)

	resolved, err := store.ResolveTicket(ctx, "t1", now.Add(time.Hour), "ops", "done")
	require.NoError(t, err)
	require.True(t, resolved.Resolved())
	require.Equal(t, "ops", resolved.ResolvedBy)

	_, err = store.ResolveTicket(ctx, "t1", now.Add(2*time.Hour), "ops", "again")
	require.ErrorIs(t, err, discovery.ErrTicketResolved)
	_, err = store.ResolveTicket(ctx, "missing", now, "ops", "")
	require.ErrorIs(t, err, discovery.ErrNotFound)

	stored, err := store.GetTicket(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Hour), *stored.ResolvedAt)
	require.Equal(t, "done", stored.ResolutionNote)
}

func TestListTicketsFilters(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	for i, sess := range []string{"s1", "s1", "s2"} {
		_, _, err := store.CreateIfAbsent(ctx, discovery.ManualBackupTicket{
			ID:         "t" + string(rune('1'+i)),
			SessionID:  sess,
			CampaignID: "c" + string(rune('1'+i)),
			CreatedAt:  now.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := store.ResolveTicket(ctx, "t1", now, "ops", "")
	require.NoError(t, err)

	all, err := store.ListTickets(ctx, discovery.TicketFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "t3", all[0].ID)

	open, err := store.ListTickets(ctx, discovery.TicketFilter{SessionID: "s1", UnresolvedOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "t2", open[0].ID)
}

func TestCampaignLifecycle(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	rec := discovery.CampaignRecord{ID: "c1", SessionID: "s1", URLs: []string{"https://a.example.com"}, State: discovery.StateIdle, Submitted: now}

	require.NoError(t, store.CreateCampaign(ctx, rec))
	require.Error(t, store.CreateCampaign(ctx, rec))
	require.ErrorIs(t, store.UpdateCampaign(ctx, discovery.CampaignRecord{ID: "nope"}), discovery.ErrNotFound)

	rec.State = discovery.StateSufficient
	rec.Transitions = []discovery.CampaignState{discovery.StateIdle, discovery.StateFetching}
	require.NoError(t, store.UpdateCampaign(ctx, rec))
	rec.Transitions[0] = discovery.StateBlocked

	got, err := store.GetCampaign(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, discovery.StateSufficient, got.State)
	require.Equal(t, discovery.StateIdle, got.Transitions[0])

	_, err = store.GetCampaign(ctx, "missing")
	require.ErrorIs(t, err, discovery.ErrNotFound)
}
