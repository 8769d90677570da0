package sinks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

var at = time.Unix(1_700_000_000, 0).UTC()

func batch() []discovery.AuditEvent {
	return []discovery.AuditEvent{
		discovery.FetchEvent(discovery.FetchAttempt{
			ID: "f1", Host: "camps.example.com", Status: discovery.StatusAllowed,
			ResponseCode: 200, ContentLength: 2048, DurationMs: 120, AttemptedAt: at,
		}),
		discovery.FetchEvent(discovery.FetchAttempt{
			ID: "f2", Host: "camps.example.com", Status: discovery.StatusBlocked,
			Reason: "rate-limited", RateLimited: true, AttemptedAt: at,
		}),
		discovery.ExtractionEvent(discovery.ExtractionAttempt{
			ID: "e1", Model: "claude-test", SchemaOK: true, TokensIn: 500, TokensOut: 80,
			TrapHit: []string{"hidden-input"}, DurationMs: 2000, AttemptedAt: at,
		}),
		discovery.ExtractionEvent(discovery.ExtractionAttempt{
			ID: "e2", Model: "claude-test", ErrorKind: "ProviderFailure", AttemptedAt: at,
		}),
	}
}

type memoryAudit struct {
	mu          sync.Mutex
	fetches     []discovery.FetchAttempt
	extractions []discovery.ExtractionAttempt
	failFetchID string
}

func (m *memoryAudit) InsertFetchAttempt(_ context.Context, a discovery.FetchAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == m.failFetchID {
		return errors.New("constraint violation")
	}
	m.fetches = append(m.fetches, a)
	return nil
}

func (m *memoryAudit) InsertExtractionAttempt(_ context.Context, a discovery.ExtractionAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extractions = append(m.extractions, a)
	return nil
}

func (m *memoryAudit) ListFetchAttempts(context.Context, string) ([]discovery.FetchAttempt, error) {
	return nil, nil
}

func (m *memoryAudit) ListExtractionAttempts(context.Context, string) ([]discovery.ExtractionAttempt, error) {
	return nil, nil
}

func TestStoreSinkInsertsEveryRecord(t *testing.T) {
	t.Parallel()

	repo := &memoryAudit{}
	sink := NewStoreSink(repo, nil)
	require.NoError(t, sink.Consume(context.Background(), batch()))
	require.Len(t, repo.fetches, 2)
	require.Len(t, repo.extractions, 2)
	require.Equal(t, "store", sink.Name())
	require.NoError(t, sink.Close(context.Background()))
}

func TestStoreSinkContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	repo := &memoryAudit{failFetchID: "f1"}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), batch())
	require.ErrorContains(t, err, "insert fetch attempt f1")
	require.Len(t, repo.fetches, 1)
	require.Len(t, repo.extractions, 2)
}

func TestStoreSinkNilRepo(t *testing.T) {
	t.Parallel()

	require.NoError(t, NewStoreSink(nil, nil).Consume(context.Background(), batch()))
}

func TestLogSink(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), batch()))
	require.Equal(t, 2, logs.FilterMessage("fetch attempt").Len())
	require.Equal(t, 2, logs.FilterMessage("extraction attempt").Len())
}

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	require.NoError(t, sink.Consume(context.Background(), batch()))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.fetchAttempts.WithLabelValues("camps.example.com", "allowed", "2xx")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.fetchAttempts.WithLabelValues("camps.example.com", "blocked", "none")), 1e-9)
	require.InDelta(t, 2048.0, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("camps.example.com")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "sentinel_fetch_duration_seconds"))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.extractionAttempts.WithLabelValues("claude-test", "schema_ok")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.extractionAttempts.WithLabelValues("claude-test", "ProviderFailure")), 1e-9)
	require.InDelta(t, 500.0, testutil.ToFloat64(sink.extractionTokens.WithLabelValues("claude-test", "in")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.trapHits.WithLabelValues("hidden-input")), 1e-9)

	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
