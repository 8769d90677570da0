package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/signup-sentinel/internal/audit"
	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

// PrometheusSink exports per-host fetch and extraction metrics derived from
// the audit trail.
type PrometheusSink struct {
	fetchAttempts *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	extractionAttempts *prometheus.CounterVec
	extractionTokens   *prometheus.CounterVec
	extractionDuration *prometheus.HistogramVec
	trapHits           *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_fetch_attempts_total",
			Help: "Fetch attempts partitioned by host, status and status class.",
		}, []string{"host", "status", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_fetch_bytes_total",
			Help: "Bytes downloaded per host.",
		}, []string{"host"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by host and headless mode.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"host", "headless"}),
		extractionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_extraction_attempts_total",
			Help: "Extraction attempts partitioned by model and outcome.",
		}, []string{"model", "outcome"}),
		extractionTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_extraction_tokens_total",
			Help: "Extraction tokens partitioned by model and direction.",
		}, []string{"model", "direction"}),
		extractionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_extraction_duration_seconds",
			Help:    "Extraction call latency per model.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"model"}),
		trapHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_trap_hits_total",
			Help: "Trap detector hits recorded on extraction attempts.",
		}, []string{"detector"}),
	}
	for _, collector := range []prometheus.Collector{
		s.fetchAttempts,
		s.fetchBytes,
		s.fetchDuration,
		s.extractionAttempts,
		s.extractionTokens,
		s.extractionDuration,
		s.trapHits,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register audit collector: %w", err)
		}
	}
	return s, nil
}

// Name implements audit.Sink.
func (s *PrometheusSink) Name() string { return "prometheus" }

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []discovery.AuditEvent) error {
	for _, evt := range batch {
		switch {
		case evt.Fetch != nil:
			s.observeFetch(*evt.Fetch)
		case evt.Extraction != nil:
			s.observeExtraction(*evt.Extraction)
		}
	}
	return nil
}

func (s *PrometheusSink) observeFetch(a discovery.FetchAttempt) {
	host := a.Host
	if host == "" {
		host = "unknown"
	}
	s.fetchAttempts.WithLabelValues(host, string(a.Status), audit.StatusClass(a.ResponseCode)).Inc()
	if a.ContentLength > 0 {
		s.fetchBytes.WithLabelValues(host).Add(float64(a.ContentLength))
	}
	if a.Status != discovery.StatusBlocked {
		headless := "false"
		if a.Headless {
			headless = "true"
		}
		s.fetchDuration.WithLabelValues(host, headless).Observe((time.Duration(a.DurationMs) * time.Millisecond).Seconds())
	}
}

func (s *PrometheusSink) observeExtraction(a discovery.ExtractionAttempt) {
	model := a.Model
	if model == "" {
		model = "unknown"
	}
	outcome := "schema_ok"
	if !a.SchemaOK {
		outcome = a.ErrorKind
		if outcome == "" {
			outcome = "error"
		}
	}
	s.extractionAttempts.WithLabelValues(model, outcome).Inc()
	if a.TokensIn > 0 {
		s.extractionTokens.WithLabelValues(model, "in").Add(float64(a.TokensIn))
	}
	if a.TokensOut > 0 {
		s.extractionTokens.WithLabelValues(model, "out").Add(float64(a.TokensOut))
	}
	s.extractionDuration.WithLabelValues(model).Observe((time.Duration(a.DurationMs) * time.Millisecond).Seconds())
	for _, name := range a.TrapHit {
		s.trapHits.WithLabelValues(name).Inc()
	}
}

// Close implements audit.Sink; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

var (
	_ audit.Sink = (*PrometheusSink)(nil)
	_ audit.Sink = (*StoreSink)(nil)
	_ audit.Sink = (*LogSink)(nil)
)
