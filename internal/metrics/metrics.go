// Package metrics exposes Prometheus collectors for the discovery service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	gateDecisionsTotal         *prometheus.CounterVec
	campaignsTotal             *prometheus.CounterVec
	campaignTransitionsTotal   *prometheus.CounterVec
	campaignsActive            prometheus.Gauge
	campaignConfidence         prometheus.Histogram
	ticketsTotal               *prometheus.CounterVec
	auditDroppedTotal          prometheus.Counter
	auditSinkFailuresTotal     *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		gateDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_gate_decisions_total",
				Help: "Compliance gate decisions, labeled by site and reason.",
			},
			[]string{"site", "reason"},
		)

		campaignsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_campaigns_total",
				Help: "Campaigns finished, labeled by terminal state.",
			},
			[]string{"state"},
		)

		campaignTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_campaign_transitions_total",
				Help: "Campaign state transitions, labeled by source and target state.",
			},
			[]string{"from", "to"},
		)

		campaignsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentinel_campaigns_active",
				Help: "Number of campaigns currently running.",
			},
		)

		campaignConfidence = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sentinel_campaign_confidence",
				Help:    "Final confidence level of finished campaigns.",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
			},
		)

		ticketsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_manual_backup_tickets_total",
				Help: "Manual backup tickets created, labeled by failure reason.",
			},
			[]string{"reason"},
		)

		auditDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sentinel_audit_dropped_total",
				Help: "Audit records dropped because the buffer was full.",
			},
		)

		auditSinkFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_audit_sink_failures_total",
				Help: "Audit batches a sink failed to persist, labeled by sink.",
			},
			[]string{"sink"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveGateDecision counts a compliance gate verdict.
func ObserveGateDecision(site, reason string) {
	if gateDecisionsTotal == nil {
		return
	}
	gateDecisionsTotal.WithLabelValues(SanitizeSite(site), reason).Inc()
}

// ObserveCampaignTransition counts a state machine edge.
func ObserveCampaignTransition(from, to string) {
	if campaignTransitionsTotal == nil {
		return
	}
	campaignTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveCampaignDone counts a finished campaign and its final confidence.
func ObserveCampaignDone(state string, confidence float64) {
	if campaignsTotal == nil {
		return
	}
	campaignsTotal.WithLabelValues(state).Inc()
	campaignConfidence.Observe(confidence)
}

// IncActiveCampaigns increments the active campaigns gauge.
func IncActiveCampaigns() {
	if campaignsActive != nil {
		campaignsActive.Inc()
	}
}

// DecActiveCampaigns decrements the active campaigns gauge.
func DecActiveCampaigns() {
	if campaignsActive != nil {
		campaignsActive.Dec()
	}
}

// ObserveTicket counts a newly created manual backup ticket.
func ObserveTicket(reason string) {
	if ticketsTotal == nil {
		return
	}
	ticketsTotal.WithLabelValues(reason).Inc()
}

// ObserveAuditDropped counts an audit record lost to backpressure.
func ObserveAuditDropped() {
	if auditDroppedTotal != nil {
		auditDroppedTotal.Inc()
	}
}

// ObserveAuditSinkFailure counts a batch a sink failed to persist.
func ObserveAuditSinkFailure(sink string) {
	if auditSinkFailuresTotal == nil {
		return
	}
	auditSinkFailuresTotal.WithLabelValues(sink).Inc()
}
