// Package metrics provides Prometheus metrics for identity resolution.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ekaya-inc/ekaya-identity/pkg/models"
)

// Resolution modes used as the "mode" label.
const (
	ModeSingle = "single"
	ModeBulk   = "bulk"
)

// ResolutionMetrics contains Prometheus metrics for name resolution.
// A nil *ResolutionMetrics is valid and records nothing.
type ResolutionMetrics struct {
	registry *prometheus.Registry

	resolutionsTotal     *prometheus.CounterVec
	resolutionDuration   *prometheus.HistogramVec
	bulkItemFailures     prometheus.Counter
	semanticUnavailable  prometheus.Counter
	pendingVerifications prometheus.Counter
}

// NewResolutionMetrics creates and registers resolution metrics.
func NewResolutionMetrics(registry *prometheus.Registry) (*ResolutionMetrics, error) {
	m := &ResolutionMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ResolutionMetrics) initMetrics() {
	m.resolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_resolutions_total",
			Help: "Total number of resolved names by outcome",
		},
		[]string{"mode", "outcome"}, // outcome: new, exact, fuzzy, vector, manual
	)

	m.resolutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "identity_resolution_duration_seconds",
			Help: "Time taken to serve a resolution request",
			// 5ms to ~20s: single exact hits up to full bulk requests.
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"mode"},
	)

	m.bulkItemFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_bulk_item_failures_total",
		Help: "Total number of bulk items that failed and were rolled back",
	})

	m.semanticUnavailable = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_semantic_unavailable_total",
		Help: "Total number of resolutions that ran without the semantic tier because it was unavailable",
	})

	m.pendingVerifications = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_pending_verifications_total",
		Help: "Total number of variants attached with requires_verification set",
	})
}

// Describe implements prometheus.Collector.
func (m *ResolutionMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.resolutionsTotal.Describe(ch)
	m.resolutionDuration.Describe(ch)
	m.bulkItemFailures.Describe(ch)
	m.semanticUnavailable.Describe(ch)
	m.pendingVerifications.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *ResolutionMetrics) Collect(ch chan<- prometheus.Metric) {
	m.resolutionsTotal.Collect(ch)
	m.resolutionDuration.Collect(ch)
	m.bulkItemFailures.Collect(ch)
	m.semanticUnavailable.Collect(ch)
	m.pendingVerifications.Collect(ch)
}

// RecordResolution counts one resolved name.
func (m *ResolutionMetrics) RecordResolution(mode string, r *models.ResolutionResult) {
	if m == nil || r == nil {
		return
	}
	outcome := string(models.MatchMethodNew)
	if !r.IsNewCanonical && r.MatchMethod != "" {
		outcome = strings.ToLower(string(r.MatchMethod))
	}
	m.resolutionsTotal.WithLabelValues(mode, outcome).Inc()
	if r.RequiresVerification {
		m.pendingVerifications.Inc()
	}
}

// ObserveDuration records how long a request took.
func (m *ResolutionMetrics) ObserveDuration(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.resolutionDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordBulkItemFailure counts one failed bulk item.
func (m *ResolutionMetrics) RecordBulkItemFailure() {
	if m == nil {
		return
	}
	m.bulkItemFailures.Inc()
}

// RecordSemanticUnavailable counts one resolution that skipped the semantic tier.
func (m *ResolutionMetrics) RecordSemanticUnavailable() {
	if m == nil {
		return
	}
	m.semanticUnavailable.Inc()
}
