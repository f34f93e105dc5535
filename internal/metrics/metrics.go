// Package metrics holds the prometheus collectors exported by sitesyncd.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sitesyncd"

// Metrics groups all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	syncRequests *prometheus.CounterVec
	syncFiles    *prometheus.CounterVec
	syncFailures *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec
	resyncJobs   *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_requests_total",
			Help:      "Sync requests by mode and result.",
		}, []string{"mode", "result"}),
		syncFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_files_total",
			Help:      "Files handled by sync, by operation.",
		}, []string{"op"}),
		syncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_failures_total",
			Help:      "Per-file failures during sync, by phase.",
		}, []string{"phase"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of sync requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		resyncJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resync_jobs_total",
			Help:      "Webhook-triggered re-sync jobs by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}

	reg.MustRegister(m.syncRequests, m.syncFiles, m.syncFailures, m.syncDuration, m.resyncJobs, m.httpRequests)
	return m
}

// ObserveSync records one finished sync request.
func (m *Metrics) ObserveSync(mode, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncRequests.WithLabelValues(mode, result).Inc()
	m.syncDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// AddFiles counts n files handled with op (upload, update, delete, unchanged).
func (m *Metrics) AddFiles(op string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.syncFiles.WithLabelValues(op).Add(float64(n))
}

// IncFailure counts a per-file failure in phase (presign, upsert, delete, upload).
func (m *Metrics) IncFailure(phase string) {
	if m == nil {
		return
	}
	m.syncFailures.WithLabelValues(phase).Inc()
}

// IncResync counts a finished re-sync job.
func (m *Metrics) IncResync(result string) {
	if m == nil {
		return
	}
	m.resyncJobs.WithLabelValues(result).Inc()
}

// IncHTTP counts a served HTTP request.
func (m *Metrics) IncHTTP(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
