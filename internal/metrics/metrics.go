// Package metrics exposes engine counters and gauges to Prometheus.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without an operations endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reelhouse/reelhouse-server/internal/domain"
)

const namespace = "reelhouse"

// Job kinds used as a label.
const (
	KindDirect = "direct"
	KindChunk  = "chunk"
)

// Metrics holds the engine's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	jobsStarted    *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	jobsRequeued   prometheus.Counter
	jobDuration    *prometheus.HistogramVec
	activeJobs     prometheus.Gauge
	queueDepth     *prometheus.GaugeVec
	chunkGroups    *prometheus.CounterVec
	extractSeconds prometheus.Histogram
}

// New registers the engine collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		jobsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoding_jobs_started_total",
			Help:      "Encoding jobs claimed by a worker",
		}, []string{"kind"}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoding_jobs_finished_total",
			Help:      "Encoding jobs that reached a final status",
		}, []string{"kind", "status"}),
		jobsRequeued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoding_jobs_requeued_total",
			Help:      "Failed or stale jobs returned to the queue",
		}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "encoding_job_duration_seconds",
			Help:      "Wall time of a single transcode run",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 12),
		}, []string{"kind"}),
		activeJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "encoding_jobs_active",
			Help:      "Transcodes currently running in this process",
		}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "encodings",
			Help:      "Encoding records by status",
		}, []string{"status"}),
		chunkGroups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_groups_finalized_total",
			Help:      "Chunk groups reassembled or failed",
		}, []string{"status"}),
		extractSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_extract_duration_seconds",
			Help:      "Time to split a source into chunk extracts",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
	}
}

func kind(chunk bool) string {
	if chunk {
		return KindChunk
	}
	return KindDirect
}

// JobStarted records a claimed job.
func (m *Metrics) JobStarted(chunk bool) {
	if m == nil {
		return
	}
	m.jobsStarted.WithLabelValues(kind(chunk)).Inc()
	m.activeJobs.Inc()
}

// JobFinished records the end of a transcode run and, for final outcomes, its status.
func (m *Metrics) JobFinished(chunk bool, status domain.EncodingStatus, took time.Duration) {
	if m == nil {
		return
	}
	m.activeJobs.Dec()
	m.jobDuration.WithLabelValues(kind(chunk)).Observe(took.Seconds())
	if status.IsFinal() {
		m.jobsFinished.WithLabelValues(kind(chunk), string(status)).Inc()
	}
}

// JobRequeued records a retry or a stale job put back in the queue.
func (m *Metrics) JobRequeued() {
	if m == nil {
		return
	}
	m.jobsRequeued.Inc()
}

// ChunkGroupFinalized records the outcome of a chunk group.
func (m *Metrics) ChunkGroupFinalized(status domain.EncodingStatus) {
	if m == nil {
		return
	}
	m.chunkGroups.WithLabelValues(string(status)).Inc()
}

// SegmentsExtracted records how long a source split took.
func (m *Metrics) SegmentsExtracted(took time.Duration) {
	if m == nil {
		return
	}
	m.extractSeconds.Observe(took.Seconds())
}

// SetQueueDepth replaces the per-status record counts.
func (m *Metrics) SetQueueDepth(counts map[domain.EncodingStatus]int) {
	if m == nil {
		return
	}
	for _, s := range []domain.EncodingStatus{
		domain.EncodingPending, domain.EncodingRunning, domain.EncodingSuccess, domain.EncodingFail,
	} {
		m.queueDepth.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
