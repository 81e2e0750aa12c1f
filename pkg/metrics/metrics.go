// Package metrics exposes Prometheus collectors for replication cycles.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Results of a sync cycle, used as the `result` label.
const (
	ResultCopied   = "copied"
	ResultInSync   = "in_sync"
	ResultFailed   = "failed"
	ResultNoSource = "no_source"
)

// Metrics holds the collectors shared by every replicated index. Each index
// records through its own IndexMetrics.
type Metrics struct {
	syncs        *prometheus.CounterVec
	skippedTicks *prometheus.CounterVec
	copiedBytes  *prometheus.CounterVec
	copyDuration *prometheus.HistogramVec
	generation   *prometheus.GaugeVec
}

// New creates the collectors and registers them with `reg`.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replica_sync_total",
			Help: "Sync cycles, by result.",
		}, []string{"index", "result"}),
		skippedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replica_ticks_skipped_total",
			Help: "Ticks dropped because the previous sync was still running.",
		}, []string{"index"}),
		copiedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replica_copy_bytes_total",
			Help: "Bytes copied into replica slots.",
		}, []string{"index"}),
		copyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "replica_copy_duration_seconds",
			Help:    "Time spent copying a generation, including failed copies.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"index"}),
		generation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "replica_current_generation",
			Help: "Generation currently served to readers (0 before the first start).",
		}, []string{"index"}),
	}

	reg.MustRegister(m.syncs, m.skippedTicks, m.copiedBytes, m.copyDuration, m.generation)
	return m
}

// ForIndex returns the recorder for the index called `name`. Calling it on a
// nil Metrics returns a recorder that drops everything.
func (m *Metrics) ForIndex(name string) *IndexMetrics {
	if m == nil {
		return nil
	}
	return &IndexMetrics{m: m, index: name}
}

// IndexMetrics records the metrics of a single index. A nil *IndexMetrics is
// valid and records nothing.
type IndexMetrics struct {
	m     *Metrics
	index string
}

// Sync counts a finished sync cycle.
func (im *IndexMetrics) Sync(result string) {
	if im == nil {
		return
	}
	im.m.syncs.WithLabelValues(im.index, result).Inc()
}

// SkippedTick counts a tick dropped by the scheduler.
func (im *IndexMetrics) SkippedTick() {
	if im == nil {
		return
	}
	im.m.skippedTicks.WithLabelValues(im.index).Inc()
}

// Copy records a copy attempt.
func (im *IndexMetrics) Copy(bytes int64, d time.Duration) {
	if im == nil {
		return
	}
	im.m.copiedBytes.WithLabelValues(im.index).Add(float64(bytes))
	im.m.copyDuration.WithLabelValues(im.index).Observe(d.Seconds())
}

// Generation sets the generation currently served to readers.
func (im *IndexMetrics) Generation(gen int32) {
	if im == nil {
		return
	}
	im.m.generation.WithLabelValues(im.index).Set(float64(gen))
}
