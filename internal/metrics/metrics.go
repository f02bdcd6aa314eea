// Package metrics provides Prometheus metrics for the recorder and the
// publish worker.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Segment outcomes used as the "outcome" label.
const (
	OutcomeReady          = "ready"
	OutcomeCaptureFailed  = "capture_failed"
	OutcomeCompressFailed = "compress_failed"
	OutcomeNotSmaller     = "not_smaller"
	OutcomeLedgerFailed   = "ledger_failed"
)

// Metrics holds all Prometheus metrics for the process.
type Metrics struct {
	// Capture metrics
	Segments        *prometheus.CounterVec
	CaptureFrames   prometheus.Counter
	CaptureDuration prometheus.Histogram
	SegmentBytes    *prometheus.HistogramVec
	Recording       prometheus.Gauge

	// Compression
	CompressDuration prometheus.Histogram

	// Source health
	SourceErrors    *prometheus.CounterVec
	SourceConnected *prometheus.GaugeVec

	// Publish metrics
	Uploads              *prometheus.CounterVec
	UploadDuration       prometheus.Histogram
	UploadBytes          prometheus.Counter
	CorruptPurged        prometheus.Counter
	PendingSegments      prometheus.Gauge
	PublishCycles        *prometheus.CounterVec
	PublishCycleDuration prometheus.Histogram

	// Error metrics
	LedgerErrors  *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init registers the metrics with the default registry and makes them
// available through Get. Call this once at startup.
func Init(namespace string) *Metrics {
	m := New(prometheus.DefaultRegisterer, namespace)
	defaultMetrics = m
	return m
}

// New creates the metrics on the given registerer without touching the
// package-level instance.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "homevideorecord"
	}
	factory := promauto.With(reg)

	return &Metrics{
		Segments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "segments_total",
				Help:      "Segments that finished a capture pass, by outcome",
			},
			[]string{"outcome"},
		),
		CaptureFrames: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capture_frames_total",
				Help:      "Composite frames written to raw segments",
			},
		),
		CaptureDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "capture_duration_seconds",
				Help:      "Wall time spent capturing a segment",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~8.5m
			},
		),
		SegmentBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "segment_bytes",
				Help:      "Segment file size in bytes",
				Buckets:   prometheus.ExponentialBuckets(64*1024, 2, 14), // 64KB to ~512MB
			},
			[]string{"kind"},
		),
		Recording: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "recording",
				Help:      "1 while a segment is being captured",
			},
		),
		CompressDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compress_duration_seconds",
				Help:      "Time to transcode a raw segment",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
			},
		),
		SourceErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_errors_total",
				Help:      "Video source open and read failures",
			},
			[]string{"source_index", "kind"},
		),
		SourceConnected: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "source_connected",
				Help:      "1 when the video source is open",
			},
			[]string{"source_index"},
		),
		Uploads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "Segment uploads by result",
			},
			[]string{"result"},
		),
		UploadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upload_duration_seconds",
				Help:      "Time to upload one segment including retries",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~3.4m
			},
		),
		UploadBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upload_bytes_total",
				Help:      "Bytes uploaded to the object store",
			},
		),
		CorruptPurged: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "corrupt_segments_purged_total",
				Help:      "Segments deleted for being below the minimum size",
			},
		),
		PendingSegments: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_segments",
				Help:      "Segments waiting for upload at the start of the last cycle",
			},
		),
		PublishCycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_cycles_total",
				Help:      "Publish cycles by result",
			},
			[]string{"result"},
		),
		PublishCycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "publish_cycle_duration_seconds",
				Help:      "Time spent in one publish cycle",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
			},
		),
		LedgerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_errors_total",
				Help:      "Ledger read and append failures",
			},
			[]string{"ledger"},
		),
		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// IncSegment counts a finished segment pass.
func (m *Metrics) IncSegment(outcome string) {
	m.Segments.WithLabelValues(outcome).Inc()
}

// AddCaptureFrames adds to the composite frame counter.
func (m *Metrics) AddCaptureFrames(n int) {
	m.CaptureFrames.Add(float64(n))
}

// ObserveCaptureDuration records the capture wall time.
func (m *Metrics) ObserveCaptureDuration(seconds float64) {
	m.CaptureDuration.Observe(seconds)
}

// ObserveSegmentBytes records a raw or compressed segment size.
func (m *Metrics) ObserveSegmentBytes(kind string, bytes int64) {
	m.SegmentBytes.WithLabelValues(kind).Observe(float64(bytes))
}

// SetRecording flips the recording gauge.
func (m *Metrics) SetRecording(on bool) {
	m.Recording.Set(boolValue(on))
}

// ObserveCompressDuration records transcode time.
func (m *Metrics) ObserveCompressDuration(seconds float64) {
	m.CompressDuration.Observe(seconds)
}

// IncSourceErrors increments the source errors counter.
func (m *Metrics) IncSourceErrors(index int, kind string) {
	m.SourceErrors.WithLabelValues(strconv.Itoa(index), kind).Inc()
}

// SetSourceConnected records whether a source is open.
func (m *Metrics) SetSourceConnected(index int, connected bool) {
	m.SourceConnected.WithLabelValues(strconv.Itoa(index)).Set(boolValue(connected))
}

// IncUploads counts an upload result ("success" | "failed").
func (m *Metrics) IncUploads(result string) {
	m.Uploads.WithLabelValues(result).Inc()
}

// ObserveUpload records a successful upload's duration and size.
func (m *Metrics) ObserveUpload(seconds float64, bytes int64) {
	m.UploadDuration.Observe(seconds)
	m.UploadBytes.Add(float64(bytes))
}

// IncCorruptPurged counts a corrupt segment deletion.
func (m *Metrics) IncCorruptPurged() {
	m.CorruptPurged.Inc()
}

// SetPendingSegments sets the pending gauge.
func (m *Metrics) SetPendingSegments(n int) {
	m.PendingSegments.Set(float64(n))
}

// ObservePublishCycle counts a cycle and records its duration.
func (m *Metrics) ObservePublishCycle(result string, seconds float64) {
	m.PublishCycles.WithLabelValues(result).Inc()
	m.PublishCycleDuration.Observe(seconds)
}

// IncLedgerErrors increments the ledger error counter.
func (m *Metrics) IncLedgerErrors(ledger string) {
	m.LedgerErrors.WithLabelValues(ledger).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(operation string) {
	m.RetryAttempts.WithLabelValues(operation).Inc()
}

func boolValue(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
