// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "twintrack"

// Metrics holds all Prometheus metrics for the recorder.
type Metrics struct {
	// Stream metrics
	StreamsActive prometheus.Gauge
	StreamsFailed *prometheus.CounterVec
	BlocksParsed  *prometheus.CounterVec

	// Accumulation metrics
	SegmentsIngested    *prometheus.CounterVec
	SegmentsDuplicate   *prometheus.CounterVec
	SegmentsExtended    *prometheus.CounterVec
	SequenceErrors      *prometheus.CounterVec
	TranscriptRuneCount *prometheus.GaugeVec

	// Processing metrics
	JobsEnqueued  prometheus.Counter
	JobsMerged    prometheus.Counter
	JobsSucceeded prometheus.Counter
	JobsFailed    prometheus.Counter
	JobDuration   prometheus.Histogram

	// LLM call metrics
	LLMRequests *prometheus.CounterVec
	LLMErrors   *prometheus.CounterVec
	LLMLatency  *prometheus.HistogramVec

	// Session metrics
	SessionsStarted prometheus.Counter
	SessionDuration prometheus.Histogram
}

// Default is the global metrics instance.
var Default = New()

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return NewWithRegistry(nil)
}

// NewWithRegistry creates metrics against a specific registry.
// A nil registry uses the default global one.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &Metrics{
		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently running transcription streams",
		}),
		StreamsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_failed_total",
			Help:      "Total number of streams that exited unexpectedly",
		}, []string{"channel"}),
		BlocksParsed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_parsed_total",
			Help:      "Total transcription blocks parsed from stream output",
		}, []string{"channel"}),

		SegmentsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_ingested_total",
			Help:      "Total raw segments ingested into accumulation",
		}, []string{"channel"}),
		SegmentsDuplicate: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_duplicate_total",
			Help:      "Total segments discarded as duplicates",
		}, []string{"channel", "reason"}),
		SegmentsExtended: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_extended_total",
			Help:      "Total segments that extended the accumulated transcript",
		}, []string{"channel"}),
		SequenceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_errors_total",
			Help:      "Total out-of-order or duplicate sequence numbers observed",
		}, []string{"channel"}),
		TranscriptRuneCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcript_runes",
			Help:      "Current accumulated transcript length in runes",
		}, []string{"channel"}),

		JobsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_jobs_enqueued_total",
			Help:      "Total cleanup jobs enqueued",
		}),
		JobsMerged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_jobs_merged_total",
			Help:      "Total enqueue requests merged into a pending job",
		}),
		JobsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_jobs_succeeded_total",
			Help:      "Total cleanup jobs completed successfully",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_jobs_failed_total",
			Help:      "Total cleanup jobs that exhausted retries",
		}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_job_duration_seconds",
			Help:      "Duration of cleanup jobs in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		LLMRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total LLM API requests",
		}, []string{"kind"}),
		LLMErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_errors_total",
			Help:      "Total LLM API errors",
		}, []string{"kind", "code"}),
		LLMLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_latency_seconds",
			Help:      "LLM API request latency in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"kind"}),

		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total recording sessions started",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of recording sessions in seconds",
			Buckets:   []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
		}),
	}
}

// RecordIngest records a segment passing through accumulation.
func (m *Metrics) RecordIngest(channel string) {
	m.SegmentsIngested.WithLabelValues(channel).Inc()
}

// RecordDuplicate records a discarded duplicate segment.
func (m *Metrics) RecordDuplicate(channel, reason string) {
	m.SegmentsDuplicate.WithLabelValues(channel, reason).Inc()
}

// RecordExtension records a segment extending the transcript.
func (m *Metrics) RecordExtension(channel string, transcriptRunes int) {
	m.SegmentsExtended.WithLabelValues(channel).Inc()
	m.TranscriptRuneCount.WithLabelValues(channel).Set(float64(transcriptRunes))
}

// RecordSequenceError records a duplicate or out-of-order sequence number.
func (m *Metrics) RecordSequenceError(channel string) {
	m.SequenceErrors.WithLabelValues(channel).Inc()
}

// RecordJobResult records a completed processing job.
func (m *Metrics) RecordJobResult(success bool, durationSeconds float64) {
	m.JobDuration.Observe(durationSeconds)
	if success {
		m.JobsSucceeded.Inc()
	} else {
		m.JobsFailed.Inc()
	}
}

// RecordLLMCall records an LLM API request outcome.
func (m *Metrics) RecordLLMCall(kind string, err error, code string, latencySeconds float64) {
	m.LLMRequests.WithLabelValues(kind).Inc()
	m.LLMLatency.WithLabelValues(kind).Observe(latencySeconds)
	if err != nil {
		m.LLMErrors.WithLabelValues(kind, code).Inc()
	}
}
