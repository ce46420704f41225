package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	laneQueueSize *prometheus.GaugeVec
	laneEnqueues  *prometheus.CounterVec
	laneCompleted *prometheus.CounterVec
	laneWait      *prometheus.HistogramVec

	runTotal    *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	runTokens   prometheus.Counter

	toolCallsTotal    *prometheus.CounterVec
	toolCallDuration  *prometheus.HistogramVec
	toolPolicyDenials *prometheus.CounterVec

	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram
	compactionsTotal    prometheus.Counter
	compactedMessages   prometheus.Counter

	creditsConsumed prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			laneQueueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "lane_queue_size",
					Help: "Current number of queued runs by lane.",
				},
				[]string{"lane"},
			),
			laneEnqueues: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lane_enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			laneCompleted: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lane_completed_total",
					Help: "Total completed runs by lane and status.",
				},
				[]string{"lane", "status"},
			),
			laneWait: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lane_wait_seconds",
					Help:    "Time a run waits in its lane before starting.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "run_total",
					Help: "Total runs by provider and status.",
				},
				[]string{"provider", "status"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "run_duration_seconds",
					Help:    "Run execution duration by provider.",
					Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
				},
				[]string{"provider"},
			),
			runTokens: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "run_tokens_total",
					Help: "Total tokens consumed across runs.",
				},
			),
			toolCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_calls_total",
					Help: "Total tool calls by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_call_duration_seconds",
					Help:    "Tool call duration by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolPolicyDenials: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_policy_denials_total",
					Help: "Tool calls rejected by policy, by tool.",
				},
				[]string{"tool"},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_load_duration_seconds",
					Help:    "Session history load duration.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_save_duration_seconds",
					Help:    "Session message append duration.",
					Buckets: prometheus.DefBuckets,
				},
			),
			compactionsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "session_compactions_total",
					Help: "Total session compactions performed.",
				},
			),
			compactedMessages: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "session_compacted_messages_total",
					Help: "Total messages folded into compaction summaries.",
				},
			),
			creditsConsumed: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "credits_consumed_total",
					Help: "Total credits charged across runs.",
				},
			),
		}

		prometheus.MustRegister(
			m.laneQueueSize,
			m.laneEnqueues,
			m.laneCompleted,
			m.laneWait,
			m.runTotal,
			m.runDuration,
			m.runTokens,
			m.toolCallsTotal,
			m.toolCallDuration,
			m.toolPolicyDenials,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.compactionsTotal,
			m.compactedMessages,
			m.creditsConsumed,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered forces metric registration. Call from package constructors.
func EnsureRegistered() {
	getMetrics()
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordLaneEnqueue records a run being accepted into a lane.
func RecordLaneEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.laneEnqueues.WithLabelValues(lane).Inc()
	m.laneQueueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// SetLaneQueueSize sets the current queue size gauge for a lane.
func SetLaneQueueSize(lane string, queueSize int) {
	getMetrics().laneQueueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordLaneCompletion records a run leaving a lane.
func RecordLaneCompletion(lane, status string, wait time.Duration, queueSize int) {
	m := getMetrics()
	m.laneCompleted.WithLabelValues(lane, status).Inc()
	m.laneWait.WithLabelValues(lane).Observe(wait.Seconds())
	m.laneQueueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordRun records a completed run against its provider.
func RecordRun(provider, status string, duration time.Duration, tokens int) {
	m := getMetrics()
	m.runTotal.WithLabelValues(provider, status).Inc()
	m.runDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if tokens > 0 {
		m.runTokens.Add(float64(tokens))
	}
}

// RecordToolCall records a tool dispatch.
func RecordToolCall(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "completed"
	if !success {
		status = "error"
	}
	m.toolCallsTotal.WithLabelValues(tool, status).Inc()
	m.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordPolicyDenial records a tool call rejected by policy.
func RecordPolicyDenial(tool string) {
	getMetrics().toolPolicyDenials.WithLabelValues(tool).Inc()
}

// RecordSessionLoad records a history load.
func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

// RecordSessionSave records a message append.
func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

// RecordCompaction records a compaction pass.
func RecordCompaction(messagesSummarized int) {
	m := getMetrics()
	m.compactionsTotal.Inc()
	m.compactedMessages.Add(float64(messagesSummarized))
}

// RecordCreditsConsumed records credits charged for a run.
func RecordCreditsConsumed(credits int64) {
	if credits > 0 {
		getMetrics().creditsConsumed.Add(float64(credits))
	}
}
