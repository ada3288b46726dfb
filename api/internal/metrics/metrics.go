// Package metrics — счётчики Prometheus, отдаются на /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gradebot"

var (
	// RunsTotal — проверки по конечному статусу (done|rejected|failed).
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grader",
		Name:      "runs_total",
		Help:      "Grading runs by final status.",
	}, []string{"status"})

	StageSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "grader",
		Name:      "stage_seconds",
		Help:      "Stage latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	// ToolCalls — вызовы инструментов. outcome: ok|error|fallback.
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grader",
		Name:      "tool_calls_total",
		Help:      "Tool invocations by tool and outcome.",
	}, []string{"tool", "outcome"})

	TokensConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grader",
		Name:      "tokens_consumed_total",
		Help:      "LLM tokens consumed across runs.",
	})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "grader",
		Name:      "active_runs",
		Help:      "Currently executing grading runs.",
	})

	// PreprocessTier — каким ярусом добыли вырезки (cache|locator|local_fallback|disabled).
	PreprocessTier = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "preprocess",
		Name:      "tier_total",
		Help:      "Preprocessing outcomes by source tier.",
	}, []string{"source"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
