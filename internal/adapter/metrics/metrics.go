package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "modgate"

// Breaker state gauge values.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// PipelineMetrics holds all Prometheus metrics for the moderation pipeline.
type PipelineMetrics struct {
	MessagesTotal     *prometheus.CounterVec
	PipelineLatency   prometheus.Histogram
	DedupHits         prometheus.Counter
	FallbackVerdicts  *prometheus.CounterVec

	FilterOutcomes *prometheus.CounterVec
	FilterLatency  prometheus.Histogram
	FilterFailOpen prometheus.Counter
	RateLimited    prometheus.Counter

	LLMRequests       *prometheus.CounterVec
	LLMLatency        prometheus.Histogram
	LLMRetries        prometheus.Counter
	LLMParseSalvaged  prometheus.Counter
	LLMStrictRetries  prometheus.Counter
	BreakerState      prometheus.Gauge
	BreakerRejections prometheus.Counter
	PressureActive    prometheus.Gauge
	PressureDelays    prometheus.Counter
	InjectionFlags    prometheus.Counter

	ActionsTotal        *prometheus.CounterVec
	ViolationsPersisted *prometheus.CounterVec
	PersistenceFailures prometheus.Counter
	Notifications       *prometheus.CounterVec

	HubSubscribers prometheus.Gauge
	HubPublished   prometheus.Counter
	HubDropped     prometheus.Counter

	WALSpills    prometheus.Counter
	WALReplayed  prometheus.Counter
	PurgedTotal  prometheus.Counter
}

// NewPipelineMetrics initializes and registers the Prometheus metrics.
func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{
		MessagesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "messages_total",
			Help:      "Total number of messages processed, by verdict decision and action kind.",
		}, []string{"decision", "action"}),
		PipelineLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "latency_seconds",
			Help:      "End-to-end moderation latency per message.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		DedupHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "dedup_hits_total",
			Help:      "Total number of duplicate message IDs served from the event cache.",
		}),
		FallbackVerdicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "fallback_verdicts_total",
			Help:      "Total number of fallback (unknown) verdicts, by upstream failure kind.",
		}, []string{"kind"}),
		FilterOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "outcomes_total",
			Help:      "Total number of filter evaluations, by decision.",
		}, []string{"decision"}),
		FilterLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "latency_seconds",
			Help:      "Lightweight filter evaluation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		FilterFailOpen: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "fail_open_total",
			Help:      "Total number of matcher faults degraded to pass.",
		}),
		RateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "rate_limited_total",
			Help:      "Total number of messages rejected by the sliding-window rate limit.",
		}),
		LLMRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total number of upstream completion attempts, by result.",
		}, []string{"result"}), // result: ok, transient, bad_request, deadline, upstream_error
		LLMLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "latency_seconds",
			Help:      "Upstream completion latency per attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		LLMRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "retries_total",
			Help:      "Total number of retried completion attempts.",
		}),
		LLMParseSalvaged: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "parse_salvaged_total",
			Help:      "Total number of verdicts recovered by balanced-object extraction.",
		}),
		LLMStrictRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "strict_retries_total",
			Help:      "Total number of strict-JSON reinforcement retries.",
		}),
		BreakerState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
		BreakerRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "breaker_rejections_total",
			Help:      "Total number of calls rejected while the breaker was open.",
		}),
		PressureActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "pressure_active",
			Help:      "Whether upstream overload pressure is currently detected (0/1).",
		}),
		PressureDelays: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "pressure_delays_total",
			Help:      "Total number of requests delayed by overload-aware backoff.",
		}),
		InjectionFlags: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "injection_flags_total",
			Help:      "Total number of template variables carrying prompt-injection markers.",
		}),
		ActionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "actions_total",
			Help:      "Total number of policy actions, by kind and severity.",
		}, []string{"kind", "severity"}),
		ViolationsPersisted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "violations_persisted_total",
			Help:      "Total number of violations written durably, by severity.",
		}, []string{"severity"}),
		PersistenceFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "persistence_failures_total",
			Help:      "Total number of violation writes that failed and were downgraded.",
		}),
		Notifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Total number of moderator notifications, by delivery status.",
		}, []string{"status"}), // status: sent, failed, disabled
		HubSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Current number of active session subscriptions.",
		}),
		HubPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "published_total",
			Help:      "Total number of events published to the session hub.",
		}),
		HubDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "dropped_total",
			Help:      "Total number of events dropped from full subscriber queues.",
		}),
		WALSpills: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "wal_spills_total",
			Help:      "Total number of violations spilled to the local WAL.",
		}),
		WALReplayed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "wal_replayed_total",
			Help:      "Total number of violations replayed from the WAL into the store.",
		}),
		PurgedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "purged_total",
			Help:      "Total number of violations removed by retention sweeps.",
		}),
	}
}
