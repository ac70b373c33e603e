package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "parley"

var (
	ActionsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "actions_dispatched_total",
		Help:      "Action tags delivered to the platform, by category and outcome.",
	}, []string{"category", "outcome"})

	ToolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_executions_total",
		Help:      "Tool executions by tool name and outcome.",
	}, []string{"tool", "outcome"})

	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_duration_seconds",
		Help:      "Tool execution latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tool"})

	ArtifactDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "artifact_deliveries_total",
		Help:      "Tool artifacts handed to the platform, by kind and outcome.",
	}, []string{"kind", "outcome"})

	GenerationRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "generation_retries_total",
		Help:      "Model generation retries by error class.",
	}, []string{"class"})

	CredentialRotations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credential_rotations_total",
		Help:      "Provider credential rotations.",
	})

	TurnDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "turn_depth",
		Help:      "Tool feedback depth reached per user turn.",
		Buckets:   prometheus.LinearBuckets(0, 1, 10),
	})

	TurnsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "User turns by terminal state.",
	}, []string{"state"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Sessions with a turn in progress.",
	})

	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Admin API request latency by route and status class.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Outcome label values.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)
