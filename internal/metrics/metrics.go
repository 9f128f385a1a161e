// Package metrics exposes Prometheus instruments for the lifecycle engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config holds configuration for metrics recording.
type Config struct {
	Namespace string
	Subsystem string
	Registry  prometheus.Registerer
}

// Recorder records engine activity. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	approvalActions      *prometheus.CounterVec
	nodeTransitions      *prometheus.CounterVec
	stageTransitions     *prometheus.CounterVec
	autoCompletions      prometheus.Counter
	notificationFailures *prometheus.CounterVec
	operationDuration    *prometheus.HistogramVec
}

// New creates a Recorder registered on cfg.Registry, or the default
// registerer when cfg is nil or has none.
func New(cfg *Config) *Recorder {
	if cfg == nil {
		cfg = &Config{Namespace: "pm", Subsystem: "lifecycle"}
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Recorder{
		approvalActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "approval_actions_total",
				Help:      "Approval history actions recorded, by action",
			},
			[]string{"action"},
		),
		nodeTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "node_transitions_total",
				Help:      "Node status transitions, by target status",
			},
			[]string{"status"},
		),
		stageTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "stage_transitions_total",
				Help:      "Stage status transitions, by target status",
			},
			[]string{"status"},
		),
		autoCompletions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "auto_completions_total",
				Help:      "Nodes completed by auto-propagation",
			},
		),
		notificationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "notification_failures_total",
				Help:      "Notifications that could not be delivered, by event type",
			},
			[]string{"event_type"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "operation_duration_seconds",
				Help:      "Engine operation latency including the store transaction",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"operation", "outcome"},
		),
	}
}

func (r *Recorder) ApprovalAction(action string) {
	if r == nil {
		return
	}
	r.approvalActions.WithLabelValues(action).Inc()
}

func (r *Recorder) NodeTransition(status string) {
	if r == nil {
		return
	}
	r.nodeTransitions.WithLabelValues(status).Inc()
}

func (r *Recorder) StageTransition(status string) {
	if r == nil {
		return
	}
	r.stageTransitions.WithLabelValues(status).Inc()
}

func (r *Recorder) AutoCompleted(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.autoCompletions.Add(float64(n))
}

func (r *Recorder) NotificationFailed(eventType string) {
	if r == nil {
		return
	}
	r.notificationFailures.WithLabelValues(eventType).Inc()
}

// ObserveOperation records how long op took; outcome is "ok" or the error code.
func (r *Recorder) ObserveOperation(op, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.operationDuration.WithLabelValues(op, outcome).Observe(d.Seconds())
}
