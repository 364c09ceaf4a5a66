// Package metrics holds the Prometheus collectors exported by the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mailpipe"

var (
	DispatchTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "ticks_total",
		Help:      "Dispatcher ticks by result",
	}, []string{"result"})

	DispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "outcomes_total",
		Help:      "Queue entry outcomes staged by the dispatcher",
	}, []string{"outcome"})

	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "tick_duration_seconds",
		Help:      "Wall-clock duration of dispatcher ticks",
		Buckets:   prometheus.DefBuckets,
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "entries",
		Help:      "Queue entries by status as of the last dispatcher tick",
	}, []string{"status"})

	TransferSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transfer",
		Name:      "sends_total",
		Help:      "Outbound sends by result",
	}, []string{"result"})

	TransferDials = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transfer",
		Name:      "dials_total",
		Help:      "SMTP connections opened by the pool",
	})

	TransferLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "transfer",
		Name:      "send_duration_seconds",
		Help:      "Latency of a single SMTP delivery",
		Buckets:   prometheus.DefBuckets,
	})

	InboxMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inbox",
		Name:      "messages_total",
		Help:      "Inbound messages by disposition",
	}, []string{"disposition"})

	InboxSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inbox",
		Name:      "syncs_total",
		Help:      "Inbox sync runs by result",
	}, []string{"result"})

	TaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "task_runs_total",
		Help:      "Scheduled task executions by task and result",
	}, []string{"task", "result"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "task_duration_seconds",
		Help:      "Scheduled task duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"task"})
)

// Result label values shared by the counters above.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)
