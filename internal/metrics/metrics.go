package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ndb"

var (
	OplogAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "oplog",
		Name:      "appends_total",
		Help:      "Total records appended to the oplog",
	})

	OplogBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "oplog",
		Name:      "bytes_total",
		Help:      "Total bytes written to oplog segments",
	})

	OplogAppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "oplog",
		Name:      "append_duration_seconds",
		Help:      "Oplog append duration, including sync when enabled",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
	})

	OplogRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "oplog",
		Name:      "rotations_total",
		Help:      "Total segment rotations",
	})

	OplogReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "oplog",
		Name:      "reclaimed_segments_total",
		Help:      "Total sealed segments deleted by retention",
	})

	OplogSegments = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "oplog",
		Name:      "segments",
		Help:      "Number of retained segments, active included",
	})

	OplogLastSeq = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "oplog",
		Name:      "last_seq",
		Help:      "Sequence number of the last appended record",
	})

	RecoveryRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "oplog",
		Name:      "recovered_records_total",
		Help:      "Records replayed into storage during startup recovery",
	})

	StorageOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "operations_total",
		Help:      "Total storage operations",
	}, []string{"operation"})

	StorageErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "errors_total",
		Help:      "Total failed storage operations",
	}, []string{"operation"})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "command",
		Name:      "total",
		Help:      "Total commands processed",
	}, []string{"command", "status"})

	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "command",
		Name:      "duration_seconds",
		Help:      "Command processing duration",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
	}, []string{"command"})

	CommandsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "command",
		Name:      "in_flight",
		Help:      "Commands currently being processed",
	})

	CommandQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "command",
		Name:      "queue_depth",
		Help:      "Tasks waiting for the commit path",
	})

	DispatcherTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "command",
		Name:      "tasks_total",
		Help:      "Tasks run by the commit path dispatcher, by kind and final status",
	}, []string{"task", "status"})

	ExpiredKeysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "command",
		Name:      "expired_keys_total",
		Help:      "Keys deleted by the expiry sweeper",
	})

	ReplLinks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "repl",
		Name:      "links",
		Help:      "Connected replica links by state",
	}, []string{"state"})

	ReplLinksDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "repl",
		Name:      "links_dropped_total",
		Help:      "Replica links closed by the master",
	}, []string{"reason"})

	ReplFullSyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "repl",
		Name:      "full_syncs_total",
		Help:      "Full synchronisations served or received",
	}, []string{"role"})

	ReplRecordsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "repl",
		Name:      "records_sent_total",
		Help:      "Oplog records streamed to replicas",
	})

	ReplRecordsAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "repl",
		Name:      "records_applied_total",
		Help:      "Oplog records received from the master and applied",
	})

	ReplSnapshotEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "repl",
		Name:      "snapshot_entries_total",
		Help:      "Full sync entries sent or loaded",
	}, []string{"direction"})

	ReplConnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "repl",
		Name:      "connect_attempts_total",
		Help:      "Outbound connection attempts to the master",
	}, []string{"result"})

	ReplSlaveState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "repl",
		Name:      "slave_state",
		Help:      "Current slave session state (0=disconnected ... 5=error_backoff)",
	})

	GRPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grpc",
		Name:      "requests_total",
		Help:      "Total gRPC requests",
	}, []string{"service", "method", "code"})

	GRPCRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "grpc",
		Name:      "request_duration_seconds",
		Help:      "gRPC request duration",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
	}, []string{"service", "method"})
)
