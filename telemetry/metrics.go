package telemetry

// Histogram bucket definitions for the module's latency profiles.
var (
	// PrepareBuckets covers 2PC prepare-round latencies (network + participant
	// vote turnaround).
	PrepareBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// VisibilityWaitBuckets covers time spent resolving an in-doubt
	// transaction's visibility (spec §4.3 backoff loop).
	VisibilityWaitBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

	// RecoveryLagBuckets covers wal-lsn minus slot-lsn during catch-up.
	RecoveryLagBuckets = []float64{0, 1024, 8192, 65536, 1 << 20, 16 << 20, 128 << 20}
)

// CSN allocator (C1) metrics.
var (
	// LastCSN tracks the most recently assigned commit sequence number.
	LastCSN Gauge = NoopStat{}

	// ClockTimeShiftMicros tracks the accumulated wall-clock adjustment
	// csn.Clock.Sync has applied to keep pace with the cluster.
	ClockTimeShiftMicros Gauge = NoopStat{}
)

// Transaction state table (C2) metrics.
var (
	// ActiveTransactions tracks currently in-progress or in-doubt
	// transactions tracked by the local state table.
	ActiveTransactions Gauge = NoopStat{}

	// TxnTotal counts terminated coordinator-side transactions by outcome
	// ("committed", "aborted", "failed").
	TxnTotal CounterVec = noopCounterVec{}

	// TxnDurationSeconds measures wall-clock duration of CommitTransaction
	// calls end to end, across every outcome.
	TxnDurationSeconds Histogram = NoopStat{}

	// StateTableSize tracks the transaction state table's current entry
	// count.
	StateTableSize Gauge = NoopStat{}

	// StateTableGCTotal counts records removed per GC pass.
	StateTableGCTotal Counter = NoopStat{}
)

// Visibility service (C3) metrics.
var (
	// VisibilityWaitSeconds measures time spent resolving in-doubt
	// visibility checks.
	VisibilityWaitSeconds Histogram = NoopStat{}

	// VisibilityExhaustedTotal counts reader queries that gave up after
	// exceeding the retry cap on an in-doubt transaction.
	VisibilityExhaustedTotal Counter = NoopStat{}

	// OldestXmin tracks the cluster-wide oldest transaction horizon used to
	// gate GC.
	OldestXmin Gauge = NoopStat{}
)

// 2PC coordinator (C4) metrics.
var (
	// PrepareDurationSeconds measures AWAITING VOTES round latency.
	PrepareDurationSeconds Histogram = NoopStat{}

	// PrepareRefusalsTotal counts explicit ABORTED votes received.
	PrepareRefusalsTotal Counter = NoopStat{}

	// PrepareTimeoutsTotal counts AWAITING VOTES rounds that hit their
	// deadline without full quorum.
	PrepareTimeoutsTotal Counter = NoopStat{}
)

// Arbiter / failure detector (C5) metrics.
var (
	// CliqueSize tracks the population count of the last computed maximum
	// clique.
	CliqueSize Gauge = NoopStat{}

	// DisabledNodeCount tracks the population count of the disabled-mask.
	DisabledNodeCount Gauge = NoopStat{}

	// StatusTransitionsTotal counts cluster-status transitions by
	// destination state.
	StatusTransitionsTotal CounterVec = noopCounterVec{}

	// HeartbeatsSentTotal counts outbound heartbeats.
	HeartbeatsSentTotal Counter = NoopStat{}

	// NodeDisconnectsTotal counts watchdog-detected disconnects.
	NodeDisconnectsTotal Counter = NoopStat{}
)

// Recovery controller (C6) metrics.
var (
	// RecoveryLagBytes tracks the recovering node's wal-lsn minus slot-lsn.
	RecoveryLagBytes Histogram = NoopStat{}

	// RecoveryStatusTotal counts recovery phase transitions ("started",
	// "almost-caught-up", "caught-up", "aborted").
	RecoveryStatusTotal CounterVec = noopCounterVec{}
)

// Deadlock detector metrics.
var (
	// DeadlockCyclesFoundTotal counts cross-node wait-for cycles detected.
	DeadlockCyclesFoundTotal Counter = NoopStat{}

	// DeadlockVictimsTotal counts local transactions aborted as a cycle's
	// chosen victim.
	DeadlockVictimsTotal Counter = NoopStat{}
)

// InitMetrics registers every metric above against the active Prometheus
// registry. Must be called after InitializeTelemetry(); before that call all
// metrics above are no-ops so the rest of the module never needs a nil
// check.
func InitMetrics() {
	LastCSN = NewGauge("last_csn", "Most recently assigned commit sequence number")
	ClockTimeShiftMicros = NewGauge("clock_time_shift_micros", "Accumulated wall-clock adjustment applied by Sync")

	ActiveTransactions = NewGauge("active_transactions", "Currently tracked in-progress or in-doubt transactions")
	TxnTotal = NewCounterVec("txn_total", "Terminated transactions by outcome", []string{"outcome"})
	TxnDurationSeconds = NewHistogramWithBuckets("txn_duration_seconds", "CommitTransaction duration in seconds", PrepareBuckets)
	StateTableSize = NewGauge("state_table_size", "Current transaction state table entry count")
	StateTableGCTotal = NewCounter("state_table_gc_total", "Transaction state records removed by GC")

	VisibilityWaitSeconds = NewHistogramWithBuckets("visibility_wait_seconds", "Time spent resolving in-doubt visibility", VisibilityWaitBuckets)
	VisibilityExhaustedTotal = NewCounter("visibility_exhausted_total", "Reader queries that exceeded the in-doubt retry cap")
	OldestXmin = NewGauge("oldest_xmin", "Cluster-wide oldest transaction horizon")

	PrepareDurationSeconds = NewHistogramWithBuckets("prepare_duration_seconds", "AWAITING VOTES round duration in seconds", PrepareBuckets)
	PrepareRefusalsTotal = NewCounter("prepare_refusals_total", "Explicit ABORTED votes received")
	PrepareTimeoutsTotal = NewCounter("prepare_timeouts_total", "AWAITING VOTES rounds that hit their deadline")

	CliqueSize = NewGauge("clique_size", "Population count of the last computed maximum clique")
	DisabledNodeCount = NewGauge("disabled_node_count", "Population count of the disabled-mask")
	StatusTransitionsTotal = NewCounterVec("status_transitions_total", "Cluster status transitions by destination state", []string{"to"})
	HeartbeatsSentTotal = NewCounter("heartbeats_sent_total", "Outbound heartbeats sent")
	NodeDisconnectsTotal = NewCounter("node_disconnects_total", "Watchdog-detected node disconnects")

	RecoveryLagBytes = NewHistogramWithBuckets("recovery_lag_bytes", "wal-lsn minus slot-lsn during catch-up", RecoveryLagBuckets)
	RecoveryStatusTotal = NewCounterVec("recovery_status_total", "Recovery phase transitions", []string{"phase"})

	DeadlockCyclesFoundTotal = NewCounter("deadlock_cycles_found_total", "Cross-node wait-for cycles detected")
	DeadlockVictimsTotal = NewCounter("deadlock_victims_total", "Local transactions aborted as a cycle's chosen victim")
}
