package coordinator

import (
	"time"

	"github.com/maxpert/mtmcore/telemetry"
)

// TxnMetrics centralizes the coordinator's transaction telemetry, adapted
// from the teacher's txn_metrics.go to this module's commit/abort outcomes
// instead of write/read SQL statement outcomes.
type TxnMetrics struct {
	startTime time.Time
}

// NewTxnMetrics starts a timer for one CommitTransaction call.
func NewTxnMetrics() *TxnMetrics {
	telemetry.ActiveTransactions.Inc()
	return &TxnMetrics{startTime: time.Now()}
}

// RecordOutcome records the terminal outcome ("committed", "aborted",
// "failed") and total duration, then returns err unchanged for use in a
// single return statement at the call site.
func (m *TxnMetrics) RecordOutcome(outcome string, err error) error {
	telemetry.ActiveTransactions.Dec()
	telemetry.TxnTotal.With(outcome).Inc()
	telemetry.TxnDurationSeconds.Observe(time.Since(m.startTime).Seconds())
	return err
}
