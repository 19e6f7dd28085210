package telemetry

import (
	"sync"
	"time"

	"github.com/maxpert/mtmcore/csn"
)

// ClockSource reports the local CSN allocator's current state, sampled
// periodically rather than pushed on every AssignCSN call so the hot commit
// path never takes a metrics write under the clock's lock.
type ClockSource interface {
	LastCSN() csn.CSN
	TimeShift() int64
}

// LiveSetSource reports the arbiter's current view of cluster membership.
type LiveSetSource interface {
	DisabledMask() uint64
	LiveNodeCount() int
	TotalNodes() int
}

// StateTableSource reports the transaction state table's current size.
type StateTableSource interface {
	Len() int
}

// MetricsCollector periodically samples the module's core components and
// republishes their state as gauges, adapted from the teacher's
// database-lister poller to this module's CSN/arbiter/state-table sources.
type MetricsCollector struct {
	clock      ClockSource
	liveSet    LiveSetSource
	stateTable StateTableSource

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector constructs a collector over the given sources. Any
// source may be nil, in which case its metrics are simply left unset.
func NewMetricsCollector(clock ClockSource, liveSet LiveSetSource, stateTable StateTableSource, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		clock:      clock,
		liveSet:    liveSet,
		stateTable: stateTable,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the periodic sampling loop in a background goroutine.
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop halts the sampling loop and waits for it to exit.
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.clock != nil {
		LastCSN.Set(float64(mc.clock.LastCSN()))
		ClockTimeShiftMicros.Set(float64(mc.clock.TimeShift()))
	}

	if mc.liveSet != nil {
		n := mc.liveSet.TotalNodes()
		disabled := n - mc.liveSet.LiveNodeCount()
		DisabledNodeCount.Set(float64(disabled))
	}

	if mc.stateTable != nil {
		StateTableSize.Set(float64(mc.stateTable.Len()))
	}
}
