package arbiter

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/maxpert/mtmcore/clusterstatus"
	"github.com/maxpert/mtmcore/configstore"
	"github.com/maxpert/mtmcore/csn"
	"github.com/maxpert/mtmcore/gtid"
	"github.com/maxpert/mtmcore/telemetry"
	"github.com/maxpert/mtmcore/wire"
)

// Transport is the wire-level dependency the detector needs from whatever
// owns the actual connections (the cmux-based Server in this package's
// server.go, or a test double). A failed SendHeartbeat is itself evidence
// of unreachability: the detector marks that peer unreachable in its
// registry rather than retrying or propagating the error.
type Transport interface {
	SendHeartbeat(ctx context.Context, to gtid.NodeID, msg wire.ArbiterMessage) error
}

// StatusSink receives status transitions as they happen, so the owning
// cluster.Manager can drive coordinator/recovery behavior off them (spec
// §4.5, §4.6).
type StatusSink interface {
	OnStatusChange(clusterstatus.Status)
	OnNodeDisconnect(gtid.NodeID)
}

// Detector runs the heartbeat-send loop and the receive watchdog described
// in spec §4.5, publishing the resulting disabled-mask to a configstore.Store
// and reporting local status transitions to a StatusSink. It is grounded on
// the teacher's SWIM-style membership loop (send-interval + fanout +
// stopChan), adapted here to a bitmask/clique quorum model instead of SWIM's
// incarnation-based suspicion escalation: there is no "suspect" state,
// merely reachable/unreachable, and cluster-wide agreement comes from
// exchanging masks and taking a maximum clique rather than from gossip
// dissemination of per-node incarnation numbers.
type Detector struct {
	self   gtid.NodeID
	nodes  []gtid.NodeID // all node IDs except self
	nodeN  int
	reg    *Registry
	clock  *csn.Clock
	store  configstore.Store
	tport  Transport
	sink   StatusSink
	log    zerolog.Logger

	sendInterval time.Duration
	recvTimeout  time.Duration
	disableDelay time.Duration

	stopCh chan struct{}
	doneCh chan struct{}

	// statusMu guards status and forced below, since RecoverNode/admin calls
	// into SetForcedStatus/ClearForcedStatus arrive on a different goroutine
	// than Run's send/watchdog loop.
	statusMu sync.Mutex
	status   clusterstatus.Status
	forced   bool
}

// DetectorConfig bundles the constructor's timing parameters, corresponding
// to spec §6's heartbeat-send-timeout-ms, heartbeat-recv-timeout-ms, and
// node-disable-delay-ms knobs.
type DetectorConfig struct {
	Self             gtid.NodeID
	TotalNodes       int
	SendInterval     time.Duration
	ReceiveTimeout   time.Duration
	NodeDisableDelay time.Duration
}

// NewDetector wires a Detector to its registry, configstore, transport and
// sink. The registry is created here so callers share the same instance the
// detector mutates.
func NewDetector(cfg DetectorConfig, store configstore.Store, tport Transport, sink StatusSink, log zerolog.Logger) *Detector {
	reg := NewRegistry(cfg.Self, cfg.TotalNodes)

	nodes := make([]gtid.NodeID, 0, cfg.TotalNodes-1)
	for i := 1; i <= cfg.TotalNodes; i++ {
		if gtid.NodeID(i) != cfg.Self {
			nodes = append(nodes, gtid.NodeID(i))
		}
	}

	return &Detector{
		self:         cfg.Self,
		nodes:        nodes,
		nodeN:        cfg.TotalNodes,
		reg:          reg,
		clock:        csn.NewClock(),
		store:        store,
		tport:        tport,
		sink:         sink,
		log:          log.With().Str("component", "arbiter").Logger(),
		sendInterval: cfg.SendInterval,
		recvTimeout:  cfg.ReceiveTimeout,
		disableDelay: cfg.NodeDisableDelay,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		status:       clusterstatus.Initializing,
	}
}

// Registry exposes the underlying NodeRuntime table, e.g. for admin
// get-nodes-state handlers.
func (d *Detector) Registry() *Registry { return d.reg }

// Status returns the detector's current view of cluster status.
func (d *Detector) Status() clusterstatus.Status {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	return d.status
}

// SetTransport installs the transport used to send heartbeats, for callers
// that must construct the Server (which needs a *Detector) before the
// Detector can be given its Transport (which the Server implements).
func (d *Detector) SetTransport(t Transport) { d.tport = t }

// SetSink installs the StatusSink notified of status transitions and node
// disconnects, for callers (main.go) that must construct their
// cluster.Manager after the Detector it observes, since the Manager itself
// needs the Detector's Registry.
func (d *Detector) SetSink(s StatusSink) { d.sink = s }

// SetForcedStatus pins the detector's reported status to s, overriding the
// clique-driven Online/InMinority/Offline computation until
// ClearForcedStatus is called. Used by the recovery controller (Recovery)
// and cluster admin's out-of-service action (OutOfService) to hold a status
// the watchdog loop would otherwise immediately recompute away from.
func (d *Detector) SetForcedStatus(s clusterstatus.Status) {
	d.statusMu.Lock()
	prev := d.status
	d.forced = true
	d.status = s
	d.statusMu.Unlock()

	if prev == s {
		return
	}
	d.log.Info().Str("from", prev.String()).Str("to", s.String()).Msg("cluster status forced")
	if d.sink != nil {
		d.sink.OnStatusChange(s)
	}
}

// ClearForcedStatus releases a status forced by SetForcedStatus, letting the
// next watchdog tick resume driving status from clique membership.
func (d *Detector) ClearForcedStatus() {
	d.statusMu.Lock()
	d.forced = false
	d.statusMu.Unlock()
}

// Run drives the send loop and watchdog loop until ctx is cancelled or Stop
// is called. It blocks; callers run it in its own goroutine.
func (d *Detector) Run(ctx context.Context) {
	defer close(d.doneCh)

	sendTicker := time.NewTicker(d.sendInterval)
	defer sendTicker.Stop()

	watchdogTicker := time.NewTicker(d.recvTimeout / 2)
	defer watchdogTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-sendTicker.C:
			d.sendHeartbeats(ctx)
		case <-watchdogTicker.C:
			d.checkWatchdog(time.Now())
		}
	}
}

// Stop signals Run to return and waits for it to exit.
func (d *Detector) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Detector) sendHeartbeats(ctx context.Context) {
	mask := d.reg.LocalConnectivityMask()
	msg := wire.NewHeartbeat(wire.HeartbeatMsg{
		NodeID:    d.self,
		Timestamp: time.Now().UnixNano(),
		Mask:      mask,
	})

	for _, node := range d.nodes {
		if err := d.tport.SendHeartbeat(ctx, node, msg); err != nil {
			d.log.Debug().Err(err).Uint8("node", uint8(node)).Msg("heartbeat send failed")
			d.reg.SetLocalUnreachable(node, true)
			continue
		}
		telemetry.HeartbeatsSentTotal.Inc()
	}

	d.publishMask(ctx, mask)
}

// ReceiveHeartbeat is called by the transport on every inbound HEARTBEAT.
// It updates last-seen time, marks the sender reachable again if it had
// been flagged otherwise, folds the sender's own reported mask into the
// clique computation on the next watchdog tick, and records the sender's
// receive channel as reconnected (spec §4.5's Online precondition). The very
// first heartbeat this node ever receives also moves it out of Initializing
// into Connected, ahead of the first clique computation.
func (d *Detector) ReceiveHeartbeat(from gtid.NodeID, msg *wire.HeartbeatMsg) {
	now := time.Now()
	d.reg.RecordHeartbeat(from, now)
	d.reg.SetLocalUnreachable(from, false)
	d.reg.MarkReceiverConnected(from)
	d.clock.Sync(csn.CSN(msg.Timestamp))

	d.statusMu.Lock()
	if d.forced || d.status != clusterstatus.Initializing {
		d.statusMu.Unlock()
		return
	}
	d.status = clusterstatus.Connected
	sink := d.sink
	d.statusMu.Unlock()

	if sink != nil {
		sink.OnStatusChange(clusterstatus.Connected)
	}
}

func (d *Detector) checkWatchdog(now time.Time) {
	deadline := now.Add(-d.recvTimeout)
	for _, node := range d.nodes {
		last := d.reg.nodes[node].LastHeartbeat
		unreachable := last.Before(deadline)
		wasUnreachable := d.reg.LocalConnectivityMask()&node.Bit() != 0
		d.reg.SetLocalUnreachable(node, unreachable)
		if unreachable && !wasUnreachable {
			d.log.Warn().Uint8("node", uint8(node)).Msg("node stopped responding to heartbeats")
			d.reg.MarkReceiverDisconnected(node)
			if d.sink != nil {
				d.sink.OnNodeDisconnect(node)
			}
		}
	}

	d.recomputeClique(now)
}

// recomputeClique gathers every peer's last-published connectivity mask
// from the configstore, plus self's own mask from the local registry, and
// runs the maximum-clique quorum
// computation over them, applying the result to the disabled-mask and
// driving the local status transition (spec §4.5).
func (d *Detector) recomputeClique(now time.Time) {
	masks := make(map[int]uint64, d.nodeN)
	masks[int(d.self)-1] = d.reg.LocalConnectivityMask()

	for i := 1; i <= d.nodeN; i++ {
		if gtid.NodeID(i) == d.self {
			continue
		}
		raw, ok, err := d.store.Get(context.Background(), configstore.NodeMaskKey(i))
		if err != nil || !ok || len(raw) < 8 {
			// Missing peer data is treated as full unreachability of that
			// peer's own view, never fabricated as reachability.
			masks[i-1] = ^uint64(0)
			continue
		}
		masks[i-1] = binary.BigEndian.Uint64(raw)
	}

	clique := MaxClique(masks, d.nodeN)
	telemetry.CliqueSize.Set(float64(bits.OnesCount64(clique)))
	_, changed := d.reg.ApplyClique(clique)

	d.statusMu.Lock()
	if d.forced {
		// A forced status (Recovery, OutOfService) overrides clique-driven
		// transitions entirely; disabled-mask bookkeeping above still runs so
		// membership state stays current while the override is lifted later.
		d.statusMu.Unlock()
		return
	}
	d.statusMu.Unlock()

	inClique := clique&gtid.NodeID(d.self).Bit() != 0
	liveCount := d.reg.LiveNodeCount()

	var next clusterstatus.Status
	switch {
	case inClique && HasQuorum(liveCount, d.nodeN) && d.reg.ReceiversReconnected():
		next = clusterstatus.Online
	case inClique:
		next = clusterstatus.InMinority
	default:
		next = clusterstatus.Offline
	}

	d.statusMu.Lock()
	prev := d.status
	if next == prev {
		d.statusMu.Unlock()
		return
	}
	if !d.reg.DebounceOK(now, d.disableDelay) {
		d.statusMu.Unlock()
		return
	}
	d.status = next
	sink := d.sink
	d.statusMu.Unlock()

	d.log.Info().
		Str("from", prev.String()).
		Str("to", next.String()).
		Bool("mask_changed", changed).
		Msg("cluster status transition")
	if sink != nil {
		sink.OnStatusChange(next)
	}
}

// publishMask writes the local connectivity mask to the configstore under
// this node's node-mask key, so peers' watchdog ticks can read it (spec §6).
func (d *Detector) publishMask(ctx context.Context, mask uint64) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, mask)
	key := configstore.NodeMaskKey(int(d.self))
	if err := d.store.Put(ctx, key, buf); err != nil {
		d.log.Warn().Err(err).Str("key", key).Msg("failed to publish connectivity mask")
	}
}

// String implements fmt.Stringer for debug logging of a Detector's identity.
func (d *Detector) String() string {
	return fmt.Sprintf("arbiter(node=%d)", d.self)
}
