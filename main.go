package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/mtmcore/arbiter"
	"github.com/maxpert/mtmcore/cfg"
	"github.com/maxpert/mtmcore/cluster"
	"github.com/maxpert/mtmcore/configstore"
	"github.com/maxpert/mtmcore/coordinator"
	"github.com/maxpert/mtmcore/csn"
	"github.com/maxpert/mtmcore/deadlock"
	"github.com/maxpert/mtmcore/gtid"
	"github.com/maxpert/mtmcore/hooks"
	"github.com/maxpert/mtmcore/recovery"
	"github.com/maxpert/mtmcore/telemetry"
	"github.com/maxpert/mtmcore/txnstate"
)

func main() {
	flag.Parse()

	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()
	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("mtmcore - distributed commit and cluster-membership core")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	self := gtid.NodeID(cfg.Config.NodeID)
	totalNodes := len(cfg.Config.Cluster.Peers) + 1

	table := txnstate.NewTable()
	clock := csn.NewClock()
	graph := deadlock.NewGraph()

	det := arbiter.NewDetector(arbiter.DetectorConfig{
		Self:             self,
		TotalNodes:       totalNodes,
		SendInterval:     time.Duration(cfg.Config.Cluster.HeartbeatSendTimeoutMS) * time.Millisecond,
		ReceiveTimeout:   time.Duration(cfg.Config.Cluster.HeartbeatRecvTimeoutMS) * time.Millisecond,
		NodeDisableDelay: time.Duration(cfg.Config.Cluster.NodeDisableDelayMS) * time.Millisecond,
	}, configstore.NewMemStore(), nil, nil, log.Logger)

	srv := arbiter.NewServer(self, cfg.Config.Cluster.BindAddress, det, log.Logger)
	det.SetTransport(srv)
	for _, peer := range cfg.Config.Cluster.Peers {
		conn, err := net.Dial("tcp", peer.Address)
		if err != nil {
			log.Warn().Err(err).Uint64("peer", peer.NodeID).Msg("failed to dial peer at startup, will retry lazily")
			continue
		}
		srv.RegisterPeer(gtid.NodeID(peer.NodeID), conn)
	}

	donorGate := recovery.NewDonorGate()

	coord := coordinator.NewCoordinator(coordinator.Config{
		Self:         self,
		MinTimeout:   time.Duration(cfg.Config.Cluster.Min2PCTimeoutMS) * time.Millisecond,
		PrepareRatio: cfg.Config.Cluster.PrepareRatio,
	}, table, clock, det.Registry(), srv, hooks.NoopHooks{}, donorGate, log.Logger)
	srv.SetCoordinator(coord)

	applier := coordinator.NewApplier(self, table, clock, srv, hooks.NoopHooks{}, log.Logger)
	srv.SetApplier(applier)

	pool := coordinator.NewWorkerPool(
		cfg.Config.Cluster.WorkerPoolSize,
		time.Duration(cfg.Config.Cluster.Min2PCTimeoutMS)*time.Millisecond,
		graph,
		log.Logger,
	)
	srv.SetWorkerPool(pool)

	book := &peerAddressBook{peers: make(map[gtid.NodeID]string, len(cfg.Config.Cluster.Peers))}
	for _, peer := range cfg.Config.Cluster.Peers {
		book.peers[gtid.NodeID(peer.NodeID)] = peer.Address
	}
	dialer := &recovery.TCPDialer{Self: self, Book: book}

	recoveryController := recovery.New(recovery.Config{
		Self:           self,
		MinRecoveryLag: cfg.Config.Cluster.MinRecoveryLag,
		MaxRecoveryLag: cfg.Config.Cluster.MaxRecoveryLag,
	}, &registryDonorSource{reg: det.Registry(), self: self}, dialer, table, det.Registry(), det, hooks.NoopHooks{}, log.Logger)

	wal := &commitTracker{}
	recvAddr, err := recoveryListenAddr(cfg.Config.Cluster.BindAddress)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to derive recovery listen address")
		return
	}
	recvServer := arbiter.NewRecoveryServer(self, recvAddr, wal, donorGate,
		cfg.Config.Cluster.MinRecoveryLag, cfg.Config.Cluster.MaxRecoveryLag, log.Logger)
	if err := recvServer.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start recovery server")
		return
	}
	defer recvServer.Stop()

	mgr := cluster.NewManager(self, det.Registry(), det, clock, graph, coord, recoveryController, log.Logger)
	det.SetSink(mgr)
	srv.Mount("/", cluster.Router(mgr))

	collector := telemetry.NewMetricsCollector(clock, det.Registry(), table, 5*time.Second)
	collector.Start()
	defer collector.Stop()

	if handler := telemetry.GetMetricsHandler(); handler != nil {
		srv.Mount("/metrics", handler)
	}

	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start arbiter server")
		return
	}
	defer srv.Stop()

	go det.Run(context.Background())

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("bind_address", cfg.Config.Cluster.BindAddress).
		Str("data_dir", cfg.Config.DataDir).
		Msg("node is operational")

	select {}
}

// peerAddressBook resolves a recovery-channel address from the same
// configured peer address, on the port one above the arbiter channel's,
// since this module carries no separate address for the two channels
// (spec §1 leaves node addressing to the deployment's config file).
type peerAddressBook struct {
	peers map[gtid.NodeID]string
}

func (b *peerAddressBook) RecoveryAddr(node gtid.NodeID) (string, error) {
	addr, ok := b.peers[node]
	if !ok {
		return "", fmt.Errorf("no configured address for node %d", node)
	}
	return recoveryListenAddr(addr)
}

func recoveryListenAddr(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("invalid port in address %q: %w", addr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+1)), nil
}

// registryDonorSource offers every enabled peer as a recovery donor
// candidate.
type registryDonorSource struct {
	reg  *arbiter.Registry
	self gtid.NodeID
}

func (r *registryDonorSource) Candidates() []gtid.NodeID {
	out := make([]gtid.NodeID, 0, r.reg.TotalNodes())
	for i := 1; i <= r.reg.TotalNodes(); i++ {
		node := gtid.NodeID(i)
		if node == r.self || r.reg.IsDisabled(node) {
			continue
		}
		out = append(out, node)
	}
	return out
}

// commitTracker implements recovery.WALPosition as a stand-in for a
// host-engine-owned WAL position when no such engine is attached (see
// hooks.NoopHooks). Nothing in this module advances lsn, so it always
// reports 0.
type commitTracker struct {
	lsn uint64
}

func (c *commitTracker) CurrentLSN() uint64 {
	return c.lsn
}
