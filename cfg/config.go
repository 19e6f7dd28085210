// Package cfg loads the node's configuration, grounded on the teacher's
// TOML-based Configuration/Load/Validate/generateNodeID pattern
// (cfg/config.go): a package-level Config default struct, CLI flag
// overrides, and machine-id-derived node identity when none is configured.
package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// PeerConfiguration names one other cluster member's arbiter-channel
// address. Addressing itself is outside this module's scope (spec §1
// non-goal: "networking primitives ... for the shared config store"), but
// a node still needs to know where to dial its peers.
type PeerConfiguration struct {
	NodeID  uint64 `toml:"node_id"`
	Address string `toml:"address"`
}

// ClusterConfiguration carries every numeric knob spec §6 names, plus the
// peer list and this node's own listen address.
type ClusterConfiguration struct {
	BindAddress string              `toml:"bind_address"`
	Peers       []PeerConfiguration `toml:"peers"`

	MaxNodes int `toml:"max_nodes"`

	HeartbeatSendTimeoutMS int `toml:"heartbeat_send_timeout_ms"`
	HeartbeatRecvTimeoutMS int `toml:"heartbeat_recv_timeout_ms"`
	NodeDisableDelayMS     int `toml:"node_disable_delay_ms"`

	Min2PCTimeoutMS int   `toml:"min_2pc_timeout_ms"`
	PrepareRatio    int64 `toml:"prepare_ratio"`

	MinRecoveryLag uint64 `toml:"min_recovery_lag"`
	MaxRecoveryLag uint64 `toml:"max_recovery_lag"`

	VacuumDelayMS  int `toml:"vacuum_delay_ms"`
	WorkerPoolSize int `toml:"worker_pool_size"`
}

// LoggingConfiguration controls logging behavior.
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration controls the metrics endpoint.
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the top-level configuration structure.
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Cluster    ClusterConfiguration    `toml:"cluster"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags.
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	BindAddrFlag   = flag.String("bind-address", "", "Arbiter channel bind address (overrides config)")
)

// Config is the process-wide configuration, mutated in place by Load.
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./mtmcore-data",

	Cluster: ClusterConfiguration{
		BindAddress: "0.0.0.0:7420",
		Peers:       []PeerConfiguration{},
		MaxNodes:    64,

		HeartbeatSendTimeoutMS: 1000,
		HeartbeatRecvTimeoutMS: 5000,
		NodeDisableDelayMS:     2000,

		Min2PCTimeoutMS: 2000,
		PrepareRatio:    300, // percent

		MinRecoveryLag: 8 << 20,   // 8 MiB
		MaxRecoveryLag: 512 << 20, // 512 MiB

		VacuumDelayMS:  1000,
		WorkerPoolSize: 8,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from configPath (if present) and applies CLI
// overrides.
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *BindAddrFlag != "" {
		Config.Cluster.BindAddress = *BindAddrFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID derives a stable node identity from the machine ID,
// matching the teacher's approach for nodes that never set node_id
// explicitly.
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("mtmcore")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for internal consistency.
func Validate() error {
	c := &Config.Cluster

	if c.MaxNodes < 1 || c.MaxNodes > 64 {
		return fmt.Errorf("cluster.max_nodes must be between 1 and 64, got %d", c.MaxNodes)
	}
	if len(c.Peers)+1 > c.MaxNodes {
		return fmt.Errorf("cluster.peers plus self (%d) exceeds max_nodes (%d)", len(c.Peers)+1, c.MaxNodes)
	}

	if c.HeartbeatSendTimeoutMS < 1 {
		return fmt.Errorf("cluster.heartbeat_send_timeout_ms must be >= 1")
	}
	if c.HeartbeatRecvTimeoutMS < c.HeartbeatSendTimeoutMS {
		return fmt.Errorf("cluster.heartbeat_recv_timeout_ms must be >= heartbeat_send_timeout_ms")
	}
	if c.NodeDisableDelayMS < 0 {
		return fmt.Errorf("cluster.node_disable_delay_ms must be >= 0")
	}

	if c.Min2PCTimeoutMS < 1 {
		return fmt.Errorf("cluster.min_2pc_timeout_ms must be >= 1")
	}
	if c.PrepareRatio < 0 {
		return fmt.Errorf("cluster.prepare_ratio must be >= 0")
	}

	if c.MaxRecoveryLag < c.MinRecoveryLag {
		return fmt.Errorf("cluster.max_recovery_lag must be >= min_recovery_lag")
	}

	if c.VacuumDelayMS < 0 {
		return fmt.Errorf("cluster.vacuum_delay_ms must be >= 0")
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("cluster.worker_pool_size must be >= 1")
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid Prometheus port: %d", Config.Prometheus.Port)
	}

	return nil
}
