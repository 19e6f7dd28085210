package cfg

import "testing"

func validClusterConfig() ClusterConfiguration {
	return ClusterConfiguration{
		BindAddress:            "0.0.0.0:7420",
		MaxNodes:               8,
		HeartbeatSendTimeoutMS: 1000,
		HeartbeatRecvTimeoutMS: 5000,
		NodeDisableDelayMS:     2000,
		Min2PCTimeoutMS:        2000,
		PrepareRatio:           300,
		MinRecoveryLag:         8 << 20,
		MaxRecoveryLag:         512 << 20,
		VacuumDelayMS:          1000,
		WorkerPoolSize:         8,
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = &Configuration{
		NodeID:  1,
		DataDir: "./test-data",
		Cluster: validClusterConfig(),
		Prometheus: PrometheusConfiguration{
			Enabled: true,
			Port:    9090,
		},
	}

	if err := Validate(); err != nil {
		t.Errorf("expected no error for valid config, got: %v", err)
	}
}

func TestValidate_MaxNodesOutOfRange(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, n := range []int{0, -1, 65} {
		c := validClusterConfig()
		c.MaxNodes = n
		Config = &Configuration{Cluster: c}
		if err := Validate(); err == nil {
			t.Errorf("expected error for max_nodes=%d", n)
		}
	}
}

func TestValidate_PeersExceedingMaxNodes(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	c := validClusterConfig()
	c.MaxNodes = 2
	c.Peers = []PeerConfiguration{{NodeID: 2, Address: "a"}, {NodeID: 3, Address: "b"}}
	Config = &Configuration{Cluster: c}

	if err := Validate(); err == nil {
		t.Error("expected error when peers+self exceeds max_nodes")
	}
}

func TestValidate_HeartbeatRecvMustNotBeBelowSend(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	c := validClusterConfig()
	c.HeartbeatSendTimeoutMS = 5000
	c.HeartbeatRecvTimeoutMS = 1000
	Config = &Configuration{Cluster: c}

	if err := Validate(); err == nil {
		t.Error("expected error when heartbeat_recv_timeout_ms < heartbeat_send_timeout_ms")
	}
}

func TestValidate_MaxRecoveryLagMustNotBeBelowMin(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	c := validClusterConfig()
	c.MinRecoveryLag = 1000
	c.MaxRecoveryLag = 500
	Config = &Configuration{Cluster: c}

	if err := Validate(); err == nil {
		t.Error("expected error when max_recovery_lag < min_recovery_lag")
	}
}

func TestValidate_WorkerPoolSizeMustBePositive(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	c := validClusterConfig()
	c.WorkerPoolSize = 0
	Config = &Configuration{Cluster: c}

	if err := Validate(); err == nil {
		t.Error("expected error for worker_pool_size=0")
	}
}

func TestValidate_InvalidPrometheusPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, port := range []int{-1, 0, 70000} {
		Config = &Configuration{
			Cluster: validClusterConfig(),
			Prometheus: PrometheusConfiguration{
				Enabled: true,
				Port:    port,
			},
		}
		if err := Validate(); err == nil {
			t.Errorf("expected error for prometheus port %d", port)
		}
	}
}

func TestValidate_PrometheusPortIgnoredWhenDisabled(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = &Configuration{
		Cluster: validClusterConfig(),
		Prometheus: PrometheusConfiguration{
			Enabled: false,
			Port:    -1,
		},
	}

	if err := Validate(); err != nil {
		t.Errorf("expected no error when prometheus is disabled, got: %v", err)
	}
}

func TestGenerateNodeID_Deterministic(t *testing.T) {
	id1, err := generateNodeID()
	if err != nil {
		t.Fatalf("generateNodeID: %v", err)
	}
	id2, err := generateNodeID()
	if err != nil {
		t.Fatalf("generateNodeID: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected generateNodeID to be deterministic on one machine, got %d and %d", id1, id2)
	}
}
