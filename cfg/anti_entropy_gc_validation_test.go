package cfg

import "testing"

// TestValidate_ClusterKnobInteractions exercises the cross-field
// consistency checks in Validate() the way the teacher's table-driven
// GC/anti-entropy alignment test did: one full ClusterConfiguration built
// per case, varying only the fields under test.
func TestValidate_ClusterKnobInteractions(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(c *ClusterConfiguration)
		expectError   bool
		errorContains string
	}{
		{
			name:        "valid: defaults untouched",
			mutate:      func(c *ClusterConfiguration) {},
			expectError: false,
		},
		{
			name: "valid: recv timeout exactly equal to send timeout",
			mutate: func(c *ClusterConfiguration) {
				c.HeartbeatSendTimeoutMS = 1000
				c.HeartbeatRecvTimeoutMS = 1000
			},
			expectError: false,
		},
		{
			name: "invalid: recv timeout below send timeout",
			mutate: func(c *ClusterConfiguration) {
				c.HeartbeatSendTimeoutMS = 2000
				c.HeartbeatRecvTimeoutMS = 1999
			},
			expectError:   true,
			errorContains: "heartbeat_recv_timeout_ms",
		},
		{
			name: "valid: recovery lag window exactly equal bounds",
			mutate: func(c *ClusterConfiguration) {
				c.MinRecoveryLag = 100
				c.MaxRecoveryLag = 100
			},
			expectError: false,
		},
		{
			name: "invalid: recovery lag window inverted",
			mutate: func(c *ClusterConfiguration) {
				c.MinRecoveryLag = 512 << 20
				c.MaxRecoveryLag = 8 << 20
			},
			expectError:   true,
			errorContains: "max_recovery_lag",
		},
		{
			name: "valid: peers exactly fill max_nodes",
			mutate: func(c *ClusterConfiguration) {
				c.MaxNodes = 3
				c.Peers = []PeerConfiguration{{NodeID: 2, Address: "a"}, {NodeID: 3, Address: "b"}}
			},
			expectError: false,
		},
		{
			name: "invalid: peers one over max_nodes",
			mutate: func(c *ClusterConfiguration) {
				c.MaxNodes = 2
				c.Peers = []PeerConfiguration{{NodeID: 2, Address: "a"}, {NodeID: 3, Address: "b"}}
			},
			expectError:   true,
			errorContains: "max_nodes",
		},
		{
			name: "invalid: zero min_2pc_timeout_ms",
			mutate: func(c *ClusterConfiguration) {
				c.Min2PCTimeoutMS = 0
			},
			expectError:   true,
			errorContains: "min_2pc_timeout_ms",
		},
		{
			name: "invalid: negative prepare_ratio",
			mutate: func(c *ClusterConfiguration) {
				c.PrepareRatio = -1
			},
			expectError:   true,
			errorContains: "prepare_ratio",
		},
		{
			name: "invalid: negative vacuum_delay_ms",
			mutate: func(c *ClusterConfiguration) {
				c.VacuumDelayMS = -1
			},
			expectError:   true,
			errorContains: "vacuum_delay_ms",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := Config
			defer func() { Config = original }()

			c := validClusterConfig()
			tt.mutate(&c)
			Config = &Configuration{
				NodeID:  1,
				DataDir: "./test-data",
				Cluster: c,
				Prometheus: PrometheusConfiguration{
					Enabled: false,
				},
			}

			err := Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error containing %q, got no error", tt.errorContains)
				} else if tt.errorContains != "" && !contains(err.Error(), tt.errorContains) {
					t.Errorf("expected error containing %q, got: %v", tt.errorContains, err)
				}
			} else if err != nil {
				t.Errorf("expected no error, got: %v", err)
			}
		})
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
