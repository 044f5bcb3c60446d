package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Worker.HeartbeatInterval != 5*time.Second {
		t.Errorf("Worker.HeartbeatInterval = %v, want 5s", cfg.Worker.HeartbeatInterval)
	}
	if cfg.Resource.CPUHigh != 85 || cfg.Resource.CPULow != 30 {
		t.Errorf("cpu thresholds = %v/%v, want 85/30", cfg.Resource.CPUHigh, cfg.Resource.CPULow)
	}
	if cfg.Balancer.BacklogDiscoveryThreshold != 5 {
		t.Errorf("Balancer.BacklogDiscoveryThreshold = %d, want 5", cfg.Balancer.BacklogDiscoveryThreshold)
	}
	if len(cfg.Worker.Nodes) != 3 {
		t.Errorf("Worker.Nodes = %v, want 3 nodes", cfg.Worker.Nodes)
	}
	if err := validateConfig(cfg); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	content := `
worker:
  initial_workers: 7
  heartbeat_interval: 250ms
resource:
  cpu_high: 90
  cpu_low: 20
balancer:
  requeue_on_eviction: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Worker.InitialWorkers != 7 {
		t.Errorf("Worker.InitialWorkers = %d, want 7", cfg.Worker.InitialWorkers)
	}
	if cfg.Worker.HeartbeatInterval != 250*time.Millisecond {
		t.Errorf("Worker.HeartbeatInterval = %v, want 250ms", cfg.Worker.HeartbeatInterval)
	}
	if cfg.Resource.CPUHigh != 90 || cfg.Resource.CPULow != 20 {
		t.Errorf("cpu thresholds = %v/%v, want 90/20", cfg.Resource.CPUHigh, cfg.Resource.CPULow)
	}
	if !cfg.Balancer.RequeueOnEviction {
		t.Error("Balancer.RequeueOnEviction = false, want true")
	}
	if cfg.Scheduler.DispatchPace != 100*time.Millisecond {
		t.Errorf("Scheduler.DispatchPace = %v, want default 100ms", cfg.Scheduler.DispatchPace)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() with a missing explicit file should fail")
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "inverted cpu thresholds", mutate: func(c *Config) { c.Resource.CPULow = 95 }},
		{name: "no nodes", mutate: func(c *Config) { c.Worker.Nodes = nil }},
		{name: "zero heartbeat", mutate: func(c *Config) { c.Worker.HeartbeatInterval = 0 }},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Backend = "s3" }},
		{name: "unknown task source", mutate: func(c *Config) { c.Scheduler.TaskSource = "kafka" }},
		{name: "idle ratio above one", mutate: func(c *Config) { c.Resource.ScaleInIdleRatio = 1.5 }},
		{name: "bad api port", mutate: func(c *Config) { c.API.Port = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := validateConfig(cfg); err == nil {
				t.Error("validateConfig() = nil, want error")
			}
		})
	}
}
