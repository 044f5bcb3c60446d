package monitor

import (
	"testing"
	"time"

	"fleet-dispatcher/internal/config"
	"fleet-dispatcher/internal/protocol"
	"go.uber.org/zap"
)

func TestMonitor_Unhealthy(t *testing.T) {
	m := New(config.MonitorConfig{CheckInterval: time.Second, UnhealthyFactor: 2.5}, 4*time.Second, zap.NewNop())
	now := time.Now()

	m.handleHeartbeat(protocol.NewMessage(protocol.TopicAgentHeartbeat, "w1", protocol.Heartbeat{AgentID: "w1", At: now.Add(-11 * time.Second)}))
	m.handleHeartbeat(protocol.NewMessage(protocol.TopicAgentHeartbeat, "w2", protocol.Heartbeat{AgentID: "w2", At: now.Add(-9 * time.Second)}))
	m.Record("w3", now)

	if m.Threshold() != 10*time.Second {
		t.Errorf("Threshold() = %v, want 10s", m.Threshold())
	}

	got := m.Unhealthy(now)
	if len(got) != 1 || got[0] != "w1" {
		t.Errorf("Unhealthy() = %v, want [w1]", got)
	}

	// A fresh heartbeat clears the report.
	m.Record("w1", now)
	if got := m.Unhealthy(now); len(got) != 0 {
		t.Errorf("Unhealthy() = %v, want none", got)
	}
}

func TestMonitor_RejectsForeignPayload(t *testing.T) {
	m := New(config.MonitorConfig{UnhealthyFactor: 2.5}, time.Second, zap.NewNop())
	if err := m.handleHeartbeat(protocol.NewMessage(protocol.TopicAgentHeartbeat, "x", "not a heartbeat")); err == nil {
		t.Error("handleHeartbeat() accepted a foreign payload")
	}
}

func TestMonitor_ForgetsSilentIdentities(t *testing.T) {
	tests := []struct {
		name        string
		forgetAfter int
		checks      int
		wantTracked int
	}{
		{name: "still reported", forgetAfter: 3, checks: 2, wantTracked: 2},
		{name: "forgotten", forgetAfter: 3, checks: 3, wantTracked: 1},
		{name: "never forgets", forgetAfter: 0, checks: 10, wantTracked: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(config.MonitorConfig{CheckInterval: time.Second, UnhealthyFactor: 2.5, ForgetAfter: tt.forgetAfter}, time.Second, zap.NewNop())
			start := time.Now()
			m.Record("gone", start)

			now := start
			for i := 0; i < tt.checks; i++ {
				now = now.Add(10 * time.Second)
				m.Record("alive", now)
				m.check(now)
			}

			if got := m.Tracked(); got != tt.wantTracked {
				t.Errorf("Tracked() = %d, want %d", got, tt.wantTracked)
			}
		})
	}
}

func TestMonitor_HeartbeatResetsReportCount(t *testing.T) {
	m := New(config.MonitorConfig{CheckInterval: time.Second, UnhealthyFactor: 2.5, ForgetAfter: 2}, time.Second, zap.NewNop())
	now := time.Now()
	m.Record("w1", now)

	now = now.Add(10 * time.Second)
	m.check(now)
	// Back before the second report.
	m.Record("w1", now)
	now = now.Add(10 * time.Second)
	m.check(now)

	if m.Tracked() != 1 {
		t.Fatalf("Tracked() = %d, want 1", m.Tracked())
	}
	if got := m.Unhealthy(now); len(got) != 1 || got[0] != "w1" {
		t.Errorf("Unhealthy() = %v, want [w1]", got)
	}
}
