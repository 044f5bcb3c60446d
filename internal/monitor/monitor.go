package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fleet-dispatcher/internal/bus"
	"fleet-dispatcher/internal/config"
	"fleet-dispatcher/internal/protocol"
	"go.uber.org/zap"
)

// Monitor is a passive heartbeat watchdog. It logs silent identities and
// takes no corrective action. An identity reported ForgetAfter checks in a
// row is dropped until it heartbeats again.
type Monitor struct {
	mu        sync.Mutex
	lastSeen  map[string]time.Time
	reports   map[string]int
	heartbeat time.Duration
	config    config.MonitorConfig
	logger    *zap.Logger
}

func New(cfg config.MonitorConfig, heartbeatInterval time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		lastSeen:  make(map[string]time.Time),
		reports:   make(map[string]int),
		heartbeat: heartbeatInterval,
		config:    cfg,
		logger:    logger.With(zap.String("component", protocol.MonitorID)),
	}
}

func (m *Monitor) Subscribe(b *bus.Bus) {
	b.Subscribe(protocol.TopicAgentHeartbeat, protocol.MonitorID, m.handleHeartbeat)
}

func (m *Monitor) handleHeartbeat(msg protocol.Message) error {
	hb, ok := msg.Payload.(protocol.Heartbeat)
	if !ok {
		return fmt.Errorf("unexpected agent_heartbeat payload %T", msg.Payload)
	}
	m.Record(hb.AgentID, hb.At)
	return nil
}

// Record notes a heartbeat from id.
func (m *Monitor) Record(id string, at time.Time) {
	m.mu.Lock()
	m.lastSeen[id] = at
	delete(m.reports, id)
	m.mu.Unlock()
}

// Threshold is how long an identity may stay silent before it is reported.
func (m *Monitor) Threshold() time.Duration {
	return time.Duration(m.config.UnhealthyFactor * float64(m.heartbeat))
}

// Unhealthy returns the identities silent for longer than Threshold at now,
// sorted by id.
func (m *Monitor) Unhealthy(now time.Time) []string {
	threshold := m.Threshold()

	m.mu.Lock()
	defer m.mu.Unlock()

	var silent []string
	for id, seen := range m.lastSeen {
		if now.Sub(seen) > threshold {
			silent = append(silent, id)
		}
	}
	sort.Strings(silent)
	return silent
}

// Run checks heartbeats every CheckInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.check(now)
		}
	}
}

// Tracked returns the number of identities the monitor still watches.
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lastSeen)
}

func (m *Monitor) check(now time.Time) {
	threshold := m.Threshold()

	for _, id := range m.Unhealthy(now) {
		m.mu.Lock()
		seen, ok := m.lastSeen[id]
		if !ok {
			m.mu.Unlock()
			continue
		}
		m.reports[id]++
		forget := m.config.ForgetAfter > 0 && m.reports[id] >= m.config.ForgetAfter
		if forget {
			delete(m.lastSeen, id)
			delete(m.reports, id)
		}
		m.mu.Unlock()

		m.logger.Warn("Agent missed heartbeats",
			zap.String("agent_id", id),
			zap.Duration("silent_for", now.Sub(seen)),
			zap.Duration("threshold", threshold))
		if forget {
			m.logger.Info("Forgetting silent agent", zap.String("agent_id", id))
		}
	}
}
