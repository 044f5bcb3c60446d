package resource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fleet-dispatcher/internal/bus"
	"fleet-dispatcher/internal/config"
	"fleet-dispatcher/internal/monitoring"
	"fleet-dispatcher/internal/protocol"
	"fleet-dispatcher/pkg/types"
	"go.uber.org/zap"
)

// DepthReader reports the number of tasks waiting to be scheduled.
type DepthReader interface {
	Len() int
}

type workerState struct {
	nodeID    string
	cpu       float64
	memory    float64
	status    types.WorkerStatus
	paused    bool
	pausedAt  time.Time
	updatedAt time.Time
}

// Manager throttles hot workers and asks the cluster manager to grow or
// shrink the fleet. Pause and resume use hysteresis: a paused worker is only
// resumed once its CPU is below the low threshold and the cooldown since the
// pause has elapsed.
type Manager struct {
	bus     bus.Publisher
	depth   DepthReader
	metrics *monitoring.Metrics
	logger  *zap.Logger
	config  config.ResourceConfig
	now     func() time.Time

	mu      sync.Mutex
	workers map[string]*workerState
	order   []string
}

// Decision is what one evaluation pass asked for.
type Decision struct {
	Paused   []string
	Resumed  []string
	ScaleOut bool
	ScaleIn  string
}

func NewManager(
	cfg config.ResourceConfig,
	b bus.Publisher,
	depth DepthReader,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		bus:     b,
		depth:   depth,
		metrics: metrics,
		logger:  logger.With(zap.String("component", protocol.ResourceManagerID)),
		config:  cfg,
		now:     time.Now,
		workers: make(map[string]*workerState),
	}
}

func (m *Manager) Subscribe(b *bus.Bus) {
	b.Subscribe(protocol.TopicResourceUpdate, protocol.ResourceManagerID, m.handleResourceUpdate)
}

func (m *Manager) handleResourceUpdate(msg protocol.Message) error {
	update, ok := msg.Payload.(protocol.ResourceUpdate)
	if !ok {
		return fmt.Errorf("unexpected resource_update payload %T", msg.Payload)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if update.Status == types.WorkerStatusShuttingDown {
		m.removeLocked(update.AgentID)
		return nil
	}

	w, exists := m.workers[update.AgentID]
	if !exists {
		w = &workerState{}
		m.workers[update.AgentID] = w
		m.order = append(m.order, update.AgentID)
	}
	w.nodeID = update.NodeID
	w.cpu = update.CPU
	w.memory = update.Memory
	w.status = update.Status
	w.updatedAt = m.now()
	return nil
}

// Run evaluates the fleet every EvaluationInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Resource manager stopped")
			return
		case <-ticker.C:
			m.Evaluate(m.now())
		}
	}
}

// Evaluate runs one control pass at now and publishes the resulting commands.
func (m *Manager) Evaluate(now time.Time) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	var d Decision
	m.dropStaleLocked(now)

	for _, id := range m.order {
		w := m.workers[id]
		switch {
		case !w.paused && w.cpu > m.config.CPUHigh:
			w.paused = true
			w.pausedAt = now
			d.Paused = append(d.Paused, id)
			m.command(protocol.CmdPauseWorker, id, fmt.Sprintf("cpu %.1f%% above %.1f%%", w.cpu, m.config.CPUHigh))

		case w.paused && w.cpu < m.config.CPULow && now.Sub(w.pausedAt) >= m.config.PauseCooldown:
			w.paused = false
			d.Resumed = append(d.Resumed, id)
			m.command(protocol.CmdResumeWorker, id, fmt.Sprintf("cpu %.1f%% below %.1f%%", w.cpu, m.config.CPULow))
		}
	}

	depth := m.depth.Len()

	if depth > m.config.ScaleOutQueueThreshold {
		d.ScaleOut = true
		m.command(protocol.CmdScaleOut, "", fmt.Sprintf("queue depth %d above %d", depth, m.config.ScaleOutQueueThreshold))
	}

	if target := m.scaleInCandidateLocked(depth); target != "" {
		d.ScaleIn = target
		m.command(protocol.CmdScaleIn, target, "fleet under-utilised")
		m.removeLocked(target)
	}

	if len(d.Paused) > 0 || len(d.Resumed) > 0 || d.ScaleOut || d.ScaleIn != "" {
		m.logger.Info("Resource evaluation",
			zap.Strings("paused", d.Paused),
			zap.Strings("resumed", d.Resumed),
			zap.Bool("scale_out", d.ScaleOut),
			zap.String("scale_in", d.ScaleIn),
			zap.Int("queue_depth", depth))
	}
	return d
}

// scaleInCandidateLocked picks the first active low-CPU worker when the fleet
// is above baseline, the queue is empty and enough workers are idle.
func (m *Manager) scaleInCandidateLocked(depth int) string {
	total := len(m.order)
	if depth > 0 || total <= m.config.BaselineWorkers {
		return ""
	}

	var candidates []string
	for _, id := range m.order {
		w := m.workers[id]
		if w.paused || w.cpu >= m.config.CPULow || w.status == types.WorkerStatusBusy {
			continue
		}
		candidates = append(candidates, id)
	}

	if len(candidates) == 0 {
		return ""
	}
	if float64(len(candidates))/float64(total) < m.config.ScaleInIdleRatio {
		return ""
	}
	return candidates[0]
}

func (m *Manager) dropStaleLocked(now time.Time) {
	if m.config.StaleAfter <= 0 {
		return
	}
	for _, id := range append([]string(nil), m.order...) {
		if now.Sub(m.workers[id].updatedAt) > m.config.StaleAfter {
			m.logger.Debug("Dropping stale telemetry", zap.String("worker_id", id))
			m.removeLocked(id)
		}
	}
}

func (m *Manager) removeLocked(id string) {
	if _, ok := m.workers[id]; !ok {
		return
	}
	delete(m.workers, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// command publishes kind. Pause and resume are broadcast so the worker and
// the load balancer both see them; scaling goes to the cluster manager.
func (m *Manager) command(kind protocol.CommandKind, target, reason string) {
	cmd := protocol.Command{Kind: kind, Target: target, Reason: reason}

	var msg protocol.Message
	switch kind {
	case protocol.CmdScaleOut, protocol.CmdScaleIn:
		msg = protocol.NewDirectMessage(protocol.TopicSystemCommand, protocol.ResourceManagerID, protocol.ClusterManagerID, cmd)
	default:
		msg = protocol.NewMessage(protocol.TopicSystemCommand, protocol.ResourceManagerID, cmd)
	}

	m.bus.Publish(msg)
	m.metrics.CommandIssued(string(kind))
	m.logger.Info("Command issued",
		zap.String("command", string(kind)),
		zap.String("target", target),
		zap.String("reason", reason))
}

// Paused reports whether the manager currently holds id paused.
func (m *Manager) Paused(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	return ok && w.paused
}

// Tracked returns the ids the manager holds telemetry for.
func (m *Manager) Tracked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}
