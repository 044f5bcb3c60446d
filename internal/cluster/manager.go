// Package cluster owns the set of running worker agents. It provisions the
// bootstrap fleet, adds dynamic workers on scale_out, retires workers on
// scale_in and stops everything on shutdown.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fleet-dispatcher/internal/bus"
	"fleet-dispatcher/internal/config"
	"fleet-dispatcher/internal/monitoring"
	"fleet-dispatcher/internal/protocol"
	"fleet-dispatcher/internal/worker"
	"fleet-dispatcher/pkg/types"
	"go.uber.org/zap"
)

var (
	ErrAtCapacity    = errors.New("cluster at max workers")
	ErrCooldown      = errors.New("scale out cooling down")
	ErrScaleInHeld   = errors.New("scale in on hold")
	ErrUnknownWorker = errors.New("worker not in roster")
	ErrClosed        = errors.New("cluster manager shut down")
)

// AgentFactory builds an agent for id on nodeID. The factory is responsible
// for subscribing the agent to the bus; the manager starts it.
type AgentFactory func(id, nodeID string) *worker.Agent

type Manager struct {
	bus     bus.Publisher
	factory AgentFactory
	metrics *monitoring.Metrics
	logger  *zap.Logger
	config  config.ClusterConfig
	now     func() time.Time

	mu           sync.Mutex
	ctx          context.Context
	roster       []*worker.Agent
	retiring     map[string]*worker.Agent
	lastScaleOut time.Time
	holdUntil    time.Time
	closed       bool
}

func NewManager(
	cfg config.ClusterConfig,
	b bus.Publisher,
	factory AgentFactory,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		bus:      b,
		factory:  factory,
		metrics:  metrics,
		logger:   logger.With(zap.String("component", protocol.ClusterManagerID)),
		config:   cfg,
		now:      time.Now,
		ctx:      context.Background(),
		retiring: make(map[string]*worker.Agent),
	}
}

func (m *Manager) Subscribe(b *bus.Bus) {
	b.Subscribe(protocol.TopicSystemCommand, protocol.ClusterManagerID, m.handleCommand)
	b.Subscribe(protocol.TopicClusterQuery, protocol.ClusterManagerID, m.handleQuery)
}

// Start records the context agents run under. Agents provisioned afterwards
// abort their in-flight task when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
	m.logger.Info("Cluster manager started", zap.Int("max_workers", m.config.MaxWorkers))
}

// Provision creates and starts a worker.
func (m *Manager) Provision(id, nodeID string) (*worker.Agent, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	for _, a := range m.roster {
		if a.ID() == id {
			m.mu.Unlock()
			return nil, fmt.Errorf("worker %s already provisioned", id)
		}
	}
	agent := m.factory(id, nodeID)
	m.roster = append(m.roster, agent)
	ctx := m.ctx
	size := len(m.roster)
	m.mu.Unlock()

	agent.Start(ctx)
	m.logger.Info("Worker provisioned",
		zap.String("worker_id", id),
		zap.String("node_id", nodeID),
		zap.Int("total_workers", size))
	return agent, nil
}

// ScaleOut adds one dynamic worker on its own node.
func (m *Manager) ScaleOut(now time.Time) (*worker.Agent, error) {
	m.mu.Lock()
	if m.config.MaxWorkers > 0 && len(m.roster) >= m.config.MaxWorkers {
		m.mu.Unlock()
		return nil, ErrAtCapacity
	}
	if !m.lastScaleOut.IsZero() && now.Sub(m.lastScaleOut) < m.config.ScaleOutCooldown {
		m.mu.Unlock()
		return nil, ErrCooldown
	}
	m.lastScaleOut = now
	m.mu.Unlock()

	suffix := types.ShortID()
	return m.Provision("worker_dynamic_"+suffix, "dynamic-node-"+suffix)
}

// ScaleIn asks target to shut down gracefully and drops it from the roster.
// The agent is kept until it exits so Shutdown can wait for it.
func (m *Manager) ScaleIn(target string, now time.Time) error {
	m.mu.Lock()
	if now.Before(m.holdUntil) {
		until := m.holdUntil
		m.mu.Unlock()
		return fmt.Errorf("%w until %s", ErrScaleInHeld, until.Format(time.RFC3339))
	}

	idx := -1
	for i, a := range m.roster {
		if a.ID() == target {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorker, target)
	}
	agent := m.roster[idx]
	m.roster = append(m.roster[:idx], m.roster[idx+1:]...)
	m.retiring[target] = agent
	size := len(m.roster)
	m.mu.Unlock()

	m.bus.Publish(protocol.NewDirectMessage(protocol.TopicSystemCommand, protocol.ClusterManagerID, target, protocol.Command{
		Kind:   protocol.CmdShutdownWorker,
		Target: target,
		Reason: "scale in",
	}))
	m.metrics.CommandIssued(string(protocol.CmdShutdownWorker))
	go m.reap(agent)

	m.logger.Info("Worker retiring",
		zap.String("worker_id", target),
		zap.Int("total_workers", size))
	return nil
}

func (m *Manager) reap(agent *worker.Agent) {
	<-agent.Done()
	m.mu.Lock()
	delete(m.retiring, agent.ID())
	m.mu.Unlock()
	m.logger.Debug("Worker exited", zap.String("worker_id", agent.ID()))
}

// Hold blocks scale-in until now+d. A shorter hold never shortens an
// existing one.
func (m *Manager) Hold(d time.Duration, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if until := now.Add(d); until.After(m.holdUntil) {
		m.holdUntil = until
	}
}

func (m *Manager) handleCommand(msg protocol.Message) error {
	cmd, ok := msg.Payload.(protocol.Command)
	if !ok {
		return fmt.Errorf("unexpected system_command payload %T", msg.Payload)
	}
	if msg.RecipientID != protocol.ClusterManagerID {
		return nil
	}

	now := m.now()
	switch cmd.Kind {
	case protocol.CmdScaleOut:
		if _, err := m.ScaleOut(now); err != nil {
			m.logger.Info("Scale out skipped", zap.String("reason", cmd.Reason), zap.Error(err))
		}
	case protocol.CmdScaleIn:
		if err := m.ScaleIn(cmd.Target, now); err != nil {
			m.logger.Info("Scale in skipped", zap.String("worker_id", cmd.Target), zap.Error(err))
		}
	case protocol.CmdHoldScaleIn:
		m.Hold(cmd.HoldFor, now)
		m.logger.Debug("Scale in held", zap.Duration("hold_for", cmd.HoldFor), zap.String("requester", msg.SenderID))
	}
	return nil
}

func (m *Manager) handleQuery(msg protocol.Message) error {
	query, ok := msg.Payload.(protocol.ClusterQuery)
	if !ok {
		return fmt.Errorf("unexpected cluster_query payload %T", msg.Payload)
	}
	requester := query.Requester
	if requester == "" {
		requester = msg.SenderID
	}

	m.bus.Publish(protocol.NewDirectMessage(protocol.TopicClusterRoster, protocol.ClusterManagerID, requester, protocol.ClusterRoster{
		Workers: m.Roster(),
	}))
	return nil
}

// Roster returns a snapshot of every worker in the roster, in provisioning
// order.
func (m *Manager) Roster() []types.WorkerSnapshot {
	m.mu.Lock()
	agents := append([]*worker.Agent(nil), m.roster...)
	m.mu.Unlock()

	out := make([]types.WorkerSnapshot, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.Snapshot())
	}
	return out
}

func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.roster)
}

// Shutdown gracefully stops every worker, including ones still retiring, and
// waits for them to exit or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	agents := append([]*worker.Agent(nil), m.roster...)
	for _, a := range m.retiring {
		agents = append(agents, a)
	}
	m.roster = nil
	m.mu.Unlock()

	m.logger.Info("Shutting down workers", zap.Int("count", len(agents)))
	for _, a := range agents {
		a.Shutdown()
	}

	for _, a := range agents {
		select {
		case <-a.Done():
		case <-ctx.Done():
			return fmt.Errorf("failed to stop worker %s: %w", a.ID(), ctx.Err())
		}
	}
	m.logger.Info("All workers stopped")
	return nil
}
