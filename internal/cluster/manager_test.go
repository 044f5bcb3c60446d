package cluster

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"fleet-dispatcher/internal/bus"
	"fleet-dispatcher/internal/bus/bustest"
	"fleet-dispatcher/internal/config"
	"fleet-dispatcher/internal/monitoring"
	"fleet-dispatcher/internal/protocol"
	"fleet-dispatcher/internal/tracing"
	"fleet-dispatcher/internal/worker"
	"fleet-dispatcher/pkg/types"
	"go.uber.org/zap"
)

func agentFactory(pub bus.Publisher, b *bus.Bus) (AgentFactory, func() []*worker.Agent) {
	var mu sync.Mutex
	var built []*worker.Agent

	cfg := config.Default().Worker
	cfg.HeartbeatInterval = time.Hour
	tracer := tracing.NewTracingManager("cluster-test", "", zap.NewNop())
	exec := worker.ExecutorFunc(func(ctx context.Context, task types.TaskRecord) error { return nil })

	factory := func(id, nodeID string) *worker.Agent {
		a := worker.NewAgent(id, nodeID, cfg, pub, exec, worker.FixedSampler{CPU: 10, Memory: 20}, tracer, zap.NewNop())
		if b != nil {
			a.Subscribe(b)
		}
		mu.Lock()
		built = append(built, a)
		mu.Unlock()
		return a
	}
	return factory, func() []*worker.Agent {
		mu.Lock()
		defer mu.Unlock()
		return append([]*worker.Agent(nil), built...)
	}
}

func newTestManager(t *testing.T, cfg config.ClusterConfig) (*Manager, *bustest.Capture) {
	t.Helper()
	pub := &bustest.Capture{}
	factory, _ := agentFactory(pub, nil)
	m := NewManager(cfg, pub, factory, monitoring.NewMetrics(zap.NewNop()), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m.Start(ctx)
	return m, pub
}

func TestManager_Provision(t *testing.T) {
	m, _ := newTestManager(t, config.Default().Cluster)

	if _, err := m.Provision("worker_1", "node-a"); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if _, err := m.Provision("worker_1", "node-b"); err == nil {
		t.Error("Provision() accepted a duplicate id")
	}

	roster := m.Roster()
	if len(roster) != 1 || roster[0].AgentID != "worker_1" || roster[0].NodeID != "node-a" {
		t.Errorf("Roster() = %+v", roster)
	}
}

func TestManager_ScaleOut(t *testing.T) {
	m, _ := newTestManager(t, config.ClusterConfig{MaxWorkers: 3, ScaleOutCooldown: 10 * time.Second})
	now := time.Now()

	if _, err := m.Provision("worker_1", "node-a"); err != nil {
		t.Fatal(err)
	}

	agent, err := m.ScaleOut(now)
	if err != nil {
		t.Fatalf("ScaleOut() error = %v", err)
	}
	suffix := strings.TrimPrefix(agent.ID(), "worker_dynamic_")
	if suffix == agent.ID() || len(suffix) != 8 {
		t.Errorf("dynamic worker id = %q", agent.ID())
	}
	if agent.NodeID() != "dynamic-node-"+suffix {
		t.Errorf("dynamic node id = %q, want dynamic-node-%s", agent.NodeID(), suffix)
	}

	steps := []struct {
		name string
		at   time.Time
		want error
	}{
		{name: "within cooldown", at: now.Add(time.Second), want: ErrCooldown},
		{name: "after cooldown", at: now.Add(time.Minute), want: nil},
		{name: "at capacity", at: now.Add(2 * time.Minute), want: ErrAtCapacity},
	}
	for _, step := range steps {
		if _, err := m.ScaleOut(step.at); !errors.Is(err, step.want) {
			t.Errorf("%s: ScaleOut() error = %v, want %v", step.name, err, step.want)
		}
	}
	if m.Size() != 3 {
		t.Errorf("Size() = %d, want 3", m.Size())
	}
}

func TestManager_ScaleInHonoursHold(t *testing.T) {
	m, pub := newTestManager(t, config.Default().Cluster)
	now := time.Now()
	for _, id := range []string{"worker_1", "worker_2"} {
		if _, err := m.Provision(id, "node-a"); err != nil {
			t.Fatal(err)
		}
	}

	m.Hold(15*time.Second, now)
	m.Hold(time.Second, now)

	if err := m.ScaleIn("worker_1", now.Add(5*time.Second)); !errors.Is(err, ErrScaleInHeld) {
		t.Fatalf("ScaleIn() during hold error = %v, want ErrScaleInHeld", err)
	}
	if m.Size() != 2 {
		t.Fatalf("Size() = %d after held scale-in, want 2", m.Size())
	}

	if err := m.ScaleIn("worker_1", now.Add(16*time.Second)); err != nil {
		t.Fatalf("ScaleIn() error = %v", err)
	}
	if roster := m.Roster(); len(roster) != 1 || roster[0].AgentID != "worker_2" {
		t.Errorf("Roster() = %+v, want only worker_2", roster)
	}

	shutdowns := pub.Commands(protocol.CmdShutdownWorker)
	if len(shutdowns) != 1 || shutdowns[0].RecipientID != "worker_1" {
		t.Errorf("shutdown commands = %+v, want one addressed to worker_1", shutdowns)
	}

	if err := m.ScaleIn("worker_9", now.Add(time.Minute)); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("ScaleIn(unknown) error = %v, want ErrUnknownWorker", err)
	}
}

func TestManager_CommandsAndQueries(t *testing.T) {
	m, pub := newTestManager(t, config.Default().Cluster)
	if _, err := m.Provision("worker_1", "node-a"); err != nil {
		t.Fatal(err)
	}

	// Broadcast commands belong to workers and the balancer.
	m.handleCommand(protocol.NewMessage(protocol.TopicSystemCommand, protocol.ResourceManagerID,
		protocol.Command{Kind: protocol.CmdScaleOut}))
	if m.Size() != 1 {
		t.Fatalf("broadcast scale_out changed the roster")
	}

	m.handleCommand(protocol.NewDirectMessage(protocol.TopicSystemCommand, protocol.ResourceManagerID, protocol.ClusterManagerID,
		protocol.Command{Kind: protocol.CmdScaleOut}))
	if m.Size() != 2 {
		t.Fatalf("Size() = %d after scale_out, want 2", m.Size())
	}

	m.handleQuery(protocol.NewDirectMessage(protocol.TopicClusterQuery, protocol.LoadBalancerID, protocol.ClusterManagerID,
		protocol.ClusterQuery{Requester: protocol.LoadBalancerID}))

	replies := pub.Topic(protocol.TopicClusterRoster)
	if len(replies) != 1 {
		t.Fatalf("got %d roster replies, want 1", len(replies))
	}
	if replies[0].RecipientID != protocol.LoadBalancerID {
		t.Errorf("roster sent to %q, want %q", replies[0].RecipientID, protocol.LoadBalancerID)
	}
	if got := replies[0].Payload.(protocol.ClusterRoster).Workers; len(got) != 2 {
		t.Errorf("roster has %d workers, want 2", len(got))
	}
}

func TestManager_ShutdownWaitsForRetiringWorkers(t *testing.T) {
	b := bus.New(zap.NewNop())
	factory, built := agentFactory(b, b)
	m := NewManager(config.Default().Cluster, b, factory, monitoring.NewMetrics(zap.NewNop()), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	m.Start(ctx)

	for _, id := range []string{"worker_1", "worker_2", "worker_3"} {
		if _, err := m.Provision(id, "node-a"); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.ScaleIn("worker_2", time.Now()); err != nil {
		t.Fatal(err)
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := m.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	for _, a := range built() {
		select {
		case <-a.Done():
		default:
			t.Errorf("worker %s still running after Shutdown", a.ID())
		}
	}
	if _, err := m.Provision("worker_4", "node-a"); !errors.Is(err, ErrClosed) {
		t.Errorf("Provision() after Shutdown error = %v, want ErrClosed", err)
	}
}
