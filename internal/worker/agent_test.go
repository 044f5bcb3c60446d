package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleet-dispatcher/internal/bus/bustest"
	"fleet-dispatcher/internal/config"
	"fleet-dispatcher/internal/protocol"
	"fleet-dispatcher/internal/tracing"
	"fleet-dispatcher/pkg/types"
	"go.uber.org/zap"
)

type gateExecutor struct {
	started chan string
	release chan error
}

func newGate() *gateExecutor {
	return &gateExecutor{started: make(chan string, 10), release: make(chan error, 10)}
}

func (g *gateExecutor) Execute(ctx context.Context, task types.TaskRecord) error {
	g.started <- task.TaskID
	select {
	case err := <-g.release:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func testWorkerConfig() config.WorkerConfig {
	cfg := config.Default().Worker
	cfg.HeartbeatInterval = time.Hour
	cfg.FailureCooldown = 20 * time.Millisecond
	return cfg
}

func newTestAgent(t *testing.T, cfg config.WorkerConfig) (*Agent, *bustest.Capture, *gateExecutor, context.CancelFunc) {
	t.Helper()
	pub := &bustest.Capture{}
	gate := newGate()
	tracer := tracing.NewTracingManager("worker-test", "", zap.NewNop())
	a := NewAgent("w1", "node-a", cfg, pub, gate, FixedSampler{CPU: 10, Memory: 20}, tracer, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	t.Cleanup(cancel)
	return a, pub, gate, cancel
}

func execMsg(id string) protocol.Message {
	rec := types.TaskRecord{
		TaskID:   id,
		Data:     map[string]interface{}{"payload": id},
		Priority: types.IntPtr(5),
		Location: types.StringPtr(types.DefaultLocation),
	}
	return protocol.NewDirectMessage(protocol.TopicTaskExecute, protocol.LoadBalancerID, "w1", protocol.TaskExecute{Task: rec})
}

func command(kind protocol.CommandKind, target string) protocol.Message {
	return protocol.NewMessage(protocol.TopicSystemCommand, protocol.ResourceManagerID, protocol.Command{Kind: kind, Target: target})
}

// settle waits for the heartbeat published on start so later assertions see
// only what the test triggers.
func settle(t *testing.T, pub *bustest.Capture) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(pub.Topic(protocol.TopicResourceUpdate)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("initial heartbeat never published")
		}
		time.Sleep(2 * time.Millisecond)
	}
	pub.Reset()
}

func waitStarted(t *testing.T, gate *gateExecutor, want string) {
	t.Helper()
	select {
	case got := <-gate.started:
		if got != want {
			t.Fatalf("started %s, want %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("task %s never started", want)
	}
}

func waitCompleted(t *testing.T, pub *bustest.Capture, n int) []protocol.TaskCompleted {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs := pub.Topic(protocol.TopicTaskCompleted)
		if len(msgs) >= n {
			out := make([]protocol.TaskCompleted, len(msgs))
			for i, m := range msgs {
				out[i] = m.Payload.(protocol.TaskCompleted)
			}
			return out
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d task_completed events", n)
	return nil
}

func waitStatus(t *testing.T, a *Agent, want types.WorkerStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Status() = %s, want %s", a.Status(), want)
}

func TestAgent_RegistersOnStart(t *testing.T) {
	_, pub, _, _ := newTestAgent(t, testWorkerConfig())

	regs := pub.Topic(protocol.TopicAgentRegister)
	if len(regs) != 1 {
		t.Fatalf("agent_register count = %d, want 1", len(regs))
	}
	if reg := regs[0].Payload.(protocol.AgentRegister); reg.AgentID != "w1" || reg.NodeID != "node-a" {
		t.Errorf("register payload = %+v", reg)
	}
}

func TestAgent_RefusesWhileBusy(t *testing.T) {
	a, pub, gate, _ := newTestAgent(t, testWorkerConfig())

	if err := a.handleExecute(execMsg("t1")); err != nil {
		t.Fatal(err)
	}
	waitStarted(t, gate, "t1")

	if err := a.handleExecute(execMsg("t2")); err != nil {
		t.Fatal(err)
	}
	snap := a.Snapshot()
	if snap.Status != types.WorkerStatusBusy || snap.CurrentTaskID != "t1" {
		t.Errorf("after refusal: status %s task %s, want BUSY t1", snap.Status, snap.CurrentTaskID)
	}

	gate.release <- nil
	done := waitCompleted(t, pub, 1)
	if done[0].TaskID != "t1" || done[0].Status != types.ResultCompleted {
		t.Errorf("task_completed = %+v", done[0])
	}

	select {
	case id := <-gate.started:
		t.Errorf("refused task %s was executed", id)
	default:
	}
}

func TestAgent_ReportsRefusedTasks(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(t *testing.T, a *Agent, gate *gateExecutor)
		wantStatus types.WorkerStatus
	}{
		{
			name: "busy",
			setup: func(t *testing.T, a *Agent, gate *gateExecutor) {
				a.handleExecute(execMsg("t1"))
				waitStarted(t, gate, "t1")
			},
			wantStatus: types.WorkerStatusBusy,
		},
		{
			name: "paused",
			setup: func(t *testing.T, a *Agent, gate *gateExecutor) {
				a.handleCommand(command(protocol.CmdPauseWorker, "w1"))
			},
			wantStatus: types.WorkerStatusPaused,
		},
		{
			name: "shutting down",
			setup: func(t *testing.T, a *Agent, gate *gateExecutor) {
				a.handleCommand(protocol.NewDirectMessage(protocol.TopicSystemCommand, protocol.ClusterManagerID, "w1",
					protocol.Command{Kind: protocol.CmdShutdownWorker}))
			},
			wantStatus: types.WorkerStatusShuttingDown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, pub, gate, _ := newTestAgent(t, testWorkerConfig())
			tt.setup(t, a, gate)

			a.handleExecute(execMsg("t2"))

			msgs := pub.Topic(protocol.TopicTaskRejected)
			if len(msgs) != 1 {
				t.Fatalf("task_rejected count = %d, want 1", len(msgs))
			}
			if msgs[0].RecipientID != protocol.LoadBalancerID {
				t.Errorf("rejection sent to %q, want %q", msgs[0].RecipientID, protocol.LoadBalancerID)
			}
			rej := msgs[0].Payload.(protocol.TaskRejected)
			if rej.Task.TaskID != "t2" || rej.WorkerID != "w1" || rej.Reason == "" {
				t.Errorf("rejection = %+v", rej)
			}
			if rej.Status != tt.wantStatus {
				t.Errorf("rejection status = %s, want %s", rej.Status, tt.wantStatus)
			}

			select {
			case id := <-gate.started:
				t.Errorf("refused worker started %s", id)
			case <-time.After(20 * time.Millisecond):
			}
			gate.release <- nil
		})
	}
}

func TestAgent_CompletionReportsAndReturnsToIdle(t *testing.T) {
	a, pub, gate, _ := newTestAgent(t, testWorkerConfig())
	settle(t, pub)

	a.handleExecute(execMsg("t1"))
	waitStarted(t, gate, "t1")
	gate.release <- nil
	waitCompleted(t, pub, 1)

	if a.Status() != types.WorkerStatusIdle {
		t.Errorf("Status() = %s, want IDLE", a.Status())
	}
	if a.Snapshot().TasksCompleted != 1 {
		t.Errorf("TasksCompleted = %d, want 1", a.Snapshot().TasksCompleted)
	}

	// The worker never jumps BUSY -> BUSY: every BUSY report is followed by a
	// non-BUSY one before the next.
	var topics []protocol.Topic
	var statuses []types.WorkerStatus
	for _, m := range pub.Messages() {
		topics = append(topics, m.Topic)
		if su, ok := m.Payload.(protocol.StatusUpdate); ok {
			statuses = append(statuses, su.Status)
		}
	}
	if len(statuses) < 2 || statuses[0] != types.WorkerStatusBusy || statuses[len(statuses)-1] != types.WorkerStatusIdle {
		t.Errorf("status sequence = %v, want BUSY ... IDLE", statuses)
	}

	tail := topics[len(topics)-3:]
	want := []protocol.Topic{protocol.TopicAgentStatus, protocol.TopicTaskCompleted, protocol.TopicResourceUpdate}
	for i := range want {
		if tail[i] != want[i] {
			t.Errorf("completion publishes %v, want %v", tail, want)
			break
		}
	}
}

func TestAgent_FailureCooldown(t *testing.T) {
	a, pub, gate, _ := newTestAgent(t, testWorkerConfig())

	a.handleExecute(execMsg("t1"))
	waitStarted(t, gate, "t1")
	gate.release <- errors.New("boom")

	done := waitCompleted(t, pub, 1)
	if done[0].Status != types.ResultFailed {
		t.Errorf("Status = %s, want failed", done[0].Status)
	}

	if s := a.Status(); s != types.WorkerStatusFailed && s != types.WorkerStatusIdle {
		t.Errorf("Status() = %s right after failure", s)
	}
	waitStatus(t, a, types.WorkerStatusIdle)

	a.handleExecute(execMsg("t2"))
	waitStarted(t, gate, "t2")
	gate.release <- nil
}

func TestAgent_PauseBlocksNextTaskOnly(t *testing.T) {
	a, pub, gate, _ := newTestAgent(t, testWorkerConfig())

	a.handleExecute(execMsg("t1"))
	waitStarted(t, gate, "t1")

	a.handleCommand(command(protocol.CmdPauseWorker, "w1"))
	if a.Status() != types.WorkerStatusBusy {
		t.Errorf("pause changed an in-flight status to %s", a.Status())
	}

	gate.release <- nil
	waitCompleted(t, pub, 1)
	if a.Status() != types.WorkerStatusPaused {
		t.Errorf("Status() = %s, want PAUSED", a.Status())
	}

	a.handleExecute(execMsg("t2"))
	select {
	case id := <-gate.started:
		t.Fatalf("paused worker started %s", id)
	case <-time.After(20 * time.Millisecond):
	}

	a.handleCommand(command(protocol.CmdResumeWorker, "w1"))
	a.handleExecute(execMsg("t3"))
	waitStarted(t, gate, "t3")
	gate.release <- nil
}

func TestAgent_IgnoresCommandsForOthers(t *testing.T) {
	a, _, _, _ := newTestAgent(t, testWorkerConfig())

	a.handleCommand(command(protocol.CmdPauseWorker, "w2"))
	if a.Status() != types.WorkerStatusIdle {
		t.Errorf("Status() = %s, want IDLE", a.Status())
	}

	targeted := protocol.NewDirectMessage(protocol.TopicSystemCommand, protocol.ClusterManagerID, "w1",
		protocol.Command{Kind: protocol.CmdPauseWorker})
	a.handleCommand(targeted)
	if a.Status() != types.WorkerStatusPaused {
		t.Errorf("Status() = %s, want PAUSED", a.Status())
	}
}

func TestAgent_GracefulShutdownFinishesInFlightTask(t *testing.T) {
	a, pub, gate, _ := newTestAgent(t, testWorkerConfig())

	a.handleExecute(execMsg("t1"))
	waitStarted(t, gate, "t1")

	a.handleCommand(protocol.NewDirectMessage(protocol.TopicSystemCommand, protocol.ClusterManagerID, "w1",
		protocol.Command{Kind: protocol.CmdShutdownWorker}))
	if a.Status() != types.WorkerStatusShuttingDown {
		t.Errorf("Status() = %s, want SHUTTING_DOWN", a.Status())
	}

	a.handleExecute(execMsg("t2"))

	select {
	case <-a.Done():
		t.Fatal("agent exited before its in-flight task finished")
	case <-time.After(20 * time.Millisecond):
	}

	gate.release <- nil
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not exit after finishing its task")
	}

	done := waitCompleted(t, pub, 1)
	if len(done) != 1 || done[0].TaskID != "t1" || done[0].Status != types.ResultCompleted {
		t.Errorf("task_completed = %+v, want only t1 completed", done)
	}
}

func TestAgent_AbortReporting(t *testing.T) {
	tests := []struct {
		name          string
		reportAborted bool
		wantEvents    int
	}{
		{name: "aborted status reported", reportAborted: true, wantEvents: 1},
		{name: "abort is silent", reportAborted: false, wantEvents: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testWorkerConfig()
			cfg.ReportAborted = tt.reportAborted
			a, pub, gate, cancel := newTestAgent(t, cfg)

			a.handleExecute(execMsg("t1"))
			waitStarted(t, gate, "t1")
			cancel()

			select {
			case <-a.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("agent did not exit after abort")
			}

			msgs := pub.Topic(protocol.TopicTaskCompleted)
			if len(msgs) != tt.wantEvents {
				t.Fatalf("task_completed count = %d, want %d", len(msgs), tt.wantEvents)
			}
			if tt.wantEvents == 1 {
				if got := msgs[0].Payload.(protocol.TaskCompleted).Status; got != types.ResultAborted {
					t.Errorf("Status = %s, want aborted", got)
				}
			}
		})
	}
}

func TestAgent_DiscoveryReply(t *testing.T) {
	a, pub, _, _ := newTestAgent(t, testWorkerConfig())
	settle(t, pub)

	a.handleDiscovery(protocol.NewMessage(protocol.TopicDiscovery, protocol.LoadBalancerID, protocol.DiscoveryRequest{}))

	msgs := pub.Topic(protocol.TopicAgentStatus)
	if len(msgs) != 1 {
		t.Fatalf("agent_status count = %d, want 1", len(msgs))
	}
	su := msgs[0].Payload.(protocol.StatusUpdate)
	if !su.Discovery || su.Status != types.WorkerStatusIdle || su.CPU != 10 {
		t.Errorf("discovery reply = %+v", su)
	}
}

func TestAgent_HeartbeatPublishesTelemetry(t *testing.T) {
	_, pub, _, _ := newTestAgent(t, testWorkerConfig())

	deadline := time.Now().Add(time.Second)
	for len(pub.Topic(protocol.TopicAgentHeartbeat)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(pub.Topic(protocol.TopicAgentHeartbeat)) == 0 {
		t.Fatal("no heartbeat published on start")
	}
	if len(pub.Topic(protocol.TopicResourceUpdate)) == 0 {
		t.Error("no resource_update published with the heartbeat")
	}
}
