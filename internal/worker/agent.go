package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fleet-dispatcher/internal/bus"
	"fleet-dispatcher/internal/config"
	"fleet-dispatcher/internal/protocol"
	"fleet-dispatcher/internal/tracing"
	"fleet-dispatcher/pkg/types"
	"go.uber.org/zap"
)

// Agent executes at most one task at a time. It owns its status; every other
// component only sees what it reports on the bus.
//
// Two stop paths exist. Shutdown is graceful: the agent enters SHUTTING_DOWN,
// refuses new work, lets the in-flight task finish and report, then exits.
// Cancelling the context passed to Start aborts the in-flight task instead.
type Agent struct {
	id       string
	nodeID   string
	bus      bus.Publisher
	executor Executor
	sampler  Sampler
	tracer   *tracing.TracingManager
	logger   *zap.Logger
	config   config.WorkerConfig

	mu             sync.Mutex
	status         types.WorkerStatus
	paused         bool
	shuttingDown   bool
	stopped        bool
	currentTask    string
	tasksCompleted int
	lastHeartbeat  time.Time

	ctx      context.Context
	inflight sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewAgent(
	id, nodeID string,
	cfg config.WorkerConfig,
	pub bus.Publisher,
	executor Executor,
	sampler Sampler,
	tracer *tracing.TracingManager,
	logger *zap.Logger,
) *Agent {
	return &Agent{
		id:       id,
		nodeID:   nodeID,
		bus:      pub,
		executor: executor,
		sampler:  sampler,
		tracer:   tracer,
		logger:   logger.With(zap.String("worker_id", id), zap.String("node_id", nodeID)),
		config:   cfg,
		status:   types.WorkerStatusIdle,
		ctx:      context.Background(),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (a *Agent) ID() string { return a.id }

func (a *Agent) NodeID() string { return a.nodeID }

// Subscribe registers the agent's handlers under its own identity.
func (a *Agent) Subscribe(b *bus.Bus) {
	b.Subscribe(protocol.TopicTaskExecute, a.id, a.handleExecute)
	b.Subscribe(protocol.TopicSystemCommand, a.id, a.handleCommand)
	b.Subscribe(protocol.TopicDiscovery, a.id, a.handleDiscovery)
}

// Start announces the agent and runs its heartbeat loop until Shutdown or
// until ctx is cancelled.
func (a *Agent) Start(ctx context.Context) {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	a.bus.Publish(protocol.NewMessage(protocol.TopicAgentRegister, a.id, protocol.AgentRegister{
		AgentID: a.id,
		NodeID:  a.nodeID,
		Status:  types.WorkerStatusIdle,
	}))
	a.logger.Info("Worker started")

	go a.run(ctx)
}

func (a *Agent) run(ctx context.Context) {
	defer close(a.done)

	a.heartbeat()

	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.halt()
			a.inflight.Wait()
			a.logger.Info("Worker aborted")
			return
		case <-a.stopCh:
			a.halt()
			a.inflight.Wait()
			a.publishStatus(false)
			a.publishLog("INFO", "worker stopped")
			a.logger.Info("Worker stopped")
			return
		case <-ticker.C:
			a.heartbeat()
		}
	}
}

func (a *Agent) halt() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
}

// Shutdown requests a graceful stop. It does not wait; use Done.
func (a *Agent) Shutdown() {
	a.mu.Lock()
	already := a.shuttingDown
	a.shuttingDown = true
	a.mu.Unlock()

	if !already {
		a.logger.Info("Worker shutting down")
		a.publishStatus(false)
	}
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// Done is closed once the agent's loop has exited and no task is running.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Status returns the status the agent reports to the fleet.
func (a *Agent) Status() types.WorkerStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reportedStatusLocked()
}

func (a *Agent) reportedStatusLocked() types.WorkerStatus {
	switch {
	case a.shuttingDown:
		return types.WorkerStatusShuttingDown
	case a.status == types.WorkerStatusIdle && a.paused:
		return types.WorkerStatusPaused
	default:
		return a.status
	}
}

func (a *Agent) Snapshot() types.WorkerSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return types.WorkerSnapshot{
		AgentID:        a.id,
		NodeID:         a.nodeID,
		Status:         a.reportedStatusLocked(),
		CurrentTaskID:  a.currentTask,
		TasksCompleted: a.tasksCompleted,
		LastHeartbeat:  a.lastHeartbeat,
	}
}

func (a *Agent) handleExecute(msg protocol.Message) error {
	payload, ok := msg.Payload.(protocol.TaskExecute)
	if !ok {
		return fmt.Errorf("unexpected task_execute payload %T", msg.Payload)
	}
	task := payload.Task

	a.mu.Lock()
	if reason := a.refusalLocked(); reason != "" {
		current := a.currentTask
		status := a.reportedStatusLocked()
		if a.stopped {
			status = types.WorkerStatusShuttingDown
		}
		a.mu.Unlock()

		a.logger.Warn("Refusing task",
			zap.String("task_id", task.TaskID),
			zap.String("reason", reason),
			zap.String("current_task_id", current))
		a.publishLog("WARNING", fmt.Sprintf("refused task %s: %s", task.TaskID, reason))

		dispatcher := msg.SenderID
		if dispatcher == "" {
			dispatcher = protocol.LoadBalancerID
		}
		a.bus.Publish(protocol.NewDirectMessage(protocol.TopicTaskRejected, a.id, dispatcher, protocol.TaskRejected{
			Task:     task,
			WorkerID: a.id,
			Status:   status,
			Reason:   reason,
		}))
		return nil
	}
	a.status = types.WorkerStatusBusy
	a.currentTask = task.TaskID
	a.inflight.Add(1)
	ctx := a.ctx
	a.mu.Unlock()

	a.logger.Info("Task accepted", zap.String("task_id", task.TaskID))
	a.publishStatus(false)

	go a.execute(ctx, task)
	return nil
}

func (a *Agent) refusalLocked() string {
	switch {
	case a.stopped:
		return "stopped"
	case a.shuttingDown:
		return "shutting down"
	case a.status != types.WorkerStatusIdle:
		return "status " + string(a.status)
	case a.paused:
		return "paused"
	}
	return ""
}

func (a *Agent) execute(ctx context.Context, task types.TaskRecord) {
	defer a.inflight.Done()

	spanCtx, span := a.tracer.StartTaskSpan(ctx, tracing.SpanExecute, task.TaskID, a.id)
	start := time.Now()
	err := a.executor.Execute(spanCtx, task)
	elapsed := time.Since(start)

	if err != nil && ctx.Err() != nil {
		a.tracer.EndTask(span, types.ResultAborted, elapsed)
		a.abort(task, elapsed)
		return
	}

	result := types.ResultCompleted
	if err != nil {
		result = types.ResultFailed
		a.tracer.RecordError(span, err)
	}
	a.tracer.EndTask(span, result, elapsed)

	a.mu.Lock()
	a.currentTask = ""
	a.tasksCompleted++
	if result == types.ResultCompleted {
		a.status = types.WorkerStatusIdle
	} else {
		a.status = types.WorkerStatusFailed
	}
	a.mu.Unlock()

	if err != nil {
		a.logger.Error("Task failed", zap.String("task_id", task.TaskID), zap.Error(err))
		a.publishLog("ERROR", fmt.Sprintf("task %s failed: %v", task.TaskID, err))
	} else {
		a.logger.Info("Task completed",
			zap.String("task_id", task.TaskID),
			zap.Duration("duration", elapsed))
		a.publishLog("INFO", fmt.Sprintf("task %s completed in %s", task.TaskID, elapsed.Round(time.Millisecond)))
	}

	a.publishStatus(false)
	a.publishCompleted(task.TaskID, result, elapsed)
	a.publishResources()

	if result == types.ResultFailed {
		time.AfterFunc(a.config.FailureCooldown, a.recoverFromFailure)
	}
}

// recoverFromFailure returns a FAILED agent to IDLE after the failure cooldown.
func (a *Agent) recoverFromFailure() {
	a.mu.Lock()
	if a.status != types.WorkerStatusFailed || a.stopped {
		a.mu.Unlock()
		return
	}
	a.status = types.WorkerStatusIdle
	a.mu.Unlock()

	a.logger.Info("Worker recovered from failure")
	a.publishStatus(false)
}

func (a *Agent) abort(task types.TaskRecord, elapsed time.Duration) {
	a.mu.Lock()
	a.currentTask = ""
	a.status = types.WorkerStatusIdle
	a.mu.Unlock()

	a.logger.Warn("Task aborted", zap.String("task_id", task.TaskID), zap.Duration("elapsed", elapsed))
	if a.config.ReportAborted {
		a.publishCompleted(task.TaskID, types.ResultAborted, elapsed)
	}
}

func (a *Agent) handleCommand(msg protocol.Message) error {
	cmd, ok := msg.Payload.(protocol.Command)
	if !ok {
		return fmt.Errorf("unexpected system_command payload %T", msg.Payload)
	}
	if msg.RecipientID != a.id && cmd.Target != a.id {
		return nil
	}

	switch cmd.Kind {
	case protocol.CmdPauseWorker:
		a.setPaused(true)
	case protocol.CmdResumeWorker:
		a.setPaused(false)
	case protocol.CmdShutdownWorker:
		a.Shutdown()
	}
	return nil
}

func (a *Agent) setPaused(paused bool) {
	a.mu.Lock()
	changed := a.paused != paused
	a.paused = paused
	a.mu.Unlock()

	if !changed {
		return
	}
	if paused {
		a.logger.Info("Worker paused")
	} else {
		a.logger.Info("Worker resumed")
	}
	a.publishStatus(false)
}

func (a *Agent) handleDiscovery(msg protocol.Message) error {
	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if stopped {
		return nil
	}
	a.publishStatus(true)
	return nil
}

func (a *Agent) heartbeat() {
	now := time.Now()
	a.mu.Lock()
	a.lastHeartbeat = now
	a.mu.Unlock()

	a.bus.Publish(protocol.NewMessage(protocol.TopicAgentHeartbeat, a.id, protocol.Heartbeat{
		AgentID: a.id,
		At:      now,
	}))
	a.publishStatus(false)
	a.publishResources()
}

func (a *Agent) publishStatus(discovery bool) {
	snap := a.Snapshot()
	cpu, memory := a.sampler.Sample(snap.Status == types.WorkerStatusBusy)

	a.bus.Publish(protocol.NewMessage(protocol.TopicAgentStatus, a.id, protocol.StatusUpdate{
		AgentID:        a.id,
		NodeID:         a.nodeID,
		Status:         snap.Status,
		CurrentTaskID:  snap.CurrentTaskID,
		TasksCompleted: snap.TasksCompleted,
		CPU:            cpu,
		Memory:         memory,
		Discovery:      discovery,
		At:             time.Now(),
	}))
}

func (a *Agent) publishResources() {
	status := a.Status()
	cpu, memory := a.sampler.Sample(status == types.WorkerStatusBusy)

	a.bus.Publish(protocol.NewMessage(protocol.TopicResourceUpdate, a.id, protocol.ResourceUpdate{
		AgentID: a.id,
		NodeID:  a.nodeID,
		CPU:     cpu,
		Memory:  memory,
		Status:  status,
		At:      time.Now(),
	}))
}

func (a *Agent) publishCompleted(taskID, status string, elapsed time.Duration) {
	a.bus.Publish(protocol.NewMessage(protocol.TopicTaskCompleted, a.id, protocol.TaskCompleted{
		TaskID:      taskID,
		WorkerID:    a.id,
		NodeID:      a.nodeID,
		Status:      status,
		Duration:    elapsed,
		CompletedAt: time.Now(),
	}))
}

func (a *Agent) publishLog(level, message string) {
	a.bus.Publish(protocol.NewMessage(protocol.TopicSystemLog, a.id, protocol.LogEntry{
		Source:  a.id,
		Level:   level,
		Message: message,
		At:      time.Now(),
	}))
}
