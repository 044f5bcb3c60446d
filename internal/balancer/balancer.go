package balancer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fleet-dispatcher/internal/bus"
	"fleet-dispatcher/internal/config"
	"fleet-dispatcher/internal/monitoring"
	"fleet-dispatcher/internal/protocol"
	"fleet-dispatcher/internal/tracing"
	"fleet-dispatcher/pkg/types"
	"go.uber.org/zap"
)

// Balancer matches backlogged task requests to idle workers.
//
// The directory is a cache of what workers report. A worker the balancer has
// dispatched to stays ineligible until the matching task_completed or
// task_rejected arrives, whatever status reports cross the task_execute on
// the bus. An assignment the worker keeps reporting it does not hold is
// released once it is older than WorkerTimeout.
type Balancer struct {
	bus     bus.Publisher
	tracer  *tracing.TracingManager
	metrics *monitoring.Metrics
	logger  *zap.Logger
	config  config.BalancerConfig
	now     func() time.Time

	mu            sync.Mutex
	directory     map[string]*types.WorkerRecord
	order         []string
	paused        map[string]bool
	backlog       []types.TaskRecord
	assignments   map[string]assignment
	lastDiscovery time.Time
}

type assignment struct {
	task types.TaskRecord
	at   time.Time
}

// Snapshot is a point-in-time copy of the balancer's view.
type Snapshot struct {
	Workers       []types.WorkerRecord `json:"workers"`
	Backlog       int                  `json:"backlog"`
	Paused        []string             `json:"paused"`
	Assignments   map[string]string    `json:"assignments"`
	LastDiscovery time.Time            `json:"last_discovery"`
}

func New(
	cfg config.BalancerConfig,
	b bus.Publisher,
	tracer *tracing.TracingManager,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *Balancer {
	return &Balancer{
		bus:         b,
		tracer:      tracer,
		metrics:     metrics,
		logger:      logger.With(zap.String("component", protocol.LoadBalancerID)),
		config:      cfg,
		now:         time.Now,
		directory:   make(map[string]*types.WorkerRecord),
		paused:      make(map[string]bool),
		assignments: make(map[string]assignment),
	}
}

func (lb *Balancer) Subscribe(b *bus.Bus) {
	b.Subscribe(protocol.TopicTaskRequest, protocol.LoadBalancerID, lb.handleTaskRequest)
	b.Subscribe(protocol.TopicAgentRegister, protocol.LoadBalancerID, lb.handleRegister)
	b.Subscribe(protocol.TopicAgentStatus, protocol.LoadBalancerID, lb.handleStatus)
	b.Subscribe(protocol.TopicTaskCompleted, protocol.LoadBalancerID, lb.handleCompleted)
	b.Subscribe(protocol.TopicTaskRejected, protocol.LoadBalancerID, lb.handleRejected)
	b.Subscribe(protocol.TopicSystemCommand, protocol.LoadBalancerID, lb.handleCommand)
	b.Subscribe(protocol.TopicClusterRoster, protocol.LoadBalancerID, lb.handleRoster)
}

// Run starts with a discovery round and then maintains the directory every
// MaintenanceInterval until ctx is cancelled.
func (lb *Balancer) Run(ctx context.Context) {
	lb.mu.Lock()
	lb.discoverLocked(lb.now())
	lb.mu.Unlock()

	ticker := time.NewTicker(lb.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			lb.logger.Info("Load balancer stopped")
			return
		case <-ticker.C:
			lb.maintain(lb.now())
		}
	}
}

func (lb *Balancer) handleTaskRequest(msg protocol.Message) error {
	req, ok := msg.Payload.(protocol.TaskRequest)
	if !ok {
		return fmt.Errorf("unexpected task_request payload %T", msg.Payload)
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.backlog = append(lb.backlog, req.Task)
	lb.dispatchLocked(lb.now())
	return nil
}

func (lb *Balancer) handleRegister(msg protocol.Message) error {
	reg, ok := msg.Payload.(protocol.AgentRegister)
	if !ok {
		return fmt.Errorf("unexpected agent_register payload %T", msg.Payload)
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	now := lb.now()
	lb.upsertLocked(types.WorkerRecord{
		AgentID:  reg.AgentID,
		NodeID:   reg.NodeID,
		Status:   reg.Status,
		LastSeen: now,
	})
	lb.logger.Info("Worker registered", zap.String("worker_id", reg.AgentID), zap.String("node_id", reg.NodeID))

	if reg.Status == types.WorkerStatusIdle {
		lb.dispatchLocked(now)
	}
	return nil
}

func (lb *Balancer) handleStatus(msg protocol.Message) error {
	su, ok := msg.Payload.(protocol.StatusUpdate)
	if !ok {
		return fmt.Errorf("unexpected agent_status payload %T", msg.Payload)
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	now := lb.now()
	lb.releaseStaleLocked(su, now)
	lb.upsertLocked(types.WorkerRecord{
		AgentID:        su.AgentID,
		NodeID:         su.NodeID,
		Status:         su.Status,
		LastSeen:       now,
		CPU:            su.CPU,
		Memory:         su.Memory,
		CurrentTaskID:  su.CurrentTaskID,
		TasksCompleted: su.TasksCompleted,
	})

	if su.Status == types.WorkerStatusIdle {
		lb.dispatchLocked(now)
	}
	return nil
}

func (lb *Balancer) handleRoster(msg protocol.Message) error {
	roster, ok := msg.Payload.(protocol.ClusterRoster)
	if !ok {
		return fmt.Errorf("unexpected cluster_roster payload %T", msg.Payload)
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	now := lb.now()
	for _, w := range roster.Workers {
		lb.upsertLocked(types.WorkerRecord{
			AgentID:        w.AgentID,
			NodeID:         w.NodeID,
			Status:         w.Status,
			LastSeen:       now,
			CurrentTaskID:  w.CurrentTaskID,
			TasksCompleted: w.TasksCompleted,
		})
	}
	lb.logger.Debug("Cluster roster merged", zap.Int("workers", len(roster.Workers)))

	lb.dispatchLocked(now)
	return nil
}

func (lb *Balancer) handleCompleted(msg protocol.Message) error {
	done, ok := msg.Payload.(protocol.TaskCompleted)
	if !ok {
		return fmt.Errorf("unexpected task_completed payload %T", msg.Payload)
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	if assigned, ok := lb.assignments[done.WorkerID]; ok && assigned.task.TaskID == done.TaskID {
		delete(lb.assignments, done.WorkerID)
	}

	if rec, ok := lb.directory[done.WorkerID]; ok {
		if rec.CurrentTaskID == done.TaskID {
			rec.CurrentTaskID = ""
		}
		if rec.Status == types.WorkerStatusShuttingDown {
			lb.removeLocked(done.WorkerID)
		}
	}

	lb.dispatchLocked(lb.now())
	return nil
}

// handleRejected puts a refused task back at the head of the backlog and
// records the status the worker refused with.
func (lb *Balancer) handleRejected(msg protocol.Message) error {
	rej, ok := msg.Payload.(protocol.TaskRejected)
	if !ok {
		return fmt.Errorf("unexpected task_rejected payload %T", msg.Payload)
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	assigned, ok := lb.assignments[rej.WorkerID]
	if !ok || assigned.task.TaskID != rej.Task.TaskID {
		// Already released by eviction or a stale-assignment check.
		lb.logger.Debug("Ignoring rejection of a released assignment",
			zap.String("worker_id", rej.WorkerID),
			zap.String("task_id", rej.Task.TaskID))
		return nil
	}
	delete(lb.assignments, rej.WorkerID)
	lb.backlog = append([]types.TaskRecord{assigned.task}, lb.backlog...)
	lb.metrics.TaskRejected()

	lb.logger.Warn("Task refused by worker, re-queued",
		zap.String("worker_id", rej.WorkerID),
		zap.String("task_id", rej.Task.TaskID),
		zap.String("reason", rej.Reason))

	now := lb.now()
	if rec, known := lb.directory[rej.WorkerID]; known {
		lb.upsertLocked(types.WorkerRecord{
			AgentID:  rej.WorkerID,
			NodeID:   rec.NodeID,
			Status:   rej.Status,
			LastSeen: now,
		})
	}

	lb.dispatchLocked(now)
	return nil
}

// releaseStaleLocked drops an assignment the worker has been reporting it
// does not hold for longer than WorkerTimeout. The task's fate is unknown, so
// it follows the eviction policy.
func (lb *Balancer) releaseStaleLocked(su protocol.StatusUpdate, now time.Time) {
	assigned, ok := lb.assignments[su.AgentID]
	if !ok || su.Status == types.WorkerStatusBusy || su.CurrentTaskID == assigned.task.TaskID {
		return
	}
	reportedAt := su.At
	if reportedAt.IsZero() {
		reportedAt = now
	}
	if reportedAt.Sub(assigned.at) <= lb.config.WorkerTimeout {
		return
	}

	delete(lb.assignments, su.AgentID)
	if rec, known := lb.directory[su.AgentID]; known && rec.CurrentTaskID == assigned.task.TaskID {
		rec.CurrentTaskID = ""
	}
	lb.settleLostLocked(su.AgentID, assigned.task, "worker does not report the task")
}

// settleLostLocked applies the eviction policy to a task whose worker can no
// longer account for it.
func (lb *Balancer) settleLostLocked(workerID string, task types.TaskRecord, reason string) {
	if lb.config.RequeueOnEviction {
		lb.backlog = append([]types.TaskRecord{task}, lb.backlog...)
		lb.logger.Warn("Lost assignment, task re-queued",
			zap.String("worker_id", workerID),
			zap.String("task_id", task.TaskID),
			zap.String("reason", reason))
		return
	}
	lb.logger.Warn("Lost assignment, task not recovered",
		zap.String("worker_id", workerID),
		zap.String("task_id", task.TaskID),
		zap.String("reason", reason))
	lb.publishLog("WARNING", fmt.Sprintf("task %s on worker %s not recovered: %s", task.TaskID, workerID, reason))
}

func (lb *Balancer) handleCommand(msg protocol.Message) error {
	cmd, ok := msg.Payload.(protocol.Command)
	if !ok {
		return fmt.Errorf("unexpected system_command payload %T", msg.Payload)
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	switch cmd.Kind {
	case protocol.CmdPauseWorker:
		lb.paused[cmd.Target] = true
		lb.logger.Info("Worker paused", zap.String("worker_id", cmd.Target), zap.String("reason", cmd.Reason))
	case protocol.CmdResumeWorker:
		delete(lb.paused, cmd.Target)
		lb.logger.Info("Worker resumed", zap.String("worker_id", cmd.Target))
		lb.dispatchLocked(lb.now())
	}
	return nil
}

// upsertLocked merges a report into the directory. A worker that reports
// SHUTTING_DOWN with nothing in flight is dropped.
func (lb *Balancer) upsertLocked(update types.WorkerRecord) {
	_, assigned := lb.assignments[update.AgentID]
	if update.Status == types.WorkerStatusShuttingDown && !assigned {
		if _, known := lb.directory[update.AgentID]; known {
			lb.logger.Info("Worker left the fleet", zap.String("worker_id", update.AgentID))
		}
		lb.removeLocked(update.AgentID)
		return
	}

	rec, ok := lb.directory[update.AgentID]
	if !ok {
		rec = &types.WorkerRecord{AgentID: update.AgentID}
		lb.directory[update.AgentID] = rec
		lb.order = append(lb.order, update.AgentID)
	}

	rec.Status = update.Status
	rec.LastSeen = update.LastSeen
	if update.NodeID != "" {
		rec.NodeID = update.NodeID
	}
	if update.CPU != 0 || update.Memory != 0 {
		rec.CPU = update.CPU
		rec.Memory = update.Memory
	}
	rec.CurrentTaskID = update.CurrentTaskID
	if update.TasksCompleted > rec.TasksCompleted {
		rec.TasksCompleted = update.TasksCompleted
	}
	if assigned {
		rec.CurrentTaskID = lb.assignments[update.AgentID].task.TaskID
	}
}

func (lb *Balancer) removeLocked(id string) {
	if _, ok := lb.directory[id]; !ok {
		return
	}
	delete(lb.directory, id)
	delete(lb.paused, id)
	for i, existing := range lb.order {
		if existing == id {
			lb.order = append(lb.order[:i], lb.order[i+1:]...)
			break
		}
	}
}

func (lb *Balancer) eligibleLocked() string {
	for _, id := range lb.order {
		rec := lb.directory[id]
		if rec.Status != types.WorkerStatusIdle || lb.paused[id] {
			continue
		}
		if _, busy := lb.assignments[id]; busy {
			continue
		}
		return id
	}
	return ""
}

func (lb *Balancer) dispatchLocked(now time.Time) {
	for len(lb.backlog) > 0 {
		workerID := lb.eligibleLocked()
		if workerID == "" {
			break
		}

		task := lb.backlog[0]
		lb.backlog[0] = types.TaskRecord{}
		lb.backlog = lb.backlog[1:]

		if err := task.Validate(); err != nil {
			lb.logger.Warn("Dropping invalid task", zap.Error(err))
			lb.publishLog("WARNING", "dropped invalid task: "+err.Error())
			continue
		}

		rec := lb.directory[workerID]
		rec.Status = types.WorkerStatusBusy
		rec.CurrentTaskID = task.TaskID
		lb.assignments[workerID] = assignment{task: task, at: now}

		_, span := lb.tracer.StartTaskSpan(context.Background(), tracing.SpanDispatch, task.TaskID, workerID)
		lb.bus.Publish(protocol.NewDirectMessage(protocol.TopicTaskExecute, protocol.LoadBalancerID, workerID,
			protocol.TaskExecute{Task: task}))
		lb.tracer.EndTask(span, string(types.TaskStatusAssigned), 0)
		lb.metrics.TaskDispatched()

		lb.logger.Info("Task dispatched",
			zap.String("task_id", task.TaskID),
			zap.String("worker_id", workerID),
			zap.Int("backlog", len(lb.backlog)))
	}

	if len(lb.backlog) == 0 || lb.eligibleLocked() != "" {
		return
	}
	if now.Sub(lb.lastDiscovery) < lb.config.DiscoveryMinGap {
		return
	}

	if len(lb.backlog) > lb.config.BacklogDiscoveryThreshold {
		lb.logger.Warn("Backlog building up with no idle worker",
			zap.Int("backlog", len(lb.backlog)),
			zap.Int("workers", len(lb.directory)))
		lb.bus.Publish(protocol.NewDirectMessage(protocol.TopicSystemCommand, protocol.LoadBalancerID,
			protocol.ClusterManagerID, protocol.Command{
				Kind:    protocol.CmdHoldScaleIn,
				HoldFor: lb.config.ScaleInHold,
				Reason:  "discovery outstanding",
			}))
		lb.metrics.CommandIssued(string(protocol.CmdHoldScaleIn))
	}
	lb.discoverLocked(now)
}

// discoverLocked broadcasts a discovery request and asks the cluster manager
// for its roster. Replies are merged as they arrive.
func (lb *Balancer) discoverLocked(now time.Time) {
	lb.lastDiscovery = now

	lb.bus.Publish(protocol.NewMessage(protocol.TopicDiscovery, protocol.LoadBalancerID,
		protocol.DiscoveryRequest{Requester: protocol.LoadBalancerID, At: now}))
	lb.bus.Publish(protocol.NewDirectMessage(protocol.TopicClusterQuery, protocol.LoadBalancerID,
		protocol.ClusterManagerID, protocol.ClusterQuery{Requester: protocol.LoadBalancerID}))
	lb.metrics.DiscoveryRound()

	lb.logger.Debug("Discovery round started")
}

// maintain evicts stale workers, refreshes discovery when due and publishes
// a status snapshot.
func (lb *Balancer) maintain(now time.Time) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	var requeued []types.TaskRecord
	for _, id := range append([]string(nil), lb.order...) {
		rec := lb.directory[id]
		if now.Sub(rec.LastSeen) <= lb.config.WorkerTimeout {
			continue
		}

		lb.removeLocked(id)
		lb.metrics.WorkerEvicted()

		assigned, inFlight := lb.assignments[id]
		task := assigned.task
		delete(lb.assignments, id)

		switch {
		case inFlight && lb.config.RequeueOnEviction:
			requeued = append(requeued, task)
			lb.logger.Warn("Evicted stale worker, task re-queued",
				zap.String("worker_id", id),
				zap.String("task_id", task.TaskID))
		case inFlight:
			lb.logger.Warn("Evicted stale worker, in-flight task not recovered",
				zap.String("worker_id", id),
				zap.String("task_id", task.TaskID))
			lb.publishLog("WARNING", fmt.Sprintf("worker %s evicted with task %s in flight", id, task.TaskID))
		default:
			lb.logger.Info("Evicted stale worker", zap.String("worker_id", id))
		}
	}

	if len(requeued) > 0 {
		lb.backlog = append(requeued, lb.backlog...)
	}

	if now.Sub(lb.lastDiscovery) >= lb.config.DiscoveryInterval {
		lb.discoverLocked(now)
	}

	counts := lb.statusCountsLocked()
	lb.metrics.SetWorkerCounts(counts)
	summary := fmt.Sprintf("workers=%d idle=%d busy=%d paused=%d backlog=%d",
		len(lb.directory), counts[string(types.WorkerStatusIdle)], counts[string(types.WorkerStatusBusy)],
		len(lb.paused), len(lb.backlog))
	lb.logger.Info("Load balancer status", zap.String("summary", summary))
	lb.publishLog("INFO", summary)

	lb.dispatchLocked(now)
}

func (lb *Balancer) statusCountsLocked() map[string]int {
	counts := make(map[string]int)
	for id, rec := range lb.directory {
		status := rec.Status
		if lb.paused[id] && status == types.WorkerStatusIdle {
			status = types.WorkerStatusPaused
		}
		counts[string(status)]++
	}
	return counts
}

// Snapshot returns a copy of the directory in insertion order.
func (lb *Balancer) Snapshot() Snapshot {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	snap := Snapshot{
		Workers:       make([]types.WorkerRecord, 0, len(lb.order)),
		Backlog:       len(lb.backlog),
		Assignments:   make(map[string]string, len(lb.assignments)),
		LastDiscovery: lb.lastDiscovery,
	}
	for _, id := range lb.order {
		snap.Workers = append(snap.Workers, *lb.directory[id])
	}
	for id := range lb.paused {
		snap.Paused = append(snap.Paused, id)
	}
	sort.Strings(snap.Paused)
	for id, assigned := range lb.assignments {
		snap.Assignments[id] = assigned.task.TaskID
	}
	return snap
}

func (lb *Balancer) publishLog(level, message string) {
	lb.bus.Publish(protocol.NewMessage(protocol.TopicSystemLog, protocol.LoadBalancerID, protocol.LogEntry{
		Source:  protocol.LoadBalancerID,
		Level:   level,
		Message: message,
		At:      lb.now(),
	}))
}
