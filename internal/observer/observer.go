// Package observer keeps a read-only view of the fleet built from bus
// traffic and feeds it into Prometheus.
package observer

import (
	"fmt"
	"sync"
	"time"

	"fleet-dispatcher/internal/bus"
	"fleet-dispatcher/internal/monitoring"
	"fleet-dispatcher/internal/protocol"
	"fleet-dispatcher/pkg/types"
	"go.uber.org/zap"
)

// DefaultLogLimit is the number of system_log entries kept when New is given
// a non-positive limit.
const DefaultLogLimit = 100

// View is a point-in-time copy of what the observer has seen.
type View struct {
	Workers   []types.WorkerRecord `json:"workers"`
	Completed int                  `json:"completed"`
	Failed    int                  `json:"failed"`
	Aborted   int                  `json:"aborted"`
	Logs      []protocol.LogEntry  `json:"logs"`
	UpdatedAt time.Time            `json:"updated_at"`
}

type Observer struct {
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	logLimit int

	mu        sync.RWMutex
	workers   map[string]*types.WorkerRecord
	order     []string
	results   map[string]int
	logs      []protocol.LogEntry
	updatedAt time.Time
}

func New(logLimit int, metrics *monitoring.Metrics, logger *zap.Logger) *Observer {
	if logLimit <= 0 {
		logLimit = DefaultLogLimit
	}
	return &Observer{
		metrics:  metrics,
		logger:   logger.With(zap.String("component", protocol.ObserverID)),
		logLimit: logLimit,
		workers:  make(map[string]*types.WorkerRecord),
		results:  make(map[string]int),
	}
}

func (o *Observer) Subscribe(b *bus.Bus) {
	b.Subscribe(protocol.TopicAgentRegister, protocol.ObserverID, o.handleRegister)
	b.Subscribe(protocol.TopicAgentHeartbeat, protocol.ObserverID, o.handleHeartbeat)
	b.Subscribe(protocol.TopicAgentStatus, protocol.ObserverID, o.handleStatus)
	b.Subscribe(protocol.TopicResourceUpdate, protocol.ObserverID, o.handleResources)
	b.Subscribe(protocol.TopicTaskCompleted, protocol.ObserverID, o.handleCompleted)
	b.Subscribe(protocol.TopicSystemLog, protocol.ObserverID, o.handleLog)
}

// recordLocked returns the record for id, creating it on first sight.
func (o *Observer) recordLocked(id string) *types.WorkerRecord {
	rec, ok := o.workers[id]
	if !ok {
		rec = &types.WorkerRecord{AgentID: id}
		o.workers[id] = rec
		o.order = append(o.order, id)
	}
	return rec
}

func (o *Observer) handleRegister(msg protocol.Message) error {
	reg, ok := msg.Payload.(protocol.AgentRegister)
	if !ok {
		return fmt.Errorf("unexpected agent_register payload %T", msg.Payload)
	}
	o.metrics.MessageObserved(string(msg.Topic))

	o.mu.Lock()
	rec := o.recordLocked(reg.AgentID)
	rec.NodeID = reg.NodeID
	rec.Status = reg.Status
	rec.LastSeen = msg.SentAt
	o.updatedAt = msg.SentAt
	o.mu.Unlock()

	o.logger.Info("Worker joined", zap.String("worker_id", reg.AgentID), zap.String("node_id", reg.NodeID))
	return nil
}

func (o *Observer) handleHeartbeat(msg protocol.Message) error {
	hb, ok := msg.Payload.(protocol.Heartbeat)
	if !ok {
		return fmt.Errorf("unexpected agent_heartbeat payload %T", msg.Payload)
	}
	o.metrics.MessageObserved(string(msg.Topic))

	o.mu.Lock()
	defer o.mu.Unlock()
	o.recordLocked(hb.AgentID).LastSeen = hb.At
	o.updatedAt = hb.At
	return nil
}

func (o *Observer) handleStatus(msg protocol.Message) error {
	st, ok := msg.Payload.(protocol.StatusUpdate)
	if !ok {
		return fmt.Errorf("unexpected agent_status payload %T", msg.Payload)
	}
	o.metrics.MessageObserved(string(msg.Topic))

	o.mu.Lock()
	defer o.mu.Unlock()
	rec := o.recordLocked(st.AgentID)
	rec.NodeID = st.NodeID
	rec.Status = st.Status
	rec.CPU = st.CPU
	rec.Memory = st.Memory
	rec.CurrentTaskID = st.CurrentTaskID
	rec.TasksCompleted = st.TasksCompleted
	rec.LastSeen = st.At
	o.updatedAt = st.At
	return nil
}

func (o *Observer) handleResources(msg protocol.Message) error {
	ru, ok := msg.Payload.(protocol.ResourceUpdate)
	if !ok {
		return fmt.Errorf("unexpected resource_update payload %T", msg.Payload)
	}
	o.metrics.MessageObserved(string(msg.Topic))

	if ru.Status == types.WorkerStatusShuttingDown {
		o.metrics.ForgetWorker(ru.AgentID, ru.NodeID)
	} else {
		o.metrics.ObserveResources(ru.AgentID, ru.NodeID, ru.CPU, ru.Memory)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	rec := o.recordLocked(ru.AgentID)
	rec.NodeID = ru.NodeID
	rec.CPU = ru.CPU
	rec.Memory = ru.Memory
	rec.Status = ru.Status
	o.updatedAt = ru.At
	return nil
}

func (o *Observer) handleCompleted(msg protocol.Message) error {
	done, ok := msg.Payload.(protocol.TaskCompleted)
	if !ok {
		return fmt.Errorf("unexpected task_completed payload %T", msg.Payload)
	}
	o.metrics.MessageObserved(string(msg.Topic))
	o.metrics.TaskFinished(done.WorkerID, done.Status, done.Duration)

	o.mu.Lock()
	o.results[done.Status]++
	o.updatedAt = done.CompletedAt
	o.mu.Unlock()

	o.logger.Debug("Task finished",
		zap.String("task_id", done.TaskID),
		zap.String("worker_id", done.WorkerID),
		zap.String("status", done.Status),
		zap.Duration("duration", done.Duration))
	return nil
}

func (o *Observer) handleLog(msg protocol.Message) error {
	entry, ok := msg.Payload.(protocol.LogEntry)
	if !ok {
		return fmt.Errorf("unexpected system_log payload %T", msg.Payload)
	}
	o.metrics.MessageObserved(string(msg.Topic))

	o.mu.Lock()
	o.logs = append(o.logs, entry)
	if over := len(o.logs) - o.logLimit; over > 0 {
		o.logs = append(o.logs[:0:0], o.logs[over:]...)
	}
	o.mu.Unlock()
	return nil
}

// View returns a copy of the current fleet view. Workers are listed in the
// order they were first seen.
func (o *Observer) View() View {
	o.mu.RLock()
	defer o.mu.RUnlock()

	v := View{
		Workers:   make([]types.WorkerRecord, 0, len(o.order)),
		Completed: o.results[types.ResultCompleted],
		Failed:    o.results[types.ResultFailed],
		Aborted:   o.results[types.ResultAborted],
		Logs:      append([]protocol.LogEntry(nil), o.logs...),
		UpdatedAt: o.updatedAt,
	}
	for _, id := range o.order {
		v.Workers = append(v.Workers, *o.workers[id])
	}
	return v
}

// Worker returns the last-known record for id.
func (o *Observer) Worker(id string) (types.WorkerRecord, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.workers[id]
	if !ok {
		return types.WorkerRecord{}, false
	}
	return *rec, true
}
