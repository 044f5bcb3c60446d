// Package protocol defines the topics and typed payloads exchanged on the
// message bus. Every payload is a plain value so a message can be handed to
// many subscribers without copying.
package protocol

import (
	"time"

	"fleet-dispatcher/pkg/types"
)

// Topic identifies a class of event on the bus.
type Topic string

const (
	TopicTaskRequest    Topic = "task_request"
	TopicTaskExecute    Topic = "task_execute"
	TopicTaskCompleted  Topic = "task_completed"
	TopicTaskRejected   Topic = "task_rejected"
	TopicAgentRegister  Topic = "agent_register"
	TopicAgentHeartbeat Topic = "agent_heartbeat"
	TopicAgentStatus    Topic = "agent_status"
	TopicSystemLog      Topic = "system_log"
	TopicResourceUpdate Topic = "resource_update"
	TopicSystemCommand  Topic = "system_command"

	TopicDiscovery     Topic = "worker_discovery"
	TopicClusterQuery  Topic = "cluster_query"
	TopicClusterRoster Topic = "cluster_roster"
)

// Broadcast addresses every subscriber of a topic.
const Broadcast = "*"

// Well-known component identities.
const (
	SchedulerID       = "scheduler"
	LoadBalancerID    = "load_balancer"
	ResourceManagerID = "resource_manager"
	ClusterManagerID  = "cluster_manager"
	MonitorID         = "monitor"
	ObserverID        = "observer"
	ResultRecorderID  = "result_recorder"
)

// Message is the bus envelope. It is immutable once published.
type Message struct {
	Topic       Topic
	SenderID    string
	RecipientID string
	Payload     interface{}
	SentAt      time.Time
}

// NewMessage creates a broadcast message.
func NewMessage(topic Topic, sender string, payload interface{}) Message {
	return Message{
		Topic:    topic,
		SenderID: sender,
		Payload:  payload,
		SentAt:   time.Now(),
	}
}

// NewDirectMessage creates a message addressed to a single identity.
func NewDirectMessage(topic Topic, sender, recipient string, payload interface{}) Message {
	msg := NewMessage(topic, sender, payload)
	msg.RecipientID = recipient
	return msg
}

// IsBroadcast reports whether the message is addressed to all subscribers.
func (m Message) IsBroadcast() bool {
	return m.RecipientID == "" || m.RecipientID == Broadcast
}

// TaskRequest is published by the scheduler for every dequeued task.
type TaskRequest struct {
	Task types.TaskRecord
}

// TaskExecute is sent by the load balancer to the selected worker.
type TaskExecute struct {
	Task types.TaskRecord
}

// TaskCompleted reports a terminal task outcome.
type TaskCompleted struct {
	TaskID      string
	WorkerID    string
	NodeID      string
	Status      string
	Duration    time.Duration
	CompletedAt time.Time
}

// TaskRejected is sent back to the dispatcher by a worker that refused a
// task_execute. The task was never started. Status is what the worker reports
// at the time of refusal.
type TaskRejected struct {
	Task     types.TaskRecord
	WorkerID string
	Status   types.WorkerStatus
	Reason   string
}

// AgentRegister announces a worker joining the fleet.
type AgentRegister struct {
	AgentID string
	NodeID  string
	Status  types.WorkerStatus
}

// Heartbeat is the liveness beacon consumed by the monitor.
type Heartbeat struct {
	AgentID string
	At      time.Time
}

// StatusUpdate carries a worker's self-reported status. Discovery is set when
// the update answers a discovery request.
type StatusUpdate struct {
	AgentID        string
	NodeID         string
	Status         types.WorkerStatus
	CurrentTaskID  string
	TasksCompleted int
	CPU            float64
	Memory         float64
	Discovery      bool
	At             time.Time
}

// LogEntry mirrors a component log line onto the bus.
type LogEntry struct {
	Source  string    `json:"source"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ResourceUpdate is a telemetry sample for one worker.
type ResourceUpdate struct {
	AgentID string
	NodeID  string
	CPU     float64
	Memory  float64
	Status  types.WorkerStatus
	At      time.Time
}

// CommandKind enumerates the control commands carried on system_command.
type CommandKind string

const (
	CmdPauseWorker    CommandKind = "pause_worker"
	CmdResumeWorker   CommandKind = "resume_worker"
	CmdScaleOut       CommandKind = "scale_out"
	CmdScaleIn        CommandKind = "scale_in"
	CmdShutdownWorker CommandKind = "shutdown_worker"
	CmdHoldScaleIn    CommandKind = "hold_scale_in"
)

// Command is a control request. Target names the worker the command is about
// when that differs from the message recipient.
type Command struct {
	Kind    CommandKind
	Target  string
	HoldFor time.Duration
	Reason  string
}

// DiscoveryRequest asks every worker to report its status.
type DiscoveryRequest struct {
	Requester string
	At        time.Time
}

// ClusterQuery asks the cluster manager for its roster.
type ClusterQuery struct {
	Requester string
}

// ClusterRoster is the cluster manager's answer to a ClusterQuery.
type ClusterRoster struct {
	Workers []types.WorkerSnapshot
}
