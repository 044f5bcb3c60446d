package types

import "time"

// WorkerStatus represents the current state of a worker
type WorkerStatus string

const (
	WorkerStatusIdle         WorkerStatus = "IDLE"
	WorkerStatusBusy         WorkerStatus = "BUSY"
	WorkerStatusPaused       WorkerStatus = "PAUSED"
	WorkerStatusFailed       WorkerStatus = "FAILED"
	WorkerStatusShuttingDown WorkerStatus = "SHUTTING_DOWN"
)

// WorkerRecord is the last-known view of a worker held by the load balancer
// and the observer. It is a cache of what the worker reported, never the
// worker's own state.
type WorkerRecord struct {
	AgentID        string       `json:"agent_id"`
	Status         WorkerStatus `json:"status"`
	NodeID         string       `json:"node_id"`
	LastSeen       time.Time    `json:"last_seen"`
	CPU            float64      `json:"cpu_usage"`
	Memory         float64      `json:"memory_usage"`
	CurrentTaskID  string       `json:"current_task_id,omitempty"`
	TasksCompleted int          `json:"tasks_completed"`
}

// WorkerSnapshot is a worker's self-reported state.
type WorkerSnapshot struct {
	AgentID        string       `json:"agent_id"`
	NodeID         string       `json:"node_id"`
	Status         WorkerStatus `json:"status"`
	CurrentTaskID  string       `json:"current_task_id,omitempty"`
	TasksCompleted int          `json:"tasks_completed"`
	LastHeartbeat  time.Time    `json:"last_heartbeat"`
}
