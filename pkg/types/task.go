package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a task.
// It is set at creation and not authoritatively transitioned downstream.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal statuses carried by task_completed events.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
	ResultAborted   = "aborted"
)

const (
	DefaultPriority = 5
	DefaultLocation = "unspecified"
)

// Task represents a unit of work waiting in the task queue.
// Lower Priority values are more urgent.
type Task struct {
	ID        string                 `json:"task_id"`
	Data      map[string]interface{} `json:"data"`
	Priority  int                    `json:"priority"`
	Location  string                 `json:"location"`
	Status    TaskStatus             `json:"status"`
	CreatedAt time.Time              `json:"creation_time"`
}

// TaskRecord is the wire shape of a task: what task sources produce and what
// travels on task_request and task_execute. Optional fields are pointers so
// that a missing field can be told apart from a zero value.
type TaskRecord struct {
	TaskID   string                 `json:"task_id,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Priority *int                   `json:"priority,omitempty"`
	Location *string                `json:"location,omitempty"`
}

// NewTaskID returns a short unique task identifier.
func NewTaskID() string {
	return "task_" + ShortID()
}

// ShortID returns the first eight hex characters of a random UUID.
func ShortID() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:4])
}

// NewTask builds a pending task from a record, filling in defaults for any
// missing field.
func NewTask(rec TaskRecord) *Task {
	task := &Task{
		ID:        rec.TaskID,
		Data:      rec.Data,
		Priority:  DefaultPriority,
		Location:  DefaultLocation,
		Status:    TaskStatusPending,
		CreatedAt: time.Now(),
	}
	if task.ID == "" {
		task.ID = NewTaskID()
	}
	if task.Data == nil {
		task.Data = map[string]interface{}{}
	}
	if rec.Priority != nil {
		task.Priority = *rec.Priority
	}
	if rec.Location != nil && *rec.Location != "" {
		task.Location = *rec.Location
	}
	return task
}

// Record converts the task back to its wire shape.
func (t *Task) Record() TaskRecord {
	priority := t.Priority
	location := t.Location
	return TaskRecord{
		TaskID:   t.ID,
		Data:     t.Data,
		Priority: &priority,
		Location: &location,
	}
}

// Validate reports the first required field missing from the record.
func (r TaskRecord) Validate() error {
	switch {
	case r.TaskID == "":
		return fmt.Errorf("task missing task_id")
	case r.Data == nil:
		return fmt.Errorf("task %s missing data", r.TaskID)
	case r.Priority == nil:
		return fmt.Errorf("task %s missing priority", r.TaskID)
	case r.Location == nil:
		return fmt.Errorf("task %s missing location", r.TaskID)
	}
	return nil
}

// IntPtr and StringPtr are helpers for building records.
func IntPtr(v int) *int { return &v }

func StringPtr(v string) *string { return &v }

// TaskSubmission represents a request to create a new task over the API.
type TaskSubmission struct {
	TaskID   string                 `json:"task_id,omitempty"`
	Data     map[string]interface{} `json:"data" binding:"required"`
	Priority *int                   `json:"priority,omitempty"`
	Location string                 `json:"location,omitempty"`
}

// TaskResult is what the result store keeps for a finished task.
type TaskResult struct {
	TaskID      string    `json:"task_id"`
	WorkerID    string    `json:"worker_id"`
	NodeID      string    `json:"node_id"`
	Status      string    `json:"status"`
	CompletedAt time.Time `json:"completion_time"`
}
