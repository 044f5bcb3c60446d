package scheduler

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
	"fleet-dispatcher/internal/queue"
	"fleet-dispatcher/internal/tracing"
	"fleet-dispatcher/pkg/types"
	"go.uber.org/zap"
)

// ErrDuplicateTask is returned by Submit for a task id the scheduler has
// already accepted.
var ErrDuplicateTask = errors.New("duplicate task id")

// TaskSource produces the initial task set. It is consulted once at startup.
type TaskSource interface {
	Load(ctx context.Context) ([]types.TaskRecord, error)
}

// Scheduler drains the task queue onto the bus at a bounded rate.
type Scheduler struct {
	queue   *queue.TaskQueue
	bus     bus.Publisher
	source  TaskSource
	tracer  *tracing.TracingManager
	metrics *monitoring.Metrics
	logger  *zap.Logger
	config  config.SchedulerConfig

	mu    sync.Mutex
	known map[string]struct{}
}

// New creates a scheduler. source may be nil.
func New(
	cfg config.SchedulerConfig,
	q *queue.TaskQueue,
	b bus.Publisher,
	source TaskSource,
	tracer *tracing.TracingManager,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		queue:   q,
		bus:     b,
		source:  source,
		tracer:  tracer,
		metrics: metrics,
		logger:  logger.With(zap.String("component", protocol.SchedulerID)),
		config:  cfg,
		known:   make(map[string]struct{}),
	}
}

// Submit turns rec into a pending task and enqueues it. Task ids are unique
// for the scheduler's lifetime; a repeated id is rejected with
// ErrDuplicateTask.
func (s *Scheduler) Submit(ctx context.Context, rec types.TaskRecord) (*types.Task, error) {
	task := types.NewTask(rec)
	_, span := s.tracer.StartTaskSpan(ctx, tracing.SpanSchedule, task.ID, "")

	s.mu.Lock()
	if _, dup := s.known[task.ID]; dup {
		s.mu.Unlock()
		err := fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		s.tracer.RecordError(span, err)
		s.tracer.EndTask(span, "rejected", 0)
		return nil, err
	}
	s.known[task.ID] = struct{}{}
	s.mu.Unlock()

	s.queue.Push(task)
	s.metrics.TaskSubmitted()
	s.metrics.SetQueueDepth(s.queue.Len())
	s.tracer.EndTask(span, string(task.Status), 0)

	s.logger.Debug("Task enqueued",
		zap.String("task_id", task.ID),
		zap.Int("priority", task.Priority),
		zap.String("location", task.Location))
	return task, nil
}

// LoadInitial enqueues every record from the task source. A loader failure
// is logged and leaves the queue untouched.
func (s *Scheduler) LoadInitial(ctx context.Context) int {
	if s.source == nil {
		return 0
	}

	records, err := s.source.Load(ctx)
	if err != nil {
		s.logger.Error("Failed to load initial tasks", zap.Error(err))
		s.publishLog("ERROR", "failed to load initial tasks: "+err.Error())
		return 0
	}

	loaded := 0
	for _, rec := range records {
		if _, err := s.Submit(ctx, rec); err != nil {
			s.logger.Warn("Skipping initial task", zap.Error(err))
			continue
		}
		loaded++
	}

	s.logger.Info("Initial tasks loaded", zap.Int("count", loaded))
	return loaded
}

// Run performs the initial load and then publishes one task_request per
// dequeued task until the queue is shut down or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.LoadInitial(ctx)
	s.logger.Info("Scheduler started", zap.Duration("dispatch_pace", s.config.DispatchPace))

	for {
		task, err := s.queue.Dequeue(ctx, s.config.PollTimeout)
		switch {
		case errors.Is(err, queue.ErrTimeout):
			continue
		case errors.Is(err, queue.ErrShutdown):
			s.logger.Info("Scheduler stopping on queue shutdown")
			return
		case err != nil:
			s.logger.Info("Scheduler stopping", zap.Error(err))
			return
		}

		s.metrics.SetQueueDepth(s.queue.Len())
		s.bus.Publish(protocol.NewMessage(protocol.TopicTaskRequest, protocol.SchedulerID,
			protocol.TaskRequest{Task: task.Record()}))

		s.logger.Debug("Task request published",
			zap.String("task_id", task.ID),
			zap.Int("priority", task.Priority))

		if s.config.DispatchPace <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.config.DispatchPace):
		}
	}
}

func (s *Scheduler) publishLog(level, message string) {
	s.bus.Publish(protocol.NewMessage(protocol.TopicSystemLog, protocol.SchedulerID, protocol.LogEntry{
		Source:  protocol.SchedulerID,
		Level:   level,
		Message: message,
		At:      time.Now(),
	}))
}
