package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"fleet-dispatcher/pkg/types"
)

var (
	// ErrShutdown is returned by Dequeue once the queue has been shut down.
	ErrShutdown = errors.New("task queue shut down")
	// ErrTimeout is returned by Dequeue when no task arrived in time.
	ErrTimeout = errors.New("task queue dequeue timed out")
)

// ShutdownPolicy decides how the shutdown signal relates to pending tasks.
type ShutdownPolicy int

const (
	// ShutdownImmediate makes the shutdown signal win over any pending task.
	ShutdownImmediate ShutdownPolicy = iota
	// ShutdownDrain keeps handing out pending tasks and reports ErrShutdown
	// once the queue is empty.
	ShutdownDrain
)

func (p ShutdownPolicy) String() string {
	if p == ShutdownDrain {
		return "drain"
	}
	return "immediate"
}

// ParseShutdownPolicy maps a config value to a policy.
func ParseShutdownPolicy(s string) ShutdownPolicy {
	if s == "drain" {
		return ShutdownDrain
	}
	return ShutdownImmediate
}

type item struct {
	task *types.Task
	seq  uint64
}

type taskHeap []item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i].task, h[j].task
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(item))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = item{}
	*h = old[:n-1]
	return it
}

// Option configures a TaskQueue.
type Option func(*TaskQueue)

// WithShutdownPolicy sets how Dequeue behaves after Shutdown.
func WithShutdownPolicy(p ShutdownPolicy) Option {
	return func(q *TaskQueue) { q.policy = p }
}

// TaskQueue is a thread-safe min-priority queue ordered by priority, then
// creation time.
type TaskQueue struct {
	mu       sync.Mutex
	heap     taskHeap
	seq      uint64
	policy   ShutdownPolicy
	notify   chan struct{}
	shutdown chan struct{}
	once     sync.Once
}

// NewTaskQueue creates an empty queue.
func NewTaskQueue(opts ...Option) *TaskQueue {
	q := &TaskQueue{
		notify:   make(chan struct{}, 1),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	heap.Init(&q.heap)
	return q
}

// Push adds a task.
func (q *TaskQueue) Push(task *types.Task) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.heap, item{task: task, seq: q.seq})
	q.mu.Unlock()
	q.signal()
}

// Len returns the number of pending tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Shutdown unblocks every consumer. It is safe to call more than once.
func (q *TaskQueue) Shutdown() {
	q.once.Do(func() { close(q.shutdown) })
}

// IsShutdown reports whether Shutdown has been called.
func (q *TaskQueue) IsShutdown() bool {
	select {
	case <-q.shutdown:
		return true
	default:
		return false
	}
}

// Dequeue blocks until a task is available, the queue is shut down, ctx is
// done, or timeout elapses. A timeout of zero waits indefinitely.
func (q *TaskQueue) Dequeue(ctx context.Context, timeout time.Duration) (*types.Task, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		if q.policy == ShutdownImmediate && q.IsShutdown() {
			return nil, ErrShutdown
		}
		if task := q.pop(); task != nil {
			return task, nil
		}
		if q.IsShutdown() {
			return nil, ErrShutdown
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.shutdown:
		case <-q.notify:
		case <-expired:
			return nil, ErrTimeout
		}
	}
}

func (q *TaskQueue) pop() *types.Task {
	q.mu.Lock()
	if q.heap.Len() == 0 {
		q.mu.Unlock()
		return nil
	}
	it := heap.Pop(&q.heap).(item)
	remaining := q.heap.Len()
	q.mu.Unlock()

	// Wake another waiting consumer if notifications were coalesced.
	if remaining > 0 {
		q.signal()
	}
	return it.task
}

func (q *TaskQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
