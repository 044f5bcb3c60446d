package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"fleet-dispatcher/internal/config"
	"fleet-dispatcher/pkg/types"
)

// ErrSimulatedFailure is returned by SimulatedExecutor for tasks picked to fail.
var ErrSimulatedFailure = errors.New("simulated task failure")

// Executor runs a task body. Implementations must return ctx.Err() promptly
// once ctx is done.
type Executor interface {
	Execute(ctx context.Context, task types.TaskRecord) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task types.TaskRecord) error

func (f ExecutorFunc) Execute(ctx context.Context, task types.TaskRecord) error {
	return f(ctx, task)
}

// SimulatedExecutor models variable-cost work: the duration grows with the
// encoded payload size, plus bounded jitter.
type SimulatedExecutor struct {
	config config.ExecutionConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulatedExecutor(cfg config.ExecutionConfig, seed int64) *SimulatedExecutor {
	return &SimulatedExecutor{
		config: cfg,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Duration returns the simulated cost of task. The jitter draw makes
// consecutive calls differ.
func (e *SimulatedExecutor) Duration(task types.TaskRecord) time.Duration {
	size := 0
	if encoded, err := json.Marshal(task.Data); err == nil {
		size = len(encoded)
	}
	complexity := math.Min(float64(size)/100, e.config.MaxComplexity)

	e.mu.Lock()
	jitter := e.rng.Float64()
	e.mu.Unlock()

	d := float64(e.config.BaseDuration) +
		complexity*float64(e.config.ComplexityUnit) +
		jitter*float64(e.config.Jitter)

	scale := e.config.TimeScale
	if scale <= 0 {
		scale = 1
	}
	return time.Duration(d * scale)
}

func (e *SimulatedExecutor) Execute(ctx context.Context, task types.TaskRecord) error {
	remaining := e.Duration(task)

	poll := e.config.PollInterval
	if poll <= 0 || poll > time.Second {
		poll = time.Second
	}

	for remaining > 0 {
		step := poll
		if remaining < step {
			step = remaining
		}

		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		remaining -= step
	}

	if e.config.FailureRate > 0 {
		e.mu.Lock()
		fail := e.rng.Float64() < e.config.FailureRate
		e.mu.Unlock()
		if fail {
			return ErrSimulatedFailure
		}
	}
	return nil
}
