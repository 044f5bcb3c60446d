package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fleet-dispatcher/internal/bus"
	"fleet-dispatcher/internal/protocol"
	"fleet-dispatcher/pkg/types"
	"go.uber.org/zap"
)

const saveTimeout = 5 * time.Second

// Recorder persists every task_completed event. Saves run off the bus loop
// and failures are only logged.
type Recorder struct {
	store  ResultStore
	logger *zap.Logger
	wg     sync.WaitGroup
}

func NewRecorder(store ResultStore, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger.With(zap.String("component", protocol.ResultRecorderID)),
	}
}

func (r *Recorder) Subscribe(b *bus.Bus) {
	b.Subscribe(protocol.TopicTaskCompleted, protocol.ResultRecorderID, r.handleCompleted)
}

func (r *Recorder) handleCompleted(msg protocol.Message) error {
	done, ok := msg.Payload.(protocol.TaskCompleted)
	if !ok {
		return fmt.Errorf("unexpected task_completed payload %T", msg.Payload)
	}

	result := types.TaskResult{
		TaskID:      done.TaskID,
		WorkerID:    done.WorkerID,
		NodeID:      done.NodeID,
		Status:      done.Status,
		CompletedAt: done.CompletedAt,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := r.store.Save(ctx, result); err != nil {
			r.logger.Warn("Failed to record result", zap.String("task_id", result.TaskID), zap.Error(err))
		}
	}()
	return nil
}

// Flush waits for saves already started.
func (r *Recorder) Flush() {
	r.wg.Wait()
}
