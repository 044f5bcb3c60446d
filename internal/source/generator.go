package source

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"fleet-dispatcher/internal/config"
	"fleet-dispatcher/pkg/types"
	"go.uber.org/zap"
)

// Submitter accepts a record into the task queue.
type Submitter interface {
	Submit(ctx context.Context, rec types.TaskRecord) (*types.Task, error)
}

var generatorPriorities = []int{1, 5, 10}

// Generator submits one synthetic task every interval.
type Generator struct {
	submit    Submitter
	locations []string
	logger    *zap.Logger
	config    config.GeneratorConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator builds a generator whose locations are nodes plus
// "unspecified".
func NewGenerator(cfg config.GeneratorConfig, nodes []string, submit Submitter, seed int64, logger *zap.Logger) *Generator {
	locations := append(append([]string(nil), nodes...), types.DefaultLocation)
	return &Generator{
		submit:    submit,
		locations: locations,
		logger:    logger.With(zap.String("component", "generator")),
		config:    cfg,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Next returns a new synthetic record.
func (g *Generator) Next() types.TaskRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	return types.TaskRecord{
		TaskID:   types.NewTaskID(),
		Data:     map[string]interface{}{"payload": fmt.Sprintf("data_%d", 1000+g.rng.Intn(9000))},
		Priority: types.IntPtr(generatorPriorities[g.rng.Intn(len(generatorPriorities))]),
		Location: types.StringPtr(g.locations[g.rng.Intn(len(g.locations))]),
	}
}

// Run submits tasks until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) {
	ticker := time.NewTicker(g.config.Interval)
	defer ticker.Stop()

	g.logger.Info("Task generator started", zap.Duration("interval", g.config.Interval))
	for {
		select {
		case <-ctx.Done():
			g.logger.Info("Task generator stopped")
			return
		case <-ticker.C:
			task, err := g.submit.Submit(ctx, g.Next())
			if err != nil {
				g.logger.Warn("Generated task rejected", zap.Error(err))
				continue
			}
			g.logger.Info("Generated task",
				zap.String("task_id", task.ID),
				zap.Int("priority", task.Priority),
				zap.String("location", task.Location))
		}
	}
}
