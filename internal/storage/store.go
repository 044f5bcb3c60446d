// Package storage keeps the terminal outcome of every task so it can be
// looked up after the fact.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"fleet-dispatcher/internal/config"
	"fleet-dispatcher/pkg/types"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("result not found")

type ResultStore interface {
	Save(ctx context.Context, result types.TaskResult) error
	Get(ctx context.Context, taskID string) (types.TaskResult, error)
}

// MemoryStore is a ResultStore held in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]types.TaskResult
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]types.TaskResult)}
}

func (s *MemoryStore) Save(_ context.Context, result types.TaskResult) error {
	s.mu.Lock()
	s.results[result.TaskID] = result
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, taskID string) (types.TaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[taskID]
	if !ok {
		return types.TaskResult{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return result, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// New builds the store selected by cfg.Backend. client may be nil for the
// memory backend.
func New(cfg config.StorageConfig, client *redis.Client, logger *zap.Logger) (ResultStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis storage backend requires a redis client")
		}
		return NewRedisStore(client, cfg.ResultTTL, logger), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
