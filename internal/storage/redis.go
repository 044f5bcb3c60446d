package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fleet-dispatcher/internal/config"
	"fleet-dispatcher/pkg/types"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const resultKeyPrefix = "fleet:result:"

// RedisStore keeps results as JSON strings that expire after ttl.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisClient builds a client from cfg without contacting the server.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

func NewRedisStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "redis_store")),
	}
}

func resultKey(taskID string) string {
	return resultKeyPrefix + taskID
}

func (s *RedisStore) Save(ctx context.Context, result types.TaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.Set(ctx, resultKey(result.TaskID), data, s.ttl).Err(); err != nil {
		s.logger.Error("Failed to save result",
			zap.Error(err),
			zap.String("task_id", result.TaskID))
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, taskID string) (types.TaskResult, error) {
	data, err := s.client.Get(ctx, resultKey(taskID)).Bytes()
	if err == redis.Nil {
		return types.TaskResult{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return types.TaskResult{}, fmt.Errorf("failed to get result: %w", err)
	}

	var result types.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return types.TaskResult{}, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return result, nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if _, err := s.client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
