package source

import (
	"context"
	"fmt"

	"fleet-dispatcher/internal/database"
	"fleet-dispatcher/pkg/types"
)

// PostgresSource loads the initial tasks from a database table.
type PostgresSource struct {
	repo database.TaskRepository
}

func NewPostgresSource(repo database.TaskRepository) *PostgresSource {
	return &PostgresSource{repo: repo}
}

func (s *PostgresSource) Load(ctx context.Context) ([]types.TaskRecord, error) {
	records, err := s.repo.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks from database: %w", err)
	}
	return records, nil
}
