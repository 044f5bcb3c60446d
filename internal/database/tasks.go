package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"fleet-dispatcher/pkg/types"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

type TaskRepository interface {
	ListTasks(ctx context.Context) ([]types.TaskRecord, error)
	HealthCheck(ctx context.Context) error
}

type taskRepository struct {
	db     *DB
	table  string
	logger *zap.Logger
}

// NewTaskRepository reads task records from table, which must have the
// columns task_id, data, priority and location.
func NewTaskRepository(db *DB, table string, logger *zap.Logger) TaskRepository {
	return &taskRepository{db: db, table: table, logger: logger}
}

func listQuery(table string) string {
	return fmt.Sprintf(`
		SELECT task_id, data, priority, location
		FROM %s ORDER BY task_id`, pq.QuoteIdentifier(table))
}

func (r *taskRepository) ListTasks(ctx context.Context) ([]types.TaskRecord, error) {
	rows, err := r.db.QueryContext(ctx, listQuery(r.table))
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var records []types.TaskRecord
	for rows.Next() {
		var (
			id       string
			data     []byte
			priority sql.NullInt64
			location sql.NullString
		)
		if err := rows.Scan(&id, &data, &priority, &location); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		rec, err := recordFromRow(id, data, priority, location)
		if err != nil {
			r.logger.Warn("Skipping task row", zap.String("task_id", id), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}

	r.logger.Info("Tasks loaded from database", zap.String("table", r.table), zap.Int("count", len(records)))
	return records, nil
}

// recordFromRow builds a record, leaving NULL columns unset so defaults
// apply downstream. Rows without data are rejected.
func recordFromRow(id string, data []byte, priority sql.NullInt64, location sql.NullString) (types.TaskRecord, error) {
	if len(data) == 0 {
		return types.TaskRecord{}, fmt.Errorf("task %s has no data", id)
	}

	rec := types.TaskRecord{TaskID: id}
	if err := json.Unmarshal(data, &rec.Data); err != nil {
		return types.TaskRecord{}, fmt.Errorf("failed to decode data: %w", err)
	}
	if rec.Data == nil {
		return types.TaskRecord{}, fmt.Errorf("task %s has no data", id)
	}
	if priority.Valid {
		rec.Priority = types.IntPtr(int(priority.Int64))
	}
	if location.Valid {
		rec.Location = types.StringPtr(location.String)
	}
	return rec, nil
}

func (r *taskRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}
