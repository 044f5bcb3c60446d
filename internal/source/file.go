// Package source produces task records: from a file or a database table at
// startup, and from a synthetic generator while the fleet runs.
package source

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"fleet-dispatcher/pkg/types"
	"go.uber.org/zap"
)

var ErrUnsupportedFormat = errors.New("unsupported file format")

// FileSource loads records from a .json array or a .csv file with the header
// task_id,data,priority,location. Rows without data are dropped.
type FileSource struct {
	path   string
	logger *zap.Logger
}

func NewFileSource(path string, logger *zap.Logger) *FileSource {
	return &FileSource{
		path:   path,
		logger: logger.With(zap.String("component", "file_source"), zap.String("path", path)),
	}
}

func (s *FileSource) Load(ctx context.Context) ([]types.TaskRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open task file: %w", err)
	}
	defer f.Close()

	var records []types.TaskRecord
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".json":
		records, err = s.decodeJSON(f)
	case ".csv":
		records, err = s.decodeCSV(f)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, s.path)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("Tasks loaded", zap.Int("count", len(records)))
	return records, nil
}

type fileRecord struct {
	TaskID   string          `json:"task_id"`
	Data     json.RawMessage `json:"data"`
	Priority *float64        `json:"priority"`
	Location *string         `json:"location"`
}

func (s *FileSource) decodeJSON(r io.Reader) ([]types.TaskRecord, error) {
	var rows []fileRecord
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode task file: %w", err)
	}

	records := make([]types.TaskRecord, 0, len(rows))
	for i, row := range rows {
		data, err := decodeData(row.Data)
		if err != nil {
			s.logger.Warn("Dropping task row", zap.Int("row", i), zap.String("task_id", row.TaskID), zap.Error(err))
			continue
		}
		rec := types.TaskRecord{TaskID: row.TaskID, Data: data, Location: row.Location}
		if row.Priority != nil {
			rec.Priority = types.IntPtr(int(*row.Priority))
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *FileSource) decodeCSV(r io.Reader) ([]types.TaskRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}
	if _, ok := columns["data"]; !ok {
		return nil, fmt.Errorf("csv header has no data column")
	}

	field := func(row []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var records []types.TaskRecord
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv line %d: %w", line, err)
		}

		raw := field(row, "data")
		if raw == "" {
			s.logger.Warn("Dropping task row", zap.Int("line", line), zap.String("reason", "missing data"))
			continue
		}
		data, err := decodeData(json.RawMessage(raw))
		if err != nil {
			data = map[string]interface{}{"payload": raw}
		}

		rec := types.TaskRecord{TaskID: field(row, "task_id"), Data: data}
		if p := field(row, "priority"); p != "" {
			v, err := strconv.ParseFloat(p, 64)
			if err != nil {
				s.logger.Warn("Dropping task row", zap.Int("line", line), zap.String("priority", p), zap.Error(err))
				continue
			}
			rec.Priority = types.IntPtr(int(v))
		}
		if loc := field(row, "location"); loc != "" {
			rec.Location = types.StringPtr(loc)
		}
		records = append(records, rec)
	}
	return records, nil
}

// decodeData turns a data value into a task payload. Objects are used as-is;
// any other JSON value is wrapped under "payload".
func decodeData(raw json.RawMessage) (map[string]interface{}, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("missing data")
	}

	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("invalid data: %w", err)
	}
	if obj, ok := value.(map[string]interface{}); ok {
		return obj, nil
	}
	if str, ok := value.(string); ok && str == "" {
		return nil, fmt.Errorf("missing data")
	}
	return map[string]interface{}{"payload": value}, nil
}
