package database

import (
	"database/sql"
	"strings"
	"testing"

	"fleet-dispatcher/internal/config"
)

func TestDSN(t *testing.T) {
	got := DSN(config.Default().Database)
	want := "host=localhost port=5432 user=fleet password=password dbname=fleet sslmode=disable"
	if got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}

func TestListQueryQuotesTable(t *testing.T) {
	q := listQuery(`tasks"; DROP TABLE x; --`)
	if !strings.Contains(q, `FROM "tasks""; DROP TABLE x; --"`) {
		t.Errorf("listQuery() did not quote the table name: %s", q)
	}
}

func TestRecordFromRow(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		priority sql.NullInt64
		location sql.NullString
		wantErr  bool
		check    func(t *testing.T, priority *int, location *string)
	}{
		{
			name:     "all columns",
			data:     `{"payload":"x"}`,
			priority: sql.NullInt64{Int64: 1, Valid: true},
			location: sql.NullString{String: "node-a", Valid: true},
			check: func(t *testing.T, priority *int, location *string) {
				if priority == nil || *priority != 1 || location == nil || *location != "node-a" {
					t.Errorf("priority/location = %v/%v", priority, location)
				}
			},
		},
		{
			name: "null optional columns",
			data: `{"payload":"x"}`,
			check: func(t *testing.T, priority *int, location *string) {
				if priority != nil || location != nil {
					t.Errorf("NULL columns produced values")
				}
			},
		},
		{name: "missing data", data: "", wantErr: true},
		{name: "json null data", data: "null", wantErr: true},
		{name: "invalid json", data: "{", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := recordFromRow("t1", []byte(tt.data), tt.priority, tt.location)
			if (err != nil) != tt.wantErr {
				t.Fatalf("recordFromRow() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, rec.Priority, rec.Location)
			}
		})
	}
}
