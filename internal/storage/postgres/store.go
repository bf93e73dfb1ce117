// Package postgres implements the storage interfaces backed by PostgreSQL,
// grounded on the teacher's internal/app/storage/postgres store shape
// (single Store type, one file per concern, ExecContext/QueryRowContext with
// positional placeholders).
package postgres

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/spine-run/spine/internal/storage"
)

// Store implements the storage package's interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.ExecutionStore = (*Store)(nil)
var _ storage.WorkflowStore = (*Store)(nil)
var _ storage.ScheduleStore = (*Store)(nil)
var _ storage.BookkeepingStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
