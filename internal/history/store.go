package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// RunRecord is the persisted summary of one finished backup run.
type RunRecord struct {
	ID            int64     `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	Origin        string    `json:"origin"`
	DevicePath    string    `json:"device_path,omitempty"`
	SourcePath    string    `json:"source_path"`
	TargetPath    string    `json:"target_path,omitempty"`
	State         string    `json:"state"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Store persists run records in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record inserts one finished run.
func (s *Store) Record(ctx context.Context, record RunRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO runs (
            correlation_id, origin, device_path, source_path, target_path,
            state, error, started_at, finished_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.CorrelationID,
		record.Origin,
		nullableString(record.DevicePath),
		record.SourcePath,
		nullableString(record.TargetPath),
		record.State,
		nullableString(record.Error),
		record.StartedAt.UTC().Format(time.RFC3339Nano),
		record.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// List returns the most recent runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, correlation_id, origin, device_path, source_path,
            target_path, state, error, started_at, finished_at
        FROM runs ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var (
			record               RunRecord
			device, target, eMsg sql.NullString
			started, finished    string
		)
		if err := rows.Scan(
			&record.ID,
			&record.CorrelationID,
			&record.Origin,
			&device,
			&record.SourcePath,
			&target,
			&record.State,
			&eMsg,
			&started,
			&finished,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		record.DevicePath = device.String
		record.TargetPath = target.String
		record.Error = eMsg.String
		if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
			record.StartedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339Nano, finished); err == nil {
			record.FinishedAt = ts
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return records, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
