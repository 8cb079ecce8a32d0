// Package index keeps a searchable SQLite copy of every processed record.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Record statuses stored in the index.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when a record was never indexed.
var ErrNotFound = errors.New("index: record not found")

// ProcessedRecord is one indexed processing outcome.
type ProcessedRecord struct {
	JobID            string          `json:"jobId"`
	RecordID         int             `json:"recordId"`
	Data             json.RawMessage `json:"data"`
	ProcessedAt      time.Time       `json:"processedAt"`
	ProcessingTimeMs int64           `json:"processingTime"`
	WorkerID         string          `json:"workerId"`
	Status           string          `json:"status"`
	Error            string          `json:"error,omitempty"`
}

// Store is the SQLite-backed index.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the index at path. ":memory:" keeps it in
// process memory on a single connection.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "pacer-index.db"
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	if strings.HasPrefix(path, ":memory:") {
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS processed_records (
		job_id TEXT NOT NULL,
		record_id INTEGER NOT NULL,
		data TEXT,
		processed_at DATETIME NOT NULL,
		processing_time_ms INTEGER NOT NULL,
		worker_id TEXT,
		status TEXT NOT NULL,
		error TEXT,
		PRIMARY KEY (job_id, record_id)
	);
	CREATE INDEX IF NOT EXISTS idx_processed_records_status ON processed_records(job_id, status);
	`)
	if err != nil {
		return fmt.Errorf("migrate index: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Index stores rec, replacing an earlier outcome for the same record.
func (s *Store) Index(ctx context.Context, rec *ProcessedRecord) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO processed_records(job_id, record_id, data, processed_at, processing_time_ms, worker_id, status, error)
	VALUES(?,?,?,?,?,?,?,?)
	ON CONFLICT(job_id, record_id) DO UPDATE SET
		data = excluded.data,
		processed_at = excluded.processed_at,
		processing_time_ms = excluded.processing_time_ms,
		worker_id = excluded.worker_id,
		status = excluded.status,
		error = excluded.error`,
		rec.JobID, rec.RecordID, string(rec.Data), rec.ProcessedAt.UTC(), rec.ProcessingTimeMs,
		rec.WorkerID, rec.Status, rec.Error)
	if err != nil {
		return fmt.Errorf("index record %s:%d: %w", rec.JobID, rec.RecordID, err)
	}
	return nil
}

// Get returns the indexed outcome of one record.
func (s *Store) Get(ctx context.Context, jobID string, recordID int) (*ProcessedRecord, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT job_id, record_id, data, processed_at, processing_time_ms, worker_id, status, error
	FROM processed_records WHERE job_id = ? AND record_id = ?`, jobID, recordID)

	rec := &ProcessedRecord{}
	var data, workerID, errText sql.NullString
	if err := row.Scan(&rec.JobID, &rec.RecordID, &data, &rec.ProcessedAt, &rec.ProcessingTimeMs, &workerID, &rec.Status, &errText); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.Data = json.RawMessage(data.String)
	rec.WorkerID = workerID.String
	rec.Error = errText.String
	return rec, nil
}

// CountByStatus returns how many records of a job are indexed per status.
func (s *Store) CountByStatus(ctx context.Context, jobID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM processed_records WHERE job_id = ? GROUP BY status`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
