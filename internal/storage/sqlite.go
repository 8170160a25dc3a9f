package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	_ "github.com/glebarez/go-sqlite"

	"github.com/vk/dagrun/internal/event"
	"github.com/vk/dagrun/internal/run"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	job_name TEXT NOT NULL,
	status TEXT NOT NULL,
	body TEXT NOT NULL,
	create_timestamp TIMESTAMP NOT NULL,
	update_timestamp TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS event_logs (
	storage_id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	asset_key TEXT,
	partition_key TEXT,
	body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_logs_run ON event_logs (run_id, storage_id);
CREATE INDEX IF NOT EXISTS idx_event_logs_asset ON event_logs (event_type, asset_key, storage_id);
`

// SQLiteStorage implements RunStore and EventLog on a single SQLite
// database. The connection is created lazily on first use, shared through
// one pooled handle, and disposed explicitly. "file::memory:" (plus cache
// sharing handled by the driver) gives an ephemeral database; a file path
// gives a durable one.
type SQLiteStorage struct {
	dsn   string
	clock clock.Clock

	mu       sync.Mutex
	db       *sql.DB
	disposed bool
}

// NewSQLiteStorage builds a storage over the given DSN. The database is
// not touched until the first operation.
func NewSQLiteStorage(dsn string, clk clock.Clock) *SQLiteStorage {
	if clk == nil {
		clk = clock.New()
	}
	return &SQLiteStorage{dsn: dsn, clock: clk}
}

// conn returns the shared handle, initializing it idempotently.
func (s *SQLiteStorage) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil, fmt.Errorf("sqlite storage already disposed")
	}
	if s.db != nil {
		return s.db, nil
	}
	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// One connection: serializes all access and keeps in-memory databases
	// from evaporating between uses.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}
	s.db = db
	return db, nil
}

// Dispose closes the connection. Safe to call more than once.
func (s *SQLiteStorage) Dispose(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("closing sqlite database: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) AddRun(ctx context.Context, r *run.Run) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	stored := *r
	now := s.clock.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	body, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encoding run %q: %w", r.ID, err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO runs (run_id, job_name, status, body, create_timestamp, update_timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.JobName, string(stored.Status), string(body), now, now)
	if err != nil {
		return fmt.Errorf("inserting run %q: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStorage) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var body string
	err = db.QueryRowContext(ctx, `SELECT body FROM runs WHERE run_id = ?`, runID).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %q not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying run %q: %w", runID, err)
	}
	return decodeRun(body)
}

func (s *SQLiteStorage) UpdateRunStatus(ctx context.Context, runID string, to run.Status) (*run.Run, error) {
	r, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	updated, err := r.WithStatus(to)
	if err != nil {
		return nil, err
	}
	updated.UpdatedAt = s.clock.Now().UTC()
	body, err := json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("encoding run %q: %w", runID, err)
	}
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	_, err = db.ExecContext(ctx,
		`UPDATE runs SET status = ?, body = ?, update_timestamp = ? WHERE run_id = ?`,
		string(updated.Status), string(body), updated.UpdatedAt, runID)
	if err != nil {
		return nil, fmt.Errorf("updating run %q: %w", runID, err)
	}
	return updated, nil
}

func (s *SQLiteStorage) Runs(ctx context.Context, filter RunFilter) ([]*run.Run, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT body FROM runs`
	var clauses []string
	var args []any
	if filter.JobName != "" {
		clauses = append(clauses, "job_name = ?")
		args = append(args, filter.JobName)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY create_timestamp DESC, run_id DESC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []*run.Run
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		r, err := decodeRun(body)
		if err != nil {
			return nil, err
		}
		// Tag filtering happens on the decoded record.
		if filter.matches(r) {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) Append(ctx context.Context, e event.Event) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("encoding event: %w", err)
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO event_logs (run_id, event_type, asset_key, partition_key, body)
		 VALUES (?, ?, ?, ?, ?)`,
		e.RunID, string(e.Type), string(e.AssetKey), e.Partition, string(body))
	if err != nil {
		return 0, fmt.Errorf("appending event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading event storage id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStorage) Events(ctx context.Context, runID string, afterCursor int64) ([]EventRecord, error) {
	return s.queryEvents(ctx,
		`SELECT storage_id, body FROM event_logs WHERE run_id = ? AND storage_id > ? ORDER BY storage_id`,
		runID, afterCursor)
}

func (s *SQLiteStorage) LatestStorageID(ctx context.Context, eventType event.Type) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	query := `SELECT COALESCE(MAX(storage_id), 0) FROM event_logs`
	var args []any
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	var latest int64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&latest); err != nil {
		return 0, fmt.Errorf("querying latest storage id: %w", err)
	}
	return latest, nil
}

func (s *SQLiteStorage) MaterializationsAfter(ctx context.Context, assetKey string, afterCursor int64) ([]EventRecord, error) {
	return s.queryEvents(ctx,
		`SELECT storage_id, body FROM event_logs
		 WHERE event_type = ? AND asset_key = ? AND storage_id > ? ORDER BY storage_id`,
		string(event.TypeAssetMaterialization), assetKey, afterCursor)
}

func (s *SQLiteStorage) RecordsOfTypeForRun(ctx context.Context, runID string, eventType event.Type) ([]EventRecord, error) {
	return s.queryEvents(ctx,
		`SELECT storage_id, body FROM event_logs WHERE run_id = ? AND event_type = ? ORDER BY storage_id`,
		runID, string(eventType))
}

func (s *SQLiteStorage) queryEvents(ctx context.Context, query string, args ...any) ([]EventRecord, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			storageID int64
			body      string
		)
		if err := rows.Scan(&storageID, &body); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		var e event.Event
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("decoding event %d: %w", storageID, err)
		}
		out = append(out, EventRecord{StorageID: storageID, Event: e})
	}
	return out, rows.Err()
}

func decodeRun(body string) (*run.Run, error) {
	var r run.Run
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("decoding run record: %w", err)
	}
	return &r, nil
}
