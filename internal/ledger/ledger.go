// Package ledger provides the embedded SQLite ledger for cloudmirror.
//
// The ledger is the durable record of sync activity: one Run row per rclone
// invocation, FileEvent rows for every per-file operation observed in the
// run's log, and a key/value config table holding runtime overrides for the
// sync source/destination and schedule.
//
// The database runs in embedded mode using the ncruces/go-sqlite3 driver
// with WAL enabled so readers (status queries, tree rebuilds) never block
// the single writer (the sync job).
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Run statuses. A run is created as StatusRunning and finalized exactly once.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
	StatusSkipped = "skipped"
	StatusStopped = "stopped"
)

// Run is one rclone invocation recorded in the ledger.
type Run struct {
	ID               int64
	StartedAt        time.Time
	FinishedAt       *time.Time
	Status           string
	NumAdded         int
	NumUpdated       int
	BytesTransferred int64
	Errors           int
	LogPath          string
}

// FileEvent is the persisted projection of one per-file sync event,
// foreign-keyed to its Run. Deleting the Run cascades to its events.
type FileEvent struct {
	ID        int64
	RunID     int64
	Timestamp time.Time
	Action    string
	FilePath  string
	FileSize  int64
	FileHash  string
	Message   string
}

// DB wraps the ledger database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a ledger connection at the specified path, creating the
// parent directory if needed. The caller must Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them;
	// foreign_keys in particular must hold on the connection that runs a
	// cascading delete.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ledger: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, path: path}, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close ledger: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the ledger schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the ledger schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		status TEXT NOT NULL,  -- running, success, partial, error, skipped, stopped
		num_added INTEGER NOT NULL DEFAULT 0,
		num_updated INTEGER NOT NULL DEFAULT 0,
		bytes_transferred INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		log_path TEXT
	);

	CREATE TABLE IF NOT EXISTS file_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		timestamp TEXT NOT NULL,
		action TEXT NOT NULL,  -- added, updated, skipped, error, conflict
		file_path TEXT NOT NULL,
		file_size INTEGER NOT NULL DEFAULT 0,
		file_hash TEXT,
		message TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_file_events_run_id ON file_events(run_id);
	CREATE INDEX IF NOT EXISTS idx_file_events_timestamp ON file_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_file_events_action ON file_events(action);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// CreateRun inserts a new run in the running state and returns it.
func (db *DB) CreateRun(logPath string) (*Run, error) {
	return db.CreateRunContext(context.Background(), logPath)
}

// CreateRunContext inserts a new run with context support.
func (db *DB) CreateRunContext(ctx context.Context, logPath string) (*Run, error) {
	started := time.Now().UTC()

	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO runs (started_at, status, log_path) VALUES (?, ?, ?)`,
		started.Format(time.RFC3339Nano), StatusRunning, logPath,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get run id: %w", err)
	}

	return &Run{
		ID:        id,
		StartedAt: started,
		Status:    StatusRunning,
		LogPath:   logPath,
	}, nil
}

// FinishRun records a run's terminal status and counters. The finished
// timestamp is set to now.
func (db *DB) FinishRun(run *Run) error {
	return db.FinishRunContext(context.Background(), run)
}

// FinishRunContext records a run's terminal state with context support.
func (db *DB) FinishRunContext(ctx context.Context, run *Run) error {
	finished := time.Now().UTC()

	_, err := db.conn.ExecContext(ctx, `
		UPDATE runs SET
			finished_at = ?,
			status = ?,
			num_added = ?,
			num_updated = ?,
			bytes_transferred = ?,
			errors = ?,
			log_path = ?
		WHERE id = ?`,
		finished.Format(time.RFC3339Nano),
		run.Status,
		run.NumAdded,
		run.NumUpdated,
		run.BytesTransferred,
		run.Errors,
		run.LogPath,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %d: %w", run.ID, err)
	}

	run.FinishedAt = &finished
	return nil
}

// GetRun retrieves a single run by id. Returns sql.ErrNoRows if absent.
func (db *DB) GetRun(id int64) (*Run, error) {
	return db.GetRunContext(context.Background(), id)
}

// GetRunContext retrieves a single run with context support.
func (db *DB) GetRunContext(ctx context.Context, id int64) (*Run, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, status, num_added, num_updated,
		       bytes_transferred, errors, log_path
		FROM runs WHERE id = ?`, id)

	return scanRun(row)
}

// ListRunsFilter configures the ListRuns query.
type ListRunsFilter struct {
	// Status filters by run status (empty = all statuses).
	Status string
	// Limit restricts the number of results (0 = no limit).
	Limit int
	// Offset skips the first N results.
	Offset int
}

// ListRuns retrieves runs ordered by start time, newest first.
func (db *DB) ListRuns(filter ListRunsFilter) ([]*Run, error) {
	return db.ListRunsContext(context.Background(), filter)
}

// ListRunsContext retrieves runs with context support.
func (db *DB) ListRunsContext(ctx context.Context, filter ListRunsFilter) ([]*Run, error) {
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}

	query := `
		SELECT id, started_at, finished_at, status, num_added, num_updated,
		       bytes_transferred, errors, log_path
		FROM runs
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// CountRuns returns the total number of runs in the ledger.
func (db *DB) CountRuns(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return count, nil
}

// InsertFileEvents persists a batch of file events in one transaction.
func (db *DB) InsertFileEvents(events []*FileEvent) error {
	return db.InsertFileEventsContext(context.Background(), events)
}

// InsertFileEventsContext persists file events with context support.
func (db *DB) InsertFileEventsContext(ctx context.Context, events []*FileEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO file_events (run_id, timestamp, action, file_path, file_size, file_hash, message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		_, err := stmt.ExecContext(ctx,
			ev.RunID,
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
			ev.Action,
			ev.FilePath,
			ev.FileSize,
			nullString(ev.FileHash),
			nullString(ev.Message),
		)
		if err != nil {
			return fmt.Errorf("failed to insert event for %s: %w", ev.FilePath, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}

	return nil
}

// ListFileEventsFilter configures the ListFileEvents query.
type ListFileEventsFilter struct {
	// RunID filters to a single run (0 = all runs).
	RunID int64
	// PathPrefix filters to events whose path starts with the prefix.
	PathPrefix string
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// ListFileEvents retrieves file events in insertion order.
func (db *DB) ListFileEvents(filter ListFileEventsFilter) ([]*FileEvent, error) {
	return db.ListFileEventsContext(context.Background(), filter)
}

// ListFileEventsContext retrieves file events with context support.
func (db *DB) ListFileEventsContext(ctx context.Context, filter ListFileEventsFilter) ([]*FileEvent, error) {
	var conditions []string
	var args []interface{}

	if filter.RunID > 0 {
		conditions = append(conditions, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.PathPrefix != "" {
		conditions = append(conditions, "file_path LIKE ? ESCAPE '\\'")
		args = append(args, escapeLike(filter.PathPrefix)+"%")
	}

	query := `
		SELECT id, run_id, timestamp, action, file_path, file_size, file_hash, message
		FROM file_events
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list file events: %w", err)
	}
	defer rows.Close()

	var events []*FileEvent
	for rows.Next() {
		var ev FileEvent
		var ts string
		var hash, message sql.NullString

		err := rows.Scan(&ev.ID, &ev.RunID, &ts, &ev.Action, &ev.FilePath, &ev.FileSize, &hash, &message)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file event: %w", err)
		}

		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.Timestamp = t
		}
		ev.FileHash = hash.String
		ev.Message = message.String

		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file events: %w", err)
	}

	return events, nil
}

// CleanupOldRuns deletes all but the keep most-recently-started runs and
// returns the number deleted. File events follow via cascade. No-ops when
// the ledger holds keep runs or fewer.
func (db *DB) CleanupOldRuns(keep int) (int64, error) {
	return db.CleanupOldRunsContext(context.Background(), keep)
}

// CleanupOldRunsContext deletes old runs with context support.
func (db *DB) CleanupOldRunsContext(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	res, err := db.conn.ExecContext(ctx, `
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up old runs: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted runs: %w", err)
	}

	return deleted, nil
}

// Reset deletes all runs and file events, returning the counts removed.
func (db *DB) Reset(ctx context.Context) (runsDeleted, eventsDeleted int64, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	evRes, err := tx.ExecContext(ctx, "DELETE FROM file_events")
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete file events: %w", err)
	}
	runRes, err := tx.ExecContext(ctx, "DELETE FROM runs")
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete runs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit reset: %w", err)
	}

	eventsDeleted, _ = evRes.RowsAffected()
	runsDeleted, _ = runRes.RowsAffected()
	return runsDeleted, eventsDeleted, nil
}

// SetConfigValue stores or replaces a config override.
func (db *DB) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to set config %q: %w", key, err)
	}
	return nil
}

// GetConfigValue retrieves a config override. The second return value
// reports whether the key exists.
func (db *DB) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get config %q: %w", key, err)
	}
	return value, true, nil
}

// AllConfigValues returns every config override as a map.
func (db *DB) AllConfigValues(ctx context.Context) (map[string]string, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT key, value FROM config")
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan config row: %w", err)
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating config: %w", err)
	}

	return values, nil
}

// scanner abstracts sql.Row and sql.Rows for scanRun.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var started string
	var finished, logPath sql.NullString

	err := s.Scan(
		&run.ID,
		&started,
		&finished,
		&run.Status,
		&run.NumAdded,
		&run.NumUpdated,
		&run.BytesTransferred,
		&run.Errors,
		&logPath,
	)
	if err != nil {
		return nil, err
	}

	if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
		run.StartedAt = t
	}
	if finished.Valid {
		if t, err := time.Parse(time.RFC3339Nano, finished.String); err == nil {
			run.FinishedAt = &t
		}
	}
	run.LogPath = logPath.String

	return &run, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// escapeLike escapes LIKE metacharacters so a path prefix matches literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
