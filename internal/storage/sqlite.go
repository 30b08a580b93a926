// Package storage persists runs, task states and attempt results in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/backtest-automator/internal/model"
)

// ResultStorage records what a run produced
type ResultStorage interface {
	// TaskFinished stores one attempt result
	TaskFinished(ctx context.Context, result model.TaskResult) error

	// RunUpdated stores the latest snapshot of a run
	RunUpdated(ctx context.Context, stats model.RunStats) error

	// GetRun returns the latest snapshot of a run, or nil when unknown
	GetRun(ctx context.Context, runID string) (*model.RunStats, error)

	// ListResults retrieves attempt results with pagination and filters
	ListResults(ctx context.Context, filters map[string]any, offset, limit int) ([]*model.TaskResult, error)

	// CountResults returns the number of results matching the filters
	CountResults(ctx context.Context, filters map[string]any) (int, error)

	// Best returns the successful result of a run that scores best
	Best(ctx context.Context, runID string, objective model.Objective) (*model.TaskResult, error)

	// FailureCounts returns failed attempts of a run per kind
	FailureCounts(ctx context.Context, runID string) (map[model.FailureKind]int, error)

	// DeleteBefore deletes results started before the given time
	DeleteBefore(ctx context.Context, before time.Time) error
}

// result columns accepted as filters
var resultFilters = map[string]bool{
	"run_id":       true,
	"task_id":      true,
	"worker_id":    true,
	"stage":        true,
	"attempt":      true,
	"success":      true,
	"final":        true,
	"status":       true,
	"failure_kind": true,
}

const resultColumns = `task_id, run_id, worker_id, stage, attempt, success, final, status,
	params, metrics, extras, error, failure_kind, artifacts, started_at, finished_at`

// SQLiteStore implements ResultStorage using SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens or creates the database at dbPath
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single writer avoids SQLITE_BUSY under concurrent sinks
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("storage"),
		db:     db,
	}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			total INTEGER NOT NULL,
			completed INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			pending INTEGER NOT NULL,
			running INTEGER NOT NULL,
			active_workers INTEGER NOT NULL,
			stage INTEGER NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			stage INTEGER NOT NULL,
			params TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			failure_kind TEXT,
			error TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			worker_id TEXT,
			stage INTEGER NOT NULL,
			attempt INTEGER NOT NULL,
			success BOOLEAN NOT NULL,
			final BOOLEAN NOT NULL,
			status TEXT,
			params TEXT NOT NULL,
			metrics TEXT,
			extras TEXT,
			error TEXT,
			failure_kind TEXT,
			artifacts TEXT,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			kind TEXT NOT NULL,
			error TEXT,
			artifacts TEXT,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_run_id ON tasks(run_id);
		CREATE INDEX IF NOT EXISTS idx_results_run_id ON results(run_id);
		CREATE INDEX IF NOT EXISTS idx_results_task_id ON results(task_id);
		CREATE INDEX IF NOT EXISTS idx_results_started_at ON results(started_at);
		CREATE INDEX IF NOT EXISTS idx_failures_run_id ON failures(run_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullJSON(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	s, err := encode(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

// TaskFinished stores the attempt, the task state it left behind and, for
// failed attempts, a failure record
func (s *SQLiteStore) TaskFinished(ctx context.Context, result model.TaskResult) error {
	params, err := encode(result.Params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	metrics, err := nullJSON(result.Metrics, len(result.Metrics) == 0)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	extras, err := nullJSON(result.Extras, len(result.Extras) == 0)
	if err != nil {
		return fmt.Errorf("failed to encode extras: %w", err)
	}
	artifacts, err := nullJSON(result.Artifacts, len(result.Artifacts) == 0)
	if err != nil {
		return fmt.Errorf("failed to encode artifacts: %w", err)
	}
	errorStr := sql.NullString{String: result.Error, Valid: result.Error != ""}
	kind := sql.NullString{String: string(result.FailureKind), Valid: result.FailureKind != ""}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO results (`+resultColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.TaskID,
		result.RunID,
		result.WorkerID,
		result.Stage,
		result.Attempt,
		result.Success,
		result.Final,
		string(result.Status),
		params,
		metrics,
		extras,
		errorStr,
		kind,
		artifacts,
		result.StartedAt,
		result.FinishedAt,
	); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, run_id, stage, params, status, attempts, failure_kind, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attempts = MAX(tasks.attempts, excluded.attempts),
			failure_kind = excluded.failure_kind,
			error = excluded.error,
			updated_at = CURRENT_TIMESTAMP`,
		result.TaskID,
		result.RunID,
		result.Stage,
		params,
		string(result.Status),
		result.Attempt,
		kind,
		errorStr,
	); err != nil {
		return fmt.Errorf("failed to store task: %w", err)
	}

	if !result.Success {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO failures (task_id, run_id, attempt, kind, error, artifacts, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			result.TaskID,
			result.RunID,
			result.Attempt,
			string(result.FailureKind),
			errorStr,
			artifacts,
			result.FinishedAt,
		); err != nil {
			return fmt.Errorf("failed to store failure: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit result: %w", err)
	}
	return nil
}

// RunUpdated stores the latest run snapshot
func (s *SQLiteStore) RunUpdated(ctx context.Context, stats model.RunStats) error {
	var finished sql.NullTime
	if stats.FinishedAt != nil {
		finished = sql.NullTime{Time: *stats.FinishedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, status, total, completed, failed, pending, running, active_workers, stage, started_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total = excluded.total,
			completed = excluded.completed,
			failed = excluded.failed,
			pending = excluded.pending,
			running = excluded.running,
			active_workers = excluded.active_workers,
			stage = excluded.stage,
			finished_at = excluded.finished_at,
			updated_at = CURRENT_TIMESTAMP`,
		stats.RunID,
		string(stats.Status),
		stats.Total,
		stats.Completed,
		stats.Failed,
		stats.Pending,
		stats.Running,
		stats.ActiveWorkers,
		stats.Stage,
		stats.StartedAt,
		finished,
	)
	if err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	return nil
}

// GetRun returns the latest snapshot of a run, or nil when unknown
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.RunStats, error) {
	var stats model.RunStats
	var status string
	var finished sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, total, completed, failed, pending, running, active_workers, stage, started_at, finished_at
		FROM runs
		WHERE id = ?`, runID).Scan(
		&stats.RunID,
		&status,
		&stats.Total,
		&stats.Completed,
		&stats.Failed,
		&stats.Pending,
		&stats.Running,
		&stats.ActiveWorkers,
		&stats.Stage,
		&stats.StartedAt,
		&finished,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	stats.Status = model.RunStatus(status)
	if finished.Valid {
		stats.FinishedAt = &finished.Time
	}
	return &stats, nil
}

func where(filters map[string]any) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	keys := make([]string, 0, len(filters))
	for key := range filters {
		if !resultFilters[key] {
			return "", nil, fmt.Errorf("%w: %s", ErrUnknownFilter, key)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	clauses := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, key := range keys {
		clauses[i] = key + " = ?"
		args[i] = filters[key]
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// ListResults retrieves results in execution order
func (s *SQLiteStore) ListResults(ctx context.Context, filters map[string]any, offset, limit int) ([]*model.TaskResult, error) {
	clause, args, err := where(filters)
	if err != nil {
		return nil, err
	}
	query := "SELECT " + resultColumns + " FROM results" + clause + " ORDER BY id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var results []*model.TaskResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return results, nil
}

func scanResult(rows *sql.Rows) (*model.TaskResult, error) {
	r := &model.TaskResult{}
	var status, params string
	var workerID, metrics, extras, errorStr, kind, artifacts sql.NullString

	err := rows.Scan(
		&r.TaskID,
		&r.RunID,
		&workerID,
		&r.Stage,
		&r.Attempt,
		&r.Success,
		&r.Final,
		&status,
		&params,
		&metrics,
		&extras,
		&errorStr,
		&kind,
		&artifacts,
		&r.StartedAt,
		&r.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan result: %w", err)
	}

	r.WorkerID = workerID.String
	r.Status = model.TaskStatus(status)
	r.Error = errorStr.String
	r.FailureKind = model.FailureKind(kind.String)
	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return nil, fmt.Errorf("failed to decode params: %w", err)
	}
	for _, field := range []struct {
		raw  sql.NullString
		dest any
	}{
		{metrics, &r.Metrics},
		{extras, &r.Extras},
		{artifacts, &r.Artifacts},
	} {
		if !field.raw.Valid || field.raw.String == "" {
			continue
		}
		if err := json.Unmarshal([]byte(field.raw.String), field.dest); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return r, nil
}

// CountResults returns the number of results matching the filters
func (s *SQLiteStore) CountResults(ctx context.Context, filters map[string]any) (int, error) {
	clause, args, err := where(filters)
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM results"+clause, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count results: %w", err)
	}
	return count, nil
}

// Best returns the successful result of a run that scores best under
// objective, or nil when no result carries the metric
func (s *SQLiteStore) Best(ctx context.Context, runID string, objective model.Objective) (*model.TaskResult, error) {
	results, err := s.ListResults(ctx, map[string]any{"run_id": runID, "success": true}, 0, -1)
	if err != nil {
		return nil, err
	}

	var best *model.TaskResult
	var score float64
	for _, r := range results {
		v, ok := r.Metric(objective.Metric)
		if !ok {
			continue
		}
		if best == nil || objective.Better(v, score) {
			best, score = r, v
		}
	}
	return best, nil
}

// FailureCounts returns failed attempts of a run per kind
func (s *SQLiteStore) FailureCounts(ctx context.Context, runID string) (map[model.FailureKind]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM failures WHERE run_id = ? GROUP BY kind`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to count failures: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.FailureKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan failure count: %w", err)
		}
		counts[model.FailureKind(kind)] = n
	}
	return counts, rows.Err()
}

// TaskStatuses returns the latest recorded status of every task of a run
func (s *SQLiteStore) TaskStatuses(ctx context.Context, runID string) (map[string]model.TaskStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, status FROM tasks WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.TaskStatus)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out[id] = model.TaskStatus(status)
	}
	return out, rows.Err()
}

// DeleteBefore deletes results and failures older than before
func (s *SQLiteStore) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM results WHERE started_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete results: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM failures WHERE created_at < ?", before); err != nil {
		return fmt.Errorf("failed to delete failures: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old results",
		zap.Time("before", before),
		zap.Int64("deleted", affected))
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
