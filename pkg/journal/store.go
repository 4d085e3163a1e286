// Package journal keeps a durable history of upgrade runs in SQLite: one
// record per run, one per phase execution, and an append-only event stream.
// The journal is advisory; callers treat write failures as warnings so a
// broken database never blocks or aborts an upgrade.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("journal: record not found")

// Store is the SQLite-backed journal.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the journal database at path, enables
// WAL mode, and applies pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// A single-process CLI needs no pool to speak of.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// CreateRun records the start of an upgrade run.
func (s *Store) CreateRun(ctx context.Context, run *RunRecord) error {
	query := `
		INSERT INTO runs (id, source_release, target_release, tool_version, dry_run, status, exit_code, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.SourceRelease,
		run.TargetRelease,
		run.ToolVersion,
		run.DryRun,
		run.Status,
		run.ExitCode,
		run.Error,
		run.StartedAt,
		run.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun records the final status and exit code of a run.
func (s *Store) FinishRun(ctx context.Context, id string, status RunStatus, exitCode int, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, exit_code = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	now := time.Now()
	result, err := s.db.ExecContext(ctx, query, status, exitCode, errMsg, &now, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `
		SELECT id, source_release, target_release, tool_version, dry_run, status, exit_code, error, started_at, completed_at
		FROM runs
		WHERE id = ?
	`
	return s.scanRun(s.db.QueryRowContext(ctx, query, id))
}

// LatestRun retrieves the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (*RunRecord, error) {
	query := `
		SELECT id, source_release, target_release, tool_version, dry_run, status, exit_code, error, started_at, completed_at
		FROM runs
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`
	return s.scanRun(s.db.QueryRowContext(ctx, query))
}

func (s *Store) scanRun(row *sql.Row) (*RunRecord, error) {
	run := &RunRecord{}
	err := row.Scan(
		&run.ID,
		&run.SourceRelease,
		&run.TargetRelease,
		&run.ToolVersion,
		&run.DryRun,
		&run.Status,
		&run.ExitCode,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs newest-first.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	query := `
		SELECT id, source_release, target_release, tool_version, dry_run, status, exit_code, error, started_at, completed_at
		FROM runs
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run := &RunRecord{}
		err := rows.Scan(
			&run.ID,
			&run.SourceRelease,
			&run.TargetRelease,
			&run.ToolVersion,
			&run.DryRun,
			&run.Status,
			&run.ExitCode,
			&run.Error,
			&run.StartedAt,
			&run.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// StartPhase records that a phase began and returns its record ID.
func (s *Store) StartPhase(ctx context.Context, runID, name string) (int64, error) {
	query := `
		INSERT INTO phases (run_id, name, status, started_at)
		VALUES (?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query, runID, name, PhaseStatusRunning, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to start phase: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get phase ID: %w", err)
	}
	return id, nil
}

// FinishPhase records the outcome of a phase.
func (s *Store) FinishPhase(ctx context.Context, phaseID int64, status PhaseStatus, errMsg *string) error {
	query := `
		UPDATE phases
		SET status = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	now := time.Now()
	result, err := s.db.ExecContext(ctx, query, status, errMsg, &now, phaseID)
	if err != nil {
		return fmt.Errorf("failed to finish phase: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: phase %d", ErrNotFound, phaseID)
	}
	return nil
}

// SkipPhase records a phase that was already complete and not re-run.
func (s *Store) SkipPhase(ctx context.Context, runID, name string) error {
	query := `
		INSERT INTO phases (run_id, name, status, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?)
	`

	now := time.Now()
	if _, err := s.db.ExecContext(ctx, query, runID, name, PhaseStatusSkipped, now, &now); err != nil {
		return fmt.Errorf("failed to record skipped phase: %w", err)
	}
	return nil
}

// ListPhases lists the phases of a run in execution order.
func (s *Store) ListPhases(ctx context.Context, runID string) ([]*PhaseRecord, error) {
	query := `
		SELECT id, run_id, name, status, error, started_at, completed_at
		FROM phases
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list phases: %w", err)
	}
	defer rows.Close()

	phases := []*PhaseRecord{}
	for rows.Next() {
		phase := &PhaseRecord{}
		err := rows.Scan(
			&phase.ID,
			&phase.RunID,
			&phase.Name,
			&phase.Status,
			&phase.Error,
			&phase.StartedAt,
			&phase.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan phase: %w", err)
		}
		phases = append(phases, phase)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating phases: %w", err)
	}
	return phases, nil
}

// AppendEvent appends an event to a run's stream.
func (s *Store) AppendEvent(ctx context.Context, event *EventRecord) error {
	query := `
		INSERT INTO events (run_id, phase, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.Phase,
		event.Level,
		event.Message,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id
	return nil
}

// ListEvents lists a run's events oldest-first.
func (s *Store) ListEvents(ctx context.Context, runID string, limit, offset int) ([]*EventRecord, error) {
	query := `
		SELECT id, run_id, phase, level, message, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		event := &EventRecord{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Phase,
			&event.Level,
			&event.Message,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// HealthCheck verifies the database answers.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("journal not initialized")
	}
	return s.db.PingContext(ctx)
}
