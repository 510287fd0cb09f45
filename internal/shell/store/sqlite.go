package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/shipper/internal/core/pipeline"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// defaultLockTTL bounds how long a crashed run can keep an environment
// locked before another run is allowed to break the lock.
const defaultLockTTL = 30 * time.Minute

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db      *sqlx.DB
	lockTTL time.Duration
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
// A non-positive lockTTL falls back to 30 minutes.
func NewSQLiteStore(dsn string, lockTTL time.Duration) (*SQLiteStore, error) {
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}

	// Open database connection
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	// Run migrations
	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db, lockTTL: lockTTL}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Run Operations
// =============================================================================

// runRow represents a pipeline run row in the database.
type runRow struct {
	ID                 string  `db:"id"`
	TriggeredBy        string  `db:"triggered_by"`
	Ref                string  `db:"ref"`
	Environment        string  `db:"environment"`
	Image              string  `db:"image"`
	PreviousTaskDefARN string  `db:"previous_task_def_arn"`
	NewTaskDefARN      string  `db:"new_task_def_arn"`
	Step               string  `db:"step"`
	ErrorMessage       string  `db:"error_message"`
	CreatedAt          string  `db:"created_at"`
	UpdatedAt          string  `db:"updated_at"`
	FinishedAt         *string `db:"finished_at"`
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *pipeline.Run) error {
	return createRun(ctx, s.db, run)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	return getRun(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *pipeline.Run) error {
	return updateRun(ctx, s.db, run)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]pipeline.Run, error) {
	return listRuns(ctx, s.db, opts)
}

func (s *SQLiteStore) ListRunsByEnvironment(ctx context.Context, environment string, opts ListOptions) ([]pipeline.Run, error) {
	return listRunsByEnvironment(ctx, s.db, environment, opts)
}

func (s *SQLiteStore) LatestSucceededRun(ctx context.Context, environment string) (*pipeline.Run, error) {
	return latestSucceededRun(ctx, s.db, environment)
}

// =============================================================================
// Environment Lock Operations
// =============================================================================

func (s *SQLiteStore) AcquireLock(ctx context.Context, environment, holder string) error {
	return acquireLock(ctx, s.db, environment, holder, s.lockTTL)
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, environment, holder string) error {
	return releaseLock(ctx, s.db, environment, holder)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx, lockTTL: s.lockTTL}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx      *sqlx.Tx
	lockTTL time.Duration
}

func (s *txSQLiteStore) CreateRun(ctx context.Context, run *pipeline.Run) error {
	return createRun(ctx, s.tx, run)
}

func (s *txSQLiteStore) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	return getRun(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateRun(ctx context.Context, run *pipeline.Run) error {
	return updateRun(ctx, s.tx, run)
}

func (s *txSQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]pipeline.Run, error) {
	return listRuns(ctx, s.tx, opts)
}

func (s *txSQLiteStore) ListRunsByEnvironment(ctx context.Context, environment string, opts ListOptions) ([]pipeline.Run, error) {
	return listRunsByEnvironment(ctx, s.tx, environment, opts)
}

func (s *txSQLiteStore) LatestSucceededRun(ctx context.Context, environment string) (*pipeline.Run, error) {
	return latestSucceededRun(ctx, s.tx, environment)
}

func (s *txSQLiteStore) AcquireLock(ctx context.Context, environment, holder string) error {
	return acquireLock(ctx, s.tx, environment, holder, s.lockTTL)
}

func (s *txSQLiteStore) ReleaseLock(ctx context.Context, environment, holder string) error {
	return releaseLock(ctx, s.tx, environment, holder)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

func createRun(ctx context.Context, exec executor, run *pipeline.Run) error {
	var finishedAt *string
	if run.FinishedAt != nil {
		s := run.FinishedAt.Format(time.RFC3339)
		finishedAt = &s
	}

	query := `
		INSERT INTO pipeline_runs (
			id, triggered_by, ref, environment, image,
			previous_task_def_arn, new_task_def_arn,
			step, error_message, created_at, updated_at, finished_at
		) VALUES (
			:id, :triggered_by, :ref, :environment, :image,
			:previous_task_def_arn, :new_task_def_arn,
			:step, :error_message, :created_at, :updated_at, :finished_at
		)`

	row := map[string]any{
		"id":                    run.ID,
		"triggered_by":          string(run.Trigger),
		"ref":                   run.Ref,
		"environment":           run.Environment,
		"image":                 run.Image,
		"previous_task_def_arn": run.PreviousTaskDefARN,
		"new_task_def_arn":      run.NewTaskDefARN,
		"step":                  string(run.Step),
		"error_message":         run.ErrorMessage,
		"created_at":            run.CreatedAt.Format(time.RFC3339),
		"updated_at":            run.UpdatedAt.Format(time.RFC3339),
		"finished_at":           finishedAt,
	}

	_, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: pipeline_runs.id") {
			return NewStoreError("CreateRun", "run", run.ID, "run with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateRun", "run", run.ID, err.Error(), err)
	}

	return nil
}

func getRun(ctx context.Context, exec executor, id string) (*pipeline.Run, error) {
	query := `SELECT * FROM pipeline_runs WHERE id = ?`

	var row runRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}

	return rowToRun(&row)
}

func updateRun(ctx context.Context, exec executor, run *pipeline.Run) error {
	var finishedAt *string
	if run.FinishedAt != nil {
		s := run.FinishedAt.Format(time.RFC3339)
		finishedAt = &s
	}

	query := `
		UPDATE pipeline_runs SET
			environment = :environment,
			image = :image,
			previous_task_def_arn = :previous_task_def_arn,
			new_task_def_arn = :new_task_def_arn,
			step = :step,
			error_message = :error_message,
			updated_at = :updated_at,
			finished_at = :finished_at
		WHERE id = :id`

	row := map[string]any{
		"id":                    run.ID,
		"environment":           run.Environment,
		"image":                 run.Image,
		"previous_task_def_arn": run.PreviousTaskDefARN,
		"new_task_def_arn":      run.NewTaskDefARN,
		"step":                  string(run.Step),
		"error_message":         run.ErrorMessage,
		"updated_at":            run.UpdatedAt.Format(time.RFC3339),
		"finished_at":           finishedAt,
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateRun", "run", run.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateRun", "run", run.ID, "run not found", ErrNotFound)
	}

	return nil
}

func listRuns(ctx context.Context, exec executor, opts ListOptions) ([]pipeline.Run, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM pipeline_runs ORDER BY created_at DESC LIMIT ? OFFSET ?`

	var rows []runRow
	err := exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), err)
	}

	return rowsToRuns(rows)
}

func listRunsByEnvironment(ctx context.Context, exec executor, environment string, opts ListOptions) ([]pipeline.Run, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM pipeline_runs WHERE environment = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`

	var rows []runRow
	err := exec.SelectContext(ctx, &rows, query, environment, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListRunsByEnvironment", "run", "", err.Error(), err)
	}

	return rowsToRuns(rows)
}

func latestSucceededRun(ctx context.Context, exec executor, environment string) (*pipeline.Run, error) {
	query := `SELECT * FROM pipeline_runs WHERE environment = ? AND step = ? ORDER BY created_at DESC LIMIT 1`

	var row runRow
	err := exec.GetContext(ctx, &row, query, environment, string(pipeline.StepStable))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("LatestSucceededRun", "run", environment, "no succeeded run for environment", ErrNotFound)
		}
		return nil, NewStoreError("LatestSucceededRun", "run", environment, err.Error(), err)
	}

	return rowToRun(&row)
}

func acquireLock(ctx context.Context, exec executor, environment, holder string, ttl time.Duration) error {
	now := time.Now().UTC()
	cutoff := now.Add(-ttl).Format(time.RFC3339)

	// Insert takes the lock when no row exists. On conflict the update fires
	// only when the existing lock is older than the TTL, so a live lock held
	// by another run leaves zero rows affected.
	query := `
		INSERT INTO environment_locks (environment, holder, acquired_at)
		VALUES (?, ?, ?)
		ON CONFLICT(environment) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at
		WHERE environment_locks.acquired_at < ?`

	result, err := exec.ExecContext(ctx, query, environment, holder, now.Format(time.RFC3339), cutoff)
	if err != nil {
		return NewStoreError("AcquireLock", "lock", environment, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("AcquireLock", "lock", environment, "environment lock held by another run", ErrLockHeld)
	}

	return nil
}

func releaseLock(ctx context.Context, exec executor, environment, holder string) error {
	query := `DELETE FROM environment_locks WHERE environment = ? AND holder = ?`

	result, err := exec.ExecContext(ctx, query, environment, holder)
	if err != nil {
		return NewStoreError("ReleaseLock", "lock", environment, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("ReleaseLock", "lock", environment, "lock not held by this holder", ErrNotFound)
	}

	return nil
}

// =============================================================================
// Row Conversion
// =============================================================================

func rowToRun(row *runRow) (*pipeline.Run, error) {
	createdAt, err := time.Parse(time.RFC3339, row.CreatedAt)
	if err != nil {
		return nil, NewStoreError("rowToRun", "run", row.ID, "invalid created_at timestamp", ErrInvalidData)
	}

	updatedAt, err := time.Parse(time.RFC3339, row.UpdatedAt)
	if err != nil {
		return nil, NewStoreError("rowToRun", "run", row.ID, "invalid updated_at timestamp", ErrInvalidData)
	}

	var finishedAt *time.Time
	if row.FinishedAt != nil {
		t, err := time.Parse(time.RFC3339, *row.FinishedAt)
		if err != nil {
			return nil, NewStoreError("rowToRun", "run", row.ID, "invalid finished_at timestamp", ErrInvalidData)
		}
		finishedAt = &t
	}

	return &pipeline.Run{
		ID:                 row.ID,
		Trigger:            pipeline.Trigger(row.TriggeredBy),
		Ref:                row.Ref,
		Environment:        row.Environment,
		Image:              row.Image,
		PreviousTaskDefARN: row.PreviousTaskDefARN,
		NewTaskDefARN:      row.NewTaskDefARN,
		Step:               pipeline.Step(row.Step),
		ErrorMessage:       row.ErrorMessage,
		CreatedAt:          createdAt,
		UpdatedAt:          updatedAt,
		FinishedAt:         finishedAt,
	}, nil
}

func rowsToRuns(rows []runRow) ([]pipeline.Run, error) {
	runs := make([]pipeline.Run, 0, len(rows))
	for _, row := range rows {
		run, err := rowToRun(&row)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}

	return runs, nil
}
