package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fleetworks/rollout/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

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
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
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
// Deployment Operations
// =============================================================================

// deploymentRow represents a deployment row in the database.
type deploymentRow struct {
	ID         string  `db:"id"`
	GroupName  string  `db:"group_name"`
	Artifact   string  `db:"artifact"`
	Strategy   string  `db:"strategy"`
	Result     string  `db:"result"`
	Outcomes   *string `db:"outcomes"`
	CreatedAt  string  `db:"created_at"`
	FinishedAt *string `db:"finished_at"`
}

func (s *SQLiteStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) ListDeployments(ctx context.Context, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.db, "", opts)
}

func (s *SQLiteStore) ListDeploymentsByGroup(ctx context.Context, group string, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.db, group, opts)
}

// =============================================================================
// Group Lock Operations
// =============================================================================

func (s *SQLiteStore) AcquireLock(ctx context.Context, group, deploymentID string) error {
	return acquireLock(ctx, s.db, group, deploymentID)
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, group string) error {
	return releaseLock(ctx, s.db, group)
}

func (s *SQLiteStore) HeldLock(ctx context.Context, group string) (string, error) {
	return heldLock(ctx, s.db, group)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

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
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) ListDeployments(ctx context.Context, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.tx, "", opts)
}

func (s *txSQLiteStore) ListDeploymentsByGroup(ctx context.Context, group string, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.tx, group, opts)
}

func (s *txSQLiteStore) AcquireLock(ctx context.Context, group, deploymentID string) error {
	return acquireLock(ctx, s.tx, group, deploymentID)
}

func (s *txSQLiteStore) ReleaseLock(ctx context.Context, group string) error {
	return releaseLock(ctx, s.tx, group)
}

func (s *txSQLiteStore) HeldLock(ctx context.Context, group string) (string, error) {
	return heldLock(ctx, s.tx, group)
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

func createDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	outcomesJSON, err := json.Marshal(deployment.Outcomes)
	if err != nil {
		return NewStoreError("CreateDeployment", "deployment", deployment.ID, "failed to serialize outcomes", ErrInvalidData)
	}

	var finishedAt *string
	if deployment.FinishedAt != nil {
		f := deployment.FinishedAt.Format(time.RFC3339)
		finishedAt = &f
	}

	query := `
		INSERT INTO deployments (
			id, group_name, artifact, strategy, result, outcomes,
			created_at, finished_at
		) VALUES (
			:id, :group_name, :artifact, :strategy, :result, :outcomes,
			:created_at, :finished_at
		)`

	row := map[string]any{
		"id":          deployment.ID,
		"group_name":  deployment.Group,
		"artifact":    deployment.Artifact,
		"strategy":    string(deployment.Strategy),
		"result":      string(deployment.Result),
		"outcomes":    string(outcomesJSON),
		"created_at":  deployment.CreatedAt.Format(time.RFC3339),
		"finished_at": finishedAt,
	}

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: deployments.id") {
			return NewStoreError("CreateDeployment", "deployment", deployment.ID, "deployment with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateDeployment", "deployment", deployment.ID, err.Error(), err)
	}

	return nil
}

func getDeployment(ctx context.Context, exec executor, id string) (*domain.Deployment, error) {
	query := `SELECT * FROM deployments WHERE id = ?`

	var row deploymentRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeployment", "deployment", id, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeployment", "deployment", id, err.Error(), err)
	}

	return rowToDeployment(&row)
}

func updateDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	outcomesJSON, err := json.Marshal(deployment.Outcomes)
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, "failed to serialize outcomes", ErrInvalidData)
	}

	var finishedAt *string
	if deployment.FinishedAt != nil {
		f := deployment.FinishedAt.Format(time.RFC3339)
		finishedAt = &f
	}

	query := `
		UPDATE deployments SET
			result = :result,
			outcomes = :outcomes,
			finished_at = :finished_at
		WHERE id = :id`

	row := map[string]any{
		"id":          deployment.ID,
		"result":      string(deployment.Result),
		"outcomes":    string(outcomesJSON),
		"finished_at": finishedAt,
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, "deployment not found", ErrNotFound)
	}

	return nil
}

func listDeployments(ctx context.Context, exec executor, group string, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()

	query := `SELECT * FROM deployments ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args := []any{opts.Limit, opts.Offset}
	if group != "" {
		query = `SELECT * FROM deployments WHERE group_name = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`
		args = []any{group, opts.Limit, opts.Offset}
	}

	var rows []deploymentRow
	err := exec.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, NewStoreError("ListDeployments", "deployment", "", err.Error(), err)
	}

	deployments := make([]domain.Deployment, 0, len(rows))
	for _, row := range rows {
		deployment, err := rowToDeployment(&row)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *deployment)
	}

	return deployments, nil
}

func acquireLock(ctx context.Context, exec executor, group, deploymentID string) error {
	query := `INSERT INTO group_locks (group_name, deployment_id, acquired_at) VALUES (?, ?, ?)`

	_, err := exec.ExecContext(ctx, query, group, deploymentID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: group_locks.group_name") {
			return NewStoreError("AcquireLock", "lock", group, "rollout already in flight for group", ErrLockHeld)
		}
		return NewStoreError("AcquireLock", "lock", group, err.Error(), err)
	}

	return nil
}

func releaseLock(ctx context.Context, exec executor, group string) error {
	query := `DELETE FROM group_locks WHERE group_name = ?`

	if _, err := exec.ExecContext(ctx, query, group); err != nil {
		return NewStoreError("ReleaseLock", "lock", group, err.Error(), err)
	}
	return nil
}

func heldLock(ctx context.Context, exec executor, group string) (string, error) {
	query := `SELECT deployment_id FROM group_locks WHERE group_name = ?`

	var deploymentID string
	err := exec.GetContext(ctx, &deploymentID, query, group)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", NewStoreError("HeldLock", "lock", group, err.Error(), err)
	}
	return deploymentID, nil
}

// =============================================================================
// Row Conversion Functions
// =============================================================================

// rowToDeployment converts a database row to a domain.Deployment.
func rowToDeployment(row *deploymentRow) (*domain.Deployment, error) {
	createdAt, _ := time.Parse(time.RFC3339, row.CreatedAt)

	var finishedAt *time.Time
	if row.FinishedAt != nil && *row.FinishedAt != "" {
		t, _ := time.Parse(time.RFC3339, *row.FinishedAt)
		finishedAt = &t
	}

	var outcomes []domain.HostOutcome
	if row.Outcomes != nil && *row.Outcomes != "" && *row.Outcomes != "null" {
		if err := json.Unmarshal([]byte(*row.Outcomes), &outcomes); err != nil {
			return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse outcomes", ErrInvalidData)
		}
	}

	return &domain.Deployment{
		ID:         row.ID,
		Group:      row.GroupName,
		Artifact:   row.Artifact,
		Strategy:   domain.Strategy(row.Strategy),
		Result:     domain.Result(row.Result),
		Outcomes:   outcomes,
		CreatedAt:  createdAt,
		FinishedAt: finishedAt,
	}, nil
}
