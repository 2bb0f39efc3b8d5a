package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"launchbox/internal/execution"
)

const executionColumns = `id, project_id, user_id, container_id, status, language, project_type,
	started_at, completed_at, auto_stop_at, host_port, container_port, public_url,
	cpu_usage_ms, memory_usage_mb, exit_code, error_message, created_at`

// CreateExecution inserts a new PENDING record.
func (db *DB) CreateExecution(ctx context.Context, exec *execution.Execution) error {
	query := `
		INSERT INTO executions (id, project_id, user_id, container_id, status, language,
			project_type, host_port, container_port, public_url, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := db.pool.Exec(ctx, query,
		exec.ID, exec.ProjectID, exec.UserID, exec.ContainerID,
		exec.Status, exec.Language, exec.ProjectType,
		exec.HostPort, exec.ContainerPort, exec.PublicURL,
		exec.ErrorMessage, exec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// GetExecution retrieves a single execution by id.
func (db *DB) GetExecution(ctx context.Context, id uuid.UUID) (*execution.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	exec, err := scanExecution(db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, execution.ErrNotFound
		}
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return exec, nil
}

// UpdateExecution persists the mutable fields of a record, guarded on the
// record still being transient. A false return means a concurrent stop or
// sweep already made the record terminal and the write was discarded; the
// terminal status is never overwritten.
func (db *DB) UpdateExecution(ctx context.Context, exec *execution.Execution) (bool, error) {
	query := `
		UPDATE executions SET
			container_id = $2, status = $3, project_type = $4, started_at = $5,
			auto_stop_at = $6, host_port = $7, container_port = $8, public_url = $9
		WHERE id = $1 AND status IN ('PENDING', 'RUNNING')`

	tag, err := db.pool.Exec(ctx, query,
		exec.ID, exec.ContainerID, exec.Status, exec.ProjectType,
		exec.StartedAt, exec.AutoStopAt,
		exec.HostPort, exec.ContainerPort, exec.PublicURL,
	)
	if err != nil {
		return false, fmt.Errorf("updating execution %s: %w", exec.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// CompleteExecution performs the terminal transition. The update is
// conditional on the record still being transient, so concurrent stop and
// reaper paths race benignly: exactly one caller observes won=true.
func (db *DB) CompleteExecution(ctx context.Context, exec *execution.Execution) (bool, error) {
	query := `
		UPDATE executions SET
			status = $2, completed_at = $3, error_message = $4, exit_code = $5,
			cpu_usage_ms = $6, memory_usage_mb = $7
		WHERE id = $1 AND status IN ('PENDING', 'RUNNING')`

	tag, err := db.pool.Exec(ctx, query,
		exec.ID, exec.Status, exec.CompletedAt, exec.ErrorMessage,
		exec.ExitCode, exec.CPUUsageMS, exec.MemoryUsageMB,
	)
	if err != nil {
		return false, fmt.Errorf("completing execution %s: %w", exec.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListByProject returns all executions for a project, newest first.
func (db *DB) ListByProject(ctx context.Context, projectID uuid.UUID) ([]execution.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions
		WHERE project_id = $1 ORDER BY created_at DESC`
	return db.queryExecutions(ctx, query, projectID)
}

// ListRunningByUser returns a user's RUNNING executions.
func (db *DB) ListRunningByUser(ctx context.Context, userID uuid.UUID) ([]execution.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions
		WHERE user_id = $1 AND status = 'RUNNING' ORDER BY created_at DESC`
	return db.queryExecutions(ctx, query, userID)
}

// FindExpired returns RUNNING executions whose auto-stop deadline passed.
func (db *DB) FindExpired(ctx context.Context, now time.Time) ([]execution.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions
		WHERE status = 'RUNNING' AND auto_stop_at IS NOT NULL AND auto_stop_at < $1`
	return db.queryExecutions(ctx, query, now)
}

// FindRunning returns every RUNNING execution, for the orphan sweep.
func (db *DB) FindRunning(ctx context.Context) ([]execution.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE status = 'RUNNING'`
	return db.queryExecutions(ctx, query)
}

func (db *DB) queryExecutions(ctx context.Context, query string, args ...any) ([]execution.Execution, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []execution.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, *exec)
	}
	return results, rows.Err()
}

func scanExecution(row pgx.Row) (*execution.Execution, error) {
	var exec execution.Execution
	err := row.Scan(
		&exec.ID, &exec.ProjectID, &exec.UserID, &exec.ContainerID,
		&exec.Status, &exec.Language, &exec.ProjectType,
		&exec.StartedAt, &exec.CompletedAt, &exec.AutoStopAt,
		&exec.HostPort, &exec.ContainerPort, &exec.PublicURL,
		&exec.CPUUsageMS, &exec.MemoryUsageMB, &exec.ExitCode,
		&exec.ErrorMessage, &exec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &exec, nil
}
