package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"launchbox/internal/execution"
)

const maxLogMessageLen = 10000

// InsertLog appends one log line. Entries are never updated or reordered.
func (db *DB) InsertLog(ctx context.Context, line execution.LogLine) error {
	query := `INSERT INTO execution_logs (execution_id, level, message, ts) VALUES ($1, $2, $3, $4)`

	msg := line.Message
	if len(msg) > maxLogMessageLen {
		msg = msg[:maxLogMessageLen]
	}

	_, err := db.pool.Exec(ctx, query, line.ExecutionID, line.Level, msg, line.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting execution log: %w", err)
	}
	return nil
}

// ListLogs returns an execution's log lines in publish order.
func (db *DB) ListLogs(ctx context.Context, executionID uuid.UUID) ([]execution.LogLine, error) {
	query := `SELECT execution_id, level, message, ts FROM execution_logs
		WHERE execution_id = $1 ORDER BY ts ASC, id ASC`

	rows, err := db.pool.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("querying execution logs: %w", err)
	}
	defer rows.Close()

	var lines []execution.LogLine
	for rows.Next() {
		var line execution.LogLine
		if err := rows.Scan(&line.ExecutionID, &line.Level, &line.Message, &line.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning log row: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
