package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the durable record of executions and their logs. Implemented by
// the PostgreSQL store; faked in tests.
type Store interface {
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error)
	// UpdateExecution persists the mutable fields of a record, guarded on
	// the record still being transient. Reports false when a concurrent
	// terminal transition already won and the write was discarded.
	UpdateExecution(ctx context.Context, exec *Execution) (bool, error)
	// CompleteExecution transitions a record to a terminal status. The
	// update is conditional on the record still being transient and
	// reports whether this caller won the transition; a terminal status
	// is never overwritten.
	CompleteExecution(ctx context.Context, exec *Execution) (bool, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]Execution, error)
	ListRunningByUser(ctx context.Context, userID uuid.UUID) ([]Execution, error)
	FindExpired(ctx context.Context, now time.Time) ([]Execution, error)
	FindRunning(ctx context.Context) ([]Execution, error)
	ListLogs(ctx context.Context, executionID uuid.UUID) ([]LogLine, error)
}

// BlobStore fetches project contents into a local workspace and purges the
// workspace when a script run finishes.
type BlobStore interface {
	Fetch(ctx context.Context, projectID uuid.UUID) (string, error)
	Purge(ctx context.Context, projectID uuid.UUID) error
}

// LogFunc receives one output line from an in-container command.
type LogFunc func(level LogLevel, line string)

// CreateOptions parameterize container materialization.
type CreateOptions struct {
	Name          string
	Language      Language
	WorkspaceDir  string
	Env           map[string]string
	HostPort      int // 0 when the execution publishes no ports
	ContainerPort int
	Server        bool
}

// ContainerDriver wraps the container runtime. Stop/Remove are best-effort
// and never return errors; inspection queries return neutral results on
// failure because they run on cleanup and reconciliation paths.
type ContainerDriver interface {
	EnsureImage(ctx context.Context, lang Language) error
	CreateContainer(ctx context.Context, opts CreateOptions) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	// ExecCommand runs argv inside a running container, forwarding output
	// lines to logf as they arrive, blocking up to timeout. Returns the
	// command's exit code.
	ExecCommand(ctx context.Context, containerID string, argv []string, timeout time.Duration, logf LogFunc) (int, error)
	// ExecCommandAsync launches argv without waiting; output streams to
	// logf for the lifetime of the process.
	ExecCommandAsync(ctx context.Context, containerID string, argv []string, logf LogFunc)
	StopContainer(ctx context.Context, containerID string)
	RemoveContainer(ctx context.Context, containerID string)
	IsRunning(ctx context.Context, containerID string) bool
	ExitCode(ctx context.Context, containerID string) *int
	// Stats samples best-effort resource usage; zeros on failure.
	Stats(ctx context.Context, containerID string) (cpuMS, memMB int64)
}

// LogPublisher fans execution log lines out to persistence and to live
// subscribers. Delivery to subscribers is best-effort.
type LogPublisher interface {
	Publish(executionID uuid.UUID, level LogLevel, message string)
}
