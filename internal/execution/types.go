package execution

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Language identifies which runtime image and recipe an execution uses.
type Language string

const (
	LangNodeJS    Language = "NODEJS"
	LangPython    Language = "PYTHON"
	LangJava      Language = "JAVA"
	LangHTMLCSSJS Language = "HTML_CSS_JS"
)

// Languages lists all supported languages.
func Languages() []Language {
	return []Language{LangNodeJS, LangPython, LangJava, LangHTMLCSSJS}
}

// ParseLanguage validates a language string from an API request.
func ParseLanguage(s string) (Language, error) {
	switch Language(s) {
	case LangNodeJS, LangPython, LangJava, LangHTMLCSSJS:
		return Language(s), nil
	}
	return "", fmt.Errorf("%w: %q (supported: NODEJS, PYTHON, JAVA, HTML_CSS_JS)", ErrUnsupportedLanguage, s)
}

// ProjectType distinguishes run-to-completion scripts from long-running servers.
type ProjectType string

const (
	TypeScript ProjectType = "SCRIPT"
	TypeServer ProjectType = "SERVER"
)

// Status is the execution state machine:
// PENDING -> RUNNING -> {SUCCESS, FAILED, TIMEOUT, STOPPED}.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusTimeout Status = "TIMEOUT"
	StatusStopped Status = "STOPPED"
)

// Terminal reports whether no further transition may leave this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusStopped:
		return true
	}
	return false
}

// Execution is one request to run a project's code, tracked to a terminal
// outcome. The persisted record is the single source of truth for status.
type Execution struct {
	ID            uuid.UUID   `json:"id"`
	ProjectID     uuid.UUID   `json:"project_id"`
	UserID        uuid.UUID   `json:"user_id"`
	ContainerID   string      `json:"container_id,omitempty"`
	Status        Status      `json:"status"`
	Language      Language    `json:"language"`
	ProjectType   ProjectType `json:"project_type"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	AutoStopAt    *time.Time  `json:"auto_stop_at,omitempty"`
	HostPort      int         `json:"host_port,omitempty"`
	ContainerPort int         `json:"container_port,omitempty"`
	PublicURL     string      `json:"public_url,omitempty"`
	CPUUsageMS    int64       `json:"cpu_usage_ms"`
	MemoryUsageMB int64       `json:"memory_usage_mb"`
	ExitCode      *int        `json:"exit_code,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// LogLevel classifies a log line. Stderr output maps to LevelError,
// stdout to LevelInfo.
type LogLevel string

const (
	LevelInfo  LogLevel = "INFO"
	LevelError LogLevel = "ERROR"
	LevelWarn  LogLevel = "WARN"
	LevelDebug LogLevel = "DEBUG"
)

// LogLine is one append-only log entry belonging to an execution.
type LogLine struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	Level       LogLevel  `json:"level"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// StartRequest is the orchestrator-level request to start an execution.
type StartRequest struct {
	ProjectID uuid.UUID
	UserID    uuid.UUID
	Language  Language
}

// Validate rejects malformed requests before any state is created.
func (r StartRequest) Validate() error {
	if r.ProjectID == uuid.Nil {
		return fmt.Errorf("%w: project id is required", ErrInvalidRequest)
	}
	if r.UserID == uuid.Nil {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if _, err := ParseLanguage(string(r.Language)); err != nil {
		return err
	}
	return nil
}
