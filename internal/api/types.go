package api

import (
	"time"

	"launchbox/internal/execution"
)

// StartExecutionRequest is the API-level request to launch a project.
type StartExecutionRequest struct {
	ProjectID string `json:"project_id"`
	Language  string `json:"language"` // NODEJS, PYTHON, JAVA, HTML_CSS_JS
}

// ExecutionResponse is the API view of one execution record.
type ExecutionResponse struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	Status        string     `json:"status"`
	Language      string     `json:"language"`
	ProjectType   string     `json:"project_type"`
	ContainerID   string     `json:"container_id,omitempty"`
	HostPort      int        `json:"host_port,omitempty"`
	ContainerPort int        `json:"container_port,omitempty"`
	PublicURL     string     `json:"public_url,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	AutoStopAt    *time.Time `json:"auto_stop_at,omitempty"`
	CPUUsageMS    int64      `json:"cpu_usage_ms"`
	MemoryUsageMB int64      `json:"memory_usage_mb"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toExecutionResponse(e *execution.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:            e.ID.String(),
		ProjectID:     e.ProjectID.String(),
		Status:        string(e.Status),
		Language:      string(e.Language),
		ProjectType:   string(e.ProjectType),
		ContainerID:   e.ContainerID,
		HostPort:      e.HostPort,
		ContainerPort: e.ContainerPort,
		PublicURL:     e.PublicURL,
		StartedAt:     e.StartedAt,
		CompletedAt:   e.CompletedAt,
		AutoStopAt:    e.AutoStopAt,
		CPUUsageMS:    e.CPUUsageMS,
		MemoryUsageMB: e.MemoryUsageMB,
		ExitCode:      e.ExitCode,
		ErrorMessage:  e.ErrorMessage,
		CreatedAt:     e.CreatedAt,
	}
}

func toExecutionResponses(execs []execution.Execution) []ExecutionResponse {
	out := make([]ExecutionResponse, 0, len(execs))
	for i := range execs {
		out = append(out, toExecutionResponse(&execs[i]))
	}
	return out
}

// LogLineResponse is one execution log entry.
type LogLineResponse struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func toLogResponses(lines []execution.LogLine) []LogLineResponse {
	out := make([]LogLineResponse, 0, len(lines))
	for _, l := range lines {
		out = append(out, LogLineResponse{
			Level:     string(l.Level),
			Message:   l.Message,
			Timestamp: l.Timestamp,
		})
	}
	return out
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Database bool   `json:"database"`
	Docker   bool   `json:"docker"`
	Uptime   string `json:"uptime"`
}
