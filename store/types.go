package store

import "time"

// TaskKind selects which action plugin backs a task.
type TaskKind string

const (
	TaskHTTP  TaskKind = "http"
	TaskShell TaskKind = "shell"
)

// TaskSpec is the declarative JSON form of one task in a definition.
// Parent outputs are available to URL, header and body templates as
// {{parent_id.field}} placeholders.
type TaskSpec struct {
	ID        string   `json:"id"`
	Kind      TaskKind `json:"kind"`
	DependsOn []string `json:"depends_on,omitempty"`

	// http
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`

	// shell
	Command string `json:"command,omitempty"`

	RetryCount   int    `json:"retry_count,omitempty"`
	RetryDelayMs int    `json:"retry_delay_ms,omitempty"`
	OnError      string `json:"on_error,omitempty"` // continue | abort
	Priority     int    `json:"priority,omitempty"`
}

// Definition is a named, storable sequence declaration.
type Definition struct {
	Name           string     `json:"name"`
	Tasks          []TaskSpec `json:"tasks"`
	MaxConcurrency int        `json:"max_concurrency,omitempty"`
}

// TaskOutcome is the per-task result kept on an execution record.
type TaskOutcome struct {
	Status     string `json:"status"`
	Attempts   int    `json:"attempts,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	SkipCause  string `json:"skip_cause,omitempty"`
	Artifact   any    `json:"artifact,omitempty"`
}

// ExecutionRecord is the stored outcome of one sequence run. History only;
// records are never used to resume a run.
type ExecutionRecord struct {
	ID         string                 `json:"id"`
	Definition string                 `json:"definition"`
	StartedAt  time.Time              `json:"started_at"`
	EndedAt    time.Time              `json:"ended_at"`
	OK         bool                   `json:"ok"`
	AbortedAt  string                 `json:"aborted_at,omitempty"`
	Tasks      map[string]TaskOutcome `json:"tasks"`
}
