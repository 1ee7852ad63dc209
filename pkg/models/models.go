// Package models holds the shared domain types of the Opshive platform:
// tasks and task lists, fleet issues, fix attempts and learned patterns,
// bus messages, service descriptors, and the result records exchanged
// between the orchestrator, the fixer, and the health monitor.
package models

import (
	"time"
)

// ── Task ─────────────────────────────────────────────────────

type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskBlocked    TaskStatus = "BLOCKED"
	TaskSkipped    TaskStatus = "SKIPPED"
)

// Terminal reports whether no further transitions are allowed.
// BLOCKED is transient: a blocked task returns to PENDING once its
// dependencies complete.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

type TaskPriority int

const (
	PriorityLow      TaskPriority = 1
	PriorityMedium   TaskPriority = 5
	PriorityHigh     TaskPriority = 8
	PriorityCritical TaskPriority = 10
)

// ParsePriority maps the textual priority names used in task list files.
// Unknown values fall back to medium.
func ParsePriority(s string) TaskPriority {
	switch s {
	case "low", "LOW":
		return PriorityLow
	case "high", "HIGH":
		return PriorityHigh
	case "critical", "CRITICAL":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// Label is the textual name of the closest named priority level.
func (p TaskPriority) Label() string {
	switch {
	case p >= PriorityCritical:
		return "critical"
	case p >= PriorityHigh:
		return "high"
	case p <= PriorityLow:
		return "low"
	default:
		return "medium"
	}
}

// Task is a single unit of work routed to an agent by capability tag.
type Task struct {
	TaskID      string                 `json:"task_id"`
	ListID      string                 `json:"list_id"`
	Title       string                 `json:"title"`
	Description string                 `json:"description,omitempty"`
	Agent       string                 `json:"agent"`
	Priority    TaskPriority           `json:"priority"`
	Status      TaskStatus             `json:"status"`
	DependsOn   []string               `json:"depends_on,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// TaskList aggregates tasks ingested from one input file.
type TaskList struct {
	ListID    string    `json:"list_id"`
	Name      string    `json:"name"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
}

// ExecutionSummary is the aggregate outcome of one task list run.
type ExecutionSummary struct {
	ListID    string `json:"list_id"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Blocked   int    `json:"blocked"`
}

// ── Issue ────────────────────────────────────────────────────

type IssueType string

const (
	IssueServiceFailure          IssueType = "service_failure"
	IssueContainerFailure        IssueType = "container_failure"
	IssueLogError                IssueType = "log_error"
	IssueContainerMemoryLeak     IssueType = "container_memory_leak"
	IssueContainerMemoryPressure IssueType = "container_memory_pressure"
)

// Issue describes one unhealthy condition handed to the fixer.
// At least one of Service/Container must identify the target, or the
// message must contain a parseable target.
type Issue struct {
	Type      IssueType `json:"type"`
	Source    string    `json:"source"`
	Service   string    `json:"service,omitempty"`
	Container string    `json:"container,omitempty"`
	Message   string    `json:"message"`
	// FixStrategy is the catalogue-declared strategy to try first.
	FixStrategy string `json:"fix_strategy,omitempty"`
}

// Target returns the service or container this issue points at.
func (i Issue) Target() string {
	if i.Service != "" {
		return i.Service
	}
	return i.Container
}

// ── Fix outcomes ─────────────────────────────────────────────

// FixAttempt is one recorded strategy execution against an issue.
type FixAttempt struct {
	TaskID        string        `json:"task_id,omitempty"`
	IssueType     IssueType     `json:"issue_type"`
	ErrorPattern  string        `json:"error_pattern"`
	Strategy      string        `json:"strategy"`
	Success       bool          `json:"success"`
	Message       string        `json:"message"`
	ExecutionTime time.Duration `json:"execution_time"`
	Timestamp     time.Time     `json:"timestamp"`
}

// FixPattern aggregates attempts sharing the same pattern key
// (issue_type:error_pattern:strategy).
type FixPattern struct {
	PatternKey   string    `json:"pattern_key"`
	IssueType    IssueType `json:"issue_type"`
	ErrorPattern string    `json:"error_pattern"`
	Strategy     string    `json:"strategy"`
	SuccessCount int       `json:"success_count"`
	TotalCount   int       `json:"total_count"`
	SuccessRate  float64   `json:"success_rate"`
	LastUsed     time.Time `json:"last_used"`
}

// SuggestedFix is one ranked remediation parsed from an AI diagnosis.
type SuggestedFix struct {
	Strategy    string `json:"strategy"`
	Description string `json:"description"`
	Commands    string `json:"commands"`
	Priority    int    `json:"priority"`
}

// Diagnosis is the parsed output of the AI diagnosis collaborator.
type Diagnosis struct {
	Diagnosis      string         `json:"diagnosis"`
	Confidence     float64        `json:"confidence"` // [0,1]
	SuggestedFixes []SuggestedFix `json:"suggested_fixes"`
}

// DiagnosisCacheEntry is a cached diagnosis keyed by error signature
// (issue_type:error_pattern).
type DiagnosisCacheEntry struct {
	ErrorSignature string    `json:"error_signature"`
	Diagnosis      Diagnosis `json:"diagnosis"`
	HitCount       int       `json:"hit_count"`
	LastHit        time.Time `json:"last_hit"`
	CreatedAt      time.Time `json:"created_at"`
}

// FixResult is the outcome of one strategy execution.
type FixResult struct {
	Success  bool          `json:"success"`
	Strategy string        `json:"strategy"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
}

// FixReport is the final outcome of a full multi-attempt fix run.
type FixReport struct {
	Success            bool          `json:"success"`
	TotalAttempts      int           `json:"total_attempts"`
	SuccessfulStrategy string        `json:"successful_strategy,omitempty"`
	FinalMessage       string        `json:"final_message"`
	TotalTime          time.Duration `json:"total_time"`
	AllAttempts        []FixResult   `json:"all_attempts"`
}

// ── Service catalogue ────────────────────────────────────────

type ServiceKind string

const (
	ServiceHTTP          ServiceKind = "http"
	ServiceDockerExec    ServiceKind = "docker_exec"
	ServiceSystemd       ServiceKind = "systemd"
	ServiceSystemdDB     ServiceKind = "systemd+db"
	ServiceContainer     ServiceKind = "container"
	ServiceContainerHTTP ServiceKind = "container+http"
	ServiceMCP           ServiceKind = "mcp"
)

// ServiceDescriptor declares one fleet service and how to probe it.
// The kind determines which of the optional fields are meaningful.
type ServiceDescriptor struct {
	ID       string      `json:"id" yaml:"id" validate:"required"`
	Name     string      `json:"name" yaml:"name" validate:"required"`
	Kind     ServiceKind `json:"kind" yaml:"kind" validate:"required"`
	Critical bool        `json:"critical" yaml:"critical"`

	// http / container+http
	URL              string `json:"url,omitempty" yaml:"url,omitempty"`
	ExpectedStatus   []int  `json:"expected_status,omitempty" yaml:"expected_status,omitempty"`
	TimeoutSecs      int    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	StartupGraceSecs int    `json:"startup_grace_period,omitempty" yaml:"startup_grace_period,omitempty"`

	// container kinds
	Container    string `json:"container,omitempty" yaml:"container,omitempty"`
	CheckCommand string `json:"check_command,omitempty" yaml:"check_command,omitempty"`

	// systemd kinds
	SystemdUnit string `json:"systemd_unit,omitempty" yaml:"systemd_unit,omitempty"`
	DBTest      string `json:"db_test,omitempty" yaml:"db_test,omitempty"`

	// mcp
	MCPName string `json:"mcp_name,omitempty" yaml:"mcp_name,omitempty"`

	// Fix strategy registered in the fixer, used when auto-fix is on.
	Fix string `json:"fix,omitempty" yaml:"fix,omitempty"`
}

// HealthResult is the probe outcome for one service.
type HealthResult struct {
	ServiceID        string      `json:"service_id"`
	Healthy          bool        `json:"healthy"`
	Critical         bool        `json:"critical"`
	Kind             ServiceKind `json:"type"`
	Error            string      `json:"error,omitempty"`
	Warning          string      `json:"warning,omitempty"`
	HTTPCode         int         `json:"http_code,omitempty"`
	ContainerRunning *bool       `json:"container_running,omitempty"`
	ActiveState      string      `json:"active_state,omitempty"`
	FixAttempted     bool        `json:"fix_attempted,omitempty"`
	AutoFixed        bool        `json:"auto_fixed,omitempty"`
	CheckedAt        time.Time   `json:"checked_at"`
}

// ── Message bus ──────────────────────────────────────────────

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageProcessed MessageStatus = "processed"
	MessageFailed    MessageStatus = "failed"
	MessageSentToDLQ MessageStatus = "sent_to_dlq"
)

type MessageType string

const (
	MessageDirect    MessageType = "direct"
	MessageBroadcast MessageType = "broadcast"
)

// Message is one durable bus message. ID is monotonic per store.
type Message struct {
	ID           int64                  `json:"id"`
	FromAgent    string                 `json:"from_agent"`
	ToAgent      string                 `json:"to_agent,omitempty"`
	Topic        string                 `json:"topic"`
	Type         MessageType            `json:"type"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	Status       MessageStatus          `json:"status"`
	RetryCount   int                    `json:"retry_count"`
	CreatedAt    time.Time              `json:"created_at"`
	ProcessedAt  *time.Time             `json:"processed_at,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// Subscription binds an agent to a topic. Unique per (agent, topic).
type Subscription struct {
	AgentID   string    `json:"agent_id"`
	Topic     string    `json:"topic"`
	CreatedAt time.Time `json:"created_at"`
}

// BusStats is the aggregate bus snapshot exposed by stats() and the
// daemon status API.
type BusStats struct {
	Total         int64            `json:"total"`
	ByStatus      map[string]int64 `json:"by_status"`
	ByTopic       map[string]int64 `json:"by_topic"`
	Subscriptions int64            `json:"subscriptions"`
}

// DeadLetter is one DLQ entry for a message whose retries were exhausted.
type DeadLetter struct {
	ID                string                 `json:"id"`
	Topic             string                 `json:"topic"`
	Payload           map[string]interface{} `json:"payload,omitempty"`
	ErrorSummary      string                 `json:"error_summary"`
	RetryCount        int                    `json:"retry_count"`
	OriginalTimestamp time.Time              `json:"original_timestamp"`
	Notes             string                 `json:"notes,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

// ── Worker adapter ───────────────────────────────────────────

// InvocationResult is the uniform return of all three agent invocation
// kinds (subprocess, mcp, command).
type InvocationResult struct {
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ReturnCode int    `json:"returncode"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

// AsTaskResult converts the invocation result into an opaque task result
// payload for persistence.
func (r InvocationResult) AsTaskResult() map[string]interface{} {
	out := map[string]interface{}{
		"success":    r.Success,
		"returncode": r.ReturnCode,
	}
	if r.Stdout != "" {
		out["stdout"] = r.Stdout
	}
	if r.Stderr != "" {
		out["stderr"] = r.Stderr
	}
	if r.Message != "" {
		out["message"] = r.Message
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	return out
}
