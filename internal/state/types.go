package state

import (
	"crypto/rand"
	"regexp"
	"time"
)

// JobStatus is the lifecycle status of a job. Terminal statuses are final.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// TriggerType records what caused a job to run.
type TriggerType string

const (
	TriggerSchedule TriggerType = "schedule"
	TriggerManual   TriggerType = "manual"
	TriggerFork     TriggerType = "fork"
	TriggerChat     TriggerType = "chat"
	TriggerWebhook  TriggerType = "webhook"
)

// ExitReason qualifies how a job reached its terminal status.
type ExitReason string

const (
	ExitSuccess   ExitReason = "success"
	ExitError     ExitReason = "error"
	ExitCancelled ExitReason = "cancelled"
	ExitTimeout   ExitReason = "timeout"
)

// Job is the durable record of one agent execution.
type Job struct {
	ID           string      `yaml:"id"`
	Agent        string      `yaml:"agent"`
	TriggerType  TriggerType `yaml:"trigger_type"`
	Schedule     string      `yaml:"schedule,omitempty"`
	Prompt       string      `yaml:"prompt,omitempty"`
	ForkedFrom   string      `yaml:"forked_from,omitempty"`
	SessionID    string      `yaml:"session_id,omitempty"`
	StartedAt    time.Time   `yaml:"started_at"`
	FinishedAt   *time.Time  `yaml:"finished_at,omitempty"`
	Status       JobStatus   `yaml:"status"`
	ExitReason   ExitReason  `yaml:"exit_reason,omitempty"`
	ErrorMessage string      `yaml:"error_message,omitempty"`
}

// OutputRecord is one line of a job's output stream.
type OutputRecord struct {
	Type      string    `json:"type"` // system, assistant, user, tool, error
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ScheduleStatus is the persisted status of one agent schedule.
type ScheduleStatus string

const (
	ScheduleIdle     ScheduleStatus = "idle"
	ScheduleRunning  ScheduleStatus = "running"
	ScheduleDisabled ScheduleStatus = "disabled"
)

// ScheduleState is the persisted per-schedule state.
type ScheduleState struct {
	Status    ScheduleStatus `yaml:"status"`
	LastRunAt *time.Time     `yaml:"last_run_at,omitempty"`
	NextRunAt *time.Time     `yaml:"next_run_at,omitempty"`
	LastError string         `yaml:"last_error,omitempty"`
}

// AgentStatus is the persisted per-agent status.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentRunning AgentStatus = "running"
	AgentError   AgentStatus = "error"
)

// AgentState is the persisted view of one agent.
type AgentState struct {
	Status        AgentStatus               `yaml:"status"`
	CurrentJob    string                    `yaml:"current_job,omitempty"`
	LastJob       string                    `yaml:"last_job,omitempty"`
	NextSchedule  string                    `yaml:"next_schedule,omitempty"`
	NextTriggerAt *time.Time                `yaml:"next_trigger_at,omitempty"`
	ContainerID   string                    `yaml:"container_id,omitempty"`
	ErrorMessage  string                    `yaml:"error_message,omitempty"`
	Schedules     map[string]*ScheduleState `yaml:"schedules,omitempty"`
}

// FleetInfo tracks fleet-level timestamps.
type FleetInfo struct {
	StartedAt *time.Time `yaml:"started_at,omitempty"`
	StoppedAt *time.Time `yaml:"stopped_at,omitempty"`
}

// FleetState is the root document of state.yaml.
type FleetState struct {
	Fleet  FleetInfo              `yaml:"fleet"`
	Agents map[string]*AgentState `yaml:"agents"`
}

// SessionMode describes how a session interacts with its runtime.
type SessionMode string

const (
	ModeAutonomous  SessionMode = "autonomous"
	ModeInteractive SessionMode = "interactive"
	ModeReview      SessionMode = "review"
)

// Session is the persisted per-agent runtime session.
type Session struct {
	SessionID        string      `json:"session_id"`
	CreatedAt        time.Time   `json:"created_at"`
	LastUsedAt       time.Time   `json:"last_used_at"`
	JobCount         int         `json:"job_count"`
	Mode             SessionMode `json:"mode"`
	WorkingDirectory string      `json:"working_directory"`
	RuntimeType      string      `json:"runtime_type"`
	DockerEnabled    bool        `json:"docker_enabled"`
}

var jobIDPattern = regexp.MustCompile(`^job-\d{4}-\d{2}-\d{2}-[0-9A-Za-z]{8}$`)

const base62 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// NewJobID builds a job id of the form job-YYYY-MM-DD-<8 base62 chars>.
func NewJobID(now time.Time) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; keep the id
		// well-formed regardless.
		for i := range buf {
			buf[i] = byte(now.UnixNano() >> (i * 8))
		}
	}
	suffix := make([]byte, 8)
	for i, b := range buf {
		suffix[i] = base62[int(b)%len(base62)]
	}
	return "job-" + now.Format("2006-01-02") + "-" + string(suffix)
}

// ValidJobID reports whether id has the canonical job id shape.
func ValidJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}
