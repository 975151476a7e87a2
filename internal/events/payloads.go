package events

import "time"

// ConfigReloaded is the payload for config:reloaded.
type ConfigReloaded struct {
	AddedAgents    []string
	RemovedAgents  []string
	ModifiedAgents []string
	// Schedule-granularity changes as "agent/schedule" keys.
	AddedSchedules    []string
	RemovedSchedules  []string
	ModifiedSchedules []string
	Summary           string
}

// FleetError is the payload for error.
type FleetError struct {
	Op  string
	Err error
}

// ScheduleTriggered is the payload for schedule:triggered and the legacy
// schedule:trigger event.
type ScheduleTriggered struct {
	Agent    string
	Schedule string
	JobID    string
	At       time.Time
	NextRun  time.Time
}

// ScheduleSkipped is the payload for schedule:skipped.
type ScheduleSkipped struct {
	Agent    string
	Schedule string
	Reason   string // agent_at_capacity, fleet_at_capacity, schedule_removed
}

// JobCreated is the payload for job:created.
type JobCreated struct {
	JobID       string
	Agent       string
	Schedule    string
	TriggerType string
	ForkedFrom  string
}

// JobOutput is the payload for job:output, one runtime message.
type JobOutput struct {
	JobID   string
	Agent   string
	Type    string
	Content string
	At      time.Time
}

// JobFinished is the payload for job:completed, job:failed and job:cancelled,
// and for the legacy schedule:complete / schedule:error events.
type JobFinished struct {
	JobID      string
	Agent      string
	Schedule   string
	Status     string
	ExitReason string
	Error      string
	Duration   time.Duration
	// TerminationType is set on job:cancelled: graceful or forced.
	TerminationType string
}

// JobForked is the payload for job:forked.
type JobForked struct {
	JobID      string
	ForkedFrom string
	Agent      string
	SessionID  string
}

// JobQueued is the payload for job:queued. Position is 1-based.
type JobQueued struct {
	JobID    string
	Agent    string
	Priority int
	Position int
}

// CapacityAvailable is the payload for capacity:available.
type CapacityAvailable struct {
	Agent     string
	SlotsFree int
}

// AgentStateChange is the payload for agent:started and agent:stopped.
type AgentStateChange struct {
	Agent string
	JobID string
}
