package fleet

import (
	"fmt"
	"strings"
)

// InvalidStateError reports a lifecycle method called outside its permitted
// states.
type InvalidStateError struct {
	Op      string
	State   State
	Allowed []State
}

func (e *InvalidStateError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("%s not allowed in state %q (allowed: %s)",
		e.Op, e.State, strings.Join(allowed, ", "))
}

// ShutdownError reports a stop that could not drain in time.
type ShutdownError struct {
	TimedOut    bool
	RunningJobs []string
}

func (e *ShutdownError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("shutdown timed out with %d jobs still running", len(e.RunningJobs))
	}
	return "shutdown failed"
}

// Fork failure reasons.
const (
	ForkJobNotFound   = "job_not_found"
	ForkAgentNotFound = "agent_not_found"
	ForkNoSession     = "no_session"
)

// ForkError reports why a job could not be forked.
type ForkError struct {
	JobID  string
	Reason string
}

func (e *ForkError) Error() string {
	return fmt.Sprintf("cannot fork job %s: %s", e.JobID, e.Reason)
}

// NotFoundError reports an unknown agent, schedule or job reference.
type NotFoundError struct {
	Kind string // agent, schedule, job
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}
