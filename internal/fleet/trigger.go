package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/config"
	"github.com/herdctl/herdctl/internal/events"
	"github.com/herdctl/herdctl/internal/queue"
	"github.com/herdctl/herdctl/internal/scheduler"
	"github.com/herdctl/herdctl/internal/state"
)

// TriggerOptions modifies a manual trigger.
type TriggerOptions struct {
	// Prompt overrides the schedule and agent prompts.
	Prompt string
	// Priority orders queued triggers (1 highest, 10 lowest; 0 = default).
	Priority int
	// Queue waits for capacity instead of rejecting at the limit.
	Queue bool
	// BypassConcurrencyLimit runs the job regardless of capacity.
	BypassConcurrencyLimit bool
}

// TriggerResult describes an accepted trigger.
type TriggerResult struct {
	JobID     string
	Agent     string
	Schedule  string
	Prompt    string
	StartedAt time.Time
	// Queued is set when the job is waiting for capacity; Position is its
	// 1-based place in the agent's queue.
	Queued   bool
	Position int
}

// Trigger admits a manual run for an agent. Without TriggerOptions.Queue it
// rejects at capacity with a ConcurrencyLimitError.
func (m *Manager) Trigger(agent, schedule string, opts *TriggerOptions) (*TriggerResult, error) {
	if opts == nil {
		opts = &TriggerOptions{}
	}
	m.mu.Lock()
	if err := m.requireState("trigger", StateRunning); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	cfg := m.cfg.Load()
	agentCfg, ok := cfg.Agent(agent)
	if !ok {
		return nil, &NotFoundError{Kind: "agent", Name: agent}
	}

	var sched config.Schedule
	if schedule != "" {
		sched, ok = agentCfg.Schedules[schedule]
		if !ok {
			return nil, &NotFoundError{Kind: "schedule", Name: agent + "/" + schedule}
		}
	}

	prompt := opts.Prompt
	if prompt == "" {
		prompt = sched.Prompt
	}
	if prompt == "" {
		prompt = agentCfg.Prompt
	}

	now := time.Now().UTC()
	plan := &jobPlan{
		job: state.Job{
			ID:          state.NewJobID(now),
			Agent:       agent,
			TriggerType: state.TriggerManual,
			Schedule:    schedule,
			Prompt:      prompt,
			StartedAt:   now,
			Status:      state.JobPending,
		},
		agent: *agentCfg,
	}
	return m.admit(plan, opts)
}

// ForkOptions modifies a fork.
type ForkOptions struct {
	Prompt   string
	Schedule string
	Priority int
	Queue    bool
}

// ForkJob creates a new job continuing the session of an existing one. The
// original must have established a session; the fork inherits it along with
// the original agent.
func (m *Manager) ForkJob(jobID string, opts *ForkOptions) (*TriggerResult, error) {
	if opts == nil {
		opts = &ForkOptions{}
	}
	m.mu.Lock()
	if err := m.requireState("forkJob", StateRunning); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	orig, err := m.store.GetJob(jobID)
	if err != nil {
		if errors.Is(err, state.ErrJobNotFound) {
			return nil, &ForkError{JobID: jobID, Reason: ForkJobNotFound}
		}
		return nil, err
	}
	if orig.SessionID == "" {
		return nil, &ForkError{JobID: jobID, Reason: ForkNoSession}
	}

	cfg := m.cfg.Load()
	agentCfg, ok := cfg.Agent(orig.Agent)
	if !ok {
		return nil, &ForkError{JobID: jobID, Reason: ForkAgentNotFound}
	}

	prompt := opts.Prompt
	if prompt == "" {
		prompt = orig.Prompt
	}

	now := time.Now().UTC()
	plan := &jobPlan{
		job: state.Job{
			ID:          state.NewJobID(now),
			Agent:       orig.Agent,
			TriggerType: state.TriggerFork,
			Schedule:    opts.Schedule,
			Prompt:      prompt,
			ForkedFrom:  orig.ID,
			SessionID:   orig.SessionID,
			StartedAt:   now,
			Status:      state.JobPending,
		},
		agent: *agentCfg,
	}
	res, err := m.admit(plan, &TriggerOptions{Priority: opts.Priority, Queue: opts.Queue})
	if err != nil {
		return nil, err
	}

	m.bus.Emit(events.TypeJobForked, events.JobForked{
		JobID:      plan.job.ID,
		ForkedFrom: orig.ID,
		Agent:      orig.Agent,
		SessionID:  orig.SessionID,
	})
	return res, nil
}

// admit takes a capacity slot (or queue position) and materialises the job.
// Emission order: job:created first, then job:queued when applicable.
func (m *Manager) admit(plan *jobPlan, opts *TriggerOptions) (*TriggerResult, error) {
	job := &plan.job
	if opts.Priority < 0 || opts.Priority > 10 {
		return nil, fmt.Errorf("priority %d out of range 1..10", opts.Priority)
	}

	switch {
	case opts.BypassConcurrencyLimit:
		m.queue.AcquireBypass(job.Agent)
	case !opts.Queue:
		if err := m.queue.TryAcquire(job.Agent); err != nil {
			return nil, err
		}
	}

	if err := m.store.CreateJob(job); err != nil {
		if !opts.Queue {
			m.queue.MarkCompleted(job.Agent)
		}
		return nil, err
	}
	m.bus.Emit(events.TypeJobCreated, events.JobCreated{
		JobID:       job.ID,
		Agent:       job.Agent,
		Schedule:    job.Schedule,
		TriggerType: string(job.TriggerType),
	})

	result := &TriggerResult{
		JobID:     job.ID,
		Agent:     job.Agent,
		Schedule:  job.Schedule,
		Prompt:    job.Prompt,
		StartedAt: job.StartedAt,
	}

	if opts.Queue && !opts.BypassConcurrencyLimit {
		res, err := m.queue.Enqueue(queue.Request{
			JobID:    job.ID,
			Agent:    job.Agent,
			Schedule: job.Schedule,
			Priority: opts.Priority,
			Prompt:   job.Prompt,
			QueuedAt: job.StartedAt,
		})
		if err != nil {
			return nil, err
		}
		if res.Queued {
			m.mu.Lock()
			m.plans[job.ID] = plan
			m.mu.Unlock()
			m.metrics.SetQueueDepth(job.Agent, m.queue.Depth(job.Agent))
			result.Queued = true
			result.Position = res.Position
			return result, nil
		}
	}

	m.startJob(plan)
	return result, nil
}

// StartScheduledJob materialises and runs a job admitted by the scheduler.
// The admission slot is already held.
func (m *Manager) StartScheduledJob(req scheduler.StartRequest) error {
	cfg := m.cfg.Load()
	agentCfg, ok := cfg.Agent(req.Agent)
	if !ok {
		return &NotFoundError{Kind: "agent", Name: req.Agent}
	}

	plan := &jobPlan{
		job: state.Job{
			ID:          req.JobID,
			Agent:       req.Agent,
			TriggerType: state.TriggerSchedule,
			Schedule:    req.Schedule,
			Prompt:      req.Prompt,
			StartedAt:   req.At.UTC(),
			Status:      state.JobPending,
		},
		agent: *agentCfg,
	}
	if err := m.store.CreateJob(&plan.job); err != nil {
		return err
	}
	m.bus.Emit(events.TypeJobCreated, events.JobCreated{
		JobID:       plan.job.ID,
		Agent:       plan.job.Agent,
		Schedule:    plan.job.Schedule,
		TriggerType: string(state.TriggerSchedule),
	})
	m.metrics.ScheduleTriggered(req.Agent)
	m.startJob(plan)
	return nil
}

// dispatchQueued runs a job dequeued by the admission controller. The slot
// is already held; a plan that vanished (cancelled while queued) releases
// it.
func (m *Manager) dispatchQueued(req queue.Request) {
	m.mu.Lock()
	plan := m.plans[req.JobID]
	delete(m.plans, req.JobID)
	m.mu.Unlock()

	m.metrics.SetQueueDepth(req.Agent, m.queue.Depth(req.Agent))
	if plan == nil {
		m.logger.Warn("dequeued job has no plan", zap.String("job_id", req.JobID))
		m.queue.MarkCompleted(req.Agent)
		return
	}
	m.startJob(plan)
}

// CancelOptions controls job cancellation.
type CancelOptions struct {
	// Timeout is the grace period before forced termination. Defaults to
	// DefaultCancelTimeout.
	Timeout time.Duration
}

// Termination types reported by CancelJob.
const (
	TerminationGraceful       = "graceful"
	TerminationForced         = "forced"
	TerminationAlreadyStopped = "already_stopped"
)

// CancelResult describes how a cancellation concluded.
type CancelResult struct {
	JobID           string
	TerminationType string
	Duration        time.Duration
}

// CancelJob stops a job: graceful signal first, forced termination after
// the grace period. The job record always ends cancelled.
func (m *Manager) CancelJob(jobID string, opts CancelOptions) (*CancelResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCancelTimeout
	}

	job, err := m.store.GetJob(jobID)
	if err != nil {
		if errors.Is(err, state.ErrJobNotFound) {
			return nil, &NotFoundError{Kind: "job", Name: jobID}
		}
		return nil, err
	}
	if job.Status.Terminal() {
		return &CancelResult{JobID: jobID, TerminationType: TerminationAlreadyStopped}, nil
	}

	m.mu.Lock()
	rj := m.jobs[jobID]
	queuedPlan := m.plans[jobID]
	if rj == nil && queuedPlan != nil {
		delete(m.plans, jobID)
	}
	m.mu.Unlock()

	if rj == nil {
		if queuedPlan != nil {
			// Remove can fail when the dispatcher has already popped the
			// request; its dispatch finds no plan and releases the slot, so
			// the cancel still owns the terminal write.
			m.queue.Remove(jobID)
			return m.cancelQueued(jobID)
		}
		// Lost a race with the executor's final write.
		return &CancelResult{JobID: jobID, TerminationType: TerminationAlreadyStopped}, nil
	}

	start := time.Now()
	rj.requestCancel()

	handle := rj.awaitHandle()
	termination := TerminationGraceful
	if handle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := handle.Stop(ctx)
		cancel()
		if err != nil {
			termination = TerminationForced
			rj.setTermination(termination)
			if killErr := handle.Kill(); killErr != nil {
				m.logger.Warn("force-killing job", zap.String("job_id", jobID), zap.Error(killErr))
			}
		}
	}

	<-rj.done
	return &CancelResult{
		JobID:           jobID,
		TerminationType: termination,
		Duration:        time.Since(start),
	}, nil
}

// cancelQueued finalises a job that never left the wait queue.
func (m *Manager) cancelQueued(jobID string) (*CancelResult, error) {
	now := time.Now().UTC()
	job, err := m.store.UpdateJob(jobID, func(j *state.Job) error {
		j.Status = state.JobCancelled
		j.ExitReason = state.ExitCancelled
		j.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancelling queued job %s: %w", jobID, err)
	}
	m.metrics.SetQueueDepth(job.Agent, m.queue.Depth(job.Agent))
	m.bus.Emit(events.TypeJobCancelled, events.JobFinished{
		JobID:           job.ID,
		Agent:           job.Agent,
		Schedule:        job.Schedule,
		Status:          string(state.JobCancelled),
		ExitReason:      string(state.ExitCancelled),
		TerminationType: TerminationGraceful,
	})
	return &CancelResult{JobID: jobID, TerminationType: TerminationGraceful}, nil
}

// EnableSchedule returns a disabled schedule to idle.
func (m *Manager) EnableSchedule(agent, schedule string) error {
	if err := m.checkSchedule(agent, schedule); err != nil {
		return err
	}
	return m.store.UpdateSchedule(agent, schedule, func(ss *state.ScheduleState) {
		if ss.Status == state.ScheduleDisabled {
			ss.Status = state.ScheduleIdle
		}
	})
}

// DisableSchedule stops a schedule from firing until re-enabled. The
// decision is persisted and survives restarts.
func (m *Manager) DisableSchedule(agent, schedule string) error {
	if err := m.checkSchedule(agent, schedule); err != nil {
		return err
	}
	return m.store.UpdateSchedule(agent, schedule, func(ss *state.ScheduleState) {
		ss.Status = state.ScheduleDisabled
	})
}

func (m *Manager) checkSchedule(agent, schedule string) error {
	cfg := m.cfg.Load()
	agentCfg, ok := cfg.Agent(agent)
	if !ok {
		return &NotFoundError{Kind: "agent", Name: agent}
	}
	if _, ok := agentCfg.Schedules[schedule]; !ok {
		return &NotFoundError{Kind: "schedule", Name: agent + "/" + schedule}
	}
	return nil
}
