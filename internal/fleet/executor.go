package fleet

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/config"
	"github.com/herdctl/herdctl/internal/events"
	"github.com/herdctl/herdctl/internal/runtime"
	"github.com/herdctl/herdctl/internal/state"
)

// jobPlan is the resolved intent for one job: the record to run plus the
// agent configuration snapshot taken at creation time. Reloads never touch
// a plan once built.
type jobPlan struct {
	job   state.Job
	agent config.Agent
}

// runningJob tracks one in-flight execution. The executor goroutine is the
// only writer of the job's terminal status.
type runningJob struct {
	job  state.Job
	done chan struct{}

	mu          sync.Mutex
	handle      runtime.Handle
	handleSet   chan struct{}
	cancelled   bool
	termination string
}

func newRunningJob(job state.Job) *runningJob {
	return &runningJob{
		job:       job,
		done:      make(chan struct{}),
		handleSet: make(chan struct{}),
	}
}

func (rj *runningJob) setHandle(h runtime.Handle) {
	rj.mu.Lock()
	rj.handle = h
	rj.mu.Unlock()
	close(rj.handleSet)
}

// awaitHandle blocks until the runtime handle exists or the job ends.
func (rj *runningJob) awaitHandle() runtime.Handle {
	select {
	case <-rj.handleSet:
	case <-rj.done:
	}
	rj.mu.Lock()
	defer rj.mu.Unlock()
	return rj.handle
}

func (rj *runningJob) requestCancel() {
	rj.mu.Lock()
	rj.cancelled = true
	if rj.termination == "" {
		rj.termination = TerminationGraceful
	}
	rj.mu.Unlock()
}

func (rj *runningJob) setTermination(t string) {
	rj.mu.Lock()
	rj.termination = t
	rj.mu.Unlock()
}

func (rj *runningJob) cancelState() (bool, string) {
	rj.mu.Lock()
	defer rj.mu.Unlock()
	return rj.cancelled, rj.termination
}

// startJob registers the job and spawns its executor. The admission slot is
// already held and is released when the executor finishes.
func (m *Manager) startJob(plan *jobPlan) {
	rj := newRunningJob(plan.job)
	m.mu.Lock()
	m.jobs[plan.job.ID] = rj
	m.mu.Unlock()

	go m.runJob(plan, rj)
}

func (m *Manager) runJob(plan *jobPlan, rj *runningJob) {
	job := plan.job
	logger := m.logger.With(
		zap.String("job_id", job.ID),
		zap.String("agent", job.Agent),
	)
	m.metrics.JobStarted()

	if _, err := m.store.UpdateJob(job.ID, func(j *state.Job) error {
		j.Status = state.JobRunning
		return nil
	}); err != nil {
		logger.Error("marking job running", zap.Error(err))
		m.finalize(plan, rj, state.JobFailed, state.ExitError, err.Error(), logger)
		return
	}

	if err := m.store.UpdateAgent(job.Agent, func(as *state.AgentState) {
		as.Status = state.AgentRunning
		as.CurrentJob = job.ID
		as.ErrorMessage = ""
	}); err != nil {
		logger.Error("marking agent running", zap.Error(err))
	}
	m.bus.Emit(events.TypeAgentStarted, events.AgentStateChange{Agent: job.Agent, JobID: job.ID})

	handle, err := m.opts.Runtime.Execute(m.jobsCtx, runtime.ExecSpec{
		Agent:            job.Agent,
		Prompt:           job.Prompt,
		SessionID:        job.SessionID,
		WorkingDirectory: plan.agent.WorkingDirectory,
		Model:            plan.agent.Model,
		SystemPrompt:     plan.agent.SystemPrompt,
		PermissionMode:   plan.agent.PermissionMode,
		MaxTurns:         plan.agent.MaxTurns,
	})
	if err != nil {
		logger.Error("launching runtime", zap.Error(err))
		m.finalize(plan, rj, state.JobFailed, state.ExitError, err.Error(), logger)
		return
	}
	rj.setHandle(handle)

	sessionSaved := job.SessionID != ""
	for msg := range handle.Messages() {
		now := time.Now().UTC()
		if err := m.store.AppendOutput(job.ID, state.OutputRecord{
			Type:      msg.Type,
			Content:   msg.Content,
			Timestamp: now,
		}); err != nil {
			logger.Warn("appending job output", zap.Error(err))
		}
		m.bus.Emit(events.TypeJobOutput, events.JobOutput{
			JobID:   job.ID,
			Agent:   job.Agent,
			Type:    msg.Type,
			Content: msg.Content,
			At:      now,
		})

		if !sessionSaved {
			if sid := handle.SessionID(); sid != "" {
				sessionSaved = true
				m.recordSession(job.ID, job.Agent, sid, logger)
			}
		}
	}

	waitErr := handle.Wait()
	if !sessionSaved {
		if sid := handle.SessionID(); sid != "" {
			m.recordSession(job.ID, job.Agent, sid, logger)
		}
	}

	cancelled, _ := rj.cancelState()
	switch {
	case cancelled || m.jobsCtx.Err() != nil:
		m.finalize(plan, rj, state.JobCancelled, state.ExitCancelled, "", logger)
	case waitErr == nil:
		m.finalize(plan, rj, state.JobCompleted, state.ExitSuccess, "", logger)
	default:
		m.finalize(plan, rj, state.JobFailed, state.ExitError, waitErr.Error(), logger)
	}
}

// recordSession stores the session id on the job record and bumps the
// per-agent session file.
func (m *Manager) recordSession(jobID, agent, sessionID string, logger *zap.Logger) {
	if _, err := m.store.UpdateJob(jobID, func(j *state.Job) error {
		j.SessionID = sessionID
		return nil
	}); err != nil {
		logger.Warn("recording session on job", zap.Error(err))
	}
	if err := m.store.TouchSession(agent, sessionID, time.Now().UTC()); err != nil {
		logger.Warn("recording session use", zap.Error(err))
	}
}

// finalize writes the terminal job record, restores agent and schedule
// state, emits the terminal events and releases the admission slot.
func (m *Manager) finalize(plan *jobPlan, rj *runningJob, status state.JobStatus, reason state.ExitReason, errMsg string, logger *zap.Logger) {
	job := plan.job
	now := time.Now().UTC()
	_, termination := rj.cancelState()

	if _, err := m.store.UpdateJob(job.ID, func(j *state.Job) error {
		j.Status = status
		j.ExitReason = reason
		j.FinishedAt = &now
		j.ErrorMessage = errMsg
		return nil
	}); err != nil {
		logger.Error("writing terminal job state", zap.Error(err))
	}

	if job.Schedule != "" && job.TriggerType == state.TriggerSchedule {
		if err := m.store.UpdateSchedule(job.Agent, job.Schedule, func(ss *state.ScheduleState) {
			if ss.Status == state.ScheduleRunning {
				ss.Status = state.ScheduleIdle
			}
			if status == state.JobFailed {
				ss.LastError = errMsg
			}
		}); err != nil {
			logger.Error("restoring schedule state", zap.Error(err))
		}
	}

	// Other jobs of the same agent may still be live; the agent only drops
	// out of running when the last one ends.
	m.mu.Lock()
	liveJob := ""
	for id, other := range m.jobs {
		if id != job.ID && other.job.Agent == job.Agent {
			liveJob = id
			break
		}
	}
	m.mu.Unlock()

	if err := m.store.UpdateAgent(job.Agent, func(as *state.AgentState) {
		as.LastJob = job.ID
		if liveJob != "" {
			as.Status = state.AgentRunning
			if as.CurrentJob == job.ID || as.CurrentJob == "" {
				as.CurrentJob = liveJob
			}
			if status == state.JobFailed {
				as.ErrorMessage = errMsg
			}
			return
		}
		as.CurrentJob = ""
		if status == state.JobFailed {
			as.Status = state.AgentError
			as.ErrorMessage = errMsg
		} else {
			as.Status = state.AgentIdle
		}
	}); err != nil {
		logger.Error("restoring agent state", zap.Error(err))
	}

	duration := now.Sub(job.StartedAt)
	payload := events.JobFinished{
		JobID:           job.ID,
		Agent:           job.Agent,
		Schedule:        job.Schedule,
		Status:          string(status),
		ExitReason:      string(reason),
		Error:           errMsg,
		Duration:        duration,
		TerminationType: termination,
	}

	m.bus.Emit(events.TypeAgentStopped, events.AgentStateChange{Agent: job.Agent, JobID: job.ID})
	switch status {
	case state.JobCompleted:
		m.bus.Emit(events.TypeJobCompleted, payload)
	case state.JobFailed:
		m.bus.Emit(events.TypeJobFailed, payload)
	case state.JobCancelled:
		m.bus.Emit(events.TypeJobCancelled, payload)
	}
	if job.TriggerType == state.TriggerSchedule {
		if status == state.JobCompleted {
			m.bus.Emit(events.TypeLegacyScheduleComplete, payload)
		} else {
			m.bus.Emit(events.TypeLegacyScheduleError, payload)
		}
	}

	m.metrics.JobFinished(job.Agent, string(status), duration)
	logger.Info("job finished",
		zap.String("status", string(status)),
		zap.Duration("duration", duration),
	)

	m.mu.Lock()
	delete(m.jobs, job.ID)
	m.mu.Unlock()
	close(rj.done)

	m.queue.MarkCompleted(job.Agent)
	m.metrics.SetQueueDepth(job.Agent, m.queue.Depth(job.Agent))
}
