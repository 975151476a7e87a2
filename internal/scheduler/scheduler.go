// Package scheduler decides, on a fixed tick, which agent schedules are due
// and dispatches triggers through the admission controller.
package scheduler

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/config"
	"github.com/herdctl/herdctl/internal/cronx"
	"github.com/herdctl/herdctl/internal/events"
	"github.com/herdctl/herdctl/internal/metrics"
	"github.com/herdctl/herdctl/internal/queue"
	"github.com/herdctl/herdctl/internal/state"
)

// DefaultCheckInterval is how often the tick loop wakes.
const DefaultCheckInterval = time.Second

// SkipReasonScheduleRemoved is emitted when a reload removes a schedule
// between due-computation and dispatch. The trigger is dropped.
const SkipReasonScheduleRemoved = "schedule_removed"

// StartRequest asks the job starter to run one admitted scheduled trigger.
// The admission slot is already taken; the starter (or its failure path)
// owns releasing it.
type StartRequest struct {
	JobID    string
	Agent    string
	Schedule string
	Prompt   string
	At       time.Time
}

// JobStarter runs admitted scheduled jobs. Implemented by the fleet manager.
type JobStarter interface {
	StartScheduledJob(req StartRequest) error
}

// Scheduler owns the tick loop. Due-ness is persisted per schedule
// (last_run_at, next_run_at) so restarts never replay missed fires.
type Scheduler struct {
	logger  *zap.Logger
	bus     *events.Bus
	store   *state.Store
	queue   *queue.Controller
	config  func() *config.Config
	starter JobStarter
	metrics *metrics.Metrics

	checkInterval time.Duration
}

// Options configures a Scheduler.
type Options struct {
	Logger *zap.Logger
	Bus    *events.Bus
	Store  *state.Store
	Queue  *queue.Controller
	// Config returns the current configuration snapshot.
	Config  func() *config.Config
	Starter JobStarter
	Metrics *metrics.Metrics
	// CheckInterval defaults to DefaultCheckInterval.
	CheckInterval time.Duration
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := opts.CheckInterval
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	mets := opts.Metrics
	if mets == nil {
		mets = metrics.New()
	}
	return &Scheduler{
		logger:        logger,
		bus:           opts.Bus,
		store:         opts.Store,
		queue:         opts.Queue,
		config:        opts.Config,
		starter:       opts.Starter,
		metrics:       mets,
		checkInterval: interval,
	}
}

// Run ticks until ctx is cancelled. Tick errors are logged and the loop
// continues.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("check_interval", s.checkInterval))
	// Prime immediately: due schedules fire on start, fresh ones get their
	// next_run_at initialized without waiting a full check interval.
	s.Tick(time.Now())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Tick evaluates every schedule once against now.
func (s *Scheduler) Tick(now time.Time) {
	cfg := s.config()
	fleetState, err := s.store.FleetState()
	if err != nil {
		s.logger.Error("reading fleet state", zap.Error(err))
		return
	}

	for _, agentName := range cfg.AgentNames() {
		agent, _ := cfg.Agent(agentName)
		for _, scheduleName := range sortedSchedules(agent) {
			sched := agent.Schedules[scheduleName]
			if sched.Type != config.KindInterval && sched.Type != config.KindCron {
				continue
			}
			s.evaluate(now, agentName, scheduleName, sched, fleetState)
		}
	}
}

func (s *Scheduler) evaluate(now time.Time, agentName, scheduleName string, sched config.Schedule, fleetState *state.FleetState) {
	logger := s.logger.With(
		zap.String("agent", agentName),
		zap.String("schedule", scheduleName),
	)

	ss := scheduleState(fleetState, agentName, scheduleName)
	if ss != nil && ss.Status == state.ScheduleDisabled {
		return
	}

	if ss == nil || ss.NextRunAt == nil {
		next, err := s.nextAfter(sched, now)
		if err != nil {
			logger.Error("computing first schedule occurrence", zap.Error(err))
			return
		}
		if err := s.persistNext(agentName, scheduleName, nil, next); err != nil {
			logger.Error("persisting schedule state", zap.Error(err))
		}
		return
	}

	if now.Before(*ss.NextRunAt) {
		return
	}

	next, err := s.nextAfter(sched, now)
	if err != nil {
		logger.Error("computing next schedule occurrence", zap.Error(err))
		s.recordError(agentName, scheduleName, err)
		return
	}

	// A reload may have removed the schedule since the tick snapshot.
	if !s.stillConfigured(agentName, scheduleName) {
		s.metrics.ScheduleSkipped(SkipReasonScheduleRemoved)
		s.bus.Emit(events.TypeScheduleSkipped, events.ScheduleSkipped{
			Agent:    agentName,
			Schedule: scheduleName,
			Reason:   SkipReasonScheduleRemoved,
		})
		return
	}

	jobID := state.NewJobID(now)
	res, err := s.queue.Enqueue(queue.Request{
		JobID:     jobID,
		Agent:     agentName,
		Schedule:  scheduleName,
		Scheduled: true,
		QueuedAt:  now,
	})
	if err != nil {
		logger.Error("admission request failed", zap.Error(err))
		return
	}

	if !res.Admitted {
		// Scheduled triggers are lossy: roll forward, never queue.
		s.metrics.ScheduleSkipped(string(res.Refusal.Reason))
		s.bus.Emit(events.TypeScheduleSkipped, events.ScheduleSkipped{
			Agent:    agentName,
			Schedule: scheduleName,
			Reason:   string(res.Refusal.Reason),
		})
		if err := s.persistNext(agentName, scheduleName, nil, next); err != nil {
			logger.Error("persisting schedule state", zap.Error(err))
		}
		logger.Info("schedule skipped", zap.String("reason", string(res.Refusal.Reason)))
		return
	}

	fireAt := now
	if err := s.persistNext(agentName, scheduleName, &fireAt, next); err != nil {
		logger.Error("persisting schedule state", zap.Error(err))
	}

	prompt := sched.Prompt
	if prompt == "" {
		if agent, ok := s.config().Agent(agentName); ok {
			prompt = agent.Prompt
		}
	}

	if err := s.starter.StartScheduledJob(StartRequest{
		JobID:    jobID,
		Agent:    agentName,
		Schedule: scheduleName,
		Prompt:   prompt,
		At:       now,
	}); err != nil {
		logger.Error("starting scheduled job", zap.Error(err))
		s.queue.MarkCompleted(agentName)
		s.recordError(agentName, scheduleName, err)
		return
	}

	triggered := events.ScheduleTriggered{
		Agent:    agentName,
		Schedule: scheduleName,
		JobID:    jobID,
		At:       now,
		NextRun:  next,
	}
	s.bus.Emit(events.TypeScheduleTriggered, triggered)
	s.bus.Emit(events.TypeLegacyScheduleTrigger, triggered)
	logger.Info("schedule triggered",
		zap.String("job_id", jobID),
		zap.Time("next_run", next),
	)
}

// nextAfter computes the occurrence strictly after now. Interval schedules
// advance by their interval; cron schedules consult the expression. Missed
// fires are never replayed.
func (s *Scheduler) nextAfter(sched config.Schedule, now time.Time) (time.Time, error) {
	if sched.Type == config.KindInterval {
		return now.Add(sched.Interval.Std()), nil
	}
	return cronx.Next(sched.Expression, now)
}

func (s *Scheduler) stillConfigured(agentName, scheduleName string) bool {
	agent, ok := s.config().Agent(agentName)
	if !ok {
		return false
	}
	_, ok = agent.Schedules[scheduleName]
	return ok
}

func (s *Scheduler) persistNext(agentName, scheduleName string, firedAt *time.Time, next time.Time) error {
	return s.store.UpdateSchedule(agentName, scheduleName, func(ss *state.ScheduleState) {
		if firedAt != nil {
			ss.LastRunAt = firedAt
			ss.Status = state.ScheduleRunning
			ss.LastError = ""
		}
		ss.NextRunAt = &next
	})
}

// recordError stores the failure and returns a schedule marked running
// back to idle: there is no live job left to finish it.
func (s *Scheduler) recordError(agentName, scheduleName string, err error) {
	if storeErr := s.store.UpdateSchedule(agentName, scheduleName, func(ss *state.ScheduleState) {
		ss.LastError = err.Error()
		if ss.Status == state.ScheduleRunning {
			ss.Status = state.ScheduleIdle
		}
	}); storeErr != nil {
		s.logger.Error("recording schedule error", zap.Error(storeErr))
	}
}

func scheduleState(fleetState *state.FleetState, agent, schedule string) *state.ScheduleState {
	as, ok := fleetState.Agents[agent]
	if !ok {
		return nil
	}
	return as.Schedules[schedule]
}

func sortedSchedules(agent *config.Agent) []string {
	names := make([]string, 0, len(agent.Schedules))
	for name := range agent.Schedules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
