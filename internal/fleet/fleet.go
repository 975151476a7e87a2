// Package fleet hosts the supervisor: the public API, the lifecycle state
// machine, and the executors that drive the agent runtime.
package fleet

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/herdctl/herdctl/internal/config"
	"github.com/herdctl/herdctl/internal/events"
	"github.com/herdctl/herdctl/internal/metrics"
	"github.com/herdctl/herdctl/internal/queue"
	"github.com/herdctl/herdctl/internal/runtime"
	"github.com/herdctl/herdctl/internal/scheduler"
	"github.com/herdctl/herdctl/internal/state"
)

// State is the lifecycle state of the manager.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized   State = "initialized"
	StateStarting      State = "starting"
	StateRunning       State = "running"
	StateStopping      State = "stopping"
	StateStopped       State = "stopped"
	StateError         State = "error"
)

// DefaultStopTimeout bounds how long Stop waits for running jobs.
const DefaultStopTimeout = 30 * time.Second

// DefaultCancelTimeout is the grace period before a cancel escalates to
// forced termination.
const DefaultCancelTimeout = 10 * time.Second

// Options configures a Manager.
type Options struct {
	ConfigPath string
	StateDir   string
	Runtime    runtime.Runtime
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	// CheckInterval is the scheduler tick period.
	CheckInterval time.Duration
}

// Manager is the fleet supervisor.
type Manager struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
	bus     *events.Bus

	cfg atomic.Pointer[config.Config]

	mu      sync.Mutex
	state   State
	lastErr error
	store   *state.Store
	queue   *queue.Controller
	sched   *scheduler.Scheduler

	schedCancel context.CancelFunc
	schedDone   chan struct{}

	jobsCtx    context.Context
	jobsCancel context.CancelFunc

	jobs  map[string]*runningJob
	plans map[string]*jobPlan
}

// New creates an uninitialized manager.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Manager{
		opts:    opts,
		logger:  logger,
		metrics: m,
		bus:     events.NewBus(logger),
		state:   StateUninitialized,
		jobs:    make(map[string]*runningJob),
		plans:   make(map[string]*jobPlan),
	}
}

// Bus returns the fleet event bus.
func (m *Manager) Bus() *events.Bus { return m.bus }

// Subscribe registers a handler for one event type.
func (m *Manager) Subscribe(t events.Type, h events.Handler) (cancel func()) {
	return m.bus.Subscribe(t, h)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Config returns the active configuration snapshot.
func (m *Manager) Config() *config.Config { return m.cfg.Load() }

func (m *Manager) requireState(op string, allowed ...State) error {
	for _, s := range allowed {
		if m.state == s {
			return nil
		}
	}
	return &InvalidStateError{Op: op, State: m.state, Allowed: allowed}
}

// requireStore guards entry points that read durable state before
// Initialize has opened the store.
func (m *Manager) requireStore(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return &InvalidStateError{Op: op, State: m.state,
			Allowed: []State{StateInitialized, StateRunning, StateStopping, StateStopped}}
	}
	return nil
}

// toError moves the manager into the error state. Callers hold m.mu.
func (m *Manager) toErrorLocked(op string, err error) {
	m.state = StateError
	m.lastErr = err
	m.logger.Error("fleet entered error state", zap.String("op", op), zap.Error(err))
	go m.bus.Emit(events.TypeError, events.FleetError{Op: op, Err: err})
}

// ── Lifecycle ───────────────────────────────────────────────

// Initialize loads the configuration, prepares the state directory and
// constructs the scheduler and admission controller. On failure the manager
// stays in its prior state and the error is surfaced unchanged.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireState("initialize", StateUninitialized, StateStopped); err != nil {
		return err
	}

	cfg, err := config.Load(m.opts.ConfigPath)
	if err != nil {
		return err
	}
	store, err := state.Open(m.opts.StateDir, m.logger)
	if err != nil {
		return err
	}

	m.cfg.Store(cfg)
	m.store = store
	m.queue = queue.NewController(configLimits{m}, m.bus, m.logger)
	m.queue.SetDispatch(m.dispatchQueued)
	m.sched = scheduler.New(scheduler.Options{
		Logger:        m.logger,
		Bus:           m.bus,
		Store:         store,
		Queue:         m.queue,
		Config:        m.cfg.Load,
		Starter:       m,
		Metrics:       m.metrics,
		CheckInterval: m.opts.CheckInterval,
	})

	m.state = StateInitialized
	m.logger.Info("fleet initialized",
		zap.String("config", m.opts.ConfigPath),
		zap.String("state_dir", store.Dir()),
		zap.Int("agents", len(cfg.Agents)),
	)
	m.bus.Emit(events.TypeInitialized, nil)
	return nil
}

// Start spawns the scheduler loop and begins accepting triggers.
func (m *Manager) Start() error {
	m.mu.Lock()
	if err := m.requireState("start", StateInitialized); err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = StateStarting

	m.jobsCtx, m.jobsCancel = context.WithCancel(context.Background())
	schedCtx, cancel := context.WithCancel(context.Background())
	m.schedCancel = cancel
	m.schedDone = make(chan struct{})
	sched := m.sched
	m.mu.Unlock()

	now := time.Now().UTC()
	if err := m.store.UpdateFleet(func(fs *state.FleetState) {
		fs.Fleet.StartedAt = &now
		fs.Fleet.StoppedAt = nil
	}); err != nil {
		m.mu.Lock()
		m.toErrorLocked("start", err)
		m.mu.Unlock()
		return err
	}

	go func() {
		defer close(m.schedDone)
		sched.Run(schedCtx)
	}()

	m.mu.Lock()
	m.state = StateRunning
	m.mu.Unlock()

	m.logger.Info("fleet started")
	m.bus.Emit(events.TypeStarted, nil)
	return nil
}

// StopOptions controls shutdown behaviour.
type StopOptions struct {
	// Timeout bounds the wait for running jobs. Zero means do not wait.
	Timeout time.Duration
	// WaitForJobs waits for in-flight jobs before stopping.
	WaitForJobs bool
	// CancelOnTimeout cancels the stragglers instead of failing when the
	// wait expires.
	CancelOnTimeout bool
	// CancelTimeout is the per-job grace period when cancelling.
	CancelTimeout time.Duration
}

// Stop ceases triggering, drains or cancels in-flight jobs, persists the
// final fleet state and emits stopped. Idempotent once stopping has begun.
func (m *Manager) Stop(opts StopOptions) error {
	m.mu.Lock()
	if m.state == StateStopping || m.state == StateStopped {
		m.mu.Unlock()
		return nil
	}
	if err := m.requireState("stop", StateRunning, StateStarting); err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = StateStopping
	schedCancel, schedDone := m.schedCancel, m.schedDone
	m.mu.Unlock()

	schedCancel()
	<-schedDone

	if opts.WaitForJobs {
		if err := m.drainJobs(opts); err != nil {
			m.mu.Lock()
			m.toErrorLocked("stop", err)
			m.mu.Unlock()
			return err
		}
	} else {
		m.cancelAllJobs(opts.CancelTimeout)
	}

	m.mu.Lock()
	jobsCancel := m.jobsCancel
	m.mu.Unlock()
	if jobsCancel != nil {
		jobsCancel()
	}

	now := time.Now().UTC()
	if err := m.store.UpdateFleet(func(fs *state.FleetState) {
		fs.Fleet.StoppedAt = &now
	}); err != nil {
		m.logger.Error("persisting final fleet state", zap.Error(err))
	}

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()

	m.logger.Info("fleet stopped")
	m.bus.Emit(events.TypeStopped, nil)
	return nil
}

// drainJobs waits for every running job up to the stop timeout, then either
// cancels the stragglers or fails with a ShutdownError.
func (m *Manager) drainJobs(opts StopOptions) error {
	jobs := m.runningSnapshot()
	if len(jobs) == 0 {
		return nil
	}

	done := make(chan struct{})
	go func() {
		for _, rj := range jobs {
			<-rj.done
		}
		close(done)
	}()

	timeout := opts.Timeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
	}

	if !opts.CancelOnTimeout {
		var ids []string
		for _, rj := range m.runningSnapshot() {
			ids = append(ids, rj.job.ID)
		}
		return &ShutdownError{TimedOut: true, RunningJobs: ids}
	}

	m.cancelAllJobs(opts.CancelTimeout)
	return nil
}

// cancelAllJobs cancels every in-flight job in parallel and waits for the
// executors to finish.
func (m *Manager) cancelAllJobs(cancelTimeout time.Duration) {
	jobs := m.runningSnapshot()
	if len(jobs) == 0 {
		return
	}

	var g errgroup.Group
	for _, rj := range jobs {
		id := rj.job.ID
		g.Go(func() error {
			_, err := m.CancelJob(id, CancelOptions{Timeout: cancelTimeout})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		for _, e := range multierr.Errors(err) {
			m.logger.Warn("cancelling job during shutdown", zap.Error(e))
		}
	}
}

func (m *Manager) runningSnapshot() []*runningJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*runningJob, 0, len(m.jobs))
	for _, rj := range m.jobs {
		out = append(out, rj)
	}
	return out
}

// Reload loads and validates a new configuration. On failure the previous
// configuration stays active and the original error is returned. In-flight
// jobs keep the configuration they were created with.
func (m *Manager) Reload() error {
	m.mu.Lock()
	if err := m.requireState("reload", StateInitialized, StateStarting, StateRunning); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	newCfg, err := config.Load(m.opts.ConfigPath)
	if err != nil {
		m.logger.Warn("reload rejected, keeping previous config", zap.Error(err))
		return err
	}

	old := m.cfg.Swap(newCfg)
	diff := config.DiffConfigs(old, newCfg)

	m.logger.Info("config reloaded", zap.String("summary", diff.Summary()))
	m.bus.Emit(events.TypeConfigReloaded, events.ConfigReloaded{
		AddedAgents:       diff.AddedAgents,
		RemovedAgents:     diff.RemovedAgents,
		ModifiedAgents:    diff.ModifiedAgents,
		AddedSchedules:    diff.AddedSchedules,
		RemovedSchedules:  diff.RemovedSchedules,
		ModifiedSchedules: diff.ModifiedSchedules,
		Summary:           diff.Summary(),
	})
	return nil
}

// LastError returns the error that moved the manager into the error state.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// ── Admission limits ────────────────────────────────────────

// configLimits adapts the active config snapshot to the admission
// controller.
type configLimits struct{ m *Manager }

func (l configLimits) AgentLimit(agent string) int {
	if a, ok := l.m.cfg.Load().Agent(agent); ok {
		return a.MaxConcurrent()
	}
	return 1
}

func (l configLimits) FleetLimit() int {
	return l.m.cfg.Load().Fleet.Concurrency
}

// ── Status queries ──────────────────────────────────────────

// ScheduleInfo is a point-in-time view of one schedule.
type ScheduleInfo struct {
	Name      string
	Type      config.ScheduleKind
	Status    state.ScheduleStatus
	LastRunAt *time.Time
	NextRunAt *time.Time
	LastError string
}

// AgentInfo is a point-in-time view of one agent.
type AgentInfo struct {
	Name          string
	Description   string
	Status        state.AgentStatus
	CurrentJob    string
	LastJob       string
	MaxConcurrent int
	Running       int
	QueueDepth    int
	Schedules     []ScheduleInfo
}

// FleetStatus is a point-in-time view of the whole fleet. Consistent within
// one call, not transactionally coupled to in-flight mutations.
type FleetStatus struct {
	State        State
	StartedAt    *time.Time
	StoppedAt    *time.Time
	TotalRunning int
	Agents       []AgentInfo
}

// Status returns a snapshot of the fleet.
func (m *Manager) Status() (*FleetStatus, error) {
	cfg := m.cfg.Load()
	if cfg == nil {
		return nil, &InvalidStateError{Op: "status", State: m.State(),
			Allowed: []State{StateInitialized, StateRunning, StateStopping, StateStopped}}
	}
	fleetState, err := m.store.FleetState()
	if err != nil {
		return nil, err
	}

	status := &FleetStatus{
		State:        m.State(),
		StartedAt:    fleetState.Fleet.StartedAt,
		StoppedAt:    fleetState.Fleet.StoppedAt,
		TotalRunning: m.queue.TotalRunning(),
	}
	for _, name := range cfg.AgentNames() {
		status.Agents = append(status.Agents, m.agentInfo(cfg, fleetState, name))
	}
	return status, nil
}

// AgentInfo returns a snapshot of one agent.
func (m *Manager) AgentInfo(name string) (*AgentInfo, error) {
	cfg := m.cfg.Load()
	if cfg == nil {
		return nil, &InvalidStateError{Op: "agentInfo", State: m.State(),
			Allowed: []State{StateInitialized, StateRunning, StateStopping, StateStopped}}
	}
	if _, ok := cfg.Agent(name); !ok {
		return nil, &NotFoundError{Kind: "agent", Name: name}
	}
	fleetState, err := m.store.FleetState()
	if err != nil {
		return nil, err
	}
	info := m.agentInfo(cfg, fleetState, name)
	return &info, nil
}

// Schedules returns snapshots of one agent's schedules.
func (m *Manager) Schedules(agent string) ([]ScheduleInfo, error) {
	info, err := m.AgentInfo(agent)
	if err != nil {
		return nil, err
	}
	return info.Schedules, nil
}

func (m *Manager) agentInfo(cfg *config.Config, fleetState *state.FleetState, name string) AgentInfo {
	agent, _ := cfg.Agent(name)
	info := AgentInfo{
		Name:          name,
		Description:   agent.Description,
		Status:        state.AgentIdle,
		MaxConcurrent: agent.MaxConcurrent(),
		Running:       m.queue.Running(name),
		QueueDepth:    m.queue.Depth(name),
	}
	as := fleetState.Agents[name]
	if as != nil {
		info.Status = as.Status
		info.CurrentJob = as.CurrentJob
		info.LastJob = as.LastJob
	}

	for schedName, sched := range agent.Schedules {
		si := ScheduleInfo{Name: schedName, Type: sched.Type, Status: state.ScheduleIdle}
		if as != nil {
			if ss := as.Schedules[schedName]; ss != nil {
				si.Status = ss.Status
				si.LastRunAt = ss.LastRunAt
				si.NextRunAt = ss.NextRunAt
				si.LastError = ss.LastError
			}
		}
		info.Schedules = append(info.Schedules, si)
	}
	sort.Slice(info.Schedules, func(i, j int) bool {
		return info.Schedules[i].Name < info.Schedules[j].Name
	})
	return info
}
