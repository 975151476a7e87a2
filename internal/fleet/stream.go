package fleet

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/events"
	"github.com/herdctl/herdctl/internal/state"
)

// DefaultHistoryLimit bounds how many persisted output records a stream
// replays before tailing live events.
const DefaultHistoryLimit = 1000

// LogEntry is one element of a log stream.
type LogEntry struct {
	Timestamp time.Time
	Level     string // debug, info, warn, error
	Source    string // job, schedule, fleet
	Agent     string
	JobID     string
	Schedule  string
	Message   string
	Data      map[string]any
}

// StreamOptions filters a log stream.
type StreamOptions struct {
	// HistoryLimit caps replayed records; 0 means DefaultHistoryLimit.
	HistoryLimit int
	// MinLevel drops entries below the given level.
	MinLevel string
	// Agent restricts the stream to one agent.
	Agent string
	// BufferSize is the channel capacity; entries are dropped, not
	// blocked on, when the caller falls behind. 0 means 256.
	BufferSize int
}

var levelRank = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

func levelAtLeast(level, min string) bool {
	if min == "" {
		return true
	}
	return levelRank[level] >= levelRank[min]
}

// StreamJobOutput replays a job's persisted output and, for a live job,
// tails its events until the job reaches a terminal status. The returned
// channel closes when the stream ends.
func (m *Manager) StreamJobOutput(ctx context.Context, jobID string, opts StreamOptions) (<-chan LogEntry, error) {
	if err := m.requireStore("streamJobOutput"); err != nil {
		return nil, err
	}
	job, err := m.store.GetJob(jobID)
	if err != nil {
		if errors.Is(err, state.ErrJobNotFound) {
			return nil, &NotFoundError{Kind: "job", Name: jobID}
		}
		return nil, err
	}

	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	records, err := m.store.ReadOutput(jobID, limit)
	if err != nil {
		return nil, err
	}

	out := newStreamChan(opts)
	go func() {
		defer close(out.ch)
		for _, rec := range records {
			out.send(ctx, LogEntry{
				Timestamp: rec.Timestamp,
				Level:     outputLevel(rec.Type),
				Source:    "job",
				Agent:     job.Agent,
				JobID:     jobID,
				Schedule:  job.Schedule,
				Message:   rec.Content,
			}, opts)
		}
		if job.Status.Terminal() {
			return
		}
		m.tailJob(ctx, jobID, out, opts)
	}()
	return out.ch, nil
}

// tailJob forwards live events for one job until it terminates.
func (m *Manager) tailJob(ctx context.Context, jobID string, out *streamChan, opts StreamOptions) {
	terminal := make(chan struct{})
	var cancels []func()
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	cancels = append(cancels, m.bus.Subscribe(events.TypeJobOutput, func(ev events.Event) {
		p, ok := ev.Payload.(events.JobOutput)
		if !ok || p.JobID != jobID {
			return
		}
		out.send(ctx, LogEntry{
			Timestamp: p.At,
			Level:     outputLevel(p.Type),
			Source:    "job",
			Agent:     p.Agent,
			JobID:     p.JobID,
			Message:   p.Content,
		}, opts)
	}))

	for _, t := range []events.Type{events.TypeJobCompleted, events.TypeJobFailed, events.TypeJobCancelled} {
		cancels = append(cancels, m.bus.Subscribe(t, func(ev events.Event) {
			if p, ok := ev.Payload.(events.JobFinished); ok && p.JobID == jobID {
				select {
				case <-terminal:
				default:
					close(terminal)
				}
			}
		}))
	}

	// The job may have terminated between the snapshot and the
	// subscriptions.
	if job, err := m.store.GetJob(jobID); err == nil && job.Status.Terminal() {
		return
	}

	select {
	case <-ctx.Done():
	case <-terminal:
	}
}

// StreamLogs replays recent persisted job output matching the filter and
// then tails the fleet's live events as log entries.
func (m *Manager) StreamLogs(ctx context.Context, opts StreamOptions) (<-chan LogEntry, error) {
	if err := m.requireStore("streamLogs"); err != nil {
		return nil, err
	}
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	replay, err := m.replayEntries(opts.Agent, limit)
	if err != nil {
		return nil, err
	}

	out := newStreamChan(opts)
	go func() {
		defer close(out.ch)
		for _, entry := range replay {
			out.send(ctx, entry, opts)
		}

		cancel := m.bus.SubscribeAll(func(ev events.Event) {
			if entry, ok := entryFromEvent(ev); ok {
				if opts.Agent != "" && entry.Agent != opts.Agent {
					return
				}
				out.send(ctx, entry, opts)
			}
		})
		defer cancel()
		<-ctx.Done()
	}()
	return out.ch, nil
}

// StreamAgentLogs streams one agent's history and live events.
func (m *Manager) StreamAgentLogs(ctx context.Context, agent string, opts StreamOptions) (<-chan LogEntry, error) {
	cfg := m.cfg.Load()
	if cfg == nil {
		return nil, &InvalidStateError{Op: "streamAgentLogs", State: m.State(),
			Allowed: []State{StateInitialized, StateRunning, StateStopping, StateStopped}}
	}
	if _, ok := cfg.Agent(agent); !ok {
		return nil, &NotFoundError{Kind: "agent", Name: agent}
	}
	opts.Agent = agent
	return m.StreamLogs(ctx, opts)
}

// replayEntries returns the newest persisted output entries, oldest first.
func (m *Manager) replayEntries(agent string, limit int) ([]LogEntry, error) {
	var jobs []*state.Job
	var err error
	if agent != "" {
		jobs, err = m.store.ListAgentJobs(agent)
	} else {
		jobs, err = m.store.ListJobs()
	}
	if err != nil {
		return nil, err
	}

	var entries []LogEntry
	for i := len(jobs) - 1; i >= 0 && len(entries) < limit; i-- {
		job := jobs[i]
		records, err := m.store.ReadOutput(job.ID, 0)
		if err != nil {
			m.logger.Warn("replaying job output", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		for j := len(records) - 1; j >= 0 && len(entries) < limit; j-- {
			rec := records[j]
			entries = append(entries, LogEntry{
				Timestamp: rec.Timestamp,
				Level:     outputLevel(rec.Type),
				Source:    "job",
				Agent:     job.Agent,
				JobID:     job.ID,
				Schedule:  job.Schedule,
				Message:   rec.Content,
			})
		}
	}
	// Collected newest-first; deliver oldest-first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func outputLevel(recordType string) string {
	if recordType == "error" {
		return "error"
	}
	return "info"
}

// entryFromEvent maps a bus event to a log entry.
func entryFromEvent(ev events.Event) (LogEntry, bool) {
	switch p := ev.Payload.(type) {
	case events.JobOutput:
		return LogEntry{
			Timestamp: p.At,
			Level:     outputLevel(p.Type),
			Source:    "job",
			Agent:     p.Agent,
			JobID:     p.JobID,
			Message:   p.Content,
		}, true
	case events.JobCreated:
		return LogEntry{
			Timestamp: ev.Time,
			Level:     "info",
			Source:    "job",
			Agent:     p.Agent,
			JobID:     p.JobID,
			Schedule:  p.Schedule,
			Message:   "job created",
			Data:      map[string]any{"trigger_type": p.TriggerType},
		}, true
	case events.JobFinished:
		// Legacy mirrors duplicate their modern counterparts.
		if ev.Type == events.TypeLegacyScheduleComplete || ev.Type == events.TypeLegacyScheduleError {
			return LogEntry{}, false
		}
		level := "info"
		switch ev.Type {
		case events.TypeJobFailed:
			level = "error"
		case events.TypeJobCancelled:
			level = "warn"
		}
		entry := LogEntry{
			Timestamp: ev.Time,
			Level:     level,
			Source:    "job",
			Agent:     p.Agent,
			JobID:     p.JobID,
			Schedule:  p.Schedule,
			Message:   "job " + p.Status,
		}
		if p.Error != "" {
			entry.Data = map[string]any{"error": p.Error}
		}
		return entry, true
	case events.ScheduleTriggered:
		if ev.Type == events.TypeLegacyScheduleTrigger {
			return LogEntry{}, false
		}
		return LogEntry{
			Timestamp: ev.Time,
			Level:     "info",
			Source:    "schedule",
			Agent:     p.Agent,
			JobID:     p.JobID,
			Schedule:  p.Schedule,
			Message:   "schedule triggered",
		}, true
	case events.ScheduleSkipped:
		return LogEntry{
			Timestamp: ev.Time,
			Level:     "warn",
			Source:    "schedule",
			Agent:     p.Agent,
			Schedule:  p.Schedule,
			Message:   "schedule skipped",
			Data:      map[string]any{"reason": p.Reason},
		}, true
	case events.ConfigReloaded:
		return LogEntry{
			Timestamp: ev.Time,
			Level:     "info",
			Source:    "fleet",
			Message:   "configuration reloaded: " + p.Summary,
		}, true
	case events.FleetError:
		return LogEntry{
			Timestamp: ev.Time,
			Level:     "error",
			Source:    "fleet",
			Message:   p.Err.Error(),
			Data:      map[string]any{"op": p.Op},
		}, true
	default:
		return LogEntry{}, false
	}
}

// streamChan wraps the delivery channel with the overflow policy: when the
// caller falls behind, new entries are dropped rather than blocking the
// emitter.
type streamChan struct {
	ch chan LogEntry
}

func newStreamChan(opts StreamOptions) *streamChan {
	size := opts.BufferSize
	if size <= 0 {
		size = 256
	}
	return &streamChan{ch: make(chan LogEntry, size)}
}

func (s *streamChan) send(ctx context.Context, entry LogEntry, opts StreamOptions) {
	if !levelAtLeast(entry.Level, opts.MinLevel) {
		return
	}
	select {
	case s.ch <- entry:
	case <-ctx.Done():
	default:
	}
}
