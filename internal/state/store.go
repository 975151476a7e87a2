// Package state is the durable state layer: the fleet state file, per-job
// metadata and output, and per-agent sessions, all under one state
// directory.
//
// Every state-file write is an atomic replace (sibling temp file, fsync,
// rename). Mutations to a given file are funnelled through a per-path mutex
// so concurrent callers observe sequential writes. The layer is not safe
// for multi-process access on the same directory.
package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// StateFileError is raised when a state file exists but cannot be parsed.
type StateFileError struct {
	Path string
	Err  error
}

func (e *StateFileError) Error() string {
	return fmt.Sprintf("malformed state file %s: %v", e.Path, e.Err)
}

func (e *StateFileError) Unwrap() error { return e.Err }

// ErrJobExists is returned by CreateJob for a duplicate id.
var ErrJobExists = errors.New("job already exists")

// ErrJobNotFound is returned when a job id has no metadata on disk.
var ErrJobNotFound = errors.New("job not found")

// ErrJobTerminal is returned by UpdateJob when a mutation attempts to
// change the status or exit reason of a job that already reached a
// terminal status.
var ErrJobTerminal = errors.New("job is in a terminal state")

// Store owns all files under one state directory.
type Store struct {
	dir    string
	logger *zap.Logger
	locks  sync.Map // path -> *sync.Mutex
}

// Open prepares the state directory: creates missing subdirectories,
// creates an empty state.yaml when absent, and validates it when present.
// Opening a fully populated directory changes no file contents.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve state dir: %w", err)
	}

	s := &Store{dir: filepath.Clean(abs), logger: logger}

	for _, sub := range []string{"", "jobs", "sessions", "logs"} {
		if err := os.MkdirAll(filepath.Join(s.dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	path := s.statePath()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		empty := &FleetState{Agents: map[string]*AgentState{}}
		if err := s.writeYAML(path, empty); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read state file: %w", err)
	default:
		var fsState FleetState
		if err := yaml.Unmarshal(data, &fsState); err != nil {
			return nil, &StateFileError{Path: path, Err: err}
		}
	}

	return s, nil
}

// Dir returns the absolute state directory path.
func (s *Store) Dir() string { return s.dir }

// ── Fleet state ─────────────────────────────────────────────

// FleetState reads a fresh copy of state.yaml.
func (s *Store) FleetState() (*FleetState, error) {
	unlock := s.lock(s.statePath())
	defer unlock()
	return s.readFleetStateLocked()
}

// UpdateFleet applies fn to the fleet state under the state-file lock and
// persists the result atomically.
func (s *Store) UpdateFleet(fn func(*FleetState)) error {
	unlock := s.lock(s.statePath())
	defer unlock()

	fsState, err := s.readFleetStateLocked()
	if err != nil {
		return err
	}
	fn(fsState)
	return s.writeYAML(s.statePath(), fsState)
}

// UpdateAgent applies fn to one agent's state, creating it when absent.
func (s *Store) UpdateAgent(agent string, fn func(*AgentState)) error {
	if err := validAgentName(agent); err != nil {
		return err
	}
	return s.UpdateFleet(func(fsState *FleetState) {
		as, ok := fsState.Agents[agent]
		if !ok {
			as = &AgentState{Status: AgentIdle, Schedules: map[string]*ScheduleState{}}
			fsState.Agents[agent] = as
		}
		if as.Schedules == nil {
			as.Schedules = map[string]*ScheduleState{}
		}
		fn(as)
	})
}

// UpdateSchedule applies fn to one schedule's state, creating it when
// absent.
func (s *Store) UpdateSchedule(agent, schedule string, fn func(*ScheduleState)) error {
	return s.UpdateAgent(agent, func(as *AgentState) {
		ss, ok := as.Schedules[schedule]
		if !ok {
			ss = &ScheduleState{Status: ScheduleIdle}
			as.Schedules[schedule] = ss
		}
		fn(ss)
	})
}

func (s *Store) readFleetStateLocked() (*FleetState, error) {
	path := s.statePath()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &FleetState{Agents: map[string]*AgentState{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var fsState FleetState
	if err := yaml.Unmarshal(data, &fsState); err != nil {
		return nil, &StateFileError{Path: path, Err: err}
	}
	if fsState.Agents == nil {
		fsState.Agents = map[string]*AgentState{}
	}
	return &fsState, nil
}

// ── Jobs ────────────────────────────────────────────────────

// CreateJob persists a new job record. The id must be unused.
func (s *Store) CreateJob(job *Job) error {
	path, err := s.jobMetadataPath(job.ID)
	if err != nil {
		return err
	}

	unlock := s.lock(path)
	defer unlock()

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	return s.writeYAML(path, job)
}

// GetJob reads one job record.
func (s *Store) GetJob(id string) (*Job, error) {
	path, err := s.jobMetadataPath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", id, err)
	}

	var job Job
	if err := yaml.Unmarshal(data, &job); err != nil {
		return nil, &StateFileError{Path: path, Err: err}
	}
	return &job, nil
}

// UpdateJob applies fn to a job record under its lock. Terminal status and
// exit reason are absorbing: an update that would change either on an
// already-terminal job fails with ErrJobTerminal and writes nothing.
func (s *Store) UpdateJob(id string, fn func(*Job) error) (*Job, error) {
	path, err := s.jobMetadataPath(id)
	if err != nil {
		return nil, err
	}

	unlock := s.lock(path)
	defer unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", id, err)
	}
	var job Job
	if err := yaml.Unmarshal(data, &job); err != nil {
		return nil, &StateFileError{Path: path, Err: err}
	}

	prevStatus, prevReason := job.Status, job.ExitReason
	if err := fn(&job); err != nil {
		return nil, err
	}
	if prevStatus.Terminal() && (job.Status != prevStatus || job.ExitReason != prevReason) {
		return nil, fmt.Errorf("%w: %s", ErrJobTerminal, id)
	}

	if err := s.writeYAML(path, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns all job records sorted by start time (oldest first).
// Unreadable entries are skipped with a warning.
func (s *Store) ListJobs() ([]*Job, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "jobs"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || !ValidJobID(entry.Name()) {
			continue
		}
		job, err := s.GetJob(entry.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable job record",
				zap.String("job_id", entry.Name()),
				zap.Error(err),
			)
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].StartedAt.Equal(jobs[j].StartedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].StartedAt.Before(jobs[j].StartedAt)
	})
	return jobs, nil
}

// ListAgentJobs returns all jobs for one agent, oldest first.
func (s *Store) ListAgentJobs(agent string) ([]*Job, error) {
	jobs, err := s.ListJobs()
	if err != nil {
		return nil, err
	}
	out := jobs[:0:0]
	for _, job := range jobs {
		if job.Agent == agent {
			out = append(out, job)
		}
	}
	return out, nil
}

// ── Sessions ────────────────────────────────────────────────

// SaveSession persists the session record for an agent.
func (s *Store) SaveSession(agent string, sess *Session) error {
	path, err := s.sessionPath(agent)
	if err != nil {
		return err
	}
	unlock := s.lock(path)
	defer unlock()
	return s.writeJSON(path, sess)
}

// LoadSession reads the session record for an agent; (nil, nil) when none
// exists.
func (s *Store) LoadSession(agent string) (*Session, error) {
	path, err := s.sessionPath(agent)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", agent, err)
	}

	var sess Session
	if err := unmarshalJSON(data, &sess); err != nil {
		return nil, &StateFileError{Path: path, Err: err}
	}
	return &sess, nil
}

// TouchSession records a session use: bumps job_count and last_used_at,
// creating the record if needed.
func (s *Store) TouchSession(agent, sessionID string, now time.Time) error {
	sess, err := s.LoadSession(agent)
	if err != nil {
		return err
	}
	if sess == nil || sess.SessionID != sessionID {
		sess = &Session{
			SessionID: sessionID,
			CreatedAt: now,
			Mode:      ModeAutonomous,
		}
	}
	sess.LastUsedAt = now
	sess.JobCount++
	return s.SaveSession(agent, sess)
}

// ── Locking and atomic writes ───────────────────────────────

func (s *Store) lock(path string) (unlock func()) {
	v, _ := s.locks.LoadOrStore(path, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Store) writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic writes to a sibling temp file, fsyncs it, then renames it
// into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
