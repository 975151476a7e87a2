// Package queue implements job admission control: per-agent and fleet-wide
// running counters, and a priority FIFO of manual and fork triggers waiting
// for capacity.
package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/events"
)

// DefaultPriority is used when a request leaves priority unset.
const DefaultPriority = 5

// Reason explains why admission was denied.
type Reason string

const (
	ReasonAgentAtCapacity Reason = "agent_at_capacity"
	ReasonFleetAtCapacity Reason = "fleet_at_capacity"
)

// Limits supplies the current concurrency limits. The fleet manager backs
// this with its active config snapshot, so a reload takes effect on the next
// admission decision.
type Limits interface {
	// AgentLimit returns the agent's max concurrent jobs (at least 1).
	AgentLimit(agent string) int
	// FleetLimit returns the fleet-wide cap, or 0 for no cap.
	FleetLimit() int
}

// Capacity is the result of a capacity check.
type Capacity struct {
	CanRun         bool
	Reason         Reason
	CurrentRunning int
	Limit          int
}

// ConcurrencyLimitError is returned when a trigger is refused for capacity.
type ConcurrencyLimitError struct {
	Agent   string
	Current int
	Max     int
	Reason  Reason
}

func (e *ConcurrencyLimitError) Error() string {
	if e.Reason == ReasonFleetAtCapacity {
		return fmt.Sprintf("fleet at concurrency limit (%d/%d)", e.Current, e.Max)
	}
	return fmt.Sprintf("agent %q at concurrency limit (%d/%d)", e.Agent, e.Current, e.Max)
}

// Request asks for admission of one job.
type Request struct {
	JobID     string
	Agent     string
	Schedule  string
	Priority  int // 1 highest .. 10 lowest; 0 means DefaultPriority
	Prompt    string
	Scheduled bool
	QueuedAt  time.Time
}

// Result reports the admission decision. Exactly one of Admitted and Queued
// is set unless the request was refused outright, in which case Refusal
// carries the capacity that denied it.
type Result struct {
	Admitted bool
	Queued   bool
	Position int // 1-based, set when Queued
	Refusal  *Capacity
}

type entry struct {
	req Request
	seq uint64
}

// DispatchFunc receives a dequeued request that has been admitted. Called
// without internal locks held, in admission order.
type DispatchFunc func(Request)

// Controller owns the running-job counters and the per-agent wait queues.
// All mutation goes through its methods.
type Controller struct {
	limits Limits
	bus    *events.Bus
	logger *zap.Logger

	mu       sync.Mutex
	dispatch DispatchFunc
	running  map[string]int
	total    int
	waiting  map[string][]*entry
	seq      uint64
}

// NewController creates an admission controller.
func NewController(limits Limits, bus *events.Bus, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		limits:  limits,
		bus:     bus,
		logger:  logger,
		running: make(map[string]int),
		waiting: make(map[string][]*entry),
	}
}

// SetDispatch installs the callback that starts dequeued jobs.
func (c *Controller) SetDispatch(fn DispatchFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatch = fn
}

// CheckCapacity reports whether one more job for agent could run now.
func (c *Controller) CheckCapacity(agent string) Capacity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacityLocked(agent)
}

func (c *Controller) capacityLocked(agent string) Capacity {
	limit := c.limits.AgentLimit(agent)
	if c.running[agent] >= limit {
		return Capacity{Reason: ReasonAgentAtCapacity, CurrentRunning: c.running[agent], Limit: limit}
	}
	if fleet := c.limits.FleetLimit(); fleet > 0 && c.total >= fleet {
		return Capacity{Reason: ReasonFleetAtCapacity, CurrentRunning: c.total, Limit: fleet}
	}
	return Capacity{CanRun: true, CurrentRunning: c.running[agent], Limit: limit}
}

// Enqueue admits the request if capacity allows, queues it if it is a
// manual or fork trigger, and refuses it if it is scheduled. Scheduled
// triggers never queue.
func (c *Controller) Enqueue(req Request) (Result, error) {
	if req.Priority == 0 {
		req.Priority = DefaultPriority
	}
	if req.Priority < 1 || req.Priority > 10 {
		return Result{}, fmt.Errorf("priority %d out of range 1..10", req.Priority)
	}
	if req.QueuedAt.IsZero() {
		req.QueuedAt = time.Now().UTC()
	}

	c.mu.Lock()
	capacity := c.capacityLocked(req.Agent)
	if capacity.CanRun {
		c.running[req.Agent]++
		c.total++
		c.mu.Unlock()
		return Result{Admitted: true}, nil
	}
	if req.Scheduled {
		c.mu.Unlock()
		return Result{Refusal: &capacity}, nil
	}

	c.seq++
	e := &entry{req: req, seq: c.seq}
	pos := c.insertLocked(e)
	c.mu.Unlock()

	c.bus.Emit(events.TypeJobQueued, events.JobQueued{
		JobID:    req.JobID,
		Agent:    req.Agent,
		Priority: req.Priority,
		Position: pos,
	})
	return Result{Queued: true, Position: pos, Refusal: &capacity}, nil
}

// insertLocked places e in its agent's queue in priority-then-FIFO order and
// returns the 1-based position.
func (c *Controller) insertLocked(e *entry) int {
	q := c.waiting[e.req.Agent]
	i := sort.Search(len(q), func(i int) bool {
		if q[i].req.Priority != e.req.Priority {
			return q[i].req.Priority > e.req.Priority
		}
		return q[i].seq > e.seq
	})
	q = append(q, nil)
	copy(q[i+1:], q[i:])
	q[i] = e
	c.waiting[e.req.Agent] = q
	return i + 1
}

// TryAcquire takes a running slot for agent if capacity allows, returning
// a ConcurrencyLimitError otherwise. Used by manual triggers that do not
// opt in to queueing.
func (c *Controller) TryAcquire(agent string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	capacity := c.capacityLocked(agent)
	if !capacity.CanRun {
		return &ConcurrencyLimitError{
			Agent:   agent,
			Current: capacity.CurrentRunning,
			Max:     capacity.Limit,
			Reason:  capacity.Reason,
		}
	}
	c.running[agent]++
	c.total++
	return nil
}

// AcquireBypass unconditionally takes a running slot for agent. Used by
// triggers that bypass the concurrency limit; MarkCompleted must still be
// called when the job finishes.
func (c *Controller) AcquireBypass(agent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running[agent]++
	c.total++
}

// MarkCompleted releases agent's running slot, emits capacity:available and
// dequeues waiters that now fit. Waiters of the completing agent go first;
// a freed fleet slot then serves other agents' waiters oldest-first.
func (c *Controller) MarkCompleted(agent string) {
	c.mu.Lock()
	if c.running[agent] > 0 {
		c.running[agent]--
		c.total--
	} else {
		c.logger.Warn("markCompleted without a running job", zap.String("agent", agent))
	}
	slotsFree := c.limits.AgentLimit(agent) - c.running[agent]
	admitted := c.drainLocked(agent)
	c.mu.Unlock()

	c.bus.Emit(events.TypeCapacityAvailable, events.CapacityAvailable{
		Agent:     agent,
		SlotsFree: slotsFree,
	})

	dispatch := c.dispatchFn()
	for _, req := range admitted {
		if dispatch != nil {
			dispatch(req)
		} else {
			c.logger.Error("dequeued job has no dispatcher", zap.String("job_id", req.JobID))
		}
	}
}

func (c *Controller) dispatchFn() DispatchFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatch
}

// drainLocked admits as many waiters as current capacity allows, taking
// their running slots. preferred's queue is tried first.
func (c *Controller) drainLocked(preferred string) []Request {
	var admitted []Request
	for {
		e := c.nextWaiterLocked(preferred)
		if e == nil {
			return admitted
		}
		c.popLocked(e)
		c.running[e.req.Agent]++
		c.total++
		admitted = append(admitted, e.req)
	}
}

// nextWaiterLocked picks the next admissible waiter: the preferred agent's
// head when it fits, otherwise the oldest head across agents with capacity.
func (c *Controller) nextWaiterLocked(preferred string) *entry {
	if q := c.waiting[preferred]; len(q) > 0 && c.capacityLocked(preferred).CanRun {
		return q[0]
	}
	var best *entry
	for agent, q := range c.waiting {
		if len(q) == 0 || !c.capacityLocked(agent).CanRun {
			continue
		}
		if best == nil || q[0].seq < best.seq {
			best = q[0]
		}
	}
	return best
}

func (c *Controller) popLocked(e *entry) {
	q := c.waiting[e.req.Agent]
	for i, cand := range q {
		if cand == e {
			c.waiting[e.req.Agent] = append(q[:i:i], q[i+1:]...)
			return
		}
	}
}

// Remove drops a waiting request by job id. Returns false when the id is
// not queued (it may already be running).
func (c *Controller) Remove(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for agent, q := range c.waiting {
		for i, e := range q {
			if e.req.JobID == jobID {
				c.waiting[agent] = append(q[:i:i], q[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Running returns the running-job count for one agent.
func (c *Controller) Running(agent string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running[agent]
}

// TotalRunning returns the fleet-wide running-job count.
func (c *Controller) TotalRunning() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Depth returns the number of waiters for one agent.
func (c *Controller) Depth(agent string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiting[agent])
}

// Depths returns waiter counts for every agent with a non-empty queue.
func (c *Controller) Depths() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.waiting))
	for agent, q := range c.waiting {
		if len(q) > 0 {
			out[agent] = len(q)
		}
	}
	return out
}

// Waiting returns a snapshot of one agent's queue in dequeue order.
func (c *Controller) Waiting(agent string) []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.waiting[agent]
	out := make([]Request, len(q))
	for i, e := range q {
		out[i] = e.req
	}
	return out
}
