package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrKilled is the Wait result of a forcefully terminated fake run.
var ErrKilled = errors.New("run killed")

// Behavior scripts one fake execution.
type Behavior struct {
	// Messages are emitted in order before the run ends.
	Messages []Message
	// SessionID reported by the run; a fresh uuid when empty.
	SessionID string
	// Err is the Wait result after the script completes.
	Err error
	// Delay is applied before each message.
	Delay time.Duration
	// Block keeps the run alive after the script until Stop or Kill.
	Block bool
	// IgnoreStop makes Stop a no-op; only Kill ends a blocked run.
	IgnoreStop bool
}

// Fake is a scriptable in-memory runtime for tests. Behaviors apply in
// Execute order; the last one repeats.
type Fake struct {
	mu        sync.Mutex
	behaviors []Behavior
	execs     []ExecSpec
}

// NewFake creates a fake runtime that completes immediately with no output.
func NewFake(behaviors ...Behavior) *Fake {
	return &Fake{behaviors: behaviors}
}

// Add appends a behavior for the next execution.
func (f *Fake) Add(b Behavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviors = append(f.behaviors, b)
}

// Executions returns every spec passed to Execute so far.
func (f *Fake) Executions() []ExecSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ExecSpec, len(f.execs))
	copy(out, f.execs)
	return out
}

func (f *Fake) Execute(ctx context.Context, spec ExecSpec) (Handle, error) {
	f.mu.Lock()
	f.execs = append(f.execs, spec)
	var b Behavior
	if n := len(f.behaviors); n > 0 {
		b = f.behaviors[0]
		if n > 1 {
			f.behaviors = f.behaviors[1:]
		}
	}
	f.mu.Unlock()

	sessionID := b.SessionID
	if sessionID == "" {
		if spec.SessionID != "" {
			sessionID = spec.SessionID
		} else {
			sessionID = uuid.NewString()
		}
	}

	h := &fakeHandle{
		behavior:  b,
		sessionID: sessionID,
		messages:  make(chan Message),
		stop:      make(chan struct{}),
		kill:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go h.run(ctx)
	return h, nil
}

type fakeHandle struct {
	behavior  Behavior
	sessionID string
	messages  chan Message

	stopOnce sync.Once
	killOnce sync.Once
	stop     chan struct{}
	kill     chan struct{}

	done    chan struct{}
	waitErr error
}

func (h *fakeHandle) run(ctx context.Context) {
	defer func() {
		close(h.messages)
		close(h.done)
	}()

	ended := func() bool {
		select {
		case <-h.kill:
			h.waitErr = ErrKilled
			return true
		case <-ctx.Done():
			h.waitErr = ctx.Err()
			return true
		default:
			return false
		}
	}

	for _, msg := range h.behavior.Messages {
		if h.behavior.Delay > 0 {
			select {
			case <-time.After(h.behavior.Delay):
			case <-h.kill:
				h.waitErr = ErrKilled
				return
			case <-ctx.Done():
				h.waitErr = ctx.Err()
				return
			}
		}
		if ended() {
			return
		}
		select {
		case h.messages <- msg:
		case <-h.kill:
			h.waitErr = ErrKilled
			return
		case <-ctx.Done():
			h.waitErr = ctx.Err()
			return
		}
	}

	if h.behavior.Block {
		if h.behavior.IgnoreStop {
			select {
			case <-h.kill:
				h.waitErr = ErrKilled
			case <-ctx.Done():
				h.waitErr = ctx.Err()
			}
			return
		}
		select {
		case <-h.stop:
		case <-h.kill:
			h.waitErr = ErrKilled
		case <-ctx.Done():
			h.waitErr = ctx.Err()
		}
		return
	}

	h.waitErr = h.behavior.Err
}

func (h *fakeHandle) Messages() <-chan Message { return h.messages }

func (h *fakeHandle) SessionID() string { return h.sessionID }

func (h *fakeHandle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stop) })
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *fakeHandle) Kill() error {
	h.killOnce.Do(func() { close(h.kill) })
	return nil
}

func (h *fakeHandle) Wait() error {
	<-h.done
	return h.waitErr
}
