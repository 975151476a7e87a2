package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxMessageLine bounds one stdout line from the agent process.
const maxMessageLine = 1 << 20

// Subprocess runs each execution as a child process of the configured
// command. The prompt goes to the child's stdin; the child writes
// line-delimited JSON messages on stdout. Stop maps to SIGTERM, Kill to
// SIGKILL.
type Subprocess struct {
	command string
	args    []string
	logger  *zap.Logger
}

// NewSubprocess creates a subprocess runtime around command.
func NewSubprocess(command string, args []string, logger *zap.Logger) *Subprocess {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subprocess{command: command, args: args, logger: logger}
}

// Execute launches one agent process. The execution parameters travel in the
// child's environment under HERDCTL_* names.
func (r *Subprocess) Execute(ctx context.Context, spec ExecSpec) (Handle, error) {
	cmd := exec.Command(r.command, r.args...)
	cmd.Dir = spec.WorkingDirectory
	cmd.Env = append(os.Environ(), specEnv(spec)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", r.command, err)
	}

	h := &subprocessHandle{
		cmd:        cmd,
		logger:     r.logger.With(zap.String("agent", spec.Agent)),
		messages:   make(chan Message, 64),
		done:       make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
	h.sessionID.Store(spec.SessionID)

	go func() {
		defer stdin.Close()
		if _, err := io.WriteString(stdin, spec.Prompt); err != nil {
			h.logger.Warn("writing prompt to agent process", zap.Error(err))
		}
	}()
	go func() {
		h.drainStderr(stderr)
		close(h.stderrDone)
	}()
	go h.run(ctx, stdout)

	return h, nil
}

func specEnv(spec ExecSpec) []string {
	env := []string{
		"HERDCTL_AGENT=" + spec.Agent,
		"HERDCTL_SESSION_ID=" + spec.SessionID,
		"HERDCTL_MODEL=" + spec.Model,
		"HERDCTL_PERMISSION_MODE=" + spec.PermissionMode,
		"HERDCTL_MAX_TURNS=" + strconv.Itoa(spec.MaxTurns),
	}
	if spec.SystemPrompt != "" {
		env = append(env, "HERDCTL_SYSTEM_PROMPT="+spec.SystemPrompt)
	}
	return env
}

type subprocessHandle struct {
	cmd      *exec.Cmd
	logger   *zap.Logger
	messages chan Message

	done       chan struct{}
	stderrDone chan struct{}
	waitErr    error

	sessionID syncValue
	killOnce  sync.Once
}

// syncValue is a tiny mutex-guarded string.
type syncValue struct {
	mu sync.Mutex
	v  string
}

func (s *syncValue) Store(v string) {
	s.mu.Lock()
	s.v = v
	s.mu.Unlock()
}

func (s *syncValue) Load() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v
}

func (h *subprocessHandle) Messages() <-chan Message { return h.messages }

func (h *subprocessHandle) SessionID() string { return h.sessionID.Load() }

// run reads messages until stdout closes, then reaps the process.
func (h *subprocessHandle) run(ctx context.Context, stdout io.Reader) {
	// A cancelled context force-kills; graceful stop goes through Stop.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = h.Kill()
		case <-watchDone:
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxMessageLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			h.logger.Warn("skipping malformed runtime message", zap.Error(err))
			continue
		}
		if msg.SessionID != "" {
			h.sessionID.Store(msg.SessionID)
		} else if h.sessionID.Load() == "" {
			// Runtimes that never report a session still get one so forks
			// have something to resume.
			h.sessionID.Store(uuid.NewString())
		}
		h.messages <- msg
	}
	if err := scanner.Err(); err != nil {
		h.logger.Warn("reading runtime output", zap.Error(err))
	}

	<-h.stderrDone
	h.waitErr = h.cmd.Wait()
	close(watchDone)
	close(h.messages)
	close(h.done)
}

func (h *subprocessHandle) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxMessageLine)
	for scanner.Scan() {
		h.logger.Debug("agent stderr", zap.String("line", scanner.Text()))
	}
}

// Stop sends SIGTERM and waits for exit or context expiry.
func (h *subprocessHandle) Stop(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal agent process: %w", err)
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill sends SIGKILL. Safe to call more than once.
func (h *subprocessHandle) Kill() error {
	var err error
	h.killOnce.Do(func() {
		select {
		case <-h.done:
		default:
			err = h.cmd.Process.Kill()
		}
	})
	return err
}

func (h *subprocessHandle) Wait() error {
	<-h.done
	return h.waitErr
}
