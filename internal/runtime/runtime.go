// Package runtime defines the contract to the agent runtime: execute a
// prompt, stream back messages, stop on request. The fleet core treats the
// runtime opaquely; this package ships a subprocess implementation and a
// configurable fake for tests.
package runtime

import "context"

// Message types, mirrored into job output records.
const (
	MessageSystem    = "system"
	MessageAssistant = "assistant"
	MessageUser      = "user"
	MessageTool      = "tool"
	MessageError     = "error"
)

// Message is one unit of runtime output.
type Message struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// ExecSpec describes one execution request.
type ExecSpec struct {
	Agent            string
	Prompt           string
	SessionID        string // resume an existing session when set
	WorkingDirectory string
	Model            string
	SystemPrompt     string
	PermissionMode   string
	MaxTurns         int
}

// Runtime executes prompts.
type Runtime interface {
	Execute(ctx context.Context, spec ExecSpec) (Handle, error)
}

// Handle is one in-flight execution.
type Handle interface {
	// Messages streams runtime output in production order. Closed when the
	// run ends.
	Messages() <-chan Message
	// Stop requests graceful termination and waits for the run to end or
	// the context to expire.
	Stop(ctx context.Context) error
	// Kill terminates the run forcefully.
	Kill() error
	// Wait blocks until the run ends; nil means success.
	Wait() error
	// SessionID returns the session established by the runtime. Empty until
	// the runtime reports one.
	SessionID() string
}
