package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func collect(t *testing.T, h Handle) []Message {
	t.Helper()
	var out []Message
	for msg := range h.Messages() {
		out = append(out, msg)
	}
	return out
}

func TestSubprocessStreamsMessages(t *testing.T) {
	script := `printf '%s\n' ` +
		`'{"type":"system","content":"hello","session_id":"sess-42"}' ` +
		`'{"type":"assistant","content":"working"}' ` +
		`'not json' ` +
		`'{"type":"assistant","content":"done"}'`
	r := NewSubprocess("/bin/sh", []string{"-c", script}, zap.NewNop())

	h, err := r.Execute(context.Background(), ExecSpec{Agent: "scout", Prompt: "go"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	msgs := collect(t, h)
	if err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (malformed line skipped): %+v", len(msgs), msgs)
	}
	if msgs[0].Type != MessageSystem || msgs[0].Content != "hello" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if h.SessionID() != "sess-42" {
		t.Errorf("SessionID = %q, want sess-42", h.SessionID())
	}
}

func TestSubprocessReadsPromptFromStdin(t *testing.T) {
	script := `read line; printf '{"type":"assistant","content":"%s"}\n' "$line"`
	r := NewSubprocess("/bin/sh", []string{"-c", script}, zap.NewNop())

	h, err := r.Execute(context.Background(), ExecSpec{Agent: "scout", Prompt: "ping\n"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	msgs := collect(t, h)
	if err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "ping" {
		t.Errorf("messages = %+v, want echoed prompt", msgs)
	}
}

func TestSubprocessNonZeroExit(t *testing.T) {
	r := NewSubprocess("/bin/sh", []string{"-c", "exit 3"}, zap.NewNop())
	h, err := r.Execute(context.Background(), ExecSpec{Agent: "scout"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	collect(t, h)
	if err := h.Wait(); err == nil {
		t.Errorf("Wait = nil for non-zero exit")
	}
}

func TestSubprocessKill(t *testing.T) {
	r := NewSubprocess("/bin/sh", []string{"-c", "sleep 30"}, zap.NewNop())
	h, err := r.Execute(context.Background(), ExecSpec{Agent: "scout"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if err := h.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	collect(t, h)
	if err := h.Wait(); err == nil {
		t.Errorf("Wait = nil for killed process")
	}
}

func TestSubprocessStopTerminates(t *testing.T) {
	// The shell exits on SIGTERM by default.
	r := NewSubprocess("/bin/sh", []string{"-c", "sleep 30"}, zap.NewNop())
	h, err := r.Execute(context.Background(), ExecSpec{Agent: "scout"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	collect(t, h)
	h.Wait()
}

func TestFakeScriptAndSession(t *testing.T) {
	f := NewFake(Behavior{
		Messages:  []Message{{Type: MessageSystem, Content: "a"}, {Type: MessageAssistant, Content: "b"}},
		SessionID: "sess-1",
	})

	h, err := f.Execute(context.Background(), ExecSpec{Agent: "scout", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	msgs := collect(t, h)
	if err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Content != "b" {
		t.Errorf("messages = %+v", msgs)
	}
	if h.SessionID() != "sess-1" {
		t.Errorf("SessionID = %q", h.SessionID())
	}
	if execs := f.Executions(); len(execs) != 1 || execs[0].Prompt != "hi" {
		t.Errorf("Executions = %+v", execs)
	}
}

func TestFakeInheritsSessionFromSpec(t *testing.T) {
	f := NewFake(Behavior{})
	h, err := f.Execute(context.Background(), ExecSpec{Agent: "scout", SessionID: "sess-orig"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	collect(t, h)
	if h.SessionID() != "sess-orig" {
		t.Errorf("SessionID = %q, want inherited sess-orig", h.SessionID())
	}
}

func TestFakeFailure(t *testing.T) {
	wantErr := errors.New("model unavailable")
	f := NewFake(Behavior{Err: wantErr})
	h, _ := f.Execute(context.Background(), ExecSpec{Agent: "scout"})
	collect(t, h)
	if err := h.Wait(); !errors.Is(err, wantErr) {
		t.Errorf("Wait = %v, want %v", err, wantErr)
	}
}

func TestFakeBlockingStop(t *testing.T) {
	f := NewFake(Behavior{Block: true})
	h, _ := f.Execute(context.Background(), ExecSpec{Agent: "scout"})

	go func() {
		for range h.Messages() {
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.Wait(); err != nil {
		t.Errorf("Wait after graceful stop = %v", err)
	}
}

func TestFakeIgnoresStopUntilKilled(t *testing.T) {
	f := NewFake(Behavior{Block: true, IgnoreStop: true})
	h, _ := f.Execute(context.Background(), ExecSpec{Agent: "scout"})

	go func() {
		for range h.Messages() {
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop on stubborn run = %v, want deadline exceeded", err)
	}

	if err := h.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if err := h.Wait(); !errors.Is(err, ErrKilled) {
		t.Errorf("Wait = %v, want ErrKilled", err)
	}
}
