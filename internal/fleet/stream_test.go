package fleet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/herdctl/herdctl/internal/runtime"
)

func collect(t *testing.T, ch <-chan LogEntry, timeout time.Duration) []LogEntry {
	t.Helper()
	var out []LogEntry
	deadline := time.After(timeout)
	for {
		select {
		case entry, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, entry)
		case <-deadline:
			t.Fatalf("stream did not close; got %d entries", len(out))
		}
	}
}

func TestStreamJobOutput(t *testing.T) {
	fake := runtime.NewFake(runtime.Behavior{
		Messages: []runtime.Message{
			{Type: runtime.MessageSystem, Content: "session ready"},
			{Type: runtime.MessageAssistant, Content: "patrol complete"},
		},
	})
	m := newTestManager(t, workerConfig, fake)
	startFleet(t, m)

	res, err := m.Trigger("worker", "", nil)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitTerminal(t, m, res.JobID)

	ch, err := m.StreamJobOutput(context.Background(), res.JobID, StreamOptions{})
	if err != nil {
		t.Fatalf("StreamJobOutput: %v", err)
	}
	entries := collect(t, ch, 2*time.Second)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Message != "session ready" || entries[1].Message != "patrol complete" {
		t.Errorf("entries = %+v", entries)
	}
	for _, e := range entries {
		if e.Source != "job" || e.JobID != res.JobID || e.Agent != "worker" {
			t.Errorf("entry = %+v", e)
		}
	}
}

func TestStreamJobOutputUnknownJob(t *testing.T) {
	m := newTestManager(t, workerConfig, runtime.NewFake())
	startFleet(t, m)

	_, err := m.StreamJobOutput(context.Background(), "job-2026-01-01-zzzzzzzz", StreamOptions{})
	var nfe *NotFoundError
	if !errors.As(err, &nfe) || nfe.Kind != "job" {
		t.Fatalf("err = %v, want job NotFoundError", err)
	}
}

func TestStreamJobOutputTailsLiveJob(t *testing.T) {
	fake := runtime.NewFake(runtime.Behavior{
		Messages: []runtime.Message{
			{Type: runtime.MessageAssistant, Content: "first"},
			{Type: runtime.MessageAssistant, Content: "second"},
		},
		Delay: 30 * time.Millisecond,
	})
	m := newTestManager(t, workerConfig, fake)
	startFleet(t, m)

	res, err := m.Trigger("worker", "", nil)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	// The stream opens while the job is (likely) still running; replay plus
	// tail must still deliver every record exactly once and then close.
	ch, err := m.StreamJobOutput(context.Background(), res.JobID, StreamOptions{})
	if err != nil {
		t.Fatalf("StreamJobOutput: %v", err)
	}
	entries := collect(t, ch, 5*time.Second)
	if len(entries) != 2 || entries[0].Message != "first" || entries[1].Message != "second" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestStreamAgentLogsFilters(t *testing.T) {
	fake := runtime.NewFake(
		runtime.Behavior{Messages: []runtime.Message{{Type: runtime.MessageAssistant, Content: "from alpha"}}},
		runtime.Behavior{Messages: []runtime.Message{{Type: runtime.MessageAssistant, Content: "from beta"}}},
	)
	m := newTestManager(t, `
agents:
  - name: alpha
    prompt: a
  - name: beta
    prompt: b
`, fake)
	startFleet(t, m)

	a, err := m.Trigger("alpha", "", nil)
	if err != nil {
		t.Fatalf("Trigger alpha: %v", err)
	}
	waitTerminal(t, m, a.JobID)
	b, err := m.Trigger("beta", "", nil)
	if err != nil {
		t.Fatalf("Trigger beta: %v", err)
	}
	waitTerminal(t, m, b.JobID)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := m.StreamAgentLogs(ctx, "beta", StreamOptions{})
	if err != nil {
		t.Fatalf("StreamAgentLogs: %v", err)
	}

	var replay []LogEntry
	select {
	case entry := <-ch:
		replay = append(replay, entry)
	case <-time.After(2 * time.Second):
		t.Fatal("no replay entry")
	}
	cancel()
	replay = append(replay, collect(t, ch, 2*time.Second)...)

	if len(replay) == 0 {
		t.Fatal("no entries streamed")
	}
	for _, e := range replay {
		if e.Agent != "beta" {
			t.Errorf("entry for wrong agent: %+v", e)
		}
	}

	if _, err := m.StreamAgentLogs(context.Background(), "nobody", StreamOptions{}); err == nil {
		t.Errorf("streaming unknown agent succeeded")
	}
}

func TestLevelFilter(t *testing.T) {
	for _, tc := range []struct {
		level, min string
		want       bool
	}{
		{"debug", "", true},
		{"debug", "info", false},
		{"info", "info", true},
		{"warn", "info", true},
		{"error", "warn", true},
		{"info", "error", false},
	} {
		if got := levelAtLeast(tc.level, tc.min); got != tc.want {
			t.Errorf("levelAtLeast(%q, %q) = %v, want %v", tc.level, tc.min, got, tc.want)
		}
	}
}
