package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "herd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
fleet:
  concurrency: 4
agents:
  - name: scout
    description: watches the perimeter
    model: large
    working_directory: /srv/scout
    max_turns: 20
    prompt: report status
    instances:
      max_concurrent: 2
    schedules:
      heartbeat:
        type: interval
        interval: 5m
      nightly:
        type: cron
        expression: "@daily"
        prompt: nightly sweep
      hook:
        type: webhook
  - name: worker
    schedules: {}
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(cfg.Agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(cfg.Agents))
	}
	scout, ok := cfg.Agent("scout")
	if !ok {
		t.Fatal("agent scout not found")
	}
	if scout.MaxConcurrent() != 2 {
		t.Fatalf("expected max_concurrent 2, got %d", scout.MaxConcurrent())
	}
	if got := scout.Schedules["heartbeat"].Interval.Std(); got != 5*time.Minute {
		t.Fatalf("expected 5m interval, got %s", got)
	}
	if cfg.Fleet.Concurrency != 4 {
		t.Fatalf("expected fleet concurrency 4, got %d", cfg.Fleet.Concurrency)
	}

	worker, _ := cfg.Agent("worker")
	if worker.MaxConcurrent() != 1 {
		t.Fatalf("expected default max_concurrent 1, got %d", worker.MaxConcurrent())
	}
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name: "bad agent name",
			body: `
agents:
  - name: "-bad"
`,
			wantErr: "name must match",
		},
		{
			name: "duplicate agent",
			body: `
agents:
  - name: a
  - name: a
`,
			wantErr: "duplicate",
		},
		{
			name: "interval schedule without interval",
			body: `
agents:
  - name: a
    schedules:
      tick: {type: interval}
`,
			wantErr: "positive interval",
		},
		{
			name: "cron schedule without expression",
			body: `
agents:
  - name: a
    schedules:
      tick: {type: cron}
`,
			wantErr: "require an expression",
		},
		{
			name: "cron schedule with bad expression",
			body: `
agents:
  - name: a
    schedules:
      tick: {type: cron, expression: "61 * * * *"}
`,
			wantErr: "invalid cron expression",
		},
		{
			name: "webhook with time field",
			body: `
agents:
  - name: a
    schedules:
      hook: {type: webhook, interval: 5m}
`,
			wantErr: "carry no time field",
		},
		{
			name: "unknown schedule kind",
			body: `
agents:
  - name: a
    schedules:
      tick: {type: lunar}
`,
			wantErr: "unknown type",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not contain %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"1h", time.Hour},
		{"2d", 48 * time.Hour},
		{"1d12h", 36 * time.Hour},
	}
	for _, tc := range cases {
		got, err := ParseDuration(tc.in)
		if err != nil {
			t.Fatalf("ParseDuration(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseDuration(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"", "x", "-5m", "d", "1w"} {
		if _, err := ParseDuration(bad); err == nil {
			t.Fatalf("ParseDuration(%q): expected error", bad)
		}
	}
}

func TestDiffConfigs(t *testing.T) {
	oldCfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatal(err)
	}
	newBody := strings.Replace(validConfig, "interval: 5m", "interval: 10m", 1)
	newBody = strings.Replace(newBody, "  - name: worker\n    schedules: {}\n", "  - name: courier\n", 1)
	newCfg, err := Load(writeConfig(t, newBody))
	if err != nil {
		t.Fatal(err)
	}

	d := DiffConfigs(oldCfg, newCfg)

	if len(d.AddedAgents) != 1 || d.AddedAgents[0] != "courier" {
		t.Fatalf("added agents: %v", d.AddedAgents)
	}
	if len(d.RemovedAgents) != 1 || d.RemovedAgents[0] != "worker" {
		t.Fatalf("removed agents: %v", d.RemovedAgents)
	}
	if len(d.ModifiedAgents) != 1 || d.ModifiedAgents[0] != "scout" {
		t.Fatalf("modified agents: %v", d.ModifiedAgents)
	}
	if len(d.ModifiedSchedules) != 1 || d.ModifiedSchedules[0] != "scout/heartbeat" {
		t.Fatalf("modified schedules: %v", d.ModifiedSchedules)
	}
	if s := d.Summary(); !strings.Contains(s, "scout/heartbeat") {
		t.Fatalf("summary missing schedule detail: %q", s)
	}
}

func TestDiffIdenticalConfigsIsEmpty(t *testing.T) {
	cfg1, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatal(err)
	}
	cfg2, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatal(err)
	}
	if d := DiffConfigs(cfg1, cfg2); !d.Empty() {
		t.Fatalf("expected empty diff, got %+v", d)
	}
	if got := (Diff{}).Summary(); got != "no changes" {
		t.Fatalf("empty summary: %q", got)
	}
}
