// Package config loads and validates the fleet configuration: the agent
// catalogue, per-agent schedules, and fleet-wide settings.
//
// Validation is fail-fast: a config that parses but violates a schedule
// invariant (missing interval, bad cron expression, unknown kind) is
// rejected at load time so the scheduler never sees it.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/herdctl/herdctl/internal/cronx"
)

// NamePattern is the allowed shape of agent and schedule names. Names feed
// into state-directory paths, so the pattern is strict.
var NamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ScheduleKind discriminates how a schedule fires.
type ScheduleKind string

const (
	KindInterval ScheduleKind = "interval"
	KindCron     ScheduleKind = "cron"
	KindWebhook  ScheduleKind = "webhook"
	KindChat     ScheduleKind = "chat"
)

// Schedule is one firing rule attached to an agent.
type Schedule struct {
	Type       ScheduleKind `yaml:"type"`
	Interval   Duration     `yaml:"interval,omitempty"`
	Expression string       `yaml:"expression,omitempty"`
	Prompt     string       `yaml:"prompt,omitempty"`
}

// Instances carries per-agent concurrency settings.
type Instances struct {
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`
}

// Agent is one resolved agent definition. Immutable within a reload cycle.
type Agent struct {
	Name             string              `yaml:"name"`
	Description      string              `yaml:"description,omitempty"`
	Model            string              `yaml:"model,omitempty"`
	WorkingDirectory string              `yaml:"working_directory,omitempty"`
	PermissionMode   string              `yaml:"permission_mode,omitempty"`
	MaxTurns         int                 `yaml:"max_turns,omitempty"`
	SystemPrompt     string              `yaml:"system_prompt,omitempty"`
	Prompt           string              `yaml:"prompt,omitempty"`
	Instances        Instances           `yaml:"instances,omitempty"`
	Schedules        map[string]Schedule `yaml:"schedules,omitempty"`
}

// MaxConcurrent returns the agent's concurrency cap (default 1).
func (a Agent) MaxConcurrent() int {
	if a.Instances.MaxConcurrent > 0 {
		return a.Instances.MaxConcurrent
	}
	return 1
}

// FleetSettings holds fleet-wide configuration. Web is opaque to the core
// and passed through to external front-ends.
type FleetSettings struct {
	Concurrency int       `yaml:"concurrency,omitempty"`
	Web         yaml.Node `yaml:"web,omitempty"`
}

// Config is a fully resolved configuration.
type Config struct {
	ConfigPath string        `yaml:"-"`
	Fleet      FleetSettings `yaml:"fleet,omitempty"`
	Agents     []Agent       `yaml:"agents"`

	byName map[string]*Agent
}

// Load reads, parses and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ConfigPath = path

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks all invariants and builds the lookup index.
func (c *Config) Validate() error {
	c.byName = make(map[string]*Agent, len(c.Agents))

	for i := range c.Agents {
		agent := &c.Agents[i]
		if !NamePattern.MatchString(agent.Name) {
			return fmt.Errorf("agent %q: name must match %s", agent.Name, NamePattern)
		}
		if _, dup := c.byName[agent.Name]; dup {
			return fmt.Errorf("agent %q: duplicate name", agent.Name)
		}
		if agent.Instances.MaxConcurrent < 0 {
			return fmt.Errorf("agent %q: max_concurrent must be >= 1", agent.Name)
		}

		for name, sched := range agent.Schedules {
			if !NamePattern.MatchString(name) {
				return fmt.Errorf("agent %q: schedule name %q must match %s", agent.Name, name, NamePattern)
			}
			if err := validateSchedule(name, sched); err != nil {
				return fmt.Errorf("agent %q: %w", agent.Name, err)
			}
		}

		c.byName[agent.Name] = agent
	}

	if c.Fleet.Concurrency < 0 {
		return fmt.Errorf("fleet.concurrency must be >= 0")
	}
	return nil
}

func validateSchedule(name string, s Schedule) error {
	switch s.Type {
	case KindInterval:
		if s.Interval <= 0 {
			return fmt.Errorf("schedule %q: interval schedules require a positive interval", name)
		}
		if s.Expression != "" {
			return fmt.Errorf("schedule %q: interval schedules carry no cron expression", name)
		}
	case KindCron:
		if s.Expression == "" {
			return fmt.Errorf("schedule %q: cron schedules require an expression", name)
		}
		if err := cronx.Validate(s.Expression); err != nil {
			return fmt.Errorf("schedule %q: %w", name, err)
		}
		if s.Interval != 0 {
			return fmt.Errorf("schedule %q: cron schedules carry no interval", name)
		}
	case KindWebhook, KindChat:
		if s.Interval != 0 || s.Expression != "" {
			return fmt.Errorf("schedule %q: %s schedules carry no time field", name, s.Type)
		}
	default:
		return fmt.Errorf("schedule %q: unknown type %q", name, s.Type)
	}
	return nil
}

// Agent returns the agent definition by name.
func (c *Config) Agent(name string) (*Agent, bool) {
	a, ok := c.byName[name]
	return a, ok
}

// AgentNames returns all agent names in sorted order.
func (c *Config) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for i := range c.Agents {
		names = append(names, c.Agents[i].Name)
	}
	sort.Strings(names)
	return names
}

// Duration is a YAML duration string with day support ("30s", "5m", "1h",
// "2d").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
