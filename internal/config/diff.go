package config

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Diff describes the changes between two configurations at agent and
// schedule granularity. Schedule keys are "agent/schedule".
type Diff struct {
	AddedAgents    []string
	RemovedAgents  []string
	ModifiedAgents []string

	AddedSchedules    []string
	RemovedSchedules  []string
	ModifiedSchedules []string
}

// Empty reports whether the two configurations were equivalent.
func (d Diff) Empty() bool {
	return len(d.AddedAgents) == 0 && len(d.RemovedAgents) == 0 && len(d.ModifiedAgents) == 0 &&
		len(d.AddedSchedules) == 0 && len(d.RemovedSchedules) == 0 && len(d.ModifiedSchedules) == 0
}

// Summary renders a short human-readable change description.
func (d Diff) Summary() string {
	if d.Empty() {
		return "no changes"
	}
	var parts []string
	appendPart := func(verb string, items []string, noun string) {
		if len(items) > 0 {
			parts = append(parts, fmt.Sprintf("%s %d %s (%s)", verb, len(items), noun, strings.Join(items, ", ")))
		}
	}
	appendPart("added", d.AddedAgents, "agent(s)")
	appendPart("removed", d.RemovedAgents, "agent(s)")
	appendPart("modified", d.ModifiedAgents, "agent(s)")
	appendPart("added", d.AddedSchedules, "schedule(s)")
	appendPart("removed", d.RemovedSchedules, "schedule(s)")
	appendPart("modified", d.ModifiedSchedules, "schedule(s)")
	return strings.Join(parts, "; ")
}

// DiffConfigs compares two validated configurations.
func DiffConfigs(oldCfg, newCfg *Config) Diff {
	var d Diff

	oldAgents := indexAgents(oldCfg)
	newAgents := indexAgents(newCfg)

	for name, oldAgent := range oldAgents {
		newAgent, ok := newAgents[name]
		if !ok {
			d.RemovedAgents = append(d.RemovedAgents, name)
			for sched := range oldAgent.Schedules {
				d.RemovedSchedules = append(d.RemovedSchedules, name+"/"+sched)
			}
			continue
		}

		diffSchedules(name, oldAgent, newAgent, &d)

		if !agentsEqual(oldAgent, newAgent) {
			d.ModifiedAgents = append(d.ModifiedAgents, name)
		}
	}

	for name, newAgent := range newAgents {
		if _, ok := oldAgents[name]; !ok {
			d.AddedAgents = append(d.AddedAgents, name)
			for sched := range newAgent.Schedules {
				d.AddedSchedules = append(d.AddedSchedules, name+"/"+sched)
			}
		}
	}

	for _, list := range []*[]string{
		&d.AddedAgents, &d.RemovedAgents, &d.ModifiedAgents,
		&d.AddedSchedules, &d.RemovedSchedules, &d.ModifiedSchedules,
	} {
		sort.Strings(*list)
	}
	return d
}

func diffSchedules(agent string, oldAgent, newAgent Agent, d *Diff) {
	for name, oldSched := range oldAgent.Schedules {
		newSched, ok := newAgent.Schedules[name]
		switch {
		case !ok:
			d.RemovedSchedules = append(d.RemovedSchedules, agent+"/"+name)
		case !reflect.DeepEqual(oldSched, newSched):
			d.ModifiedSchedules = append(d.ModifiedSchedules, agent+"/"+name)
		}
	}
	for name := range newAgent.Schedules {
		if _, ok := oldAgent.Schedules[name]; !ok {
			d.AddedSchedules = append(d.AddedSchedules, agent+"/"+name)
		}
	}
}

// agentsEqual compares every agent field, schedules included: any schedule
// change also marks the agent as modified.
func agentsEqual(a, b Agent) bool {
	return reflect.DeepEqual(a, b)
}

func indexAgents(cfg *Config) map[string]Agent {
	if cfg == nil {
		return map[string]Agent{}
	}
	out := make(map[string]Agent, len(cfg.Agents))
	for _, a := range cfg.Agents {
		out[a.Name] = a
	}
	return out
}
