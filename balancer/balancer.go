// Package balancer implements the two pure placement algorithms that turn
// a load snapshot into a target agent-to-outpost assignment.
package balancer

import (
	"log/slog"
	"sort"
)

// Agent is one agent's contribution to the balancer's input snapshot.
type Agent struct {
	Location string
	MIPS     float64
	IsFree   bool
}

// Outpost is one outpost's contribution to the balancer's input snapshot,
// including the agents currently assigned to it.
type Outpost struct {
	MIPS     float64
	Priority int
	Agents   map[string]Agent
}

// Snapshot is the balancer's input: a copy of the Zone Book's outposts and
// their agents, taken once so a balance pass and the migrations it drives
// work off one decided plan rather than a re-read mid-flight.
type Snapshot map[string]Outpost

// Algorithm is a pure function from a snapshot to a target assignment.
// Every outpost key present in the snapshot is present in the result,
// possibly mapping to an empty slice.
type Algorithm func(Snapshot) map[string][]string

// Algorithms is the name-to-function registry the Controller consults
// when scout.conf's [general] balance key names one of "equal" or "prio".
var Algorithms = map[string]Algorithm{
	"equal": Equal,
	"prio":  Priority,
}

// outpostNames returns the snapshot's outpost keys in sorted order so
// the algorithms iterate deterministically regardless of Go's randomized
// map order.
func outpostNames(snap Snapshot) []string {
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// allAgents returns every agent across the snapshot's outposts, taking
// outposts in sorted order and each outpost's agents sorted by name.
type agentEntry struct {
	name  string
	agent Agent
}

func allAgents(snap Snapshot) []agentEntry {
	var entries []agentEntry
	for _, outpost := range outpostNames(snap) {
		names := make([]string, 0, len(snap[outpost].Agents))
		for name := range snap[outpost].Agents {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			entries = append(entries, agentEntry{name: name, agent: snap[outpost].Agents[name]})
		}
	}
	return entries
}

// runningLoad tracks one outpost's accumulated fractional load, in
// insertion order, so ties are broken by first occurrence.
type runningLoad struct {
	name string
	load float64
}

// Equal maintains an equal fractional load among all outposts. Agents on
// hold stay where they are: they are listed under their current outpost
// and add to its running load. Free agents are placed on whichever
// outpost currently carries the least load.
func Equal(snap Snapshot) map[string][]string {
	result := make(map[string][]string, len(snap))
	running := make([]runningLoad, 0, len(snap))
	index := make(map[string]int, len(snap))

	for i, name := range outpostNames(snap) {
		result[name] = nil
		running = append(running, runningLoad{name: name, load: 0})
		index[name] = i
	}

	for _, entry := range allAgents(snap) {
		name, agent := entry.name, entry.agent
		totalMIPS := snap[agent.Location].MIPS
		agLoad := safeDiv(agent.MIPS, totalMIPS)

		if !agent.IsFree {
			i := index[agent.Location]
			running[i].load += agLoad
			result[agent.Location] = append(result[agent.Location], name)
			slog.Debug("balancer: agent on hold", "agent", name, "outpost", agent.Location, "load", running[i].load)
			continue
		}

		sort.SliceStable(running, func(a, b int) bool { return running[a].load < running[b].load })
		for i, r := range running {
			index[r.name] = i
		}

		target := running[0].name
		newLoad := safeDiv(agent.MIPS, snap[target].MIPS)
		running[0].load += newLoad

		slog.Info("balancer: placing agent", "agent", name, "outpost", target, "load", running[0].load)
		result[target] = append(result[target], name)
	}

	return result
}

// priorityOverflow is the load ceiling an outpost may not reach or exceed
// when the priority algorithm considers placing an agent on it.
const priorityOverflow = 0.80

// Priority fills outposts in ascending priority order (lowest value
// first) up to priorityOverflow fractional load. Agents on hold stay put:
// they are listed under their current outpost and add to its running
// total. An agent
// that fits nowhere is force-placed on central regardless of central's
// own load.
func Priority(snap Snapshot) map[string][]string {
	result := make(map[string][]string, len(snap))
	currentLoad := make(map[string]float64, len(snap))

	names := outpostNames(snap)
	for _, name := range names {
		result[name] = nil
		currentLoad[name] = 0
	}

	sort.SliceStable(names, func(i, j int) bool {
		return snap[names[i]].Priority < snap[names[j]].Priority
	})

	for _, entry := range allAgents(snap) {
		name, agent := entry.name, entry.agent
		// The non-free branch deliberately computes ag_load against the
		// agent's current outpost, not a candidate -- matches the
		// original balancer's _user_prio (see SPEC_FULL.md §9, open question a).
		if !agent.IsFree {
			agLoad := safeDiv(agent.MIPS, snap[agent.Location].MIPS)
			currentLoad[agent.Location] += agLoad
			result[agent.Location] = append(result[agent.Location], name)
			continue
		}

		chosen := false
		for _, outpost := range names {
			agLoad := safeDiv(agent.MIPS, snap[outpost].MIPS)
			hypo := currentLoad[outpost] + agLoad
			if hypo < priorityOverflow {
				slog.Info("balancer: placing agent", "agent", name, "outpost", outpost, "load", hypo)
				result[outpost] = append(result[outpost], name)
				currentLoad[outpost] = hypo
				chosen = true
				break
			}
		}

		if !chosen {
			agLoad := safeDiv(agent.MIPS, snap["central"].MIPS)
			currentLoad["central"] += agLoad
			result["central"] = append(result["central"], name)
			slog.Info("balancer: forcing migration to central", "agent", name, "load", currentLoad["central"])
		}
	}

	return result
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
