package controller

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/rmed/scout"
	"github.com/rmed/scout/bus"
)

// Loops wraps the cron runner driving the controller's four periodic
// housekeeping tasks, the same `@every` scheduling mechanism the
// teacher's serve.Scheduler uses for user-defined jobs, repurposed here
// for fixed-period system housekeeping.
type Loops struct {
	cron       *cron.Cron
	ctx        *Context
	balanceTick atomic.Int32
}

// NewLoops registers the periodic loops from spec.md §4.8 (refresh
// scout/zone, refresh users, gather agent info, balance) and returns a
// Loops ready to Start.
func NewLoops(c *Context) *Loops {
	l := &Loops{cron: cron.New(), ctx: c}

	l.addJob("@every 60s", l.refreshScoutAndZone)
	l.addJob("@every 60s", l.refreshUsers)
	l.addJob("@every 180s", l.gatherAgentInfo)
	l.addJob("@every 600s", l.balance)

	return l
}

func (l *Loops) addJob(spec string, fn func(context.Context)) {
	if _, err := l.cron.AddFunc(spec, func() { fn(context.Background()) }); err != nil {
		slog.Error("controller: invalid cron spec, loop will not run", "spec", spec, "error", err)
	}
}

// Start begins the cron runner and blocks until ctx is cancelled.
func (l *Loops) Start(ctx context.Context) {
	l.cron.Start()
	slog.Info("controller: loops started")
	<-ctx.Done()
	l.cron.Stop()
	slog.Info("controller: loops stopped")
}

// refreshScoutAndZone re-reads the per-agent rules directories and the
// outpost list, syncing newly-seen and newly-absent entries into the
// Zone Book (spec.md §4.8 "refresh scout/zone").
func (l *Loops) refreshScoutAndZone(ctx context.Context) {
	rulesDir := l.ctx.RulesDir
	if rulesDir == nil {
		rulesDir = func() ([]string, error) { return listRulesDirs(scout.EtcDir()) }
	}
	agents, err := rulesDir()
	if err != nil {
		slog.Warn("controller: refresh scout/zone: list rules dirs failed", "error", err)
		return
	}

	l.ctx.zoneMu.Lock()
	defer l.ctx.zoneMu.Unlock()

	if err := l.ctx.Zones.RefreshAgents(ctx, agents); err != nil {
		slog.Warn("controller: refresh scout/zone: refresh agents failed", "error", err)
	}

	outposts := l.ctx.Config.Outposts()
	names := make([]string, 0, len(outposts))
	for name := range outposts {
		names = append(names, name)
	}
	if err := l.ctx.Zones.RefreshOutposts(ctx, names); err != nil {
		slog.Warn("controller: refresh scout/zone: refresh outposts failed", "error", err)
	}
}

// refreshUsers broadcasts the users file to every live outpost.
func (l *Loops) refreshUsers(ctx context.Context) {
	outposts := l.ctx.Config.Outposts()
	for name := range outposts {
		running, ok, err := l.ctx.Zones.IsRunning(ctx, name)
		if err != nil || !ok || !running {
			continue
		}
		env := bus.NewEnvelope(name, bus.ActionRefreshUsers)
		env.Src = bus.Central
		if err := l.ctx.Pub.Publish(ctx, env); err != nil {
			slog.Warn("controller: refresh-users failed", "outpost", name, "error", err)
		}
	}
}

// gatherAgentInfo samples every local agent directly and asks every
// running outpost to sample its own agents, then commits every sample
// into the Zone Book under lock. Central is sampled exactly once per
// tick: the gather-agents fan-out goes only to outposts, matching
// original_source's gather_agent_info (resolved open question b).
func (l *Loops) gatherAgentInfo(ctx context.Context) {
	if l.ctx.Sampler != nil {
		agents, err := l.ctx.Zones.AgentsIn(ctx, "central")
		if err != nil {
			slog.Warn("controller: gather-agent-info: list central agents failed", "error", err)
		} else {
			samples := l.ctx.Sampler.Sample(ctx, agents)
			byName := make(map[string]float64, len(samples))
			for key, mips := range samples {
				byName[key[len("agent-"):]] = mips
			}
			l.ctx.CommitSamples(ctx, byName)
		}
	}

	outposts := l.ctx.Config.Outposts()
	for name := range outposts {
		running, ok, err := l.ctx.Zones.IsRunning(ctx, name)
		if err != nil || !ok || !running {
			continue
		}
		env := bus.NewEnvelope(name, bus.ActionGatherAgents)
		env.Src = bus.Central
		if err := l.ctx.Pub.Publish(ctx, env); err != nil {
			slog.Warn("controller: gather-agents failed", "outpost", name, "error", err)
		}
	}
}

// balance runs the configured algorithm and migrates agents toward its
// decision, skipping the first tick after startup (spec.md §4.8,
// matching original_source/agents/scout/scout.py's `self._starting`
// flag rather than the alternative "gate on one sample per outpost"
// scheme -- see DESIGN.md).
func (l *Loops) balance(ctx context.Context) {
	if l.balanceTick.Add(1) == 1 {
		slog.Info("controller: skipping first balance tick")
		return
	}
	if err := l.ctx.Balance(ctx); err != nil {
		slog.Warn("controller: balance pass failed", "error", err)
	}
}

// listRulesDirs returns the agent names with a rules directory under
// etcDir/rules.
func listRulesDirs(etcDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(etcDir, "rules"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
