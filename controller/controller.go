// Package controller is the Scout: it owns the periodic housekeeping
// loops, the named locks around the persistent stores, and the operator
// command dispatcher, and it drives the Migration Protocol.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rmed/scout"
	"github.com/rmed/scout/agentbook"
	"github.com/rmed/scout/balancer"
	"github.com/rmed/scout/bus"
	"github.com/rmed/scout/config"
	"github.com/rmed/scout/migration"
	"github.com/rmed/scout/sampler"
	"github.com/rmed/scout/transport"
	"github.com/rmed/scout/zonebook"
)

// Context bundles every collaborator the controller needs, replacing the
// source's import-time module globals (ZONE_BOOK, AGENT_BOOK, and
// friends) with one value constructed in cmd/scoutd and threaded
// explicitly (spec.md §9 design note).
type Context struct {
	Zones     *zonebook.Book
	Agents    *agentbook.Book
	Config    *config.Store
	Transport *transport.Adapter
	Tunnels   *transport.Tunnels
	Sampler   *sampler.Sampler
	Migration *migration.Protocol
	Pub       migration.Publisher
	RulesDir  func() ([]string, error)

	// migrationMu is the MIGRATION lock (spec.md §5): held for the
	// duration of one migration choreography.
	migrationMu sync.Mutex

	// zoneMu is the ZONE_BOOK lock (spec.md §4.1/§4.5/§4.6): held while
	// committing a batch of MIPS samples, so a refresh and a gather
	// reply can never interleave.
	zoneMu sync.Mutex
}

// CommitSamples writes a batch of MIPS samples into the Zone Book under
// the ZONE_BOOK lock. Both the local sampler tick and an outpost's
// agents-gathered reply go through this one path (spec.md §4.5 "the
// Controller commits all samples into the Zone Book under the Zone Book
// lock", §4.6).
func (c *Context) CommitSamples(ctx context.Context, samples map[string]float64) {
	c.zoneMu.Lock()
	defer c.zoneMu.Unlock()

	for agent, mips := range samples {
		if _, err := c.Zones.UpdateResources(ctx, agent, mips, 0); err != nil {
			slog.Warn("controller: commit sample failed", "agent", agent, "error", err)
		}
	}
}

// Hold moves agent from the free list to the hold list. The returned
// string is operator feedback when the move was rejected (agent not
// free, or already on hold); it is empty on success.
func (c *Context) Hold(ctx context.Context, agent string) (string, error) {
	_, msg, err := c.Config.MarkHold(agent)
	return msg, err
}

// Unhold moves agent from the hold list back to the free list. The
// returned string is operator feedback when the move was rejected.
func (c *Context) Unhold(ctx context.Context, agent string) (string, error) {
	_, msg, err := c.Config.MarkUnhold(agent)
	return msg, err
}

// Migrate runs the migration protocol for agent to dst under the global
// migration lock (invariant I5).
func (c *Context) Migrate(ctx context.Context, agent, dst string) error {
	if !c.isMigratable(agent) {
		return scout.ErrAgentNotMigratable
	}

	c.migrationMu.Lock()
	defer c.migrationMu.Unlock()

	var conn transport.OutpostConn
	if dst != zonebook.Central {
		entry, ok := c.Config.Outpost(dst)
		if !ok {
			return fmt.Errorf("controller: unknown outpost %s", dst)
		}
		conn = transport.OutpostConn{
			Host:         entry.Host,
			Username:     entry.Username,
			Directory:    entry.Directory,
			RemotePort:   entry.RemotePort,
			LocalTunnel:  entry.LocalTunnel,
			RemoteTunnel: entry.RemoteTunnel,
		}
	}
	return c.Migration.Move(ctx, agent, dst, conn)
}

// isMigratable reports whether agent is currently listed in the free or
// hold list (spec.md §4.7 step 1 "Eligibility"): an agent outside both
// lists is not under the balancer's control and must never be moved.
func (c *Context) isMigratable(agent string) bool {
	free, hold := c.Config.FreeAndHold()
	for _, a := range free {
		if a == agent {
			return true
		}
	}
	for _, a := range hold {
		if a == agent {
			return true
		}
	}
	return false
}

// LaunchOutpost runs the remote launch sequence for an outpost and
// commits its is_running flag.
func (c *Context) LaunchOutpost(ctx context.Context, outpost string) error {
	entry, ok := c.Config.Outpost(outpost)
	if !ok {
		return fmt.Errorf("controller: unknown outpost %s", outpost)
	}
	conn := transport.OutpostConn{Host: entry.Host, Username: entry.Username, Directory: entry.Directory}
	ok2 := c.Transport.LaunchOutpost(conn, outpost)
	if _, err := c.Zones.SetRunning(ctx, outpost, ok2); err != nil {
		return err
	}
	if !ok2 {
		return fmt.Errorf("controller: launch failed for outpost %s", outpost)
	}
	return nil
}

// StopOutpost runs the remote stop sequence for an outpost and commits
// its is_running flag.
func (c *Context) StopOutpost(ctx context.Context, outpost string) error {
	entry, ok := c.Config.Outpost(outpost)
	if !ok {
		return fmt.Errorf("controller: unknown outpost %s", outpost)
	}
	conn := transport.OutpostConn{Host: entry.Host, Username: entry.Username, Directory: entry.Directory}
	ok2 := c.Transport.StopOutpost(conn, outpost)
	if _, err := c.Zones.SetRunning(ctx, outpost, !ok2); err != nil {
		return err
	}
	if !ok2 {
		return fmt.Errorf("controller: stop failed for outpost %s", outpost)
	}
	return nil
}

// OpenTunnel opens the SSH tunnel to outpost.
func (c *Context) OpenTunnel(ctx context.Context, outpost string) error {
	entry, ok := c.Config.Outpost(outpost)
	if !ok {
		return fmt.Errorf("controller: unknown outpost %s", outpost)
	}
	conn := transport.OutpostConn{
		Host: entry.Host, Username: entry.Username, Directory: entry.Directory,
		RemoteTunnel: entry.RemoteTunnel,
	}
	return c.Transport.OpenTunnel(c.Tunnels, conn, outpost)
}

// CloseTunnel closes the SSH tunnel to outpost.
func (c *Context) CloseTunnel(ctx context.Context, outpost string) error {
	return c.Transport.CloseTunnel(c.Tunnels, outpost)
}

// Locations reports every agent's current outpost, formatted for
// delivery as feedback lines (the show-locations command).
func (c *Context) Locations(ctx context.Context) (string, error) {
	agents, err := c.Zones.ListAgents(ctx)
	if err != nil {
		return "", err
	}
	out := ""
	for _, a := range agents {
		out += fmt.Sprintf("%s: %s\n", a.Name, a.Location)
	}
	return out, nil
}

// StatusAgents reports every agent's location and last MIPS sample.
func (c *Context) StatusAgents(ctx context.Context) (string, error) {
	agents, err := c.Zones.ListAgents(ctx)
	if err != nil {
		return "", err
	}
	out := ""
	for _, a := range agents {
		out += fmt.Sprintf("%s: location=%s mips=%s\n", a.Name, a.Location, sampler.Serialize(a.MIPS))
	}
	return out, nil
}

// StatusOutposts reports every outpost's liveness and declared capacity.
func (c *Context) StatusOutposts(ctx context.Context) (string, error) {
	outposts, err := c.Zones.ListOutposts(ctx)
	if err != nil {
		return "", err
	}
	out := ""
	for _, o := range outposts {
		out += fmt.Sprintf("%s: running=%v\n", o.Name, o.IsRunning)
	}
	return out, nil
}

// RetrieveInfo re-dispatches agent's stored settle! blob.
func (c *Context) RetrieveInfo(ctx context.Context, agent string) error {
	return c.Migration.HandleRetrieveInfo(ctx, agent)
}

// RetrieveMsg re-delivers agent's deferred message queue.
func (c *Context) RetrieveMsg(ctx context.Context, agent string) error {
	return c.Migration.HandleRetrieveMsg(ctx, agent)
}

// Snapshot builds the balancer's input from the Zone Book and Config
// Store under ZONE_BOOK (read) and the config mutex, matching the
// canonical lock order in spec.md §5.
func (c *Context) Snapshot(ctx context.Context) (balancer.Snapshot, error) {
	c.zoneMu.Lock()
	defer c.zoneMu.Unlock()

	outposts, err := c.Zones.ListOutposts(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := c.Zones.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	free, hold := c.Config.FreeAndHold()
	freeSet := make(map[string]bool, len(free))
	for _, a := range free {
		freeSet[a] = true
	}
	holdSet := make(map[string]bool, len(hold))
	for _, a := range hold {
		holdSet[a] = true
	}

	snap := make(balancer.Snapshot, len(outposts))
	for _, o := range outposts {
		mips, priority := 0.0, 0
		if o.Name == zonebook.Central {
			gen := c.Config.General()
			mips, priority = gen.MIPS, gen.Priority
		} else if entry, ok := c.Config.Outpost(o.Name); ok {
			mips, priority = entry.MIPS, entry.Priority
		}
		snap[o.Name] = balancer.Outpost{MIPS: mips, Priority: priority, Agents: map[string]balancer.Agent{}}
	}
	for _, a := range agents {
		out, ok := snap[a.Location]
		if !ok {
			continue
		}
		isFree := freeSet[a.Name]
		if !isFree && !holdSet[a.Name] {
			continue
		}
		out.Agents[a.Name] = balancer.Agent{Location: a.Location, MIPS: a.MIPS, IsFree: isFree}
	}
	return snap, nil
}

// Balance runs the configured algorithm against a fresh snapshot and
// migrates every agent whose target differs from its current location.
func (c *Context) Balance(ctx context.Context) error {
	gen := c.Config.General()
	algo, ok := balancer.Algorithms[gen.Balance]
	if !ok {
		slog.Warn("controller: no balancer configured, skipping balance pass", "balance", gen.Balance)
		return nil
	}

	snap, err := c.Snapshot(ctx)
	if err != nil {
		return err
	}
	plan := algo(snap)

	for outpost, agents := range plan {
		for _, agent := range agents {
			current, ok, err := c.Zones.LocationOf(ctx, agent)
			if err != nil {
				slog.Warn("controller: balance: lookup failed", "agent", agent, "error", err)
				continue
			}
			if !ok || current == outpost {
				continue
			}
			if err := c.Migrate(ctx, agent, outpost); err != nil {
				slog.Warn("controller: balance: migration failed", "agent", agent, "dst", outpost, "error", err)
			}
		}
	}
	return nil
}

// Publish delivers env via the configured Publisher, satisfying
// migration.Publisher so Context itself can stand in for simple relays.
func (c *Context) Publish(ctx context.Context, env *bus.Envelope) error {
	return c.Pub.Publish(ctx, env)
}
