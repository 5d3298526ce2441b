// Package migration implements the seven-step agent migration
// choreography: detach an agent from its current node, transport its
// static and dynamic state, and re-attach it on the destination, while
// deferring any messages addressed to it during the move.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rmed/scout"
	"github.com/rmed/scout/agentbook"
	"github.com/rmed/scout/bus"
	"github.com/rmed/scout/transport"
	"github.com/rmed/scout/zonebook"
)

// quiesceGrace is the fixed wait after exit! for in-flight work to
// drain (spec.md §4.7 step 3).
const quiesceGrace = 10 * time.Second

// attachSettle is the fixed wait between add-agent and launch on an
// outpost destination (spec.md §4.7 step 5).
const attachSettle = 5 * time.Second

// Snapshotter is the contract a migratable agent implements so its
// in-memory state survives a move, replacing the source's
// attribute-by-name introspection with an explicit pair of operations
// (spec.md §9 design note).
type Snapshotter interface {
	Snapshot() ([]byte, error)
	Restore([]byte) error
}

// Publisher delivers an envelope to its destination over the bus. The
// migration protocol only depends on this narrow interface, never on a
// concrete transport.
type Publisher interface {
	Publish(ctx context.Context, env *bus.Envelope) error
}

// Hooks are the node-local side effects the choreography drives:
// static/dynamic manifest handling, remote script execution, and
// process launch, both on central and on an outpost.
type Hooks interface {
	// StaticManifest returns agent's static-file manifest, paths
	// relative to platform home (spec.md §3).
	StaticManifest(agent string) ([]string, error)
	// BuildBackup copies every path in agent's static manifest into a
	// backup staging directory, preserving relative structure, and
	// returns that directory.
	BuildBackup(agent string) (backupDir string, err error)
	// BackupPairs returns the (local, remote) path pairs for
	// transporting a backup directory's contents onto conn's outpost
	// directory, one file at a time rather than the directory itself.
	BackupPairs(agent, backupDir string, conn transport.OutpostConn) ([]transport.Pair, error)
	// RemoveStatic deletes agent's static manifest files from the
	// source node.
	RemoveStatic(agent string) error
	// RestoreStatic copies a backup directory's contents back into
	// place on central.
	RestoreStatic(agent, backupDir string) error
	// RunPreMigration runs the destination's pre-migration hook.
	RunPreMigration(conn transport.OutpostConn, agent string) error
	// RunPostMigration runs the destination's post-migration hook.
	RunPostMigration(conn transport.OutpostConn, agent string) error
	// UploadDynamic SCPs agent's dynamic manifest files to the outpost.
	UploadDynamic(conn transport.OutpostConn, agent string) error
	// DownloadDynamic SCPs agent's dynamic manifest files from the
	// outpost back into central.
	DownloadDynamic(conn transport.OutpostConn, agent string) error
	// LaunchLocal starts agent's process on central.
	LaunchLocal(agent string) error
}

// Protocol drives one agent's migration between two nodes. All public
// methods assume the caller already holds the global migration lock for
// the duration of the run (invariant I5); Protocol itself does not lock.
type Protocol struct {
	Zones     *zonebook.Book
	Agents    *agentbook.Book
	Transport *transport.Adapter
	Pub       Publisher
	Hooks     Hooks
	BusPort   int

	// ResolveOutpost looks up an outpost's connection parameters by
	// name, used to reach a source outpost during detach (the
	// destination's connection is already supplied by the caller of
	// Move).
	ResolveOutpost func(name string) (transport.OutpostConn, bool)

	// QuiesceGrace and AttachSettle override the fixed 10s/5s waits from
	// spec.md §4.7 when non-zero. Tests shrink these; production leaves
	// them unset to get the documented grace periods.
	QuiesceGrace time.Duration
	AttachSettle time.Duration
}

func (p *Protocol) quiesceGrace() time.Duration {
	if p.QuiesceGrace > 0 {
		return p.QuiesceGrace
	}
	return quiesceGrace
}

func (p *Protocol) attachSettle() time.Duration {
	if p.AttachSettle > 0 {
		return p.AttachSettle
	}
	return attachSettle
}

// Move runs the full choreography moving agent from its current
// location to dst. dstConn is ignored when dst is central.
func (p *Protocol) Move(ctx context.Context, agent, dst string, dstConn transport.OutpostConn) error {
	id := uuid.NewString()
	log := slog.With("migration_id", id, "agent", agent, "dst", dst)

	src, ok, err := p.Zones.LocationOf(ctx, agent)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("migration %s: %w", id, scout.ErrUnknownAgent)
	}
	if src == dst {
		return fmt.Errorf("migration %s: %w", id, scout.ErrUnknownSameLocation)
	}
	if dst != zonebook.Central {
		running, ok, err := p.Zones.IsRunning(ctx, dst)
		if err != nil {
			return err
		}
		if !ok || !running {
			return fmt.Errorf("migration %s: %w", id, scout.ErrOutpostNotRunning)
		}
	}

	log.Info("migration: starting")

	if err := p.notifyTravelling(ctx, agent, id); err != nil {
		log.Warn("migration: agent produced no store-info, continuing after grace period",
			"error", err)
	}

	if err := p.quiesce(ctx, agent); err != nil {
		return &scout.MigrationError{Agent: agent, Step: "quiesce", Kind: scout.KindTransport, Err: err}
	}

	backupPath, err := p.detach(ctx, agent, src)
	if err != nil {
		return &scout.MigrationError{Agent: agent, Step: "detach", Kind: scout.KindTransport, Err: err}
	}

	if err := p.attach(ctx, agent, dst, dstConn, backupPath); err != nil {
		// Commit failure after a remote launch is not rolled back (design
		// note c): whatever side effect actually landed stands, and the
		// zone book is left pointing at src until an operator retries.
		return &scout.MigrationError{Agent: agent, Step: "attach", Kind: scout.KindTransport, Err: err}
	}

	moved, err := p.Zones.MoveAgent(ctx, agent, dst)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("migration %s: %w", id, scout.ErrUnknownAgent)
	}

	log.Info("migration: committed")
	return nil
}

// notifyTravelling publishes travel! to agent and waits briefly for its
// store-info reply to have been recorded in the agent book. The caller
// (the bus's store-info handler) is responsible for writing the blob;
// this method only waits and checks.
func (p *Protocol) notifyTravelling(ctx context.Context, agent, migrationID string) error {
	env := bus.NewEnvelope(agent, bus.TagTravel)
	env.Src = bus.Central
	env.Set("migration_id", migrationID)
	if err := p.Pub.Publish(ctx, env); err != nil {
		return err
	}

	deadline := time.Now().Add(p.quiesceGrace())
	for time.Now().Before(deadline) {
		if _, ok, err := p.Agents.GetInfo(ctx, agent); err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: agent %s did not store-info before travel grace period elapsed",
		scout.ErrNoStoreInfo, agent)
}

// quiesce publishes exit! and waits the fixed grace period for
// in-flight work to drain.
func (p *Protocol) quiesce(ctx context.Context, agent string) error {
	env := bus.NewEnvelope(agent, bus.TagExit)
	env.Src = bus.Central
	if err := p.Pub.Publish(ctx, env); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.quiesceGrace()):
	}
	return nil
}

// detach performs spec.md §4.7 step 4. If src is central, it builds the
// static backup directory and removes those files from central's home.
// If src is an outpost, there is no backup to build -- central only
// ever stages a backup for the leg it is the source of -- instead
// clean-static is sent to the outpost with the static list so it can
// remove its own copies, the dynamic manifest files are pulled into
// central, and rm-agent retires the outpost's local record.
func (p *Protocol) detach(ctx context.Context, agent, src string) (string, error) {
	if src == zonebook.Central {
		backupDir, err := p.Hooks.BuildBackup(agent)
		if err != nil {
			return "", err
		}
		if err := p.Hooks.RemoveStatic(agent); err != nil {
			return "", err
		}
		return backupDir, nil
	}

	conn, ok := p.resolveOutpost(src)
	if !ok {
		return "", fmt.Errorf("migration: unknown source outpost %s", src)
	}

	staticList, err := p.Hooks.StaticManifest(agent)
	if err != nil {
		return "", err
	}
	clean := bus.NewEnvelope(src, bus.ActionCleanStatic)
	clean.Src = bus.Central
	clean.Set("agent", agent)
	clean.Set("static", strings.Join(staticList, "\n"))
	if err := p.Pub.Publish(ctx, clean); err != nil {
		return "", err
	}

	if err := p.Hooks.DownloadDynamic(conn, agent); err != nil {
		return "", err
	}

	rm := bus.NewEnvelope(src, bus.ActionRmAgent)
	rm.Src = bus.Central
	rm.Set("agent", agent)
	if err := p.Pub.Publish(ctx, rm); err != nil {
		return "", err
	}
	return "", nil
}

// resolveOutpost looks up an outpost's connection parameters via
// ResolveOutpost, reporting false if the hook is unset or the name is
// unknown.
func (p *Protocol) resolveOutpost(name string) (transport.OutpostConn, bool) {
	if p.ResolveOutpost == nil {
		return transport.OutpostConn{}, false
	}
	return p.ResolveOutpost(name)
}

// attach runs the destination-specific re-attach sequence (spec.md §4.7
// step 5).
func (p *Protocol) attach(ctx context.Context, agent, dst string, conn transport.OutpostConn, backupPath string) error {
	if dst == zonebook.Central {
		if err := p.Hooks.RunPreMigration(conn, agent); err != nil {
			return err
		}
		if backupPath != "" {
			if err := p.Hooks.RestoreStatic(agent, backupPath); err != nil {
				return err
			}
		}
		if err := p.Hooks.RunPostMigration(conn, agent); err != nil {
			return err
		}
		return p.Hooks.LaunchLocal(agent)
	}

	if err := p.Hooks.RunPreMigration(conn, agent); err != nil {
		return err
	}
	if backupPath != "" {
		pairs, err := p.Hooks.BackupPairs(agent, backupPath, conn)
		if err != nil {
			return err
		}
		if len(pairs) > 0 {
			if err := p.Transport.PutAll(conn, pairs); err != nil {
				return err
			}
		}
	}
	if err := p.Hooks.UploadDynamic(conn, agent); err != nil {
		return err
	}
	if err := p.Hooks.RunPostMigration(conn, agent); err != nil {
		return err
	}

	addAgent := bus.NewEnvelope(dst, bus.ActionAddAgent)
	addAgent.Src = bus.Central
	addAgent.Set("agent", agent)
	addAgent.Set("port", fmt.Sprintf("%d", p.BusPort))
	if err := p.Pub.Publish(ctx, addAgent); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.attachSettle()):
	}

	launch := bus.NewEnvelope(dst, bus.ActionLaunch)
	launch.Src = bus.Central
	launch.Set("agent", agent)
	return p.Pub.Publish(ctx, launch)
}

// HandleStoreInfo persists the settle! blob for agent, rewriting the
// incoming store-info envelope's dst and tag per spec.md §4.7 step 2.
func (p *Protocol) HandleStoreInfo(ctx context.Context, env *bus.Envelope) error {
	agent, ok := env.Get("agent")
	if !ok {
		return fmt.Errorf("migration: store-info missing agent field")
	}
	settle := bus.NewEnvelope(agent, bus.TagSettle)
	settle.Src = bus.Central
	for k, v := range env.Fields {
		if k == "agent" {
			continue
		}
		settle.Set(k, v)
	}
	encoded, err := settle.Encode()
	if err != nil {
		return err
	}
	return p.Agents.StoreInfo(ctx, agent, string(encoded))
}

// HandleRetrieveInfo looks up and delivers agent's stored settle!
// message, then deletes it, per spec.md §4.7 step 7.
func (p *Protocol) HandleRetrieveInfo(ctx context.Context, agent string) error {
	blob, ok, err := p.Agents.GetInfo(ctx, agent)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("migration: %w", scout.ErrNoStoreInfo)
	}
	settle, err := bus.Decode([]byte(blob))
	if err != nil {
		return err
	}
	if err := p.Pub.Publish(ctx, settle); err != nil {
		return err
	}
	return p.Agents.DeleteInfo(ctx, agent)
}

// HandleStoreMsg rewrites and queues a message addressed to a
// travelling or detached agent (spec.md §4.7 state diagram).
func (p *Protocol) HandleStoreMsg(ctx context.Context, env *bus.Envelope) error {
	rewritten := bus.RewriteIn(env)
	rewritten.Dst = env.Dst
	encoded, err := rewritten.Encode()
	if err != nil {
		return err
	}
	return p.Agents.StoreMessage(ctx, env.Dst, string(encoded))
}

// HandleRetrieveMsg delivers every deferred message for agent in
// insertion order, then clears the queue.
func (p *Protocol) HandleRetrieveMsg(ctx context.Context, agent string) error {
	msgs, err := p.Agents.GetMessages(ctx, agent)
	if err != nil {
		return err
	}
	for _, blob := range msgs {
		stored, err := bus.Decode([]byte(blob))
		if err != nil {
			slog.Warn("migration: dropping unparseable deferred message", "agent", agent, "error", err)
			continue
		}
		restored := bus.RewriteOut(stored)
		if err := p.Pub.Publish(ctx, restored); err != nil {
			return err
		}
	}
	return p.Agents.DeleteMessages(ctx, agent)
}
