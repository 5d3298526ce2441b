// Package zonebook is the durable source of truth for which outpost is
// reachable and which outpost hosts every agent, backed by
// modernc.org/sqlite (pure Go, no cgo), the same driver the teacher's
// event store uses.
package zonebook

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Central is the reserved, always-present outpost identity.
const Central = "central"

// Outpost is one row of the outposts table.
type Outpost struct {
	Name      string
	IsRunning bool
	Timestamp int64
}

// Agent is one row of the agents table.
type Agent struct {
	Name      string
	Location  string
	MIPS      float64
	Timestamp int64
}

// Book wraps the zone book sqlite database. All methods are safe for
// concurrent use via the database/sql connection pool, but callers
// coordinate cross-call consistency (e.g. a read-then-migrate sequence)
// with the controller's ZONE_BOOK lock -- the book itself does not hold
// it.
type Book struct {
	db *sql.DB
}

// Open opens or creates the zone book database at path.
func Open(path string) (*Book, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	b := &Book{db: db}
	if err := b.init(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Book) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS outposts (
		name       TEXT PRIMARY KEY,
		is_running INTEGER NOT NULL DEFAULT 0,
		timestamp  INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS agents (
		name      TEXT PRIMARY KEY,
		location  TEXT NOT NULL REFERENCES outposts(name),
		mips      REAL NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_agents_location ON agents(location);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return err
	}
	_, err := b.db.Exec(
		`INSERT OR IGNORE INTO outposts (name, is_running, timestamp) VALUES (?, 1, 0)`,
		Central,
	)
	return err
}

// Close closes the underlying database.
func (b *Book) Close() error { return b.db.Close() }

// UpsertOutpost creates an outpost row if it does not already exist.
// Existing rows are left untouched -- outposts are never deleted.
func (b *Book) UpsertOutpost(ctx context.Context, name string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO outposts (name, is_running, timestamp) VALUES (?, 0, 0)`, name)
	return err
}

// ListOutposts returns every known outpost.
func (b *Book) ListOutposts(ctx context.Context) ([]Outpost, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name, is_running, timestamp FROM outposts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outpost
	for rows.Next() {
		var o Outpost
		if err := rows.Scan(&o.Name, &o.IsRunning, &o.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// SetRunning updates an outpost's liveness flag.
func (b *Book) SetRunning(ctx context.Context, name string, running bool) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`UPDATE outposts SET is_running = ?, timestamp = ? WHERE name = ?`,
		running, time.Now().Unix(), name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// IsRunning reports an outpost's liveness flag. ok is false if the
// outpost is unknown.
func (b *Book) IsRunning(ctx context.Context, name string) (running, ok bool, err error) {
	err = b.db.QueryRowContext(ctx, `SELECT is_running FROM outposts WHERE name = ?`, name).Scan(&running)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return running, true, nil
}

// UpsertAgent creates an agent row defaulting to central if it does not
// already exist.
func (b *Book) UpsertAgent(ctx context.Context, name string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO agents (name, location, mips, timestamp) VALUES (?, ?, 0, 0)`,
		name, Central)
	return err
}

// ListAgents returns every known agent.
func (b *Book) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name, location, mips, timestamp FROM agents ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.Name, &a.Location, &a.MIPS, &a.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AgentsIn returns the names of agents currently located at outpost.
func (b *Book) AgentsIn(ctx context.Context, outpost string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name FROM agents WHERE location = ? ORDER BY name`, outpost)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// LocationOf returns the outpost an agent currently resides on, or
// ("", false) if the agent is unknown.
func (b *Book) LocationOf(ctx context.Context, agent string) (string, bool, error) {
	var loc string
	err := b.db.QueryRowContext(ctx, `SELECT location FROM agents WHERE name = ?`, agent).Scan(&loc)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return loc, true, nil
}

// MoveAgent updates an agent's location. Fails if the destination
// outpost does not exist in this book (invariant I1).
func (b *Book) MoveAgent(ctx context.Context, agent, location string) (bool, error) {
	var exists int
	if err := b.db.QueryRowContext(ctx, `SELECT 1 FROM outposts WHERE name = ?`, location).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return false, fmt.Errorf("zonebook: destination outpost %q does not exist", location)
		}
		return false, err
	}

	res, err := b.db.ExecContext(ctx,
		`UPDATE agents SET location = ?, timestamp = ? WHERE name = ?`,
		location, time.Now().Unix(), agent)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	moved := n > 0
	if moved {
		slog.Info("zonebook: agent moved", "agent", agent, "location", location)
	}
	return moved, nil
}

// UpdateResources records an agent's latest MIPS sample, creating the
// agent record (defaulted to central) if it does not yet exist.
func (b *Book) UpdateResources(ctx context.Context, agent string, mips float64, timestamp int64) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`UPDATE agents SET mips = ?, timestamp = ? WHERE name = ?`, mips, timestamp, agent)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	_, err = b.db.ExecContext(ctx,
		`INSERT INTO agents (name, location, mips, timestamp) VALUES (?, ?, ?, ?)`,
		agent, Central, mips, timestamp)
	return err == nil, err
}

// RefreshAgents is the only operation that deletes agent rows: it creates
// rows for names newly observed in the rules directory (defaulting to
// central) and deletes rows for names no longer present. Callers hold the
// ZONE_BOOK lock for the duration, per spec.md §4.1.
func (b *Book) RefreshAgents(ctx context.Context, observed []string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	want := make(map[string]bool, len(observed))
	for _, name := range observed {
		want[name] = true
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO agents (name, location, mips, timestamp) VALUES (?, ?, 0, 0)`,
			name, Central); err != nil {
			return err
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT name FROM agents`)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		if !want[name] {
			stale = append(stale, name)
		}
	}
	rows.Close()

	for _, name := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE name = ?`, name); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RefreshOutposts creates rows for outpost names newly seen in the
// outpost list. Outposts are never removed even once absent from the
// config, per invariant I1.
func (b *Book) RefreshOutposts(ctx context.Context, names []string) error {
	for _, name := range names {
		if err := b.UpsertOutpost(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
