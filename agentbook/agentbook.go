// Package agentbook is the durable staging area the migration protocol
// uses between an agent's detach and re-attach: the settle! blob awaiting
// delivery, and the deferred-message queue accumulated while the agent
// was travelling.
package agentbook

import (
	"context"
	"database/sql"
	"log/slog"

	_ "modernc.org/sqlite"
)

// Book wraps the agent book sqlite database.
type Book struct {
	db *sql.DB
}

// Open opens or creates the agent book database at path.
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
	CREATE TABLE IF NOT EXISTS agent_info (
		agent TEXT PRIMARY KEY,
		blob  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_messages (
		id    INTEGER PRIMARY KEY AUTOINCREMENT,
		agent TEXT NOT NULL,
		blob  TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agent_messages_agent ON agent_messages(agent, id);
	`
	_, err := b.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (b *Book) Close() error { return b.db.Close() }

// StoreInfo persists the settle! blob for agent, upserting so a retry
// after a transport hiccup is idempotent (spec.md §7, store errors are
// treated as "already stored").
func (b *Book) StoreInfo(ctx context.Context, agent string, blob string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO agent_info (agent, blob) VALUES (?, ?)
		 ON CONFLICT(agent) DO UPDATE SET blob = excluded.blob`,
		agent, blob)
	if err != nil {
		slog.Warn("agentbook: store-info failed, treating as already stored", "agent", agent, "error", err)
		return nil
	}
	return nil
}

// GetInfo returns the stored blob for agent, if any.
func (b *Book) GetInfo(ctx context.Context, agent string) (string, bool, error) {
	var blob string
	err := b.db.QueryRowContext(ctx, `SELECT blob FROM agent_info WHERE agent = ?`, agent).Scan(&blob)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return blob, true, nil
}

// DeleteInfo removes the stored blob for agent. Callers issue GetInfo and
// DeleteInfo as a pair; a failure between the two leaves the blob in
// place so the retrieval can be retried (spec.md §4.2 contract).
func (b *Book) DeleteInfo(ctx context.Context, agent string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM agent_info WHERE agent = ?`, agent)
	return err
}

// StoreMessage appends a deferred message for agent.
func (b *Book) StoreMessage(ctx context.Context, agent string, blob string) error {
	_, err := b.db.ExecContext(ctx, `INSERT INTO agent_messages (agent, blob) VALUES (?, ?)`, agent, blob)
	return err
}

// GetMessages returns every deferred message for agent in insertion
// order (the autoincrement id guarantees this regardless of sqlite's
// physical row order).
func (b *Book) GetMessages(ctx context.Context, agent string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT blob FROM agent_messages WHERE agent = ? ORDER BY id ASC`, agent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		out = append(out, blob)
	}
	return out, rows.Err()
}

// DeleteMessages purges agent's deferred message queue. Paired with
// GetMessages by the caller, same retry contract as GetInfo/DeleteInfo.
func (b *Book) DeleteMessages(ctx context.Context, agent string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM agent_messages WHERE agent = ?`, agent)
	return err
}
