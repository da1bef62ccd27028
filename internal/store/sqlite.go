// Package store provides SQLite-backed persistence for the decision engine:
// conversations, human approvals, audit records, agent events, and the
// inventory tables the integrity check reads.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS conversations (
	id             TEXT PRIMARY KEY,
	role           TEXT NOT NULL,
	prompt         TEXT NOT NULL DEFAULT '',
	request_type   TEXT NOT NULL DEFAULT 'request',
	context_json   TEXT NOT NULL DEFAULT '{}',
	urgency        TEXT NOT NULL DEFAULT '',
	severity       TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'pending',
	responses_json TEXT NOT NULL DEFAULT '[]',
	result_json    TEXT NOT NULL DEFAULT '',
	final_decision TEXT NOT NULL DEFAULT '',
	started_at     INTEGER NOT NULL,
	completed_at   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_conversations_started ON conversations(started_at);

CREATE TABLE IF NOT EXISTS human_approvals (
	decision_id TEXT PRIMARY KEY,
	agent       TEXT NOT NULL,
	action      TEXT NOT NULL,
	data_json   TEXT NOT NULL DEFAULT '{}',
	reasoning   TEXT NOT NULL DEFAULT '',
	severity    TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'pending',
	expiry_at   INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	resolved_by TEXT NOT NULL DEFAULT '',
	resolved_at INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_pending ON human_approvals(agent, action) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_approvals_status ON human_approvals(status, expiry_at);

CREATE TABLE IF NOT EXISTS audit_records (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	category        TEXT NOT NULL,
	actor           TEXT NOT NULL DEFAULT '',
	action          TEXT NOT NULL,
	request_json    TEXT NOT NULL DEFAULT '{}',
	decision_json   TEXT NOT NULL DEFAULT '{}',
	severity        TEXT NOT NULL DEFAULT 'info',
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_conversation ON audit_records(conversation_id);

CREATE TABLE IF NOT EXISTS agent_events (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	from_role    TEXT NOT NULL,
	to_role      TEXT NOT NULL,
	request_id   TEXT NOT NULL DEFAULT '',
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_events_request ON agent_events(request_id, created_at);

CREATE TABLE IF NOT EXISTS materials (
	material_id TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS stock (
	material_id TEXT PRIMARY KEY REFERENCES materials(material_id),
	on_hand     REAL NOT NULL DEFAULT 0.0,
	reserved    REAL NOT NULL DEFAULT 0.0
);

CREATE TABLE IF NOT EXISTS bom (
	product_id   TEXT NOT NULL,
	material_id  TEXT NOT NULL,
	qty_per_unit REAL NOT NULL,
	PRIMARY KEY (product_id, material_id)
);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
