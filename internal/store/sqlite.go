// Package store provides SQLite-backed persistence for the tierforge control plane.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so every repo method can run
// inside or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id           TEXT PRIMARY KEY,
	parent_id         TEXT NOT NULL DEFAULT '',
	tier              INTEGER NOT NULL,
	domain            TEXT NOT NULL DEFAULT '',
	objective         TEXT NOT NULL DEFAULT '',
	target_project    TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'pending',
	status_reason     TEXT NOT NULL DEFAULT '',
	error_message     TEXT NOT NULL DEFAULT '',
	token_budget      INTEGER NOT NULL DEFAULT 0,
	token_usage       INTEGER NOT NULL DEFAULT 0,
	risk_factor       REAL NOT NULL DEFAULT 0.0,
	compliance_score  REAL NOT NULL DEFAULT 0.0,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	result_checksum   TEXT NOT NULL DEFAULT '',
	paused_for_budget INTEGER NOT NULL DEFAULT 0,
	state_version     INTEGER NOT NULL DEFAULT 1,
	created_at        INTEGER NOT NULL DEFAULT 0,
	updated_at        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);

CREATE TABLE IF NOT EXISTS budget_requests (
	request_id          TEXT PRIMARY KEY,
	task_id             TEXT NOT NULL,
	requested_by        TEXT NOT NULL DEFAULT '',
	reason              TEXT NOT NULL DEFAULT '',
	requested_increment INTEGER NOT NULL,
	current_budget      INTEGER NOT NULL DEFAULT 0,
	current_usage       INTEGER NOT NULL DEFAULT 0,
	status              TEXT NOT NULL DEFAULT 'pending',
	approved_increment  INTEGER,
	resolution_note     TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL,
	resolved_at         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_budget_requests_task ON budget_requests(task_id, status);

CREATE TABLE IF NOT EXISTS mutations (
	mutation_id        TEXT PRIMARY KEY,
	task_id            TEXT NOT NULL,
	agent_uid          TEXT NOT NULL DEFAULT '',
	file_path          TEXT NOT NULL,
	diff_content       TEXT NOT NULL DEFAULT '',
	intent_description TEXT NOT NULL DEFAULT '',
	intent_hash        TEXT NOT NULL DEFAULT '',
	confidence         REAL NOT NULL DEFAULT 0.0,
	status             TEXT NOT NULL DEFAULT 'proposed',
	test_result        TEXT,
	test_exit_code     INTEGER,
	rejection_reason   TEXT,
	rejected_at_step   TEXT,
	proposed_at        INTEGER NOT NULL,
	applied_at         INTEGER
);
CREATE INDEX IF NOT EXISTS idx_mutations_task ON mutations(task_id, status);

CREATE TABLE IF NOT EXISTS usage_records (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT NOT NULL,
	tokens     INTEGER NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_usage_task ON usage_records(task_id);

CREATE TABLE IF NOT EXISTS objectives (
	objective_id        TEXT PRIMARY KEY,
	root_task_id        TEXT NOT NULL UNIQUE,
	description         TEXT NOT NULL DEFAULT '',
	global_token_budget INTEGER NOT NULL,
	overhead_budget     INTEGER NOT NULL,
	distributed_budget  INTEGER NOT NULL,
	reserve_budget      INTEGER NOT NULL,
	created_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER NOT NULL,
	actor      TEXT NOT NULL DEFAULT '',
	action     TEXT NOT NULL,
	task_id    TEXT NOT NULL DEFAULT '',
	target_id  TEXT NOT NULL DEFAULT '',
	details    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_audit_task ON audit_log(task_id, id);
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

// WithTx runs fn inside a transaction, committing on success.
// fn must only use the tx it is given; with a single connection any use of
// the parent *sql.DB inside fn would deadlock.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
