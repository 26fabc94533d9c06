// Package sqlite is a store.Backend on SQLite (modernc.org/sqlite). Entity
// rows keep their JSON payload next to indexed id columns, and RunInTx maps
// onto a database transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petal-labs/flowport/entity"
	"github.com/petal-labs/flowport/flow"
	"github.com/petal-labs/flowport/store"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	provider TEXT,
	model_id TEXT,
	payload BLOB NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS data_store_nodes (
	id TEXT PRIMARY KEY,
	flow_id TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS if_nodes (
	id TEXT PRIMARY KEY,
	flow_id TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS flows (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_data_store_nodes_flow ON data_store_nodes(flow_id);
CREATE INDEX IF NOT EXISTS idx_if_nodes_flow ON if_nodes(flow_id);`

// Compile-time interface checks.
var (
	_ store.Backend    = (*Store)(nil)
	_ store.Transactor = (*Store)(nil)
)

// Config configures the SQLite backend.
type Config struct {
	DSN string
}

// dbtx is the query surface shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists agents, data-store nodes, if-nodes and flows in SQLite.
type Store struct {
	db *sql.DB
	queries
}

// Open opens (or creates) a SQLite database and applies the schema.
func Open(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sqlite store dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite store open: %w", err)
	}
	// One connection keeps per-connection pragmas in effect and serializes
	// writers, which SQLite requires anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store create schema: %w", err)
	}

	return &Store{db: db, queries: queries{q: db, now: time.Now}}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunInTx runs fn inside one database transaction. The transaction commits
// when fn returns nil and rolls back otherwise.
func (s *Store) RunInTx(ctx context.Context, fn func(store.Stores) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store begin: %w", err)
	}
	q := &queries{q: tx, now: s.now}
	if err := fn(store.Stores{Agents: q, DataStoreNodes: q, IfNodes: q, Flows: q}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store commit: %w", err)
	}
	return nil
}

// queries implements the four stores over a dbtx.
type queries struct {
	q   dbtx
	now func() time.Time
}

func (s *queries) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *queries) SaveAgent(ctx context.Context, a entity.Agent) (entity.Agent, error) {
	if a.ID == "" {
		return entity.Agent{}, fmt.Errorf("save agent: %w", store.ErrEmptyID)
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return entity.Agent{}, fmt.Errorf("sqlite store marshal agent: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
INSERT INTO agents (id, name, provider, model_id, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, nullIfEmpty(a.Provider), nullIfEmpty(a.ModelID), payload, s.timestamp())
	if err != nil {
		return entity.Agent{}, insertError("agent", a.ID, err)
	}
	return a, nil
}

func (s *queries) GetAgent(ctx context.Context, id string) (entity.Agent, bool, error) {
	var a entity.Agent
	ok, err := s.getPayload(ctx, `SELECT payload FROM agents WHERE id = ?`, id, &a)
	return a, ok, err
}

func (s *queries) SaveDataStoreNode(ctx context.Context, n entity.DataStoreNode) (entity.DataStoreNode, error) {
	if n.ID == "" {
		return entity.DataStoreNode{}, fmt.Errorf("save data store node: %w", store.ErrEmptyID)
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return entity.DataStoreNode{}, fmt.Errorf("sqlite store marshal data store node: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
INSERT INTO data_store_nodes (id, flow_id, payload, created_at)
VALUES (?, ?, ?, ?)`, n.ID, n.FlowID, payload, s.timestamp())
	if err != nil {
		return entity.DataStoreNode{}, insertError("data store node", n.ID, err)
	}
	return n, nil
}

func (s *queries) GetDataStoreNode(ctx context.Context, id string) (entity.DataStoreNode, bool, error) {
	var n entity.DataStoreNode
	ok, err := s.getPayload(ctx, `SELECT payload FROM data_store_nodes WHERE id = ?`, id, &n)
	return n, ok, err
}

func (s *queries) SaveIfNode(ctx context.Context, n entity.IfNode) (entity.IfNode, error) {
	if n.ID == "" {
		return entity.IfNode{}, fmt.Errorf("save if node: %w", store.ErrEmptyID)
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return entity.IfNode{}, fmt.Errorf("sqlite store marshal if node: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
INSERT INTO if_nodes (id, flow_id, payload, created_at)
VALUES (?, ?, ?, ?)`, n.ID, n.FlowID, payload, s.timestamp())
	if err != nil {
		return entity.IfNode{}, insertError("if node", n.ID, err)
	}
	return n, nil
}

func (s *queries) GetIfNode(ctx context.Context, id string) (entity.IfNode, bool, error) {
	var n entity.IfNode
	ok, err := s.getPayload(ctx, `SELECT payload FROM if_nodes WHERE id = ?`, id, &n)
	return n, ok, err
}

func (s *queries) SaveFlow(ctx context.Context, f flow.Flow) (flow.Flow, error) {
	if f.ID == "" {
		return flow.Flow{}, fmt.Errorf("save flow: %w", store.ErrEmptyID)
	}
	now := s.now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = f.CreatedAt
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return flow.Flow{}, fmt.Errorf("sqlite store marshal flow: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
INSERT INTO flows (id, name, payload, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)`,
		f.ID, f.Name, payload,
		f.CreatedAt.UTC().Format(time.RFC3339Nano),
		f.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return flow.Flow{}, insertError("flow", f.ID, err)
	}
	return f, nil
}

func (s *queries) GetFlow(ctx context.Context, id string) (flow.Flow, bool, error) {
	var f flow.Flow
	ok, err := s.getPayload(ctx, `SELECT payload FROM flows WHERE id = ?`, id, &f)
	return f, ok, err
}

// ListFlows returns all flows in insertion order.
func (s *queries) ListFlows(ctx context.Context) ([]flow.Flow, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT payload FROM flows ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list flows: %w", err)
	}
	defer rows.Close()

	var flows []flow.Flow
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlite store scan flow: %w", err)
		}
		var f flow.Flow
		if err := json.Unmarshal(payload, &f); err != nil {
			return nil, fmt.Errorf("sqlite store decode flow: %w", err)
		}
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store list flows rows: %w", err)
	}
	return flows, nil
}

func (s *queries) getPayload(ctx context.Context, query, id string, v any) (bool, error) {
	var payload []byte
	err := s.q.QueryRowContext(ctx, query, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("sqlite store get %s: %w", id, err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return false, fmt.Errorf("sqlite store decode %s: %w", id, err)
	}
	return true, nil
}

func insertError(kind, id string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("save %s %s: %w", kind, id, store.ErrExists)
	}
	return fmt.Errorf("sqlite store save %s: %w", kind, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
