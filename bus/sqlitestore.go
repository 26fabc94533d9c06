package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petal-labs/flowport/flow"
	"github.com/petal-labs/flowport/importer"

	_ "modernc.org/sqlite"
)

// Events are keyed by (import_id, seq). The fields nobody queries on live
// in the JSON body.
const journalSchema = `
CREATE TABLE IF NOT EXISTS import_journal (
	import_id TEXT    NOT NULL,
	seq       INTEGER NOT NULL,
	kind      TEXT    NOT NULL,
	at        INTEGER NOT NULL,
	body      TEXT    NOT NULL,
	PRIMARY KEY (import_id, seq)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS import_journal_at ON import_journal(at);`

const defaultPruneInterval = time.Hour

// SQLiteStoreConfig configures a SQLiteEventStore.
type SQLiteStoreConfig struct {
	DSN string

	// RetentionAge drops events older than this. Zero keeps everything.
	RetentionAge time.Duration

	// PruneInterval bounds how often Append prunes. Zero means one hour.
	PruneInterval time.Duration
}

// SQLiteEventStore is an EventStore backed by a SQLite file, so an
// import's journal survives a restart.
type SQLiteEventStore struct {
	db  *sql.DB
	cfg SQLiteStoreConfig

	pruneMu   sync.Mutex
	lastPrune time.Time
}

// journalBody holds the columns of importer.Event that are stored as JSON.
type journalBody struct {
	Phase      importer.Phase `json:"phase,omitempty"`
	EntityKind flow.NodeKind  `json:"entity_kind,omitempty"`
	OldID      string         `json:"old_id,omitempty"`
	NewID      string         `json:"new_id,omitempty"`
	ElapsedNS  int64          `json:"elapsed_ns,omitempty"`
	Err        string         `json:"err,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	SpanID     string         `json:"span_id,omitempty"`
}

// NewSQLiteEventStore opens the journal at cfg.DSN, creating it if needed.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("event journal: dsn is required")
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = defaultPruneInterval
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("event journal: open %s: %w", cfg.DSN, err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", journalSchema} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("event journal: init: %w", err)
		}
	}
	return &SQLiteEventStore{db: db, cfg: cfg, lastPrune: time.Now()}, nil
}

func (s *SQLiteEventStore) Append(ctx context.Context, event importer.Event) error {
	body := journalBody{
		Phase:      event.Phase,
		EntityKind: event.EntityKind,
		OldID:      event.OldID,
		NewID:      event.NewID,
		ElapsedNS:  int64(event.Elapsed),
		Payload:    event.Payload,
		TraceID:    event.TraceID,
		SpanID:     event.SpanID,
	}
	if event.Err != nil {
		body.Err = event.Err.Error()
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("event journal: encode %s #%d: %w", event.ImportID, event.Seq, err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO import_journal (import_id, seq, kind, at, body) VALUES (?, ?, ?, ?, ?)`,
		event.ImportID, event.Seq, string(event.Kind), event.Time.UnixNano(), string(raw),
	); err != nil {
		return fmt.Errorf("event journal: append %s #%d: %w", event.ImportID, event.Seq, err)
	}

	if s.pruneDue() {
		return s.Prune(ctx)
	}
	return nil
}

// pruneDue reports whether PruneInterval has passed since the last prune
// and, if so, claims the next one.
func (s *SQLiteEventStore) pruneDue() bool {
	if s.cfg.RetentionAge <= 0 {
		return false
	}
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()
	now := time.Now()
	if now.Sub(s.lastPrune) < s.cfg.PruneInterval {
		return false
	}
	s.lastPrune = now
	return true
}

func (s *SQLiteEventStore) List(ctx context.Context, importID string, afterSeq uint64, limit int) ([]importer.Event, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, at, body FROM import_journal
		 WHERE import_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		importID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("event journal: list %s: %w", importID, err)
	}
	defer rows.Close()

	var events []importer.Event
	for rows.Next() {
		var (
			kind string
			at   int64
			raw  string
		)
		e := importer.Event{ImportID: importID}
		if err := rows.Scan(&e.Seq, &kind, &at, &raw); err != nil {
			return nil, fmt.Errorf("event journal: list %s: %w", importID, err)
		}
		var body journalBody
		if err := json.Unmarshal([]byte(raw), &body); err != nil {
			return nil, fmt.Errorf("event journal: decode %s #%d: %w", importID, e.Seq, err)
		}
		e.Kind = importer.EventKind(kind)
		e.Time = time.Unix(0, at)
		e.Phase = body.Phase
		e.EntityKind = body.EntityKind
		e.OldID, e.NewID = body.OldID, body.NewID
		e.Elapsed = time.Duration(body.ElapsedNS)
		e.TraceID, e.SpanID = body.TraceID, body.SpanID
		e.Payload = body.Payload
		if e.Payload == nil {
			e.Payload = map[string]any{}
		}
		if body.Err != "" {
			e.Err = errors.New(body.Err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteEventStore) LatestSeq(ctx context.Context, importID string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM import_journal WHERE import_id = ?`, importID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("event journal: latest seq %s: %w", importID, err)
	}
	return seq, nil
}

// Prune deletes events older than RetentionAge. Append calls it at most
// once per PruneInterval.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-s.cfg.RetentionAge).UnixNano()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM import_journal WHERE at < ?`, cutoff); err != nil {
		return fmt.Errorf("event journal: prune: %w", err)
	}
	return nil
}

func (s *SQLiteEventStore) Close() error {
	return s.db.Close()
}

var _ EventStore = (*SQLiteEventStore)(nil)
