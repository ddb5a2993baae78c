package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	_ "modernc.org/sqlite"
)

// Event represents a recorded pipeline timeline entry.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	Dropped   int       `json:"dropped,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Run summarizes one text stream.
type Run struct {
	RunID     string    `json:"run_id"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed event timeline store.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    source TEXT,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT,
    seq INTEGER NOT NULL DEFAULT 0,
    kind TEXT NOT NULL,
    text TEXT,
    error TEXT,
    dropped INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_run_seq ON events(run_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// AppendRun ensures a run row exists. Existing rows are left untouched.
func (s *Store) AppendRun(ctx context.Context, runID, source string) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, source, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(run_id) DO NOTHING`,
		runID, source, s.clock().UTC().UnixNano())
	return err
}

// AppendEvent writes an event into the store. Events without a run (skips)
// are stored with a NULL run id.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	var runID any
	if evt.RunID != "" {
		if err := s.AppendRun(ctx, evt.RunID, ""); err != nil {
			return err
		}
		runID = evt.RunID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(run_id, seq, kind, text, error, dropped, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		runID, int64(evt.Seq), evt.Kind, evt.Text, evt.Error, evt.Dropped, evt.CreatedAt.UTC().UnixNano())
	return err
}

// ListRunEvents retrieves up to limit events for a run in insertion order.
func (s *Store) ListRunEvents(ctx context.Context, runID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, seq, kind, text, error, dropped, created_at
		 FROM events WHERE run_id = ? ORDER BY id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			run     sql.NullString
			text    sql.NullString
			errText sql.NullString
			seq     int64
			created int64
		)
		if err := rows.Scan(&e.ID, &run, &seq, &e.Kind, &text, &errText, &e.Dropped, &created); err != nil {
			return nil, err
		}
		e.RunID = run.String
		e.Seq = uint64(seq)
		e.Text = text.String
		e.Error = errText.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, source, created_at FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r       Run
			source  sql.NullString
			created int64
		)
		if err := rows.Scan(&r.RunID, &source, &created); err != nil {
			return nil, err
		}
		r.Source = source.String
		r.CreatedAt = time.Unix(0, created).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
