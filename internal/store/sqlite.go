package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"relaycast/internal/event"
	logx "relaycast/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	pubkey     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	kind       INTEGER NOT NULL,
	tags       TEXT NOT NULL,
	content    TEXT NOT NULL,
	sig        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS events_pubkey_created ON events(pubkey, created_at);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Publish(ctx context.Context, e event.Event) error {
	if e.ID == "" {
		return ErrNoID
	}
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	tb, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events(id, pubkey, created_at, kind, tags, content, sig) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET sig=excluded.sig`,
		e.ID, e.PubKey, e.CreatedAt, e.Kind, string(tb), e.Content, e.Sig,
	)
	return wrapClosed(err)
}

func (s *sqliteStore) Get(ctx context.Context, id string) (event.Event, bool, error) {
	var (
		e    event.Event
		tags string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, pubkey, created_at, kind, tags, content, sig FROM events WHERE id = ?`, id,
	).Scan(&e.ID, &e.PubKey, &e.CreatedAt, &e.Kind, &tags, &e.Content, &e.Sig)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, false, nil
	}
	if err != nil {
		return event.Event{}, false, wrapClosed(err)
	}
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return event.Event{}, false, fmt.Errorf("decode tags of %s: %w", id, err)
	}
	return e, true, nil
}

func (s *sqliteStore) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	return wrapClosed(err)
}

func (s *sqliteStore) Len() int {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		s.log.Debug("count events failed", logx.Err(err))
		return 0
	}
	return n
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func wrapClosed(err error) error {
	if err != nil && strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
