package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps sessions and the registry in one database. Each save is
// a single statement or transaction.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			contact_id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS registry (
			contact_id TEXT PRIMARY KEY,
			added_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) LoadSession(ctx context.Context, contactID string) (*Session, error) {
	if err := ValidateContactID(contactID); err != nil {
		return nil, err
	}

	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE contact_id = ?`, contactID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return NewSession(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", contactID, err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		log.Printf("[store] session %s unreadable, recreating: %v", contactID, err)
		return NewSession(), nil
	}
	sess.normalize()
	return &sess, nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, contactID string, sess *Session) error {
	if err := ValidateContactID(contactID); err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("save session %s: nil session", contactID)
	}
	sess.normalize()
	sess.LastUpdate = nowISO()

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", contactID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (contact_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(contact_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, contactID, string(data), sess.LastUpdate)
	if err != nil {
		return fmt.Errorf("save session %s: %w", contactID, err)
	}
	return nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT contact_id FROM sessions ORDER BY contact_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) LoadRegistry(ctx context.Context) (*Registry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT contact_id FROM registry ORDER BY contact_id`)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	defer rows.Close()

	r := NewRegistry()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan registry id: %w", err)
		}
		r.ContactIDs = append(r.ContactIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	var last string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'registry_last_update'`).Scan(&last)
	if err == nil {
		r.LastUpdate = last
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load registry timestamp: %w", err)
	}
	r.normalize()
	return r, nil
}

// SaveRegistry replaces the whole set inside one transaction.
func (s *SQLiteStore) SaveRegistry(ctx context.Context, r *Registry) error {
	if r == nil {
		return fmt.Errorf("save registry: nil registry")
	}
	r.normalize()
	r.LastUpdate = nowISO()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save registry begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM registry`); err != nil {
		return fmt.Errorf("save registry clear: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range r.ContactIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO registry (contact_id, added_at) VALUES (?, ?)`, id, now); err != nil {
			return fmt.Errorf("save registry insert %s: %w", id, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ('registry_last_update', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, r.LastUpdate); err != nil {
		return fmt.Errorf("save registry timestamp: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save registry commit: %w", err)
	}
	return nil
}
