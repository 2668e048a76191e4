// Package sqlite is the SQLite-backed session store, selectable as an
// alternative to the default file store.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/clawcore/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id       TEXT PRIMARY KEY,
	data     TEXT NOT NULL,
	updated  INTEGER NOT NULL
);
`

// Store keeps one row per session, the payload as a JSON blob.
type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is not safe for concurrent writers on one conn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Load(sessionID string) (*store.SessionData, error) {
	var raw string
	err := s.db.QueryRow(`SELECT data FROM sessions WHERE id = ?`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	var sd store.SessionData
	if err := json.Unmarshal([]byte(raw), &sd); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", sessionID, err)
	}
	return &sd, nil
}

func (s *Store) Save(sessionID string, sd *store.SessionData) error {
	sd.Updated = time.Now()
	raw, err := json.Marshal(sd)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, data, updated) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated = excluded.updated`,
		sessionID, string(raw), sd.Updated.UnixMilli(),
	)
	return err
}

func (s *Store) Delete(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID)
	return err
}

func (s *Store) List() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM sessions ORDER BY updated DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }
