// Package store defines session persistence: what a saved session looks
// like on disk and the stores that read and write it.
package store

import (
	"time"

	"github.com/nextlevelbuilder/clawcore/internal/providers"
)

// Todo statuses.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
)

// Todo is one task-list entry.
type Todo struct {
	Content    string `json:"content"`
	Status     string `json:"status"`
	ActiveForm string `json:"activeForm"`
	ID         string `json:"id,omitempty"`
}

// SessionData is the persisted shape of one session.
type SessionData struct {
	Messages []providers.Message `json:"messages"`
	Todos    []Todo              `json:"todos"`
	Updated  time.Time           `json:"updated,omitempty"`
}

// SessionStore persists sessions. Load returns (nil, nil) when the
// session does not exist.
type SessionStore interface {
	Load(sessionID string) (*SessionData, error)
	Save(sessionID string, data *SessionData) error
	Delete(sessionID string) error
	List() ([]string, error)
	Close() error
}
