package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config selects and configures a backend.
//
// Driver values:
//   - "file": JSON snapshot plus JSON Lines journal, no database needed
//   - "sqlite": SQLite database file
//
// An empty Driver or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Receiver is a chat subscribed to broadcasts.
type Receiver struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Username string    `json:"username,omitempty"`
	Locale   string    `json:"locale,omitempty"`
	Private  bool      `json:"private"`
	JoinedAt time.Time `json:"joined_at"`
}

// AuditEntry records an operator or scheduler action.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id,omitempty"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id,omitempty"`
	ThreadID      int       `json:"thread_id,omitempty"`
	Component     string    `json:"component"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	OK            int       `json:"ok"`
	Fail          int       `json:"fail"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms,omitempty"`
	MetaJSON      string    `json:"meta,omitempty"`
}

// ReceiverStore persists subscribed chats. Re-putting a chat keeps its
// original join time.
type ReceiverStore interface {
	PutReceiver(ctx context.Context, r Receiver) error
	DeleteReceiver(ctx context.Context, chatID int64) (bool, error)
	ListReceivers(ctx context.Context) ([]Receiver, error)
}

// AuditLog is append-only. RecentAudit returns up to n entries, newest
// first.
type AuditLog interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	RecentAudit(ctx context.Context, n int) ([]AuditEntry, error)
}

// DedupStore keeps outbox dedup windows across restarts. Expired keys
// read as absent.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Store is the persistence API used by the app and its services.
type Store interface {
	ReceiverStore
	AuditLog
	DedupStore
	Close() error
}
