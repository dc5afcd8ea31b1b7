package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Session is one persisted account.
type Session struct {
	ID          string
	Phone       string
	ShortID     string
	Bundle      []byte
	Locked      bool
	ConnectedAt time.Time
	UpdatedAt   time.Time
}

// SessionStore persists sessions.
//
// Save upserts; on an existing row it keeps the stored phone and short id when
// the new values are empty, and never changes the lock flag (SetLockState owns it).
type SessionStore interface {
	Save(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	LoadAll(ctx context.Context) ([]Session, error)
	Delete(ctx context.Context, id string) error
	SetLockState(ctx context.Context, id string, locked bool) error
}

// DestinationStore is the broadcast address list. Addresses are canonical
// local numbers.
type DestinationStore interface {
	ListAll(ctx context.Context) ([]string, error)
	// RemoveMany is idempotent and returns how many rows were deleted.
	RemoveMany(ctx context.Context, addrs []string) (int, error)
	Count(ctx context.Context) (int, error)
	// AddMany ignores addresses already present and returns how many were added.
	AddMany(ctx context.Context, addrs []string) (int, error)
}
