// Package session supervises one network connection per persisted account:
// dialing, pairing, credential persistence, reconnection and teardown.
package session

import (
	"context"
	"errors"
	"time"

	"wafleet/internal/eventbus"
	"wafleet/internal/identity"
	"wafleet/internal/storage"
	"wafleet/internal/wire"
	logx "wafleet/pkg/logx"
)

var (
	ErrSessionActive = errors.New("session: already connecting or open")
	ErrNotOpen       = errors.New("session: not open")
	ErrClosed        = errors.New("session: supervisor closed")
	ErrInvalidID     = errors.New("session: invalid session id")
	// ErrPairingAbandoned is reported when an unpaired connection closes
	// before the account was linked.
	ErrPairingAbandoned = errors.New("session: connection closed before pairing completed")
)

type State int

const (
	StateConnecting State = iota + 1
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Info is a point-in-time view of one session.
type Info struct {
	SessionID   string    `json:"session_id"`
	ShortID     string    `json:"short_id,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	State       State     `json:"state"`
	Locked      bool      `json:"locked"`
	ConnectedAt time.Time `json:"connected_at,omitzero"`
	LastCode    int       `json:"last_code,omitempty"`
}

// Handle is a live connection of an OPEN session.
type Handle struct {
	SessionID string
	ShortID   string
	Phone     string
	Conn      wire.Conn
}

// Source identifies where an inbound message arrived.
type Source struct {
	Info
	Self wire.Self
	Conn wire.Conn
}

// MessageHandler observes inbound messages. It is called on the session's
// event goroutine, in delivery order, so it must bound its own blocking.
type MessageHandler interface {
	HandleMessage(ctx context.Context, src Source, m *wire.Message)
}

// Requester receives the outcome of a Start it initiated. Each method is
// called at most once per lifecycle event, off the event goroutine.
type Requester interface {
	PairingCode(info Info, code string)
	PairingFailed(info Info, err error)
	Opened(info Info)
	// Ended reports a fatal teardown (code is the disconnect code) or a logout.
	Ended(info Info, code int)
}

type Config struct {
	// Dir holds the on-disk credential bundles, one file per session.
	Dir            string
	FatalCodes     []int
	CompanionSlots int
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	PairingTimeout time.Duration
	// StoreTimeout bounds each persistence call.
	StoreTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Dir == "" {
		c.Dir = "./data/sessions"
	}
	if len(c.FatalCodes) == 0 {
		c.FatalCodes = wire.DefaultFatalCodes
	}
	if c.CompanionSlots <= 0 {
		c.CompanionSlots = 5
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.PairingTimeout <= 0 {
		c.PairingTimeout = 60 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	return c
}

type Options struct {
	Config    Config
	Dialer    wire.Dialer
	Store     storage.SessionStore
	Index     *identity.Index
	Bus       eventbus.Bus
	Log       logx.Logger
	Profiles  *wire.ProfilePicker
	OnMessage MessageHandler
}
