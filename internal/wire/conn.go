package wire

import (
	"context"
	"time"
)

// Disconnect codes. They mirror the status codes the network reports.
const (
	CodeLoggedOut       = 401
	CodeForbidden       = 403
	CodeConnectionLost  = 408
	CodeConnectionClose = 428
	CodeReplaced        = 440
	CodeBadSession      = 500
	CodeRestartRequired = 515
)

// DefaultFatalCodes end a session permanently.
var DefaultFatalCodes = []int{CodeLoggedOut, CodeForbidden}

type EventKind int

const (
	EventOpened EventKind = iota + 1
	EventClosed
	EventCredentialsUpdated
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventCredentialsUpdated:
		return "credentials_updated"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is one item of a connection's ordered event stream.
type Event struct {
	Kind EventKind

	// EventClosed
	Code   int
	Reason string

	// EventCredentialsUpdated: the full serialized credential bundle.
	Bundle []byte

	// EventMessage
	Message *Message
}

type Message struct {
	ID     string
	Chat   string
	Sender string
	FromMe bool
	// Broadcast marks status updates and broadcast-list traffic.
	Broadcast bool
	Text      string
	At        time.Time
}

// Self describes the account behind an open connection.
type Self struct {
	// Phone is the account's digits-only international number.
	Phone string
	// Chats are every address the network uses for the account's own chat.
	Chats []string
}

func (s Self) IsSelfChat(chat string) bool {
	for _, c := range s.Chats {
		if c == chat {
			return true
		}
	}
	return false
}

type DialOptions struct {
	SessionID string
	// BundlePath is the on-disk credential bundle; it may not exist yet.
	BundlePath string
	Profile    Profile
}

type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Conn, error)
}

// Conn is one live connection handle.
//
// Events are delivered in order on Events until Close; Done is closed by
// Close. Implementations never block the network loop on a slow reader
// longer than Close allows.
type Conn interface {
	Events() <-chan Event
	Done() <-chan struct{}

	Connect(ctx context.Context) error
	// Registered reports whether the bundle holds a paired identity.
	Registered() bool
	Self() Self

	RequestPairingCode(ctx context.Context, phone string) (string, error)
	CheckExists(ctx context.Context, addr string) (bool, error)
	Send(ctx context.Context, to string, p Payload) (string, error)
	Revoke(ctx context.Context, chat, id string) error
	// JoinGroup accepts an invite code or link and returns the group address.
	// A wire error of KindAlreadyMember may still carry the address.
	JoinGroup(ctx context.Context, invite string) (string, error)
	RemoveCompanion(ctx context.Context, slot int) error
	Logout(ctx context.Context) error
	Close() error
}

// BundleValidator is implemented by dialers that can vet a serialized bundle
// before it is written to disk.
type BundleValidator interface {
	ValidateBundle(bundle []byte) error
}
