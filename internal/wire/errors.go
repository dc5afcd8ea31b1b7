package wire

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned by operations the connection library cannot perform.
var ErrUnsupported = errors.New("wire: unsupported")

var ErrNotConnected = errors.New("wire: not connected")

// ErrBadBundle marks a dial that failed because the credential bundle could
// not be opened. Redialing the same bundle cannot succeed.
var ErrBadBundle = errors.New("wire: credential bundle unreadable")

type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyMember
	KindInvalidInvite
	KindRateLimited
	KindTimeout
	KindNotConnected
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyMember:
		return "already_member"
	case KindInvalidInvite:
		return "invalid_invite"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindNotConnected:
		return "not_connected"
	default:
		return "unknown"
	}
}

// Error is a classified network fault.
type Error struct {
	Kind Kind
	Op   string
	// Addr is populated when the fault still yielded an address
	// (e.g. joining a group the account already belongs to).
	Addr string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("wire %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("wire %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classified kind of err, KindUnknown when unclassified.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	if errors.Is(err, ErrNotConnected) {
		return KindNotConnected
	}
	return KindUnknown
}

// Is matches any *Error of the same Kind, so callers can write
// errors.Is(err, &wire.Error{Kind: wire.KindAlreadyMember}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Err == nil && t.Kind == e.Kind
}
