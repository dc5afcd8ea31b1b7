package whatsapp

import (
	"context"
	"errors"
	"strings"

	"go.mau.fi/whatsmeow"

	"wafleet/internal/wire"
)

// opJoin is the only op whose server conflicts mean "already a member".
const opJoin = "join"

// classify wraps a library error as a *wire.Error. The library reports many
// server faults only as IQ error text, so those fall back to substring checks.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return &wire.Error{Kind: kindOf(op, err), Op: op, Err: err}
}

func kindOf(op string, err error) wire.Kind {
	switch {
	case errors.Is(err, whatsmeow.ErrNotConnected), errors.Is(err, whatsmeow.ErrNotLoggedIn):
		return wire.KindNotConnected
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, whatsmeow.ErrIQTimedOut):
		return wire.KindTimeout
	case errors.Is(err, whatsmeow.ErrInviteLinkInvalid), errors.Is(err, whatsmeow.ErrInviteLinkRevoked):
		return wire.KindInvalidInvite
	}

	msg := strings.ToLower(err.Error())
	switch {
	case op == opJoin && containsAny(msg, "already", "409", "conflict"):
		return wire.KindAlreadyMember
	case containsAny(msg, "rate-overlimit", "rate limit", "429"):
		return wire.KindRateLimited
	case containsAny(msg, "not-authorized", "gone", "revoked", "406"):
		return wire.KindInvalidInvite
	case containsAny(msg, "item-not-found", "not found", "404"):
		return wire.KindNotFound
	case containsAny(msg, "timed out", "timeout"):
		return wire.KindTimeout
	}
	return wire.KindUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
