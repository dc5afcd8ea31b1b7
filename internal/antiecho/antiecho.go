// Package antiecho deletes messages that a locked account sends itself, so an
// operator can keep an account for broadcasting only.
package antiecho

import (
	"context"
	"sync"
	"time"

	"wafleet/internal/eventbus"
	"wafleet/internal/metrics"
	"wafleet/internal/session"
	"wafleet/internal/wire"
	logx "wafleet/pkg/logx"
)

type Config struct {
	// AllowSelfChat keeps messages in the account's own chat.
	AllowSelfChat bool
	// AllowChats are chat addresses never revoked.
	AllowChats []string
	// RevokeTimeout bounds each revocation.
	RevokeTimeout time.Duration
}

// Decision is why a message was or was not revoked.
type Decision string

const (
	SkipBroadcast Decision = "broadcast"
	SkipForeign   Decision = "not_from_me"
	SkipUnlocked  Decision = "unlocked"
	SkipSelfChat  Decision = "self_chat"
	SkipAllowed   Decision = "allow_list"
	Revoke        Decision = "revoke"
)

// Suppressor implements session.MessageHandler. It keeps no per-session
// state; the only shared state is the config, swapped atomically on reload.
type Suppressor struct {
	bus eventbus.Bus
	log logx.Logger

	mu    sync.RWMutex
	cfg   Config
	allow map[string]struct{}
}

var _ session.MessageHandler = (*Suppressor)(nil)

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Suppressor {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Suppressor{bus: bus, log: log.With(logx.String("comp", "antiecho"))}
	s.Update(cfg)
	return s
}

func (s *Suppressor) Update(cfg Config) {
	if cfg.RevokeTimeout <= 0 {
		cfg.RevokeTimeout = 10 * time.Second
	}
	allow := make(map[string]struct{}, len(cfg.AllowChats))
	for _, c := range cfg.AllowChats {
		allow[c] = struct{}{}
	}
	s.mu.Lock()
	s.cfg, s.allow = cfg, allow
	s.mu.Unlock()
}

// Decide classifies m for the session described by src. It performs no I/O.
func (s *Suppressor) Decide(src session.Source, m *wire.Message) Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case m.Broadcast:
		return SkipBroadcast
	case !m.FromMe:
		return SkipForeign
	case !src.Locked:
		return SkipUnlocked
	case s.cfg.AllowSelfChat && src.Self.IsSelfChat(m.Chat):
		return SkipSelfChat
	}
	if _, ok := s.allow[m.Chat]; ok {
		return SkipAllowed
	}
	return Revoke
}

// HandleMessage revokes m when Decide says so. Revocation is attempted once.
func (s *Suppressor) HandleMessage(ctx context.Context, src session.Source, m *wire.Message) {
	if s.Decide(src, m) != Revoke {
		return
	}
	s.mu.RLock()
	timeout := s.cfg.RevokeTimeout
	s.mu.RUnlock()

	rctx, cancel := context.WithTimeout(ctx, timeout)
	err := src.Conn.Revoke(rctx, m.Chat, m.ID)
	cancel()

	log := s.log.With(logx.String("short_id", src.ShortID), logx.String("chat", m.Chat), logx.String("msg_id", m.ID))
	if err != nil {
		metrics.Revocations.WithLabelValues(metrics.OutcomeFailed).Inc()
		log.Warn("revoke failed", logx.Err(err))
		return
	}
	metrics.Revocations.WithLabelValues(metrics.OutcomeOK).Inc()
	log.Debug("message revoked")
	eventbus.Emit(s.bus, eventbus.AntiEchoRevoked, map[string]string{
		"short_id": src.ShortID,
		"chat":     m.Chat,
		"msg_id":   m.ID,
	})
}
