package session

import (
	"context"
	"errors"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"wafleet/internal/eventbus"
	"wafleet/internal/identity"
	"wafleet/internal/metrics"
	"wafleet/internal/storage"
	"wafleet/internal/wire"
	logx "wafleet/pkg/logx"
)

// drain is the single reader of one handle's event stream.
func (s *Supervisor) drain(ctx context.Context, id string, gen uint64, conn wire.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case ev := <-conn.Events():
			s.handleEvent(ctx, id, gen, conn, ev)
		}
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, id string, gen uint64, conn wire.Conn, ev wire.Event) {
	switch ev.Kind {
	case wire.EventOpened:
		s.handleOpened(ctx, id, gen, conn)
	case wire.EventClosed:
		s.handleClosed(id, gen, conn, ev.Code, ev.Reason)
	case wire.EventCredentialsUpdated:
		s.queuePersist(id, ev.Bundle)
	case wire.EventMessage:
		if ev.Message != nil {
			s.dispatchMessage(ctx, id, gen, conn, ev.Message)
		}
	}
}

// currentLocked reports whether conn is still the live handle of id at gen.
// Caller holds s.mu.
func (s *Supervisor) currentLocked(id string, gen uint64, conn wire.Conn) (*entry, bool) {
	e := s.entries[id]
	if e == nil || e.gen != gen || e.conn != conn {
		return nil, false
	}
	return e, true
}

func (s *Supervisor) handleOpened(ctx context.Context, id string, gen uint64, conn wire.Conn) {
	self := conn.Self()

	s.mu.Lock()
	e, ok := s.currentLocked(id, gen, conn)
	if !ok {
		s.mu.Unlock()
		return
	}
	if self.Phone != "" {
		e.phone = self.Phone
	}
	if e.shortID == "" {
		e.shortID = s.index.Assign(id, e.phone).ShortID
	} else if err := s.index.Put(identity.Entry{ShortID: e.shortID, SessionID: id, Phone: e.phone}); err != nil {
		// Persisted alias collides with a live one: mint a fresh alias.
		s.log.Warn("short id collision, reassigning", logx.String("session_id", id), logx.String("short_id", e.shortID))
		s.index.Remove(id)
		e.shortID = s.index.Assign(id, e.phone).ShortID
	}
	e.state = StateOpen
	e.connectedAt = time.Now()
	e.everOpened = true
	e.pairingTarget = ""
	e.backoff.Reset()
	notifyReq := e.requester
	if e.openedNotified {
		notifyReq = nil
	}
	e.openedNotified = true
	info := e.info()
	s.mu.Unlock()

	s.log.Info("session open", logx.String("session_id", id), logx.String("short_id", info.ShortID), logx.String("phone", info.Phone))
	eventbus.Emit(s.bus, eventbus.SessionOpen, info)
	s.refreshGauges()

	s.saveRow(storage.Session{ID: id, Phone: info.Phone, ShortID: info.ShortID, ConnectedAt: info.ConnectedAt})
	if notifyReq != nil {
		s.notify(func() { notifyReq.Opened(info) })
	}
}

// handleClosed routes a close to teardown (fatal) or the reconnect queue.
func (s *Supervisor) handleClosed(id string, gen uint64, conn wire.Conn, code int, reason string) {
	registered := conn.Registered()
	fatal := s.isFatal(code)

	s.mu.Lock()
	e, ok := s.currentLocked(id, gen, conn)
	if !ok {
		s.mu.Unlock()
		return
	}
	e.conn = nil
	e.state = StateClosed
	e.lastCode = code
	// An identity-less bundle cannot reconnect into an account.
	abandoned := !fatal && !registered && !e.everOpened
	if fatal || abandoned {
		delete(s.entries, id)
	}
	info, req := e.info(), e.requester
	s.mu.Unlock()

	// The old handle is closed before any redial is queued.
	_ = conn.Close()
	if !fatal && !abandoned {
		s.mu.Lock()
		if s.entries[id] == e && !s.closed && !e.active() {
			s.scheduleReconnectLocked(e)
		}
		s.mu.Unlock()
	}
	metrics.SessionCloses.WithLabelValues(strconv.Itoa(code)).Inc()
	s.refreshGauges()

	switch {
	case fatal:
		s.log.Warn("session closed fatally", logx.String("session_id", id), logx.String("short_id", info.ShortID),
			logx.Int("code", code), logx.String("reason", reason))
		s.teardown(info)
		eventbus.Emit(s.bus, eventbus.SessionFatal, info)
		if req != nil {
			s.notify(func() { req.Ended(info, code) })
		}
	case abandoned:
		s.log.Warn("pairing abandoned", logx.String("session_id", id), logx.Int("code", code))
		s.teardown(info)
		eventbus.Emit(s.bus, eventbus.SessionClosed, info)
		if req != nil {
			s.notify(func() { req.PairingFailed(info, ErrPairingAbandoned) })
		}
	default:
		s.log.Info("session closed, reconnecting", logx.String("session_id", id), logx.String("short_id", info.ShortID),
			logx.Int("code", code), logx.String("reason", reason))
		eventbus.Emit(s.bus, eventbus.SessionClosed, info)
	}
}

// teardown destroys a session whose entry was already removed: bundle files,
// index entry and store row.
func (s *Supervisor) teardown(info Info) {
	s.dropPersist(info.SessionID)

	path := s.bundlePath(s.config(), info.SessionID)
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("remove bundle failed", logx.String("path", p), logx.Err(err))
		}
	}
	s.index.Remove(info.SessionID)

	if s.store != nil {
		s.storeMu.Lock()
		ctx, cancel := context.WithTimeout(context.Background(), s.config().StoreTimeout)
		err := s.store.Delete(ctx, info.SessionID)
		cancel()
		s.storeMu.Unlock()
		if err != nil {
			s.log.Error("delete session row failed", logx.String("session_id", info.SessionID), logx.Err(err))
		}
	}
	metrics.FatalTeardowns.Inc()
}

func (s *Supervisor) dispatchMessage(ctx context.Context, id string, gen uint64, conn wire.Conn, m *wire.Message) {
	if s.onMsg == nil {
		return
	}
	s.mu.Lock()
	e, ok := s.currentLocked(id, gen, conn)
	if !ok || e.state != StateOpen {
		s.mu.Unlock()
		return
	}
	src := Source{Info: e.info(), Conn: conn}
	s.mu.Unlock()
	src.Self = conn.Self()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("message handler panicked", logx.String("session_id", id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	s.onMsg.HandleMessage(ctx, src, m)
}

// saveRow persists non-bundle fields. Failures are logged only.
func (s *Supervisor) saveRow(row storage.Session) {
	if s.store == nil {
		return
	}
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	if !s.known(row.ID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config().StoreTimeout)
	defer cancel()
	if err := s.store.Save(ctx, row); err != nil {
		metrics.PersistFailures.Inc()
		s.log.Error("save session failed", logx.String("session_id", row.ID), logx.Err(err))
	}
}

func (s *Supervisor) known(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}
