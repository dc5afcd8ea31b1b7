package session

import (
	"context"
	"errors"
	"fmt"
	"os"

	"wafleet/internal/eventbus"
	"wafleet/internal/identity"
	"wafleet/internal/storage"
	"wafleet/internal/wire"
	logx "wafleet/pkg/logx"
)

// RecoverReport summarizes a startup recovery.
type RecoverReport struct {
	Loaded  int
	Started int
	// Retrying counts sessions whose first dial failed and that are queued
	// for reconnect.
	Retrying int
	Skipped  int
}

// Recover rehydrates every persisted session to disk and starts it without a
// pairing target. Empty, corrupt, unreadable or unwritable bundles are logged
// and skipped. An on-disk bundle newer than the stored copy is kept.
func (s *Supervisor) Recover(ctx context.Context) (RecoverReport, error) {
	var rep RecoverReport
	if s.store == nil {
		return rep, nil
	}
	rows, err := s.store.LoadAll(ctx)
	if err != nil {
		return rep, fmt.Errorf("session: load sessions: %w", err)
	}
	rep.Loaded = len(rows)

	cfg := s.config()
	if len(rows) > 0 {
		if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
			return rep, fmt.Errorf("session: bundle dir: %w", err)
		}
	}
	validator, _ := s.dialer.(wire.BundleValidator)

	for _, row := range rows {
		log := s.log.With(logx.String("session_id", row.ID), logx.String("short_id", row.ShortID))
		if !validID(row.ID) {
			log.Warn("skip session: invalid id")
			rep.Skipped++
			continue
		}
		if len(row.Bundle) == 0 {
			log.Warn("skip session: empty bundle")
			rep.Skipped++
			continue
		}
		if validator != nil {
			if err := validator.ValidateBundle(row.Bundle); err != nil {
				log.Warn("skip session: corrupt bundle", logx.Err(err))
				rep.Skipped++
				continue
			}
		}
		path := s.bundlePath(cfg, row.ID)
		disk, fresh := newerBundle(path, row, validator)
		if !fresh {
			if err := os.WriteFile(path, row.Bundle, 0o600); err != nil {
				log.Warn("skip session: write bundle", logx.Err(err))
				rep.Skipped++
				continue
			}
		}

		s.mu.Lock()
		if _, exists := s.entries[row.ID]; !exists {
			s.entries[row.ID] = &entry{id: row.ID, phone: row.Phone, shortID: row.ShortID, locked: row.Locked, state: StateClosed}
		}
		s.mu.Unlock()
		if fresh {
			log.Info("keeping on-disk bundle newer than stored copy")
			s.queuePersist(row.ID, disk)
		}
		if row.ShortID != "" {
			if err := s.index.Put(identity.Entry{ShortID: row.ShortID, SessionID: row.ID, Phone: row.Phone}); err != nil {
				log.Warn("restore alias failed", logx.Err(err))
			}
		}

		err := s.Start(ctx, row.ID, "", nil)
		switch {
		case err == nil:
			rep.Started++
		case errors.Is(err, wire.ErrBadBundle):
			log.Warn("skip session: bundle unreadable", logx.Err(err))
			s.forget(row.ID)
			rep.Skipped++
		default:
			// Dial and connect faults are already queued for reconnect.
			log.Warn("start recovered session", logx.Err(err))
			rep.Retrying++
		}
	}
	s.log.Info("sessions recovered", logx.Int("loaded", rep.Loaded), logx.Int("started", rep.Started),
		logx.Int("retrying", rep.Retrying), logx.Int("skipped", rep.Skipped))
	return rep, nil
}

// newerBundle returns the on-disk bundle at path when it was modified after
// row was saved and still validates.
func newerBundle(path string, row storage.Session, validator wire.BundleValidator) ([]byte, bool) {
	st, err := os.Stat(path)
	if err != nil || st.Size() == 0 || !st.ModTime().After(row.UpdatedAt) {
		return nil, false
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if validator != nil && validator.ValidateBundle(b) != nil {
		return nil, false
	}
	return b, true
}

// forget drops id from memory only; its stored row is kept.
func (s *Supervisor) forget(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	s.index.Remove(id)
	s.refreshGauges()
}

// Logout evicts companion devices from slots 1..N (failures tolerated), logs
// the account out and destroys the session. It returns the evicted count.
func (s *Supervisor) Logout(ctx context.Context, shortID string) (int, error) {
	ent, err := s.index.Resolve(shortID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	e := s.entries[ent.SessionID]
	if e == nil || e.conn == nil || e.state != StateOpen {
		s.mu.Unlock()
		return 0, ErrNotOpen
	}
	conn := e.conn
	slots := s.cfg.CompanionSlots
	s.mu.Unlock()

	log := s.log.With(logx.String("session_id", ent.SessionID), logx.String("short_id", shortID))
	evicted := 0
	for slot := 1; slot <= slots; slot++ {
		err := conn.RemoveCompanion(ctx, slot)
		if errors.Is(err, wire.ErrUnsupported) {
			log.Debug("companion eviction unsupported")
			break
		}
		if err != nil {
			log.Debug("companion eviction failed", logx.Int("slot", slot), logx.Err(err))
			continue
		}
		evicted++
	}
	if err := conn.Logout(ctx); err != nil {
		log.Warn("account logout failed, destroying locally", logx.Err(err))
	}

	s.mu.Lock()
	e = s.entries[ent.SessionID]
	if e == nil || e.conn != conn {
		// A concurrent close already tore it down.
		s.mu.Unlock()
		return evicted, nil
	}
	e.conn = nil
	e.state = StateClosed
	e.lastCode = wire.CodeLoggedOut
	e.gen++
	delete(s.entries, ent.SessionID)
	info, req := e.info(), e.requester
	s.mu.Unlock()

	_ = conn.Close()
	s.teardown(info)
	s.refreshGauges()
	eventbus.Emit(s.bus, eventbus.SessionFatal, info)
	if req != nil {
		s.notify(func() { req.Ended(info, wire.CodeLoggedOut) })
	}
	log.Info("session logged out", logx.Int("evicted", evicted))
	return evicted, nil
}

// SetLocked toggles anti-echo suppression for shortID and persists it.
func (s *Supervisor) SetLocked(ctx context.Context, shortID string, locked bool) error {
	ent, err := s.index.Resolve(shortID)
	if err != nil {
		return err
	}
	if s.store != nil {
		err := s.store.SetLockState(ctx, ent.SessionID, locked)
		if errors.Is(err, storage.ErrNotFound) {
			if err = s.store.Save(ctx, storage.Session{ID: ent.SessionID, Phone: ent.Phone, ShortID: ent.ShortID}); err == nil {
				err = s.store.SetLockState(ctx, ent.SessionID, locked)
			}
		}
		if err != nil {
			return fmt.Errorf("session: persist lock: %w", err)
		}
	}

	s.mu.Lock()
	if e := s.entries[ent.SessionID]; e != nil {
		e.locked = locked
	}
	s.mu.Unlock()
	s.log.Info("lock state changed", logx.String("short_id", shortID), logx.Bool("locked", locked))
	return nil
}
