package session

import (
	"context"
	"sync"
	"time"

	"wafleet/internal/metrics"
	logx "wafleet/pkg/logx"
)

// reconnectQueue holds one due time per session. Scheduling an id that is
// already queued keeps the earlier due time.
type reconnectQueue struct {
	mu   sync.Mutex
	due  map[string]time.Time
	wake chan struct{}
}

func newReconnectQueue() *reconnectQueue {
	return &reconnectQueue{due: map[string]time.Time{}, wake: make(chan struct{}, 1)}
}

func (q *reconnectQueue) push(id string, at time.Time) {
	q.mu.Lock()
	if cur, ok := q.due[id]; !ok || at.Before(cur) {
		q.due[id] = at
	}
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// popDue removes and returns ids due at now, plus the next pending due time.
func (q *reconnectQueue) popDue(now time.Time) ([]string, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ready []string
	var next time.Time
	for id, at := range q.due {
		if !at.After(now) {
			ready = append(ready, id)
			delete(q.due, id)
			continue
		}
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	return ready, next
}

func (q *reconnectQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.due)
}

// scheduleReconnectLocked queues e after its backoff. Caller holds s.mu.
func (s *Supervisor) scheduleReconnectLocked(e *entry) {
	wait := e.backoff.Next()
	s.reconnect.push(e.id, time.Now().Add(wait))
	s.log.Debug("reconnect scheduled", logx.String("session_id", e.id), logx.Duration("in", wait))
}

func (s *Supervisor) reconnectLoop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		ready, next := s.reconnect.popDue(time.Now())
		for _, id := range ready {
			s.redial(id)
		}

		wait := time.Hour
		if !next.IsZero() {
			wait = max(time.Until(next), 0)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.reconnect.wake:
		case <-timer.C:
		}
	}
}

// redial starts a new handle for id unless one is already in flight.
// Reconnects never carry a pairing target.
func (s *Supervisor) redial(id string) {
	s.mu.Lock()
	e := s.entries[id]
	if s.closed || e == nil || e.active() {
		s.mu.Unlock()
		return
	}
	e.pairingTarget = ""
	gen := s.beginDialLocked(e)
	s.mu.Unlock()

	metrics.ReconnectAttempts.Inc()
	s.spawn("session.redial", func(ctx context.Context) {
		if err := s.dial(ctx, id, gen); err != nil {
			s.log.Debug("redial failed", logx.String("session_id", id), logx.Err(err))
		}
	})
}
