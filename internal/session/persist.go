package session

import (
	"context"
	"os"
	"sync"

	"wafleet/internal/metrics"
	"wafleet/internal/storage"
	logx "wafleet/pkg/logx"
)

// persister coalesces credential bundles per session; only the newest bundle
// of a burst is written.
type persister struct {
	mu      sync.Mutex
	pending map[string][]byte
	wake    chan struct{}
}

func newPersister() *persister {
	return &persister{pending: map[string][]byte{}, wake: make(chan struct{}, 1)}
}

// queuePersist never blocks the event goroutine.
func (s *Supervisor) queuePersist(id string, bundle []byte) {
	if len(bundle) == 0 || s.store == nil {
		return
	}
	s.persist.mu.Lock()
	s.persist.pending[id] = bundle
	s.persist.mu.Unlock()
	select {
	case s.persist.wake <- struct{}{}:
	default:
	}
}

// snapshotBundle queues the on-disk bundle of id for saving.
func (s *Supervisor) snapshotBundle(cfg Config, id string) {
	b, err := os.ReadFile(s.bundlePath(cfg, id))
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("read bundle failed", logx.String("session_id", id), logx.Err(err))
		}
		return
	}
	s.queuePersist(id, b)
}

func (s *Supervisor) dropPersist(id string) {
	s.persist.mu.Lock()
	delete(s.persist.pending, id)
	s.persist.mu.Unlock()
}

func (s *Supervisor) takePending() map[string][]byte {
	s.persist.mu.Lock()
	defer s.persist.mu.Unlock()
	if len(s.persist.pending) == 0 {
		return nil
	}
	out := s.persist.pending
	s.persist.pending = map[string][]byte{}
	return out
}

func (s *Supervisor) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.persist.wake:
			s.writePending(ctx)
		}
	}
}

func (s *Supervisor) flushPersist(ctx context.Context) { s.writePending(ctx) }

// writePending saves each pending bundle once. Failures are counted and
// logged; the next credential update supersedes the lost write.
func (s *Supervisor) writePending(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	batch := s.takePending()
	timeout := s.config().StoreTimeout
	for id, bundle := range batch {
		s.storeMu.Lock()
		if !s.known(id) {
			s.storeMu.Unlock()
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, timeout)
		err := s.store.Save(sctx, storage.Session{ID: id, Bundle: bundle})
		cancel()
		s.storeMu.Unlock()

		if err != nil {
			metrics.PersistFailures.Inc()
			s.log.Error("persist credentials failed", logx.String("session_id", id), logx.Err(err))
			continue
		}
		s.log.Debug("credentials persisted", logx.String("session_id", id), logx.Int("bytes", len(bundle)))
	}
}
