package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"wafleet/internal/eventbus"
	"wafleet/internal/identity"
	"wafleet/internal/metrics"
	rtsup "wafleet/internal/runtime/supervisor"
	"wafleet/internal/storage"
	"wafleet/internal/wire"
	logx "wafleet/pkg/logx"
)

// entry is the supervisor-owned state of one session. Guarded by Supervisor.mu.
type entry struct {
	id      string
	phone   string
	shortID string
	locked  bool

	state       State
	conn        wire.Conn
	dialing     bool
	gen         uint64
	connectedAt time.Time
	lastCode    int

	requester      Requester
	pairingTarget  string
	openedNotified bool
	everOpened     bool

	backoff rtsup.Backoff
}

func (e *entry) active() bool { return e.dialing || e.conn != nil }

func (e *entry) info() Info {
	return Info{
		SessionID:   e.id,
		ShortID:     e.shortID,
		Phone:       e.phone,
		State:       e.state,
		Locked:      e.locked,
		ConnectedAt: e.connectedAt,
		LastCode:    e.lastCode,
	}
}

// Supervisor owns every connection handle. At most one handle exists per
// session id at any time.
type Supervisor struct {
	dialer   wire.Dialer
	store    storage.SessionStore
	index    *identity.Index
	bus      eventbus.Bus
	log      logx.Logger
	profiles *wire.ProfilePicker
	onMsg    MessageHandler

	rt *rtsup.Supervisor

	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	closed  bool

	reconnect *reconnectQueue
	persist   *persister
	// storeMu orders bundle saves against teardown deletes so a late save
	// cannot resurrect a destroyed row.
	storeMu sync.Mutex
}

// New creates a Supervisor whose background work is bound to ctx.
// Call Close to stop it.
func New(ctx context.Context, opts Options) *Supervisor {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "session"))
	profiles := opts.Profiles
	if profiles == nil {
		profiles = wire.NewProfilePicker(uint64(time.Now().UnixNano()))
	}
	index := opts.Index
	if index == nil {
		index = identity.New()
	}

	s := &Supervisor{
		dialer:   opts.Dialer,
		store:    opts.Store,
		index:    index,
		bus:      opts.Bus,
		log:      log,
		profiles: profiles,
		onMsg:    opts.OnMessage,
		rt:       rtsup.New(ctx, rtsup.WithLogger(log)),
		cfg:      opts.Config.withDefaults(),
		entries:  map[string]*entry{},
	}
	s.reconnect = newReconnectQueue()
	s.persist = newPersister()

	s.rt.Go0("session.reconnect", s.reconnectLoop)
	s.rt.Go0("session.persist", s.persistLoop)
	return s
}

// NewSessionID returns a fresh filesystem-safe session id.
func NewSessionID() string { return uuid.NewString() }

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (s *Supervisor) Index() *identity.Index { return s.index }

// UpdateConfig applies hot-reloadable settings. Dir changes take effect for
// sessions dialed afterwards.
func (s *Supervisor) UpdateConfig(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.log.Info("session config updated", logx.Any("fatal_codes", cfg.FatalCodes), logx.Int("companion_slots", cfg.CompanionSlots))
}

func (s *Supervisor) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Supervisor) bundlePath(cfg Config, id string) string {
	return filepath.Join(cfg.Dir, id+".db")
}

// Start dials sessionID. A non-empty pairingTarget requests a pairing code
// when the bundle holds no identity yet; req (optional) receives the outcome.
func (s *Supervisor) Start(ctx context.Context, sessionID, pairingTarget string, req Requester) error {
	if !validID(sessionID) {
		return ErrInvalidID
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	e := s.entries[sessionID]
	if e != nil && e.active() {
		s.mu.Unlock()
		return ErrSessionActive
	}
	if e == nil {
		e = &entry{id: sessionID}
		s.entries[sessionID] = e
	}
	if req != nil {
		e.requester = req
		e.openedNotified = false
	}
	e.pairingTarget = pairingTarget
	gen := s.beginDialLocked(e)
	s.mu.Unlock()

	return s.dial(ctx, sessionID, gen)
}

// beginDialLocked moves e into CONNECTING under a new generation.
func (s *Supervisor) beginDialLocked(e *entry) uint64 {
	e.gen++
	e.dialing = true
	e.state = StateConnecting
	e.backoff.Min, e.backoff.Max = s.cfg.ReconnectMin, s.cfg.ReconnectMax
	return e.gen
}

// dial opens a new handle for the entry's current generation. Listeners are
// attached before any network I/O.
func (s *Supervisor) dial(ctx context.Context, id string, gen uint64) error {
	cfg := s.config()
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		s.dialFailed(id, gen, err)
		return fmt.Errorf("session: bundle dir: %w", err)
	}

	profile := s.profiles.Pick()
	conn, err := s.dialer.Dial(ctx, wire.DialOptions{
		SessionID:  id,
		BundlePath: s.bundlePath(cfg, id),
		Profile:    profile,
	})
	if err != nil {
		s.dialFailed(id, gen, err)
		return fmt.Errorf("session: dial: %w", err)
	}

	s.mu.Lock()
	e := s.entries[id]
	if s.closed || e == nil || e.gen != gen {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	e.conn = conn
	e.dialing = false
	pairingTarget := e.pairingTarget
	info := e.info()
	s.mu.Unlock()

	s.spawn("session.events", func(ctx context.Context) { s.drain(ctx, id, gen, conn) })

	s.log.Info("session connecting", logx.String("session_id", id), logx.String("short_id", info.ShortID),
		logx.String("os", profile.OS), logx.String("browser", string(profile.Browser)))
	eventbus.Emit(s.bus, eventbus.SessionConnecting, info)
	s.refreshGauges()

	if err := conn.Connect(ctx); err != nil {
		s.log.Warn("connect failed", logx.String("session_id", id), logx.Err(err))
		s.handleClosed(id, gen, conn, wire.CodeConnectionLost, err.Error())
		return fmt.Errorf("session: connect: %w", err)
	}

	if pairingTarget != "" && !conn.Registered() {
		s.spawn("session.pair", func(ctx context.Context) { s.pair(ctx, id, gen, conn, pairingTarget) })
	}
	return nil
}

func (s *Supervisor) dialFailed(id string, gen uint64, err error) {
	s.log.Warn("dial failed", logx.String("session_id", id), logx.Err(err))
	s.mu.Lock()
	e := s.entries[id]
	if e == nil || e.gen != gen {
		s.mu.Unlock()
		return
	}
	e.dialing = false
	e.state = StateClosed
	if e.everOpened || e.pairingTarget == "" {
		if errors.Is(err, wire.ErrBadBundle) {
			s.mu.Unlock()
			s.log.Error("bundle unreadable, not reconnecting", logx.String("session_id", id), logx.Err(err))
			return
		}
		if !s.closed {
			s.scheduleReconnectLocked(e)
		}
		s.mu.Unlock()
		return
	}
	// A fresh pairing has nothing to reconnect to.
	delete(s.entries, id)
	info, req := e.info(), e.requester
	s.mu.Unlock()

	s.teardown(info)
	if req != nil {
		s.notify(func() { req.PairingFailed(info, err) })
	}
}

func (s *Supervisor) pair(ctx context.Context, id string, gen uint64, conn wire.Conn, target string) {
	cfg := s.config()
	pctx, cancel := context.WithTimeout(ctx, cfg.PairingTimeout)
	defer cancel()

	code, err := conn.RequestPairingCode(pctx, target)

	s.mu.Lock()
	e := s.entries[id]
	if e == nil || e.gen != gen {
		s.mu.Unlock()
		return
	}
	info, req := e.info(), e.requester
	s.mu.Unlock()

	if err != nil {
		metrics.PairingCodes.WithLabelValues(metrics.OutcomeFailed).Inc()
		s.log.Warn("pairing code request failed", logx.String("session_id", id), logx.Err(err))
		s.notify(func() {
			if req != nil {
				req.PairingFailed(info, err)
			}
		})
		return
	}
	metrics.PairingCodes.WithLabelValues(metrics.OutcomeIssued).Inc()
	s.log.Info("pairing code issued", logx.String("session_id", id))
	eventbus.Emit(s.bus, eventbus.SessionPairingCode, info)
	s.notify(func() {
		if req != nil {
			req.PairingCode(info, code)
		}
	})
}

// notify runs fn off the event goroutine.
func (s *Supervisor) notify(fn func()) {
	s.spawn("session.notify", func(context.Context) { fn() })
}

// spawn starts a supervised goroutine unless Close has begun.
func (s *Supervisor) spawn(name string, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.rt.Go0(name, fn)
}

func (s *Supervisor) isFatal(code int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.cfg.FatalCodes, code)
}

// Get returns the session behind shortID.
func (s *Supervisor) Get(shortID string) (Info, error) {
	ent, err := s.index.Resolve(shortID)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[ent.SessionID]
	if e == nil {
		return Info{}, identity.ErrUnknownShortID
	}
	return e.info(), nil
}

// List returns every known session ordered by short id, then session id.
func (s *Supervisor) List() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.info())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ShortID != out[j].ShortID {
			return out[i].ShortID < out[j].ShortID
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// OpenHandles snapshots the handles of OPEN sessions ordered by session id.
func (s *Supervisor) OpenHandles() []Handle {
	s.mu.Lock()
	out := make([]Handle, 0, len(s.entries))
	for _, e := range s.entries {
		if e.state == StateOpen && e.conn != nil {
			out = append(out, Handle{SessionID: e.id, ShortID: e.shortID, Phone: e.phone, Conn: e.conn})
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Counts returns how many sessions are in each state.
func (s *Supervisor) Counts() map[State]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[State]int{StateConnecting: 0, StateOpen: 0, StateClosed: 0}
	for _, e := range s.entries {
		out[e.state]++
	}
	return out
}

func (s *Supervisor) refreshGauges() {
	for st, n := range s.Counts() {
		metrics.SessionsByState.WithLabelValues(st.String()).Set(float64(n))
	}
}

// Close stops background work, closes every handle and flushes pending
// credential writes. Sessions are not torn down.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cfg := s.cfg
	conns := make([]wire.Conn, 0, len(s.entries))
	ids := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		if e.conn != nil {
			conns = append(conns, e.conn)
			ids = append(ids, e.id)
			e.conn = nil
		}
		e.gen++
		e.dialing = false
		e.state = StateClosed
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	err := s.rt.Stop(ctx)
	// The library keeps writing the bundle while connected; save its final
	// state now that every handle is closed.
	for _, id := range ids {
		s.snapshotBundle(cfg, id)
	}
	s.flushPersist(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
