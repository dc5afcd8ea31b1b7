package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wafleet/internal/identity"
	"wafleet/internal/storage"
	"wafleet/internal/wire"
	"wafleet/internal/wire/wiretest"
	logx "wafleet/pkg/logx"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
	selfNum = "2348031234567"
)

type recorder struct {
	mu       sync.Mutex
	codes    []string
	failures []error
	opened   int
	ended    []int
}

func (r *recorder) PairingCode(_ Info, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
}

func (r *recorder) PairingFailed(_ Info, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *recorder) Opened(Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened++
}

func (r *recorder) Ended(_ Info, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, code)
}

func (r *recorder) snapshot() (codes []string, failures []error, opened int, ended []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.codes...), append([]error(nil), r.failures...), r.opened, append([]int(nil), r.ended...)
}

type fixture struct {
	sup    *Supervisor
	dialer *wiretest.Dialer
	store  *storage.SQLite
	dir    string
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	root := t.TempDir()
	st, err := storage.Open(storage.Config{Path: filepath.Join(root, "wafleet.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	d := wiretest.NewDialer()
	d.NewConnFn = func(wire.DialOptions) *wiretest.Conn {
		c := wiretest.NewConn(true)
		c.SelfInfo = wire.Self{Phone: selfNum, Chats: []string{selfNum + "@s.whatsapp.net"}}
		return c
	}

	o := Options{
		Config: Config{
			Dir:            filepath.Join(root, "sessions"),
			ReconnectMin:   time.Millisecond,
			ReconnectMax:   5 * time.Millisecond,
			PairingTimeout: time.Second,
			CompanionSlots: 5,
		},
		Dialer:   d,
		Store:    st,
		Index:    identity.New(),
		Profiles: wire.NewProfilePicker(1),
	}
	for _, fn := range opts {
		fn(&o)
	}
	sup := New(context.Background(), o)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = sup.Close(ctx)
	})
	return &fixture{sup: sup, dialer: d, store: st, dir: o.Config.Dir}
}

func (f *fixture) waitState(t *testing.T, id string, want State) Info {
	t.Helper()
	var got Info
	require.Eventually(t, func() bool {
		for _, in := range f.sup.List() {
			if in.SessionID == id && in.State == want {
				got = in
				return true
			}
		}
		return false
	}, waitFor, tick, "session %s never reached %s", id, want)
	return got
}

func TestStartOpensAndAssignsAlias(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	id := NewSessionID()

	require.NoError(t, f.sup.Start(context.Background(), id, "", rec))
	info := f.waitState(t, id, StateOpen)

	assert.True(t, identity.ValidShortID(info.ShortID))
	assert.Equal(t, selfNum, info.Phone)

	ent, err := f.sup.Index().Resolve(info.ShortID)
	require.NoError(t, err)
	assert.Equal(t, id, ent.SessionID)

	require.Eventually(t, func() bool { _, _, opened, _ := rec.snapshot(); return opened == 1 }, waitFor, tick)

	row, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, info.ShortID, row.ShortID)
	assert.Equal(t, selfNum, row.Phone)

	handles := f.sup.OpenHandles()
	require.Len(t, handles, 1)
	assert.Equal(t, id, handles[0].SessionID)
}

func TestStartIsSingleFlight(t *testing.T) {
	f := newFixture(t)
	id := NewSessionID()
	require.NoError(t, f.sup.Start(context.Background(), id, "", nil))
	assert.ErrorIs(t, f.sup.Start(context.Background(), id, "", nil), ErrSessionActive)
	assert.ErrorIs(t, f.sup.Start(context.Background(), "not-a-uuid", "", nil), ErrInvalidID)
	assert.Equal(t, 1, f.dialer.Dials())
}

func TestTransientCloseReconnectsOnce(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	id := NewSessionID()
	require.NoError(t, f.sup.Start(context.Background(), id, "", rec))
	first := f.waitState(t, id, StateOpen)
	c1 := f.dialer.Last(id)

	c1.Drop(wire.CodeConnectionLost)
	c1.Drop(wire.CodeConnectionLost)

	require.Eventually(t, func() bool { return f.dialer.Dials() == 2 }, waitFor, tick)
	second := f.waitState(t, id, StateOpen)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 2, f.dialer.Dials())
	assert.Equal(t, 1, f.dialer.PeakLive(id))
	assert.True(t, c1.Closed())
	assert.Equal(t, first.ShortID, second.ShortID)

	handles := f.sup.OpenHandles()
	require.Len(t, handles, 1)
	assert.Same(t, f.dialer.Last(id), handles[0].Conn)

	// Reconnects never request pairing and never re-announce the open.
	assert.Empty(t, f.dialer.Last(id).PairedWith())
	_, _, opened, ended := rec.snapshot()
	assert.Equal(t, 1, opened)
	assert.Empty(t, ended)
}

func TestFatalCloseTearsDown(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	id := NewSessionID()
	require.NoError(t, f.sup.Start(context.Background(), id, "", rec))
	info := f.waitState(t, id, StateOpen)

	bundle := filepath.Join(f.dir, id+".db")
	require.NoError(t, os.WriteFile(bundle, []byte("bundle"), 0o600))

	f.dialer.Last(id).Drop(wire.CodeLoggedOut)

	require.Eventually(t, func() bool { return len(f.sup.List()) == 0 }, waitFor, tick)
	_, err := f.sup.Index().Resolve(info.ShortID)
	assert.ErrorIs(t, err, identity.ErrUnknownShortID)

	_, err = f.store.Get(context.Background(), id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = os.Stat(bundle)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.Eventually(t, func() bool { _, _, _, ended := rec.snapshot(); return len(ended) == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.dialer.Dials())
	_, _, _, ended := rec.snapshot()
	assert.Equal(t, []int{wire.CodeLoggedOut}, ended)
}

func TestFatalCodesAreConfigurable(t *testing.T) {
	f := newFixture(t)
	cfg := f.sup.config()
	cfg.FatalCodes = []int{wire.CodeReplaced}
	f.sup.UpdateConfig(cfg)

	id := NewSessionID()
	require.NoError(t, f.sup.Start(context.Background(), id, "", nil))
	f.waitState(t, id, StateOpen)

	// 401 is no longer fatal.
	f.dialer.Last(id).Drop(wire.CodeLoggedOut)
	require.Eventually(t, func() bool { return f.dialer.Dials() == 2 }, waitFor, tick)
	f.waitState(t, id, StateOpen)

	f.dialer.Last(id).Drop(wire.CodeReplaced)
	require.Eventually(t, func() bool { return len(f.sup.List()) == 0 }, waitFor, tick)
}

func TestCredentialsPersistedNewestWins(t *testing.T) {
	f := newFixture(t)
	id := NewSessionID()
	require.NoError(t, f.sup.Start(context.Background(), id, "", nil))
	f.waitState(t, id, StateOpen)

	c := f.dialer.Last(id)
	c.Creds([]byte("v1"))
	c.Creds([]byte("v2"))

	require.Eventually(t, func() bool {
		row, err := f.store.Get(context.Background(), id)
		return err == nil && string(row.Bundle) == "v2"
	}, waitFor, tick)
}

type failingStore struct {
	storage.SessionStore
}

func (failingStore) Save(context.Context, storage.Session) error { return errors.New("disk full") }

func TestPersistFailureNeverBlocksEvents(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Store = failingStore{SessionStore: o.Store}
	})
	id := NewSessionID()
	require.NoError(t, f.sup.Start(context.Background(), id, "", nil))
	f.waitState(t, id, StateOpen)

	c := f.dialer.Last(id)
	for i := 0; i < 20; i++ {
		c.Creds([]byte("bundle"))
	}
	c.Drop(wire.CodeRestartRequired)

	require.Eventually(t, func() bool { return f.dialer.Dials() == 2 }, waitFor, tick)
	f.waitState(t, id, StateOpen)
}

func TestPairingCodeRelayed(t *testing.T) {
	f := newFixture(t)
	f.dialer.NewConnFn = func(wire.DialOptions) *wiretest.Conn {
		c := wiretest.NewConn(false)
		c.PairingCode = "WXYZ-1234"
		c.SelfInfo = wire.Self{Phone: selfNum}
		return c
	}
	rec := &recorder{}
	id := NewSessionID()
	require.NoError(t, f.sup.Start(context.Background(), id, selfNum, rec))

	require.Eventually(t, func() bool { codes, _, _, _ := rec.snapshot(); return len(codes) == 1 }, waitFor, tick)
	codes, _, _, _ := rec.snapshot()
	assert.Equal(t, []string{"WXYZ-1234"}, codes)

	c := f.dialer.Last(id)
	assert.Equal(t, []string{selfNum}, c.PairedWith())
	f.waitState(t, id, StateConnecting)

	// The primary device confirms the code.
	c.SetRegistered(true)
	c.Creds([]byte("paired"))
	c.Open()
	f.waitState(t, id, StateOpen)
	require.Eventually(t, func() bool { _, _, opened, _ := rec.snapshot(); return opened == 1 }, waitFor, tick)
}

func TestPairingFailureIsReportedNotFatal(t *testing.T) {
	f := newFixture(t)
	f.dialer.NewConnFn = func(wire.DialOptions) *wiretest.Conn {
		c := wiretest.NewConn(false)
		c.PairingErr = errors.New("rate-overlimit")
		return c
	}
	rec := &recorder{}
	id := NewSessionID()
	require.NoError(t, f.sup.Start(context.Background(), id, selfNum, rec))

	require.Eventually(t, func() bool { _, failures, _, _ := rec.snapshot(); return len(failures) == 1 }, waitFor, tick)
	f.waitState(t, id, StateConnecting)
	assert.False(t, f.dialer.Last(id).Closed())
}

func TestUnpairedCloseAbandonsSession(t *testing.T) {
	f := newFixture(t)
	f.dialer.NewConnFn = func(wire.DialOptions) *wiretest.Conn { return wiretest.NewConn(false) }
	rec := &recorder{}
	id := NewSessionID()
	require.NoError(t, f.sup.Start(context.Background(), id, selfNum, rec))
	require.Eventually(t, func() bool { codes, _, _, _ := rec.snapshot(); return len(codes) == 1 }, waitFor, tick)

	f.dialer.Last(id).Drop(wire.CodeConnectionLost)

	require.Eventually(t, func() bool {
		_, failures, _, _ := rec.snapshot()
		return len(failures) == 1 && errors.Is(failures[0], ErrPairingAbandoned)
	}, waitFor, tick)
	assert.Empty(t, f.sup.List())
	assert.Equal(t, 1, f.dialer.Dials())
}

func TestPairingDialFailureDoesNotLinger(t *testing.T) {
	f := newFixture(t)
	f.dialer.DialErr = errors.New("dns")
	rec := &recorder{}
	id := NewSessionID()
	require.Error(t, f.sup.Start(context.Background(), id, selfNum, rec))

	require.Eventually(t, func() bool { _, failures, _, _ := rec.snapshot(); return len(failures) == 1 }, waitFor, tick)
	assert.Empty(t, f.sup.List())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.dialer.Dials())
}

func TestRecoverToleratesEmptyAndCorrupt(t *testing.T) {
	f := newFixture(t)
	rep, err := f.sup.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RecoverReport{}, rep)

	ctx := context.Background()
	good, empty, corrupt := NewSessionID(), NewSessionID(), NewSessionID()
	require.NoError(t, f.store.Save(ctx, storage.Session{ID: good, ShortID: "keep1", Phone: selfNum, Bundle: []byte("SQLite format 3\x00ok")}))
	require.NoError(t, f.store.SetLockState(ctx, good, true))
	require.NoError(t, f.store.Save(ctx, storage.Session{ID: empty}))
	require.NoError(t, f.store.Save(ctx, storage.Session{ID: corrupt, Bundle: []byte("garbage")}))
	f.dialer.ValidateFn = func(b []byte) error {
		if string(b) == "garbage" {
			return errors.New("not a database")
		}
		return nil
	}

	rep, err = f.sup.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoverReport{Loaded: 3, Started: 1, Skipped: 2}, rep)

	info := f.waitState(t, good, StateOpen)
	assert.Equal(t, "keep1", info.ShortID)
	assert.True(t, info.Locked)

	data, err := os.ReadFile(filepath.Join(f.dir, good+".db"))
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00ok", string(data))

	// Recovered sessions dial without a pairing target.
	assert.Empty(t, f.dialer.Last(good).PairedWith())
	assert.Equal(t, 1, f.dialer.Dials())
}

func TestRecoverSkipsUnreadableBundle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := NewSessionID()
	require.NoError(t, f.store.Save(ctx, storage.Session{ID: id, ShortID: "bad01", Bundle: []byte("SQLite format 3\x00v0")}))
	f.dialer.DialErr = fmt.Errorf("%w: no such table: whatsmeow_device", wire.ErrBadBundle)

	rep, err := f.sup.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoverReport{Loaded: 1, Skipped: 1}, rep)
	assert.Empty(t, f.sup.List())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, f.dialer.Dials())

	// The stored row is kept for the operator.
	_, err = f.store.Get(ctx, id)
	assert.NoError(t, err)
}

func TestRecoverRetriesTransientDialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := NewSessionID()
	require.NoError(t, f.store.Save(ctx, storage.Session{ID: id, Bundle: []byte("SQLite format 3\x00v0")}))
	f.dialer.DialErr = wiretest.ErrDial

	rep, err := f.sup.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoverReport{Loaded: 1, Retrying: 1}, rep)
	require.Eventually(t, func() bool { return f.dialer.Dials() > 1 }, waitFor, tick)
}

func TestRecoverKeepsNewerDiskBundle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := NewSessionID()
	require.NoError(t, f.store.Save(ctx, storage.Session{ID: id, Bundle: []byte("SQLite format 3\x00v0")}))

	require.NoError(t, os.MkdirAll(f.dir, 0o700))
	path := filepath.Join(f.dir, id+".db")
	require.NoError(t, os.WriteFile(path, []byte("SQLite format 3\x00v1"), 0o600))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	rep, err := f.sup.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Started)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00v1", string(data))
	require.Eventually(t, func() bool {
		row, err := f.store.Get(ctx, id)
		return err == nil && string(row.Bundle) == "SQLite format 3\x00v1"
	}, waitFor, tick)
}

func TestRecoverOverwritesStaleDiskBundle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := NewSessionID()

	require.NoError(t, os.MkdirAll(f.dir, 0o700))
	path := filepath.Join(f.dir, id+".db")
	require.NoError(t, os.WriteFile(path, []byte("SQLite format 3\x00old"), 0o600))
	earlier := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, earlier, earlier))
	require.NoError(t, f.store.Save(ctx, storage.Session{ID: id, Bundle: []byte("SQLite format 3\x00new")}))

	_, err := f.sup.Recover(ctx)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00new", string(data))
}

func TestCloseSavesFinalBundle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := NewSessionID()
	require.NoError(t, f.sup.Start(ctx, id, "", nil))
	f.waitState(t, id, StateOpen)

	c := f.dialer.Last(id)
	c.Creds([]byte("SQLite format 3\x00connected"))
	require.Eventually(t, func() bool {
		row, err := f.store.Get(ctx, id)
		return err == nil && string(row.Bundle) == "SQLite format 3\x00connected"
	}, waitFor, tick)

	// The library keeps writing ratchet state after connect.
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, id+".db"), []byte("SQLite format 3\x00final"), 0o600))

	cctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, f.sup.Close(cctx))
	assert.True(t, c.Closed())

	row, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00final", string(row.Bundle))
}

func TestLogoutSweepsCompanions(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	id := NewSessionID()
	require.NoError(t, f.sup.Start(context.Background(), id, "", rec))
	info := f.waitState(t, id, StateOpen)

	c := f.dialer.Last(id)
	c.CompanionFn = func(slot int) error {
		if slot == 2 {
			return errors.New("no device in slot")
		}
		return nil
	}

	n, err := f.sup.Logout(context.Background(), info.ShortID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []int{1, 3, 4, 5}, c.Companions())
	assert.True(t, c.LoggedOut())
	assert.True(t, c.Closed())
	assert.Empty(t, f.sup.List())

	_, err = f.store.Get(context.Background(), id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	require.Eventually(t, func() bool { _, _, _, ended := rec.snapshot(); return len(ended) == 1 }, waitFor, tick)

	_, err = f.sup.Logout(context.Background(), info.ShortID)
	assert.ErrorIs(t, err, identity.ErrUnknownShortID)
}

func TestLogoutStopsSweepWhenUnsupported(t *testing.T) {
	f := newFixture(t)
	id := NewSessionID()
	require.NoError(t, f.sup.Start(context.Background(), id, "", nil))
	info := f.waitState(t, id, StateOpen)

	c := f.dialer.Last(id)
	calls := 0
	c.CompanionFn = func(int) error { calls++; return wire.ErrUnsupported }

	n, err := f.sup.Logout(context.Background(), info.ShortID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, calls)
	assert.True(t, c.LoggedOut())
}

type capture struct {
	mu   sync.Mutex
	srcs []Source
}

func (c *capture) HandleMessage(_ context.Context, src Source, _ *wire.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.srcs = append(c.srcs, src)
}

func (c *capture) last() (Source, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.srcs) == 0 {
		return Source{}, false
	}
	return c.srcs[len(c.srcs)-1], true
}

func TestSetLockedReachesMessageHandler(t *testing.T) {
	seen := &capture{}
	f := newFixture(t, func(o *Options) { o.OnMessage = seen })
	id := NewSessionID()
	require.NoError(t, f.sup.Start(context.Background(), id, "", nil))
	info := f.waitState(t, id, StateOpen)

	require.NoError(t, f.sup.SetLocked(context.Background(), info.ShortID, true))
	row, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, row.Locked)

	f.dialer.Last(id).Deliver(&wire.Message{ID: "M1", Chat: "x@s.whatsapp.net", FromMe: true})
	require.Eventually(t, func() bool { src, ok := seen.last(); return ok && src.Locked }, waitFor, tick)
	src, _ := seen.last()
	assert.Equal(t, selfNum, src.Self.Phone)

	assert.ErrorIs(t, f.sup.SetLocked(context.Background(), "zzzzz", true), identity.ErrUnknownShortID)
}
