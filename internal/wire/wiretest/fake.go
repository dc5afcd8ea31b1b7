// Package wiretest provides in-memory wire.Dialer and wire.Conn fakes.
package wiretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"wafleet/internal/wire"
)

// Sent records one successful Send.
type Sent struct {
	To      string
	Payload wire.Payload
}

// Conn is a scriptable wire.Conn. Hooks left nil fall back to permissive
// defaults: every address exists, every send and join succeeds.
type Conn struct {
	Opts wire.DialOptions

	// AutoOpen emits EventOpened from Connect.
	AutoOpen   bool
	ConnectErr error
	SelfInfo   wire.Self

	PairingCode string
	PairingErr  error

	ExistsFn func(ctx context.Context, addr string) (bool, error)
	SendFn   func(ctx context.Context, to string, p wire.Payload) error
	JoinFn   func(ctx context.Context, invite string) (string, error)
	RevokeFn func(ctx context.Context, chat, id string) error
	// CompanionFn is called per slot; nil means every slot is evicted.
	CompanionFn func(slot int) error
	LogoutErr   error

	events  chan wire.Event
	done    chan struct{}
	onClose func()

	mu         sync.Mutex
	registered bool
	closed     bool
	sent       []Sent
	revoked    []string
	pairedWith []string
	companions []int
	loggedOut  bool
	connects   int
}

func NewConn(registered bool) *Conn {
	return &Conn{
		AutoOpen:   true,
		registered: registered,
		events:     make(chan wire.Event, 64),
		done:       make(chan struct{}),
	}
}

func (c *Conn) Events() <-chan wire.Event { return c.events }
func (c *Conn) Done() <-chan struct{} { return c.done }

// Emit pushes ev onto the stream unless the conn is closed.
func (c *Conn) Emit(ev wire.Event) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Conn) Open() { c.Emit(wire.Event{Kind: wire.EventOpened}) }
func (c *Conn) Drop(code int) { c.Emit(wire.Event{Kind: wire.EventClosed, Code: code}) }
func (c *Conn) Creds(b []byte) { c.Emit(wire.Event{Kind: wire.EventCredentialsUpdated, Bundle: b}) }
func (c *Conn) Deliver(m *wire.Message) { c.Emit(wire.Event{Kind: wire.EventMessage, Message: m}) }

func (c *Conn) SetRegistered(v bool) {
	c.mu.Lock()
	c.registered = v
	c.mu.Unlock()
}

func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connects++
	c.mu.Unlock()
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	if c.AutoOpen && c.Registered() {
		c.Open()
	}
	return nil
}

func (c *Conn) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *Conn) Self() wire.Self { return c.SelfInfo }

func (c *Conn) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	c.mu.Lock()
	c.pairedWith = append(c.pairedWith, phone)
	c.mu.Unlock()
	if c.PairingErr != nil {
		return "", c.PairingErr
	}
	if c.PairingCode == "" {
		return "ABCD-EFGH", nil
	}
	return c.PairingCode, nil
}

func (c *Conn) CheckExists(ctx context.Context, addr string) (bool, error) {
	if err := c.live(); err != nil {
		return false, err
	}
	if c.ExistsFn != nil {
		return c.ExistsFn(ctx, addr)
	}
	return true, nil
}

func (c *Conn) Send(ctx context.Context, to string, p wire.Payload) (string, error) {
	if err := c.live(); err != nil {
		return "", err
	}
	if c.SendFn != nil {
		if err := c.SendFn(ctx, to, p); err != nil {
			return "", err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, Sent{To: to, Payload: p})
	return fmt.Sprintf("MSG%d", len(c.sent)), nil
}

func (c *Conn) Revoke(ctx context.Context, chat, id string) error {
	if c.RevokeFn != nil {
		if err := c.RevokeFn(ctx, chat, id); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.revoked = append(c.revoked, id)
	c.mu.Unlock()
	return nil
}

func (c *Conn) JoinGroup(ctx context.Context, invite string) (string, error) {
	if err := c.live(); err != nil {
		return "", err
	}
	if c.JoinFn != nil {
		return c.JoinFn(ctx, invite)
	}
	return invite + "@g.us", nil
}

func (c *Conn) RemoveCompanion(ctx context.Context, slot int) error {
	if c.CompanionFn != nil {
		if err := c.CompanionFn(slot); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.companions = append(c.companions, slot)
	c.mu.Unlock()
	return nil
}

func (c *Conn) Logout(ctx context.Context) error {
	if c.LogoutErr != nil {
		return c.LogoutErr
	}
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
		if c.onClose != nil {
			c.onClose()
		}
	}
	return nil
}

func (c *Conn) live() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return wire.ErrNotConnected
	}
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

func (c *Conn) Revoked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.revoked...)
}

func (c *Conn) PairedWith() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.pairedWith...)
}

func (c *Conn) Companions() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.companions...)
}

func (c *Conn) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *Conn) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Dialer hands out Conns built by NewConnFn (default: registered, AutoOpen).
type Dialer struct {
	NewConnFn func(opts wire.DialOptions) *Conn
	DialErr   error

	// ValidateFn backs ValidateBundle; nil accepts every bundle.
	ValidateFn func(bundle []byte) error

	dials atomic.Int32

	mu    sync.Mutex
	conns map[string][]*Conn
	live  map[string]int
	peak  map[string]int
}

var ErrDial = errors.New("wiretest: dial failed")

func NewDialer() *Dialer {
	return &Dialer{conns: map[string][]*Conn{}, live: map[string]int{}, peak: map[string]int{}}
}

func (d *Dialer) Dial(ctx context.Context, opts wire.DialOptions) (wire.Conn, error) {
	d.dials.Add(1)
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	var c *Conn
	if d.NewConnFn != nil {
		c = d.NewConnFn(opts)
	} else {
		c = NewConn(true)
	}
	c.Opts = opts

	d.mu.Lock()
	d.conns[opts.SessionID] = append(d.conns[opts.SessionID], c)
	d.live[opts.SessionID]++
	if d.live[opts.SessionID] > d.peak[opts.SessionID] {
		d.peak[opts.SessionID] = d.live[opts.SessionID]
	}
	d.mu.Unlock()

	c.onClose = func() {
		d.mu.Lock()
		d.live[opts.SessionID]--
		d.mu.Unlock()
	}
	return c, nil
}

func (d *Dialer) ValidateBundle(bundle []byte) error {
	if d.ValidateFn == nil {
		return nil
	}
	return d.ValidateFn(bundle)
}

func (d *Dialer) Dials() int { return int(d.dials.Load()) }

// Conns returns every conn dialed for sessionID, oldest first.
func (d *Dialer) Conns(sessionID string) []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns[sessionID]...)
}

// Last returns the newest conn for sessionID, or nil.
func (d *Dialer) Last(sessionID string) *Conn {
	cs := d.Conns(sessionID)
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

// PeakLive is the highest number of simultaneously unclosed conns for sessionID.
func (d *Dialer) PeakLive(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peak[sessionID]
}
