// Package whatsapp implements wire.Dialer on top of whatsmeow. Each session
// keeps its credential bundle in its own SQLite file.
package whatsapp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	_ "modernc.org/sqlite"

	"wafleet/internal/wire"
	logx "wafleet/pkg/logx"
)

var sqliteHeader = []byte("SQLite format 3\x00")

var ErrCorruptBundle = errors.New("whatsapp: bundle is not a sqlite database")

// osMu serializes the process-wide device properties whatsmeow reads while a
// client registers.
var osMu sync.Mutex

type Dialer struct {
	log logx.Logger
	// EventBuffer sizes each connection's event channel.
	EventBuffer int
}

func NewDialer(log logx.Logger) *Dialer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dialer{log: log.With(logx.String("comp", "whatsapp")), EventBuffer: 256}
}

// ValidateBundle rejects bundles that are not SQLite database images.
func (d *Dialer) ValidateBundle(bundle []byte) error {
	if len(bundle) < len(sqliteHeader) || !bytes.Equal(bundle[:len(sqliteHeader)], sqliteHeader) {
		return ErrCorruptBundle
	}
	return nil
}

func (d *Dialer) Dial(ctx context.Context, opts wire.DialOptions) (wire.Conn, error) {
	log := d.log.With(logx.String("session_id", opts.SessionID))
	wl := newWALog(log)

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", opts.BundlePath)
	container, err := sqlstore.New(ctx, "sqlite", dsn, wl.Sub("store"))
	if err != nil {
		return nil, fmt.Errorf("whatsapp: open bundle: %w: %w", wire.ErrBadBundle, err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("whatsapp: load device: %w: %w", wire.ErrBadBundle, err)
	}

	client := whatsmeow.NewClient(device, wl.Sub("client"))
	client.EnableAutoReconnect = false

	buf := d.EventBuffer
	if buf <= 0 {
		buf = 256
	}
	c := &conn{
		client:    client,
		container: container,
		path:      opts.BundlePath,
		profile:   opts.Profile,
		log:       log,
		events:    make(chan wire.Event, buf),
		done:      make(chan struct{}),
	}
	c.handlerID = client.AddEventHandler(c.onEvent)
	return c, nil
}

// applyProfile sets the identity presented on the next registration.
// Caller holds osMu.
func applyProfile(p wire.Profile) {
	store.SetOSInfo(p.OS, p.Version)
	store.DeviceProps.PlatformType = platformType(p.Browser).Enum()
}

func platformType(b wire.Browser) waCompanionReg.DeviceProps_PlatformType {
	switch b {
	case wire.BrowserFirefox:
		return waCompanionReg.DeviceProps_FIREFOX
	case wire.BrowserSafari:
		return waCompanionReg.DeviceProps_SAFARI
	case wire.BrowserEdge:
		return waCompanionReg.DeviceProps_EDGE
	default:
		return waCompanionReg.DeviceProps_CHROME
	}
}

func pairClientType(b wire.Browser) whatsmeow.PairClientType {
	switch b {
	case wire.BrowserFirefox:
		return whatsmeow.PairClientFirefox
	case wire.BrowserSafari:
		return whatsmeow.PairClientSafari
	case wire.BrowserEdge:
		return whatsmeow.PairClientEdge
	default:
		return whatsmeow.PairClientChrome
	}
}
