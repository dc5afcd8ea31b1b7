package whatsapp

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"wafleet/internal/wire"
	logx "wafleet/pkg/logx"
)

type conn struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	path      string
	profile   wire.Profile
	log       logx.Logger
	handlerID uint32

	events chan wire.Event
	done   chan struct{}

	closeOnce sync.Once
}

func (c *conn) Events() <-chan wire.Event { return c.events }
func (c *conn) Done() <-chan struct{}     { return c.done }

func (c *conn) Registered() bool { return c.client.Store.ID != nil }

func (c *conn) Self() wire.Self {
	id := c.client.Store.ID
	if id == nil {
		return wire.Self{}
	}
	self := wire.Self{Phone: id.User, Chats: []string{id.ToNonAD().String()}}
	if lid := c.client.Store.LID; !lid.IsEmpty() {
		self.Chats = append(self.Chats, lid.ToNonAD().String())
	}
	return self
}

func (c *conn) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	osMu.Lock()
	defer osMu.Unlock()
	applyProfile(c.profile)
	if err := c.client.Connect(); err != nil {
		return classify("connect", err)
	}
	return nil
}

func (c *conn) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	code, err := c.client.PairPhone(ctx, phone, true, pairClientType(c.profile.Browser), c.profile.DisplayName())
	if err != nil {
		return "", classify("pair", err)
	}
	return code, nil
}

func (c *conn) CheckExists(ctx context.Context, addr string) (bool, error) {
	res, err := c.client.IsOnWhatsApp(ctx, []string{"+" + addr})
	if err != nil {
		return false, classify("exists", err)
	}
	for _, r := range res {
		if r.IsIn {
			return true, nil
		}
	}
	return false, nil
}

func (c *conn) Send(ctx context.Context, to string, p wire.Payload) (string, error) {
	jid, err := parseAddr(to)
	if err != nil {
		return "", err
	}
	msg, err := c.build(ctx, p)
	if err != nil {
		return "", err
	}
	resp, err := c.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", classify("send", err)
	}
	return resp.ID, nil
}

func (c *conn) build(ctx context.Context, p wire.Payload) (*waE2E.Message, error) {
	switch p.Kind {
	case wire.PayloadText:
		return &waE2E.Message{Conversation: proto.String(p.Text)}, nil
	case wire.PayloadImage:
		up, err := c.client.Upload(ctx, p.Media, whatsmeow.MediaImage)
		if err != nil {
			return nil, classify("upload", err)
		}
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(p.Text),
			Mimetype:      proto.String(mimeOr(p.MimeType, "image/jpeg")),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case wire.PayloadVideo:
		up, err := c.client.Upload(ctx, p.Media, whatsmeow.MediaVideo)
		if err != nil {
			return nil, classify("upload", err)
		}
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(p.Text),
			Mimetype:      proto.String(mimeOr(p.MimeType, "video/mp4")),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	}
	return nil, fmt.Errorf("whatsapp: unsupported payload %q", p.Kind)
}

func (c *conn) Revoke(ctx context.Context, chat, id string) error {
	jid, err := parseAddr(chat)
	if err != nil {
		return err
	}
	_, err = c.client.SendMessage(ctx, jid, c.client.BuildRevoke(jid, types.EmptyJID, id))
	if err != nil {
		return classify("revoke", err)
	}
	return nil
}

func (c *conn) JoinGroup(ctx context.Context, invite string) (string, error) {
	jid, err := c.client.JoinGroupWithLink(ctx, invite)
	if err == nil {
		return jid.String(), nil
	}
	werr := classify(opJoin, err)
	if wire.KindOf(werr) == wire.KindAlreadyMember {
		if info, ierr := c.client.GetGroupInfoFromLink(ctx, invite); ierr == nil && info != nil {
			werr.(*wire.Error).Addr = info.JID.String()
		}
	}
	return "", werr
}

// RemoveCompanion is not offered by the library: companion devices can only
// be unlinked from the primary device.
func (c *conn) RemoveCompanion(context.Context, int) error { return wire.ErrUnsupported }

func (c *conn) Logout(ctx context.Context) error {
	if err := c.client.Logout(ctx); err != nil {
		return classify("logout", err)
	}
	return nil
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.client.RemoveEventHandler(c.handlerID)
		c.client.Disconnect()
		err = c.container.Close()
	})
	return err
}

// onEvent runs on the library's event goroutine, which delivers in order.
func (c *conn) onEvent(raw any) {
	switch ev := raw.(type) {
	case *events.PairSuccess:
		c.log.Info("paired", logx.String("jid", ev.ID.String()))
		c.pushBundle()
	case *events.Connected:
		c.pushBundle()
		c.emit(wire.Event{Kind: wire.EventOpened})
	case *events.LoggedOut:
		c.emit(wire.Event{Kind: wire.EventClosed, Code: wire.CodeLoggedOut, Reason: ev.Reason.String()})
	case *events.ConnectFailure:
		c.emit(wire.Event{Kind: wire.EventClosed, Code: int(ev.Reason), Reason: ev.Message})
	case *events.TemporaryBan:
		c.emit(wire.Event{Kind: wire.EventClosed, Code: wire.CodeForbidden, Reason: ev.String()})
	case *events.StreamReplaced:
		c.emit(wire.Event{Kind: wire.EventClosed, Code: wire.CodeReplaced, Reason: "stream replaced"})
	case *events.StreamError:
		code := wire.CodeBadSession
		if ev.Code == "515" {
			code = wire.CodeRestartRequired
		}
		c.emit(wire.Event{Kind: wire.EventClosed, Code: code, Reason: "stream error " + ev.Code})
	case *events.Disconnected:
		c.emit(wire.Event{Kind: wire.EventClosed, Code: wire.CodeConnectionLost, Reason: "disconnected"})
	case *events.Message:
		c.emit(wire.Event{Kind: wire.EventMessage, Message: toMessage(ev)})
	}
}

func (c *conn) emit(ev wire.Event) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// pushBundle emits the current on-disk bundle.
func (c *conn) pushBundle() {
	b, err := os.ReadFile(c.path)
	if err != nil {
		c.log.Warn("read bundle failed", logx.String("path", c.path), logx.Err(err))
		return
	}
	c.emit(wire.Event{Kind: wire.EventCredentialsUpdated, Bundle: b})
}

func toMessage(ev *events.Message) *wire.Message {
	text := ev.Message.GetConversation()
	if text == "" {
		text = ev.Message.GetExtendedTextMessage().GetText()
	}
	return &wire.Message{
		ID:        ev.Info.ID,
		Chat:      ev.Info.Chat.ToNonAD().String(),
		Sender:    ev.Info.Sender.ToNonAD().String(),
		FromMe:    ev.Info.IsFromMe,
		Broadcast: ev.Info.Chat.Server == types.BroadcastServer,
		Text:      text,
		At:        ev.Info.Timestamp,
	}
}

// parseAddr accepts a full address or bare digits.
func parseAddr(addr string) (types.JID, error) {
	if !strings.Contains(addr, "@") {
		return types.NewJID(addr, types.DefaultUserServer), nil
	}
	jid, err := types.ParseJID(addr)
	if err != nil {
		return types.JID{}, &wire.Error{Kind: wire.KindNotFound, Op: "parse", Err: err}
	}
	return jid, nil
}

func mimeOr(m, def string) string {
	if m == "" {
		return def
	}
	return m
}
