package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"wafleet/internal/dispatch"
	"wafleet/internal/identity"
	"wafleet/internal/importer"
	"wafleet/internal/session"
	"wafleet/internal/wire"
	logx "wafleet/pkg/logx"
)

// maxUpload bounds documents and media pulled from Telegram.
const maxUpload = 20 << 20

const helpText = `wafleet console

/pair <phone> - link a new account by pairing code
/sessions - list sessions
/logout <short_id> - log an account out and destroy it
/lock <short_id> on|off - toggle anti-echo suppression
/count - destinations waiting
/broadcast <text> - send to every stored destination
/groupcast <links + text> - join each invite link, then send the text
Send a .txt, .csv or .vcf file to import destinations.
Send a photo or video captioned /broadcast <caption> to broadcast media.`

type cmdFunc func(ctx context.Context, chatID int64, args string)

func (c *Console) register(b *tele.Bot) {
	b.Use(c.ownerOnly)

	b.Handle("/start", c.wrap(c.cmdHelp))
	b.Handle("/help", c.wrap(c.cmdHelp))
	b.Handle("/pair", c.wrap(c.cmdPair))
	b.Handle("/sessions", c.wrap(c.cmdSessions))
	b.Handle("/logout", c.wrap(c.cmdLogout))
	b.Handle("/lock", c.wrap(c.cmdLock))
	b.Handle("/count", c.wrap(c.cmdCount))
	b.Handle("/broadcast", c.wrap(c.cmdBroadcast))
	b.Handle("/groupcast", c.wrap(c.cmdGroupcast))

	b.Handle(tele.OnDocument, func(tc tele.Context) error {
		if doc := tc.Message().Document; doc != nil {
			c.onDocument(c.baseCtx(), tc.Chat().ID, doc.FileName, &doc.File)
		}
		return nil
	})
	b.Handle(tele.OnPhoto, func(tc tele.Context) error {
		m := tc.Message()
		if m.Photo != nil {
			c.onMedia(c.baseCtx(), tc.Chat().ID, wire.PayloadImage, &m.Photo.File, "image/jpeg", m.Caption)
		}
		return nil
	})
	b.Handle(tele.OnVideo, func(tc tele.Context) error {
		m := tc.Message()
		if m.Video != nil {
			c.onMedia(c.baseCtx(), tc.Chat().ID, wire.PayloadVideo, &m.Video.File, m.Video.MIME, m.Caption)
		}
		return nil
	})
}

func (c *Console) ownerOnly(next tele.HandlerFunc) tele.HandlerFunc {
	return func(tc tele.Context) error {
		if s := tc.Sender(); s == nil || !c.isOwner(s.ID) {
			if s != nil {
				c.log.Debug("ignored update from non-owner", logx.Int64("user_id", s.ID))
			}
			return nil
		}
		return next(tc)
	}
}

func (c *Console) wrap(fn cmdFunc) tele.HandlerFunc {
	return func(tc tele.Context) error {
		fn(c.baseCtx(), tc.Chat().ID, strings.TrimSpace(tc.Message().Payload))
		return nil
	}
}

func (c *Console) cmdHelp(_ context.Context, chatID int64, _ string) {
	c.reply(chatID, helpText)
}

func (c *Console) cmdPair(ctx context.Context, chatID int64, args string) {
	if args == "" {
		c.reply(chatID, "Usage: /pair <phone>")
		return
	}
	res, ok := c.deps.Normalizer.Normalize(args)
	if !ok {
		c.reply(chatID, fmt.Sprintf("Not a phone number: %q", args))
		return
	}
	target := res.International()
	req := &pairRequest{c: c, chatID: chatID, phone: target}
	err := c.deps.Sessions.Start(ctx, session.NewSessionID(), target, req)
	switch {
	case errors.Is(err, session.ErrClosed), errors.Is(err, session.ErrSessionActive), errors.Is(err, session.ErrInvalidID):
		c.reply(chatID, "Could not start pairing: "+err.Error())
		return
	case err != nil:
		// Dial and connect faults reach the requester as PairingFailed.
		c.log.Warn("pairing start failed", logx.String("phone", target), logx.Err(err))
		return
	}
	c.reply(chatID, fmt.Sprintf("Requesting a pairing code for +%s ...", target))
}

func (c *Console) cmdSessions(_ context.Context, chatID int64, _ string) {
	c.reply(chatID, formatSessions(c.deps.Sessions.List(), time.Now()))
}

func (c *Console) cmdLogout(ctx context.Context, chatID int64, args string) {
	short := strings.ToLower(args)
	if !identity.ValidShortID(short) {
		c.reply(chatID, "Usage: /logout <short_id>")
		return
	}
	n, err := c.deps.Sessions.Logout(ctx, short)
	if err != nil {
		c.reply(chatID, fmt.Sprintf("Logout %s failed: %v", short, err))
		return
	}
	c.reply(chatID, fmt.Sprintf("Logged out %s, evicted %d companion device(s).", short, n))
}

func (c *Console) cmdLock(ctx context.Context, chatID int64, args string) {
	fields := strings.Fields(strings.ToLower(args))
	if len(fields) != 2 || !identity.ValidShortID(fields[0]) || (fields[1] != "on" && fields[1] != "off") {
		c.reply(chatID, "Usage: /lock <short_id> on|off")
		return
	}
	locked := fields[1] == "on"
	if err := c.deps.Sessions.SetLocked(ctx, fields[0], locked); err != nil {
		c.reply(chatID, fmt.Sprintf("Lock %s failed: %v", fields[0], err))
		return
	}
	c.reply(chatID, fmt.Sprintf("Session %s lock %s.", fields[0], fields[1]))
}

func (c *Console) cmdCount(ctx context.Context, chatID int64, _ string) {
	n, err := c.deps.Destinations.Count(ctx)
	if err != nil {
		c.reply(chatID, "Count failed: "+err.Error())
		return
	}
	c.reply(chatID, fmt.Sprintf("%d destination(s) waiting.", n))
}

func (c *Console) cmdBroadcast(ctx context.Context, chatID int64, args string) {
	if args == "" {
		c.reply(chatID, "Usage: /broadcast <text>")
		return
	}
	c.startBroadcast(ctx, chatID, wire.Text(args))
}

func (c *Console) cmdGroupcast(_ context.Context, chatID int64, args string) {
	links, text := splitGroupcast(args)
	if len(links) == 0 || text == "" {
		c.reply(chatID, "Usage: /groupcast followed by invite links, one per line, and the message text")
		return
	}
	c.launch(chatID, fmt.Sprintf("Groupcast to %d group(s) started.", len(links)), func(ctx context.Context, progress func(dispatch.Progress)) (dispatch.Report, error) {
		return c.deps.Broadcaster.Groupcast(ctx, dispatch.Run{Targets: links, Payload: wire.Text(text), Progress: progress})
	})
}

func (c *Console) startBroadcast(ctx context.Context, chatID int64, payload wire.Payload) {
	targets, err := c.deps.Destinations.ListAll(ctx)
	if err != nil {
		c.reply(chatID, "Loading destinations failed: "+err.Error())
		return
	}
	if len(targets) == 0 {
		c.reply(chatID, "No destinations stored. Upload a contact file first.")
		return
	}
	c.launch(chatID, fmt.Sprintf("Broadcast to %d destination(s) started.", len(targets)), func(ctx context.Context, progress func(dispatch.Progress)) (dispatch.Report, error) {
		return c.deps.Broadcaster.Broadcast(ctx, dispatch.Run{Targets: targets, Payload: payload, Progress: progress})
	})
}

// launch runs one broadcast at a time in the background, editing a status
// message as progress arrives.
func (c *Console) launch(chatID int64, intro string, run func(context.Context, func(dispatch.Progress)) (dispatch.Report, error)) {
	if !c.broadcasting.CompareAndSwap(false, true) {
		c.reply(chatID, "A broadcast is already running.")
		return
	}
	status := c.reply(chatID, intro)
	c.rt.Go0("console.broadcast", func(ctx context.Context) {
		defer c.broadcasting.Store(false)
		rep, err := run(ctx, func(p dispatch.Progress) {
			c.edit(chatID, status, formatProgress(p))
		})
		if err != nil {
			c.reply(chatID, "Broadcast failed: "+err.Error())
			return
		}
		c.reply(chatID, formatReport(rep))
	})
}

func (c *Console) onDocument(ctx context.Context, chatID int64, name string, f *tele.File) {
	format, err := importer.FormatFor(name)
	if err != nil {
		c.reply(chatID, "Send a .txt, .csv or .vcf file.")
		return
	}
	rc, err := c.out.File(f)
	if err != nil {
		c.reply(chatID, "Download failed: "+err.Error())
		return
	}
	defer rc.Close()

	rep, err := c.deps.Importer.Import(ctx, c.deps.Destinations, io.LimitReader(rc, maxUpload), format)
	if err != nil {
		c.reply(chatID, "Import failed: "+err.Error())
		return
	}
	c.log.Info("destinations imported", logx.String("file", name), logx.Int("accepted", len(rep.Accepted)), logx.Int("added", rep.Added))
	c.reply(chatID, formatImport(name, rep))
}

func (c *Console) onMedia(ctx context.Context, chatID int64, kind wire.PayloadKind, f *tele.File, mime, caption string) {
	text, ok := strings.CutPrefix(strings.TrimSpace(caption), "/broadcast")
	if !ok {
		return
	}
	rc, err := c.out.File(f)
	if err != nil {
		c.reply(chatID, "Download failed: "+err.Error())
		return
	}
	data, err := io.ReadAll(io.LimitReader(rc, maxUpload))
	_ = rc.Close()
	if err != nil {
		c.reply(chatID, "Download failed: "+err.Error())
		return
	}
	c.startBroadcast(ctx, chatID, wire.Media(kind, data, mime, strings.TrimSpace(text)))
}

// splitGroupcast separates invite link lines from the message text.
func splitGroupcast(args string) (links []string, text string) {
	var body []string
	for _, line := range strings.Split(args, "\n") {
		l := strings.TrimSpace(line)
		if strings.Contains(l, "chat.whatsapp.com/") {
			links = append(links, l)
			continue
		}
		body = append(body, line)
	}
	return links, strings.TrimSpace(strings.Join(body, "\n"))
}
