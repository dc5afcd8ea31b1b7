// Package console is the operator's Telegram control surface: pairing,
// session management, imports and broadcasts.
package console

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"wafleet/internal/dispatch"
	"wafleet/internal/importer"
	"wafleet/internal/phone"
	rtsup "wafleet/internal/runtime/supervisor"
	"wafleet/internal/session"
	"wafleet/internal/storage"
	logx "wafleet/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token        string
	OwnerUserIDs []int64
	PollTimeout  time.Duration
}

// Sessions is the slice of the session supervisor the console drives.
type Sessions interface {
	Start(ctx context.Context, sessionID, pairingTarget string, req session.Requester) error
	List() []session.Info
	Logout(ctx context.Context, shortID string) (int, error)
	SetLocked(ctx context.Context, shortID string, locked bool) error
}

type Broadcaster interface {
	Broadcast(ctx context.Context, run dispatch.Run) (dispatch.Report, error)
	Groupcast(ctx context.Context, run dispatch.Run) (dispatch.Report, error)
}

type Deps struct {
	Sessions     Sessions
	Broadcaster  Broadcaster
	Destinations storage.DestinationStore
	Importer     *importer.Parser
	Normalizer   *phone.Normalizer
	// Runtime runs broadcasts and notifications; nil gets a private one.
	Runtime *rtsup.Supervisor
	Log     logx.Logger
}

// messenger is the part of *tele.Bot the console uses.
type messenger interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Edit(msg tele.Editable, what interface{}, opts ...interface{}) (*tele.Message, error)
	File(file *tele.File) (io.ReadCloser, error)
}

type Console struct {
	deps Deps
	log  logx.Logger
	rt   *rtsup.Supervisor

	bot *tele.Bot
	out messenger

	mu     sync.Mutex
	owners []int64
	ctx    context.Context

	broadcasting atomic.Bool
}

func New(cfg Config, deps Deps) (*Console, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("console: telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var c *Console
	onError := func(err error, _ tele.Context) { c.log.Warn("handler error", logx.Err(err)) }
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		OnError: onError,
	})
	if err != nil {
		return nil, err
	}
	c = newConsole(deps, bot)
	c.bot = bot
	c.SetOwners(cfg.OwnerUserIDs)
	c.register(bot)
	return c, nil
}

func newConsole(deps Deps, out messenger) *Console {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Normalizer == nil {
		deps.Normalizer = phone.New("")
	}
	if deps.Importer == nil {
		deps.Importer = importer.New(deps.Normalizer)
	}
	rt := deps.Runtime
	if rt == nil {
		rt = rtsup.New(context.Background(), rtsup.WithLogger(log))
	}
	return &Console{deps: deps, log: log.With(logx.String("comp", "console")), rt: rt, out: out, ctx: rt.Context()}
}

// SetOwners replaces the allowed user ids. Safe for concurrent use.
func (c *Console) SetOwners(ids []int64) {
	c.mu.Lock()
	c.owners = append([]int64(nil), ids...)
	c.mu.Unlock()
}

func (c *Console) isOwner(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.owners, id)
}

func (c *Console) baseCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// Run long-polls until ctx is done.
func (c *Console) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.log.Info("polling started")
		c.bot.Start()
	}()

	select {
	case <-done:
		return errors.New("console: poller exited")
	case <-ctx.Done():
	}

	// Stop blocks until the poller acknowledges; keep shutdown snappy.
	go c.bot.Stop()
	t := time.NewTimer(2 * time.Second)
	defer t.Stop()
	select {
	case <-done:
		c.log.Info("polling stopped")
	case <-t.C:
		c.log.Warn("telegram stop grace elapsed; continuing shutdown")
	}
	return nil
}

// SendLog implements logx.Sender.
func (c *Console) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := c.out.Send(tele.ChatID(chatID), text, &tele.SendOptions{ThreadID: threadID, DisableWebPagePreview: true})
	return err
}

// reply sends text to chatID, split at newline boundaries.
func (c *Console) reply(chatID int64, text string) *tele.Message {
	var first *tele.Message
	for _, chunk := range splitText(text, textLimit) {
		m, err := c.out.Send(tele.ChatID(chatID), chunk, &tele.SendOptions{DisableWebPagePreview: true})
		if err != nil {
			c.log.Warn("send reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
			return first
		}
		if first == nil {
			first = m
		}
	}
	return first
}

// edit replaces msg's text, falling back to a fresh message.
func (c *Console) edit(chatID int64, msg *tele.Message, text string) {
	if msg != nil && len([]rune(text)) <= textLimit {
		if _, err := c.out.Edit(msg, text); err == nil {
			return
		}
	}
	c.reply(chatID, text)
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that do not leave tiny chunks.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
