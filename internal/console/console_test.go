package console

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"wafleet/internal/dispatch"
	rtsup "wafleet/internal/runtime/supervisor"
	"wafleet/internal/session"
	"wafleet/internal/wire"
)

type fakeMessenger struct {
	mu    sync.Mutex
	sent  []string
	edits []string
	file  string
}

func (f *fakeMessenger) Send(_ tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, what.(string))
	return &tele.Message{ID: len(f.sent)}, nil
}

func (f *fakeMessenger) Edit(_ tele.Editable, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, what.(string))
	return &tele.Message{}, nil
}

func (f *fakeMessenger) File(*tele.File) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.file)), nil
}

func (f *fakeMessenger) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeMessenger) waitFor(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range f.texts() {
			if strings.Contains(s, substr) {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no message containing %q; got %q", substr, f.texts())
}

type fakeSessions struct {
	mu      sync.Mutex
	started []string
	req     session.Requester
	locked  map[string]bool
	list    []session.Info
}

func (f *fakeSessions) Start(_ context.Context, _, target string, req session.Requester) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, target)
	f.req = req
	return nil
}

func (f *fakeSessions) List() []session.Info { return f.list }

func (f *fakeSessions) Logout(context.Context, string) (int, error) { return 4, nil }

func (f *fakeSessions) SetLocked(_ context.Context, short string, locked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked == nil {
		f.locked = map[string]bool{}
	}
	f.locked[short] = locked
	return nil
}

type fakeBroadcaster struct {
	gate    chan struct{}
	targets []string
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, run dispatch.Run) (dispatch.Report, error) {
	f.targets = run.Targets
	if f.gate != nil {
		<-f.gate
	}
	run.Progress(dispatch.Progress{Total: len(run.Targets), Done: len(run.Targets), Delivered: len(run.Targets)})
	return dispatch.Report{RunID: "r1", Total: len(run.Targets), Delivered: len(run.Targets), Removed: len(run.Targets)}, nil
}

func (f *fakeBroadcaster) Groupcast(ctx context.Context, run dispatch.Run) (dispatch.Report, error) {
	if run.Payload.Text != "hello groups" {
		return dispatch.Report{}, errors.New("unexpected payload " + run.Payload.Text)
	}
	return dispatch.Report{RunID: "g1", Total: len(run.Targets), Delivered: len(run.Targets)}, nil
}

type memDest struct {
	mu    sync.Mutex
	addrs []string
}

func (m *memDest) ListAll(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.addrs...), nil
}

func (m *memDest) Count(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.addrs), nil
}

func (m *memDest) AddMany(_ context.Context, addrs []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addrs = append(m.addrs, addrs...)
	return len(addrs), nil
}

func (m *memDest) RemoveMany(context.Context, []string) (int, error) { return 0, nil }

func newTestConsole(t *testing.T) (*Console, *fakeMessenger, *fakeSessions, *fakeBroadcaster, *memDest) {
	t.Helper()
	rt := rtsup.New(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})
	msg := &fakeMessenger{}
	ss := &fakeSessions{}
	bc := &fakeBroadcaster{}
	dest := &memDest{}
	c := newConsole(Deps{Sessions: ss, Broadcaster: bc, Destinations: dest, Runtime: rt}, msg)
	return c, msg, ss, bc, dest
}

func TestPairNormalizesAndRelaysCode(t *testing.T) {
	c, msg, ss, _, _ := newTestConsole(t)
	c.cmdPair(context.Background(), 1, "0803 123 4567")

	if len(ss.started) != 1 || ss.started[0] != "2348031234567" {
		t.Fatalf("started = %v", ss.started)
	}
	msg.waitFor(t, "+2348031234567")

	ss.req.PairingCode(session.Info{}, "ABCD-1234")
	msg.waitFor(t, "ABCD-1234")
	ss.req.Opened(session.Info{ShortID: "ab12c", Phone: "2348031234567"})
	msg.waitFor(t, "ab12c is open")
}

func TestPairRejectsGarbage(t *testing.T) {
	c, msg, ss, _, _ := newTestConsole(t)
	c.cmdPair(context.Background(), 1, "call me")
	if len(ss.started) != 0 {
		t.Fatalf("started = %v", ss.started)
	}
	msg.waitFor(t, "Not a phone number")
}

func TestLockParsesArguments(t *testing.T) {
	c, msg, ss, _, _ := newTestConsole(t)
	c.cmdLock(context.Background(), 1, "ab12c maybe")
	msg.waitFor(t, "Usage: /lock")

	c.cmdLock(context.Background(), 1, "AB12C on")
	if !ss.locked["ab12c"] {
		t.Fatalf("locked = %v", ss.locked)
	}
}

func TestBroadcastRunsOneAtATime(t *testing.T) {
	c, msg, _, bc, dest := newTestConsole(t)
	dest.addrs = []string{"08031234567", "08051112222"}
	bc.gate = make(chan struct{})

	c.cmdBroadcast(context.Background(), 1, "hello")
	msg.waitFor(t, "2 destination(s) started")
	c.cmdBroadcast(context.Background(), 1, "again")
	msg.waitFor(t, "already running")

	close(bc.gate)
	msg.waitFor(t, "Delivered: 2")
	if len(bc.targets) != 2 {
		t.Fatalf("targets = %v", bc.targets)
	}
}

func TestBroadcastWithoutDestinations(t *testing.T) {
	c, msg, _, _, _ := newTestConsole(t)
	c.cmdBroadcast(context.Background(), 1, "hello")
	msg.waitFor(t, "No destinations stored")
}

func TestGroupcastSplitsLinksFromText(t *testing.T) {
	links, text := splitGroupcast("https://chat.whatsapp.com/AAA\nhello groups\n chat.whatsapp.com/BBB ")
	if len(links) != 2 || text != "hello groups" {
		t.Fatalf("links=%v text=%q", links, text)
	}

	c, msg, _, _, _ := newTestConsole(t)
	c.cmdGroupcast(context.Background(), 1, "https://chat.whatsapp.com/AAA\nhello groups")
	msg.waitFor(t, "Delivered: 1")
}

func TestDocumentImport(t *testing.T) {
	c, msg, _, _, dest := newTestConsole(t)
	msg.file = "08031234567\n2348031234567\n+44 7911 123456\nnope\n"

	c.onDocument(context.Background(), 1, "leads.txt", &tele.File{FileID: "x"})
	msg.waitFor(t, "Accepted: 2 (new: 2)")
	msg.waitFor(t, "Duplicates: 1")
	if n, _ := dest.Count(context.Background()); n != 2 {
		t.Fatalf("stored = %d", n)
	}

	c.onDocument(context.Background(), 1, "sheet.xlsx", &tele.File{FileID: "y"})
	msg.waitFor(t, ".txt, .csv or .vcf")
}

func TestMediaNeedsBroadcastCaption(t *testing.T) {
	c, msg, _, bc, dest := newTestConsole(t)
	dest.addrs = []string{"08031234567"}
	msg.file = "\xff\xd8jpeg"

	c.onMedia(context.Background(), 1, wire.PayloadImage, &tele.File{}, "image/jpeg", "holiday pics")
	if len(msg.texts()) != 0 {
		t.Fatalf("uncaptioned media triggered replies: %v", msg.texts())
	}
	c.onMedia(context.Background(), 1, wire.PayloadImage, &tele.File{}, "image/jpeg", "/broadcast new stock")
	msg.waitFor(t, "Delivered: 1")
	if len(bc.targets) != 1 {
		t.Fatalf("targets = %v", bc.targets)
	}
}

func TestSplitText(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 400; i++ {
		b.WriteString(strings.Repeat("x", 30))
		b.WriteString("\n")
	}
	chunks := splitText(b.String(), 1000)
	if len(chunks) < 12 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	total := 0
	for _, ch := range chunks {
		if n := len([]rune(ch)); n > 1000 {
			t.Fatalf("chunk of %d runes", n)
		}
		total += strings.Count(ch, "x")
	}
	if total != 400*30 {
		t.Fatalf("lost content: %d", total)
	}
}

func TestFormatSessions(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	out := formatSessions([]session.Info{
		{ShortID: "ab12c", Phone: "2348031234567", State: session.StateOpen, Locked: true, ConnectedAt: now.Add(-90 * time.Minute)},
		{ShortID: "zz999", State: session.StateClosed, LastCode: 408},
	}, now)
	for _, want := range []string{"2 session(s)", "ab12c open +2348031234567 locked up 1h30m0s", "zz999 closed last_code=408"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestFormatReportSkipped(t *testing.T) {
	rep := dispatch.Report{RunID: "r1", Delivered: 3, Failed: 1}
	if out := formatReport(rep); strings.Contains(out, "Skipped") {
		t.Fatalf("unexpected skipped line:\n%s", out)
	}
	rep.Skipped = 2
	if out := formatReport(rep); !strings.Contains(out, "Skipped (already joined): 2") {
		t.Fatalf("missing skipped line:\n%s", out)
	}
}
