package logx

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []string
	chat []int64
}

func (c *captureSender) SendLog(_ context.Context, chatID int64, _ int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, text)
	c.chat = append(c.chat, chatID)
	return nil
}

func (c *captureSender) wait(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := append([]string(nil), c.msgs...)
		c.mu.Unlock()
		if len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("operator sink got fewer than %d messages", n)
	return nil
}

func TestFormatOperatorJSON(t *testing.T) {
	got := formatOperatorJSON([]byte(`{"level":"warn","time":"x","message":"session closed fatally","short_id":"ab12c","code":401}` + "\n"))
	want := "[WARN] session closed fatally\n- code=401\n- short_id=ab12c"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got := formatOperatorJSON([]byte("not json")); got != "not json" {
		t.Fatalf("raw passthrough = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate(strings.Repeat("a", 20), 12); got != "aaaaaaaaa..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero value not reported as zero")
	}
	zero.Info("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop reported as zero")
	}
	if zero.With(String("k", "v")).IsZero() {
		t.Fatal("logger with fields reported as zero")
	}
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"debug", "INFO", " warning ", "error", "trace"} {
		if _, ok := ParseLevel(s); !ok {
			t.Fatalf("ParseLevel(%q) rejected", s)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatal("unknown level accepted")
	}
}

func TestOperatorSink(t *testing.T) {
	sender := &captureSender{}
	cfg := Config{Level: "debug", Operator: OperatorConfig{MinLevel: "warn", RatePerSec: 100}}
	svc, log := New(cfg, nil)
	defer svc.Close()

	svc.SetSender(sender)
	svc.SetOperatorTarget(-100123, 7)
	cfg.Operator.Enabled = true
	svc.Apply(cfg)

	log = log.With(String("comp", "test"))
	log.Info("below threshold")
	log.Warn("fleet degraded", Int("open", 1), Err(errors.New("boom")))

	got := sender.wait(t, 1)
	if !strings.HasPrefix(got[0], "[WARN] fleet degraded") {
		t.Fatalf("first operator message = %q", got[0])
	}
	for _, want := range []string{"- comp=test", "- err=boom", "- open=1"} {
		if !strings.Contains(got[0], want) {
			t.Fatalf("message missing %q:\n%s", want, got[0])
		}
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.chat[0] != -100123 {
		t.Fatalf("chat = %d", sender.chat[0])
	}
}
