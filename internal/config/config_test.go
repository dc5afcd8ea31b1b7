package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDecodeFormatsAgree(t *testing.T) {
	js := `{"telegram":{"token":"t","owner_user_ids":[1]},"broadcast":{"concurrency":7,"pace_max":"100ms"}}`
	ym := "telegram:\n  token: t\n  owner_user_ids: [1]\nbroadcast:\n  concurrency: 7\n  pace_max: 100ms\n"
	tm := "[telegram]\ntoken = \"t\"\nowner_user_ids = [1]\n\n[broadcast]\nconcurrency = 7\npace_max = \"100ms\"\n"

	for name, in := range map[string]struct{ path, data string }{
		"json": {"c.json", js},
		"yaml": {"c.yaml", ym},
		"toml": {"c.toml", tm},
	} {
		cfg, err := Decode(in.path, []byte(in.data))
		if err != nil {
			t.Fatalf("%s: decode: %v", name, err)
		}
		if cfg.Telegram.Token != "t" || len(cfg.Telegram.OwnerUserIDs) != 1 || cfg.Telegram.OwnerUserIDs[0] != 1 {
			t.Fatalf("%s: telegram = %+v", name, cfg.Telegram)
		}
		if cfg.Broadcast.Concurrency != 7 || cfg.Broadcast.PaceMax != "100ms" {
			t.Fatalf("%s: broadcast = %+v", name, cfg.Broadcast)
		}
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	if _, err := Decode("c.json", []byte(`{"telegram":{"tokn":"x"}}`)); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	if err := Validate(cfg); err != nil {
		t.Fatalf("empty config should be valid: %v", err)
	}

	bad := &Config{}
	bad.Broadcast.PaceMin = "2s"
	bad.Broadcast.PaceMax = "1s"
	bad.Sessions.FatalCodes = []int{401, -1}
	bad.Logging.Level = "loud"
	bad.Normalize.HomeCode = "+44"
	err := Validate(bad)
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"pace_min", "fatal_codes", "logging.level", "home_code"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestManagerLoadAndReloadPublishes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"broadcast":{"concurrency":3}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broadcast.Concurrency != 3 {
		t.Fatalf("concurrency = %d", cfg.Broadcast.Concurrency)
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// Same content is not republished.
	m.reload(t.Context())
	select {
	case <-sub:
		t.Fatalf("unchanged config was published")
	default:
	}

	if err := os.WriteFile(path, []byte(`{"broadcast":{"concurrency":9}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(t.Context())
	select {
	case got := <-sub:
		if got.Broadcast.Concurrency != 9 {
			t.Fatalf("published concurrency = %d", got.Broadcast.Concurrency)
		}
	default:
		t.Fatalf("changed config was not published")
	}
	if m.Get().Broadcast.Concurrency != 9 {
		t.Fatalf("committed config not updated")
	}
}

func TestSummarizeChange(t *testing.T) {
	a := &Config{}
	b := &Config{}
	b.Broadcast.Concurrency = 4
	b.Storage.Path = "x.db"
	sections, _ := SummarizeChange(a, b)
	if strings.Join(sections, ",") != "storage,broadcast" {
		t.Fatalf("sections = %v", sections)
	}
	if got := RestartRequired(sections); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("restart required = %v", got)
	}
}
