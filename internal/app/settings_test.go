package app

import (
	"strings"
	"testing"
	"time"

	"wafleet/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{Telegram: config.TelegramConfig{Token: "123:abc"}}
}

func TestDefaultsMapping(t *testing.T) {
	cfg := baseConfig()

	sc, err := sessionsConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if sc.ReconnectMin != time.Second || sc.ReconnectMax != 30*time.Second || sc.PairingTimeout != time.Minute {
		t.Fatalf("sessions = %+v", sc)
	}

	dc, err := dispatchConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if dc.PaceMin != 50*time.Millisecond || dc.PaceMax != 250*time.Millisecond || dc.JobTimeout != 30*time.Second {
		t.Fatalf("dispatch = %+v", dc)
	}

	if ae := antiechoConfig(cfg); !ae.AllowSelfChat {
		t.Fatal("allow_self_chat should default to true")
	}
	off := false
	cfg.AntiEcho.AllowSelfChat = &off
	if ae := antiechoConfig(cfg); ae.AllowSelfChat {
		t.Fatal("explicit allow_self_chat=false ignored")
	}

	st, err := storageConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if st.Path != "./data/wafleet.db" || st.BusyTimeout != 5*time.Second {
		t.Fatalf("storage = %+v", st)
	}

	if lc := livenessConfig(cfg); lc.Spec != "@every 6h" {
		t.Fatalf("liveness spec = %q", lc.Spec)
	}
}

func TestOperatorSinkGatedUntilTargetSet(t *testing.T) {
	cfg := baseConfig()
	cfg.Logging.Telegram.Enabled = true
	cfg.Logging.Telegram.MinLevel = "warn"

	if logConfig(cfg, false).Operator.Enabled {
		t.Fatal("operator sink enabled before target")
	}
	lc := logConfig(cfg, true)
	if !lc.Operator.Enabled || lc.Operator.MinLevel != "warn" {
		t.Fatalf("operator = %+v", lc.Operator)
	}
}

func TestLogChat(t *testing.T) {
	cfg := baseConfig()
	if id, err := logChat(cfg); err != nil || id != 0 {
		t.Fatalf("empty log chat = %d, %v", id, err)
	}
	cfg.Telegram.LogChat = " -1001234567890 "
	if id, err := logChat(cfg); err != nil || id != -1001234567890 {
		t.Fatalf("log chat = %d, %v", id, err)
	}
	cfg.Telegram.LogChat = "@ops"
	if _, err := logChat(cfg); err == nil {
		t.Fatal("username accepted as chat id")
	}
}

func TestValidate(t *testing.T) {
	if err := validate(baseConfig()); err != nil {
		t.Fatalf("base config rejected: %v", err)
	}

	cases := map[string]func(*config.Config){
		"telegram.token":         func(c *config.Config) { c.Telegram.Token = " " },
		"sessions.reconnect_max": func(c *config.Config) { c.Sessions.ReconnectMin, c.Sessions.ReconnectMax = "10s", "1s" },
		"broadcast.pace_min":     func(c *config.Config) { c.Broadcast.PaceMin = "soon" },
		"telegram.log_chat":      func(c *config.Config) { c.Telegram.LogChat = "ops" },
		"liveness":               func(c *config.Config) { c.Liveness.Enabled, c.Liveness.Spec = true, "every tuesday" },
	}
	for want, mutate := range cases {
		cfg := baseConfig()
		mutate(cfg)
		err := validate(cfg)
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("%s: err = %v", want, err)
		}
	}
}
