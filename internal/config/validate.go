package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"wafleet/pkg/logx"
)

// Validate rejects configs that can never work. It runs on Load and before
// every hot reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"sessions.reconnect_min", cfg.Sessions.ReconnectMin},
		{"sessions.reconnect_max", cfg.Sessions.ReconnectMax},
		{"sessions.pairing_timeout", cfg.Sessions.PairingTimeout},
		{"broadcast.pace_min", cfg.Broadcast.PaceMin},
		{"broadcast.pace_max", cfg.Broadcast.PaceMax},
		{"broadcast.job_timeout", cfg.Broadcast.JobTimeout},
	} {
		_, err := ParseDurationField(f.path, f.raw)
		check(err)
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			check(fmt.Errorf("logging.level: unknown level %q", lvl))
		}
	}
	if cfg.Sessions.CompanionSlots < 0 {
		check(errors.New("sessions.companion_slots must be >= 0"))
	}
	for _, c := range cfg.Sessions.FatalCodes {
		if c <= 0 {
			check(fmt.Errorf("sessions.fatal_codes: invalid code %d", c))
		}
	}
	if cfg.Broadcast.Concurrency < 0 {
		check(errors.New("broadcast.concurrency must be >= 0"))
	}
	if cfg.Broadcast.RatePerSec < 0 {
		check(errors.New("broadcast.rate_per_sec must be >= 0"))
	}
	if cfg.Broadcast.ProgressEvery < 0 {
		check(errors.New("broadcast.progress_every must be >= 0"))
	}
	minPace, _ := ParseDurationField("broadcast.pace_min", cfg.Broadcast.PaceMin)
	maxPace, _ := ParseDurationField("broadcast.pace_max", cfg.Broadcast.PaceMax)
	if maxPace > 0 && minPace > maxPace {
		check(errors.New("broadcast.pace_min must be <= broadcast.pace_max"))
	}
	if hc := strings.TrimSpace(cfg.Normalize.HomeCode); hc != "" && strings.Trim(hc, "0123456789") != "" {
		check(fmt.Errorf("normalize.home_code: %q is not a calling code", hc))
	}
	if tz := strings.TrimSpace(cfg.Liveness.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			check(fmt.Errorf("liveness.timezone: invalid %q: %w", tz, err))
		}
	}
	return errors.Join(errs...)
}
