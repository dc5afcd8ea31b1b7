package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"wafleet/internal/adminapi"
	"wafleet/internal/antiecho"
	"wafleet/internal/config"
	"wafleet/internal/console"
	"wafleet/internal/dispatch"
	"wafleet/internal/liveness"
	"wafleet/internal/session"
	"wafleet/internal/storage"
	logx "wafleet/pkg/logx"
)

// logConfig maps the logging section. The operator sink stays off until
// enableOperator is set, so it is never enabled before its target is known.
func logConfig(cfg *config.Config, enableOperator bool) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    enableOperator && cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logChat parses telegram.log_chat. Empty means no operator chat.
func logChat(cfg *config.Config) (int64, error) {
	raw := strings.TrimSpace(cfg.Telegram.LogChat)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.log_chat: invalid chat id %q", raw)
	}
	return id, nil
}

func storageConfig(cfg *config.Config) (storage.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./data/wafleet.db"
	}
	busy, err := config.DurationOr("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func sessionsConfig(cfg *config.Config) (session.Config, error) {
	sc := cfg.Sessions
	rmin, err := config.DurationOr("sessions.reconnect_min", sc.ReconnectMin, time.Second)
	if err != nil {
		return session.Config{}, err
	}
	rmax, err := config.DurationOr("sessions.reconnect_max", sc.ReconnectMax, 30*time.Second)
	if err != nil {
		return session.Config{}, err
	}
	if rmax < rmin {
		return session.Config{}, fmt.Errorf("sessions.reconnect_max must be >= sessions.reconnect_min")
	}
	pairing, err := config.DurationOr("sessions.pairing_timeout", sc.PairingTimeout, 60*time.Second)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Dir:            strings.TrimSpace(sc.Dir),
		FatalCodes:     append([]int(nil), sc.FatalCodes...),
		CompanionSlots: sc.CompanionSlots,
		ReconnectMin:   rmin,
		ReconnectMax:   rmax,
		PairingTimeout: pairing,
	}, nil
}

func antiechoConfig(cfg *config.Config) antiecho.Config {
	allowSelf := true
	if cfg.AntiEcho.AllowSelfChat != nil {
		allowSelf = *cfg.AntiEcho.AllowSelfChat
	}
	return antiecho.Config{
		AllowSelfChat: allowSelf,
		AllowChats:    append([]string(nil), cfg.AntiEcho.AllowChats...),
	}
}

func dispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	bc := cfg.Broadcast
	paceMin, err := config.DurationOr("broadcast.pace_min", bc.PaceMin, 50*time.Millisecond)
	if err != nil {
		return dispatch.Config{}, err
	}
	paceMax, err := config.DurationOr("broadcast.pace_max", bc.PaceMax, 250*time.Millisecond)
	if err != nil {
		return dispatch.Config{}, err
	}
	jobTimeout, err := config.DurationOr("broadcast.job_timeout", bc.JobTimeout, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Concurrency:   bc.Concurrency,
		PaceMin:       paceMin,
		PaceMax:       paceMax,
		RatePerSec:    float64(bc.RatePerSec),
		JobTimeout:    jobTimeout,
		ProgressEvery: bc.ProgressEvery,
	}, nil
}

func consoleConfig(cfg *config.Config) (console.Config, error) {
	poll, err := config.DurationOr("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return console.Config{}, err
	}
	return console.Config{
		Token:        cfg.Telegram.Token,
		OwnerUserIDs: append([]int64(nil), cfg.Telegram.OwnerUserIDs...),
		PollTimeout:  poll,
	}, nil
}

func adminConfig(cfg *config.Config) adminapi.Config {
	return adminapi.Config{Addr: strings.TrimSpace(cfg.Admin.Addr), Token: cfg.Admin.Token, Pprof: cfg.Admin.Pprof}
}

func livenessConfig(cfg *config.Config) liveness.Config {
	spec := strings.TrimSpace(cfg.Liveness.Spec)
	if spec == "" {
		spec = "@every 6h"
	}
	return liveness.Config{Enabled: cfg.Liveness.Enabled, Spec: spec, Timezone: cfg.Liveness.Timezone}
}

// validate runs every mapping so a hot reload that cannot be applied is
// rejected before it is committed.
func validate(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := logChat(cfg); err != nil {
		return err
	}
	if _, err := storageConfig(cfg); err != nil {
		return err
	}
	if _, err := sessionsConfig(cfg); err != nil {
		return err
	}
	if _, err := dispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := consoleConfig(cfg); err != nil {
		return err
	}
	return liveness.New(liveness.Config{}, nil, nil, logx.Nop()).Validate(livenessConfig(cfg))
}
