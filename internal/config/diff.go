package config

import (
	"reflect"
	"strings"

	"wafleet/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log-safe fields describing them. Secrets are reported as set/unset only.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.LogChat) != strings.TrimSpace(newCfg.Telegram.LogChat) ||
		oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.log_chat_set", strings.TrimSpace(newCfg.Telegram.LogChat) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.operator_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Sessions, newCfg.Sessions) {
		changed = append(changed, "sessions")
		fields = append(fields, logx.Any("sessions.fatal_codes", newCfg.Sessions.FatalCodes))
	}
	if !reflect.DeepEqual(oldCfg.AntiEcho, newCfg.AntiEcho) {
		changed = append(changed, "antiecho")
		fields = append(fields, logx.Int("antiecho.allow_chats", len(newCfg.AntiEcho.AllowChats)))
	}
	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		fields = append(fields,
			logx.Int("broadcast.concurrency", newCfg.Broadcast.Concurrency),
			logx.Int("broadcast.rate_per_sec", newCfg.Broadcast.RatePerSec),
		)
	}
	if oldCfg.Normalize != newCfg.Normalize {
		changed = append(changed, "normalize")
	}
	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		fields = append(fields,
			logx.Bool("admin.token_set", newCfg.Admin.Token != ""),
			logx.Bool("admin.pprof", newCfg.Admin.Pprof),
		)
	}
	if oldCfg.Liveness != newCfg.Liveness {
		changed = append(changed, "liveness")
	}
	return changed, fields
}

// RestartRequired reports sections whose changes only apply after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "admin", "normalize":
			out = append(out, s)
		}
	}
	return out
}
