package config

// Config is the on-disk configuration. All durations are Go duration strings
// ("250ms", "10s", "6h"). Empty values fall back to the defaults noted on each
// field; the app maps them to typed settings with DurationOr.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Sessions  SessionsConfig  `json:"sessions"`
	AntiEcho  AntiEchoConfig  `json:"antiecho"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Normalize NormalizeConfig `json:"normalize"`
	Admin     AdminConfig     `json:"admin"`
	Liveness  LivenessConfig  `json:"liveness"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// LogChat receives operator log lines and lifecycle notifications.
	LogChat string `json:"log_chat"`
	// PollTimeout defaults to "10s".
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig points at the SQLite database holding sessions and destinations.
//
// Example:
//
//	"storage": { "path": "./data/wafleet.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SessionsConfig controls the session supervisor.
type SessionsConfig struct {
	// Dir holds one credential bundle file per session. Default "./data/sessions".
	Dir string `json:"dir"`
	// FatalCodes are disconnect codes that tear a session down instead of
	// reconnecting. Default [401, 403].
	FatalCodes []int `json:"fatal_codes,omitempty"`
	// CompanionSlots bounds the eviction sweep on logout. Default 5.
	CompanionSlots int `json:"companion_slots,omitempty"`
	// ReconnectMin/ReconnectMax bound the jittered reconnect backoff.
	// Defaults "1s" and "30s".
	ReconnectMin string `json:"reconnect_min,omitempty"`
	ReconnectMax string `json:"reconnect_max,omitempty"`
	// PairingTimeout bounds a pairing code request. Default "60s".
	PairingTimeout string `json:"pairing_timeout,omitempty"`
}

type AntiEchoConfig struct {
	// AllowSelfChat keeps the account's own chat exempt. Pointer so an omitted
	// value defaults to true.
	AllowSelfChat *bool `json:"allow_self_chat,omitempty"`
	// AllowChats lists extra chat addresses that are never revoked.
	AllowChats []string `json:"allow_chats,omitempty"`
}

type BroadcastConfig struct {
	// Concurrency defaults to 5.
	Concurrency int `json:"concurrency,omitempty"`
	// PaceMin/PaceMax bound the random delay before each job. Defaults "50ms"/"250ms".
	PaceMin string `json:"pace_min,omitempty"`
	PaceMax string `json:"pace_max,omitempty"`
	// RatePerSec caps total sends per second across all sessions. 0 disables.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// JobTimeout bounds one destination (check + send). Default "30s".
	JobTimeout string `json:"job_timeout,omitempty"`
	// ProgressEvery emits a progress event every N finished jobs. Default 50.
	ProgressEvery int `json:"progress_every,omitempty"`
}

type NormalizeConfig struct {
	// HomeCode is the home country calling code. Default "234".
	HomeCode string `json:"home_code,omitempty"`
}

// AdminConfig controls the optional admin HTTP API.
//
// Security note: bind to loopback or set a token.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default "127.0.0.1:8085"
	Token   string `json:"token,omitempty"` // bearer token (never logged)
	// Pprof mounts net/http/pprof under /debug/pprof behind the same token.
	Pprof bool `json:"pprof,omitempty"`
}

type LivenessConfig struct {
	Enabled  bool   `json:"enabled"`
	Spec     string `json:"spec,omitempty"` // cron spec, default "@every 6h"
	Timezone string `json:"timezone,omitempty"`
}
