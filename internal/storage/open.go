package storage

import (
	"errors"
	"strings"

	logx "wafleet/pkg/logx"
)

// Open opens (creating when needed) the database at cfg.Path.
func Open(cfg Config, log logx.Logger) (*SQLite, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
