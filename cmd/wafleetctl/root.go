package main

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"wafleet/internal/config"
	"wafleet/internal/phone"
	"wafleet/internal/storage"
	logx "wafleet/pkg/logx"
)

// env lazily loads the daemon config and opens the shared database.
type env struct {
	cfgPath  string
	homeCode string

	cfg   *config.Config
	store *storage.SQLite
}

func newRootCmd() *cobra.Command {
	e := &env{}
	rootCmd := &cobra.Command{
		Use:           "wafleetctl",
		Short:         "Offline tools for a wafleet deployment",
		Long:          "wafleetctl works on the same config and database as the wafleet daemon: normalize numbers, import destination files, and inspect sessions without a running daemon.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return e.close()
		},
	}
	rootCmd.PersistentFlags().StringVar(&e.cfgPath, "config", "./config.json", "path to the daemon config")
	rootCmd.PersistentFlags().StringVar(&e.homeCode, "home", "", "home calling code (overrides normalize.home_code)")

	rootCmd.AddCommand(
		newNormalizeCmd(e),
		newImportCmd(e),
		newSessionsCmd(e),
		newCountCmd(e),
		newPurgeCmd(e),
	)
	return rootCmd
}

// config returns the parsed config. A missing file yields defaults so
// normalize works anywhere.
func (e *env) config() (*config.Config, error) {
	if e.cfg != nil {
		return e.cfg, nil
	}
	cfg, err := config.NewManager(e.cfgPath).Load()
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = &config.Config{}, nil
	}
	if err != nil {
		return nil, err
	}
	e.cfg = cfg
	return cfg, nil
}

func (e *env) normalizer() (*phone.Normalizer, error) {
	if code := strings.TrimSpace(e.homeCode); code != "" {
		return phone.New(code), nil
	}
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	return phone.New(cfg.Normalize.HomeCode), nil
}

func (e *env) open() (*storage.SQLite, error) {
	if e.store != nil {
		return e.store, nil
	}
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./data/wafleet.db"
	}
	busy, err := config.DurationOr("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(storage.Config{Path: path, BusyTimeout: busy}, logx.Nop())
	if err != nil {
		return nil, err
	}
	e.store = st
	return st, nil
}

func (e *env) close() error {
	if e.store == nil {
		return nil
	}
	err := e.store.Close()
	e.store = nil
	return err
}
