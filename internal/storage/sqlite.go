package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	logx "wafleet/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// batchSize bounds the rows touched per statement group in bulk operations.
const batchSize = 500

// SQLite implements SessionStore and DestinationStore.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
}

var (
	_ SessionStore     = (*SQLite)(nil)
	_ DestinationStore = (*SQLite)(nil)
)

func openSQLite(cfg Config, log logx.Logger) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &SQLite{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	log.Debug("storage opened", logx.String("path", cfg.Path))
	return st, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) ready() error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return nil
}

func (s *SQLite) Save(ctx context.Context, sess Session) error {
	if err := s.ready(); err != nil {
		return err
	}
	if sess.ID == "" {
		return errors.New("storage: session id is required")
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, phone, short_id, bundle, locked, connected_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   phone        = COALESCE(NULLIF(excluded.phone, ''), sessions.phone),
		   short_id     = COALESCE(NULLIF(excluded.short_id, ''), sessions.short_id),
		   bundle       = COALESCE(excluded.bundle, sessions.bundle),
		   connected_at = CASE WHEN excluded.connected_at > 0 THEN excluded.connected_at ELSE sessions.connected_at END,
		   updated_at   = excluded.updated_at`,
		sess.ID, sess.Phone, sess.ShortID, nullBlob(sess.Bundle), boolInt(sess.Locked),
		unixMilli(sess.ConnectedAt), unixMilli(sess.UpdatedAt),
	)
	return err
}

func (s *SQLite) Get(ctx context.Context, id string) (Session, error) {
	if err := s.ready(); err != nil {
		return Session{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, phone, short_id, bundle, locked, connected_at, updated_at FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return sess, err
}

func (s *SQLite) LoadAll(ctx context.Context) ([]Session, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, phone, short_id, bundle, locked, connected_at, updated_at FROM sessions ORDER BY updated_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *SQLite) SetLockState(ctx context.Context, id string, locked bool) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET locked = ?, updated_at = ? WHERE id = ?`,
		boolInt(locked), time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) ListAll(ctx context.Context) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT addr FROM destinations ORDER BY added_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) Count(ctx context.Context) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM destinations`).Scan(&n)
	return n, err
}

func (s *SQLite) AddMany(ctx context.Context, addrs []string) (int, error) {
	now := time.Now().UnixMilli()
	return s.bulk(ctx, addrs, `INSERT OR IGNORE INTO destinations(addr, added_at) VALUES(?, ?)`,
		func(a string) []any { return []any{a, now} })
}

func (s *SQLite) RemoveMany(ctx context.Context, addrs []string) (int, error) {
	return s.bulk(ctx, addrs, `DELETE FROM destinations WHERE addr = ?`,
		func(a string) []any { return []any{a} })
}

// bulk runs stmt once per address inside batched transactions and sums the
// affected rows. Rows committed by earlier batches stay committed on error.
func (s *SQLite) bulk(ctx context.Context, addrs []string, stmt string, args func(string) []any) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	total := 0
	for start := 0; start < len(addrs); start += batchSize {
		end := min(start+batchSize, len(addrs))
		n, err := s.bulkBatch(ctx, addrs[start:end], stmt, args)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *SQLite) bulkBatch(ctx context.Context, addrs []string, stmt string, args func(string) []any) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	ps, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return 0, err
	}
	defer ps.Close()

	n := 0
	for _, a := range addrs {
		if a == "" {
			continue
		}
		res, err := ps.ExecContext(ctx, args(a)...)
		if err != nil {
			return 0, err
		}
		if k, _ := res.RowsAffected(); k > 0 {
			n += int(k)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (Session, error) {
	var (
		sess              Session
		locked            int
		connected, update int64
	)
	if err := sc.Scan(&sess.ID, &sess.Phone, &sess.ShortID, &sess.Bundle, &locked, &connected, &update); err != nil {
		return Session{}, err
	}
	sess.Locked = locked != 0
	sess.ConnectedAt = fromMilli(connected)
	sess.UpdatedAt = fromMilli(update)
	return sess, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullBlob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
