// Package sqlite provides a SQLite-backed dive store and ledger.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xtding233/dive-backend/internal/curve"
	"github.com/xtding233/dive-backend/internal/outcome"
	"github.com/xtding233/dive-backend/internal/session"
	"github.com/xtding233/dive-backend/internal/storage"
	"github.com/xtding233/dive-backend/internal/storage/sqlite/migrations"
	"github.com/xtding233/dive-backend/internal/storage/sqlitemigrate"
	"github.com/xtding233/dive-backend/internal/vault"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists dive state in SQLite. Amounts are stored as decimal text
// so the full uint64 range survives.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

func amount(n uint64) string { return strconv.FormatUint(n, 10) }

func parseAmount(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt amount %q: %w", s, err)
	}
	return n, nil
}

// Open opens a SQLite store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVault(row rowScanner) (vault.Vault, error) {
	var (
		v                             vault.Vault
		available, reserved, escrowed string
		locked                        int
	)
	if err := row.Scan(&v.ID, &v.Authority, &available, &reserved, &escrowed, &locked, &v.Version); err != nil {
		return vault.Vault{}, err
	}
	var err error
	if v.Available, err = parseAmount(available); err != nil {
		return vault.Vault{}, err
	}
	if v.Reserved, err = parseAmount(reserved); err != nil {
		return vault.Vault{}, err
	}
	if v.Escrowed, err = parseAmount(escrowed); err != nil {
		return vault.Vault{}, err
	}
	v.Locked = locked != 0
	return v, nil
}

// GetVault returns one vault by id.
func (s *Store) GetVault(ctx context.Context, id string) (vault.Vault, error) {
	if err := ctx.Err(); err != nil {
		return vault.Vault{}, err
	}
	v, err := scanVault(s.sqlDB.QueryRowContext(ctx,
		`SELECT id, authority, available, reserved, escrowed, locked, version FROM vaults WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return vault.Vault{}, storage.ErrNotFound
	}
	if err != nil {
		return vault.Vault{}, fmt.Errorf("get vault: %w", err)
	}
	return v, nil
}

const sessionColumns = `id, player, vault_id, status, bet, current_value, max_payout, depth, rounds,
	payout, seed, commitment, curve_json, config_revision, opened_at, last_active_at, closed_at, version`

func scanSession(row rowScanner) (session.Session, error) {
	var (
		ss                                  session.Session
		status, bet, value, maxPayout, paid string
		seedHex, curveJSON                  string
		openedAt, lastActiveAt, closedAt    int64
	)
	if err := row.Scan(&ss.ID, &ss.Player, &ss.VaultID, &status, &bet, &value, &maxPayout,
		&ss.Depth, &ss.Rounds, &paid, &seedHex, &ss.Commitment, &curveJSON, &ss.ConfigRevision,
		&openedAt, &lastActiveAt, &closedAt, &ss.Version); err != nil {
		return session.Session{}, err
	}
	ss.Status = session.Status(status)
	var err error
	for _, f := range []struct {
		dst *uint64
		src string
	}{{&ss.Bet, bet}, {&ss.CurrentValue, value}, {&ss.MaxPayout, maxPayout}, {&ss.Payout, paid}} {
		if *f.dst, err = parseAmount(f.src); err != nil {
			return session.Session{}, err
		}
	}
	if ss.Seed, err = outcome.ParseSeed(seedHex); err != nil {
		return session.Session{}, err
	}
	var p curve.Params
	if err := json.Unmarshal([]byte(curveJSON), &p); err != nil {
		return session.Session{}, fmt.Errorf("decode curve snapshot: %w", err)
	}
	ss.Curve = p
	ss.OpenedAt = fromMillis(openedAt)
	ss.LastActiveAt = fromMillis(lastActiveAt)
	ss.ClosedAt = fromMillis(closedAt)
	return ss, nil
}

// GetSession returns one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, err
	}
	ss, err := scanSession(s.sqlDB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("get session: %w", err)
	}
	return ss, nil
}

// ActiveSessions lists Active sessions oldest first.
func (s *Store) ActiveSessions(ctx context.Context, vaultID string) ([]session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status = ?`
	args := []any{string(session.StatusActive)}
	if vaultID != "" {
		query += ` AND vault_id = ?`
		args = append(args, vaultID)
	}
	query += ` ORDER BY opened_at, id`
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()
	var out []session.Session
	for rows.Next() {
		ss, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

// Events returns a session's audit trail in order.
func (s *Store) Events(ctx context.Context, sessionID string) ([]storage.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT seq, kind, session_id, vault_id, at, data FROM events WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []storage.Event
	for rows.Next() {
		var (
			e    storage.Event
			at   int64
			data string
		)
		if err := rows.Scan(&e.Seq, &e.Kind, &e.SessionID, &e.VaultID, &at, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.At = fromMillis(at)
		if data != "" && data != "{}" {
			if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Apply writes the commit in one transaction.
func (s *Store) Apply(ctx context.Context, c storage.Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if c.Vault != nil {
		if err := writeVault(ctx, tx, *c.Vault, c.CreateVault); err != nil {
			return err
		}
	}
	if c.Session != nil {
		if err := writeSession(ctx, tx, *c.Session, c.CreateSession); err != nil {
			return err
		}
	}
	for _, e := range c.Events {
		data := []byte("{}")
		if len(e.Data) > 0 {
			if data, err = json.Marshal(e.Data); err != nil {
				return fmt.Errorf("encode event data: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (kind, session_id, vault_id, at, data) VALUES (?, ?, ?, ?, ?)`,
			e.Kind, e.SessionID, e.VaultID, toMillis(e.At), string(data)); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func writeVault(ctx context.Context, tx *sql.Tx, v vault.Vault, create bool) error {
	locked := 0
	if v.Locked {
		locked = 1
	}
	if create {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO vaults (id, authority, available, reserved, escrowed, locked, version) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.Authority, amount(v.Available), amount(v.Reserved), amount(v.Escrowed), locked, v.Version+1)
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("insert vault: %w", err)
		}
		return nil
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE vaults SET authority = ?, available = ?, reserved = ?, escrowed = ?, locked = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		v.Authority, amount(v.Available), amount(v.Reserved), amount(v.Escrowed), locked, v.ID, v.Version)
	if err != nil {
		return fmt.Errorf("update vault: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM vaults WHERE id = ?`, v.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check vault: %w", err)
	}
	return storage.ErrConflict
}

func writeSession(ctx context.Context, tx *sql.Tx, ss session.Session, create bool) error {
	curveJSON, err := json.Marshal(ss.Curve)
	if err != nil {
		return fmt.Errorf("encode curve snapshot: %w", err)
	}
	if create {
		_, err := tx.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ss.ID, ss.Player, ss.VaultID, string(ss.Status), amount(ss.Bet), amount(ss.CurrentValue),
			amount(ss.MaxPayout), ss.Depth, ss.Rounds, amount(ss.Payout), ss.Seed.String(), ss.Commitment,
			string(curveJSON), ss.ConfigRevision, toMillis(ss.OpenedAt), toMillis(ss.LastActiveAt), toMillis(ss.ClosedAt),
			ss.Version+1)
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, current_value = ?, depth = ?, rounds = ?, payout = ?, last_active_at = ?, closed_at = ?,
		 version = version + 1
		 WHERE id = ? AND version = ?`,
		string(ss.Status), amount(ss.CurrentValue), ss.Depth, ss.Rounds, amount(ss.Payout),
		toMillis(ss.LastActiveAt), toMillis(ss.ClosedAt), ss.ID, ss.Version)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, ss.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	return storage.ErrConflict
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ storage.Store = (*Store)(nil)
