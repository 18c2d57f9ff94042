// Package postgres provides a PostgreSQL-backed dive store and ledger.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xtding233/dive-backend/internal/curve"
	"github.com/xtding233/dive-backend/internal/outcome"
	"github.com/xtding233/dive-backend/internal/session"
	"github.com/xtding233/dive-backend/internal/storage"
	"github.com/xtding233/dive-backend/internal/vault"
)

//go:embed schema.sql
var schema embed.FS

// Store persists dive state in PostgreSQL. Amounts are NUMERIC(20,0) and
// cross the wire as text so the full uint64 range survives.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	sqlBytes, err := schema.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
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

func scanVault(row pgx.Row) (vault.Vault, error) {
	var (
		v                             vault.Vault
		available, reserved, escrowed string
		version                       int64
	)
	if err := row.Scan(&v.ID, &v.Authority, &available, &reserved, &escrowed, &v.Locked, &version); err != nil {
		return vault.Vault{}, err
	}
	v.Version = uint64(version)
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
	return v, nil
}

// GetVault returns one vault by id.
func (s *Store) GetVault(ctx context.Context, id string) (vault.Vault, error) {
	v, err := scanVault(s.pool.QueryRow(ctx, `
		SELECT id, authority, available::text, reserved::text, escrowed::text, locked, version
		  FROM vaults WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return vault.Vault{}, storage.ErrNotFound
	}
	if err != nil {
		return vault.Vault{}, fmt.Errorf("get vault: %w", err)
	}
	return v, nil
}

const sessionColumns = `id, player, vault_id, status, bet::text, current_value::text, max_payout::text,
	depth, rounds, payout::text, seed, commitment, curve::text, config_revision, opened_at, last_active_at, closed_at, version`

func scanSession(row pgx.Row) (session.Session, error) {
	var (
		ss                                  session.Session
		status, bet, value, maxPayout, paid string
		seedHex, curveJSON                  string
		revision, version                   int64
		openedAt, lastActiveAt, closedAt    int64
	)
	if err := row.Scan(&ss.ID, &ss.Player, &ss.VaultID, &status, &bet, &value, &maxPayout,
		&ss.Depth, &ss.Rounds, &paid, &seedHex, &ss.Commitment, &curveJSON, &revision,
		&openedAt, &lastActiveAt, &closedAt, &version); err != nil {
		return session.Session{}, err
	}
	ss.Status = session.Status(status)
	ss.ConfigRevision = uint64(revision)
	ss.Version = uint64(version)
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
	ss, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("get session: %w", err)
	}
	return ss, nil
}

// ActiveSessions lists Active sessions oldest first.
func (s *Store) ActiveSessions(ctx context.Context, vaultID string) ([]session.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		 WHERE status = $1 AND ($2 = '' OR vault_id = $2)
		 ORDER BY opened_at, id`, string(session.StatusActive), vaultID)
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
	rows, err := s.pool.Query(ctx, `
		SELECT seq, kind, session_id, vault_id, at, data::text
		  FROM events WHERE session_id = $1 ORDER BY seq`, sessionID)
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
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx) // safe if already committed

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
		if _, err := tx.Exec(ctx,
			`INSERT INTO events (kind, session_id, vault_id, at, data) VALUES ($1, $2, $3, $4, $5::jsonb)`,
			e.Kind, e.SessionID, e.VaultID, toMillis(e.At), string(data)); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func writeVault(ctx context.Context, tx pgx.Tx, v vault.Vault, create bool) error {
	if create {
		_, err := tx.Exec(ctx, `
			INSERT INTO vaults (id, authority, available, reserved, escrowed, locked, version)
			VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7)`,
			v.ID, v.Authority, amount(v.Available), amount(v.Reserved), amount(v.Escrowed), v.Locked, int64(v.Version+1))
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("insert vault: %w", err)
		}
		return nil
	}
	tag, err := tx.Exec(ctx, `
		UPDATE vaults
		   SET authority = $2,
		       available = $3::numeric,
		       reserved = $4::numeric,
		       escrowed = $5::numeric,
		       locked = $6,
		       version = version + 1
		 WHERE id = $1 AND version = $7`,
		v.ID, v.Authority, amount(v.Available), amount(v.Reserved), amount(v.Escrowed), v.Locked, int64(v.Version))
	if err != nil {
		return fmt.Errorf("update vault: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM vaults WHERE id = $1`, v.ID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check vault: %w", err)
	}
	return storage.ErrConflict
}

func writeSession(ctx context.Context, tx pgx.Tx, ss session.Session, create bool) error {
	curveJSON, err := json.Marshal(ss.Curve)
	if err != nil {
		return fmt.Errorf("encode curve snapshot: %w", err)
	}
	if create {
		_, err := tx.Exec(ctx, `
			INSERT INTO sessions (id, player, vault_id, status, bet, current_value, max_payout, depth, rounds,
			                      payout, seed, commitment, curve, config_revision, opened_at, last_active_at, closed_at, version)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9,
			        $10::numeric, $11, $12, $13::jsonb, $14, $15, $16, $17, $18)`,
			ss.ID, ss.Player, ss.VaultID, string(ss.Status), amount(ss.Bet), amount(ss.CurrentValue),
			amount(ss.MaxPayout), ss.Depth, ss.Rounds, amount(ss.Payout), ss.Seed.String(), ss.Commitment,
			string(curveJSON), int64(ss.ConfigRevision), toMillis(ss.OpenedAt), toMillis(ss.LastActiveAt), toMillis(ss.ClosedAt),
			int64(ss.Version+1))
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	}
	tag, err := tx.Exec(ctx, `
		UPDATE sessions
		   SET status = $2,
		       current_value = $3::numeric,
		       depth = $4,
		       rounds = $5,
		       payout = $6::numeric,
		       last_active_at = $7,
		       closed_at = $8,
		       version = version + 1
		 WHERE id = $1 AND version = $9`,
		ss.ID, string(ss.Status), amount(ss.CurrentValue), ss.Depth, ss.Rounds, amount(ss.Payout),
		toMillis(ss.LastActiveAt), toMillis(ss.ClosedAt), int64(ss.Version))
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM sessions WHERE id = $1`, ss.ID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	return storage.ErrConflict
}

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

var _ storage.Store = (*Store)(nil)
