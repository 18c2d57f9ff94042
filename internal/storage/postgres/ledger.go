package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xtding233/dive-backend/internal/ledger"
)

// Ledger keeps account balances in the store's database.
type Ledger struct {
	pool *pgxpool.Pool
}

// Ledger returns a ledger sharing the store's pool.
func (s *Store) Ledger() *Ledger { return &Ledger{pool: s.pool} }

// balanceTx reads and row-locks account; unknown accounts read as zero.
func balanceTx(ctx context.Context, tx pgx.Tx, account string) (uint64, error) {
	var raw string
	err := tx.QueryRow(ctx, `SELECT balance::text FROM accounts WHERE id = $1 FOR UPDATE`, account).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance %s: %w", account, err)
	}
	return parseAmount(raw)
}

func setBalanceTx(ctx context.Context, tx pgx.Tx, account string, bal uint64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO accounts (id, balance) VALUES ($1, $2::numeric)
		ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance`, account, amount(bal))
	if err != nil {
		return fmt.Errorf("write balance %s: %w", account, err)
	}
	return nil
}

// Balance returns the balance of account, zero when unknown.
func (l *Ledger) Balance(ctx context.Context, account string) (uint64, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return 0, fmt.Errorf("begin balance: %w", err)
	}
	defer tx.Rollback(ctx)
	var raw string
	err = tx.QueryRow(ctx, `SELECT balance::text FROM accounts WHERE id = $1`, account).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance %s: %w", account, err)
	}
	return parseAmount(raw)
}

// Credit mints amount into account.
func (l *Ledger) Credit(ctx context.Context, account string, amt uint64) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin credit: %w", err)
	}
	defer tx.Rollback(ctx)
	bal, err := balanceTx(ctx, tx, account)
	if err != nil {
		return err
	}
	if amt > math.MaxUint64-bal {
		return fmt.Errorf("credit %s: balance overflow: %w", account, ledger.ErrInvalidTransfer)
	}
	if err := setBalanceTx(ctx, tx, account, bal+amt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Transfer moves amt between accounts in one transaction. Rows are locked
// in id order so concurrent opposite transfers cannot deadlock.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amt uint64) error {
	if amt == 0 || from == to {
		return ledger.ErrInvalidTransfer
	}
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transfer: %w", err)
	}
	defer tx.Rollback(ctx)

	first, second := from, to
	if second < first {
		first, second = second, first
	}
	bals := make(map[string]uint64, 2)
	for _, acct := range []string{first, second} {
		b, err := balanceTx(ctx, tx, acct)
		if err != nil {
			return err
		}
		bals[acct] = b
	}
	src, dst := bals[from], bals[to]
	if src < amt {
		return fmt.Errorf("transfer %d from %s: %w", amt, from, ledger.ErrInsufficientFunds)
	}
	if dst > math.MaxUint64-amt {
		return fmt.Errorf("transfer %d to %s: balance overflow: %w", amt, to, ledger.ErrInvalidTransfer)
	}
	if err := setBalanceTx(ctx, tx, from, src-amt); err != nil {
		return err
	}
	if err := setBalanceTx(ctx, tx, to, dst+amt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

var _ ledger.Ledger = (*Ledger)(nil)
