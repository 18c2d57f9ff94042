package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/xtding233/dive-backend/internal/ledger"
)

// Ledger keeps account balances in the store's database.
type Ledger struct {
	sqlDB *sql.DB
}

// Ledger returns a ledger sharing the store's handle.
func (s *Store) Ledger() *Ledger { return &Ledger{sqlDB: s.sqlDB} }

func balanceTx(ctx context.Context, tx *sql.Tx, account string) (uint64, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, account).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance %s: %w", account, err)
	}
	return parseAmount(raw)
}

func setBalanceTx(ctx context.Context, tx *sql.Tx, account string, bal uint64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (id, balance) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET balance = excluded.balance`,
		account, amount(bal))
	if err != nil {
		return fmt.Errorf("write balance %s: %w", account, err)
	}
	return nil
}

// Balance returns the balance of account, zero when unknown.
func (l *Ledger) Balance(ctx context.Context, account string) (uint64, error) {
	tx, err := l.sqlDB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return 0, fmt.Errorf("begin balance: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return balanceTx(ctx, tx, account)
}

// Credit mints amount into account.
func (l *Ledger) Credit(ctx context.Context, account string, amt uint64) error {
	tx, err := l.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin credit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
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
	return tx.Commit()
}

// Transfer moves amt between accounts in one transaction.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amt uint64) error {
	if amt == 0 || from == to {
		return ledger.ErrInvalidTransfer
	}
	tx, err := l.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transfer: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	src, err := balanceTx(ctx, tx, from)
	if err != nil {
		return err
	}
	if src < amt {
		return fmt.Errorf("transfer %d from %s: %w", amt, from, ledger.ErrInsufficientFunds)
	}
	dst, err := balanceTx(ctx, tx, to)
	if err != nil {
		return err
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
	return tx.Commit()
}

var _ ledger.Ledger = (*Ledger)(nil)
