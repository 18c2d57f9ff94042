// Package ledger is the balance-transfer collaborator: move N units from
// one account to another, failing atomically when funds are short.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	// ErrInsufficientFunds means the source account cannot cover the transfer.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidTransfer covers zero amounts and self transfers.
	ErrInvalidTransfer = errors.New("invalid transfer")
)

// Ledger moves funds between accounts.
type Ledger interface {
	Transfer(ctx context.Context, from, to string, amount uint64) error
	Balance(ctx context.Context, account string) (uint64, error)
}

// VaultAccount is the ledger account holding a vault's funds.
func VaultAccount(vaultID string) string { return "vault:" + vaultID }

// Memory is an in-process Ledger.
type Memory struct {
	mu       sync.RWMutex
	balances map[string]uint64
}

// NewMemory creates an empty ledger.
func NewMemory() *Memory {
	return &Memory{balances: make(map[string]uint64)}
}

// Credit mints amount into account; used to fund players in tests and demos.
func (m *Memory) Credit(account string, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balances[account]
	if amount > math.MaxUint64-b {
		amount = math.MaxUint64 - b
	}
	m.balances[account] = b + amount
}

func (m *Memory) Balance(ctx context.Context, account string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[account], nil
}

func (m *Memory) Transfer(ctx context.Context, from, to string, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == 0 || from == to {
		return ErrInvalidTransfer
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[from] < amount {
		return fmt.Errorf("transfer %d from %s: %w", amount, from, ErrInsufficientFunds)
	}
	if m.balances[to] > math.MaxUint64-amount {
		return fmt.Errorf("transfer %d to %s: balance overflow: %w", amount, to, ErrInvalidTransfer)
	}
	m.balances[from] -= amount
	m.balances[to] += amount
	return nil
}
