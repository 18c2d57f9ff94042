// Package storage defines persistence contracts for vaults, sessions and
// their audit trail.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/xtding233/dive-backend/internal/session"
	"github.com/xtding233/dive-backend/internal/vault"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a create collided with an existing id.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrConflict indicates the stored vault version moved since it was read.
	ErrConflict = errors.New("version conflict")
)

// Event kinds written to the audit trail.
const (
	EventVaultCreated    = "vault_created"
	EventVaultDeposit    = "vault_deposit"
	EventVaultWithdraw   = "vault_withdraw"
	EventVaultLock       = "vault_lock_toggled"
	EventSessionOpened   = "session_opened"
	EventRoundSurvived   = "round_survived"
	EventRoundLost       = "round_lost"
	EventSessionSettled  = "session_settled"
	EventSessionExpired  = "session_expired"
	EventConfigReplaced  = "config_replaced"
	EventCompensation    = "compensation"
	EventInvariantBroken = "invariant_violation"
)

// Event is one audit record. Seq is assigned by the store.
type Event struct {
	Seq       int64             `json:"seq"`
	Kind      string            `json:"kind"`
	SessionID string            `json:"session_id,omitempty"`
	VaultID   string            `json:"vault_id,omitempty"`
	At        time.Time         `json:"at"`
	Data      map[string]string `json:"data,omitempty"`
}

// Commit is one atomic write. Vault.Version must equal the stored version
// (or be zero with CreateVault); the store persists Version+1.
type Commit struct {
	Vault         *vault.Vault
	CreateVault   bool
	Session       *session.Session
	CreateSession bool
	Events        []Event
}

// Store persists dive state.
type Store interface {
	GetVault(ctx context.Context, id string) (vault.Vault, error)
	GetSession(ctx context.Context, id string) (session.Session, error)
	// ActiveSessions lists Active sessions of vaultID, or of every vault when
	// vaultID is empty.
	ActiveSessions(ctx context.Context, vaultID string) ([]session.Session, error)
	Events(ctx context.Context, sessionID string) ([]Event, error)
	Apply(ctx context.Context, c Commit) error
	Close() error
}
