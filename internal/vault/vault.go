// Package vault holds house liquidity bookkeeping.
//
// Available is house money. Reserved is the part of Available earmarked for
// the worst-case payouts of open sessions. Escrowed holds stakes of open
// sessions until they close. Every method works on a value copy and returns
// the updated vault; the receiver is never mutated.
package vault

import (
	"math"
	"strconv"

	"github.com/xtding233/dive-backend/internal/gameerr"
)

// Vault is the house liquidity record.
type Vault struct {
	ID        string `json:"id"`
	Authority string `json:"authority"`
	Available uint64 `json:"available"`
	Reserved  uint64 `json:"reserved"`
	Escrowed  uint64 `json:"escrowed"`
	Locked    bool   `json:"locked"`
	Version   uint64 `json:"version"`
}

// Free is what a new commitment may still use.
func (v Vault) Free() uint64 {
	if v.Reserved > v.Available {
		return 0
	}
	return v.Available - v.Reserved
}

// CanCover reports whether amount fits in the unreserved balance.
func (v Vault) CanCover(amount uint64) bool { return v.Free() >= amount }

func violation(v Vault, op, msg string) error {
	return gameerr.WithMetadata(gameerr.CodeInvariantViolation, op+": "+msg, map[string]string{
		"vault_id":  v.ID,
		"available": u64(v.Available),
		"reserved":  u64(v.Reserved),
		"escrowed":  u64(v.Escrowed),
	})
}

// CheckInvariants verifies available >= reserved.
func (v Vault) CheckInvariants() error {
	if v.Reserved > v.Available {
		return violation(v, "check", "reserved exceeds available")
	}
	return nil
}

// Reserve earmarks amount. Callers check capacity first; a post-update
// breach is an invariant violation.
func (v Vault) Reserve(amount uint64) (Vault, error) {
	if amount > math.MaxUint64-v.Reserved {
		return v, violation(v, "reserve", "reserved overflow")
	}
	next := v
	next.Reserved += amount
	if err := next.CheckInvariants(); err != nil {
		return v, err
	}
	return next, nil
}

// Release returns amount from reserved. Releasing more than is reserved
// means a reservation mismatch and is refused.
func (v Vault) Release(amount uint64) (Vault, error) {
	if amount > v.Reserved {
		return v, violation(v, "release", "release of "+u64(amount)+" exceeds reserved")
	}
	next := v
	next.Reserved -= amount
	return next, nil
}

// Escrow takes a stake into custody.
func (v Vault) Escrow(bet uint64) (Vault, error) {
	if bet > math.MaxUint64-v.Escrowed {
		return v, violation(v, "escrow", "escrow overflow")
	}
	next := v
	next.Escrowed += bet
	return next, nil
}

// Forfeit moves a lost stake from escrow into house money.
func (v Vault) Forfeit(bet uint64) (Vault, error) {
	if bet > v.Escrowed {
		return v, violation(v, "forfeit", "stake not in escrow")
	}
	if bet > math.MaxUint64-v.Available {
		return v, violation(v, "forfeit", "available overflow")
	}
	next := v
	next.Escrowed -= bet
	next.Available += bet
	return next, nil
}

// Payout settles a cash-out: the stake leaves escrow and the house pays
// payout-bet of its own money on top.
func (v Vault) Payout(bet, payout uint64) (Vault, error) {
	if bet > v.Escrowed {
		return v, violation(v, "payout", "stake not in escrow")
	}
	if payout < bet {
		return v, violation(v, "payout", "payout below stake")
	}
	profit := payout - bet
	if profit > v.Available {
		return v, violation(v, "payout", "profit exceeds available")
	}
	next := v
	next.Escrowed -= bet
	next.Available -= profit
	if err := next.CheckInvariants(); err != nil {
		return v, err
	}
	return next, nil
}

// ToggleLock flips the lock flag and nothing else.
func (v Vault) ToggleLock() Vault {
	v.Locked = !v.Locked
	return v
}

// Deposit adds house funding.
func (v Vault) Deposit(amount uint64) (Vault, error) {
	if amount == 0 {
		return v, gameerr.New(gameerr.CodeInvalidArgument, "deposit must be positive")
	}
	if amount > math.MaxUint64-v.Available {
		return v, gameerr.New(gameerr.CodeInvalidArgument, "deposit overflows available")
	}
	v.Available += amount
	return v, nil
}

// Withdraw removes house money that is not reserved.
func (v Vault) Withdraw(amount uint64) (Vault, error) {
	if amount == 0 {
		return v, gameerr.New(gameerr.CodeInvalidArgument, "withdraw must be positive")
	}
	if !v.CanCover(amount) {
		return v, gameerr.WithMetadata(gameerr.CodeInsufficientVaultCapacity, "withdraw exceeds unreserved balance", map[string]string{
			"requested": u64(amount),
			"free":      u64(v.Free()),
		})
	}
	v.Available -= amount
	return v, nil
}

func u64(n uint64) string { return strconv.FormatUint(n, 10) }
