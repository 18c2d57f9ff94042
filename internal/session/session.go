// Package session is the dive lifecycle as pure transitions.
//
// Every transition takes the session and its vault by value and returns
// the updated pair, or an error with both inputs untouched. Nothing here
// performs I/O; the engine persists results and moves funds.
package session

import (
	"strconv"
	"time"

	"github.com/xtding233/dive-backend/internal/curve"
	"github.com/xtding233/dive-backend/internal/game"
	"github.com/xtding233/dive-backend/internal/gameerr"
	"github.com/xtding233/dive-backend/internal/outcome"
	"github.com/xtding233/dive-backend/internal/vault"
)

// Status of a session. Only Active is non-terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusLost      Status = "lost"
	StatusCashedOut Status = "cashed_out"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s != StatusActive }

// Session is one player's dive. Curve and ConfigRevision are the
// configuration snapshot taken at open time. Version is the stored
// revision a write must match.
type Session struct {
	ID             string       `json:"id"`
	Player         string       `json:"player"`
	VaultID        string       `json:"vault_id"`
	Status         Status       `json:"status"`
	Bet            uint64       `json:"bet"`
	CurrentValue   uint64       `json:"current_value"`
	MaxPayout      uint64       `json:"max_payout"`
	Depth          int          `json:"depth"`
	Rounds         int          `json:"rounds"`
	Payout         uint64       `json:"payout,omitempty"`
	Seed           outcome.Seed `json:"-"`
	Commitment     string       `json:"commitment"`
	Curve          curve.Params `json:"curve"`
	ConfigRevision uint64       `json:"config_revision"`
	OpenedAt       time.Time    `json:"opened_at"`
	LastActiveAt   time.Time    `json:"last_active_at"`
	ClosedAt       time.Time    `json:"closed_at,omitzero"`
	Version        uint64       `json:"version"`
}

// OpenInput gathers what Open needs.
type OpenInput struct {
	ID     string
	Player string
	Bet    uint64
	Seed   outcome.Seed
	Config game.Configuration
	Vault  vault.Vault
	Now    time.Time
}

func num(n uint64) string { return strconv.FormatUint(n, 10) }

// checkValue asserts currentValue <= maxPayout.
func checkValue(s Session) error {
	if s.CurrentValue > s.MaxPayout {
		return gameerr.WithMetadata(gameerr.CodeInvariantViolation, "current value exceeds max payout", map[string]string{
			"session_id":    s.ID,
			"current_value": num(s.CurrentValue),
			"max_payout":    num(s.MaxPayout),
		})
	}
	return nil
}

// Open validates a new dive and reserves its worst-case payout.
// Checks run in order: lock, bet range, vault capacity.
func Open(in OpenInput) (Session, vault.Vault, error) {
	v := in.Vault
	if v.Locked {
		return Session{}, in.Vault, gameerr.ErrHouseLocked
	}
	if !in.Config.BetInRange(in.Bet) {
		return Session{}, in.Vault, gameerr.WithMetadata(gameerr.CodeBetOutOfRange, "bet amount out of range", map[string]string{
			"bet":     num(in.Bet),
			"min_bet": num(in.Config.MinBet),
			"max_bet": num(in.Config.MaxBet),
		})
	}
	maxPayout := curve.MaxPayout(in.Bet, in.Config.Curve)
	if !v.CanCover(maxPayout) {
		return Session{}, in.Vault, gameerr.WithMetadata(gameerr.CodeInsufficientVaultCapacity, "insufficient vault capacity", map[string]string{
			"required": num(maxPayout),
			"free":     num(v.Free()),
		})
	}
	v, err := v.Reserve(maxPayout)
	if err != nil {
		return Session{}, in.Vault, err
	}
	if v, err = v.Escrow(in.Bet); err != nil {
		return Session{}, in.Vault, err
	}

	s := Session{
		ID:             in.ID,
		Player:         in.Player,
		VaultID:        v.ID,
		Status:         StatusActive,
		Bet:            in.Bet,
		CurrentValue:   in.Bet,
		MaxPayout:      maxPayout,
		Depth:          1,
		Seed:           in.Seed,
		Commitment:     outcome.CommitmentHex(in.Seed),
		Curve:          in.Config.Curve,
		ConfigRevision: in.Config.Revision,
		OpenedAt:       in.Now,
		LastActiveAt:   in.Now,
	}
	if err := checkValue(s); err != nil {
		return Session{}, in.Vault, err
	}
	return s, v, nil
}

func owned(s Session, caller string) error {
	if caller != s.Player {
		return gameerr.ErrSessionNotOwned
	}
	if s.Status != StatusActive {
		return gameerr.WithMetadata(gameerr.CodeSessionNotActive, "session is not active", map[string]string{
			"session_id": s.ID,
			"status":     string(s.Status),
		})
	}
	return nil
}

// forfeit releases the reservation and moves the stake into house money.
func forfeit(s Session, v vault.Vault) (vault.Vault, error) {
	v, err := v.Release(s.MaxPayout)
	if err != nil {
		return v, err
	}
	return v.Forfeit(s.Bet)
}

// Advance plays the round at the current depth. The vault lock does not
// block it.
func Advance(s Session, v vault.Vault, caller string, now time.Time) (Session, vault.Vault, outcome.Resolution, error) {
	if err := owned(s, caller); err != nil {
		return s, v, outcome.Resolution{}, err
	}
	if s.Depth >= s.Curve.MaxDepth {
		return s, v, outcome.Resolution{}, gameerr.ErrMaxDepthReached
	}

	res := outcome.ResolveRound(s.Seed, s.Depth, s.Bet, s.Curve)
	next := s
	next.Rounds++
	next.LastActiveAt = now
	if res.Survived {
		if res.NewValue < s.CurrentValue || res.NewDepth != s.Depth+1 {
			return s, v, res, gameerr.Newf(gameerr.CodeInvariantViolation, "round at depth %d shrank the stake", s.Depth)
		}
		next.Depth = res.NewDepth
		next.CurrentValue = res.NewValue
		if err := checkValue(next); err != nil {
			return s, v, res, err
		}
		return next, v, res, nil
	}

	nv, err := forfeit(s, v)
	if err != nil {
		return s, v, res, err
	}
	next.Status = StatusLost
	next.CurrentValue = 0
	next.ClosedAt = now
	return next, nv, res, nil
}

// Settle cashes out an Active session showing a profit and returns the
// amount owed to the player.
func Settle(s Session, v vault.Vault, caller string, now time.Time) (Session, vault.Vault, uint64, error) {
	if err := owned(s, caller); err != nil {
		return s, v, 0, err
	}
	if v.Locked {
		return s, v, 0, gameerr.ErrHouseLocked
	}
	if s.CurrentValue <= s.Bet {
		return s, v, 0, gameerr.ErrNoProfitToSettle
	}
	if err := checkValue(s); err != nil {
		return s, v, 0, err
	}
	nv, err := v.Release(s.MaxPayout)
	if err != nil {
		return s, v, 0, err
	}
	if nv, err = nv.Payout(s.Bet, s.CurrentValue); err != nil {
		return s, v, 0, err
	}
	next := s
	next.Status = StatusCashedOut
	next.Payout = s.CurrentValue
	next.LastActiveAt = now
	next.ClosedAt = now
	return next, nv, next.Payout, nil
}

// Expired reports whether s has been idle longer than timeout.
func Expired(s Session, now time.Time, timeout time.Duration) bool {
	return s.Status == StatusActive && now.Sub(s.LastActiveAt) > timeout
}

// Expire force-closes an abandoned session. For the vault it is a loss.
func Expire(s Session, v vault.Vault, now time.Time, timeout time.Duration) (Session, vault.Vault, error) {
	if s.Status != StatusActive {
		return s, v, gameerr.ErrSessionNotActive
	}
	if !Expired(s, now, timeout) {
		return s, v, gameerr.WithMetadata(gameerr.CodeSessionNotExpired, "session has not expired", map[string]string{
			"session_id": s.ID,
			"idle":       now.Sub(s.LastActiveAt).String(),
			"timeout":    timeout.String(),
		})
	}
	if err := checkValue(s); err != nil {
		return s, v, err
	}
	nv, err := forfeit(s, v)
	if err != nil {
		return s, v, err
	}
	next := s
	next.Status = StatusExpired
	next.ClosedAt = now
	return next, nv, nil
}
