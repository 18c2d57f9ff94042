package engine

import (
	"context"
	"errors"
	"strconv"

	"github.com/xtding233/dive-backend/internal/gameerr"
	"github.com/xtding233/dive-backend/internal/ledger"
	"github.com/xtding233/dive-backend/internal/outcome"
	"github.com/xtding233/dive-backend/internal/session"
	"github.com/xtding233/dive-backend/internal/storage"
	"github.com/xtding233/dive-backend/internal/vault"
)

// OpenRequest starts a dive. An empty VaultID uses the default vault.
type OpenRequest struct {
	Player  string
	VaultID string
	Bet     uint64
}

// AdvanceResult is the outcome of one round.
type AdvanceResult struct {
	Session    session.Session    `json:"session"`
	Survived   bool               `json:"survived"`
	Resolution outcome.Resolution `json:"resolution"`
}

// SettleResult is a completed cash-out.
type SettleResult struct {
	Session session.Session `json:"session"`
	Payout  uint64          `json:"payout"`
}

// OpenSession takes the stake from the player and reserves the vault.
func (e *Engine) OpenSession(ctx context.Context, req OpenRequest) (session.Session, error) {
	const op = "open session"
	if req.Player == "" {
		return session.Session{}, gameerr.New(gameerr.CodeInvalidArgument, "player is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := e.registry.Current()
	vid := e.vaultID(req.VaultID)
	v, err := e.store.GetVault(ctx, vid)
	if err != nil {
		return session.Session{}, notFound("vault", vid, err)
	}
	id := e.newID()
	seed, err := e.seeds.NewSeed(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	s, nv, err := session.Open(session.OpenInput{
		ID: id, Player: req.Player, Bet: req.Bet, Seed: seed, Config: cfg, Vault: v, Now: e.now(),
	})
	if err != nil {
		return session.Session{}, e.fail(ctx, op, nil, &v, err)
	}

	vaultAcct := ledger.VaultAccount(v.ID)
	if err := e.ledger.Transfer(ctx, req.Player, vaultAcct, req.Bet); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return session.Session{}, gameerr.Wrap(gameerr.CodeInsufficientBettorFunds, "insufficient bettor funds", err)
		}
		return session.Session{}, err
	}
	err = e.store.Apply(ctx, storage.Commit{
		Vault:         &nv,
		Session:       &s,
		CreateSession: true,
		Events: []storage.Event{e.event(storage.EventSessionOpened, &s, nil, map[string]string{
			"player":          s.Player,
			"bet":             u64(s.Bet),
			"max_payout":      u64(s.MaxPayout),
			"commitment":      s.Commitment,
			"config_revision": u64(s.ConfigRevision),
		})},
	})
	if err != nil {
		return session.Session{}, e.fail(ctx, op, &s, &nv, e.compensate(ctx, op, &s, &nv, vaultAcct, req.Player, req.Bet, err))
	}
	s.Version++
	return s, nil
}

// AdvanceRound plays the next round for the session owner.
func (e *Engine) AdvanceRound(ctx context.Context, sessionID, caller string) (AdvanceResult, error) {
	const op = "advance round"
	e.mu.Lock()
	defer e.mu.Unlock()

	s, v, err := e.load(ctx, sessionID)
	if err != nil {
		return AdvanceResult{}, err
	}
	ns, nv, res, err := session.Advance(s, v, caller, e.now())
	if err != nil {
		return AdvanceResult{}, e.fail(ctx, op, &s, &v, err)
	}
	data := map[string]string{
		"depth":     strconv.Itoa(res.Depth),
		"roll":      strconv.FormatUint(uint64(res.Roll), 10),
		"threshold": strconv.FormatUint(uint64(res.Threshold), 10),
	}
	c := storage.Commit{Session: &ns}
	if res.Survived {
		data["value"] = u64(ns.CurrentValue)
		c.Events = []storage.Event{e.event(storage.EventRoundSurvived, &ns, nil, data)}
	} else {
		c.Vault = &nv
		c.Events = []storage.Event{e.event(storage.EventRoundLost, &ns, nil, data)}
	}
	if err := e.store.Apply(ctx, c); err != nil {
		return AdvanceResult{}, e.fail(ctx, op, &ns, nil, err)
	}
	ns.Version++
	return AdvanceResult{Session: ns, Survived: res.Survived, Resolution: res}, nil
}

// Settle cashes out and pays the player from the vault.
func (e *Engine) Settle(ctx context.Context, sessionID, caller string) (SettleResult, error) {
	const op = "settle"
	e.mu.Lock()
	defer e.mu.Unlock()

	s, v, err := e.load(ctx, sessionID)
	if err != nil {
		return SettleResult{}, err
	}
	ns, nv, payout, err := session.Settle(s, v, caller, e.now())
	if err != nil {
		return SettleResult{}, e.fail(ctx, op, &s, &v, err)
	}
	vaultAcct := ledger.VaultAccount(v.ID)
	if err := e.ledger.Transfer(ctx, vaultAcct, ns.Player, payout); err != nil {
		return SettleResult{}, e.fail(ctx, op, &ns, &nv, gameerr.Wrap(gameerr.CodeInvariantViolation, "vault account cannot fund payout", err))
	}
	err = e.store.Apply(ctx, storage.Commit{
		Vault:   &nv,
		Session: &ns,
		Events: []storage.Event{e.event(storage.EventSessionSettled, &ns, nil, map[string]string{
			"payout": u64(payout),
			"depth":  strconv.Itoa(ns.Depth),
		})},
	})
	if err != nil {
		return SettleResult{}, e.fail(ctx, op, &ns, &nv, e.compensate(ctx, op, &ns, &nv, ns.Player, vaultAcct, payout, err))
	}
	ns.Version++
	return SettleResult{Session: ns, Payout: payout}, nil
}

// Expire closes one abandoned session.
func (e *Engine) Expire(ctx context.Context, sessionID string) (session.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expireLocked(ctx, sessionID)
}

func (e *Engine) expireLocked(ctx context.Context, sessionID string) (session.Session, error) {
	const op = "expire"
	s, v, err := e.load(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	timeout := e.registry.Current().SessionTimeout
	ns, nv, err := session.Expire(s, v, e.now(), timeout)
	if err != nil {
		return session.Session{}, e.fail(ctx, op, &s, &v, err)
	}
	err = e.store.Apply(ctx, storage.Commit{
		Vault:   &nv,
		Session: &ns,
		Events: []storage.Event{e.event(storage.EventSessionExpired, &ns, nil, map[string]string{
			"idle": ns.ClosedAt.Sub(s.LastActiveAt).String(),
		})},
	})
	if err != nil {
		return session.Session{}, e.fail(ctx, op, &ns, &nv, err)
	}
	ns.Version++
	return ns, nil
}

// ExpireStale expires every Active session idle past the timeout and
// returns how many it closed.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	active, err := e.store.ActiveSessions(ctx, "")
	if err != nil {
		return 0, err
	}
	now, timeout := e.now(), e.registry.Current().SessionTimeout
	closed := 0
	var errs []error
	for _, s := range active {
		if !session.Expired(s, now, timeout) {
			continue
		}
		if _, err := e.expireLocked(ctx, s.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		closed++
	}
	return closed, errors.Join(errs...)
}

// Reveal is the audit view of a finished session.
type Reveal struct {
	SessionID  string               `json:"session_id"`
	Seed       outcome.Seed         `json:"seed"`
	Commitment string               `json:"commitment"`
	Verified   bool                 `json:"verified"`
	Rounds     []outcome.Resolution `json:"rounds"`
}

// RevealSeed discloses the seed of a terminal session and replays its rounds.
func (e *Engine) RevealSeed(ctx context.Context, sessionID string) (Reveal, error) {
	s, err := e.GetSession(ctx, sessionID)
	if err != nil {
		return Reveal{}, err
	}
	if !s.Status.Terminal() {
		return Reveal{}, gameerr.ErrSeedNotRevealable
	}
	return Reveal{
		SessionID:  s.ID,
		Seed:       s.Seed,
		Commitment: s.Commitment,
		Verified:   outcome.Verify(s.Seed, s.Commitment),
		Rounds:     outcome.Replay(s.Seed, s.Bet, s.Curve, s.Rounds),
	}, nil
}

// SessionEvents returns the audit trail of one session.
func (e *Engine) SessionEvents(ctx context.Context, sessionID string) ([]storage.Event, error) {
	if _, err := e.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.store.Events(ctx, sessionID)
}

func (e *Engine) load(ctx context.Context, sessionID string) (session.Session, vault.Vault, error) {
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, vault.Vault{}, notFound("session", sessionID, err)
	}
	v, err := e.store.GetVault(ctx, s.VaultID)
	if err != nil {
		return session.Session{}, vault.Vault{}, notFound("vault", s.VaultID, err)
	}
	return s, v, nil
}
