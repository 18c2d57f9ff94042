package engine

import (
	"context"
	"strconv"

	"github.com/xtding233/dive-backend/internal/game"
	"github.com/xtding233/dive-backend/internal/gameerr"
	"github.com/xtding233/dive-backend/internal/ledger"
	"github.com/xtding233/dive-backend/internal/storage"
	"github.com/xtding233/dive-backend/internal/vault"
)

// CreateVaultRequest opens a house vault, optionally funded from the
// authority's own ledger account.
type CreateVaultRequest struct {
	ID        string
	Authority string
	Funding   uint64
}

// CreateVault creates a vault. An empty ID gets a generated one.
func (e *Engine) CreateVault(ctx context.Context, req CreateVaultRequest) (vault.Vault, error) {
	const op = "create vault"
	if req.Authority == "" {
		return vault.Vault{}, gameerr.New(gameerr.CodeInvalidArgument, "vault authority is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	v := vault.Vault{ID: req.ID, Authority: req.Authority, Available: req.Funding}
	if v.ID == "" {
		v.ID = e.newID()
	}
	if _, err := e.store.GetVault(ctx, v.ID); err == nil {
		return vault.Vault{}, gameerr.WithMetadata(gameerr.CodeInvalidArgument, "vault already exists", map[string]string{"id": v.ID})
	}
	acct := ledger.VaultAccount(v.ID)
	if req.Funding > 0 {
		if err := e.ledger.Transfer(ctx, req.Authority, acct, req.Funding); err != nil {
			return vault.Vault{}, gameerr.Wrap(gameerr.CodeInvalidArgument, "authority account cannot fund vault", err)
		}
	}
	err := e.store.Apply(ctx, storage.Commit{
		Vault:       &v,
		CreateVault: true,
		Events: []storage.Event{e.event(storage.EventVaultCreated, nil, &v, map[string]string{
			"authority": v.Authority,
			"funding":   u64(req.Funding),
		})},
	})
	if err != nil {
		if req.Funding > 0 {
			err = e.compensate(ctx, op, nil, &v, acct, req.Authority, req.Funding, err)
		}
		return vault.Vault{}, e.fail(ctx, op, nil, &v, err)
	}
	v.Version = 1
	return v, nil
}

func (e *Engine) authorizedVault(ctx context.Context, vaultID, authority string) (vault.Vault, error) {
	vid := e.vaultID(vaultID)
	v, err := e.store.GetVault(ctx, vid)
	if err != nil {
		return vault.Vault{}, notFound("vault", vid, err)
	}
	if authority == "" || authority != v.Authority {
		return vault.Vault{}, gameerr.ErrNotAuthorized
	}
	return v, nil
}

// ToggleLock flips the vault lock for its authority.
func (e *Engine) ToggleLock(ctx context.Context, vaultID, authority string) (vault.Vault, error) {
	const op = "toggle lock"
	e.mu.Lock()
	defer e.mu.Unlock()

	v, err := e.authorizedVault(ctx, vaultID, authority)
	if err != nil {
		return vault.Vault{}, err
	}
	nv := v.ToggleLock()
	err = e.store.Apply(ctx, storage.Commit{
		Vault:  &nv,
		Events: []storage.Event{e.event(storage.EventVaultLock, nil, &nv, map[string]string{"locked": strconv.FormatBool(nv.Locked)})},
	})
	if err != nil {
		return vault.Vault{}, e.fail(ctx, op, nil, &nv, err)
	}
	nv.Version++
	return nv, nil
}

// Deposit moves authority funds into the vault.
func (e *Engine) Deposit(ctx context.Context, vaultID, authority string, amount uint64) (vault.Vault, error) {
	const op = "deposit"
	e.mu.Lock()
	defer e.mu.Unlock()

	v, err := e.authorizedVault(ctx, vaultID, authority)
	if err != nil {
		return vault.Vault{}, err
	}
	nv, err := v.Deposit(amount)
	if err != nil {
		return vault.Vault{}, err
	}
	acct := ledger.VaultAccount(v.ID)
	if err := e.ledger.Transfer(ctx, authority, acct, amount); err != nil {
		return vault.Vault{}, gameerr.Wrap(gameerr.CodeInvalidArgument, "authority account cannot fund deposit", err)
	}
	err = e.store.Apply(ctx, storage.Commit{
		Vault:  &nv,
		Events: []storage.Event{e.event(storage.EventVaultDeposit, nil, &nv, map[string]string{"amount": u64(amount)})},
	})
	if err != nil {
		return vault.Vault{}, e.fail(ctx, op, nil, &nv, e.compensate(ctx, op, nil, &nv, acct, authority, amount, err))
	}
	nv.Version++
	return nv, nil
}

// Withdraw pays unreserved house money out to the authority.
func (e *Engine) Withdraw(ctx context.Context, vaultID, authority string, amount uint64) (vault.Vault, error) {
	const op = "withdraw"
	e.mu.Lock()
	defer e.mu.Unlock()

	v, err := e.authorizedVault(ctx, vaultID, authority)
	if err != nil {
		return vault.Vault{}, err
	}
	nv, err := v.Withdraw(amount)
	if err != nil {
		return vault.Vault{}, err
	}
	acct := ledger.VaultAccount(v.ID)
	if err := e.ledger.Transfer(ctx, acct, authority, amount); err != nil {
		return vault.Vault{}, e.fail(ctx, op, nil, &nv, gameerr.Wrap(gameerr.CodeInvariantViolation, "vault account cannot fund withdrawal", err))
	}
	err = e.store.Apply(ctx, storage.Commit{
		Vault:  &nv,
		Events: []storage.Event{e.event(storage.EventVaultWithdraw, nil, &nv, map[string]string{"amount": u64(amount)})},
	})
	if err != nil {
		return vault.Vault{}, e.fail(ctx, op, nil, &nv, e.compensate(ctx, op, nil, &nv, authority, acct, amount, err))
	}
	nv.Version++
	return nv, nil
}

// ReplaceConfig swaps the whole configuration. Open sessions keep their
// snapshot.
func (e *Engine) ReplaceConfig(ctx context.Context, authority string, cfg game.Configuration) (game.Configuration, error) {
	next, err := e.registry.Replace(authority, cfg)
	if err != nil {
		return game.Configuration{}, err
	}
	ev := e.event(storage.EventConfigReplaced, nil, nil, map[string]string{
		"version":  next.Version,
		"revision": u64(next.Revision),
	})
	if err := e.store.Apply(ctx, storage.Commit{Events: []storage.Event{ev}}); err != nil {
		e.logger.Printf("config revision %d installed but audit event failed: %v", next.Revision, err)
	}
	e.logger.Printf("config replaced: version=%s revision=%d", next.Version, next.Revision)
	return next, nil
}

// CheckConservation verifies a vault against its open sessions and its
// ledger account: reserved is the sum of open max payouts, escrowed the
// sum of open stakes, and the account holds available plus escrowed.
func (e *Engine) CheckConservation(ctx context.Context, vaultID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	vid := e.vaultID(vaultID)
	v, err := e.store.GetVault(ctx, vid)
	if err != nil {
		return notFound("vault", vid, err)
	}
	if err := v.CheckInvariants(); err != nil {
		return e.fail(ctx, "conservation", nil, &v, err)
	}
	active, err := e.store.ActiveSessions(ctx, vid)
	if err != nil {
		return err
	}
	var reserved, escrowed uint64
	for _, s := range active {
		reserved += s.MaxPayout
		escrowed += s.Bet
	}
	meta := map[string]string{
		"vault_id":          v.ID,
		"reserved":          u64(v.Reserved),
		"expected_reserved": u64(reserved),
		"escrowed":          u64(v.Escrowed),
		"expected_escrowed": u64(escrowed),
		"active_sessions":   strconv.Itoa(len(active)),
	}
	if reserved != v.Reserved || escrowed != v.Escrowed {
		return e.fail(ctx, "conservation", nil, &v, gameerr.WithMetadata(gameerr.CodeInvariantViolation, "vault does not match open sessions", meta))
	}
	bal, err := e.ledger.Balance(ctx, ledger.VaultAccount(v.ID))
	if err != nil {
		return err
	}
	if bal != v.Available+v.Escrowed {
		meta["ledger_balance"] = u64(bal)
		return e.fail(ctx, "conservation", nil, &v, gameerr.WithMetadata(gameerr.CodeInvariantViolation, "vault does not match its ledger account", meta))
	}
	return nil
}
