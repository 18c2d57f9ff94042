// Package engine exposes the dive operations to transports. Each
// operation runs under one lock: load records, apply a pure transition,
// make at most one ledger transfer, then commit records and audit events
// atomically. A transfer whose commit fails is reversed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xtding233/dive-backend/internal/game"
	"github.com/xtding233/dive-backend/internal/gameerr"
	"github.com/xtding233/dive-backend/internal/ledger"
	"github.com/xtding233/dive-backend/internal/outcome"
	"github.com/xtding233/dive-backend/internal/session"
	"github.com/xtding233/dive-backend/internal/storage"
	"github.com/xtding233/dive-backend/internal/vault"
)

// Options wires an Engine. Store, Ledger and Registry are required.
type Options struct {
	Store        storage.Store
	Ledger       ledger.Ledger
	Registry     *game.Registry
	Seeds        outcome.SeedProvider
	Clock        func() time.Time
	NewID        func() string
	Logger       *log.Logger
	DefaultVault string
}

// Engine is safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	store        storage.Store
	ledger       ledger.Ledger
	registry     *game.Registry
	seeds        outcome.SeedProvider
	now          func() time.Time
	newID        func() string
	logger       *log.Logger
	defaultVault string
}

func systemClock() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

// New validates opts and fills defaults.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("config registry is required")
	}
	e := &Engine{
		store:        opts.Store,
		ledger:       opts.Ledger,
		registry:     opts.Registry,
		seeds:        opts.Seeds,
		now:          opts.Clock,
		newID:        opts.NewID,
		logger:       opts.Logger,
		defaultVault: opts.DefaultVault,
	}
	if e.seeds == nil {
		e.seeds = outcome.DefaultSeeds()
	}
	if e.now == nil {
		e.now = systemClock
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.logger == nil {
		e.logger = log.Default()
	}
	return e, nil
}

func u64(n uint64) string { return strconv.FormatUint(n, 10) }

// notFound maps a storage miss onto the domain code.
func notFound(kind, id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return gameerr.WithMetadata(gameerr.CodeNotFound, kind+" not found", map[string]string{"id": id})
	}
	return fmt.Errorf("load %s %s: %w", kind, id, err)
}

// fail logs and records invariant violations. Every error path returns
// through it; s and v name the records the operation touched.
func (e *Engine) fail(ctx context.Context, op string, s *session.Session, v *vault.Vault, err error) error {
	if gameerr.IsInvariant(err) {
		e.logger.Printf("invariant violation: %s: %v", op, err)
		data := map[string]string{"op": op, "error": err.Error()}
		var ge *gameerr.Error
		if errors.As(err, &ge) {
			for k, val := range ge.Metadata {
				data[k] = val
			}
		}
		e.audit(ctx, e.event(storage.EventInvariantBroken, s, v, data))
	}
	return err
}

// compensate reverses a transfer whose commit failed and records the
// reversal against s and v.
func (e *Engine) compensate(ctx context.Context, op string, s *session.Session, v *vault.Vault, from, to string, amount uint64, cause error) error {
	if err := e.ledger.Transfer(context.WithoutCancel(ctx), from, to, amount); err != nil {
		return gameerr.Wrap(gameerr.CodeInvariantViolation,
			fmt.Sprintf("%s: commit failed and compensation %s->%s of %d failed", op, from, to, amount),
			errors.Join(cause, err))
	}
	e.logger.Printf("%s: commit failed, compensated %s->%s of %d: %v", op, from, to, amount, cause)
	e.audit(ctx, e.event(storage.EventCompensation, s, v, map[string]string{
		"op":     op,
		"from":   from,
		"to":     to,
		"amount": u64(amount),
		"cause":  cause.Error(),
	}))
	return fmt.Errorf("%s: commit: %w", op, cause)
}

// audit appends one event on its own. A lost event is only logged.
func (e *Engine) audit(ctx context.Context, ev storage.Event) {
	err := e.store.Apply(context.WithoutCancel(ctx), storage.Commit{Events: []storage.Event{ev}})
	if err != nil {
		e.logger.Printf("audit: %s event for session %q vault %q not recorded: %v", ev.Kind, ev.SessionID, ev.VaultID, err)
	}
}

// GetConfig returns the active configuration.
func (e *Engine) GetConfig(context.Context) (game.Configuration, error) {
	return e.registry.Current(), nil
}

// GetVault returns one vault.
func (e *Engine) GetVault(ctx context.Context, id string) (vault.Vault, error) {
	v, err := e.store.GetVault(ctx, e.vaultID(id))
	if err != nil {
		return vault.Vault{}, notFound("vault", id, err)
	}
	return v, nil
}

// GetSession returns one session. The seed is never part of the JSON form.
func (e *Engine) GetSession(ctx context.Context, id string) (session.Session, error) {
	s, err := e.store.GetSession(ctx, id)
	if err != nil {
		return session.Session{}, notFound("session", id, err)
	}
	return s, nil
}

func (e *Engine) vaultID(id string) string {
	if id == "" {
		return e.defaultVault
	}
	return id
}

func (e *Engine) event(kind string, s *session.Session, v *vault.Vault, data map[string]string) storage.Event {
	ev := storage.Event{Kind: kind, At: e.now(), Data: data}
	if s != nil {
		ev.SessionID = s.ID
		ev.VaultID = s.VaultID
	}
	if v != nil {
		ev.VaultID = v.ID
	}
	return ev
}
