// Package storagetest holds the behavior every storage.Store must share.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtding233/dive-backend/internal/curve"
	"github.com/xtding233/dive-backend/internal/outcome"
	"github.com/xtding233/dive-backend/internal/session"
	"github.com/xtding233/dive-backend/internal/storage"
	"github.com/xtding233/dive-backend/internal/vault"
)

var now = time.Date(2026, time.March, 3, 9, 30, 0, 0, time.UTC)

func sampleSession(id, vaultID string) session.Session {
	var seed outcome.Seed
	seed[0], seed[31] = 0xab, 0xcd
	return session.Session{
		ID:           id,
		Player:       "alice",
		VaultID:      vaultID,
		Status:       session.StatusActive,
		Bet:          100,
		CurrentValue: 100,
		MaxPayout:    10000,
		Depth:        1,
		Seed:         seed,
		Commitment:   outcome.CommitmentHex(seed),
		Curve: curve.Params{
			BaseSurvivalPPM:     700_000,
			MinSurvivalPPM:      50_000,
			Decay:               decimal.RequireFromString("0.08"),
			HouseEdgePPM:        50_000,
			MultiplierFloorNum:  1,
			MultiplierFloorDen:  1,
			MaxPayoutMultiplier: 100,
			MaxDepth:            10,
		},
		ConfigRevision: 3,
		OpenedAt:       now,
		LastActiveAt:   now,
	}
}

// Run exercises a fresh store produced by open.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Run("vault lifecycle", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()
		if _, err := st.GetVault(ctx, "house"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("missing vault: %v", err)
		}
		v := vault.Vault{ID: "house", Authority: "admin", Available: 18446744073709551615}
		if err := st.Apply(ctx, storage.Commit{Vault: &v, CreateVault: true}); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := st.Apply(ctx, storage.Commit{Vault: &v, CreateVault: true}); !errors.Is(err, storage.ErrAlreadyExists) {
			t.Fatalf("duplicate create: %v", err)
		}
		got, err := st.GetVault(ctx, "house")
		if err != nil {
			t.Fatal(err)
		}
		if got.Version != 1 || got.Available != v.Available || got.Authority != "admin" {
			t.Fatalf("stored vault: %+v", got)
		}

		got.Reserved, got.Locked = 500, true
		if err := st.Apply(ctx, storage.Commit{Vault: &got}); err != nil {
			t.Fatalf("update: %v", err)
		}
		stale := got
		if err := st.Apply(ctx, storage.Commit{Vault: &stale}); !errors.Is(err, storage.ErrConflict) {
			t.Fatalf("stale version must conflict: %v", err)
		}
		after, _ := st.GetVault(ctx, "house")
		if after.Version != 2 || after.Reserved != 500 || !after.Locked {
			t.Fatalf("after update: %+v", after)
		}
		ghost := vault.Vault{ID: "ghost", Version: 1}
		if err := st.Apply(ctx, storage.Commit{Vault: &ghost}); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("update of missing vault: %v", err)
		}
	})

	t.Run("session round trip", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()
		v := vault.Vault{ID: "house", Authority: "admin", Available: 1_000_000}
		if err := st.Apply(ctx, storage.Commit{Vault: &v, CreateVault: true}); err != nil {
			t.Fatal(err)
		}
		v.Version = 1
		s := sampleSession("s1", "house")
		v.Reserved, v.Escrowed = s.MaxPayout, s.Bet
		err := st.Apply(ctx, storage.Commit{
			Vault:         &v,
			Session:       &s,
			CreateSession: true,
			Events: []storage.Event{{
				Kind: storage.EventSessionOpened, SessionID: "s1", VaultID: "house", At: now,
				Data: map[string]string{"bet": "100"},
			}},
		})
		if err != nil {
			t.Fatalf("open commit: %v", err)
		}
		got, err := st.GetSession(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Seed != s.Seed || got.Commitment != s.Commitment || got.MaxPayout != 10000 || !got.OpenedAt.Equal(now) {
			t.Fatalf("stored session: %+v", got)
		}
		if !got.Curve.Decay.Equal(s.Curve.Decay) || got.Curve.MaxDepth != 10 || got.ConfigRevision != 3 {
			t.Fatalf("curve snapshot lost: %+v", got.Curve)
		}
		if !got.ClosedAt.IsZero() {
			t.Fatalf("open session has closed_at %v", got.ClosedAt)
		}

		active, err := st.ActiveSessions(ctx, "house")
		if err != nil || len(active) != 1 {
			t.Fatalf("active: %v %v", active, err)
		}
		if other, _ := st.ActiveSessions(ctx, "elsewhere"); len(other) != 0 {
			t.Fatalf("filter by vault: %v", other)
		}

		got.Status = session.StatusLost
		got.CurrentValue = 0
		got.Rounds = 1
		got.ClosedAt = now.Add(time.Minute)
		err = st.Apply(ctx, storage.Commit{Session: &got, Events: []storage.Event{{
			Kind: storage.EventRoundLost, SessionID: "s1", At: now.Add(time.Minute),
		}}})
		if err != nil {
			t.Fatalf("loss commit: %v", err)
		}
		if active, _ := st.ActiveSessions(ctx, ""); len(active) != 0 {
			t.Fatalf("lost session still active: %v", active)
		}
		events, err := st.Events(ctx, "s1")
		if err != nil || len(events) != 2 {
			t.Fatalf("events: %v %v", events, err)
		}
		if events[0].Kind != storage.EventSessionOpened || events[0].Data["bet"] != "100" || events[1].Seq <= events[0].Seq {
			t.Fatalf("event order/data: %+v", events)
		}
	})

	t.Run("stale session write conflicts", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()
		v := vault.Vault{ID: "house", Available: 1_000_000}
		if err := st.Apply(ctx, storage.Commit{Vault: &v, CreateVault: true}); err != nil {
			t.Fatal(err)
		}
		s := sampleSession("s1", "house")
		if err := st.Apply(ctx, storage.Commit{Session: &s, CreateSession: true}); err != nil {
			t.Fatal(err)
		}
		loaded, err := st.GetSession(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if loaded.Version != 1 {
			t.Fatalf("created session version = %d", loaded.Version)
		}

		// Two writers load the same revision; the first one closes the session.
		settled, deeper := loaded, loaded
		settled.Status = session.StatusCashedOut
		settled.Payout = 135
		settled.ClosedAt = now.Add(time.Minute)
		if err := st.Apply(ctx, storage.Commit{Session: &settled}); err != nil {
			t.Fatalf("settle commit: %v", err)
		}
		deeper.Depth, deeper.Rounds, deeper.CurrentValue = 2, 1, 135
		err = st.Apply(ctx, storage.Commit{Session: &deeper, Events: []storage.Event{{
			Kind: storage.EventRoundSurvived, SessionID: "s1", At: now.Add(time.Minute),
		}}})
		if !errors.Is(err, storage.ErrConflict) {
			t.Fatalf("stale advance after settle: %v", err)
		}
		got, _ := st.GetSession(ctx, "s1")
		if got.Status != session.StatusCashedOut || got.Depth != 1 || got.Version != 2 {
			t.Fatalf("terminal session overwritten: %+v", got)
		}
		if ev, _ := st.Events(ctx, "s1"); len(ev) != 0 {
			t.Fatalf("events from rejected commit: %v", ev)
		}
		ghost := sampleSession("ghost", "house")
		ghost.Version = 1
		if err := st.Apply(ctx, storage.Commit{Session: &ghost}); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("update of missing session: %v", err)
		}
	})

	t.Run("failed commit writes nothing", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()
		v := vault.Vault{ID: "house", Available: 10}
		if err := st.Apply(ctx, storage.Commit{Vault: &v, CreateVault: true}); err != nil {
			t.Fatal(err)
		}
		s := sampleSession("s1", "house")
		stale := vault.Vault{ID: "house", Available: 10, Reserved: 5, Version: 9}
		err := st.Apply(ctx, storage.Commit{Vault: &stale, Session: &s, CreateSession: true,
			Events: []storage.Event{{Kind: storage.EventSessionOpened, SessionID: "s1", At: now}}})
		if !errors.Is(err, storage.ErrConflict) {
			t.Fatalf("want conflict: %v", err)
		}
		if _, err := st.GetSession(ctx, "s1"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("session leaked from failed commit: %v", err)
		}
		if ev, _ := st.Events(ctx, "s1"); len(ev) != 0 {
			t.Fatalf("events leaked from failed commit: %v", ev)
		}
		if got, _ := st.GetVault(ctx, "house"); got.Reserved != 0 {
			t.Fatalf("vault changed by failed commit: %+v", got)
		}
	})
}
