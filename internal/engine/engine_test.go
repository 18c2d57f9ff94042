package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"math/rand/v2"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtding233/dive-backend/internal/curve"
	"github.com/xtding233/dive-backend/internal/game"
	"github.com/xtding233/dive-backend/internal/gameerr"
	"github.com/xtding233/dive-backend/internal/ledger"
	"github.com/xtding233/dive-backend/internal/outcome"
	"github.com/xtding233/dive-backend/internal/session"
	"github.com/xtding233/dive-backend/internal/storage"
	"github.com/xtding233/dive-backend/internal/storage/memory"
	"github.com/xtding233/dive-backend/internal/storage/sqlite"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// seedQueue hands out the queued seeds in order, then zero seeds.
type seedQueue struct {
	mu    sync.Mutex
	seeds []outcome.Seed
}

func (q *seedQueue) NewSeed(context.Context, string) (outcome.Seed, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.seeds) == 0 {
		return outcome.Seed{}, nil
	}
	s := q.seeds[0]
	q.seeds = q.seeds[1:]
	return s, nil
}

func fill(b byte) outcome.Seed {
	var s outcome.Seed
	for i := range s {
		s[i] = b
	}
	return s
}

type flakyStore struct {
	storage.Store
	failNext    bool
	beforeApply func()
}

func (f *flakyStore) Apply(ctx context.Context, c storage.Commit) error {
	if hook := f.beforeApply; hook != nil {
		f.beforeApply = nil
		hook()
	}
	if f.failNext {
		f.failNext = false
		return errors.New("disk full")
	}
	return f.Store.Apply(ctx, c)
}

func testConfig(maxMult uint64) game.Configuration {
	return game.Configuration{
		Version:   "test",
		Authority: "admin",
		Curve: curve.Params{
			BaseSurvivalPPM:     700_000,
			MinSurvivalPPM:      50_000,
			Decay:               decimal.RequireFromString("0.08"),
			HouseEdgePPM:        50_000,
			MultiplierFloorNum:  1,
			MultiplierFloorDen:  1,
			MaxPayoutMultiplier: maxMult,
			MaxDepth:            10,
		},
		MinBet:         10,
		MaxBet:         1000,
		SessionTimeout: time.Hour,
	}
}

type env struct {
	eng    *Engine
	store  *flakyStore
	ledger *ledger.Memory
	clock  *fakeClock
	seeds  *seedQueue
	logs   *bytes.Buffer
}

func newEnv(t *testing.T, cfg game.Configuration, st storage.Store, funding uint64, seeds ...outcome.Seed) *env {
	t.Helper()
	reg, err := game.NewRegistry(cfg)
	if err != nil {
		t.Fatal(err)
	}
	e := &env{
		store:  &flakyStore{Store: st},
		ledger: ledger.NewMemory(),
		clock:  &fakeClock{t: t0},
		seeds:  &seedQueue{seeds: seeds},
		logs:   &bytes.Buffer{},
	}
	n := 0
	e.eng, err = New(Options{
		Store:        e.store,
		Ledger:       e.ledger,
		Registry:     reg,
		Seeds:        e.seeds,
		Clock:        e.clock.Now,
		NewID:        func() string { n++; return "s" + strconv.Itoa(n) },
		Logger:       log.New(e.logs, "", 0),
		DefaultVault: "house",
	})
	if err != nil {
		t.Fatal(err)
	}
	e.ledger.Credit("admin", funding)
	if _, err := e.eng.CreateVault(context.Background(), CreateVaultRequest{ID: "house", Authority: "admin", Funding: funding}); err != nil {
		t.Fatalf("create vault: %v", err)
	}
	return e
}

func (e *env) balance(t *testing.T, acct string) uint64 {
	t.Helper()
	b, err := e.ledger.Balance(context.Background(), acct)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func (e *env) conserve(t *testing.T) {
	t.Helper()
	if err := e.eng.CheckConservation(context.Background(), "house"); err != nil {
		t.Fatalf("conservation: %v", err)
	}
}

func TestOpenAdvanceSettle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig(100), memory.New(), 1_000_000, fill(42))
	e.ledger.Credit("alice", 1000)

	s, err := e.eng.OpenSession(ctx, OpenRequest{Player: "alice", Bet: 100})
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "s1" || s.VaultID != "house" || s.MaxPayout != 10000 {
		t.Fatalf("opened: %+v", s)
	}
	if e.balance(t, "alice") != 900 || e.balance(t, ledger.VaultAccount("house")) != 1_000_100 {
		t.Fatalf("stake not moved")
	}
	e.conserve(t)

	e.clock.Advance(time.Minute)
	adv, err := e.eng.AdvanceRound(ctx, s.ID, "alice")
	if err != nil || !adv.Survived || adv.Session.CurrentValue != 135 {
		t.Fatalf("advance: %+v %v", adv, err)
	}
	e.conserve(t)

	if _, err := e.eng.RevealSeed(ctx, s.ID); !errors.Is(err, gameerr.ErrSeedNotRevealable) {
		t.Fatalf("seed of active session must stay hidden: %v", err)
	}

	res, err := e.eng.Settle(ctx, s.ID, "alice")
	if err != nil || res.Payout != 135 || res.Session.Status != session.StatusCashedOut {
		t.Fatalf("settle: %+v %v", res, err)
	}
	if e.balance(t, "alice") != 1035 {
		t.Fatalf("alice balance %d", e.balance(t, "alice"))
	}
	v, _ := e.eng.GetVault(ctx, "house")
	if v.Available != 999_965 || v.Reserved != 0 || v.Escrowed != 0 {
		t.Fatalf("vault after cash-out: %+v", v)
	}
	e.conserve(t)

	rev, err := e.eng.RevealSeed(ctx, s.ID)
	if err != nil || !rev.Verified || rev.Seed != fill(42) || len(rev.Rounds) != 1 || !rev.Rounds[0].Survived {
		t.Fatalf("reveal: %+v %v", rev, err)
	}
	events, err := e.eng.SessionEvents(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	if strings.Join(kinds, ",") != "session_opened,round_survived,session_settled" {
		t.Fatalf("events: %v", kinds)
	}
}

func TestOpenRejectsPoorBettor(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig(100), memory.New(), 1_000_000)
	e.ledger.Credit("bob", 50)
	_, err := e.eng.OpenSession(ctx, OpenRequest{Player: "bob", Bet: 100})
	if !errors.Is(err, gameerr.ErrInsufficientBettorFunds) {
		t.Fatalf("want insufficient bettor funds: %v", err)
	}
	v, _ := e.eng.GetVault(ctx, "house")
	if v.Reserved != 0 || v.Escrowed != 0 {
		t.Fatalf("failed open touched vault: %+v", v)
	}
	if e.balance(t, "bob") != 50 {
		t.Fatalf("bob charged")
	}
}

func TestOpenCapacityScenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig(5), memory.New(), 1000)
	e.ledger.Credit("alice", 1000)
	e.ledger.Credit("bob", 1000)
	s, err := e.eng.OpenSession(ctx, OpenRequest{Player: "alice", Bet: 100})
	if err != nil || s.MaxPayout != 500 {
		t.Fatalf("first open: %+v %v", s, err)
	}
	if _, err := e.eng.OpenSession(ctx, OpenRequest{Player: "bob", Bet: 120}); !errors.Is(err, gameerr.ErrInsufficientVaultCapacity) {
		t.Fatalf("second open needs 600 of 500 free: %v", err)
	}
	if e.balance(t, "bob") != 1000 {
		t.Fatalf("capacity failure must not charge the bettor")
	}
	v, _ := e.eng.GetVault(ctx, "house")
	if v.Reserved != 500 {
		t.Fatalf("reserved %d", v.Reserved)
	}
	e.conserve(t)
}

func TestLockScenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig(100), memory.New(), 1_000_000, fill(42))
	e.ledger.Credit("alice", 1000)
	s, err := e.eng.OpenSession(ctx, OpenRequest{Player: "alice", Bet: 100})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.eng.ToggleLock(ctx, "house", "mallory"); !errors.Is(err, gameerr.ErrNotAuthorized) {
		t.Fatalf("foreign authority: %v", err)
	}
	v, err := e.eng.ToggleLock(ctx, "house", "admin")
	if err != nil || !v.Locked {
		t.Fatalf("lock: %+v %v", v, err)
	}
	if _, err := e.eng.OpenSession(ctx, OpenRequest{Player: "alice", Bet: 100}); !errors.Is(err, gameerr.ErrHouseLocked) {
		t.Fatalf("open while locked: %v", err)
	}
	if adv, err := e.eng.AdvanceRound(ctx, s.ID, "alice"); err != nil || !adv.Survived {
		t.Fatalf("advance while locked: %+v %v", adv, err)
	}
	if _, err := e.eng.Settle(ctx, s.ID, "alice"); !errors.Is(err, gameerr.ErrHouseLocked) {
		t.Fatalf("settle while locked: %v", err)
	}
	if _, err := e.eng.AdvanceRound(ctx, s.ID, "bob"); !errors.Is(err, gameerr.ErrSessionNotOwned) {
		t.Fatalf("foreign advance: %v", err)
	}
	e.conserve(t)
}

func TestSettleWithoutProfit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig(100), memory.New(), 1_000_000, fill(42))
	e.ledger.Credit("alice", 1000)
	s, _ := e.eng.OpenSession(ctx, OpenRequest{Player: "alice", Bet: 100})
	if _, err := e.eng.Settle(ctx, s.ID, "alice"); !errors.Is(err, gameerr.ErrNoProfitToSettle) {
		t.Fatalf("depth 1 settle: %v", err)
	}
}

func TestLossKeepsStake(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig(100), memory.New(), 1_000_000, outcome.Seed{})
	e.ledger.Credit("alice", 1000)
	s, _ := e.eng.OpenSession(ctx, OpenRequest{Player: "alice", Bet: 100})
	adv, err := e.eng.AdvanceRound(ctx, s.ID, "alice")
	if err != nil || adv.Survived || adv.Session.Status != session.StatusLost {
		t.Fatalf("zero seed loses: %+v %v", adv, err)
	}
	v, _ := e.eng.GetVault(ctx, "house")
	if v.Available != 1_000_100 || v.Reserved != 0 || v.Escrowed != 0 {
		t.Fatalf("vault after loss: %+v", v)
	}
	e.conserve(t)
	rev, err := e.eng.RevealSeed(ctx, s.ID)
	if err != nil || len(rev.Rounds) != 1 || rev.Rounds[0].Survived {
		t.Fatalf("reveal after loss: %+v %v", rev, err)
	}
}

func TestExpireStaleAndReaper(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig(100), memory.New(), 1_000_000, fill(42), fill(42))
	e.ledger.Credit("alice", 1000)
	old, _ := e.eng.OpenSession(ctx, OpenRequest{Player: "alice", Bet: 100})
	if _, err := e.eng.Expire(ctx, old.ID); !errors.Is(err, gameerr.ErrSessionNotExpired) {
		t.Fatalf("fresh session: %v", err)
	}
	e.clock.Advance(50 * time.Minute)
	fresh, _ := e.eng.OpenSession(ctx, OpenRequest{Player: "alice", Bet: 100})
	e.clock.Advance(11 * time.Minute)

	n, err := e.eng.ExpireStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expire stale: %d %v", n, err)
	}
	got, _ := e.eng.GetSession(ctx, old.ID)
	if got.Status != session.StatusExpired {
		t.Fatalf("old session: %+v", got)
	}
	e.conserve(t)

	e.clock.Advance(time.Hour)
	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		e.eng.RunReaper(rctx, 5*time.Millisecond)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := e.eng.GetSession(ctx, fresh.ID)
		if got.Status == session.StatusExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reaper did not expire session")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	e.conserve(t)
	if v, _ := e.eng.GetVault(ctx, "house"); v.Available != 1_000_200 {
		t.Fatalf("expired stakes belong to the house: %+v", v)
	}
}

func TestCommitFailureCompensates(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig(100), memory.New(), 1_000_000, fill(42), fill(42))
	e.ledger.Credit("alice", 1000)

	e.store.failNext = true
	if _, err := e.eng.OpenSession(ctx, OpenRequest{Player: "alice", Bet: 100}); err == nil {
		t.Fatalf("open must fail when commit fails")
	}
	if e.balance(t, "alice") != 1000 {
		t.Fatalf("stake not returned: %d", e.balance(t, "alice"))
	}
	if !strings.Contains(e.logs.String(), "compensated") {
		t.Fatalf("compensation not logged: %q", e.logs.String())
	}
	ev, err := e.store.Events(ctx, "s1")
	if err != nil || len(ev) != 1 {
		t.Fatalf("open compensation event: %+v %v", ev, err)
	}
	if ev[0].Kind != storage.EventCompensation || ev[0].Data["op"] != "open session" ||
		ev[0].Data["to"] != "alice" || ev[0].Data["amount"] != "100" || ev[0].Data["cause"] != "disk full" {
		t.Fatalf("open compensation event: %+v", ev[0])
	}
	e.conserve(t)

	s, err := e.eng.OpenSession(ctx, OpenRequest{Player: "alice", Bet: 100})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.eng.AdvanceRound(ctx, s.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	e.store.failNext = true
	if _, err := e.eng.Settle(ctx, s.ID, "alice"); err == nil {
		t.Fatalf("settle must fail when commit fails")
	}
	if e.balance(t, "alice") != 900 {
		t.Fatalf("payout not clawed back: %d", e.balance(t, "alice"))
	}
	got, _ := e.eng.GetSession(ctx, s.ID)
	if got.Status != session.StatusActive {
		t.Fatalf("session should still be active: %+v", got)
	}
	trail, err := e.eng.SessionEvents(ctx, s.ID)
	if err != nil || len(trail) != 3 {
		t.Fatalf("want opened + survived + compensation; got %+v %v", trail, err)
	}
	last := trail[2]
	if last.Kind != storage.EventCompensation || last.Data["op"] != "settle" || last.Data["from"] != "alice" ||
		last.Data["amount"] != "135" || last.VaultID != "house" {
		t.Fatalf("settle compensation event: %+v", last)
	}
	e.conserve(t)
}

func TestInvariantViolationIsRecorded(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig(100), memory.New(), 1_000_000, fill(42))
	e.ledger.Credit("alice", 1000)
	s, err := e.eng.OpenSession(ctx, OpenRequest{Player: "alice", Bet: 100})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.eng.AdvanceRound(ctx, s.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	vaultAcct := ledger.VaultAccount("house")
	if err := e.ledger.Transfer(ctx, vaultAcct, "thief", e.balance(t, vaultAcct)); err != nil {
		t.Fatal(err)
	}

	_, err = e.eng.Settle(ctx, s.ID, "alice")
	if !gameerr.IsInvariant(err) {
		t.Fatalf("settle from an empty account: %v", err)
	}
	trail, err := e.eng.SessionEvents(ctx, s.ID)
	if err != nil || len(trail) != 3 {
		t.Fatalf("want opened + survived + violation; got %+v %v", trail, err)
	}
	last := trail[2]
	if last.Kind != storage.EventInvariantBroken || last.Data["op"] != "settle" || last.VaultID != "house" {
		t.Fatalf("violation event: %+v", last)
	}
	if !strings.Contains(last.Data["error"], "vault account cannot fund payout") {
		t.Fatalf("violation event error: %q", last.Data["error"])
	}
	if !strings.Contains(e.logs.String(), "invariant violation: settle") {
		t.Fatalf("violation not logged: %q", e.logs.String())
	}

	if err := e.eng.CheckConservation(ctx, "house"); !gameerr.IsInvariant(err) {
		t.Fatalf("drained account must break conservation: %v", err)
	}
	vaultTrail, _ := e.store.Events(ctx, "")
	found := false
	for _, ev := range vaultTrail {
		if ev.Kind == storage.EventInvariantBroken && ev.Data["op"] == "conservation" && ev.Data["ledger_balance"] == "0" {
			found = true
		}
	}
	if !found {
		t.Fatalf("conservation violation not recorded: %+v", vaultTrail)
	}
}

func TestDepositWithdraw(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig(100), memory.New(), 20_000, fill(42))
	e.ledger.Credit("alice", 1000)
	e.ledger.Credit("admin", 5000)
	if _, err := e.eng.OpenSession(ctx, OpenRequest{Player: "alice", Bet: 100}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.eng.Deposit(ctx, "house", "alice", 10); !errors.Is(err, gameerr.ErrNotAuthorized) {
		t.Fatalf("non-authority deposit: %v", err)
	}
	v, err := e.eng.Deposit(ctx, "house", "admin", 5000)
	if err != nil || v.Available != 25_000 {
		t.Fatalf("deposit: %+v %v", v, err)
	}
	if _, err := e.eng.Withdraw(ctx, "house", "admin", 15_001); !errors.Is(err, gameerr.ErrInsufficientVaultCapacity) {
		t.Fatalf("withdraw into reserve: %v", err)
	}
	v, err = e.eng.Withdraw(ctx, "house", "admin", 15_000)
	if err != nil || v.Available != 10_000 || v.Free() != 0 {
		t.Fatalf("withdraw free balance: %+v %v", v, err)
	}
	if e.balance(t, "admin") != 15_000 {
		t.Fatalf("admin balance %d", e.balance(t, "admin"))
	}
	e.conserve(t)
}

func TestReplaceConfigKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig(100), memory.New(), 1_000_000, fill(42), fill(42))
	e.ledger.Credit("alice", 1000)
	s, _ := e.eng.OpenSession(ctx, OpenRequest{Player: "alice", Bet: 100})

	next := testConfig(5)
	if _, err := e.eng.ReplaceConfig(ctx, "mallory", next); !errors.Is(err, gameerr.ErrNotAuthorized) {
		t.Fatalf("foreign replace: %v", err)
	}
	cfg, err := e.eng.ReplaceConfig(ctx, "admin", next)
	if err != nil || cfg.Revision != 2 {
		t.Fatalf("replace: %+v %v", cfg, err)
	}
	adv, err := e.eng.AdvanceRound(ctx, s.ID, "alice")
	if err != nil || adv.Session.CurrentValue != 135 || adv.Session.MaxPayout != 10000 || adv.Session.ConfigRevision != 1 {
		t.Fatalf("open session must keep its snapshot: %+v %v", adv.Session, err)
	}
	s2, err := e.eng.OpenSession(ctx, OpenRequest{Player: "alice", Bet: 100})
	if err != nil || s2.MaxPayout != 500 || s2.ConfigRevision != 2 {
		t.Fatalf("new session uses new config: %+v %v", s2, err)
	}
	e.conserve(t)
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig(100), memory.New(), 0)
	if _, err := e.eng.GetSession(ctx, "nope"); !errors.Is(err, gameerr.ErrNotFound) {
		t.Fatalf("session: %v", err)
	}
	if _, err := e.eng.GetVault(ctx, "nope"); !errors.Is(err, gameerr.ErrNotFound) {
		t.Fatalf("vault: %v", err)
	}
	if _, err := e.eng.AdvanceRound(ctx, "nope", "alice"); !errors.Is(err, gameerr.ErrNotFound) {
		t.Fatalf("advance: %v", err)
	}
	if _, err := e.eng.CreateVault(ctx, CreateVaultRequest{ID: "house", Authority: "admin"}); gameerr.CodeOf(err) != gameerr.CodeInvalidArgument {
		t.Fatalf("duplicate vault: %v", err)
	}
}

func TestSQLiteBackedEngine(t *testing.T) {
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "dive.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()
	e := newEnv(t, testConfig(100), st, 1_000_000, fill(1))
	e.ledger.Credit("alice", 1000)
	s, err := e.eng.OpenSession(ctx, OpenRequest{Player: "alice", Bet: 100})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if adv, err := e.eng.AdvanceRound(ctx, s.ID, "alice"); err != nil || !adv.Survived {
			t.Fatalf("seed 1 round %d: %+v %v", i+1, adv, err)
		}
		e.conserve(t)
	}
	res, err := e.eng.Settle(ctx, s.ID, "alice")
	if err != nil || res.Payout != 543 {
		t.Fatalf("settle at depth 5: %+v %v", res, err)
	}
	e.conserve(t)
	events, _ := e.eng.SessionEvents(ctx, s.ID)
	if len(events) != 6 {
		t.Fatalf("want opened + 4 rounds + settled; got %d", len(events))
	}
}

// Two engines share one database. A round that loses the race against a
// cash-out on the other engine must not reopen the session.
func TestStaleAdvanceAcrossEngines(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dive.db")
	stA, err := sqlite.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer stA.Close()
	stB, err := sqlite.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer stB.Close()

	a := newEnv(t, testConfig(100), stA, 1_000_000, fill(1))
	a.ledger.Credit("alice", 1000)
	reg, err := game.NewRegistry(testConfig(100))
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(Options{
		Store:        stB,
		Ledger:       a.ledger,
		Registry:     reg,
		Clock:        a.clock.Now,
		Logger:       log.New(io.Discard, "", 0),
		DefaultVault: "house",
	})
	if err != nil {
		t.Fatal(err)
	}

	s, err := a.eng.OpenSession(ctx, OpenRequest{Player: "alice", Bet: 100})
	if err != nil {
		t.Fatal(err)
	}
	adv, err := b.AdvanceRound(ctx, s.ID, "alice")
	if err != nil || !adv.Survived || adv.Session.Version != 2 {
		t.Fatalf("advance on b: %+v %v", adv, err)
	}

	var settled SettleResult
	a.store.beforeApply = func() {
		var err error
		if settled, err = b.Settle(ctx, s.ID, "alice"); err != nil {
			t.Errorf("settle on b: %v", err)
		}
	}
	if _, err := a.eng.AdvanceRound(ctx, s.ID, "alice"); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("stale advance on a: %v", err)
	}
	if settled.Payout != 135 {
		t.Fatalf("payout on b: %+v", settled)
	}
	got, err := a.eng.GetSession(ctx, s.ID)
	if err != nil || got.Status != session.StatusCashedOut || got.Depth != 2 || got.Version != 3 {
		t.Fatalf("cashed out session revived: %+v %v", got, err)
	}
	if _, err := a.eng.AdvanceRound(ctx, s.ID, "alice"); !errors.Is(err, gameerr.ErrSessionNotActive) {
		t.Fatalf("advance after settle: %v", err)
	}
	if a.balance(t, "alice") != 1035 {
		t.Fatalf("alice balance %d", a.balance(t, "alice"))
	}
	a.conserve(t)
}

// Randomized operation sequences must keep reserved equal to the open
// sessions' max payouts after every step.
func TestConservationProperty(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(2026, 10))
	e := newEnv(t, testConfig(100), memory.New(), 60_000)
	e.eng.seeds = outcome.NewSeededSeeds(7)
	e.eng.logger = log.New(io.Discard, "", 0)

	players := []string{"p0", "p1", "p2", "p3", "p4"}
	for _, p := range players {
		e.ledger.Credit(p, 1_000_000)
	}
	var live []string
	owner := map[string]string{}
	maxMult := uint64(100)

	for i := 0; i < 1500; i++ {
		var err error
		switch op := rng.IntN(10); {
		case op < 3:
			p := players[rng.IntN(len(players))]
			var s session.Session
			s, err = e.eng.OpenSession(ctx, OpenRequest{Player: p, Bet: uint64(10 + rng.IntN(700))})
			if err == nil {
				live = append(live, s.ID)
				owner[s.ID] = p
			}
		case op < 7 && len(live) > 0:
			id := live[rng.IntN(len(live))]
			_, err = e.eng.AdvanceRound(ctx, id, owner[id])
		case op < 9 && len(live) > 0:
			id := live[rng.IntN(len(live))]
			_, err = e.eng.Settle(ctx, id, owner[id])
		default:
			e.clock.Advance(time.Duration(rng.IntN(40)) * time.Minute)
			_, err = e.eng.ExpireStale(ctx)
		}
		if gameerr.IsInvariant(err) {
			t.Fatalf("step %d: %v", i, err)
		}
		if i%97 == 0 {
			if _, err := e.eng.ToggleLock(ctx, "house", "admin"); err != nil {
				t.Fatal(err)
			}
		}
		if i%251 == 0 {
			if maxMult == 100 {
				maxMult = 50
			} else {
				maxMult = 100
			}
			if _, err := e.eng.ReplaceConfig(ctx, "admin", testConfig(maxMult)); err != nil {
				t.Fatal(err)
			}
		}

		kept := live[:0]
		for _, id := range live {
			if s, _ := e.eng.GetSession(ctx, id); s.Status == session.StatusActive {
				kept = append(kept, id)
			}
		}
		live = kept
		e.conserve(t)
	}

	var total uint64
	for _, p := range append(players, "admin", ledger.VaultAccount("house")) {
		total += e.balance(t, p)
	}
	if total != 5*1_000_000+60_000 {
		t.Fatalf("money created or destroyed: %d", total)
	}
}
