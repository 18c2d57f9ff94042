package grpcapi

import (
	"context"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtding233/dive-backend/internal/curve"
	"github.com/xtding233/dive-backend/internal/engine"
	"github.com/xtding233/dive-backend/internal/game"
	"github.com/xtding233/dive-backend/internal/gameerr"
	"github.com/xtding233/dive-backend/internal/ledger"
	"github.com/xtding233/dive-backend/internal/outcome"
	"github.com/xtding233/dive-backend/internal/storage/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func startServer(t *testing.T) (*Client, grpc_health_v1.HealthClient) {
	t.Helper()
	reg, err := game.NewRegistry(game.Configuration{
		Version:   "grpc-test",
		Authority: "admin",
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
		MinBet:         10,
		MaxBet:         1000,
		SessionTimeout: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	var seed outcome.Seed
	for i := range seed {
		seed[i] = 42
	}
	l := ledger.NewMemory()
	l.Credit("admin", 1_000_000)
	l.Credit("alice", 1000)
	eng, err := engine.New(engine.Options{
		Store:        memory.New(),
		Ledger:       l,
		Registry:     reg,
		Seeds:        outcome.FixedSeed(seed),
		Logger:       log.New(io.Discard, "", 0),
		DefaultVault: "house",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CreateVault(context.Background(), engine.CreateVaultRequest{ID: "house", Authority: "admin", Funding: 1_000_000}); err != nil {
		t.Fatal(err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv, _ := NewServer(eng)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn), grpc_health_v1.NewHealthClient(conn)
}

func TestDiveOverGRPC(t *testing.T) {
	c, hc := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hr, err := hc.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	if err != nil || hr.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("health %v %v", hr, err)
	}

	cfg, err := c.Call(ctx, "GetConfig", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.GetFields()["max_bet"].GetStringValue(); got != "1000" {
		t.Fatalf("max_bet %q", got)
	}

	opened, err := c.Call(ctx, "OpenSession", map[string]any{"player": "alice", "bet": "100"})
	if err != nil {
		t.Fatal(err)
	}
	id := opened.GetFields()["session_id"].GetStringValue()
	if id == "" {
		t.Fatalf("no session id: %v", opened)
	}

	_, err = c.Call(ctx, "Settle", map[string]any{"session_id": id, "caller": "alice"})
	if status.Code(err) != codes.FailedPrecondition || gameerr.FromGRPCStatus(err) != gameerr.CodeNoProfitToSettle {
		t.Fatalf("early settle: %v", err)
	}
	_, err = c.Call(ctx, "AdvanceRound", map[string]any{"session_id": id, "caller": "mallory"})
	if status.Code(err) != codes.PermissionDenied || gameerr.FromGRPCStatus(err) != gameerr.CodeSessionNotOwned {
		t.Fatalf("foreign advance: %v", err)
	}

	adv, err := c.Call(ctx, "AdvanceRound", map[string]any{"session_id": id, "caller": "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if !adv.GetFields()["survived"].GetBoolValue() {
		t.Fatalf("seed 0x2a survives depth 1: %v", adv)
	}
	if got := adv.GetFields()["roll"].GetNumberValue(); got != 272393 {
		t.Fatalf("roll %v", got)
	}

	settled, err := c.Call(ctx, "Settle", map[string]any{"session_id": id, "caller": "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if got := settled.GetFields()["payout_amount"].GetStringValue(); got != "135" {
		t.Fatalf("payout %q", got)
	}

	s, err := c.Call(ctx, "GetSession", map[string]any{"id": id})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.GetFields()["status"].GetStringValue(); got != "cashed_out" {
		t.Fatalf("status %q", got)
	}
	if _, leaked := s.GetFields()["seed"]; leaked {
		t.Fatal("session payload must not carry the seed")
	}
}

func TestVaultLockOverGRPC(t *testing.T) {
	c, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := c.Call(ctx, "ToggleLock", map[string]any{"vault_id": "house", "authority": "eve"})
	if gameerr.FromGRPCStatus(err) != gameerr.CodeNotAuthorized {
		t.Fatalf("foreign lock: %v", err)
	}
	v, err := c.Call(ctx, "ToggleLock", map[string]any{"vault_id": "house", "authority": "admin"})
	if err != nil || !v.GetFields()["locked"].GetBoolValue() {
		t.Fatalf("lock %v %v", v, err)
	}
	_, err = c.Call(ctx, "OpenSession", map[string]any{"player": "alice", "bet": 100})
	if gameerr.FromGRPCStatus(err) != gameerr.CodeHouseLocked {
		t.Fatalf("open on locked vault: %v", err)
	}
	_, err = c.Call(ctx, "OpenSession", map[string]any{"player": "alice", "bet": -5})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("negative bet: %v", err)
	}
	_, err = c.Call(ctx, "GetVault", map[string]any{"id": "missing"})
	if status.Code(err) != codes.NotFound || gameerr.FromGRPCStatus(err) != gameerr.CodeNotFound {
		t.Fatalf("missing vault: %v", err)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv, hs := NewServer(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, lis, srv, hs) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
