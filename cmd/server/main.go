package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtding233/dive-backend/internal/engine"
	"github.com/xtding233/dive-backend/internal/game"
	"github.com/xtding233/dive-backend/internal/gameerr"
	"github.com/xtding233/dive-backend/internal/grpcapi"
	"github.com/xtding233/dive-backend/internal/httpapi"
	"github.com/xtding233/dive-backend/internal/ledger"
	"github.com/xtding233/dive-backend/internal/platform/config"
	"github.com/xtding233/dive-backend/internal/storage"
	"github.com/xtding233/dive-backend/internal/storage/memory"
	"github.com/xtding233/dive-backend/internal/storage/postgres"
	"github.com/xtding233/dive-backend/internal/storage/sqlite"
)

// backend bundles the store with its ledger and a way to mint balances.
type backend struct {
	store  storage.Store
	ledger ledger.Ledger
	credit func(ctx context.Context, account string, amount uint64) error
	memory bool
}

func openBackend(ctx context.Context, s config.Settings) (backend, error) {
	if s.PostgresURL != "" {
		st, err := postgres.Open(ctx, s.PostgresURL)
		if err != nil {
			return backend{}, err
		}
		l := st.Ledger()
		return backend{store: st, ledger: l, credit: l.Credit}, nil
	}
	if s.DBPath == "" {
		l := ledger.NewMemory()
		return backend{
			store:  memory.New(),
			ledger: l,
			credit: func(_ context.Context, account string, amount uint64) error {
				l.Credit(account, amount)
				return nil
			},
			memory: true,
		}, nil
	}
	st, err := sqlite.Open(s.DBPath)
	if err != nil {
		return backend{}, err
	}
	l := st.Ledger()
	return backend{store: st, ledger: l, credit: l.Credit}, nil
}

// bootstrapVault creates the house vault on first start. Funding is minted
// to the authority and moved into the vault through the ledger.
func bootstrapVault(ctx context.Context, eng *engine.Engine, b backend, s config.Settings) error {
	_, err := eng.GetVault(ctx, s.VaultID)
	if err == nil || gameerr.CodeOf(err) != gameerr.CodeNotFound {
		return err
	}
	if s.VaultAuthority == "" {
		log.Printf("vault %s does not exist and DIVE_VAULT_AUTHORITY is unset; sessions will fail until it is created", s.VaultID)
		return nil
	}
	if s.VaultFunding > 0 {
		if err := b.credit(ctx, s.VaultAuthority, s.VaultFunding); err != nil {
			return fmt.Errorf("mint vault funding: %w", err)
		}
	}
	v, err := eng.CreateVault(ctx, engine.CreateVaultRequest{ID: s.VaultID, Authority: s.VaultAuthority, Funding: s.VaultFunding})
	if err != nil {
		return err
	}
	log.Printf("created vault %s authority=%s available=%d", v.ID, v.Authority, v.Available)
	return nil
}

func run(ctx context.Context, s config.Settings) error {
	b, err := openBackend(ctx, s)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := b.store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}()
	if b.memory {
		log.Println("no database configured, state is kept in memory")
		for account, amount := range s.SeedAccounts {
			_ = b.credit(ctx, account, amount)
		}
	}

	reg, err := game.LoadRegistry(game.NewLoader(s.ConfigDir), s.Game)
	if err != nil {
		return fmt.Errorf("load game config: %w", err)
	}
	cfg := reg.Current()
	log.Printf("game config version=%s max_depth=%d bets=[%d,%d]", cfg.Version, cfg.Curve.MaxDepth, cfg.MinBet, cfg.MaxBet)

	eng, err := engine.New(engine.Options{
		Store:        b.store,
		Ledger:       b.ledger,
		Registry:     reg,
		DefaultVault: s.VaultID,
	})
	if err != nil {
		return err
	}
	if err := bootstrapVault(ctx, eng, b, s); err != nil {
		return fmt.Errorf("bootstrap vault: %w", err)
	}

	if s.ConfigPoll > 0 {
		go reg.Watch(ctx, s.ConfigPoll)
	}
	go eng.RunReaper(ctx, s.ReapInterval)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 2)
	running := 0

	if s.HTTPAddr != "" {
		running++
		srv := &http.Server{
			Addr:              s.HTTPAddr,
			Handler:           httpapi.NewHandler(eng),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("http listening on %s", s.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("serve http: %w", err)
				return
			}
			errc <- nil
		}()
		go func() {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownGrace)
			defer cancel()
			if err := srv.Shutdown(shutCtx); err != nil {
				log.Printf("http shutdown: %v", err)
			}
		}()
	}

	if s.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen grpc %s: %w", s.GRPCAddr, err)
		}
		running++
		gs, hs := grpcapi.NewServer(eng)
		go func() { errc <- grpcapi.Serve(ctx, lis, gs, hs) }()
	}

	var firstErr error
	for i := 0; i < running; i++ {
		if err := <-errc; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	if firstErr == nil {
		if err := eng.CheckConservation(context.Background(), s.VaultID); err != nil && gameerr.CodeOf(err) != gameerr.CodeNotFound {
			log.Printf("conservation check at shutdown: %v", err)
		}
	}
	return firstErr
}

func main() {
	log.SetPrefix("[DIVE] ")
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	settings, err := config.Load()
	if err != nil {
		config.Exitf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, settings); err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}
	log.Println("stopped")
}
