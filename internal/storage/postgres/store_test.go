package postgres

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"

	"github.com/xtding233/dive-backend/internal/ledger"
	"github.com/xtding233/dive-backend/internal/storage"
	"github.com/xtding233/dive-backend/internal/storage/storagetest"
)

// openTestStore connects to DIVE_TEST_POSTGRES_URL and empties every table.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DIVE_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("DIVE_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	st, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := st.pool.Exec(ctx, `TRUNCATE events, sessions, vaults, accounts RESTART IDENTITY`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatal("expected empty dsn error")
	}
}

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return openTestStore(t) })
}

func TestLedgerTransfer(t *testing.T) {
	ctx := context.Background()
	l := openTestStore(t).Ledger()
	if err := l.Credit(ctx, "alice", 100); err != nil {
		t.Fatal(err)
	}
	if err := l.Transfer(ctx, "alice", ledger.VaultAccount("house"), 70); err != nil {
		t.Fatal(err)
	}
	if err := l.Transfer(ctx, "alice", "bob", 31); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("overdraft: %v", err)
	}
	a, _ := l.Balance(ctx, "alice")
	h, _ := l.Balance(ctx, ledger.VaultAccount("house"))
	if a != 30 || h != 70 {
		t.Fatalf("alice=%d house=%d", a, h)
	}
	if err := l.Transfer(ctx, "alice", "alice", 1); !errors.Is(err, ledger.ErrInvalidTransfer) {
		t.Fatalf("self transfer: %v", err)
	}
}

func TestLedgerKeepsFullRange(t *testing.T) {
	ctx := context.Background()
	l := openTestStore(t).Ledger()
	if err := l.Credit(ctx, "whale", math.MaxUint64); err != nil {
		t.Fatal(err)
	}
	if got, _ := l.Balance(ctx, "whale"); got != math.MaxUint64 {
		t.Fatalf("balance %d", got)
	}
	if err := l.Credit(ctx, "whale", 1); !errors.Is(err, ledger.ErrInvalidTransfer) {
		t.Fatalf("overflow: %v", err)
	}
}
