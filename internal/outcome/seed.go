package outcome

import (
	"context"
	cryptoRand "crypto/rand"
	"fmt"
	"io"
	"math/rand/v2"
)

// SeedProvider produces unpredictable seed material for a new session.
type SeedProvider interface {
	NewSeed(ctx context.Context, sessionID string) (Seed, error)
}

// cryptoSeeds reads entropy from crypto/rand: default provider
type cryptoSeeds struct {
	r io.Reader
}

// DefaultSeeds returns a provider backed by crypto/rand.
func DefaultSeeds() SeedProvider { return cryptoSeeds{r: cryptoRand.Reader} }

func (c cryptoSeeds) NewSeed(ctx context.Context, sessionID string) (Seed, error) {
	if err := ctx.Err(); err != nil {
		return Seed{}, err
	}
	entropy := make([]byte, SeedSize)
	if _, err := io.ReadFull(c.r, entropy); err != nil {
		return Seed{}, fmt.Errorf("read entropy: %w", err)
	}
	return DeriveSeed(entropy, sessionID), nil
}

// Replicable seeds (e.g. Monte Carlo); never use for real sessions
type seededSeeds struct{ r *rand.Rand }

// NewSeededSeeds returns a deterministic provider for simulations and tests.
func NewSeededSeeds(seed uint64) SeedProvider {
	return &seededSeeds{r: rand.New(rand.NewPCG(seed, 0))}
}

func (s *seededSeeds) NewSeed(_ context.Context, sessionID string) (Seed, error) {
	var entropy [SeedSize]byte
	for i := 0; i < SeedSize; i += 8 {
		v := s.r.Uint64()
		for j := 0; j < 8; j++ {
			entropy[i+j] = byte(v >> (8 * j))
		}
	}
	return DeriveSeed(entropy[:], sessionID), nil
}

// FixedSeed always returns the same seed; handy for scripted scenarios.
type FixedSeed Seed

func (f FixedSeed) NewSeed(context.Context, string) (Seed, error) { return Seed(f), nil }
