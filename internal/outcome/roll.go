// Package outcome turns an opaque per-session seed into round results.
// Rolls are keccak256(seed || le16(depth)) reduced modulo curve.PPM, which
// matches the on-chain program byte for byte.
package outcome

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/xtding233/dive-backend/internal/curve"
	"golang.org/x/crypto/sha3"
)

// SeedSize is the length of a session seed in bytes.
const SeedSize = 32

// Scale is the exclusive upper bound of a roll; rolls and thresholds share it.
const Scale = curve.PPM

// Seed is fixed-length random material bound to one session.
type Seed [SeedSize]byte

// String returns the hex encoding of the seed.
func (s Seed) String() string { return hex.EncodeToString(s[:]) }

// MarshalText implements encoding.TextMarshaler.
func (s Seed) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(s[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Seed) UnmarshalText(b []byte) error {
	parsed, err := ParseSeed(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeed decodes a hex seed.
func ParseSeed(h string) (Seed, error) {
	var s Seed
	b, err := hex.DecodeString(h)
	if err != nil {
		return s, fmt.Errorf("decode seed: %w", err)
	}
	if len(b) != SeedSize {
		return s, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(b))
	}
	copy(s[:], b)
	return s, nil
}

func keccak(parts ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// RoundRoll derives the roll for one depth, uniform in [0, Scale).
func RoundRoll(seed Seed, depth int) uint32 {
	var d [2]byte
	binary.LittleEndian.PutUint16(d[:], uint16(depth))
	sum := keccak(seed[:], d[:])
	return uint32(binary.LittleEndian.Uint64(sum[:8]) % Scale)
}

// Resolution is the result of one round.
type Resolution struct {
	Depth     int    `json:"depth"`
	Roll      uint32 `json:"roll"`
	Threshold uint32 `json:"threshold_ppm"`
	Survived  bool   `json:"survived"`
	NewDepth  int    `json:"new_depth"`
	NewValue  uint64 `json:"new_value"`
}

// ResolveRound decides the round played at depth. A survivor moves to
// depth+1 with the curve value there; a failure keeps depth and yields 0.
func ResolveRound(seed Seed, depth int, bet uint64, p curve.Params) Resolution {
	roll := RoundRoll(seed, depth)
	thr := curve.SurvivalThreshold(depth, p)
	r := Resolution{Depth: depth, Roll: roll, Threshold: thr}
	if roll < thr {
		r.Survived = true
		r.NewDepth = depth + 1
		r.NewValue = curve.PayoutAtDepth(bet, depth+1, p)
		return r
	}
	r.NewDepth = depth
	return r
}

// Commitment is published when a session opens so the seed cannot be
// swapped later.
func Commitment(seed Seed) [32]byte {
	return keccak(seed[:])
}

// CommitmentHex is Commitment hex-encoded.
func CommitmentHex(seed Seed) string {
	c := Commitment(seed)
	return hex.EncodeToString(c[:])
}

// Verify reports whether seed opens the hex commitment.
func Verify(seed Seed, commitment string) bool {
	return CommitmentHex(seed) == commitment
}

// DeriveSeed binds oracle entropy to one session id.
func DeriveSeed(entropy []byte, sessionID string) Seed {
	return Seed(keccak(entropy, []byte(sessionID)))
}

// Replay re-resolves every round a finished session played, for audit.
// rounds is the number of rolls consumed: depth-1 survivals plus the
// failing roll when the session was lost.
func Replay(seed Seed, bet uint64, p curve.Params, rounds int) []Resolution {
	out := make([]Resolution, 0, rounds)
	depth := 1
	for i := 0; i < rounds; i++ {
		r := ResolveRound(seed, depth, bet, p)
		out = append(out, r)
		if !r.Survived {
			break
		}
		depth = r.NewDepth
	}
	return out
}
