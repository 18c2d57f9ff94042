// Package curve computes the survival-probability and payout curves of a
// dive. Everything here is a pure function of Params; probabilities are
// integer parts-per-million so every implementation reaches the same
// survive/fail decision bit for bit.
package curve

import (
	"fmt"
	"math"
	"math/bits"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// PPM is the fixed-point scale for probabilities: 1_000_000 == 100%.
const PPM = 1_000_000

// MaxDepthLimit bounds maxDepth; rounds are hashed as a little-endian uint16.
const MaxDepthLimit = math.MaxUint16

// expPrecision is the number of fractional digits carried by exp().
const expPrecision = 20

// Beyond this exponent base*e^-x is below one ppm, so the threshold is the floor.
var expCutoff = decimal.NewFromInt(14)

// decimal caches factorials for ExpTaylor in a package-level slice.
var expMu sync.Mutex

// Params is the slice of configuration the curves depend on. Sessions keep
// a copy taken at open time.
type Params struct {
	BaseSurvivalPPM     uint32          `json:"base_survival_ppm"`
	MinSurvivalPPM      uint32          `json:"min_survival_ppm"`
	Decay               decimal.Decimal `json:"decay"`
	HouseEdgePPM        uint32          `json:"house_edge_ppm"`
	MultiplierFloorNum  uint32          `json:"multiplier_floor_num"`
	MultiplierFloorDen  uint32          `json:"multiplier_floor_den"`
	MaxPayoutMultiplier uint64          `json:"max_payout_multiplier"`
	MaxDepth            int             `json:"max_depth"`
}

// SurvivalThreshold returns max(min, floor(base * exp(-decay*(depth-1)))) in ppm.
// Depths below 1 are treated as 1. Results are memoized per curve.
func SurvivalThreshold(depth int, p Params) uint32 {
	if depth < 1 {
		depth = 1
	}
	if t := thresholdsFor(p); t != nil && depth <= MaxDepthLimit {
		return t.at(depth, p)
	}
	return threshold(depth, p)
}

// threshold evaluates the curve at depth >= 1 without the cache.
func threshold(depth int, p Params) uint32 {
	if depth == 1 {
		return max(p.BaseSurvivalPPM, p.MinSurvivalPPM)
	}
	x := p.Decay.Mul(decimal.NewFromInt(int64(depth - 1)))
	if x.GreaterThan(expCutoff) {
		return p.MinSurvivalPPM
	}

	expMu.Lock()
	e, err := x.Neg().ExpTaylor(expPrecision)
	expMu.Unlock()
	if err != nil {
		// unreachable for a non-negative precision
		return p.MinSurvivalPPM
	}

	v := decimal.NewFromInt(int64(p.BaseSurvivalPPM)).Mul(e).Floor().IntPart()
	if v < int64(p.MinSurvivalPPM) {
		return p.MinSurvivalPPM
	}
	return uint32(v)
}

// PayoutCap is bet × maxPayoutMultiplier, saturating at MaxUint64.
func PayoutCap(bet uint64, p Params) uint64 {
	hi, lo := bits.Mul64(bet, p.MaxPayoutMultiplier)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

// PayoutAtDepth returns the stake value after surviving to depth.
// value(1) = bet; value(d) = floor(value(d-1) * (1-edge) / threshold(d-1)),
// floored at every step and capped at PayoutCap.
func PayoutAtDepth(bet uint64, depth int, p Params) uint64 {
	limit := PayoutCap(bet, p)
	v := min(bet, limit)
	for d := 1; d < depth && v < limit; d++ {
		v = step(v, d, p, limit)
	}
	return v
}

// step advances a value one round past depth d.
func step(v uint64, d int, p Params, limit uint64) uint64 {
	thr := uint64(SurvivalThreshold(d, p))
	if thr == 0 {
		return limit
	}
	hi, lo := bits.Mul64(v, uint64(PPM-p.HouseEdgePPM))
	if hi >= thr {
		// quotient does not fit in 64 bits
		return limit
	}
	q, _ := bits.Div64(hi, lo, thr)
	return min(q, limit)
}

// MaxPayout is the worst-case payout of a session: the value at MaxDepth.
func MaxPayout(bet uint64, p Params) uint64 {
	return PayoutAtDepth(bet, p.MaxDepth, p)
}

// StepMultiplier is (1-edge)/threshold(depth) for display; never use it to
// decide an outcome.
func StepMultiplier(depth int, p Params) decimal.Decimal {
	thr := SurvivalThreshold(depth, p)
	if thr == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(PPM-p.HouseEdgePPM)).DivRound(decimal.NewFromInt(int64(thr)), 6)
}

// Probability renders a ppm value as a decimal fraction.
func Probability(ppm uint32) decimal.Decimal {
	return decimal.New(int64(ppm), -6)
}

// Validate rejects parameter sets that could shrink a stake on survival or
// that the rest of the engine cannot represent.
func Validate(p Params) error {
	var errs []string

	if p.BaseSurvivalPPM == 0 || p.BaseSurvivalPPM > PPM {
		errs = append(errs, "survival.base must be in (0,1]")
	}
	if p.MinSurvivalPPM == 0 {
		errs = append(errs, "survival.min must be > 0")
	}
	if p.MinSurvivalPPM > p.BaseSurvivalPPM {
		errs = append(errs, "survival.min must be <= survival.base")
	}
	if !p.Decay.IsPositive() {
		errs = append(errs, "survival.decay must be > 0")
	}
	if p.HouseEdgePPM >= PPM {
		errs = append(errs, "payout.house_edge must be in [0,1)")
	}
	if p.MultiplierFloorDen == 0 {
		errs = append(errs, "payout.multiplier_floor_den must be >= 1")
	} else if p.MultiplierFloorNum < p.MultiplierFloorDen {
		errs = append(errs, "payout.multiplier_floor must be >= 1")
	}
	if p.MaxPayoutMultiplier == 0 {
		errs = append(errs, "payout.max_multiplier must be >= 1")
	}
	if p.MaxDepth < 1 || p.MaxDepth > MaxDepthLimit {
		errs = append(errs, fmt.Sprintf("max_depth must be in [1,%d]", MaxDepthLimit))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	// every per-round multiplier (1-edge)/p(d) must reach num/den
	keep := uint64(PPM - p.HouseEdgePPM)
	num, den := uint64(p.MultiplierFloorNum), uint64(p.MultiplierFloorDen)
	for d := 1; d < p.MaxDepth; d++ {
		thr := SurvivalThreshold(d, p)
		if keep*den < num*uint64(thr) {
			return fmt.Errorf("per-round multiplier at depth %d is %s, below floor %d/%d",
				d, StepMultiplier(d, p).String(), num, den)
		}
		if thr == p.MinSurvivalPPM {
			// flat from here on
			break
		}
	}
	return nil
}

// Row is one depth of the published curve.
type Row struct {
	Depth        int             `json:"depth"`
	ThresholdPPM uint32          `json:"threshold_ppm"`
	Survival     decimal.Decimal `json:"survival"`
	Payout       uint64          `json:"payout"`
	Multiplier   decimal.Decimal `json:"multiplier"`
}

// Table lists depth 1..MaxDepth for a bet.
func Table(bet uint64, p Params) []Row {
	rows := make([]Row, 0, p.MaxDepth)
	limit := PayoutCap(bet, p)
	v := min(bet, limit)
	for d := 1; d <= p.MaxDepth; d++ {
		if d > 1 && v < limit {
			v = step(v, d-1, p, limit)
		}
		thr := SurvivalThreshold(d, p)
		rows = append(rows, Row{
			Depth:        d,
			ThresholdPPM: thr,
			Survival:     Probability(thr),
			Payout:       v,
			Multiplier:   StepMultiplier(d, p),
		})
	}
	return rows
}
