// Package sim estimates the return-to-player of cash-out strategies by
// playing many sessions against a curve.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/xtding233/dive-backend/internal/curve"
	"github.com/xtding233/dive-backend/internal/outcome"
)

// Strategy describes how a simulated player plays one session.
type Strategy struct {
	Bet uint64
	// CashOutAt is the depth at which the player settles. Zero, or any
	// depth past MaxDepth, means keep diving until bust or max depth.
	CashOutAt int
}

// Stats summarizes the returned amount per trial.
type Stats struct {
	Mean   float64
	Var    float64
	StdDev float64
	P50    float64
	P90    float64
	P99    float64
	// Optional: raw samples if caller needs histograms/exports
	Samples []float64 `json:"-"`
}

// Result is the outcome of one Run.
type Result struct {
	Trials    int
	Bet       uint64
	Busts     int
	Returned  Stats
	RTP       float64 // mean returned amount over bet
	BustRate  float64
	MeanDepth float64 // average depth reached before settling or busting
}

// calcStats computes mean/variance/percentiles for samples.
func calcStats(xs []float64) Stats {
	n := len(xs)
	if n == 0 {
		return Stats{}
	}
	var sum float64
	for _, v := range xs {
		sum += v
	}
	mean := sum / float64(n)

	// variance (population)
	var acc float64
	for _, v := range xs {
		d := v - mean
		acc += d * d
	}
	variance := acc / float64(n)

	cp := append([]float64(nil), xs...)
	sort.Float64s(cp)
	percentile := func(p float64) float64 {
		if n == 1 || p <= 0 {
			return cp[0]
		}
		if p >= 1 {
			return cp[n-1]
		}
		pos := p * float64(n-1)
		i := int(math.Floor(pos))
		f := pos - float64(i)
		if i+1 >= n {
			return cp[i]
		}
		return cp[i]*(1-f) + cp[i+1]*f
	}

	return Stats{
		Mean:    mean,
		Var:     variance,
		StdDev:  math.Sqrt(variance),
		P50:     percentile(0.50),
		P90:     percentile(0.90),
		P99:     percentile(0.99),
		Samples: xs,
	}
}

// playOne returns the amount paid back and the final depth. Rounds follow
// the session rules: a settle needs profit, and max depth stops the dive.
func playOne(seed outcome.Seed, p curve.Params, s Strategy) (uint64, int) {
	depth := 1
	value := curve.PayoutAtDepth(s.Bet, depth, p)
	for {
		if s.CashOutAt > 0 && depth >= s.CashOutAt && value > s.Bet {
			return value, depth
		}
		if depth >= p.MaxDepth {
			if value > s.Bet {
				return value, depth
			}
			// No profit and no further rounds: the stake is forfeited on expiry.
			return 0, depth
		}
		r := outcome.ResolveRound(seed, depth, s.Bet, p)
		if !r.Survived {
			return 0, depth
		}
		depth, value = r.NewDepth, r.NewValue
	}
}

// Run plays trials sessions, drawing one seed per trial from seeds.
func Run(p curve.Params, s Strategy, trials int, seeds outcome.SeedProvider) (Result, error) {
	if err := curve.Validate(p); err != nil {
		return Result{}, err
	}
	if s.Bet == 0 {
		return Result{}, errors.New("bet must be positive")
	}
	if seeds == nil {
		return Result{}, errors.New("seed provider is required")
	}
	if trials <= 0 {
		return Result{Bet: s.Bet}, nil
	}

	ctx := context.Background()
	samples := make([]float64, trials)
	busts := 0
	depths := 0
	for i := 0; i < trials; i++ {
		seed, err := seeds.NewSeed(ctx, fmt.Sprintf("trial-%d", i))
		if err != nil {
			return Result{}, err
		}
		paid, depth := playOne(seed, p, s)
		if paid == 0 {
			busts++
		}
		depths += depth
		samples[i] = float64(paid)
	}

	st := calcStats(samples)
	return Result{
		Trials:    trials,
		Bet:       s.Bet,
		Busts:     busts,
		Returned:  st,
		RTP:       st.Mean / float64(s.Bet),
		BustRate:  float64(busts) / float64(trials),
		MeanDepth: float64(depths) / float64(trials),
	}, nil
}

// ExpectedRTP is the exact return of a fixed cash-out depth, summed over
// the curve rows rather than sampled.
func ExpectedRTP(p curve.Params, s Strategy) float64 {
	if s.Bet == 0 {
		return 0
	}
	target := s.CashOutAt
	if target <= 0 || target > p.MaxDepth {
		target = p.MaxDepth
	}
	// A depth without profit cannot be settled, so play continues.
	for target < p.MaxDepth && curve.PayoutAtDepth(s.Bet, target, p) <= s.Bet {
		target++
	}
	value := curve.PayoutAtDepth(s.Bet, target, p)
	if value <= s.Bet {
		return 0
	}
	survive := 1.0
	for d := 1; d < target; d++ {
		survive *= float64(curve.SurvivalThreshold(d, p)) / float64(curve.PPM)
	}
	return survive * float64(value) / float64(s.Bet)
}
