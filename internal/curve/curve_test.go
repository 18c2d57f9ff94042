package curve

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func scenarioParams() Params {
	return Params{
		BaseSurvivalPPM:     700_000,
		MinSurvivalPPM:      50_000,
		Decay:               decimal.RequireFromString("0.08"),
		HouseEdgePPM:        50_000,
		MultiplierFloorNum:  1,
		MultiplierFloorDen:  1,
		MaxPayoutMultiplier: 100,
		MaxDepth:            10,
	}
}

func TestSurvivalThresholdGolden(t *testing.T) {
	p := scenarioParams()
	want := []uint32{700000, 646181, 596500, 550639, 508304, 469224, 433148, 399846, 369104, 340726, 314530, 290348}
	for i, w := range want {
		if got := SurvivalThreshold(i+1, p); got != w {
			t.Fatalf("threshold(%d)=%d want %d", i+1, got, w)
		}
	}
}

func TestSurvivalThresholdFloorAndClamp(t *testing.T) {
	p := scenarioParams()
	if got := SurvivalThreshold(33, p); got != 54113 {
		t.Fatalf("threshold(33)=%d want 54113", got)
	}
	for _, d := range []int{34, 35, 100, 5000, MaxDepthLimit} {
		if got := SurvivalThreshold(d, p); got != p.MinSurvivalPPM {
			t.Fatalf("threshold(%d)=%d want floor %d", d, got, p.MinSurvivalPPM)
		}
	}
	if got := SurvivalThreshold(0, p); got != p.BaseSurvivalPPM {
		t.Fatalf("depth 0 should be treated as depth 1; got %d", got)
	}
}

func TestSurvivalThresholdMonotonic(t *testing.T) {
	configs := []Params{scenarioParams()}
	for _, decay := range []string{"0.001", "0.05", "0.5", "3"} {
		p := scenarioParams()
		p.Decay = decimal.RequireFromString(decay)
		p.BaseSurvivalPPM = 990_000
		p.MinSurvivalPPM = 1
		configs = append(configs, p)
	}
	for _, p := range configs {
		prev := uint32(math.MaxUint32)
		for d := 1; d <= 300; d++ {
			thr := SurvivalThreshold(d, p)
			if thr > prev {
				t.Fatalf("decay=%s depth %d: threshold %d rose above %d", p.Decay, d, thr, prev)
			}
			if thr < p.MinSurvivalPPM {
				t.Fatalf("decay=%s depth %d: threshold %d below min %d", p.Decay, d, thr, p.MinSurvivalPPM)
			}
			prev = thr
		}
	}
}

func TestPayoutAtDepthGolden(t *testing.T) {
	p := scenarioParams()
	want := []uint64{100, 135, 198, 315, 543, 1014, 2052, 4500, 10000, 10000}
	for i, w := range want {
		if got := PayoutAtDepth(100, i+1, p); got != w {
			t.Fatalf("payout(100,%d)=%d want %d", i+1, got, w)
		}
	}

	wantLarge := []uint64{1000000, 1357142, 1995238, 3177663, 5482321, 10246240, 20744735, 45498301, 100000000}
	for i, w := range wantLarge {
		if got := PayoutAtDepth(1_000_000, i+1, p); got != w {
			t.Fatalf("payout(1e6,%d)=%d want %d", i+1, got, w)
		}
	}
}

func TestPayoutAtDepthCap(t *testing.T) {
	p := scenarioParams()
	p.MaxPayoutMultiplier = 5
	want := []uint64{100, 135, 198, 315, 500, 500, 500, 500, 500, 500}
	for i, w := range want {
		if got := PayoutAtDepth(100, i+1, p); got != w {
			t.Fatalf("payout(100,%d)=%d want %d", i+1, got, w)
		}
	}
	if got := MaxPayout(100, p); got != 500 {
		t.Fatalf("max payout=%d want 500", got)
	}
}

func TestPayoutAtDepthNoOverflow(t *testing.T) {
	p := scenarioParams()
	p.MaxPayoutMultiplier = math.MaxUint64
	p.MaxDepth = 200
	got := PayoutAtDepth(math.MaxUint64/2, 200, p)
	if got != math.MaxUint64 {
		t.Fatalf("expected saturation at MaxUint64, got %d", got)
	}
	if PayoutCap(math.MaxUint64, p) != math.MaxUint64 {
		t.Fatalf("cap should saturate")
	}
}

func TestPayoutNonDecreasing(t *testing.T) {
	p := scenarioParams()
	p.MaxDepth = 60
	p.MaxPayoutMultiplier = 1_000_000
	for _, bet := range []uint64{1, 7, 100, 12345, 1_000_000_000} {
		prev := uint64(0)
		for d := 1; d <= p.MaxDepth; d++ {
			v := PayoutAtDepth(bet, d, p)
			if v < prev {
				t.Fatalf("bet %d depth %d: payout %d dropped below %d", bet, d, v, prev)
			}
			prev = v
		}
	}
}

func TestTableMatchesPayout(t *testing.T) {
	p := scenarioParams()
	rows := Table(100, p)
	if len(rows) != p.MaxDepth {
		t.Fatalf("rows=%d want %d", len(rows), p.MaxDepth)
	}
	for _, r := range rows {
		if r.Payout != PayoutAtDepth(100, r.Depth, p) {
			t.Fatalf("row %d payout %d != %d", r.Depth, r.Payout, PayoutAtDepth(100, r.Depth, p))
		}
		if r.ThresholdPPM != SurvivalThreshold(r.Depth, p) {
			t.Fatalf("row %d threshold mismatch", r.Depth)
		}
	}
	if !rows[0].Survival.Equal(decimal.RequireFromString("0.7")) {
		t.Fatalf("depth 1 survival = %s, want 0.7", rows[0].Survival)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(scenarioParams()); err != nil {
		t.Fatalf("scenario params should validate: %v", err)
	}

	cases := map[string]func(*Params){
		"zero base":          func(p *Params) { p.BaseSurvivalPPM = 0 },
		"base above one":     func(p *Params) { p.BaseSurvivalPPM = PPM + 1 },
		"zero min":           func(p *Params) { p.MinSurvivalPPM = 0 },
		"min above base":     func(p *Params) { p.MinSurvivalPPM = p.BaseSurvivalPPM + 1 },
		"zero decay":         func(p *Params) { p.Decay = decimal.Zero },
		"edge of one":        func(p *Params) { p.HouseEdgePPM = PPM },
		"zero den":           func(p *Params) { p.MultiplierFloorDen = 0 },
		"floor below one":    func(p *Params) { p.MultiplierFloorNum = 9; p.MultiplierFloorDen = 10 },
		"zero max mult":      func(p *Params) { p.MaxPayoutMultiplier = 0 },
		"zero depth":         func(p *Params) { p.MaxDepth = 0 },
		"depth above uint16": func(p *Params) { p.MaxDepth = MaxDepthLimit + 1 },
		// 0.99 survival with 5% edge shrinks the stake every round
		"shrinking stake": func(p *Params) { p.BaseSurvivalPPM = 990_000 },
		// 1.5x floor is not reached at 0.70 survival (0.95/0.70 ~ 1.357)
		"floor not reached": func(p *Params) { p.MultiplierFloorNum = 3; p.MultiplierFloorDen = 2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := scenarioParams()
			mutate(&p)
			if err := Validate(p); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestDeterminism(t *testing.T) {
	p := scenarioParams()
	for d := 1; d <= 50; d++ {
		if SurvivalThreshold(d, p) != SurvivalThreshold(d, p) {
			t.Fatalf("threshold not deterministic at %d", d)
		}
		if PayoutAtDepth(5_000_000, d, p) != PayoutAtDepth(5_000_000, d, p) {
			t.Fatalf("payout not deterministic at %d", d)
		}
	}
}
