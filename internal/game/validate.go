package game

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtding233/dive-backend/internal/curve"
	"github.com/xtding233/dive-backend/internal/gameerr"
)

var ppmScale = decimal.NewFromInt(curve.PPM)

// ParsePPM converts a probability written as a decimal string into
// parts-per-million. More than six fractional digits is an error.
func ParsePPM(s string) (uint32, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("not a decimal: %q", s)
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return 0, fmt.Errorf("%s must be in [0,1]", d.String())
	}
	scaled := d.Mul(ppmScale)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%s has more than 6 fractional digits", d.String())
	}
	return uint32(scaled.IntPart()), nil
}

// ValidateRaw checks presence and syntax of a RawConfig. Curve semantics are
// checked by Build once the values are converted.
func ValidateRaw(cfg RawConfig) error {
	var errs []string

	if cfg.Authority == "" {
		errs = append(errs, "authority is required")
	}
	if cfg.MaxDepth == nil {
		errs = append(errs, "max_depth is required")
	}
	probs := []struct {
		name, val string
	}{
		{"survival.base", cfg.Survival.Base},
		{"survival.min", cfg.Survival.Min},
		{"payout.house_edge", cfg.Payout.HouseEdge},
	}
	for _, p := range probs {
		if p.val == "" {
			errs = append(errs, p.name+" is required")
			continue
		}
		if _, err := ParsePPM(p.val); err != nil {
			errs = append(errs, p.name+": "+err.Error())
		}
	}
	if cfg.Survival.Decay == "" {
		errs = append(errs, "survival.decay is required")
	} else if _, err := decimal.NewFromString(cfg.Survival.Decay); err != nil {
		errs = append(errs, fmt.Sprintf("survival.decay: not a decimal: %q", cfg.Survival.Decay))
	}
	if cfg.Payout.MaxMultiplier == nil {
		errs = append(errs, "payout.max_multiplier is required")
	}
	if cfg.Bet == nil {
		errs = append(errs, "bet is required")
	} else {
		if cfg.Bet.Min == 0 {
			errs = append(errs, "bet.min must be >= 1")
		}
		if cfg.Bet.Max < cfg.Bet.Min {
			errs = append(errs, "bet.max must be >= bet.min")
		}
	}
	if cfg.SessionTimeout != "" {
		if d, err := time.ParseDuration(cfg.SessionTimeout); err != nil || d <= 0 {
			errs = append(errs, "session_timeout must be a positive duration")
		}
	}

	if len(errs) > 0 {
		return gameerr.Newf(gameerr.CodeConfigInvalid, "config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Build validates raw and converts it into a Configuration.
func Build(raw RawConfig) (Configuration, error) {
	if err := ValidateRaw(raw); err != nil {
		return Configuration{}, err
	}
	base, _ := ParsePPM(raw.Survival.Base)
	minP, _ := ParsePPM(raw.Survival.Min)
	edge, _ := ParsePPM(raw.Payout.HouseEdge)
	num, den := uint32(1), uint32(1)
	if raw.Payout.FloorNum != nil {
		num = *raw.Payout.FloorNum
	}
	if raw.Payout.FloorDen != nil {
		den = *raw.Payout.FloorDen
	}
	timeout := DefaultSessionTimeout
	if raw.SessionTimeout != "" {
		timeout, _ = time.ParseDuration(raw.SessionTimeout)
	}

	cfg := Configuration{
		Version:   raw.Version,
		Authority: raw.Authority,
		Curve: curve.Params{
			BaseSurvivalPPM:     base,
			MinSurvivalPPM:      minP,
			Decay:               decimal.RequireFromString(raw.Survival.Decay),
			HouseEdgePPM:        edge,
			MultiplierFloorNum:  num,
			MultiplierFloorDen:  den,
			MaxPayoutMultiplier: *raw.Payout.MaxMultiplier,
			MaxDepth:            *raw.MaxDepth,
		},
		MinBet:         raw.Bet.Min,
		MaxBet:         raw.Bet.Max,
		SessionTimeout: timeout,
	}
	if err := Validate(cfg); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

// Validate checks a converted Configuration, including every curve rule.
func Validate(cfg Configuration) error {
	if err := curve.Validate(cfg.Curve); err != nil {
		return gameerr.Wrap(gameerr.CodeConfigInvalid, "config validation failed", err)
	}
	if cfg.MinBet == 0 || cfg.MaxBet < cfg.MinBet {
		return gameerr.New(gameerr.CodeConfigInvalid, "config validation failed: bet limits must satisfy 1 <= min <= max")
	}
	if cfg.SessionTimeout <= 0 {
		return gameerr.New(gameerr.CodeConfigInvalid, "config validation failed: session timeout must be positive")
	}
	if cfg.Authority == "" {
		return gameerr.New(gameerr.CodeConfigInvalid, "config validation failed: authority is required")
	}
	return nil
}
