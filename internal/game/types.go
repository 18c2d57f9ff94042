// types.go
package game

import (
	"time"

	"github.com/xtding233/dive-backend/internal/curve"
)

// RawConfig is the YAML schema. Probabilities are decimal strings so they
// convert to parts-per-million without passing through float64.
type RawConfig struct {
	Version        string         `yaml:"version" json:"version"`
	Authority      string         `yaml:"authority,omitempty" json:"authority,omitempty"`
	SessionTimeout string         `yaml:"session_timeout,omitempty" json:"session_timeout,omitempty"`
	MaxDepth       *int           `yaml:"max_depth" json:"max_depth"`
	Survival       SurvivalConfig `yaml:"survival" json:"survival"`
	Payout         PayoutConfig   `yaml:"payout" json:"payout"`
	Bet            *BetConfig     `yaml:"bet,omitempty" json:"bet,omitempty"`
	Notes          string         `yaml:"notes,omitempty" json:"notes,omitempty"`
}

type SurvivalConfig struct {
	Base  string `yaml:"base" json:"base"`
	Min   string `yaml:"min" json:"min"`
	Decay string `yaml:"decay" json:"decay"`
}

type PayoutConfig struct {
	HouseEdge     string  `yaml:"house_edge" json:"house_edge"`
	FloorNum      *uint32 `yaml:"multiplier_floor_num,omitempty" json:"multiplier_floor_num,omitempty"`
	FloorDen      *uint32 `yaml:"multiplier_floor_den,omitempty" json:"multiplier_floor_den,omitempty"`
	MaxMultiplier *uint64 `yaml:"max_multiplier" json:"max_multiplier"`
}

type BetConfig struct {
	Min uint64 `yaml:"min" json:"min"`
	Max uint64 `yaml:"max" json:"max"`
}

// DefaultSessionTimeout applies when session_timeout is omitted.
const DefaultSessionTimeout = time.Hour

// Configuration is the validated parameter set consumed by sessions and vaults.
// Sessions copy Curve and Revision at open time.
type Configuration struct {
	Version        string        `json:"version"`
	Revision       uint64        `json:"revision"`
	Authority      string        `json:"authority"`
	Curve          curve.Params  `json:"curve"`
	MinBet         uint64        `json:"min_bet"`
	MaxBet         uint64        `json:"max_bet"`
	SessionTimeout time.Duration `json:"session_timeout_ns"`
}

// BetInRange reports whether bet is within [MinBet, MaxBet].
func (c Configuration) BetInRange(bet uint64) bool {
	return bet >= c.MinBet && bet <= c.MaxBet
}
