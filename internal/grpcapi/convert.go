package grpcapi

import (
	"strconv"
	"strings"
	"time"

	"github.com/xtding233/dive-backend/internal/curve"
	"github.com/xtding233/dive-backend/internal/game"
	"github.com/xtding233/dive-backend/internal/gameerr"
	"github.com/xtding233/dive-backend/internal/session"
	"github.com/xtding233/dive-backend/internal/vault"
	"google.golang.org/protobuf/types/known/structpb"
)

func amount(n uint64) string { return strconv.FormatUint(n, 10) }

func str(in *structpb.Struct, key string) string {
	if in == nil {
		return ""
	}
	return strings.TrimSpace(in.GetFields()[key].GetStringValue())
}

// amountField accepts a decimal string, or a whole number for convenience.
func amountField(in *structpb.Struct, key string) (uint64, error) {
	v, ok := in.GetFields()[key]
	if !ok {
		return 0, gameerr.Newf(gameerr.CodeInvalidArgument, "%s is required", key)
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		n, err := strconv.ParseUint(strings.TrimSpace(k.StringValue), 10, 64)
		if err != nil {
			return 0, gameerr.Wrap(gameerr.CodeInvalidArgument, key+" must be a decimal integer", err)
		}
		return n, nil
	case *structpb.Value_NumberValue:
		f := k.NumberValue
		if f < 0 || f != float64(uint64(f)) || f > 1<<53 {
			return 0, gameerr.Newf(gameerr.CodeInvalidArgument, "%s must be a whole number below 2^53; send larger values as strings", key)
		}
		return uint64(f), nil
	default:
		return 0, gameerr.Newf(gameerr.CodeInvalidArgument, "%s must be a string or number", key)
	}
}

func encode(fields map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, gameerr.GRPCStatus(gameerr.Wrap(gameerr.CodeUnknown, "encode response", err))
	}
	return st, nil
}

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func curveFields(p curve.Params) map[string]any {
	return map[string]any{
		"base_survival":         curve.Probability(p.BaseSurvivalPPM).String(),
		"min_survival":          curve.Probability(p.MinSurvivalPPM).String(),
		"decay":                 p.Decay.String(),
		"house_edge":            curve.Probability(p.HouseEdgePPM).String(),
		"multiplier_floor_num":  float64(p.MultiplierFloorNum),
		"multiplier_floor_den":  float64(p.MultiplierFloorDen),
		"max_payout_multiplier": amount(p.MaxPayoutMultiplier),
		"max_depth":             float64(p.MaxDepth),
	}
}

func configFields(c game.Configuration) map[string]any {
	return map[string]any{
		"version":         c.Version,
		"revision":        amount(c.Revision),
		"authority":       c.Authority,
		"curve":           curveFields(c.Curve),
		"min_bet":         amount(c.MinBet),
		"max_bet":         amount(c.MaxBet),
		"session_timeout": c.SessionTimeout.String(),
	}
}

func vaultFields(v vault.Vault) map[string]any {
	return map[string]any{
		"id":        v.ID,
		"authority": v.Authority,
		"available": amount(v.Available),
		"reserved":  amount(v.Reserved),
		"escrowed":  amount(v.Escrowed),
		"locked":    v.Locked,
		"version":   amount(v.Version),
	}
}

func sessionFields(s session.Session) map[string]any {
	return map[string]any{
		"id":              s.ID,
		"player":          s.Player,
		"vault_id":        s.VaultID,
		"status":          string(s.Status),
		"bet":             amount(s.Bet),
		"current_value":   amount(s.CurrentValue),
		"max_payout":      amount(s.MaxPayout),
		"depth":           float64(s.Depth),
		"rounds":          float64(s.Rounds),
		"payout":          amount(s.Payout),
		"commitment":      s.Commitment,
		"config_revision": amount(s.ConfigRevision),
		"opened_at":       ts(s.OpenedAt),
		"last_active_at":  ts(s.LastActiveAt),
		"closed_at":       ts(s.ClosedAt),
		"version":         amount(s.Version),
	}
}
