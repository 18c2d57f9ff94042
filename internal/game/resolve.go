// resolve.go
package game

// Overrides carries ad-hoc parameter changes, e.g. from command-line flags,
// applied on top of a merged RawConfig.
type Overrides struct {
	Base          *string
	Min           *string
	Decay         *string
	HouseEdge     *string
	MaxMultiplier *uint64
	MaxDepth      *int
}

// Apply returns raw with every non-nil override set.
func (o Overrides) Apply(raw RawConfig) RawConfig {
	if o.Base != nil {
		raw.Survival.Base = *o.Base
	}
	if o.Min != nil {
		raw.Survival.Min = *o.Min
	}
	if o.Decay != nil {
		raw.Survival.Decay = *o.Decay
	}
	if o.HouseEdge != nil {
		raw.Payout.HouseEdge = *o.HouseEdge
	}
	if o.MaxMultiplier != nil {
		m := *o.MaxMultiplier
		raw.Payout.MaxMultiplier = &m
	}
	if o.MaxDepth != nil {
		d := *o.MaxDepth
		raw.MaxDepth = &d
	}
	return raw
}

// Resolve merges default → name, applies overrides and builds the result.
func (l *Loader) Resolve(name string, o Overrides) (RawConfig, Configuration, error) {
	raw, err := l.LoadMerged(name)
	if err != nil {
		return RawConfig{}, Configuration{}, err
	}
	raw = o.Apply(raw)
	cfg, err := Build(raw)
	if err != nil {
		return raw, Configuration{}, err
	}
	return raw, cfg, nil
}
