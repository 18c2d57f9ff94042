package game

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Paths helper for default/overlay files.
type Paths struct {
	BaseDir string // base directory, e.g., /opt/dive/config
}

func (p Paths) DefaultPath() string {
	return filepath.Join(p.BaseDir, "games", "default.yaml")
}
func (p Paths) OverlayPath(name string) string {
	return filepath.Join(p.BaseDir, "games", name+".yaml")
}

// Files lists what a merged load of name reads.
func (p Paths) Files(name string) []string {
	if name == "" {
		return []string{p.DefaultPath()}
	}
	return []string{p.DefaultPath(), p.OverlayPath(name)}
}

// Loader reads YAML configs and merges default → overlay.
type Loader struct {
	paths Paths

	mu    sync.RWMutex
	cache map[string]RawConfig // key: overlay name, "" for default only
}

// NewLoader creates a config loader with the given base directory.
func NewLoader(baseDir string) *Loader {
	return &Loader{
		paths: Paths{BaseDir: baseDir},
		cache: make(map[string]RawConfig),
	}
}

// Paths returns the loader's file layout.
func (l *Loader) Paths() Paths { return l.paths }

// LoadMerged loads default.yaml and the optional overlay for name.
// The default file is required; the overlay may be absent.
func (l *Loader) LoadMerged(name string) (RawConfig, error) {
	l.mu.RLock()
	if cfg, ok := l.cache[name]; ok {
		l.mu.RUnlock()
		return cfg, nil
	}
	l.mu.RUnlock()

	defCfg, found, err := readYAML(l.paths.DefaultPath())
	if err != nil {
		return RawConfig{}, fmt.Errorf("read default: %w", err)
	}
	if !found {
		return RawConfig{}, fmt.Errorf("read default: %s: %w", l.paths.DefaultPath(), os.ErrNotExist)
	}
	merged := defCfg
	if name != "" {
		overlay, _, err := readYAML(l.paths.OverlayPath(name))
		if err != nil {
			return RawConfig{}, fmt.Errorf("read overlay %s: %w", name, err)
		}
		merged = mergeRaw(defCfg, overlay)
	}

	l.mu.Lock()
	l.cache[name] = merged
	l.mu.Unlock()
	return merged, nil
}

// Invalidate clears loader's cache. Call after hot-reload detects changes.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]RawConfig)
}

// readYAML loads a YAML file. A missing file yields found=false and no error.
func readYAML(path string) (RawConfig, bool, error) {
	var cfg RawConfig
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return RawConfig{}, false, nil
		}
		return RawConfig{}, false, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return RawConfig{}, true, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return cfg, true, nil
}

// ParseRaw decodes a YAML (or JSON, which is YAML) document.
func ParseRaw(b []byte) (RawConfig, error) {
	var cfg RawConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return RawConfig{}, err
	}
	return cfg, nil
}

// mergeRaw overlays b on a: every set field of b wins.
func mergeRaw(a, b RawConfig) RawConfig {
	out := a

	if b.Version != "" {
		out.Version = b.Version
	}
	if b.Authority != "" {
		out.Authority = b.Authority
	}
	if b.SessionTimeout != "" {
		out.SessionTimeout = b.SessionTimeout
	}
	if b.Notes != "" {
		out.Notes = b.Notes
	}
	if b.MaxDepth != nil {
		out.MaxDepth = b.MaxDepth
	}

	// survival
	if b.Survival.Base != "" {
		out.Survival.Base = b.Survival.Base
	}
	if b.Survival.Min != "" {
		out.Survival.Min = b.Survival.Min
	}
	if b.Survival.Decay != "" {
		out.Survival.Decay = b.Survival.Decay
	}

	// payout
	if b.Payout.HouseEdge != "" {
		out.Payout.HouseEdge = b.Payout.HouseEdge
	}
	if b.Payout.FloorNum != nil {
		out.Payout.FloorNum = b.Payout.FloorNum
	}
	if b.Payout.FloorDen != nil {
		out.Payout.FloorDen = b.Payout.FloorDen
	}
	if b.Payout.MaxMultiplier != nil {
		out.Payout.MaxMultiplier = b.Payout.MaxMultiplier
	}

	// bet limits replace as a pair
	if b.Bet != nil {
		c := *b.Bet
		out.Bet = &c
	}
	return out
}
