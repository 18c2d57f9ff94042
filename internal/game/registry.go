package game

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/xtding233/dive-backend/internal/gameerr"
)

// Registry holds the single current Configuration. Writes are full
// replacements that bump Revision; reads return a copy. Files win: a
// reload replaces a configuration installed through Replace, and Replace
// is never written back to disk.
type Registry struct {
	mu  sync.RWMutex
	cur Configuration
	// installed is the revision set by Replace, zero once files take over
	installed uint64

	loader *Loader
	name   string
}

// NewRegistry validates cfg and installs it as revision 1.
func NewRegistry(cfg Configuration) (*Registry, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	cfg.Revision = 1
	return &Registry{cur: cfg}, nil
}

// LoadRegistry builds the registry from default.yaml plus the named overlay.
func LoadRegistry(l *Loader, name string) (*Registry, error) {
	raw, err := l.LoadMerged(name)
	if err != nil {
		return nil, err
	}
	cfg, err := Build(raw)
	if err != nil {
		return nil, err
	}
	r, err := NewRegistry(cfg)
	if err != nil {
		return nil, err
	}
	r.loader, r.name = l, name
	return r, nil
}

// Current returns the active configuration.
func (r *Registry) Current() Configuration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cur
}

// Replace installs next when authority matches the current authority.
// An empty next.Authority keeps the current one.
func (r *Registry) Replace(authority string, next Configuration) (Configuration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if authority == "" || authority != r.cur.Authority {
		return r.cur, gameerr.ErrNotAuthorized
	}
	if next.Authority == "" {
		next.Authority = r.cur.Authority
	}
	if err := Validate(next); err != nil {
		return r.cur, err
	}
	next.Revision = r.cur.Revision + 1
	r.cur = next
	r.installed = next.Revision
	return next, nil
}

// Reload rereads the files the registry was loaded from. On any error the
// current configuration stays in place.
func (r *Registry) Reload() (Configuration, error) {
	if r.loader == nil {
		return r.Current(), nil
	}
	r.loader.Invalidate()
	raw, err := r.loader.LoadMerged(r.name)
	if err != nil {
		return r.Current(), err
	}
	next, err := Build(raw)
	if err != nil {
		return r.Current(), err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.installed != 0 {
		log.Printf("config files supersede revision %d (version=%s) installed through the API", r.installed, r.cur.Version)
		r.installed = 0
	}
	next.Revision = r.cur.Revision + 1
	r.cur = next
	return next, nil
}

// Watch polls the registry's files and reloads on change until ctx ends.
func (r *Registry) Watch(ctx context.Context, interval time.Duration) {
	if r.loader == nil {
		return
	}
	w := NewFileWatcher(r.loader.Paths().Files(r.name), interval, func(path string) {
		cfg, err := r.Reload()
		if err != nil {
			log.Printf("config reload after %s change rejected, keeping revision %d: %v", path, cfg.Revision, err)
			return
		}
		log.Printf("config reloaded from %s: version=%s revision=%d", path, cfg.Version, cfg.Revision)
	})
	w.Run(ctx)
}
