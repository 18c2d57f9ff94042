// Package memory provides an in-process Store.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/xtding233/dive-backend/internal/session"
	"github.com/xtding233/dive-backend/internal/storage"
	"github.com/xtding233/dive-backend/internal/vault"
)

// Store keeps everything in maps guarded by one lock.
type Store struct {
	mu       sync.RWMutex
	vaults   map[string]vault.Vault
	sessions map[string]session.Session
	events   []storage.Event
	seq      int64
}

// New creates an empty store.
func New() *Store {
	return &Store{
		vaults:   make(map[string]vault.Vault),
		sessions: make(map[string]session.Session),
	}
}

func (s *Store) GetVault(ctx context.Context, id string) (vault.Vault, error) {
	if err := ctx.Err(); err != nil {
		return vault.Vault{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vaults[id]
	if !ok {
		return vault.Vault{}, storage.ErrNotFound
	}
	return v, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ss, ok := s.sessions[id]
	if !ok {
		return session.Session{}, storage.ErrNotFound
	}
	return ss, nil
}

func (s *Store) ActiveSessions(ctx context.Context, vaultID string) ([]session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []session.Session
	for _, ss := range s.sessions {
		if ss.Status != session.StatusActive {
			continue
		}
		if vaultID != "" && ss.VaultID != vaultID {
			continue
		}
		out = append(out, ss)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out, nil
}

func (s *Store) Events(ctx context.Context, sessionID string) ([]storage.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.Event
	for _, e := range s.events {
		if e.SessionID == sessionID {
			e.Data = maps.Clone(e.Data)
			out = append(out, e)
		}
	}
	return out, nil
}

// Apply validates the whole commit before writing any of it.
func (s *Store) Apply(ctx context.Context, c storage.Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Vault != nil {
		cur, exists := s.vaults[c.Vault.ID]
		switch {
		case c.CreateVault && exists:
			return storage.ErrAlreadyExists
		case !c.CreateVault && !exists:
			return storage.ErrNotFound
		case !c.CreateVault && cur.Version != c.Vault.Version:
			return storage.ErrConflict
		}
	}
	if c.Session != nil {
		cur, exists := s.sessions[c.Session.ID]
		switch {
		case c.CreateSession && exists:
			return storage.ErrAlreadyExists
		case !c.CreateSession && !exists:
			return storage.ErrNotFound
		case !c.CreateSession && cur.Version != c.Session.Version:
			return storage.ErrConflict
		}
	}

	if c.Vault != nil {
		v := *c.Vault
		v.Version++
		s.vaults[v.ID] = v
	}
	if c.Session != nil {
		ss := *c.Session
		ss.Version++
		s.sessions[ss.ID] = ss
	}
	for _, e := range c.Events {
		s.seq++
		e.Seq = s.seq
		e.Data = maps.Clone(e.Data)
		s.events = append(s.events, e)
	}
	return nil
}

func (s *Store) Close() error { return nil }

var _ storage.Store = (*Store)(nil)
