// Package httpapi serves the dive operations as JSON over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xtding233/dive-backend/internal/curve"
	"github.com/xtding233/dive-backend/internal/engine"
	"github.com/xtding233/dive-backend/internal/game"
	"github.com/xtding233/dive-backend/internal/gameerr"
	"github.com/xtding233/dive-backend/internal/session"
	"github.com/xtding233/dive-backend/internal/storage"
	"github.com/xtding233/dive-backend/internal/vault"
)

// AuthorityHeader names the admin caller on PUT /config.
const AuthorityHeader = "X-Dive-Authority"

// Service is what the handlers need from the engine.
type Service interface {
	GetConfig(ctx context.Context) (game.Configuration, error)
	ReplaceConfig(ctx context.Context, authority string, cfg game.Configuration) (game.Configuration, error)
	CreateVault(ctx context.Context, req engine.CreateVaultRequest) (vault.Vault, error)
	GetVault(ctx context.Context, id string) (vault.Vault, error)
	ToggleLock(ctx context.Context, vaultID, authority string) (vault.Vault, error)
	Deposit(ctx context.Context, vaultID, authority string, amount uint64) (vault.Vault, error)
	Withdraw(ctx context.Context, vaultID, authority string, amount uint64) (vault.Vault, error)
	OpenSession(ctx context.Context, req engine.OpenRequest) (session.Session, error)
	GetSession(ctx context.Context, id string) (session.Session, error)
	AdvanceRound(ctx context.Context, sessionID, caller string) (engine.AdvanceResult, error)
	Settle(ctx context.Context, sessionID, caller string) (engine.SettleResult, error)
	RevealSeed(ctx context.Context, sessionID string) (engine.Reveal, error)
	SessionEvents(ctx context.Context, sessionID string) ([]storage.Event, error)
}

type errResp struct {
	Code  gameerr.Code `json:"code"`
	Error string       `json:"error"`
}

type openReq struct {
	Player  string `json:"player"`
	VaultID string `json:"vault_id"`
	Bet     uint64 `json:"bet"`
}

type callerReq struct {
	Caller string `json:"caller"`
}

type vaultReq struct {
	ID        string `json:"id"`
	Authority string `json:"authority"`
	Funding   uint64 `json:"funding"`
}

type authorityReq struct {
	Authority string `json:"authority"`
	Amount    uint64 `json:"amount"`
}

type curveResp struct {
	Bet       uint64      `json:"bet"`
	MaxPayout uint64      `json:"max_payout"`
	Revision  uint64      `json:"config_revision"`
	Rows      []curve.Row `json:"rows"`
}

// maxBody caps request bodies.
const maxBody = 1 << 20

// NewHandler routes every endpoint onto svc.
func NewHandler(svc Service) http.Handler {
	h := &handler{svc: svc}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/config", h.getConfig)
	r.Put("/config", h.putConfig)
	r.Get("/curve", h.getCurve)
	r.Route("/vaults", func(r chi.Router) {
		r.Post("/", h.createVault)
		r.Get("/{id}", h.getVault)
		r.Post("/{id}/lock", h.lockVault)
		r.Post("/{id}/deposit", h.deposit)
		r.Post("/{id}/withdraw", h.withdraw)
	})
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.openSession)
		r.Get("/{id}", h.getSession)
		r.Post("/{id}/advance", h.advance)
		r.Post("/{id}/settle", h.settle)
		r.Get("/{id}/seed", h.seed)
		r.Get("/{id}/events", h.events)
	})
	return r
}

type handler struct {
	svc Service
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	code := gameerr.CodeOf(err)
	status := code.HTTPStatus()
	if code == gameerr.CodeUnknown {
		log.Printf("http: internal error: %v", err)
	}
	writeJSON(w, status, errResp{Code: code, Error: err.Error()})
}

func decode(r *http.Request, dst any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		return gameerr.Wrap(gameerr.CodeInvalidArgument, "invalid request body", err)
	}
	return nil
}

func (h *handler) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.svc.GetConfig(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// putConfig takes the same schema as the YAML files, as JSON.
func (h *handler) putConfig(w http.ResponseWriter, r *http.Request) {
	var raw game.RawConfig
	if err := decode(r, &raw); err != nil {
		writeErr(w, err)
		return
	}
	authority := r.Header.Get(AuthorityHeader)
	if raw.Authority == "" {
		raw.Authority = authority
	}
	cfg, err := game.Build(raw)
	if err != nil {
		writeErr(w, err)
		return
	}
	next, err := h.svc.ReplaceConfig(r.Context(), authority, cfg)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (h *handler) getCurve(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.svc.GetConfig(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	bet := cfg.MinBet
	if s := r.URL.Query().Get("bet"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil || v == 0 {
			writeErr(w, gameerr.New(gameerr.CodeInvalidArgument, "invalid bet"))
			return
		}
		bet = v
	}
	writeJSON(w, http.StatusOK, curveResp{
		Bet:       bet,
		MaxPayout: curve.MaxPayout(bet, cfg.Curve),
		Revision:  cfg.Revision,
		Rows:      curve.Table(bet, cfg.Curve),
	})
}

func (h *handler) createVault(w http.ResponseWriter, r *http.Request) {
	var req vaultReq
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	v, err := h.svc.CreateVault(r.Context(), engine.CreateVaultRequest{ID: req.ID, Authority: req.Authority, Funding: req.Funding})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *handler) getVault(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.GetVault(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) lockVault(w http.ResponseWriter, r *http.Request) {
	var req authorityReq
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	v, err := h.svc.ToggleLock(r.Context(), chi.URLParam(r, "id"), req.Authority)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) deposit(w http.ResponseWriter, r *http.Request) {
	var req authorityReq
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	v, err := h.svc.Deposit(r.Context(), chi.URLParam(r, "id"), req.Authority, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) withdraw(w http.ResponseWriter, r *http.Request) {
	var req authorityReq
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	v, err := h.svc.Withdraw(r.Context(), chi.URLParam(r, "id"), req.Authority, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) openSession(w http.ResponseWriter, r *http.Request) {
	var req openReq
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	s, err := h.svc.OpenSession(r.Context(), engine.OpenRequest{Player: req.Player, VaultID: req.VaultID, Bet: req.Bet})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session_id": s.ID, "session": s})
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handler) advance(w http.ResponseWriter, r *http.Request) {
	var req callerReq
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	res, err := h.svc.AdvanceRound(r.Context(), chi.URLParam(r, "id"), req.Caller)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) settle(w http.ResponseWriter, r *http.Request) {
	var req callerReq
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	res, err := h.svc.Settle(r.Context(), chi.URLParam(r, "id"), req.Caller)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) seed(w http.ResponseWriter, r *http.Request) {
	rev, err := h.svc.RevealSeed(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	evs, err := h.svc.SessionEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if evs == nil {
		evs = []storage.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}
