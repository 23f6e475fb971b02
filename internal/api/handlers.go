// Package api provides the HTTP handlers for accounts, templates, pools
// and wagers, a WebSocket hub that pushes pool events, and per-client rate
// limiting.
//
// All monetary values use shopspring/decimal and are encoded as strings.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/betpool/pool-engine/internal/engine"
	"github.com/betpool/pool-engine/internal/ledger"
	"github.com/betpool/pool-engine/internal/model"
	"github.com/betpool/pool-engine/internal/store"
)

const defaultRecentLimit = 50

// Handler serves the pool engine API. Mutations go through the engine,
// reads straight to the store.
type Handler struct {
	engine *engine.Engine
	store  store.Store
	ledger *ledger.Ledger
}

// NewHandler creates a handler over eng and the store it runs on.
func NewHandler(eng *engine.Engine, st store.Store) *Handler {
	return &Handler{engine: eng, store: st, ledger: ledger.New(st)}
}

// --- Request/Response types ---

// OpenAccountRequest is the JSON body for POST /accounts.
type OpenAccountRequest struct {
	ID             string          `json:"id"` // empty → generated
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

// WagerRequest is the JSON body for POST /pools/{poolID}/wagers.
type WagerRequest struct {
	AccountID string `json:"account_id"`
	Outcome   string `json:"outcome"`
}

// JoinRequest is the JSON body for POST /join.
type JoinRequest struct {
	Code      string `json:"code"`
	AccountID string `json:"account_id"`
	Outcome   string `json:"outcome"`
}

// SettleRequest resolves a pool or template by outcome or final score.
type SettleRequest struct {
	Outcome string `json:"outcome"`
	Score   string `json:"score"` // "{home}-{away}"
}

// InstantiateRequest is the JSON body for POST /templates/{templateID}/instances.
type InstantiateRequest struct {
	Stake     decimal.Decimal `json:"stake"` // zero → template base stake
	CreatorID string          `json:"creator_id"`
}

// TemplateResponse is a template with its instances.
type TemplateResponse struct {
	Template  *model.Template `json:"template"`
	Instances []model.Pool    `json:"instances"`
}

// --- Accounts ---

// OpenAccount handles POST /api/v1/accounts
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if !decode(w, r, &req) {
		return
	}
	acc, err := h.ledger.OpenAccount(r.Context(), req.ID, req.OpeningBalance)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.store.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// GetStatement handles GET /api/v1/accounts/{accountID}/transactions
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	ctx := r.Context()
	if _, err := h.store.GetAccount(ctx, id); err != nil {
		writeDomainError(w, err)
		return
	}
	entries, err := h.store.ListTransactionsByAccount(ctx, id)
	if err != nil {
		writeError(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// AccountPools handles GET /api/v1/accounts/{accountID}/pools?status=
// and lists the pools the account holds a wager on, oldest first.
func (h *Handler) AccountPools(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	ctx := r.Context()
	if _, err := h.store.GetAccount(ctx, id); err != nil {
		writeDomainError(w, err)
		return
	}
	pools, err := h.store.ListPools(ctx, store.PoolFilter{
		Status:    model.PoolStatus(strings.ToUpper(r.URL.Query().Get("status"))),
		AccountID: id,
	})
	if err != nil {
		writeError(w, "failed to list pools", http.StatusInternalServerError)
		return
	}
	if pools == nil {
		pools = []model.Pool{}
	}
	writeJSON(w, http.StatusOK, pools)
}

// AuditAccount handles GET /api/v1/accounts/{accountID}/audit
func (h *Handler) AuditAccount(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.Audit(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Templates ---

// CreateTemplate handles POST /api/v1/templates
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var spec engine.TemplateSpec
	if !decode(w, r, &spec) {
		return
	}
	t, err := h.engine.CreateTemplate(r.Context(), spec)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// CreateTemplates handles POST /api/v1/templates/bulk
func (h *Handler) CreateTemplates(w http.ResponseWriter, r *http.Request) {
	var specs []engine.TemplateSpec
	if !decode(w, r, &specs) {
		return
	}
	out, err := h.engine.CreateTemplates(r.Context(), specs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// GetTemplate handles GET /api/v1/templates/{templateID}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "templateID")
	ctx := r.Context()
	t, err := h.store.GetTemplate(ctx, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	instances, err := h.store.ListPools(ctx, store.PoolFilter{TemplateID: id})
	if err != nil {
		writeError(w, "failed to load instances", http.StatusInternalServerError)
		return
	}
	if instances == nil {
		instances = []model.Pool{}
	}
	writeJSON(w, http.StatusOK, TemplateResponse{Template: t, Instances: instances})
}

// Instantiate handles POST /api/v1/templates/{templateID}/instances
func (h *Handler) Instantiate(w http.ResponseWriter, r *http.Request) {
	var req InstantiateRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.engine.Instantiate(r.Context(), chi.URLParam(r, "templateID"), req.Stake, req.CreatorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// SettleTemplate handles POST /api/v1/templates/{templateID}/settle
// Responds 207 when some instances failed to settle.
func (h *Handler) SettleTemplate(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.SettleTemplate(r.Context(), chi.URLParam(r, "templateID"), req.Outcome, req.Score)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if !res.OK() {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, res)
}

// --- Pools ---

// ListPools handles GET /api/v1/pools?status=OPEN
func (h *Handler) ListPools(w http.ResponseWriter, r *http.Request) {
	f := store.PoolFilter{
		Status:     model.PoolStatus(strings.ToUpper(r.URL.Query().Get("status"))),
		TemplateID: r.URL.Query().Get("template_id"),
	}
	pools, err := h.store.ListPools(r.Context(), f)
	if err != nil {
		writeError(w, "failed to list pools", http.StatusInternalServerError)
		return
	}
	if pools == nil {
		pools = []model.Pool{}
	}
	writeJSON(w, http.StatusOK, pools)
}

// CreatePool handles POST /api/v1/pools
func (h *Handler) CreatePool(w http.ResponseWriter, r *http.Request) {
	var spec engine.PoolSpec
	if !decode(w, r, &spec) {
		return
	}
	p, err := h.engine.CreatePool(r.Context(), spec)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPool handles GET /api/v1/pools/{poolID}
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetPool(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetProjection handles GET /api/v1/pools/{poolID}/projection
func (h *Handler) GetProjection(w http.ResponseWriter, r *http.Request) {
	proj, err := h.engine.Project(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

// PlaceWager handles POST /api/v1/pools/{poolID}/wagers
func (h *Handler) PlaceWager(w http.ResponseWriter, r *http.Request) {
	var req WagerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}
	res, err := h.engine.Admit(r.Context(), chi.URLParam(r, "poolID"), req.AccountID, req.Outcome)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// CancelWager handles DELETE /api/v1/pools/{poolID}/wagers/{accountID}
func (h *Handler) CancelWager(w http.ResponseWriter, r *http.Request) {
	refund, err := h.engine.CancelWager(r.Context(), chi.URLParam(r, "poolID"), chi.URLParam(r, "accountID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

// SettlePool handles POST /api/v1/pools/{poolID}/settle
func (h *Handler) SettlePool(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.Settle(r.Context(), chi.URLParam(r, "poolID"), req.Outcome, req.Score)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelPool handles POST /api/v1/pools/{poolID}/cancel
func (h *Handler) CancelPool(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.CancelPool(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Join handles POST /api/v1/join
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}
	res, err := h.engine.JoinByCode(r.Context(), req.Code, req.AccountID, req.Outcome)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// --- Transaction log ---

// RecentTransactions handles GET /api/v1/transactions/recent?limit=50
func (h *Handler) RecentTransactions(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := h.store.ListRecentTransactions(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps an engine error category to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidState), errors.Is(err, model.ErrDuplicateWager):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidOutcome),
		errors.Is(err, model.ErrInvalidFixture):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrExposureLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrConcurrencyConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	case http.StatusInternalServerError:
		slog.Error("request failed", "err", err)
		if !errors.Is(err, model.ErrInvariantViolation) {
			writeError(w, "internal error", status)
			return
		}
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
