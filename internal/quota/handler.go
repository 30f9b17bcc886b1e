package quota

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/quotaline/quotaline/internal/api"
)

// Handler provides the HTTP surface over the engine and the
// reservation manager.
type Handler struct {
	engine   *Engine
	manager  *ReservationManager
	validate *validator.Validate
}

func NewHandler(engine *Engine, manager *ReservationManager) *Handler {
	return &Handler{
		engine:   engine,
		manager:  manager,
		validate: validator.New(),
	}
}

type ConsumeRequest struct {
	Amount         int64          `json:"amount" validate:"required,gt=0"`
	IdempotencyKey string         `json:"idempotency_key" validate:"required,max=128"`
	Metadata       map[string]any `json:"metadata" validate:"omitempty,max=32"`
}

type RollbackRequest struct {
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=128"`
	Reason         string `json:"reason" validate:"max=256"`
}

type ReserveRequest struct {
	Amount        int64  `json:"amount" validate:"required,gt=0"`
	ReferenceType string `json:"reference_type" validate:"required,max=64"`
	ReferenceID   string `json:"reference_id" validate:"required,max=128"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"max=256"`
}

// CanConsume handles GET /v1/accounts/{accountID}/can-consume?amount=N.
func (h *Handler) CanConsume(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil || amount <= 0 {
		api.HandleError(w, api.NewBadRequestError("amount must be a positive integer"))
		return
	}

	result, err := h.engine.CanConsume(r.Context(), accountID, amount)
	if err != nil {
		handleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, result)
}

// Consume handles POST /v1/accounts/{accountID}/consume.
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewBadRequestError(err.Error()))
		return
	}

	result, err := h.engine.Consume(r.Context(), accountID, req.Amount, req.IdempotencyKey, req.Metadata)
	if err != nil {
		handleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, result)
}

// Rollback handles POST /v1/accounts/{accountID}/rollback.
func (h *Handler) Rollback(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	var req RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewBadRequestError(err.Error()))
		return
	}

	result, err := h.engine.Rollback(r.Context(), accountID, req.Amount, req.IdempotencyKey, req.Reason)
	if err != nil {
		handleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, result)
}

// Reserve handles POST /v1/accounts/{accountID}/reservations.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	var req ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewBadRequestError(err.Error()))
		return
	}

	result, err := h.manager.Reserve(r.Context(), accountID, req.Amount, req.ReferenceType, req.ReferenceID)
	if err != nil {
		handleError(w, err)
		return
	}
	api.JSON(w, http.StatusCreated, result)
}

// Confirm handles POST /v1/reservations/{reservationKey}/confirm.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "reservationKey")

	result, err := h.manager.Confirm(r.Context(), key)
	if err != nil {
		handleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, result)
}

// Cancel handles POST /v1/reservations/{reservationKey}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "reservationKey")

	var req CancelRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.HandleError(w, api.ErrBadRequest)
			return
		}
		if err := h.validate.Struct(req); err != nil {
			api.HandleError(w, api.NewBadRequestError(err.Error()))
			return
		}
	}

	result, err := h.manager.Cancel(r.Context(), key, req.Reason)
	if err != nil {
		handleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, result)
}

// Snapshot handles GET /v1/accounts/{accountID}/snapshot.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	snap, err := h.engine.GetSnapshot(r.Context(), accountID)
	if err != nil {
		handleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, snap)
}

// handleError translates domain errors into API errors before handing
// them to the generic writer. Unknown errors stay opaque 500s.
func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		api.HandleError(w, api.NewBadRequestError(err.Error()))
	case IsInsufficientQuota(err), errors.Is(err, ErrDuplicateKey):
		api.HandleError(w, api.NewConflictError(err.Error()))
	case errors.Is(err, ErrNoActiveAccount), errors.Is(err, ErrReservationNotFound):
		api.HandleError(w, api.NewNotFoundError(err.Error()))
	case errors.Is(err, ErrAccountExpired), errors.Is(err, ErrReservationExpired):
		api.HandleError(w, api.NewGoneError(err.Error()))
	default:
		slog.Error("quota: request failed", "error", err)
		api.HandleError(w, api.ErrInternalServer)
	}
}
