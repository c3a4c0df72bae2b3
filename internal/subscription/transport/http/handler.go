package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"tonpass/internal/api/dto"
	"tonpass/internal/payment/oracle"
	"tonpass/internal/subscription"
	"tonpass/internal/subscription/service"
	"tonpass/pkg/middleware"
)

type SubscriptionService interface {
	Activate(ctx context.Context, in service.ActivateInput) (*subscription.Record, error)
	Disconnect(ctx context.Context, userID int64) (bool, error)
	GetSubscription(ctx context.Context, userID int64) (*subscription.Record, error)
}

type RateSource interface {
	Ticker(ctx context.Context) (*oracle.Ticker, error)
}

type UserDirectory interface {
	UserInfo(ctx context.Context, userID int64) (*subscription.UserInfo, error)
}

type Handler struct {
	subs   SubscriptionService
	rates  RateSource
	users  UserDirectory
	logger *slog.Logger
	now    func() time.Time
}

func NewSubscriptionHandler(subs SubscriptionService, rates RateSource, users UserDirectory, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{subs: subs, rates: rates, users: users, logger: logger, now: time.Now}
}

// Routes регистрирует публичные маршруты и маршруты оператора.
// admin - middleware авторизации оператора для disconnect.
func (h *Handler) Routes(r chi.Router, admin func(http.Handler) http.Handler) {
	r.With(middleware.ValidateRequest).Post("/api/payment/activate", h.Activate)
	r.Get("/api/rate", h.Rate)
	r.Get("/api/users/{id}", h.UserInfo)
	r.Get("/api/users/{id}/subscription", h.Subscription)

	r.Group(func(pr chi.Router) {
		pr.Use(admin, middleware.ValidateRequest)
		pr.Post("/api/payment/disconnect", h.Disconnect)
	})
}

func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	var req dto.ActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, middleware.ErrorResponse{Error: "invalid JSON", Details: err.Error()})
		return
	}
	if err := dto.Validate.Struct(req); err != nil {
		middleware.HandleValidationError(w, err)
		return
	}

	plan, err := subscription.ParsePlan(req.Plan)
	if err != nil {
		h.writeError(w, err)
		return
	}

	rec, err := h.subs.Activate(r.Context(), service.ActivateInput{
		UserID:  req.UserID,
		TxHash:  req.TxHash,
		Plan:    plan,
		Profile: req.Profile,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dto.SuccessResponse{Success: true, Subscription: rec})
}

func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	var req dto.DisconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, middleware.ErrorResponse{Error: "invalid JSON", Details: err.Error()})
		return
	}
	if err := dto.Validate.Struct(req); err != nil {
		middleware.HandleValidationError(w, err)
		return
	}

	removed, err := h.subs.Disconnect(r.Context(), req.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dto.DisconnectResponse{Success: true, Removed: removed})
}

func (h *Handler) Rate(w http.ResponseWriter, r *http.Request) {
	t, err := h.rates.Ticker(r.Context())
	if err != nil {
		h.logger.Warn("rate lookup failed", "err", err)
		middleware.WriteError(w, http.StatusServiceUnavailable, middleware.ErrorResponse{Error: "exchange rate unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, dto.RateResponse{Price: t.Price.String(), Indicator: t.Indicator})
}

func (h *Handler) UserInfo(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	info, err := h.users.UserInfo(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) Subscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	rec, err := h.subs.GetSubscription(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.SubscriptionResponse{Record: *rec, Active: rec.Active(h.now())})
}

// writeError переводит доменную ошибку в HTTP-статус
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var (
		verr *subscription.ValidationError
		serr *subscription.StorageError
	)

	switch {
	case errors.As(err, &verr):
		middleware.WriteError(w, http.StatusBadRequest, middleware.ErrorResponse{Error: "validation failed", Details: verr.Reason, Field: verr.Field})
	case errors.Is(err, subscription.ErrInsufficientPayment):
		middleware.WriteError(w, http.StatusPaymentRequired, middleware.ErrorResponse{Error: "insufficient payment", Details: err.Error()})
	case errors.Is(err, subscription.ErrMalformedTransaction):
		middleware.WriteError(w, http.StatusPaymentRequired, middleware.ErrorResponse{Error: "malformed transaction", Details: err.Error()})
	case errors.Is(err, subscription.ErrOracleUnavailable):
		middleware.WriteError(w, http.StatusServiceUnavailable, middleware.ErrorResponse{Error: "exchange rate unavailable"})
	case errors.Is(err, subscription.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrorResponse{Error: "not found"})
	case errors.As(err, &serr):
		h.logger.Error("storage failure", "op", serr.Op, "err", serr.Err)
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrorResponse{Error: "internal error"})
	default:
		h.logger.Error("request failed", "err", err)
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrorResponse{Error: "internal error"})
	}
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		middleware.WriteError(w, http.StatusBadRequest, middleware.ErrorResponse{Error: "invalid user id", Field: "id"})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
