// Package handler exposes the purchase engine over HTTP and gRPC.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/rl1809/purchase-engine/internal/core/domain"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	retryAfterSeconds    = 1
)

// PurchaseService is the part of the engine the transports call.
type PurchaseService interface {
	CreatePurchaseOnce(ctx context.Context, requestKey, buyerID, productID string, quantity int) (domain.Purchase, error)
	CancelPurchase(ctx context.Context, purchaseID string) (domain.Purchase, error)
	GetPurchase(ctx context.Context, purchaseID string) (domain.Purchase, error)
	ListPurchases(ctx context.Context) ([]domain.Purchase, error)
	ListPurchasesByBuyer(ctx context.Context, buyerID string) ([]domain.Purchase, error)
	ListPurchasesBetween(ctx context.Context, from, to time.Time) ([]domain.Purchase, error)
	AvailableStock(ctx context.Context, productID string) (int, error)
}

type HTTPHandler struct {
	service  PurchaseService
	metrics  http.Handler
	validate *validator.Validate
	logger   *slog.Logger
}

type CreatePurchaseRequest struct {
	BuyerID   string `json:"buyer_id" validate:"max=255"`
	ProductID string `json:"product_id" validate:"required,max=64"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

type stockResponse struct {
	ProductID string `json:"product_id"`
	Available int    `json:"available"`
}

// NewHTTPHandler returns the HTTP adapter. metrics may be nil, in which case
// /metrics is not served.
func NewHTTPHandler(service PurchaseService, metrics http.Handler, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{
		service:  service,
		metrics:  metrics,
		validate: validator.New(),
		logger:   logger.With("component", "http"),
	}
}

func (h *HTTPHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/purchases", func(r chi.Router) {
			r.Post("/", h.CreatePurchase)
			r.Get("/", h.ListPurchases)
			r.Get("/{id}", h.GetPurchase)
			r.Delete("/{id}", h.CancelPurchase)
		})
		r.Get("/products/{id}/stock", h.AvailableStock)
	})
	r.Get("/health", h.HealthCheck)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
}

func (h *HTTPHandler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req CreatePurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(r.Context(), "failed to decode request body", "error", err)
		RespondError(w, h.logger, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			fields := make(map[string]string)
			for _, fieldErr := range validationErrors {
				fields[fieldErr.Field()] = "failed on rule: " + fieldErr.Tag()
			}
			RespondJSON(w, h.logger, http.StatusBadRequest, map[string]any{"validation_errors": fields})
			return
		}
		RespondError(w, h.logger, http.StatusBadRequest, "invalid request body")
		return
	}

	purchase, err := h.service.CreatePurchaseOnce(r.Context(), r.Header.Get(IdempotencyKeyHeader), req.BuyerID, req.ProductID, req.Quantity)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	RespondJSON(w, h.logger, http.StatusCreated, toPurchaseResponse(purchase))
}

// ListPurchases lists every purchase, or only those of ?buyer=, or only those
// made between ?from= and ?to= (RFC 3339, inclusive).
func (h *HTTPHandler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var (
		list []domain.Purchase
		err  error
	)
	switch {
	case query.Has("buyer"):
		list, err = h.service.ListPurchasesByBuyer(r.Context(), query.Get("buyer"))
	case query.Has("from") || query.Has("to"):
		from, perr := time.Parse(time.RFC3339, query.Get("from"))
		if perr != nil {
			RespondError(w, h.logger, http.StatusBadRequest, "from must be an RFC 3339 timestamp")
			return
		}
		to, perr := time.Parse(time.RFC3339, query.Get("to"))
		if perr != nil {
			RespondError(w, h.logger, http.StatusBadRequest, "to must be an RFC 3339 timestamp")
			return
		}
		list, err = h.service.ListPurchasesBetween(r.Context(), from, to)
	default:
		list, err = h.service.ListPurchases(r.Context())
	}
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	RespondJSON(w, h.logger, http.StatusOK, toPurchaseResponses(list))
}

func (h *HTTPHandler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	purchase, err := h.service.GetPurchase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	RespondJSON(w, h.logger, http.StatusOK, toPurchaseResponse(purchase))
}

func (h *HTTPHandler) CancelPurchase(w http.ResponseWriter, r *http.Request) {
	purchase, err := h.service.CancelPurchase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	RespondJSON(w, h.logger, http.StatusOK, toPurchaseResponse(purchase))
}

func (h *HTTPHandler) AvailableStock(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "id")
	available, err := h.service.AvailableStock(r.Context(), productID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	RespondJSON(w, h.logger, http.StatusOK, stockResponse{ProductID: productID, Available: available})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	RespondJSON(w, h.logger, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	RespondError(w, h.logger, status, message)
}
