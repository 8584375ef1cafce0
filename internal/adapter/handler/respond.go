package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/purchase-engine/internal/core/domain"
)

type purchaseResponse struct {
	ID          string          `json:"id"`
	BuyerID     string          `json:"buyer_id"`
	ProductID   string          `json:"product_id"`
	Quantity    int             `json:"quantity"`
	TotalPrice  decimal.Decimal `json:"total_price"`
	PurchasedAt time.Time       `json:"purchased_at"`
}

func toPurchaseResponse(p domain.Purchase) purchaseResponse {
	return purchaseResponse{
		ID:          p.ID,
		BuyerID:     p.BuyerID,
		ProductID:   p.ProductID,
		Quantity:    p.Quantity,
		TotalPrice:  p.TotalPrice,
		PurchasedAt: p.PurchasedAt,
	}
}

func toPurchaseResponses(list []domain.Purchase) []purchaseResponse {
	out := make([]purchaseResponse, 0, len(list))
	for _, p := range list {
		out = append(out, toPurchaseResponse(p))
	}
	return out
}

func RespondJSON(w http.ResponseWriter, logger *slog.Logger, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}

	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to encode response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}

func RespondError(w http.ResponseWriter, logger *slog.Logger, status int, message string) {
	RespondJSON(w, logger, status, map[string]string{"error": message})
}

// statusFor maps a service failure to its HTTP status and client message.
func statusFor(err error) (int, string) {
	switch domain.KindOf(err) {
	case domain.ErrInvalidArgument:
		return http.StatusBadRequest, domain.Reason(err)
	case domain.ErrNotFound:
		return http.StatusNotFound, domain.Reason(err)
	case domain.ErrInsufficientStock:
		return http.StatusGone, domain.Reason(err)
	case domain.ErrDuplicateRequest:
		return http.StatusConflict, domain.Reason(err)
	case domain.ErrConcurrencyConflict:
		return http.StatusServiceUnavailable, domain.Reason(err)
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
