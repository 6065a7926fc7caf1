package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Code: status, Message: msg})
}

// handleError maps domain errors to responses. Server-side failures are
// logged with their cause and answered with a generic message.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var itemErr *checkout.InvalidItemError
	switch {
	case errors.As(err, &itemErr):
		writeError(w, http.StatusBadRequest, itemErr.Error())
	case errors.Is(err, checkout.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid checkout request")
	case errors.Is(err, coupon.ErrNotFound):
		writeError(w, http.StatusNotFound, "Invalid coupon code")
	case errors.Is(err, coupon.ErrExpired):
		writeError(w, http.StatusNotFound, "Coupon has expired")
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, checkout.ErrSessionOwner):
		writeError(w, http.StatusForbidden, "checkout session belongs to another user")
	case errors.Is(err, checkout.ErrPaymentIncomplete):
		writeJSON(w, http.StatusConflict, checkoutSuccessResponse{
			Success: false,
			Message: "Payment not completed",
		})
	default:
		lg := zctx.From(r.Context())
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		}
		switch {
		case errors.Is(err, payment.ErrGateway):
			lg.Error("Payment gateway failure", fields...)
		case errors.Is(err, checkout.ErrCorruptSession):
			lg.Error("Corrupt checkout session", fields...)
		default:
			lg.Error("Internal error", fields...)
		}
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
