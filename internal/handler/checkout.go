package handler

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
)

type cartProduct struct {
	ID       string          `json:"id"`
	LegacyID string          `json:"_id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
	Image    string          `json:"image"`
}

type createSessionRequest struct {
	Products   []cartProduct `json:"products"`
	CouponCode string        `json:"couponCode"`
}

type createSessionResponse struct {
	SessionID   string  `json:"sessionId"`
	TotalAmount float64 `json:"totalAmount"`
}

type checkoutSuccessRequest struct {
	SessionID string `json:"sessionId"`
}

type checkoutSuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	OrderID string `json:"orderId"`
}

// CreateSession opens a payment session for the submitted cart.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	items := make([]checkout.LineItem, len(req.Products))
	for i, p := range req.Products {
		id := p.ID
		if id == "" {
			id = p.LegacyID
		}
		items[i] = checkout.LineItem{
			ProductID: id,
			Name:      p.Name,
			Price:     p.Price,
			Quantity:  p.Quantity,
			Image:     p.Image,
		}
	}

	res, err := h.checkout.CreateSession(r.Context(), principal(r), checkout.CreateSessionRequest{
		Items:      items,
		CouponCode: req.CouponCode,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, createSessionResponse{
		SessionID:   res.SessionID,
		TotalAmount: res.TotalAmount.InexactFloat64(),
	})
}

// CheckoutSuccess settles a paid session into an order.
func (h *Handler) CheckoutSuccess(w http.ResponseWriter, r *http.Request) {
	var req checkoutSuccessRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.checkout.Settle(r.Context(), principal(r), req.SessionID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	msg := "Payment successful, order created"
	if !res.Created {
		msg = "Order already created for this session"
	}
	writeJSON(w, http.StatusOK, checkoutSuccessResponse{
		Success: true,
		Message: msg,
		OrderID: res.Order.ID,
	})
}
