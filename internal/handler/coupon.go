package handler

import (
	"net/http"
	"time"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

type couponResponse struct {
	ID                 int64     `json:"id"`
	UserID             string    `json:"userId"`
	Code               string    `json:"code"`
	DiscountPercentage int       `json:"discountPercentage"`
	ExpiresAt          time.Time `json:"expiresAt"`
	IsActive           bool      `json:"isActive"`
	CreatedAt          time.Time `json:"createdAt"`
}

type validateCouponRequest struct {
	Code string `json:"code"`
}

type validateCouponResponse struct {
	Message            string `json:"message"`
	Code               string `json:"code"`
	DiscountPercentage int    `json:"discountPercentage"`
}

// ActiveCoupon returns the caller's active coupon, or null.
func (h *Handler) ActiveCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.coupons.GetActive(r.Context(), principal(r).UserID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if c == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, toCouponResponse(c))
}

// ValidateCoupon checks a code, deactivating it when it has expired.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var req validateCouponRequest
	if err := decodeBody(w, r, &req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "coupon code is required")
		return
	}

	c, err := h.coupons.Validate(r.Context(), req.Code, principal(r).UserID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, validateCouponResponse{
		Message:            "Coupon is valid",
		Code:               c.Code,
		DiscountPercentage: c.DiscountPercentage,
	})
}

func toCouponResponse(c *coupon.Coupon) couponResponse {
	return couponResponse{
		ID:                 c.ID,
		UserID:             c.UserID,
		Code:               c.Code,
		DiscountPercentage: c.DiscountPercentage,
		ExpiresAt:          c.ExpiresAt,
		IsActive:           c.Active,
		CreatedAt:          c.CreatedAt,
	}
}
