// Package handler exposes the checkout and coupon operations over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// CheckoutService is the checkout functionality served over HTTP.
type CheckoutService interface {
	CreateSession(ctx context.Context, p auth.Principal, req checkout.CreateSessionRequest) (*checkout.CreateSessionResult, error)
	Settle(ctx context.Context, p auth.Principal, sessionID string) (*checkout.SettleResult, error)
}

// CouponService is the coupon functionality served over HTTP.
type CouponService interface {
	GetActive(ctx context.Context, userID string) (*coupon.Coupon, error)
	Validate(ctx context.Context, code, userID string) (*coupon.Coupon, error)
}

var (
	_ CheckoutService = (*checkout.Service)(nil)
	_ CouponService   = (*coupon.Service)(nil)
)

// Handler serves the storefront API.
type Handler struct {
	checkout CheckoutService
	coupons  CouponService
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(checkout CheckoutService, coupons CouponService) *Handler {
	return &Handler{
		checkout: checkout,
		coupons:  coupons,
	}
}

// Routes returns the API router. Every route requires an authenticated
// principal, so the router is expected to be mounted behind Security.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/checkout", func(r chi.Router) {
		r.Post("/create-session", h.CreateSession)
		r.Post("/checkout-success", h.CheckoutSuccess)
		r.Post("/success", h.CheckoutSuccess)
	})
	r.Route("/coupons", func(r chi.Router) {
		r.Get("/", h.ActiveCoupon)
		r.Post("/validate", h.ValidateCoupon)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// principal returns the authenticated caller. Security guarantees presence.
func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFrom(r.Context())
	return p
}
