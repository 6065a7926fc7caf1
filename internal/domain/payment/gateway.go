// Package payment defines the boundary to the external payment processor.
//
// Amounts crossing this boundary are always integer minor currency units.
package payment

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
)

// ErrGateway matches every failure reported by a Gateway implementation.
var ErrGateway = errors.New("payment gateway error")

// GatewayError describes a failed gateway call.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrGateway) hold for every GatewayError.
func (e *GatewayError) Is(target error) bool { return target == ErrGateway }

// Status is the payment status of a checkout session.
type Status string

const (
	StatusPaid              Status = "paid"
	StatusUnpaid            Status = "unpaid"
	StatusNoPaymentRequired Status = "no_payment_required"
)

// LineItem is a priced line as shown on the hosted checkout page.
type LineItem struct {
	Name       string
	ImageURL   string
	UnitAmount int64
	Quantity   int64
}

// SessionRequest holds everything needed to open a checkout session.
type SessionRequest struct {
	LineItems  []LineItem
	DiscountID string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
	// IdempotencyKey lets the gateway deduplicate retried creations.
	IdempotencyKey string
}

// Session is the gateway's view of a checkout session.
type Session struct {
	ID            string
	PaymentStatus Status
	AmountTotal   int64
	Metadata      map[string]string
}

// Paid reports whether the session may be fulfilled: either the payment
// succeeded or a full discount left nothing to pay.
func (s *Session) Paid() bool {
	return s.PaymentStatus == StatusPaid || s.PaymentStatus == StatusNoPaymentRequired
}

// Gateway is the external payment processor. Implementations must be assumed
// to fail or time out independently of the local store.
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	RetrieveSession(ctx context.Context, id string) (*Session, error)
	// CreatePercentDiscount registers a single-use percentage discount and
	// returns the gateway token to attach to a session.
	CreatePercentDiscount(ctx context.Context, percent int) (string, error)
}
