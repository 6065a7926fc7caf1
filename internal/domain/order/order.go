package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no order matches the lookup.
	ErrNotFound = errors.New("order not found")
	// ErrDuplicateSession is returned by Repository.Create when an order for
	// the same payment session already exists.
	ErrDuplicateSession = errors.New("order for payment session already exists")
)

// Order is a completed purchase. Orders are immutable once created.
type Order struct {
	ID               string
	UserID           string
	Items            []Item
	Total            decimal.Decimal
	PaymentSessionID string
	CreatedAt        time.Time
}

// Item is a single purchased line item as captured at checkout time.
type Item struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create persists a new order. It returns ErrDuplicateSession when an
	// order already exists for o.PaymentSessionID.
	Create(ctx context.Context, o *Order) error
	// GetBySession returns the order created for the given payment session.
	GetBySession(ctx context.Context, sessionID string) (*Order, error)
}
