package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrNotFound is returned when no active coupon matches the lookup.
	ErrNotFound = errors.New("coupon not found")
	// ErrExpired is returned when a coupon is past its expiration date. The
	// coupon has been deactivated by the time the caller sees this error.
	ErrExpired = errors.New("coupon expired")
)

// Coupon is a per-user percentage discount grant.
type Coupon struct {
	ID                 int64
	UserID             string
	Code               string
	DiscountPercentage int
	ExpiresAt          time.Time
	Active             bool
	CreatedAt          time.Time
}

// UsableAt reports whether the discount may be honoured at the given instant:
// the coupon must be active and strictly before its expiration.
func (c *Coupon) UsableAt(now time.Time) bool {
	return c.Active && now.Before(c.ExpiresAt)
}

// Repository provides persistence for coupons. Lookups only ever consider
// active coupons.
type Repository interface {
	// FindActive returns the active coupon owned by userID or ErrNotFound.
	FindActive(ctx context.Context, userID string) (*Coupon, error)
	// FindActiveByCode returns the active coupon with the given code owned by
	// userID or ErrNotFound.
	FindActiveByCode(ctx context.Context, code, userID string) (*Coupon, error)
	// Deactivate clears the active flag of the coupon with the given id.
	// Deactivating an already inactive coupon is a no-op.
	Deactivate(ctx context.Context, id int64) error
	// DeactivateByCode clears the active flag of the user's coupon with the
	// given code. It is a no-op when no active coupon matches.
	DeactivateByCode(ctx context.Context, code, userID string) error
	// Replace removes every coupon owned by c.UserID and inserts c, atomically.
	// On success c.ID and c.CreatedAt are populated.
	Replace(ctx context.Context, c *Coupon) error
}
