package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

const (
	couponColumns = `id, user_id, code, discount_percentage, expires_at, is_active, created_at`

	findActiveCouponSQL = `SELECT ` + couponColumns + `
		FROM coupons WHERE user_id = $1 AND is_active
		ORDER BY created_at DESC LIMIT 1`

	findActiveCouponByCodeSQL = `SELECT ` + couponColumns + `
		FROM coupons WHERE code = $1 AND user_id = $2 AND is_active`

	deactivateCouponSQL = `UPDATE coupons SET is_active = FALSE WHERE id = $1 AND is_active`

	deactivateCouponByCodeSQL = `UPDATE coupons SET is_active = FALSE
		WHERE code = $1 AND user_id = $2 AND is_active`

	deleteUserCouponsSQL = `DELETE FROM coupons WHERE user_id = $1`

	insertCouponSQL = `INSERT INTO coupons (user_id, code, discount_percentage, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindActive returns the user's active coupon.
func (r *CouponRepository) FindActive(ctx context.Context, userID string) (*coupon.Coupon, error) {
	return r.findOne(ctx, findActiveCouponSQL, userID)
}

// FindActiveByCode returns the user's active coupon with the given code.
// Codes are matched exactly.
func (r *CouponRepository) FindActiveByCode(ctx context.Context, code, userID string) (*coupon.Coupon, error) {
	return r.findOne(ctx, findActiveCouponByCodeSQL, code, userID)
}

func (r *CouponRepository) findOne(ctx context.Context, query string, args ...any) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("finding coupon: %w", err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon: %w", err)
	}
	return &c, nil
}

// Deactivate clears the active flag of the coupon with the given id.
func (r *CouponRepository) Deactivate(ctx context.Context, id int64) error {
	if _, err := r.pool.Exec(ctx, deactivateCouponSQL, id); err != nil {
		return fmt.Errorf("deactivating coupon %d: %w", id, err)
	}
	return nil
}

// DeactivateByCode clears the active flag of the user's coupon with the given
// code. The conditional update makes concurrent calls converge.
func (r *CouponRepository) DeactivateByCode(ctx context.Context, code, userID string) error {
	if _, err := r.pool.Exec(ctx, deactivateCouponByCodeSQL, code, userID); err != nil {
		return fmt.Errorf("deactivating coupon %q: %w", code, err)
	}
	return nil
}

// Replace deletes every coupon of c.UserID and inserts c in one transaction.
func (r *CouponRepository) Replace(ctx context.Context, c *coupon.Coupon) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deleteUserCouponsSQL, c.UserID); err != nil {
			return fmt.Errorf("deleting coupons of %q: %w", c.UserID, err)
		}
		err := tx.QueryRow(ctx, insertCouponSQL,
			c.UserID, c.Code, c.DiscountPercentage, c.ExpiresAt, c.Active,
		).Scan(&c.ID, &c.CreatedAt)
		if err != nil {
			return fmt.Errorf("inserting coupon for %q: %w", c.UserID, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replacing coupon: %w", err)
	}
	return nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c       coupon.Coupon
		percent int32
	)
	err := row.Scan(&c.ID, &c.UserID, &c.Code, &percent, &c.ExpiresAt, &c.Active, &c.CreatedAt)
	c.DiscountPercentage = int(percent)
	return c, err
}
