package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

const (
	createOrderSQL = `INSERT INTO orders (id, user_id, items, total, payment_session_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	getOrderBySessionSQL = `SELECT id, user_id, items, total, payment_session_id, created_at
		FROM orders WHERE payment_session_id = $1`

	orderSessionConstraint = "orders_payment_session_id_key"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order. The order items are serialized to JSON for
// storage in the JSONB column. A second order for the same payment session
// fails with order.ErrDuplicateSession.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}

	_, err = r.pool.Exec(ctx, createOrderSQL,
		o.ID, o.UserID, itemsJSON, o.Total, o.PaymentSessionID, o.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, orderSessionConstraint) {
			return order.ErrDuplicateSession
		}
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}

	return nil
}

// GetBySession returns the order created for the payment session.
func (r *OrderRepository) GetBySession(ctx context.Context, sessionID string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderBySessionSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("getting order for session %q: %w", sessionID, err)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order for session %q: %w", sessionID, err)
	}
	return &o, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o         order.Order
		itemsJSON []byte
	)
	if err := row.Scan(&o.ID, &o.UserID, &itemsJSON, &o.Total, &o.PaymentSessionID, &o.CreatedAt); err != nil {
		return o, err
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return o, fmt.Errorf("unmarshaling order items: %w", err)
	}
	return o, nil
}
