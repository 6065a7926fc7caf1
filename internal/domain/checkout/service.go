// Package checkout prices carts, opens payment sessions and settles paid
// sessions into orders.
package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// DefaultGiftThreshold is the discounted total, in minor units, from which a
// checkout earns a gift coupon.
const DefaultGiftThreshold int64 = 20000

// DefaultPublishTimeout bounds how long a settlement waits on its event.
const DefaultPublishTimeout = 2 * time.Second

// LineItem is a cart line submitted for checkout.
type LineItem struct {
	ProductID string
	Name      string
	Price     decimal.Decimal
	Quantity  int
	Image     string
}

// CreateSessionRequest holds the input for opening a checkout session.
type CreateSessionRequest struct {
	Items      []LineItem
	CouponCode string
}

// CreateSessionResult holds the output of a successfully opened session.
type CreateSessionResult struct {
	SessionID   string
	TotalCents  int64
	TotalAmount decimal.Decimal
	// CouponCode is the code whose discount was applied, if any.
	CouponCode string
}

// SettleResult holds the order produced by a settled session. Created is false
// when the session had already been settled.
type SettleResult struct {
	Order   *order.Order
	Created bool
}

// Coupons is the coupon functionality checkout depends on.
type Coupons interface {
	// Lookup returns the user's coupon with the given code if it may be
	// honoured now, or nil.
	Lookup(ctx context.Context, code, userID string) (*coupon.Coupon, error)
	IssueGift(ctx context.Context, userID string) (*coupon.Coupon, error)
	Deactivate(ctx context.Context, code, userID string) error
}

// SettledRef remembers the order a payment session produced.
type SettledRef struct {
	OrderID string
	UserID  string
}

// SettledCache short-circuits repeated settlement of the same session.
type SettledCache interface {
	// Get returns nil, nil on a cache miss.
	Get(ctx context.Context, sessionID string) (*SettledRef, error)
	Set(ctx context.Context, sessionID string, ref SettledRef) error
}

// EventPublisher announces newly settled orders.
type EventPublisher interface {
	OrderSettled(ctx context.Context, o *order.Order, couponCode string) error
}

// Config holds non-dependency configuration for the Service.
type Config struct {
	SuccessURL     string
	CancelURL      string
	GiftThreshold  int64
	// PublishTimeout bounds the best-effort order event.
	PublishTimeout time.Duration
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithSettledCache enables the settled-session cache.
func WithSettledCache(c SettledCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithEventPublisher enables order events.
func WithEventPublisher(p EventPublisher) Option {
	return func(s *Service) { s.events = p }
}

// WithMeterProvider sets the meter provider used for checkout counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.meterProvider = mp }
}

// Service orchestrates checkout and settlement.
type Service struct {
	gateway payment.Gateway
	coupons Coupons
	orders  order.Repository
	cache   SettledCache
	events  EventPublisher
	cfg     Config

	meterProvider metric.MeterProvider
	metrics       *metrics

	now    func() time.Time
	newKey func() string
}

// NewService creates a checkout Service with the required domain dependencies.
func NewService(
	gateway payment.Gateway,
	coupons Coupons,
	orders order.Repository,
	cfg Config,
	opts ...Option,
) (*Service, error) {
	if cfg.GiftThreshold <= 0 {
		cfg.GiftThreshold = DefaultGiftThreshold
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	s := &Service{
		gateway:       gateway,
		coupons:       coupons,
		orders:        orders,
		cfg:           cfg,
		meterProvider: otel.GetMeterProvider(),
		now:           time.Now,
		newKey:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}

	m, err := newMetrics(s.meterProvider.Meter("github.com/xenking/kart-checkout/checkout"))
	if err != nil {
		return nil, errors.Wrap(err, "create metrics")
	}
	s.metrics = m

	return s, nil
}

// CreateSession prices the cart in minor units, applies the coupon when it is
// usable, opens a gateway session and awards a gift coupon for large orders.
// An unusable coupon code is ignored rather than rejected.
func (s *Service) CreateSession(ctx context.Context, p auth.Principal, req CreateSessionRequest) (*CreateSessionResult, error) {
	if err := validateItems(req.Items); err != nil {
		return nil, err
	}

	total := Subtotal(req.Items)

	var usable *coupon.Coupon
	if req.CouponCode != "" {
		c, err := s.coupons.Lookup(ctx, req.CouponCode, p.UserID)
		if err != nil {
			return nil, errors.Wrap(err, "lookup coupon")
		}
		usable = c
	}

	var couponCode string
	if usable != nil {
		total = ApplyDiscount(total, usable.DiscountPercentage)
		couponCode = usable.Code
	}

	lineItems := make([]payment.LineItem, len(req.Items))
	snapshot := make([]payment.SnapshotItem, len(req.Items))
	for i, it := range req.Items {
		lineItems[i] = payment.LineItem{
			Name:       it.Name,
			ImageURL:   it.Image,
			UnitAmount: UnitCents(it.Price),
			Quantity:   int64(it.Quantity),
		}
		snapshot[i] = payment.SnapshotItem{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Price:     it.Price,
		}
	}
	metadata, err := payment.EncodeMetadata(payment.Metadata{
		UserID:     p.UserID,
		CouponCode: couponCode,
		Items:      snapshot,
	})
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidRequest, "cart too large: %v", err)
	}

	var discountID string
	if usable != nil {
		discountID, err = s.gateway.CreatePercentDiscount(ctx, usable.DiscountPercentage)
		if err != nil {
			return nil, errors.Wrap(err, "create discount")
		}
	}

	session, err := s.gateway.CreateSession(ctx, payment.SessionRequest{
		LineItems:      lineItems,
		DiscountID:     discountID,
		SuccessURL:     s.cfg.SuccessURL,
		CancelURL:      s.cfg.CancelURL,
		Metadata:       metadata,
		IdempotencyKey: s.newKey(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "create session")
	}
	s.metrics.sessions.Add(ctx, 1)

	// The threshold is checked against the discounted total.
	if total >= s.cfg.GiftThreshold {
		s.issueGift(ctx, p.UserID, session.ID)
	}

	return &CreateSessionResult{
		SessionID:   session.ID,
		TotalCents:  total,
		TotalAmount: ToMajor(total),
		CouponCode:  couponCode,
	}, nil
}

// issueGift awards a gift coupon. Failures never fail the checkout.
func (s *Service) issueGift(ctx context.Context, userID, sessionID string) {
	lg := zctx.From(ctx)
	c, err := s.coupons.IssueGift(ctx, userID)
	if err != nil {
		s.metrics.giftFailures.Add(ctx, 1)
		lg.Warn("Gift coupon issuance failed",
			zap.String("user_id", userID),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return
	}
	s.metrics.gifts.Add(ctx, 1)
	lg.Info("Gift coupon issued",
		zap.String("user_id", userID),
		zap.String("coupon_code", c.Code),
	)
}

// Settle turns a paid session into exactly one order. The order is written
// before the coupon is deactivated; a repeated call for the same session
// returns the existing order and re-runs the idempotent deactivation.
func (s *Service) Settle(ctx context.Context, p auth.Principal, sessionID string) (*SettleResult, error) {
	if sessionID == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "session id required")
	}
	lg := zctx.From(ctx).With(zap.String("session_id", sessionID))

	if res, ok, err := s.settledFromCache(ctx, p, sessionID); ok || err != nil {
		return res, err
	}

	session, err := s.gateway.RetrieveSession(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "retrieve session")
	}
	if !session.Paid() {
		return nil, errors.Wrapf(ErrPaymentIncomplete, "status %q", session.PaymentStatus)
	}

	meta, err := payment.DecodeMetadata(session.Metadata)
	if err != nil {
		return nil, &CorruptSessionError{SessionID: sessionID, Err: err}
	}
	if meta.UserID != p.UserID {
		return nil, ErrSessionOwner
	}

	items := make([]order.Item, len(meta.Items))
	for i, it := range meta.Items {
		items[i] = order.Item{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Price:     it.Price,
		}
	}

	o := &order.Order{
		ID:               uuid.NewString(),
		UserID:           meta.UserID,
		Items:            items,
		Total:            ToMajor(session.AmountTotal),
		PaymentSessionID: sessionID,
		CreatedAt:        s.now(),
	}
	created := true
	if err := s.orders.Create(ctx, o); err != nil {
		if !errors.Is(err, order.ErrDuplicateSession) {
			return nil, errors.Wrap(err, "create order")
		}
		existing, err := s.orders.GetBySession(ctx, sessionID)
		if err != nil {
			return nil, errors.Wrap(err, "get settled order")
		}
		o, created = existing, false
	}

	if meta.CouponCode != "" {
		if err := s.coupons.Deactivate(ctx, meta.CouponCode, meta.UserID); err != nil {
			lg.Error("Coupon deactivation failed after order was recorded",
				zap.String("order_id", o.ID),
				zap.String("user_id", meta.UserID),
				zap.String("coupon_code", meta.CouponCode),
				zap.Error(err),
			)
			return nil, errors.Wrap(err, "deactivate coupon")
		}
	}

	if created {
		s.metrics.settled.Add(ctx, 1)
		lg.Info("Order settled",
			zap.String("order_id", o.ID),
			zap.String("user_id", o.UserID),
			zap.Stringer("total", o.Total),
		)
		if s.events != nil {
			s.publishSettled(ctx, lg, o, meta.CouponCode)
		}
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, sessionID, SettledRef{OrderID: o.ID, UserID: o.UserID}); err != nil {
			lg.Warn("Cache settled session failed", zap.Error(err))
		}
	}

	return &SettleResult{Order: o, Created: created}, nil
}

func (s *Service) publishSettled(ctx context.Context, lg *zap.Logger, o *order.Order, couponCode string) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()
	if err := s.events.OrderSettled(ctx, o, couponCode); err != nil {
		lg.Warn("Publish order settled event failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

// settledFromCache answers a repeated settlement without calling the gateway.
// Cache failures degrade to a miss.
func (s *Service) settledFromCache(ctx context.Context, p auth.Principal, sessionID string) (*SettleResult, bool, error) {
	if s.cache == nil {
		return nil, false, nil
	}
	ref, err := s.cache.Get(ctx, sessionID)
	if err != nil {
		zctx.From(ctx).Warn("Settled session cache lookup failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return nil, false, nil
	}
	if ref == nil {
		return nil, false, nil
	}
	if ref.UserID != p.UserID {
		return nil, true, ErrSessionOwner
	}
	return &SettleResult{
		Order:   &order.Order{ID: ref.OrderID, UserID: ref.UserID, PaymentSessionID: sessionID},
		Created: false,
	}, true, nil
}

func validateItems(items []LineItem) error {
	if len(items) == 0 {
		return errors.Wrap(ErrInvalidRequest, "no items")
	}
	for i, it := range items {
		switch {
		case it.ProductID == "":
			return &InvalidItemError{Index: i, Reason: "product id required"}
		case it.Name == "":
			return &InvalidItemError{Index: i, Reason: "product name required"}
		case it.Quantity < 1:
			return &InvalidItemError{Index: i, Reason: "quantity must be at least 1"}
		case it.Quantity > MaxQuantity:
			return &InvalidItemError{Index: i, Reason: fmt.Sprintf("quantity must be at most %d", MaxQuantity)}
		case it.Price.IsNegative():
			return &InvalidItemError{Index: i, Reason: "price must not be negative"}
		case unitCents(it.Price).GreaterThan(maxUnitCents):
			return &InvalidItemError{Index: i, Reason: "price exceeds the per-item maximum"}
		}
	}
	return nil
}
