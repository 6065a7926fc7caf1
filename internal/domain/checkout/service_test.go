package checkout

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// mockGateway records requests and serves sessions from memory.
type mockGateway struct {
	mu        sync.Mutex
	created   []payment.SessionRequest
	discounts []int
	sessions  map[string]*payment.Session

	createErr   error
	retrieveErr error
}

var _ payment.Gateway = (*mockGateway)(nil)

func newMockGateway() *mockGateway {
	return &mockGateway{sessions: make(map[string]*payment.Session)}
}

func (m *mockGateway) CreateSession(_ context.Context, req payment.SessionRequest) (*payment.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.created = append(m.created, req)
	return &payment.Session{ID: "cs_test_1", PaymentStatus: payment.StatusUnpaid, Metadata: req.Metadata}, nil
}

func (m *mockGateway) RetrieveSession(_ context.Context, id string) (*payment.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retrieveErr != nil {
		return nil, m.retrieveErr
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, &payment.GatewayError{Op: "retrieve session", Err: errors.New("no such session")}
	}
	return s, nil
}

func (m *mockGateway) CreatePercentDiscount(_ context.Context, percent int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discounts = append(m.discounts, percent)
	return "coupon_test", nil
}

// mockCoupons records calls and appends them to a shared journal.
type mockCoupons struct {
	journal *[]string

	usable      map[string]*coupon.Coupon
	lookupErr   error
	giftErr     error
	deactErr    error
	gifts       []string
	deactivated []string
}

var _ Coupons = (*mockCoupons)(nil)

func (m *mockCoupons) Lookup(_ context.Context, code, userID string) (*coupon.Coupon, error) {
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	c, ok := m.usable[code]
	if !ok || c.UserID != userID {
		return nil, nil
	}
	return c, nil
}

func (m *mockCoupons) IssueGift(_ context.Context, userID string) (*coupon.Coupon, error) {
	m.gifts = append(m.gifts, userID)
	if m.giftErr != nil {
		return nil, m.giftErr
	}
	return &coupon.Coupon{UserID: userID, Code: "GIFTAAAA1111", DiscountPercentage: 10}, nil
}

func (m *mockCoupons) Deactivate(_ context.Context, code, _ string) error {
	if m.journal != nil {
		*m.journal = append(*m.journal, "deactivate:"+code)
	}
	if m.deactErr != nil {
		return m.deactErr
	}
	m.deactivated = append(m.deactivated, code)
	return nil
}

// mockOrders enforces one order per payment session like the real store.
type mockOrders struct {
	journal *[]string

	bySession map[string]*order.Order
	createErr error
}

var _ order.Repository = (*mockOrders)(nil)

func newMockOrders() *mockOrders {
	return &mockOrders{bySession: make(map[string]*order.Order)}
}

func (m *mockOrders) Create(_ context.Context, o *order.Order) error {
	if m.journal != nil {
		*m.journal = append(*m.journal, "order:"+o.PaymentSessionID)
	}
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.bySession[o.PaymentSessionID]; ok {
		return order.ErrDuplicateSession
	}
	m.bySession[o.PaymentSessionID] = o
	return nil
}

func (m *mockOrders) GetBySession(_ context.Context, sessionID string) (*order.Order, error) {
	o, ok := m.bySession[sessionID]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o, nil
}

type mockCache struct {
	refs   map[string]SettledRef
	getErr error
}

func (m *mockCache) Get(_ context.Context, sessionID string) (*SettledRef, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	ref, ok := m.refs[sessionID]
	if !ok {
		return nil, nil
	}
	return &ref, nil
}

func (m *mockCache) Set(_ context.Context, sessionID string, ref SettledRef) error {
	m.refs[sessionID] = ref
	return nil
}

type mockPublisher struct {
	orders []string
	err    error
}

func (m *mockPublisher) OrderSettled(_ context.Context, o *order.Order, _ string) error {
	m.orders = append(m.orders, o.ID)
	return m.err
}

var testUser = auth.Principal{UserID: "user-1", KeyID: "key-1"}

func newTestService(t *testing.T, gw *mockGateway, cp *mockCoupons, orders *mockOrders, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithMeterProvider(noop.NewMeterProvider())}, opts...)
	svc, err := NewService(gw, cp, orders, Config{
		SuccessURL: "https://shop.example/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  "https://shop.example/cart",
	}, opts...)
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	svc.newKey = func() string { return "idem-1" }
	return svc
}

func cart() []LineItem {
	return []LineItem{
		{ProductID: "p1", Name: "Waffle", Price: decimal.RequireFromString("12.99"), Quantity: 2, Image: "https://img/p1.png"},
		{ProductID: "p2", Name: "Brownie", Price: decimal.RequireFromString("19.00"), Quantity: 1},
	}
}

func TestService_CreateSession(t *testing.T) {
	gw := newMockGateway()
	cp := &mockCoupons{}
	svc := newTestService(t, gw, cp, newMockOrders())

	res, err := svc.CreateSession(context.Background(), testUser, CreateSessionRequest{Items: cart()})
	require.NoError(t, err)

	assert.Equal(t, "cs_test_1", res.SessionID)
	assert.Equal(t, int64(4498), res.TotalCents)
	assert.Equal(t, "44.98", res.TotalAmount.StringFixed(2))
	assert.Empty(t, res.CouponCode)
	assert.Empty(t, cp.gifts)
	assert.Empty(t, gw.discounts)

	require.Len(t, gw.created, 1)
	req := gw.created[0]
	assert.Equal(t, "idem-1", req.IdempotencyKey)
	assert.Empty(t, req.DiscountID)
	require.Len(t, req.LineItems, 2)
	assert.Equal(t, payment.LineItem{Name: "Waffle", ImageURL: "https://img/p1.png", UnitAmount: 1299, Quantity: 2}, req.LineItems[0])
	assert.Equal(t, int64(1900), req.LineItems[1].UnitAmount)

	meta, err := payment.DecodeMetadata(req.Metadata)
	require.NoError(t, err)
	assert.Equal(t, "user-1", meta.UserID)
	assert.Empty(t, meta.CouponCode)
	require.Len(t, meta.Items, 2)
	assert.Equal(t, "p2", meta.Items[1].ProductID)
}

func TestService_CreateSession_WithCoupon(t *testing.T) {
	gw := newMockGateway()
	cp := &mockCoupons{usable: map[string]*coupon.Coupon{
		"SAVE10": {UserID: "user-1", Code: "SAVE10", DiscountPercentage: 10, Active: true},
	}}
	svc := newTestService(t, gw, cp, newMockOrders())

	res, err := svc.CreateSession(context.Background(), testUser, CreateSessionRequest{
		Items:      cart(),
		CouponCode: "SAVE10",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(4048), res.TotalCents)
	assert.Equal(t, "40.48", res.TotalAmount.StringFixed(2))
	assert.Equal(t, "SAVE10", res.CouponCode)
	assert.Equal(t, []int{10}, gw.discounts)
	require.Len(t, gw.created, 1)
	assert.Equal(t, "coupon_test", gw.created[0].DiscountID)
	assert.Equal(t, "SAVE10", gw.created[0].Metadata[payment.MetaCouponCode])
}

func TestService_CreateSession_UnusableCouponIgnored(t *testing.T) {
	gw := newMockGateway()
	cp := &mockCoupons{usable: map[string]*coupon.Coupon{
		"OTHER": {UserID: "user-2", Code: "OTHER", DiscountPercentage: 50},
	}}
	svc := newTestService(t, gw, cp, newMockOrders())

	for _, code := range []string{"NOPE", "OTHER"} {
		res, err := svc.CreateSession(context.Background(), testUser, CreateSessionRequest{
			Items:      cart(),
			CouponCode: code,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(4498), res.TotalCents)
		assert.Empty(t, res.CouponCode)
	}
	assert.Empty(t, gw.discounts)
}

func TestService_CreateSession_GiftThreshold(t *testing.T) {
	tests := []struct {
		name      string
		price     string
		wantGifts int
	}{
		{name: "below", price: "99.99", wantGifts: 0},
		{name: "exact", price: "100.00", wantGifts: 1},
		{name: "above", price: "150.00", wantGifts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := &mockCoupons{}
			svc := newTestService(t, newMockGateway(), cp, newMockOrders())

			items := []LineItem{{ProductID: "p1", Name: "Bundle", Price: decimal.RequireFromString(tt.price), Quantity: 2}}
			_, err := svc.CreateSession(context.Background(), testUser, CreateSessionRequest{Items: items})
			require.NoError(t, err)
			assert.Len(t, cp.gifts, tt.wantGifts)
		})
	}
}

func TestService_CreateSession_GiftUsesDiscountedTotal(t *testing.T) {
	cp := &mockCoupons{usable: map[string]*coupon.Coupon{
		"HALF": {UserID: "user-1", Code: "HALF", DiscountPercentage: 50},
	}}
	svc := newTestService(t, newMockGateway(), cp, newMockOrders())

	items := []LineItem{{ProductID: "p1", Name: "Bundle", Price: decimal.RequireFromString("300.00"), Quantity: 1}}
	res, err := svc.CreateSession(context.Background(), testUser, CreateSessionRequest{Items: items, CouponCode: "HALF"})
	require.NoError(t, err)
	assert.Equal(t, int64(15000), res.TotalCents)
	assert.Empty(t, cp.gifts)
}

func TestService_CreateSession_GiftFailureSwallowed(t *testing.T) {
	cp := &mockCoupons{giftErr: errors.New("db down")}
	svc := newTestService(t, newMockGateway(), cp, newMockOrders())

	items := []LineItem{{ProductID: "p1", Name: "Bundle", Price: decimal.RequireFromString("250"), Quantity: 1}}
	res, err := svc.CreateSession(context.Background(), testUser, CreateSessionRequest{Items: items})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", res.SessionID)
	assert.Len(t, cp.gifts, 1)
}

func TestService_CreateSession_Invalid(t *testing.T) {
	valid := func() LineItem {
		return LineItem{ProductID: "p1", Name: "Waffle", Price: decimal.NewFromInt(1), Quantity: 1}
	}
	tests := []struct {
		name  string
		items []LineItem
	}{
		{name: "empty", items: nil},
		{name: "zero quantity", items: []LineItem{func() LineItem { it := valid(); it.Quantity = 0; return it }()}},
		{name: "negative price", items: []LineItem{func() LineItem { it := valid(); it.Price = decimal.NewFromInt(-1); return it }()}},
		{name: "missing id", items: []LineItem{func() LineItem { it := valid(); it.ProductID = ""; return it }()}},
		{name: "missing name", items: []LineItem{valid(), func() LineItem { it := valid(); it.Name = ""; return it }()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newMockGateway()
			svc := newTestService(t, gw, &mockCoupons{}, newMockOrders())

			_, err := svc.CreateSession(context.Background(), testUser, CreateSessionRequest{Items: tt.items})
			require.ErrorIs(t, err, ErrInvalidRequest)
			assert.Empty(t, gw.created)
		})
	}
}

func TestService_CreateSession_GatewayError(t *testing.T) {
	gw := newMockGateway()
	gw.createErr = &payment.GatewayError{Op: "create session", Err: errors.New("timeout")}
	cp := &mockCoupons{}
	svc := newTestService(t, gw, cp, newMockOrders())

	items := []LineItem{{ProductID: "p1", Name: "Bundle", Price: decimal.RequireFromString("500"), Quantity: 1}}
	_, err := svc.CreateSession(context.Background(), testUser, CreateSessionRequest{Items: items})
	require.ErrorIs(t, err, payment.ErrGateway)
	assert.Empty(t, cp.gifts)
}

func TestService_CreateSession_LookupError(t *testing.T) {
	cp := &mockCoupons{lookupErr: errors.New("db down")}
	svc := newTestService(t, newMockGateway(), cp, newMockOrders())

	_, err := svc.CreateSession(context.Background(), testUser, CreateSessionRequest{Items: cart(), CouponCode: "X"})
	require.Error(t, err)
}

func paidSession(id, userID, couponCode string) *payment.Session {
	meta, err := payment.EncodeMetadata(payment.Metadata{
		UserID:     userID,
		CouponCode: couponCode,
		Items: []payment.SnapshotItem{
			{ProductID: "p1", Quantity: 2, Price: decimal.RequireFromString("12.99")},
			{ProductID: "p2", Quantity: 1, Price: decimal.RequireFromString("19.00")},
		},
	})
	if err != nil {
		panic(err)
	}
	return &payment.Session{
		ID:            id,
		PaymentStatus: payment.StatusPaid,
		AmountTotal:   4048,
		Metadata:      meta,
	}
}

func TestService_Settle(t *testing.T) {
	var journal []string
	gw := newMockGateway()
	gw.sessions["cs_1"] = paidSession("cs_1", "user-1", "SAVE10")
	cp := &mockCoupons{journal: &journal}
	orders := newMockOrders()
	orders.journal = &journal
	pub := &mockPublisher{}
	svc := newTestService(t, gw, cp, orders, WithEventPublisher(pub))

	res, err := svc.Settle(context.Background(), testUser, "cs_1")
	require.NoError(t, err)
	require.True(t, res.Created)

	o := res.Order
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, "user-1", o.UserID)
	assert.Equal(t, "cs_1", o.PaymentSessionID)
	assert.Equal(t, "40.48", o.Total.StringFixed(2))
	require.Len(t, o.Items, 2)
	assert.Equal(t, "p1", o.Items[0].ProductID)
	assert.Equal(t, 2, o.Items[0].Quantity)
	assert.True(t, decimal.RequireFromString("12.99").Equal(o.Items[0].Price))

	assert.Equal(t, []string{"order:cs_1", "deactivate:SAVE10"}, journal)
	assert.Equal(t, []string{o.ID}, pub.orders)
}

func TestService_Settle_Repeated(t *testing.T) {
	gw := newMockGateway()
	gw.sessions["cs_1"] = paidSession("cs_1", "user-1", "SAVE10")
	cp := &mockCoupons{}
	orders := newMockOrders()
	pub := &mockPublisher{}
	svc := newTestService(t, gw, cp, orders, WithEventPublisher(pub))

	first, err := svc.Settle(context.Background(), testUser, "cs_1")
	require.NoError(t, err)
	second, err := svc.Settle(context.Background(), testUser, "cs_1")
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Len(t, orders.bySession, 1)
	assert.Len(t, pub.orders, 1)
	// Deactivation is idempotent and re-run to finish a partial settlement.
	assert.Equal(t, []string{"SAVE10", "SAVE10"}, cp.deactivated)
}

func TestService_Settle_NoCoupon(t *testing.T) {
	gw := newMockGateway()
	gw.sessions["cs_1"] = paidSession("cs_1", "user-1", "")
	cp := &mockCoupons{}
	svc := newTestService(t, gw, cp, newMockOrders())

	_, err := svc.Settle(context.Background(), testUser, "cs_1")
	require.NoError(t, err)
	assert.Empty(t, cp.deactivated)
}

func TestService_Settle_NotPaid(t *testing.T) {
	gw := newMockGateway()
	s := paidSession("cs_1", "user-1", "SAVE10")
	s.PaymentStatus = payment.StatusUnpaid
	gw.sessions["cs_1"] = s
	cp := &mockCoupons{}
	orders := newMockOrders()
	svc := newTestService(t, gw, cp, orders)

	_, err := svc.Settle(context.Background(), testUser, "cs_1")
	require.ErrorIs(t, err, ErrPaymentIncomplete)
	assert.Empty(t, orders.bySession)
	assert.Empty(t, cp.deactivated)
}

func TestService_Settle_CorruptMetadata(t *testing.T) {
	gw := newMockGateway()
	s := paidSession("cs_1", "user-1", "")
	s.Metadata[payment.MetaProducts+"_0"] = `[{"id":"p1","quantity":`
	gw.sessions["cs_1"] = s
	orders := newMockOrders()
	svc := newTestService(t, gw, &mockCoupons{}, orders)

	_, err := svc.Settle(context.Background(), testUser, "cs_1")
	require.ErrorIs(t, err, ErrCorruptSession)

	var corrupt *CorruptSessionError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, "cs_1", corrupt.SessionID)
	assert.Empty(t, orders.bySession)
}

func TestService_Settle_OtherUser(t *testing.T) {
	gw := newMockGateway()
	gw.sessions["cs_1"] = paidSession("cs_1", "user-2", "SAVE10")
	cp := &mockCoupons{}
	orders := newMockOrders()
	svc := newTestService(t, gw, cp, orders)

	_, err := svc.Settle(context.Background(), testUser, "cs_1")
	require.ErrorIs(t, err, ErrSessionOwner)
	assert.Empty(t, orders.bySession)
	assert.Empty(t, cp.deactivated)
}

func TestService_Settle_GatewayError(t *testing.T) {
	gw := newMockGateway()
	svc := newTestService(t, gw, &mockCoupons{}, newMockOrders())

	_, err := svc.Settle(context.Background(), testUser, "cs_missing")
	require.ErrorIs(t, err, payment.ErrGateway)
}

func TestService_Settle_EmptySession(t *testing.T) {
	svc := newTestService(t, newMockGateway(), &mockCoupons{}, newMockOrders())

	_, err := svc.Settle(context.Background(), testUser, "")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestService_Settle_OrderStoreError(t *testing.T) {
	var journal []string
	gw := newMockGateway()
	gw.sessions["cs_1"] = paidSession("cs_1", "user-1", "SAVE10")
	cp := &mockCoupons{journal: &journal}
	orders := newMockOrders()
	orders.journal = &journal
	orders.createErr = errors.New("connection reset")
	svc := newTestService(t, gw, cp, orders)

	_, err := svc.Settle(context.Background(), testUser, "cs_1")
	require.Error(t, err)
	// A coupon is never consumed without its order.
	assert.Equal(t, []string{"order:cs_1"}, journal)
}

func TestService_Settle_DeactivateError(t *testing.T) {
	gw := newMockGateway()
	gw.sessions["cs_1"] = paidSession("cs_1", "user-1", "SAVE10")
	cp := &mockCoupons{deactErr: errors.New("connection reset")}
	orders := newMockOrders()
	svc := newTestService(t, gw, cp, orders)

	_, err := svc.Settle(context.Background(), testUser, "cs_1")
	require.Error(t, err)
	assert.Len(t, orders.bySession, 1)

	// A retry completes the deactivation against the existing order.
	cp.deactErr = nil
	res, err := svc.Settle(context.Background(), testUser, "cs_1")
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, []string{"SAVE10"}, cp.deactivated)
}

func TestService_Settle_Cache(t *testing.T) {
	gw := newMockGateway()
	gw.sessions["cs_1"] = paidSession("cs_1", "user-1", "")
	cache := &mockCache{refs: make(map[string]SettledRef)}
	svc := newTestService(t, gw, &mockCoupons{}, newMockOrders(), WithSettledCache(cache))

	first, err := svc.Settle(context.Background(), testUser, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, SettledRef{OrderID: first.Order.ID, UserID: "user-1"}, cache.refs["cs_1"])

	// The gateway is not consulted for a cached session.
	gw.retrieveErr = errors.New("must not be called")
	second, err := svc.Settle(context.Background(), testUser, "cs_1")
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Order.ID, second.Order.ID)

	_, err = svc.Settle(context.Background(), auth.Principal{UserID: "user-2"}, "cs_1")
	require.ErrorIs(t, err, ErrSessionOwner)
}

func TestService_Settle_CacheErrorFallsBack(t *testing.T) {
	gw := newMockGateway()
	gw.sessions["cs_1"] = paidSession("cs_1", "user-1", "")
	cache := &mockCache{refs: make(map[string]SettledRef), getErr: errors.New("redis down")}
	svc := newTestService(t, gw, &mockCoupons{}, newMockOrders(), WithSettledCache(cache))

	res, err := svc.Settle(context.Background(), testUser, "cs_1")
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestService_Settle_PublishErrorIgnored(t *testing.T) {
	gw := newMockGateway()
	gw.sessions["cs_1"] = paidSession("cs_1", "user-1", "")
	pub := &mockPublisher{err: errors.New("broker unavailable")}
	svc := newTestService(t, gw, &mockCoupons{}, newMockOrders(), WithEventPublisher(pub))

	res, err := svc.Settle(context.Background(), testUser, "cs_1")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Len(t, pub.orders, 1)
}

func TestService_CreateSession_OverflowPriceRejected(t *testing.T) {
	gw := newMockGateway()
	cp := &mockCoupons{usable: map[string]*coupon.Coupon{
		"SAVE10": {UserID: "user-1", Code: "SAVE10", DiscountPercentage: 10},
	}}
	svc := newTestService(t, gw, cp, newMockOrders())

	items := []LineItem{
		{ProductID: "p1", Name: "Waffle", Price: decimal.RequireFromString("50000000000000000"), Quantity: 1},
	}
	_, err := svc.CreateSession(context.Background(), testUser, CreateSessionRequest{Items: items, CouponCode: "SAVE10"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, gw.created)
	assert.Empty(t, gw.discounts)
	assert.Empty(t, cp.gifts)
}

func TestService_CreateSession_CartTooLarge(t *testing.T) {
	gw := newMockGateway()
	cp := &mockCoupons{usable: map[string]*coupon.Coupon{
		"SAVE10": {UserID: "user-1", Code: "SAVE10", DiscountPercentage: 10},
	}}
	svc := newTestService(t, gw, cp, newMockOrders())

	items := make([]LineItem, 1000)
	for i := range items {
		items[i] = LineItem{
			ProductID: fmt.Sprintf("product-%s-%04d", strings.Repeat("x", 32), i),
			Name:      "Waffle",
			Price:     decimal.RequireFromString("12.99"),
			Quantity:  1,
		}
	}
	_, err := svc.CreateSession(context.Background(), testUser, CreateSessionRequest{Items: items, CouponCode: "SAVE10"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, gw.created)
	assert.Empty(t, gw.discounts, "no gateway coupon for a rejected cart")
	assert.Empty(t, cp.gifts)
}

func TestService_CreateSession_MetadataWithinGatewayLimits(t *testing.T) {
	gw := newMockGateway()
	svc := newTestService(t, gw, &mockCoupons{}, newMockOrders())

	items := make([]LineItem, 20)
	for i := range items {
		items[i] = LineItem{
			ProductID: fmt.Sprintf("prod_%020d", i),
			Name:      "Waffle",
			Price:     decimal.RequireFromString("12.99"),
			Quantity:  i + 1,
		}
	}
	_, err := svc.CreateSession(context.Background(), testUser, CreateSessionRequest{Items: items})
	require.NoError(t, err)
	require.Len(t, gw.created, 1)

	meta := gw.created[0].Metadata
	assert.LessOrEqual(t, len(meta), payment.MaxMetadataKeys)
	for k, v := range meta {
		assert.LessOrEqual(t, len(v), payment.MaxMetadataValueLen, k)
	}

	decoded, err := payment.DecodeMetadata(meta)
	require.NoError(t, err)
	require.Len(t, decoded.Items, len(items))
	for i, it := range decoded.Items {
		assert.Equal(t, items[i].ProductID, it.ProductID)
		assert.Equal(t, items[i].Quantity, it.Quantity)
		assert.True(t, items[i].Price.Equal(it.Price))
	}
}

func TestService_Settle_NoPaymentRequired(t *testing.T) {
	gw := newMockGateway()
	s := paidSession("cs_1", "user-1", "FREE")
	s.PaymentStatus = payment.StatusNoPaymentRequired
	s.AmountTotal = 0
	gw.sessions["cs_1"] = s
	cp := &mockCoupons{}
	svc := newTestService(t, gw, cp, newMockOrders())

	res, err := svc.Settle(context.Background(), testUser, "cs_1")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Order.Total.IsZero())
	assert.Equal(t, []string{"FREE"}, cp.deactivated)
}

// blockingPublisher waits for the caller to give up.
type blockingPublisher struct {
	hadDeadline bool
}

func (b *blockingPublisher) OrderSettled(ctx context.Context, _ *order.Order, _ string) error {
	_, b.hadDeadline = ctx.Deadline()
	<-ctx.Done()
	return ctx.Err()
}

func TestService_Settle_PublishBounded(t *testing.T) {
	gw := newMockGateway()
	gw.sessions["cs_1"] = paidSession("cs_1", "user-1", "")
	pub := &blockingPublisher{}
	svc := newTestService(t, gw, &mockCoupons{}, newMockOrders(), WithEventPublisher(pub))
	svc.cfg.PublishTimeout = 20 * time.Millisecond

	start := time.Now()
	res, err := svc.Settle(context.Background(), testUser, "cs_1")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, pub.hadDeadline)
	assert.Less(t, time.Since(start), time.Second)
}

func TestService_DefaultPublishTimeout(t *testing.T) {
	svc := newTestService(t, newMockGateway(), &mockCoupons{}, newMockOrders())
	assert.Equal(t, DefaultPublishTimeout, svc.cfg.PublishTimeout)
}
