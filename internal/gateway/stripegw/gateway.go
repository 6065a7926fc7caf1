// Package stripegw implements payment.Gateway on top of Stripe Checkout.
package stripegw

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// Config controls the Stripe client.
type Config struct {
	SecretKey  string
	Currency   string
	Timeout    time.Duration
	MaxRetries int64
	// BaseURL overrides the Stripe API endpoint. Empty means production.
	BaseURL string
}

// Gateway is a payment.Gateway backed by Stripe.
type Gateway struct {
	api      *client.API
	currency string
	timeout  time.Duration
	tracer   trace.Tracer
}

var _ payment.Gateway = (*Gateway)(nil)

// New creates a Stripe gateway. A nil tracer provider uses the global one.
func New(cfg Config, lg *zap.Logger, tp trace.TracerProvider) (*Gateway, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if cfg.Currency == "" {
		cfg.Currency = string(stripe.CurrencyUSD)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if lg == nil {
		lg = zap.NewNop()
	}

	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport, otelhttp.WithTracerProvider(tp)),
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		LeveledLogger:     lg.Named("stripe").Sugar(),
		MaxNetworkRetries: stripe.Int64(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	}

	return &Gateway{
		api:      client.New(cfg.SecretKey, backends),
		currency: cfg.Currency,
		timeout:  cfg.Timeout,
		tracer:   tp.Tracer("github.com/xenking/kart-checkout/stripegw"),
	}, nil
}

// CreateSession opens a hosted Checkout session in payment mode.
func (g *Gateway) CreateSession(ctx context.Context, req payment.SessionRequest) (*payment.Session, error) {
	ctx, span := g.tracer.Start(ctx, "stripe.CreateSession",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("stripe.line_items", len(req.LineItems))),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:         stripe.String(req.SuccessURL),
		CancelURL:          stripe.String(req.CancelURL),
	}
	params.Context = ctx
	for _, it := range req.LineItems {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(it.Name),
		}
		if it.ImageURL != "" {
			product.Images = stripe.StringSlice([]string{it.ImageURL})
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(g.currency),
				ProductData: product,
				UnitAmount:  stripe.Int64(it.UnitAmount),
			},
			Quantity: stripe.Int64(it.Quantity),
		})
	}
	if req.DiscountID != "" {
		params.Discounts = []*stripe.CheckoutSessionDiscountParams{
			{Coupon: stripe.String(req.DiscountID)},
		}
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, g.fail(span, "create session", err)
	}
	span.SetAttributes(attribute.String("stripe.session_id", s.ID))
	return convertSession(s), nil
}

// RetrieveSession fetches a Checkout session by id.
func (g *Gateway) RetrieveSession(ctx context.Context, id string) (*payment.Session, error) {
	ctx, span := g.tracer.Start(ctx, "stripe.RetrieveSession",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("stripe.session_id", id)),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := g.api.CheckoutSessions.Get(id, params)
	if err != nil {
		return nil, g.fail(span, "retrieve session", err)
	}
	return convertSession(s), nil
}

// CreatePercentDiscount creates a one-time Stripe coupon.
func (g *Gateway) CreatePercentDiscount(ctx context.Context, percent int) (string, error) {
	ctx, span := g.tracer.Start(ctx, "stripe.CreateCoupon",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("stripe.percent_off", percent)),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.CouponParams{
		PercentOff: stripe.Float64(float64(percent)),
		Duration:   stripe.String(string(stripe.CouponDurationOnce)),
	}
	params.Context = ctx
	c, err := g.api.Coupons.New(params)
	if err != nil {
		return "", g.fail(span, "create coupon", err)
	}
	return c.ID, nil
}

func (g *Gateway) fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	var serr *stripe.Error
	if errors.As(err, &serr) {
		span.SetAttributes(
			attribute.Int("stripe.http_status", serr.HTTPStatusCode),
			attribute.String("stripe.error_code", string(serr.Code)),
		)
	}
	return &payment.GatewayError{Op: op, Err: err}
}

func convertSession(s *stripe.CheckoutSession) *payment.Session {
	return &payment.Session{
		ID:            s.ID,
		PaymentStatus: payment.Status(s.PaymentStatus),
		AmountTotal:   s.AmountTotal,
		Metadata:      s.Metadata,
	}
}
