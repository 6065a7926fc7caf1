package checkout

import (
	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	sessions     metric.Int64Counter
	settled      metric.Int64Counter
	gifts        metric.Int64Counter
	giftFailures metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	if m.sessions, err = meter.Int64Counter("checkout.sessions.created",
		metric.WithDescription("Checkout sessions opened with the payment gateway"),
	); err != nil {
		return nil, errors.Wrap(err, "sessions counter")
	}
	if m.settled, err = meter.Int64Counter("checkout.orders.settled",
		metric.WithDescription("Orders created from paid sessions"),
	); err != nil {
		return nil, errors.Wrap(err, "settled counter")
	}
	if m.gifts, err = meter.Int64Counter("coupon.gifts.issued",
		metric.WithDescription("Gift coupons awarded at checkout"),
	); err != nil {
		return nil, errors.Wrap(err, "gifts counter")
	}
	if m.giftFailures, err = meter.Int64Counter("checkout.gift.failures",
		metric.WithDescription("Gift coupon issuances that failed and were skipped"),
	); err != nil {
		return nil, errors.Wrap(err, "gift failures counter")
	}
	return &m, nil
}
