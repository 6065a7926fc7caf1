// Package events publishes order lifecycle events to Kafka.
package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/segmentio/kafka-go"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

// TypeOrderSettled is the event type header of settled-order events.
const TypeOrderSettled = "order.settled"

// Config controls the Kafka writer.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes order events keyed by order id, so that all events of an
// order land on one partition.
type Publisher struct {
	w   messageWriter
	now func() time.Time
}

var _ checkout.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a Kafka publisher. It returns nil when no brokers are
// configured; callers treat a nil *Publisher as disabled.
func NewPublisher(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Publisher{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			WriteTimeout:           cfg.WriteTimeout,
			MaxAttempts:            3,
			AllowAutoTopicCreation: true,
		},
		now: time.Now,
	}, nil
}

// OrderSettled publishes the settled order.
func (p *Publisher) OrderSettled(ctx context.Context, o *order.Order, couponCode string) error {
	msg := kafka.Message{
		Key:   []byte(o.ID),
		Value: encodeOrderSettled(o, couponCode, p.now()),
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(TypeOrderSettled)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "publish order %s", o.ID)
	}
	return nil
}

// Close flushes pending messages.
func (p *Publisher) Close() error {
	return p.w.Close()
}

func encodeOrderSettled(o *order.Order, couponCode string, at time.Time) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("type", func(e *jx.Encoder) { e.Str(TypeOrderSettled) })
		e.Field("order_id", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("user_id", func(e *jx.Encoder) { e.Str(o.UserID) })
		e.Field("payment_session_id", func(e *jx.Encoder) { e.Str(o.PaymentSessionID) })
		e.Field("total", func(e *jx.Encoder) { e.Num(jx.Num(o.Total.String())) })
		if couponCode != "" {
			e.Field("coupon_code", func(e *jx.Encoder) { e.Str(couponCode) })
		}
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, it := range o.Items {
					e.Obj(func(e *jx.Encoder) {
						e.Field("product_id", func(e *jx.Encoder) { e.Str(it.ProductID) })
						e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
						e.Field("price", func(e *jx.Encoder) { e.Num(jx.Num(it.Price.String())) })
					})
				}
			})
		})
		e.Field("settled_at", func(e *jx.Encoder) { e.Str(at.UTC().Format(time.RFC3339)) })
	})
	return e.Bytes()
}
