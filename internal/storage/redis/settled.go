// Package redis caches settled checkout sessions in Redis.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
)

const keyPrefix = "checkout:settled:"

// DefaultTTL bounds how long a settled session is remembered.
const DefaultTTL = 24 * time.Hour

var _ checkout.SettledCache = (*SettledCache)(nil)

// SettledCache maps payment session ids to the orders they produced.
type SettledCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewSettledCache wraps client. A non-positive ttl uses DefaultTTL.
func NewSettledCache(client redis.UniversalClient, ttl time.Duration) *SettledCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SettledCache{client: client, ttl: ttl}
}

// NewClient connects to a single Redis node.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Get returns the cached reference for sessionID, or nil on a miss.
func (c *SettledCache) Get(ctx context.Context, sessionID string) (*checkout.SettledRef, error) {
	raw, err := c.client.Get(ctx, keyPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting settled session %q: %w", sessionID, err)
	}
	ref, err := decodeRef(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding settled session %q: %w", sessionID, err)
	}
	return &ref, nil
}

// Set remembers the order produced by sessionID.
func (c *SettledCache) Set(ctx context.Context, sessionID string, ref checkout.SettledRef) error {
	if err := c.client.Set(ctx, keyPrefix+sessionID, encodeRef(ref), c.ttl).Err(); err != nil {
		return fmt.Errorf("setting settled session %q: %w", sessionID, err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (c *SettledCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func encodeRef(ref checkout.SettledRef) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("order_id", func(e *jx.Encoder) { e.Str(ref.OrderID) })
		e.Field("user_id", func(e *jx.Encoder) { e.Str(ref.UserID) })
	})
	return e.Bytes()
}

func decodeRef(raw []byte) (checkout.SettledRef, error) {
	var ref checkout.SettledRef
	err := jx.DecodeBytes(raw).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "order_id":
			ref.OrderID, err = d.Str()
		case "user_id":
			ref.UserID, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return ref, err
	}
	if ref.OrderID == "" || ref.UserID == "" {
		return ref, errors.New("incomplete reference")
	}
	return ref, nil
}
