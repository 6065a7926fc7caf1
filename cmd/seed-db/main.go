// Command seed-db applies migrations and seeds demo API keys and coupons.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/handler"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
)

// demoCoupons are issued to every seeded user.
var demoCoupons = []struct {
	suffix  string
	percent int
}{
	{suffix: "WELCOME10", percent: 10},
}

func main() {
	var (
		databaseURL  string
		keys         string
		apiKeyPepper string
		couponTTL    time.Duration
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&keys, "keys", "", "comma-separated user:apikey pairs to seed (or SHOP_SEED_KEYS env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or SHOP_API_KEY_PEPPER env)")
	flag.DurationVar(&couponTTL, "coupon-ttl", 30*24*time.Hour, "lifetime of demo coupons")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if keys == "" {
		keys = os.Getenv("SHOP_SEED_KEYS")
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("SHOP_API_KEY_PEPPER")
	}

	users, err := parseKeys(keys)
	if err != nil {
		slog.Error("invalid keys", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, users, []byte(apiKeyPepper), couponTTL); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

type seedUser struct {
	userID string
	apiKey string
}

// parseKeys parses "user:key,user:key".
func parseKeys(raw string) ([]seedUser, error) {
	var users []seedUser
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		user, key, ok := strings.Cut(pair, ":")
		if !ok || user == "" || key == "" {
			return nil, errors.Errorf("malformed pair %q, want user:apikey", pair)
		}
		users = append(users, seedUser{userID: user, apiKey: key})
	}
	if len(users) == 0 {
		return nil, errors.New("at least one user:apikey pair is required: set --keys or SHOP_SEED_KEYS")
	}
	return users, nil
}

func run(ctx context.Context, databaseURL string, users []seedUser, pepper []byte, couponTTL time.Duration) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	apikeys := postgres.NewAPIKeyRepository(pool)
	coupons := postgres.NewCouponRepository(pool)
	expires := time.Now().Add(couponTTL).UTC()

	for _, u := range users {
		if err := apikeys.Upsert(ctx, auth.APIKeyInfo{
			ID:      "seed-" + u.userID,
			KeyHash: handler.HashKey(pepper, u.apiKey),
			UserID:  u.userID,
			Name:    "Seeded key for " + u.userID,
		}); err != nil {
			return errors.Wrapf(err, "seed api key for %s", u.userID)
		}
		slog.Info("upserted API key", slog.String("user_id", u.userID))

		for _, dc := range demoCoupons {
			c := &coupon.Coupon{
				UserID:             u.userID,
				Code:               dc.suffix,
				DiscountPercentage: dc.percent,
				ExpiresAt:          expires,
				Active:             true,
			}
			if err := coupons.Replace(ctx, c); err != nil {
				return errors.Wrapf(err, "seed coupon for %s", u.userID)
			}
			slog.Info("replaced coupon",
				slog.String("user_id", u.userID),
				slog.String("code", c.Code),
				slog.Int("discount", c.DiscountPercentage),
			)
		}
	}

	return nil
}
