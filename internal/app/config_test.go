package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_RedirectURLs(t *testing.T) {
	cfg := Config{ClientURL: "https://shop.example/"}
	assert.Equal(t, "https://shop.example/purchase-success?session_id={CHECKOUT_SESSION_ID}", cfg.SuccessURL())
	assert.Equal(t, "https://shop.example/purchase-cancel", cfg.CancelURL())
}

func TestConfig_PlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/shop")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("PORT", "9000")

	cfg := Config{Addr: "0.0.0.0:8080"}
	cfg.applyPlatformDefaults()
	assert.Equal(t, "postgres://db/shop", cfg.DatabaseURL)
	assert.Equal(t, "sk_test", cfg.Stripe.SecretKey)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr)

	// Explicit configuration wins.
	cfg = Config{Addr: "127.0.0.1:1234", DatabaseURL: "postgres://explicit"}
	cfg.applyPlatformDefaults()
	assert.Equal(t, "postgres://explicit", cfg.DatabaseURL)
	assert.Equal(t, "127.0.0.1:1234", cfg.Addr)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{DatabaseURL: "postgres://db", Stripe: StripeConfig{SecretKey: "sk"}}
	require.NoError(t, valid.validate())

	for name, mutate := range map[string]func(*Config){
		"no database": func(c *Config) { c.DatabaseURL = "" },
		"no stripe":   func(c *Config) { c.Stripe.SecretKey = "" },
		"discount":    func(c *Config) { c.Checkout.GiftDiscount = 150 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			require.Error(t, cfg.validate())
		})
	}
}
