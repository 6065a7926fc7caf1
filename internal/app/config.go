package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (SHOP_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (SHOP_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing" flag:"api-key-pepper"`
	ClientURL    string `default:"http://localhost:5173" usage:"Storefront URL used for payment redirects" flag:"client-url"`
	Stripe       StripeConfig
	Checkout     CheckoutConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// StripeConfig controls the payment gateway client.
type StripeConfig struct {
	SecretKey  string        `usage:"Stripe secret key" flag:"stripe-secret-key"`
	Currency   string        `default:"usd" usage:"Charge currency"`
	Timeout    time.Duration `default:"10s" usage:"Per-call Stripe timeout"`
	MaxRetries int64         `default:"2" usage:"Stripe network retries"`
	BaseURL    string        `usage:"Override the Stripe API endpoint, e.g. stripe-mock"`
}

// CheckoutConfig controls pricing rules and gift coupons.
type CheckoutConfig struct {
	GiftThreshold int64         `default:"20000" usage:"Order total in cents that earns a gift coupon"`
	GiftDiscount  int           `default:"10" usage:"Gift coupon discount percentage"`
	GiftTTL       time.Duration `default:"720h" usage:"Gift coupon lifetime"`
}

// RedisConfig enables the settled-session cache when Addr is set.
type RedisConfig struct {
	Addr     string        `usage:"Redis address, empty disables the cache"`
	Password string        `usage:"Redis password"`
	DB       int           `default:"0" usage:"Redis database"`
	TTL      time.Duration `default:"24h" usage:"Settled session cache TTL"`
}

// KafkaConfig enables order events when Brokers is set.
type KafkaConfig struct {
	Brokers        []string      `usage:"Kafka brokers, empty disables order events"`
	Topic          string        `default:"shop.orders" usage:"Order events topic"`
	PublishTimeout time.Duration `default:"2s" usage:"Upper bound on publishing one order event"`
}

// RateLimitConfig controls the per-client rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML config
// files, then applies platform defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SHOP",
		Files:     []string{"config.yaml", "/etc/shop/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set SHOP_DATABASE_URL or DATABASE_URL")
	case c.Stripe.SecretKey == "":
		return errors.New("stripe secret key is required: set SHOP_STRIPE_SECRET_KEY or STRIPE_SECRET_KEY")
	case c.Checkout.GiftDiscount < 0 || c.Checkout.GiftDiscount > 100:
		return errors.Errorf("gift discount %d out of range 0..100", c.Checkout.GiftDiscount)
	}
	return nil
}

// SuccessURL is where the payment page sends the buyer after paying. The
// gateway substitutes the session id placeholder.
func (c *Config) SuccessURL() string {
	return strings.TrimRight(c.ClientURL, "/") + "/purchase-success?session_id={CHECKOUT_SESSION_ID}"
}

// CancelURL is where an abandoned payment page returns to.
func (c *Config) CancelURL() string {
	return strings.TrimRight(c.ClientURL, "/") + "/purchase-cancel"
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT to the SHOP_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Stripe.SecretKey == "" {
		c.Stripe.SecretKey = os.Getenv("STRIPE_SECRET_KEY")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
