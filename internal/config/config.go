package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
)

type Config struct {
	Port         string
	DatabasePath string

	StripeSecretKey     string
	StripeWebhookSecret string

	RedisURL string

	AdminToken string

	// PublicBaseURL is where checkout success/cancel pages live.
	PublicBaseURL string

	// SimulationPriceCents is the per-run price quoted on 402 responses.
	SimulationPriceCents int64
	Currency             string

	// PendingTTL bounds an unpaid checkout; TokenTTL bounds a minted
	// token. The two are independent, a completed payment restarts the
	// clock with TokenTTL.
	PendingTTL time.Duration
	TokenTTL   time.Duration

	CacheTTL time.Duration

	SentryDSN string
}

// New reads configuration from the environment. All problems are
// collected and reported together instead of one at a time.
func New() (*Config, error) {
	var errs *multierror.Error

	cfg := &Config{
		Port:                 envDefault("PORT", "8080"),
		DatabasePath:         envDefault("DATABASE_PATH", "local.db"),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		RedisURL:             os.Getenv("REDIS_URL"),
		AdminToken:           os.Getenv("ADMIN_TOKEN"),
		PublicBaseURL:        envDefault("PUBLIC_BASE_URL", "https://fmu-gateway.ai"),
		Currency:             envDefault("CURRENCY", "usd"),
		SimulationPriceCents: 100,
		PendingTTL:           60 * time.Minute,
		TokenTTL:             30 * time.Minute,
		CacheTTL:             time.Hour,
		SentryDSN:            os.Getenv("SENTRY_DSN"),
	}

	if raw := os.Getenv("SIMULATION_PRICE_CENTS"); raw != "" {
		price, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || price <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("SIMULATION_PRICE_CENTS must be a positive integer, got %q", raw))
		} else {
			cfg.SimulationPriceCents = price
		}
	}

	for _, d := range []struct {
		env    string
		target *time.Duration
	}{
		{"PENDING_TTL", &cfg.PendingTTL},
		{"TOKEN_TTL", &cfg.TokenTTL},
		{"CACHE_TTL", &cfg.CacheTTL},
	} {
		raw := os.Getenv(d.env)
		if raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s must be a positive duration, got %q", d.env, raw))
			continue
		}
		*d.target = parsed
	}

	if cfg.StripeSecretKey != "" && cfg.StripeWebhookSecret == "" {
		errs = multierror.Append(errs, fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set"))
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
