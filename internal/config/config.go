// Package config loads process configuration from the environment and the
// pricing file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/dukerupert/joyledger/internal/revenue"
)

type Config struct {
	Port               string        `env:"PORT" envDefault:"8080"`
	DBPath             string        `env:"DB_PATH" envDefault:"joyledger.db"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat          string        `env:"LOG_FORMAT" envDefault:"text"`
	LogFile            string        `env:"LOG_FILE"`
	JWTSecret          string        `env:"JWT_SECRET"`
	AdminKeyHash       string        `env:"ADMIN_KEY_HASH"`
	PricingFile        string        `env:"PRICING_FILE" envDefault:"pricing.yaml"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
	NoShowGrace        time.Duration `env:"NOSHOW_GRACE" envDefault:"2h"`
	GrantAmount        int64         `env:"GRANT_AMOUNT" envDefault:"15"`
	GrantCheckInterval time.Duration `env:"GRANT_CHECK_INTERVAL" envDefault:"1h"`
	AMQPURL            string        `env:"AMQP_URL"`
	AMQPQueue          string        `env:"AMQP_QUEUE" envDefault:"ledger.events"`
	RateLimitRPS       float64       `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst     int           `env:"RATE_LIMIT_BURST" envDefault:"40"`
	AllowedOrigins     []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
}

const envPrefix = "JOYLEDGER_"

// Load reads an optional .env file, then the JOYLEDGER_ environment.
func Load() (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	return parse(env.Options{Prefix: envPrefix})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.GrantCheckInterval <= 0 {
		errs = append(errs, errors.New("GRANT_CHECK_INTERVAL must be positive"))
	}
	if c.NoShowGrace <= 0 {
		errs = append(errs, errors.New("NOSHOW_GRACE must be positive"))
	}
	if c.GrantAmount <= 0 {
		errs = append(errs, errors.New("GRANT_AMOUNT must be positive"))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RequireSecret is checked by the HTTP server only; the CLI runs without one.
func (c Config) RequireSecret() error {
	if len(c.JWTSecret) < 32 {
		return errors.New("JOYLEDGER_JWT_SECRET must be at least 32 bytes")
	}
	return nil
}

type pricingFile struct {
	SubscriptionPrice    string `yaml:"subscription_price"`
	MonthlyGrant         int64  `yaml:"monthly_grant"`
	BusinessSharePercent string `yaml:"business_share_percent"`
}

// LoadPricing reads and validates the pricing file at path. Decimal values
// are quoted or bare YAML scalars; they are parsed exactly, never as floats.
func LoadPricing(path string) (revenue.Pricing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return revenue.Pricing{}, fmt.Errorf("read pricing: %w", err)
	}
	return ParsePricing(data)
}

func ParsePricing(data []byte) (revenue.Pricing, error) {
	var raw pricingFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return revenue.Pricing{}, fmt.Errorf("decode pricing: %w", err)
	}

	price, err := decimal.NewFromString(strings.TrimSpace(raw.SubscriptionPrice))
	if err != nil {
		return revenue.Pricing{}, fmt.Errorf("subscription_price: %w", err)
	}
	share, err := decimal.NewFromString(strings.TrimSpace(raw.BusinessSharePercent))
	if err != nil {
		return revenue.Pricing{}, fmt.Errorf("business_share_percent: %w", err)
	}

	p := revenue.Pricing{
		SubscriptionPrice:    price,
		MonthlyGrant:         raw.MonthlyGrant,
		BusinessSharePercent: share,
	}
	if err := p.Validate(); err != nil {
		return revenue.Pricing{}, fmt.Errorf("pricing: %w", err)
	}
	return p, nil
}
