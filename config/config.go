package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"golang.org/x/text/currency"
)

type HTTPConfig struct {
	Host        string
	Port        int
	CORSOrigins []string
}

type DBConfig struct {
	DSN      string
	MaxConns int32
}

type AuthConfig struct {
	AccessSecret string
}

type PaymentConfig struct {
	StripeSecretKey     string
	StripeWebhookSecret string
	Currency            string
	RateLimit           float64
	MaxRetries          int
	Timeout             time.Duration
	DepositPercent      decimal.Decimal
}

type CommissionConfig struct {
	CarrierPercent  decimal.Decimal
	BrokerPercent   decimal.Decimal
	PlatformPercent decimal.Decimal
}

type ContractConfig struct {
	PaymentTerms         string
	CancellationPolicy   string
	InsuranceRequirement string
}

type SweepConfig struct {
	Interval  time.Duration
	BatchSize int
	Workers   int
}

type MatchingConfig struct {
	URL       string
	APIKey    string
	Threshold float64
}

type OutboxConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	PollInterval time.Duration
}

type Config struct {
	Environment string
	HTTP        HTTPConfig
	DB          DBConfig
	Auth        AuthConfig
	Payment     PaymentConfig
	Commission  CommissionConfig
	Contract    ContractConfig
	Sweep       SweepConfig
	Matching    MatchingConfig
	Outbox      OutboxConfig
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("./deploy")
	v.AutomaticEnv()

	setDefaults(v)
	_ = v.ReadInConfig()

	return build(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_HOST", "0.0.0.0")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("PAYMENT_CURRENCY", "usd")
	v.SetDefault("PAYMENT_RATE_LIMIT", 20)
	v.SetDefault("PAYMENT_MAX_RETRIES", 3)
	v.SetDefault("PAYMENT_TIMEOUT", "10s")
	v.SetDefault("DEPOSIT_PERCENT", "100")
	v.SetDefault("COMMISSION_CARRIER_PERCENT", "80")
	v.SetDefault("COMMISSION_BROKER_PERCENT", "10")
	v.SetDefault("COMMISSION_PLATFORM_PERCENT", "10")
	v.SetDefault("SWEEP_INTERVAL", "30s")
	v.SetDefault("SWEEP_BATCH_SIZE", 200)
	v.SetDefault("SWEEP_WORKERS", 4)
	v.SetDefault("MATCHING_THRESHOLD", 0.8)
	v.SetDefault("KAFKA_TOPIC", "freightflow.events")
	v.SetDefault("OUTBOX_POLL_INTERVAL", "1s")
	v.SetDefault("CONTRACT_PAYMENT_TERMS", "Payment upon delivery confirmation")
	v.SetDefault("CONTRACT_CANCELLATION_POLICY", "48 hours advance notice required")
	v.SetDefault("CONTRACT_INSURANCE_REQUIREMENT", "Minimum $1M liability coverage required")
}

func build(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Environment: v.GetString("APP_ENV"),
		HTTP: HTTPConfig{
			Host:        v.GetString("HTTP_HOST"),
			Port:        v.GetInt("HTTP_PORT"),
			CORSOrigins: parseList(v.GetString("CORS_ALLOWED_ORIGINS")),
		},
		DB: DBConfig{
			DSN:      v.GetString("DATABASE_URL"),
			MaxConns: v.GetInt32("DB_MAX_CONNS"),
		},
		Auth: AuthConfig{
			AccessSecret: v.GetString("JWT_ACCESS_SECRET"),
		},
		Payment: PaymentConfig{
			StripeSecretKey:     v.GetString("STRIPE_SECRET_KEY"),
			StripeWebhookSecret: v.GetString("STRIPE_WEBHOOK_SECRET"),
			Currency:            strings.ToLower(v.GetString("PAYMENT_CURRENCY")),
			RateLimit:           v.GetFloat64("PAYMENT_RATE_LIMIT"),
			MaxRetries:          v.GetInt("PAYMENT_MAX_RETRIES"),
			Timeout:             v.GetDuration("PAYMENT_TIMEOUT"),
		},
		Contract: ContractConfig{
			PaymentTerms:         v.GetString("CONTRACT_PAYMENT_TERMS"),
			CancellationPolicy:   v.GetString("CONTRACT_CANCELLATION_POLICY"),
			InsuranceRequirement: v.GetString("CONTRACT_INSURANCE_REQUIREMENT"),
		},
		Sweep: SweepConfig{
			Interval:  v.GetDuration("SWEEP_INTERVAL"),
			BatchSize: v.GetInt("SWEEP_BATCH_SIZE"),
			Workers:   v.GetInt("SWEEP_WORKERS"),
		},
		Matching: MatchingConfig{
			URL:       v.GetString("MATCHING_URL"),
			APIKey:    v.GetString("MATCHING_API_KEY"),
			Threshold: v.GetFloat64("MATCHING_THRESHOLD"),
		},
		Outbox: OutboxConfig{
			KafkaBrokers: parseList(v.GetString("KAFKA_BROKERS")),
			KafkaTopic:   v.GetString("KAFKA_TOPIC"),
			PollInterval: v.GetDuration("OUTBOX_POLL_INTERVAL"),
		},
	}

	var err error
	if cfg.Payment.DepositPercent, err = parsePercent(v, "DEPOSIT_PERCENT"); err != nil {
		return nil, err
	}
	if cfg.Commission.CarrierPercent, err = parsePercent(v, "COMMISSION_CARRIER_PERCENT"); err != nil {
		return nil, err
	}
	if cfg.Commission.BrokerPercent, err = parsePercent(v, "COMMISSION_BROKER_PERCENT"); err != nil {
		return nil, err
	}
	if cfg.Commission.PlatformPercent, err = parsePercent(v, "COMMISSION_PLATFORM_PERCENT"); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RequireServe checks the settings only the serve command needs.
func (c *Config) RequireServe() error {
	if c.Auth.AccessSecret == "" {
		return fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if c.Payment.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required")
	}
	if c.Payment.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.DB.DSN == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.DB.MaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive")
	}
	hundred := decimal.NewFromInt(100)
	if !cfg.Payment.DepositPercent.IsPositive() || cfg.Payment.DepositPercent.GreaterThan(hundred) {
		return fmt.Errorf("DEPOSIT_PERCENT must be in (0, 100]")
	}
	sum := cfg.Commission.CarrierPercent.Add(cfg.Commission.BrokerPercent).Add(cfg.Commission.PlatformPercent)
	if !sum.Equal(hundred) {
		return fmt.Errorf("commission percentages must sum to 100, got %s", sum)
	}
	if cfg.Matching.Threshold < 0 || cfg.Matching.Threshold > 1 {
		return fmt.Errorf("MATCHING_THRESHOLD must be in [0, 1]")
	}
	if _, err := currency.ParseISO(strings.ToUpper(cfg.Payment.Currency)); err != nil {
		return fmt.Errorf("PAYMENT_CURRENCY %q is not an ISO 4217 code", cfg.Payment.Currency)
	}
	if cfg.Payment.RateLimit <= 0 {
		return fmt.Errorf("PAYMENT_RATE_LIMIT must be positive")
	}
	if cfg.Sweep.Interval <= 0 || cfg.Sweep.BatchSize <= 0 || cfg.Sweep.Workers <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL, SWEEP_BATCH_SIZE and SWEEP_WORKERS must be positive")
	}
	return nil
}

func parsePercent(v *viper.Viper, key string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, fmt.Errorf("%s must be in [0, 100]", key)
	}
	return d, nil
}

func parseList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	items := strings.Split(raw, ",")
	result := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}
