// Package config loads runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

// Config holds every runtime setting of the bot.
type Config struct {
	AppEnv    string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	HTTPListenAddr   string `env:"HTTP_LISTEN_ADDR" envDefault:":8080"`
	PublicBasePath   string `env:"PUBLIC_BASE_PATH"`
	PublicBaseURL    string `env:"PUBLIC_BASE_URL"`
	AdminToken       string `env:"ADMIN_TOKEN"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"bot_otp"`

	DataDir string `env:"DATA_DIR" envDefault:"data"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisTLS      bool   `env:"REDIS_TLS" envDefault:"false"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"otp:"`

	WhatsAppStorePath string `env:"WHATSAPP_STORE_PATH" envDefault:"data/whatsapp.db"`
	WhatsAppLogLevel  string `env:"WHATSAPP_LOG_LEVEL" envDefault:"INFO"`

	RentalBaseURL    string        `env:"RENTAL_BASE_URL"`
	RentalAPIKey     string        `env:"RENTAL_API_KEY"`
	RentalTimeout    time.Duration `env:"RENTAL_TIMEOUT" envDefault:"20s"`
	RentalCatalogTTL time.Duration `env:"RENTAL_CATALOG_TTL" envDefault:"5m"`
	RentalCountry    string        `env:"RENTAL_DEFAULT_COUNTRY" envDefault:"6"`

	PaymentBaseURL            string        `env:"PAYMENT_BASE_URL"`
	PaymentAPIKey             string        `env:"PAYMENT_API_KEY"`
	PaymentMethod             string        `env:"PAYMENT_METHOD" envDefault:"qris"`
	PaymentTimeout            time.Duration `env:"PAYMENT_TIMEOUT" envDefault:"20s"`
	PaymentWebhookUsernameMD5 string        `env:"PAYMENT_WEBHOOK_USERNAME_MD5"`
	PaymentWebhookPasswordMD5 string        `env:"PAYMENT_WEBHOOK_PASSWORD_MD5"`

	QueueConcurrency int `env:"QUEUE_CONCURRENCY" envDefault:"3"`

	OrderPollInterval   time.Duration `env:"ORDER_POLL_INTERVAL" envDefault:"10s"`
	OrderMaxAttempts    int           `env:"ORDER_MAX_ATTEMPTS" envDefault:"60"`
	OrderMinCancelAge   time.Duration `env:"ORDER_MIN_CANCEL_AGE" envDefault:"5m"`
	OrderConfirmRetries int           `env:"ORDER_CONFIRM_RETRIES" envDefault:"3"`
	RefundRetries       int           `env:"REFUND_RETRIES" envDefault:"3"`
	RefundBackoff       time.Duration `env:"REFUND_BACKOFF" envDefault:"2s"`

	DepositPollInterval time.Duration `env:"DEPOSIT_POLL_INTERVAL" envDefault:"10s"`
	DepositMaxAge       time.Duration `env:"DEPOSIT_MAX_AGE" envDefault:"10m"`
	DepositGrace        time.Duration `env:"DEPOSIT_GRACE" envDefault:"5m"`
	DepositMinAmount    int64         `env:"DEPOSIT_MIN_AMOUNT" envDefault:"1000"`
	DepositMaxAmount    int64         `env:"DEPOSIT_MAX_AMOUNT" envDefault:"5000000"`
	DepositConcurrency  int           `env:"DEPOSIT_CONCURRENCY" envDefault:"4"`

	LockTTL         time.Duration `env:"LOCK_TTL" envDefault:"2m"`
	JanitorInterval time.Duration `env:"JANITOR_INTERVAL" envDefault:"30s"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.PublicBasePath = normalizeBasePath(cfg.PublicBasePath)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every missing or out-of-range setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.RentalBaseURL == "" {
		errs = append(errs, errors.New("RENTAL_BASE_URL is required"))
	}
	if c.RentalAPIKey == "" {
		errs = append(errs, errors.New("RENTAL_API_KEY is required"))
	}
	if c.PaymentBaseURL == "" {
		errs = append(errs, errors.New("PAYMENT_BASE_URL is required"))
	}
	if c.PaymentAPIKey == "" {
		errs = append(errs, errors.New("PAYMENT_API_KEY is required"))
	}
	if c.QueueConcurrency < 1 {
		errs = append(errs, fmt.Errorf("QUEUE_CONCURRENCY must be at least 1, got %d", c.QueueConcurrency))
	}
	if c.OrderPollInterval <= 0 {
		errs = append(errs, errors.New("ORDER_POLL_INTERVAL must be positive"))
	}
	if c.OrderMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("ORDER_MAX_ATTEMPTS must be at least 1, got %d", c.OrderMaxAttempts))
	}
	if c.DepositPollInterval <= 0 {
		errs = append(errs, errors.New("DEPOSIT_POLL_INTERVAL must be positive"))
	}
	if c.DepositMinAmount <= 0 || c.DepositMaxAmount < c.DepositMinAmount {
		errs = append(errs, fmt.Errorf("deposit bounds invalid: min %d, max %d", c.DepositMinAmount, c.DepositMaxAmount))
	}
	if c.LockTTL <= 0 || c.JanitorInterval <= 0 {
		errs = append(errs, errors.New("LOCK_TTL and JANITOR_INTERVAL must be positive"))
	}
	if c.RefundRetries < 1 {
		errs = append(errs, fmt.Errorf("REFUND_RETRIES must be at least 1, got %d", c.RefundRetries))
	} else if c.LockTTL > 0 && c.LockTTL <= c.RefundWorstCase() {
		errs = append(errs, fmt.Errorf("LOCK_TTL %s must exceed the refund worst case %s", c.LockTTL, c.RefundWorstCase()))
	}
	return errors.Join(errs...)
}

// RefundWorstCase is the longest a refund spends cancelling at the rental
// provider: every attempt timing out plus the linear backoff between them.
func (c *Config) RefundWorstCase() time.Duration {
	r := time.Duration(c.RefundRetries)
	return r*c.RentalTimeout + c.RefundBackoff*r*(r-1)/2
}

// OrderTimeout is how long an order may wait for its SMS.
func (c *Config) OrderTimeout() time.Duration {
	return time.Duration(c.OrderMaxAttempts) * c.OrderPollInterval
}

func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return ""
	}
	return "/" + strings.Trim(p, "/")
}
