package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"cafe-pos/utils"

	"github.com/shopspring/decimal"
)

type Config struct {
	HTTPPort string
	GinMode  string
	LogLevel string

	DBDriver string // mysql, postgres or sqlite
	DSN      string

	Gateway Gateway
	KHQR    KHQR

	SessionLifetime     time.Duration
	DefaultExchangeRate decimal.Decimal

	PollEnabled  bool
	PollInterval time.Duration
	PollBatch    int
	PollMaxAge   time.Duration

	AMQPURL         string
	AMQPExchange    string
	RedisAddr       string
	CallbackSecret  string
	RateLimitPerMin int
}

// Gateway is the Bakong relay that issues and checks KHQR payments.
type Gateway struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

type KHQR struct {
	// Mode "gateway" asks the relay to generate QR strings; "local" builds them in process.
	Mode             string
	DefaultAccountID string
	MerchantName     string
	MerchantCity     string
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	utils.LoadEnv()

	cfg := &Config{
		HTTPPort: utils.Getenv("HTTP_PORT", "8080"),
		GinMode:  utils.Getenv("GIN_MODE", "release"),
		LogLevel: utils.Getenv("LOG_LEVEL", "info"),
		DBDriver: utils.Getenv("DB_DRIVER", "mysql"),
		DSN:      os.Getenv("DB"),
		Gateway: Gateway{
			BaseURL:   utils.Getenv("BAKONG_BASE_URL", "https://portfolio.johnrak.online"),
			SecretKey: os.Getenv("BAKONG_SECRET_KEY"),
		},
		KHQR: KHQR{
			Mode:             utils.Getenv("KHQR_MODE", "gateway"),
			DefaultAccountID: os.Getenv("BAKONG_ACCOUNT_ID"),
			MerchantName:     utils.Getenv("MERCHANT_NAME", "Coffee POS"),
			MerchantCity:     utils.Getenv("MERCHANT_CITY", "Phnom Penh"),
		},
		AMQPURL:        os.Getenv("AMQP_URL"),
		AMQPExchange:   utils.Getenv("AMQP_EXCHANGE", "staff_notifications"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		CallbackSecret: os.Getenv("CALLBACK_SECRET"),
	}

	var err error
	if cfg.Gateway.Timeout, err = durationEnv("BAKONG_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	minutes, err := intEnv("TABLE_SESSION_LIFETIME", 120)
	if err != nil {
		return nil, err
	}
	cfg.SessionLifetime = time.Duration(minutes) * time.Minute
	if cfg.PollInterval, err = durationEnv("POLL_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.PollBatch, err = intEnv("POLL_BATCH", 50); err != nil {
		return nil, err
	}
	if cfg.PollMaxAge, err = durationEnv("POLL_MAX_AGE", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMin, err = intEnv("RATE_LIMIT_PER_MINUTE", 60); err != nil {
		return nil, err
	}
	cfg.PollEnabled = utils.Getenv("POLL_ENABLED", "true") == "true"

	rate := utils.Getenv("DEFAULT_EXCHANGE_RATE", "4100")
	if cfg.DefaultExchangeRate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("DEFAULT_EXCHANGE_RATE: %w", err)
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER: unsupported driver %q", c.DBDriver)
	}
	if c.DSN == "" {
		return fmt.Errorf("DB: dsn is required")
	}
	switch c.KHQR.Mode {
	case "gateway":
		if c.Gateway.BaseURL == "" {
			return fmt.Errorf("BAKONG_BASE_URL is required in gateway mode")
		}
	case "local":
	default:
		return fmt.Errorf("KHQR_MODE: unknown mode %q", c.KHQR.Mode)
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("BAKONG_TIMEOUT must be positive")
	}
	if !c.DefaultExchangeRate.IsPositive() {
		return fmt.Errorf("DEFAULT_EXCHANGE_RATE must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.PollBatch <= 0 {
		return fmt.Errorf("POLL_BATCH must be positive")
	}
	if c.PollMaxAge <= 0 {
		return fmt.Errorf("POLL_MAX_AGE must be positive")
	}
	if c.RateLimitPerMin <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive")
	}
	return nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
