package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the service logger. Production encoding unless level is "debug".
func New(service, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}

	var cfg zap.Config
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", service)), nil
}

// Payment fields attached to every reconciliation line.
func Order(id uint) zap.Field { return zap.Uint("order_id", id) }
func MD5(md5 string) zap.Field { return zap.String("md5", md5) }
func Amount(a string) zap.Field { return zap.String("amount", a) }
func Status(s string) zap.Field { return zap.String("payment_status", s) }
func Shop(id uint) zap.Field { return zap.Uint("shop_id", id) }
func Session(tok string) zap.Field { return zap.String("session", tok) }
