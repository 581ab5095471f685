package service

import (
	"context"
	"time"

	"cafe-pos/config"
	"cafe-pos/payment/bakong"
	"cafe-pos/payment/db"
	"cafe-pos/payment/notify"
	"cafe-pos/payment/order"
	"cafe-pos/payment/poller"
	"cafe-pos/payment/reconcile"
	"cafe-pos/payment/throttle"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App is the payment engine assembled from configuration.
type App struct {
	DB       *gorm.DB
	Engine   *reconcile.Engine
	Relay    *notify.Relay
	Poller   *poller.Poller
	Throttle throttle.Throttle
	// Checks probes the optional brokers that were reachable at startup.
	Checks map[string]func(context.Context) error

	closers []func()
}

// Build connects storage and collaborators. Optional brokers (AMQP, redis)
// that are configured but unreachable fall back to in-process replacements
// with a warning.
func Build(cfg *config.Config, log *zap.Logger) (*App, error) {
	conn, err := db.Connect(cfg.DBDriver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	app := &App{DB: conn, Checks: make(map[string]func(context.Context) error)}

	client := bakong.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.SecretKey, cfg.Gateway.Timeout)
	var gen reconcile.Generator = client
	if cfg.KHQR.Mode == "local" {
		gen = bakong.LocalGenerator{}
	}

	var sink notify.Sink = notify.LogSink{Log: log}
	if cfg.AMQPURL != "" {
		if s, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange); err != nil {
			log.Warn("amqp unavailable, staff notifications go to the log", zap.Error(err))
		} else {
			sink = s
			app.closers = append(app.closers, s.Close)
			app.Checks["amqp"] = func(context.Context) error { return s.Ping() }
		}
	}

	app.Throttle = throttle.NewMemory(3 * time.Second)
	if cfg.RedisAddr != "" {
		r := throttle.NewRedis(cfg.RedisAddr, 3*time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := r.Ping(ctx)
		cancel()
		if err != nil {
			log.Warn("redis unavailable, using in-process throttle", zap.Error(err))
			r.Close()
		} else {
			app.Throttle = r
			app.closers = append(app.closers, func() { r.Close() })
			app.Checks["redis"] = r.Ping
		}
	}

	bridge := order.NewBridge(conn, order.DBCart{}, order.Sequencer{}, cfg.DefaultExchangeRate, log.Named("bridge"))
	bridge.SessionLifetime = cfg.SessionLifetime
	app.Relay = notify.NewRelay(conn, sink, log.Named("notify"))
	app.Engine = reconcile.NewEngine(conn, gen, client, bridge, app.Relay, reconcile.Merchant{
		AccountID: cfg.KHQR.DefaultAccountID,
		Name:      cfg.KHQR.MerchantName,
		City:      cfg.KHQR.MerchantCity,
	}, log.Named("reconcile"))
	app.Poller = poller.New(app.Engine, app.Relay, cfg.PollInterval, cfg.PollBatch, log.Named("poller"))
	app.Poller.MaxAge = cfg.PollMaxAge
	return app, nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		sqlDB.Close()
	}
}
