package main

import (
	"context"
	stlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cafe-pos/config"
	"cafe-pos/log"
	"cafe-pos/payment/db"
	"cafe-pos/service"
	"cafe-pos/web/controllers"
	"cafe-pos/web/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		stlog.Fatalln("Error loading config:", err)
	}
	logger, err := log.New("paymentservice", cfg.LogLevel)
	if err != nil {
		stlog.Fatalln(err)
	}
	defer logger.Sync()

	app, err := service.Build(cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer app.Close()
	if err := db.Sync(app.DB); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.PollEnabled {
		go app.Poller.Run(ctx)
	}

	gin.SetMode(cfg.GinMode)
	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	guestLimiter := middleware.NewRateLimiter(cfg.RateLimitPerMin, time.Minute)
	guestLimiter.StartCleanup(10*time.Minute, ctx.Done())

	callback := middleware.RequireCallbackToken([]byte(cfg.CallbackSecret))
	if cfg.CallbackSecret == "" {
		logger.Warn("CALLBACK_SECRET is empty, /khqr/callback is disabled")
		callback = func(c *gin.Context) {
			c.AbortWithStatusJSON(503, gin.H{"error": "callback disabled"})
		}
	}

	h := controllers.New(app.Engine, app.Throttle, logger.Named("http"))
	for name, check := range app.Checks {
		h.AddCheck(name, check)
	}
	h.Routes(r, guestLimiter.Middleware(), callback)

	stopped := service.Start(ctx, "paymentservice", ":"+cfg.HTTPPort, r, logger)
	<-stopped.Done()
}
