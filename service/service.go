package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Start serves handler on addr. The returned context is cancelled once the
// server has stopped, either because ListenAndServe failed or because ctx
// was cancelled and the graceful shutdown finished.
func Start(ctx context.Context, name, addr string, handler http.Handler, log *zap.Logger) context.Context {
	log.Info("starting service", zap.String("service", name), zap.String("addr", addr))
	return startService(ctx, name, addr, handler, log)
}

func startService(ctx context.Context, name, addr string, handler http.Handler, log *zap.Logger) context.Context {
	stopped, cancel := context.WithCancel(context.Background())

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		defer cancel()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("service stopped", zap.String("service", name), zap.Error(err))
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-stopped.Done():
			return
		}
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown failed", zap.String("service", name), zap.Error(err))
		}
		log.Info("service stopped", zap.String("service", name))
	}()

	return stopped
}
