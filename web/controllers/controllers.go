package controllers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"cafe-pos/payment/apperr"
	"cafe-pos/payment/reconcile"
	"cafe-pos/payment/throttle"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	engine   *reconcile.Engine
	throttle throttle.Throttle
	checks   map[string]Check
	log      *zap.Logger
}

// Check probes an optional dependency for /healthz.
type Check func(ctx context.Context) error

func New(engine *reconcile.Engine, t throttle.Throttle, log *zap.Logger) *Handler {
	return &Handler{engine: engine, throttle: t, checks: make(map[string]Check), log: log}
}

// AddCheck reports name in /healthz. A failing check marks the service
// degraded without failing the probe; only the database does that.
func (h *Handler) AddCheck(name string, fn Check) {
	h.checks[name] = fn
}

// Routes wires every endpoint onto r. guest is applied to the unauthenticated
// polling routes; callback guards the gateway push endpoint.
func (h *Handler) Routes(r gin.IRouter, guest, callback gin.HandlerFunc) {
	r.GET("/healthz", h.Health)

	r.POST("/khqr/generate", guest, h.GenerateQR)
	r.POST("/khqr/check-status", guest, h.CheckStatus)
	r.POST("/khqr/check-status-single", guest, h.CheckStatusSingle)
	r.POST("/khqr/regenerate", guest, h.RegenerateQR)
	r.GET("/khqr/:md5/qr.png", guest, h.QRImage)
	r.POST("/khqr/callback", callback, h.Callback)

	r.POST("/orders/checkout", guest, h.Checkout)
	r.POST("/orders/finalize", guest, h.Finalize)
	r.POST("/orders/:id/finalize-payment", guest, h.FinalizePayment)
	r.GET("/orders/:id/status", guest, h.OrderStatus)

	pos := r.Group("/pos")
	pos.POST("/orders", h.CreatePosOrder)
	pos.GET("/orders/:id", h.GetPosOrder)
	pos.PUT("/orders/:id/payment-status", h.SetPaymentStatus)
	pos.PUT("/orders/:id/fulfillment-status", h.SetFulfillmentStatus)
	pos.PUT("/orders/:id/confirmation", h.SetConfirmation)
}

// respondError maps core error kinds to HTTP status codes.
func (h *Handler) respondError(c *gin.Context, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	body := gin.H{"error": e.Message, "kind": e.Kind}
	if e.Field != "" {
		body["field"] = e.Field
	}
	if e.Retry {
		body["retry"] = true
	}

	code := http.StatusInternalServerError
	switch e.Kind {
	case apperr.Validation:
		code = http.StatusUnprocessableEntity
	case apperr.NotFound:
		code = http.StatusNotFound
	case apperr.Conflict:
		code = http.StatusConflict
	case apperr.External:
		code = http.StatusBadGateway
		c.Header("Retry-After", "5")
		h.log.Warn("external service failed", zap.String("path", c.FullPath()), zap.Error(err))
	case apperr.Invariant:
		h.log.Error("invariant violated", zap.String("path", c.FullPath()), zap.Error(err))
		body = gin.H{"error": "internal error", "kind": e.Kind}
	}
	c.JSON(code, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "detail": err.Error()})
}

func orderID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order id"})
		return 0, false
	}
	return uint(id), true
}
