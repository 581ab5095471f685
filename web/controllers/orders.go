package controllers

import (
	"net/http"

	"cafe-pos/log"
	"cafe-pos/payment/db"
	"cafe-pos/payment/order"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *Handler) Checkout(c *gin.Context) {
	var req struct {
		SessionToken    string `json:"session_token" binding:"required"`
		PaymentMethod   string `json:"payment_method" binding:"required"`
		PaymentCurrency string `json:"payment_currency"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.PaymentCurrency == "" {
		req.PaymentCurrency = "USD"
	}
	res, err := h.engine.Checkout(c.Request.Context(), order.CheckoutRequest{
		SessionToken: req.SessionToken,
		Method:       req.PaymentMethod,
		Currency:     req.PaymentCurrency,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) Finalize(c *gin.Context) {
	var req struct {
		SessionToken    string `json:"session_token" binding:"required"`
		MD5             string `json:"md5" binding:"required"`
		PaymentCurrency string `json:"payment_currency"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	out, err := h.engine.Finalize(c.Request.Context(), req.SessionToken, req.MD5, req.PaymentCurrency)
	if err != nil {
		h.respondError(c, err)
		return
	}
	code := http.StatusCreated
	if out.Duplicate {
		code = http.StatusOK
	}
	c.JSON(code, gin.H{"status": out.Status, "order": out.Order, "duplicate": out.Duplicate})
}

func (h *Handler) FinalizePayment(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var req struct {
		MD5 string `json:"md5" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	out, err := h.engine.FinalizePayment(c.Request.Context(), id, req.MD5)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// OrderStatus returns the order. A pending khqr order is checked against the
// gateway first, at most once per throttle window per fingerprint.
func (h *Handler) OrderStatus(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	o, err := h.engine.Order(ctx, id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	awaiting := o.PaymentStatus == db.StatusPending || o.PaymentStatus == db.StatusPartial
	if o.PaymentMethod == db.MethodKHQR && awaiting && o.KHQRMD5 != "" && h.throttle.Allow(ctx, o.KHQRMD5) {
		res, err := h.engine.CheckSingle(ctx, o.KHQRMD5)
		switch {
		case err != nil:
			h.log.Debug("piggyback check failed", log.Order(id), zap.Error(err))
		case res.Paid && res.Order != nil:
			o = res.Order
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"id":              o.ID,
		"order_number":    o.OrderNumber,
		"queue_number":    o.QueueNumber,
		"payment_status":  o.PaymentStatus,
		"status":          o.FulfillmentStatus,
		"total_amount":    o.Total,
		"amount_due":      o.AmountDue,
		"received_amount": o.ReceivedAmount,
		"currency":        o.Currency,
		"khqr_md5":        o.KHQRMD5,
	})
}
