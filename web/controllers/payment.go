package controllers

import (
	"net/http"

	"cafe-pos/payment/apperr"
	"cafe-pos/payment/qrcode"
	"cafe-pos/payment/reconcile"
	"cafe-pos/web/middleware"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func (h *Handler) GenerateQR(c *gin.Context) {
	var req struct {
		SessionToken string          `json:"session_token"`
		Amount       decimal.Decimal `json:"amount"`
		Currency     string          `json:"currency"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	qr, err := h.engine.Generate(c.Request.Context(), reconcile.GenerateInput{
		SessionToken: req.SessionToken,
		Amount:       req.Amount,
		Currency:     req.Currency,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, qr)
}

func (h *Handler) CheckStatus(c *gin.Context) {
	var req struct {
		MD5List []string `json:"md5_list" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	results, err := h.engine.CheckBatch(c.Request.Context(), req.MD5List)
	if err != nil {
		h.respondError(c, err)
		return
	}
	data := make([]checkEntry, 0, len(results))
	for _, r := range results {
		data = append(data, newCheckEntry(r))
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}

func (h *Handler) CheckStatusSingle(c *gin.Context) {
	var req struct {
		MD5 string `json:"md5" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.engine.CheckSingle(c.Request.Context(), req.MD5)
	if err != nil {
		h.respondError(c, err)
		return
	}
	code, msg := 1, "Transaction not found"
	if res.Paid {
		code, msg = 0, "Success"
	}
	c.JSON(http.StatusOK, gin.H{"responseCode": code, "responseMessage": msg, "data": newCheckEntry(res)})
}

// checkEntry is one fingerprint in a check-status response.
type checkEntry struct {
	MD5           string `json:"md5"`
	Status        string `json:"status"` // paid, unpaid or error
	Amount        string `json:"amount"`
	Currency      string `json:"currency,omitempty"`
	OrderID       uint   `json:"order_id,omitempty"`
	PaymentStatus string `json:"payment_status,omitempty"`
	Duplicate     bool   `json:"duplicate,omitempty"`
	Orphan        bool   `json:"orphan,omitempty"`
	Error         string `json:"error,omitempty"`
}

func newCheckEntry(r reconcile.CheckOutcome) checkEntry {
	e := checkEntry{
		MD5:           r.MD5,
		Status:        "unpaid",
		Amount:        r.Amount.StringFixed(2),
		Currency:      r.Currency,
		PaymentStatus: r.Status,
		Duplicate:     r.Duplicate,
		Orphan:        r.Orphan,
		Error:         r.Error,
	}
	switch {
	case r.Error != "":
		e.Status = "error"
	case r.Paid:
		e.Status = "paid"
	}
	if r.Order != nil {
		e.OrderID = r.Order.ID
	}
	return e
}

func (h *Handler) RegenerateQR(c *gin.Context) {
	var req struct {
		OrderID uint `json:"order_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	o, err := h.engine.IssueQR(c.Request.Context(), req.OrderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o, "qr_string": o.KHQRString, "md5": o.KHQRMD5})
}

func (h *Handler) QRImage(c *gin.Context) {
	s, err := h.engine.QRString(c.Request.Context(), c.Param("md5"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	img, err := qrcode.PNG(s, qrcode.DefaultSize)
	if err != nil {
		h.respondError(c, apperr.Invariantf("stored qr for %s: %v", c.Param("md5"), err))
		return
	}
	c.Header("Cache-Control", "public, max-age=300")
	c.Data(http.StatusOK, "image/png", img)
}

// Callback applies a confirmation pushed by the gateway. The fingerprint comes
// from the signed token; amount and currency from the body when present.
func (h *Handler) Callback(c *gin.Context) {
	claims, ok := middleware.Claims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	var body map[string]any
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err)
			return
		}
	}

	conf := reconcile.Confirmation{MD5: claims.MD5, Raw: body}
	if v, ok := body["amount"]; ok {
		amount, err := decimal.NewFromString(toString(v))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid amount"})
			return
		}
		conf.Amount = amount
	}
	if v, ok := body["currency"].(string); ok {
		conf.Currency = v
	}

	out, err := h.engine.Apply(c.Request.Context(), conf)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if out.Orphan {
		c.JSON(http.StatusAccepted, out)
		return
	}
	c.JSON(http.StatusOK, out)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return decimal.NewFromFloat(t).String()
	}
	return ""
}
