package controllers

import (
	"net/http"

	"cafe-pos/payment/order"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type posItem struct {
	ProductID uint            `json:"product_id"`
	Name      string          `json:"name" binding:"required"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity" binding:"required"`
	Notes     string          `json:"notes"`
	Options   []struct {
		Name       string          `json:"name"`
		ExtraPrice decimal.Decimal `json:"extra_price"`
	} `json:"options"`
}

// CreatePosOrder records a counter order. Item prices come from staff and are
// taken as given.
func (h *Handler) CreatePosOrder(c *gin.Context) {
	var req struct {
		ShopID          uint      `json:"shop_id" binding:"required"`
		Items           []posItem `json:"items"`
		PaymentMethod   string    `json:"payment_method" binding:"required"`
		PaymentCurrency string    `json:"payment_currency"`
		CreatedBy       *uint     `json:"created_by"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.PaymentCurrency == "" {
		req.PaymentCurrency = "USD"
	}

	lines := make([]order.Line, 0, len(req.Items))
	for _, it := range req.Items {
		l := order.Line{
			ProductID: it.ProductID,
			Name:      it.Name,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
			Notes:     it.Notes,
		}
		for _, o := range it.Options {
			l.Options = append(l.Options, order.Option{Name: o.Name, ExtraPrice: o.ExtraPrice})
		}
		lines = append(lines, l)
	}

	res, err := h.engine.CreatePos(c.Request.Context(), order.PosRequest{
		ShopID:    req.ShopID,
		Items:     lines,
		Method:    req.PaymentMethod,
		Currency:  req.PaymentCurrency,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetPosOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	o, err := h.engine.Order(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) SetPaymentStatus(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var req struct {
		PaymentStatus string `json:"payment_status" binding:"required"`
		StaffID       *uint  `json:"staff_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	out, err := h.engine.SetPaymentStatus(c.Request.Context(), id, req.PaymentStatus, req.StaffID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) SetFulfillmentStatus(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	o, err := h.engine.SetFulfillment(c.Request.Context(), id, req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) SetConfirmation(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var req struct {
		ConfirmationStatus string `json:"confirmation_status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	o, err := h.engine.SetConfirmation(c.Request.Context(), id, req.ConfirmationStatus)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}
