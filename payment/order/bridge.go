// Snapshot bridge: freezes a guest cart or a staff POS ticket into an immutable
// order. Names and prices are copied so later menu edits never change an order.

package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cafe-pos/log"
	"cafe-pos/payment/apperr"
	"cafe-pos/payment/db"
	"cafe-pos/payment/khqr"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Bridge struct {
	db          *gorm.DB
	cart        CartSource
	seq         Sequencer
	defaultRate decimal.Decimal
	log         *zap.Logger

	// SessionLifetime is the minimum time a session stays open after checkout.
	SessionLifetime time.Duration
	Now             func() time.Time
}

func NewBridge(conn *gorm.DB, cart CartSource, seq Sequencer, defaultRate decimal.Decimal, log *zap.Logger) *Bridge {
	return &Bridge{db: conn, cart: cart, seq: seq, defaultRate: defaultRate, log: log, Now: time.Now}
}

type CheckoutRequest struct {
	SessionToken string
	Method       string // cash or khqr
	Currency     string // USD or KHR
}

type PosRequest struct {
	ShopID    uint
	Items     []Line // staff supplied prices are trusted
	Method    string
	Currency  string
	CreatedBy *uint
}

func validateMethod(method, currency string) error {
	if method != db.MethodCash && method != db.MethodKHQR {
		return apperr.Validationf("payment_method", "must be cash or khqr")
	}
	if !khqr.SupportedCurrency(currency) {
		return apperr.Validationf("payment_currency", "must be USD or KHR")
	}
	return nil
}

// CreateFromCart converts the session cart into a pending order and clears the
// cart in the same transaction.
func (b *Bridge) CreateFromCart(ctx context.Context, req CheckoutRequest) (*db.Order, error) {
	var out *db.Order
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := b.CreateFromCartTx(tx, req)
		out = o
		return err
	})
	if err != nil {
		return nil, err
	}
	b.log.Info("order created from cart",
		log.Order(out.ID), log.Shop(out.ShopID), log.Session(req.SessionToken), zap.String("order_number", out.OrderNumber),
		zap.String("total", out.Total.StringFixed(2)), zap.String("method", out.PaymentMethod))
	return out, nil
}

// CreateFromCartTx is CreateFromCart inside a caller-owned transaction.
func (b *Bridge) CreateFromCartTx(tx *gorm.DB, req CheckoutRequest) (*db.Order, error) {
	if err := validateMethod(req.Method, req.Currency); err != nil {
		return nil, err
	}
	session, err := LockSession(tx, req.SessionToken, b.Now())
	if err != nil {
		return nil, err
	}

	lines, err := b.cart.Lines(tx, session)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, apperr.Validationf("cart", "cart is empty")
	}

	o, err := b.insert(tx, session.ShopID, &session.ID, lines, req.Method, req.Currency, nil)
	if err != nil {
		return nil, err
	}
	if err := b.cart.Clear(tx, session.ID); err != nil {
		return nil, err
	}
	link := map[string]any{"order_id": o.ID}
	// keep the session open long enough to pay for what was just ordered
	if until := b.Now().Add(b.SessionLifetime); b.SessionLifetime > 0 && until.After(session.ExpiresAt) {
		link["expires_at"] = until
	}
	if err := tx.Model(&db.TableSession{}).Where("id = ?", session.ID).Updates(link).Error; err != nil {
		return nil, fmt.Errorf("link session: %w", err)
	}
	return o, nil
}

// CartTotal prices the session cart without writing anything. Used to size a
// QR before the order exists.
func (b *Bridge) CartTotal(ctx context.Context, token, currency string) (decimal.Decimal, *db.Shop, error) {
	var (
		due  decimal.Decimal
		shop db.Shop
	)
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session db.TableSession
		if err := tx.Where("token = ?", token).First(&session).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFoundf("session not found")
			}
			return err
		}
		if !session.Active(b.Now()) {
			return apperr.Validationf("session_token", "session has expired")
		}
		lines, err := b.cart.Lines(tx, &session)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return apperr.Validationf("cart", "cart is empty")
		}
		if err := tx.First(&shop, session.ShopID).Error; err != nil {
			return fmt.Errorf("load shop: %w", err)
		}
		due, err = Convert(Total(lines), b.rate(&shop), currency)
		if err != nil {
			return apperr.Validationf("payment_currency", "%v", err)
		}
		return nil
	})
	return due, &shop, err
}

func (b *Bridge) CreatePosOrder(ctx context.Context, req PosRequest) (*db.Order, error) {
	var out *db.Order
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := b.CreatePosOrderTx(tx, req)
		out = o
		return err
	})
	if err != nil {
		return nil, err
	}
	b.log.Info("pos order created",
		log.Order(out.ID), log.Shop(out.ShopID), zap.String("order_number", out.OrderNumber),
		zap.String("total", out.Total.StringFixed(2)), zap.String("method", out.PaymentMethod))
	return out, nil
}

func (b *Bridge) CreatePosOrderTx(tx *gorm.DB, req PosRequest) (*db.Order, error) {
	if err := validateMethod(req.Method, req.Currency); err != nil {
		return nil, err
	}
	if len(req.Items) == 0 {
		return nil, apperr.Validationf("items", "at least one item is required")
	}
	for i, l := range req.Items {
		if l.Quantity <= 0 {
			return nil, apperr.Validationf(fmt.Sprintf("items[%d].quantity", i), "must be positive")
		}
		if l.UnitPrice.IsNegative() {
			return nil, apperr.Validationf(fmt.Sprintf("items[%d].unit_price", i), "must not be negative")
		}
	}
	return b.insert(tx, req.ShopID, nil, req.Items, req.Method, req.Currency, req.CreatedBy)
}

func (b *Bridge) insert(tx *gorm.DB, shopID uint, sessionID *uint, lines []Line, method, currency string, createdBy *uint) (*db.Order, error) {
	var shop db.Shop
	if err := tx.First(&shop, shopID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFoundf("shop %d not found", shopID)
		}
		return nil, fmt.Errorf("load shop: %w", err)
	}

	total := Total(lines)
	if !total.IsPositive() {
		return nil, apperr.Validationf("total", "order total must be greater than zero")
	}
	rate := b.rate(&shop)
	due, err := Convert(total, rate, currency)
	if err != nil {
		return nil, apperr.Validationf("payment_currency", "%v", err)
	}

	num, err := b.seq.Next(tx, shop.ID, b.Now())
	if err != nil {
		return nil, err
	}

	o := &db.Order{
		ShopID:             shop.ID,
		SessionID:          sessionID,
		OrderNumber:        num.OrderNumber,
		QueueNumber:        num.QueueNumber,
		Total:              total,
		Currency:           currency,
		AmountDue:          due,
		ExchangeRate:       rate,
		ReceivedAmount:     decimal.Zero,
		PaymentMethod:      method,
		PaymentStatus:      db.StatusPending,
		FulfillmentStatus:  db.FulfillmentQueue,
		ConfirmationStatus: db.ConfirmationPending,
		CreatedBy:          createdBy,
	}
	for _, l := range lines {
		item := db.OrderItem{
			ProductID:   l.ProductID,
			ProductName: l.Name,
			UnitPrice:   l.UnitPrice,
			Quantity:    l.Quantity,
			Subtotal:    l.Subtotal().Round(2),
			Notes:       l.Notes,
		}
		for _, opt := range l.Options {
			item.Options = append(item.Options, db.OrderItemOption{Name: opt.Name, ExtraPrice: opt.ExtraPrice})
		}
		o.Items = append(o.Items, item)
	}

	if err := tx.Create(o).Error; err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	return o, nil
}

func (b *Bridge) rate(shop *db.Shop) decimal.Decimal {
	if shop.ExchangeRate.IsPositive() {
		return shop.ExchangeRate
	}
	return b.defaultRate
}

// LockSession loads an active table session by token with a row lock.
func LockSession(tx *gorm.DB, token string, now time.Time) (*db.TableSession, error) {
	if token == "" {
		return nil, apperr.Validationf("session_token", "is required")
	}
	var s db.TableSession
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("token = ?", token).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFoundf("session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !s.Active(now) {
		return nil, apperr.Validationf("session_token", "session has expired")
	}
	return &s, nil
}
