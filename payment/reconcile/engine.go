// Reconciliation of gateway confirmations against orders. Every state change
// happens inside one database transaction holding the order row lock; calls
// to the gateway are made before the lock is taken.

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cafe-pos/log"
	"cafe-pos/payment/apperr"
	"cafe-pos/payment/bakong"
	"cafe-pos/payment/db"
	"cafe-pos/payment/notify"
	"cafe-pos/payment/order"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var DefaultTolerance = decimal.RequireFromString("0.01")

type Generator interface {
	Generate(ctx context.Context, req bakong.GenerateRequest) (bakong.QRResult, error)
}

type Checker interface {
	CheckStatus(ctx context.Context, md5, telegramChatID, merchantName string) (bakong.CheckResult, error)
	CheckStatusBatch(ctx context.Context, md5s []string) ([]bakong.CheckResult, error)
}

// Merchant is the fallback identity for QR generation when a shop has none.
type Merchant struct {
	AccountID string
	Name      string
	City      string
}

type Engine struct {
	db       *gorm.DB
	gen      Generator
	checker  Checker
	bridge   *order.Bridge
	relay    *notify.Relay
	merchant Merchant
	log      *zap.Logger

	Tolerance decimal.Decimal
	Now       func() time.Time
}

func NewEngine(conn *gorm.DB, gen Generator, checker Checker, bridge *order.Bridge, relay *notify.Relay, merchant Merchant, logger *zap.Logger) *Engine {
	return &Engine{
		db:        conn,
		gen:       gen,
		checker:   checker,
		bridge:    bridge,
		relay:     relay,
		merchant:  merchant,
		log:       logger,
		Tolerance: DefaultTolerance,
		Now:       time.Now,
	}
}

// Confirmation is a gateway report that fingerprint MD5 was paid.
type Confirmation struct {
	MD5      string
	OrderID  uint            // optional; binds a fingerprint not yet on record
	Amount   decimal.Decimal // zero when unknown
	Currency string          // empty when unknown
	Raw      map[string]any
}

type Outcome struct {
	Order       *db.Order       `json:"order,omitempty"`
	Transaction *db.Transaction `json:"transaction,omitempty"`
	Status      string          `json:"payment_status"`
	Duplicate   bool            `json:"duplicate"` // fingerprint was already counted
	Orphan      bool            `json:"orphan"`    // no order knows this fingerprint
	Notified    bool            `json:"-"`         // this call moved the order to paid
}

// Apply records a confirmation. Applying the same fingerprint twice returns the
// first result without touching state.
func (e *Engine) Apply(ctx context.Context, c Confirmation) (Outcome, error) {
	if c.MD5 == "" {
		return Outcome{}, apperr.Validationf("md5", "is required")
	}
	var out Outcome
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = e.ApplyTx(tx, c)
		return err
	})
	if err != nil {
		if prior, ok := e.lostRace(ctx, err, c); ok {
			return prior, nil
		}
		return Outcome{}, e.translate(err, c.MD5)
	}
	e.afterCommit(ctx, out)
	return out, nil
}

// lostRace returns the recorded result when err came from a concurrent
// confirmation of the same fingerprint committing first.
func (e *Engine) lostRace(ctx context.Context, err error, c Confirmation) (Outcome, bool) {
	if !errors.Is(err, gorm.ErrDuplicatedKey) && !apperr.Is(err, apperr.Conflict) {
		return Outcome{}, false
	}
	prior, ok, lookupErr := e.existing(ctx, c.MD5)
	if lookupErr != nil || !ok {
		return Outcome{}, false
	}
	if c.OrderID != 0 && prior.Order.ID != c.OrderID {
		return Outcome{}, false
	}
	return prior, true
}

// ApplyTx is Apply inside a caller-owned transaction. The caller must call
// afterCommit (through Apply or the flow helpers) once the transaction commits.
func (e *Engine) ApplyTx(tx *gorm.DB, c Confirmation) (Outcome, error) {
	orderID, err := e.resolveOrder(tx, c)
	if err != nil {
		return Outcome{}, err
	}
	if orderID == 0 {
		e.log.Warn("orphan confirmation", log.MD5(c.MD5), log.Amount(c.Amount.String()))
		return Outcome{Orphan: true}, nil
	}

	o, err := lockOrder(tx, orderID)
	if err != nil {
		return Outcome{}, err
	}

	// locking read: sees a verification committed while we waited for the order lock
	var txn db.Transaction
	found := true
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("md5_hash = ?", c.MD5).First(&txn).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return Outcome{}, fmt.Errorf("load transaction: %w", err)
		}
		found = false
	}
	if found && txn.OrderID != o.ID {
		return Outcome{}, apperr.Conflictf("fingerprint %s belongs to order %d", c.MD5, txn.OrderID)
	}
	if found && txn.Verified() {
		return Outcome{Order: o, Transaction: &txn, Status: o.PaymentStatus, Duplicate: true}, nil
	}

	switch {
	case o.PaymentStatus == db.StatusPaid:
		e.log.Warn("confirmation for an order that is already paid",
			log.Order(o.ID), log.MD5(c.MD5), log.Amount(c.Amount.String()))
		return Outcome{}, apperr.Conflictf("order %s is already paid", o.OrderNumber)
	case o.Terminal():
		return Outcome{}, apperr.Conflictf("order %s is %s", o.OrderNumber, o.PaymentStatus)
	}

	amount := c.Amount
	if !amount.IsPositive() && found {
		amount = txn.Amount
	}
	if !amount.IsPositive() {
		amount = o.Remaining()
	}
	currency := c.Currency
	if currency == "" && found {
		currency = txn.Currency
	}
	if currency == "" {
		currency = o.Currency
	}
	if currency != o.Currency {
		return Outcome{}, apperr.Validationf("currency", "paid in %s but order settles in %s", currency, o.Currency)
	}

	now := e.Now()
	if found {
		payload := txn.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		if c.Raw != nil {
			payload["success_data"] = c.Raw
		}
		txn.Amount, txn.Payload, txn.VerifiedAt = amount, payload, &now
		if err := tx.Model(&txn).Select("amount", "payload", "verified_at").Updates(&txn).Error; err != nil {
			return Outcome{}, fmt.Errorf("verify transaction: %w", err)
		}
	} else {
		txn = db.Transaction{
			OrderID:    o.ID,
			Method:     db.MethodKHQR,
			Amount:     amount,
			Currency:   currency,
			MD5Hash:    c.MD5,
			VerifiedAt: &now,
		}
		if c.Raw != nil {
			txn.Payload = map[string]any{"success_data": c.Raw}
		}
		if err := tx.Create(&txn).Error; err != nil {
			return Outcome{}, fmt.Errorf("record transaction: %w", err)
		}
	}

	out, err := e.settle(tx, o)
	if err != nil {
		return Outcome{}, err
	}
	out.Transaction = &txn
	e.log.Info("payment applied", log.Order(o.ID), log.MD5(c.MD5),
		log.Amount(amount.String()), log.Status(out.Status))
	return out, nil
}

// settle recomputes the received amount from verified transactions and moves
// the order to partial or paid. Writes the staff notification row on the
// first transition to paid.
func (e *Engine) settle(tx *gorm.DB, o *db.Order) (Outcome, error) {
	var verified []db.Transaction
	if err := tx.Where("order_id = ? AND verified_at IS NOT NULL", o.ID).Find(&verified).Error; err != nil {
		return Outcome{}, fmt.Errorf("sum transactions: %w", err)
	}
	received := decimal.Zero
	for _, t := range verified {
		received = received.Add(t.Amount)
	}

	next := db.StatusPending
	switch {
	case received.GreaterThanOrEqual(o.AmountDue.Sub(e.Tolerance)):
		next = db.StatusPaid
	case received.IsPositive():
		next = db.StatusPartial
	}

	if err := e.guard(o, received, next); err != nil {
		e.log.Error("invariant violation", log.Order(o.ID), zap.Error(err))
		return Outcome{}, err
	}

	updates := map[string]any{"payment_status": next, "received_amount": received}
	var paidAt *time.Time
	if next == db.StatusPaid {
		now := e.Now()
		paidAt = &now
		updates["paid_at"] = now
	}
	if err := tx.Model(&db.Order{}).Where("id = ?", o.ID).Updates(updates).Error; err != nil {
		return Outcome{}, fmt.Errorf("update order: %w", err)
	}
	prev := o.PaymentStatus
	o.PaymentStatus, o.ReceivedAmount = next, received
	if paidAt != nil {
		o.PaidAt = paidAt
	}

	out := Outcome{Order: o, Status: next}
	if next == db.StatusPaid && prev != db.StatusPaid {
		row := notify.Row(o)
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return Outcome{}, fmt.Errorf("queue staff notification: %w", res.Error)
		}
		out.Notified = res.RowsAffected == 1
	}
	return out, nil
}

// guard rejects transitions that would break the payment model.
func (e *Engine) guard(o *db.Order, received decimal.Decimal, next string) error {
	if received.LessThan(o.ReceivedAmount) {
		return apperr.Invariantf("order %d: received amount would drop from %s to %s", o.ID, o.ReceivedAmount, received)
	}
	if !o.AmountDue.IsPositive() {
		return apperr.Invariantf("order %d: amount due is %s", o.ID, o.AmountDue)
	}
	switch o.PaymentStatus {
	case db.StatusPending:
	case db.StatusPartial:
		if next == db.StatusPending {
			return apperr.Invariantf("order %d: partial order cannot return to pending", o.ID)
		}
	default:
		return apperr.Invariantf("order %d: no payment transition from %s", o.ID, o.PaymentStatus)
	}
	return nil
}

func (e *Engine) resolveOrder(tx *gorm.DB, c Confirmation) (uint, error) {
	var ids []uint
	if err := tx.Model(&db.Transaction{}).Where("md5_hash = ?", c.MD5).Limit(1).Pluck("order_id", &ids).Error; err != nil {
		return 0, fmt.Errorf("find transaction: %w", err)
	}
	if len(ids) > 0 {
		return ids[0], nil
	}
	if err := tx.Model(&db.Order{}).Where("khqr_md5 = ?", c.MD5).Order("id DESC").Limit(1).Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("find order: %w", err)
	}
	if len(ids) > 0 {
		return ids[0], nil
	}
	return c.OrderID, nil
}

func lockOrder(tx *gorm.DB, id uint) (*db.Order, error) {
	var o db.Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&o, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFoundf("order %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock order: %w", err)
	}
	return &o, nil
}

// afterCommit hands a fresh paid transition to the notification relay. A
// failed publish stays in the outbox for the poller to retry.
func (e *Engine) afterCommit(ctx context.Context, out Outcome) {
	if !out.Notified || e.relay == nil || out.Order == nil {
		return
	}
	if err := e.relay.Deliver(ctx, out.Order.ID); err != nil {
		e.log.Warn("staff notification deferred", log.Order(out.Order.ID), zap.Error(err))
	}
}

// translate maps storage errors that have a domain meaning.
func (e *Engine) translate(err error, md5 string) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperr.Conflictf("fingerprint %s was recorded concurrently", md5)
	}
	return err
}

// Order loads an order with its items and transactions.
func (e *Engine) Order(ctx context.Context, id uint) (*db.Order, error) {
	var o db.Order
	err := e.db.WithContext(ctx).Preload("Items.Options").Preload("Transactions").First(&o, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFoundf("order %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// PendingFingerprints lists unverified KHQR fingerprints of orders still
// awaiting payment that were issued at or after since, oldest first.
func (e *Engine) PendingFingerprints(ctx context.Context, since time.Time) ([]string, error) {
	var md5s []string
	err := e.db.WithContext(ctx).Model(&db.Transaction{}).
		Joins("JOIN orders ON orders.id = transactions.order_id").
		Where("transactions.verified_at IS NULL AND transactions.method = ?", db.MethodKHQR).
		Where("orders.payment_status IN ?", []string{db.StatusPending, db.StatusPartial}).
		Where("transactions.created_at >= ?", since).
		Order("transactions.id ASC").
		Pluck("transactions.md5_hash", &md5s).Error
	return md5s, err
}

// QRString returns the stored KHQR string for a fingerprint.
func (e *Engine) QRString(ctx context.Context, md5 string) (string, error) {
	var txn db.Transaction
	err := e.db.WithContext(ctx).Select("qr_string").Where("md5_hash = ? AND qr_string <> ''", md5).First(&txn).Error
	if err == nil {
		return txn.QRString, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}
	var o db.Order
	err = e.db.WithContext(ctx).Select("khqr_string").Where("khqr_md5 = ?", md5).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", apperr.NotFoundf("no QR for fingerprint %s", md5)
	}
	if err != nil {
		return "", err
	}
	return o.KHQRString, nil
}

// Ping reports whether the database answers.
func (e *Engine) Ping(ctx context.Context) error {
	sqlDB, err := e.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
