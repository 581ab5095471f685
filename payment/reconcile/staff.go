package reconcile

import (
	"context"
	"fmt"
	"strings"

	"cafe-pos/log"
	"cafe-pos/payment/apperr"
	"cafe-pos/payment/db"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SetPaymentStatus is the staff override. "paid" records a verified manual
// transaction for the remaining balance; "failed" and "rejected" close an
// unpaid order. Setting the status an order already has is a no-op.
func (e *Engine) SetPaymentStatus(ctx context.Context, orderID uint, status string, staffID *uint) (Outcome, error) {
	switch status {
	case db.StatusPaid, db.StatusFailed, db.StatusRejected:
	default:
		return Outcome{}, apperr.Validationf("payment_status", "must be paid, failed or rejected")
	}

	var out Outcome
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if o.PaymentStatus == status {
			out = Outcome{Order: o, Status: status, Duplicate: true}
			return nil
		}
		if o.Terminal() {
			return apperr.Conflictf("order %s is %s", o.OrderNumber, o.PaymentStatus)
		}

		if status == db.StatusPaid {
			method := db.MethodManual
			if o.PaymentMethod == db.MethodCash {
				method = db.MethodCash
			}
			out, err = e.payManuallyTx(tx, o.ID, method, staffID)
			return err
		}

		if err := tx.Model(&db.Order{}).Where("id = ?", o.ID).Update("payment_status", status).Error; err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		o.PaymentStatus = status
		out = Outcome{Order: o, Status: status}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	e.afterCommit(ctx, out)
	e.log.Info("payment status set by staff", log.Order(orderID), log.Status(status))
	return out, nil
}

// payManuallyTx settles the remaining balance with a cash or manual
// transaction. Fingerprints are CASH_<uuid> / MANUAL_<uuid> so they never
// collide with gateway fingerprints.
func (e *Engine) payManuallyTx(tx *gorm.DB, orderID uint, method string, staffID *uint) (Outcome, error) {
	o, err := lockOrder(tx, orderID)
	if err != nil {
		return Outcome{}, err
	}
	if o.Terminal() {
		return Outcome{}, apperr.Conflictf("order %s is %s", o.OrderNumber, o.PaymentStatus)
	}
	amount := o.Remaining()
	if !amount.IsPositive() {
		return Outcome{}, apperr.Invariantf("order %d: nothing left to pay but status is %s", o.ID, o.PaymentStatus)
	}

	now := e.Now()
	txn := db.Transaction{
		OrderID:    o.ID,
		Method:     method,
		Amount:     amount,
		Currency:   o.Currency,
		MD5Hash:    strings.ToUpper(method) + "_" + uuid.NewString(),
		VerifiedAt: &now,
	}
	if staffID != nil {
		txn.Payload = map[string]any{"recorded_by": *staffID}
	}
	if err := tx.Create(&txn).Error; err != nil {
		return Outcome{}, fmt.Errorf("record %s payment: %w", method, err)
	}
	out, err := e.settle(tx, o)
	if err != nil {
		return Outcome{}, err
	}
	out.Transaction = &txn
	return out, nil
}

var fulfillmentNext = map[string][]string{
	db.FulfillmentQueue:     {db.FulfillmentPreparing, db.FulfillmentServed, db.FulfillmentCompleted, db.FulfillmentCancelled},
	db.FulfillmentPreparing: {db.FulfillmentServed, db.FulfillmentCompleted, db.FulfillmentCancelled},
	db.FulfillmentServed:    {db.FulfillmentCompleted, db.FulfillmentCancelled},
}

// SetFulfillment moves an order through the kitchen. Completed and cancelled are final.
func (e *Engine) SetFulfillment(ctx context.Context, orderID uint, status string) (*db.Order, error) {
	if _, ok := fulfillmentNext[status]; !ok && status != db.FulfillmentCompleted && status != db.FulfillmentCancelled {
		return nil, apperr.Validationf("status", "unknown fulfillment status %q", status)
	}
	var out *db.Order
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		out = o
		if o.FulfillmentStatus == status {
			return nil
		}
		allowed := false
		for _, s := range fulfillmentNext[o.FulfillmentStatus] {
			if s == status {
				allowed = true
			}
		}
		if !allowed {
			return apperr.Conflictf("order %s cannot go from %s to %s", o.OrderNumber, o.FulfillmentStatus, status)
		}
		o.FulfillmentStatus = status
		return tx.Model(&db.Order{}).Where("id = ?", o.ID).Update("fulfillment_status", status).Error
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("fulfillment updated", log.Order(orderID), zap.String("status", status))
	return out, nil
}

// SetConfirmation records staff accepting or rejecting an incoming order.
func (e *Engine) SetConfirmation(ctx context.Context, orderID uint, status string) (*db.Order, error) {
	if status != db.ConfirmationAccepted && status != db.ConfirmationRejected {
		return nil, apperr.Validationf("confirmation_status", "must be accepted or rejected")
	}
	var out *db.Order
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		out = o
		if o.ConfirmationStatus == status {
			return nil
		}
		if o.ConfirmationStatus != db.ConfirmationPending {
			return apperr.Conflictf("order %s was already %s", o.OrderNumber, o.ConfirmationStatus)
		}
		o.ConfirmationStatus = status
		return tx.Model(&db.Order{}).Where("id = ?", o.ID).Update("confirmation_status", status).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
