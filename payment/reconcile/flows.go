package reconcile

import (
	"context"
	"errors"
	"fmt"

	"cafe-pos/log"
	"cafe-pos/payment/apperr"
	"cafe-pos/payment/bakong"
	"cafe-pos/payment/db"
	"cafe-pos/payment/khqr"
	"cafe-pos/payment/order"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GenerateInput sizes a QR either from a session cart (authoritative) or from
// an explicit amount.
type GenerateInput struct {
	SessionToken string
	Amount       decimal.Decimal
	Currency     string
}

type QR struct {
	QRString string          `json:"qr_string"`
	MD5      string          `json:"md5"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// Generate issues a QR that is not yet bound to an order. The order is
// created by Finalize once the payment is confirmed.
func (e *Engine) Generate(ctx context.Context, in GenerateInput) (QR, error) {
	if in.Currency == "" {
		in.Currency = khqr.CurrencyUSD
	}
	if !khqr.SupportedCurrency(in.Currency) {
		return QR{}, apperr.Validationf("currency", "must be USD or KHR")
	}

	var shop *db.Shop
	amount := in.Amount
	if in.SessionToken != "" {
		due, s, err := e.bridge.CartTotal(ctx, in.SessionToken, in.Currency)
		if err != nil {
			return QR{}, err
		}
		amount, shop = due, s
	} else if !amount.GreaterThanOrEqual(decimal.RequireFromString("0.01")) {
		return QR{}, apperr.Validationf("amount", "must be at least 0.01")
	}

	req := e.generateRequest(shop, amount, in.Currency, "")
	qr, err := e.generate(ctx, req)
	if err != nil {
		return QR{}, err
	}
	return QR{QRString: qr.QRString, MD5: qr.MD5, Amount: amount, Currency: in.Currency}, nil
}

func (e *Engine) generateRequest(shop *db.Shop, amount decimal.Decimal, currency, bill string) bakong.GenerateRequest {
	req := bakong.GenerateRequest{
		Amount:       amount,
		Currency:     currency,
		AccountID:    e.merchant.AccountID,
		MerchantName: e.merchant.Name,
		MerchantCity: e.merchant.City,
		BillNumber:   bill,
	}
	if shop != nil {
		if shop.BakongAccountID != "" {
			req.AccountID = shop.BakongAccountID
		}
		if shop.MerchantName != "" {
			req.MerchantName = shop.MerchantName
		} else if shop.Name != "" {
			req.MerchantName = shop.Name
		}
		if shop.MerchantCity != "" {
			req.MerchantCity = shop.MerchantCity
		}
		req.TelegramChatID = shop.TelegramChatID
	}
	return req
}

func (e *Engine) generate(ctx context.Context, req bakong.GenerateRequest) (bakong.QRSuccess, error) {
	res, err := e.gen.Generate(ctx, req)
	if err != nil {
		return bakong.QRSuccess{}, err
	}
	switch r := res.(type) {
	case bakong.QRSuccess:
		return r, nil
	case bakong.QRFailure:
		return bakong.QRSuccess{}, apperr.ExternalService("qr generation refused", errors.New(r.Reason))
	}
	return bakong.QRSuccess{}, apperr.ExternalService("qr generation", fmt.Errorf("unexpected result %T", res))
}

// IssueQR generates a QR for the remaining balance of a khqr order and
// records it as an unverified transaction. Used at checkout and to regenerate.
func (e *Engine) IssueQR(ctx context.Context, orderID uint) (*db.Order, error) {
	o, err := e.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := qrAllowed(o); err != nil {
		return nil, err
	}
	var shop db.Shop
	if err := e.db.WithContext(ctx).First(&shop, o.ShopID).Error; err != nil {
		return nil, fmt.Errorf("load shop: %w", err)
	}

	amount := o.Remaining()
	qr, err := e.generate(ctx, e.generateRequest(&shop, amount, o.Currency, o.OrderNumber))
	if err != nil {
		e.log.Warn("qr generation failed", log.Order(o.ID), zap.Error(err))
		return nil, err
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if err := qrAllowed(locked); err != nil {
			return err
		}
		if !locked.Remaining().Equal(amount) {
			return apperr.Conflictf("order %s balance changed while generating QR", locked.OrderNumber)
		}
		if err := tx.Model(&db.Order{}).Where("id = ?", orderID).Updates(map[string]any{
			"khqr_md5":    qr.MD5,
			"khqr_string": qr.QRString,
		}).Error; err != nil {
			return fmt.Errorf("store qr: %w", err)
		}
		var prior db.Transaction
		err = tx.Where("md5_hash = ?", qr.MD5).First(&prior).Error
		switch {
		case err == nil && prior.OrderID == orderID && !prior.Verified():
			return nil // same QR issued again
		case err == nil:
			return apperr.Conflictf("fingerprint %s is already on record", qr.MD5)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("load transaction: %w", err)
		}
		return tx.Create(&db.Transaction{
			OrderID:  orderID,
			Method:   db.MethodKHQR,
			Amount:   amount,
			Currency: locked.Currency,
			QRString: qr.QRString,
			MD5Hash:  qr.MD5,
		}).Error
	})
	if err != nil {
		return nil, e.translate(err, qr.MD5)
	}
	e.log.Info("qr issued", log.Order(orderID), log.MD5(qr.MD5), log.Amount(amount.String()))
	return e.Order(ctx, orderID)
}

func qrAllowed(o *db.Order) error {
	if o.PaymentMethod != db.MethodKHQR {
		return apperr.Validationf("order_id", "order %s is not a khqr order", o.OrderNumber)
	}
	if o.PaymentStatus != db.StatusPending && o.PaymentStatus != db.StatusPartial {
		return apperr.Conflictf("order %s is %s", o.OrderNumber, o.PaymentStatus)
	}
	if o.FulfillmentStatus == db.FulfillmentCancelled {
		return apperr.Conflictf("order %s is cancelled", o.OrderNumber)
	}
	return nil
}

type CheckoutResult struct {
	Order   *db.Order `json:"order"`
	QRError string    `json:"qr_error,omitempty"` // order exists; client may regenerate
}

// Checkout converts the session cart into an order. For khqr orders a QR is
// issued after the order commits.
func (e *Engine) Checkout(ctx context.Context, req order.CheckoutRequest) (CheckoutResult, error) {
	o, err := e.bridge.CreateFromCart(ctx, req)
	if err != nil {
		return CheckoutResult{}, err
	}
	if o.PaymentMethod != db.MethodKHQR {
		return CheckoutResult{Order: o}, nil
	}
	withQR, err := e.IssueQR(ctx, o.ID)
	if err != nil {
		return CheckoutResult{Order: o, QRError: err.Error()}, nil
	}
	return CheckoutResult{Order: withQR}, nil
}

type CheckOutcome struct {
	MD5      string          `json:"md5"`
	Paid     bool            `json:"paid"`
	Amount   decimal.Decimal `json:"amount"` // confirmed by the gateway; zero when unpaid
	Currency string          `json:"currency,omitempty"`
	Error    string          `json:"error,omitempty"`
	Outcome
}

// CheckSingle asks the gateway about one fingerprint and applies a confirmed payment.
func (e *Engine) CheckSingle(ctx context.Context, md5 string) (CheckOutcome, error) {
	if md5 == "" {
		return CheckOutcome{}, apperr.Validationf("md5", "is required")
	}

	var chatID, merchant string
	var known *db.Order
	if id, err := e.resolveOrder(e.db.WithContext(ctx), Confirmation{MD5: md5}); err == nil && id != 0 {
		if o, err := e.Order(ctx, id); err == nil {
			known = o
			var shop db.Shop
			if e.db.WithContext(ctx).First(&shop, o.ShopID).Error == nil {
				chatID = shop.TelegramChatID
				merchant = e.generateRequest(&shop, decimal.Zero, "", "").MerchantName
			}
		}
	}

	res, err := e.checker.CheckStatus(ctx, md5, chatID, merchant)
	if err != nil {
		fields := []zap.Field{log.MD5(md5), zap.Error(err)}
		if known != nil {
			fields = append(fields, log.Order(known.ID))
		}
		e.log.Warn("payment check failed", fields...)
		return CheckOutcome{}, err
	}
	return e.applyCheck(ctx, res, known)
}

// CheckBatch checks many fingerprints in one gateway call. Per-fingerprint
// failures are reported in the result, not as an error.
func (e *Engine) CheckBatch(ctx context.Context, md5s []string) ([]CheckOutcome, error) {
	uniq := make([]string, 0, len(md5s))
	seen := make(map[string]bool, len(md5s))
	for _, m := range md5s {
		if m != "" && !seen[m] {
			seen[m] = true
			uniq = append(uniq, m)
		}
	}
	if len(uniq) == 0 {
		return nil, apperr.Validationf("md5_list", "at least one md5 is required")
	}

	results, err := e.checker.CheckStatusBatch(ctx, uniq)
	if err != nil {
		e.log.Warn("batch payment check failed", zap.Int("count", len(uniq)), zap.Error(err))
		return nil, err
	}
	out := make([]CheckOutcome, 0, len(results))
	for _, r := range results {
		co, err := e.applyCheck(ctx, r, nil)
		if err != nil {
			co = CheckOutcome{MD5: r.Fingerprint(), Paid: true, Error: err.Error()}
			if p, ok := r.(bakong.CheckPaid); ok {
				co.Amount, co.Currency = p.Amount, p.Currency
			}
		}
		out = append(out, co)
	}
	return out, nil
}

func (e *Engine) applyCheck(ctx context.Context, res bakong.CheckResult, known *db.Order) (CheckOutcome, error) {
	switch r := res.(type) {
	case bakong.CheckPaid:
		o, err := e.Apply(ctx, Confirmation{MD5: r.MD5, Amount: r.Amount, Currency: r.Currency, Raw: r.Raw})
		if err != nil {
			return CheckOutcome{}, err
		}
		co := CheckOutcome{MD5: r.MD5, Paid: true, Amount: r.Amount, Currency: r.Currency, Outcome: o}
		if co.Amount.IsZero() && o.Transaction != nil {
			co.Amount, co.Currency = o.Transaction.Amount, o.Transaction.Currency
		}
		return co, nil
	case bakong.CheckUnpaid:
		co := CheckOutcome{MD5: r.MD5}
		if known != nil {
			co.Order, co.Status = known, known.PaymentStatus
		}
		return co, nil
	}
	return CheckOutcome{}, apperr.Invariantf("unknown check result %T", res)
}

// confirm asks the gateway whether md5 is paid and returns the confirmation.
// Unpaid is a conflict the client can retry.
func (e *Engine) confirm(ctx context.Context, md5 string) (bakong.CheckPaid, error) {
	res, err := e.checker.CheckStatus(ctx, md5, "", "")
	if err != nil {
		return bakong.CheckPaid{}, err
	}
	paid, ok := res.(bakong.CheckPaid)
	if !ok {
		return bakong.CheckPaid{}, &apperr.Error{Kind: apperr.Conflict, Message: "payment not confirmed", Retry: true}
	}
	return paid, nil
}

// Finalize turns a paid cart QR into an order: the cart is converted and the
// confirmed amount applied in one transaction. Retrying with the same md5
// returns the existing order.
func (e *Engine) Finalize(ctx context.Context, token, md5, currency string) (Outcome, error) {
	if md5 == "" {
		return Outcome{}, apperr.Validationf("md5", "is required")
	}
	if out, ok, err := e.existing(ctx, md5); err != nil || ok {
		return out, err
	}

	paid, err := e.confirm(ctx, md5)
	if err != nil {
		return Outcome{}, err
	}
	if paid.Currency != "" {
		currency = paid.Currency
	}
	if currency == "" {
		currency = khqr.CurrencyUSD
	}

	var out Outcome
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := e.bridge.CreateFromCartTx(tx, order.CheckoutRequest{
			SessionToken: token, Method: db.MethodKHQR, Currency: currency,
		})
		if err != nil {
			return err
		}
		if err := tx.Model(&db.Order{}).Where("id = ?", o.ID).Update("khqr_md5", md5).Error; err != nil {
			return fmt.Errorf("bind fingerprint: %w", err)
		}
		out, err = e.ApplyTx(tx, Confirmation{
			MD5: md5, OrderID: o.ID, Amount: paid.Amount, Currency: paid.Currency, Raw: paid.Raw,
		})
		return err
	})
	if err != nil {
		// a concurrent finalize may have won the race
		if again, ok, lookupErr := e.existing(ctx, md5); lookupErr == nil && ok {
			return again, nil
		}
		return Outcome{}, e.translate(err, md5)
	}
	e.afterCommit(ctx, out)
	return out, nil
}

// FinalizePayment applies a confirmed payment for the remaining balance of an order.
func (e *Engine) FinalizePayment(ctx context.Context, orderID uint, md5 string) (Outcome, error) {
	if md5 == "" {
		return Outcome{}, apperr.Validationf("md5", "is required")
	}
	o, err := e.Order(ctx, orderID)
	if err != nil {
		return Outcome{}, err
	}
	if out, ok, err := e.existing(ctx, md5); err != nil || ok {
		if ok && out.Order.ID != orderID {
			return Outcome{}, apperr.Conflictf("fingerprint %s belongs to another order", md5)
		}
		return out, err
	}
	if o.Terminal() {
		return Outcome{}, apperr.Conflictf("order %s is %s", o.OrderNumber, o.PaymentStatus)
	}

	paid, err := e.confirm(ctx, md5)
	if err != nil {
		return Outcome{}, err
	}
	return e.Apply(ctx, Confirmation{
		MD5: md5, OrderID: orderID, Amount: paid.Amount, Currency: paid.Currency, Raw: paid.Raw,
	})
}

// existing returns the recorded result for a fingerprint that was already verified.
func (e *Engine) existing(ctx context.Context, md5 string) (Outcome, bool, error) {
	var txn db.Transaction
	err := e.db.WithContext(ctx).Where("md5_hash = ? AND verified_at IS NOT NULL", md5).First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Outcome{}, false, nil
	}
	if err != nil {
		return Outcome{}, false, err
	}
	o, err := e.Order(ctx, txn.OrderID)
	if err != nil {
		return Outcome{}, false, err
	}
	return Outcome{Order: o, Transaction: &txn, Status: o.PaymentStatus, Duplicate: true}, true, nil
}

// CreatePos records a staff order. Cash orders are paid on the spot; khqr
// orders get a QR once the order is committed.
func (e *Engine) CreatePos(ctx context.Context, req order.PosRequest) (CheckoutResult, error) {
	var out Outcome
	var created *db.Order
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := e.bridge.CreatePosOrderTx(tx, req)
		if err != nil {
			return err
		}
		created = o
		if o.PaymentMethod == db.MethodCash {
			out, err = e.payManuallyTx(tx, o.ID, db.MethodCash, req.CreatedBy)
		}
		return err
	})
	if err != nil {
		return CheckoutResult{}, err
	}
	e.afterCommit(ctx, out)
	e.log.Info("pos order recorded", log.Order(created.ID), zap.String("method", created.PaymentMethod))

	if created.PaymentMethod == db.MethodKHQR {
		withQR, err := e.IssueQR(ctx, created.ID)
		if err != nil {
			return CheckoutResult{Order: created, QRError: err.Error()}, nil
		}
		return CheckoutResult{Order: withQR}, nil
	}
	o, err := e.Order(ctx, created.ID)
	if err != nil {
		return CheckoutResult{}, err
	}
	return CheckoutResult{Order: o}, nil
}
