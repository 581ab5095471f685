package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"cafe-pos/payment/apperr"
	"cafe-pos/payment/bakong"
	"cafe-pos/payment/db"
	"cafe-pos/payment/db/dbtest"
	"cafe-pos/payment/notify"
	"cafe-pos/payment/order"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeChecker struct {
	mu   sync.Mutex
	paid map[string]bakong.CheckPaid
	err  error
}

func (f *fakeChecker) CheckStatus(_ context.Context, md5, _, _ string) (bakong.CheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if p, ok := f.paid[md5]; ok {
		return p, nil
	}
	return bakong.CheckUnpaid{MD5: md5, Reason: "not found"}, nil
}

func (f *fakeChecker) CheckStatusBatch(ctx context.Context, md5s []string) ([]bakong.CheckResult, error) {
	var out []bakong.CheckResult
	for _, m := range md5s {
		r, err := f.CheckStatus(ctx, m, "", "")
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeChecker) pay(md5, amount, currency string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paid[md5] = bakong.CheckPaid{MD5: md5, Amount: decimal.RequireFromString(amount), Currency: currency,
		Raw: map[string]any{"hash": "tx-" + md5}}
}

type countingSink struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (s *countingSink) Publish(_ context.Context, m notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

type harness struct {
	engine  *Engine
	bridge  *order.Bridge
	conn    *gorm.DB
	fix     dbtest.Fixture
	checker *fakeChecker
	sink    *countingSink
}

func newHarness(t *testing.T) *harness {
	conn := dbtest.Open(t)
	fix := dbtest.Seed(t, conn)
	logger := zap.NewNop()
	bridge := order.NewBridge(conn, order.DBCart{}, order.Sequencer{}, decimal.NewFromInt(4100), logger)
	checker := &fakeChecker{paid: map[string]bakong.CheckPaid{}}
	sink := &countingSink{}
	relay := notify.NewRelay(conn, sink, logger)
	e := NewEngine(conn, bakong.LocalGenerator{}, checker, bridge, relay, Merchant{AccountID: "default@aclb"}, logger)
	return &harness{engine: e, bridge: bridge, conn: conn, fix: fix, checker: checker, sink: sink}
}

// posOrder creates an unpaid khqr order for total USD.
func (h *harness) posOrder(t *testing.T, total string) *db.Order {
	t.Helper()
	o, err := h.bridge.CreatePosOrder(context.Background(), order.PosRequest{
		ShopID:   h.fix.Shop.ID,
		Items:    []order.Line{{Name: "Catering", UnitPrice: decimal.RequireFromString(total), Quantity: 1}},
		Method:   db.MethodKHQR,
		Currency: "USD",
	})
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func (h *harness) count(t *testing.T, model any, where string, args ...any) int64 {
	t.Helper()
	var n int64
	q := h.conn.Model(model)
	if where != "" {
		q = q.Where(where, args...)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatal(err)
	}
	return n
}

func TestApplyIsIdempotent(t *testing.T) {
	h := newHarness(t)
	o := h.posOrder(t, "10.00")
	ctx := context.Background()

	c := Confirmation{MD5: "fp-1", OrderID: o.ID, Amount: decimal.NewFromInt(10), Currency: "USD"}
	first, err := h.engine.Apply(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != db.StatusPaid || !first.Notified {
		t.Fatalf("Expected paid and notified, got %+v", first)
	}

	second, err := h.engine.Apply(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate || second.Status != db.StatusPaid {
		t.Errorf("Expected duplicate paid outcome, got %+v", second)
	}
	if n := h.count(t, &db.Transaction{}, "order_id = ?", o.ID); n != 1 {
		t.Errorf("Expected 1 transaction, got %d", n)
	}
	if h.sink.count() != 1 {
		t.Errorf("Expected 1 notification, got %d", h.sink.count())
	}
	if n := h.count(t, &db.StaffNotification{}, "published_at IS NOT NULL"); n != 1 {
		t.Errorf("outbox row not marked published")
	}
}

func TestConcurrentConfirmationsCountOnce(t *testing.T) {
	h := newHarness(t)
	o := h.posOrder(t, "10.00")

	var wg sync.WaitGroup
	outs := make([]Outcome, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = h.engine.Apply(context.Background(), Confirmation{MD5: "fp-race", OrderID: o.ID, Amount: decimal.NewFromInt(10), Currency: "USD"})
		}(i)
	}
	wg.Wait()

	duplicates := 0
	for i, err := range errs {
		if err != nil {
			t.Errorf("call %d: expected prior result, got error %v", i, err)
			continue
		}
		if outs[i].Status != db.StatusPaid {
			t.Errorf("call %d: expected paid, got %s", i, outs[i].Status)
		}
		if outs[i].Duplicate {
			duplicates++
		}
	}
	if duplicates != 7 {
		t.Errorf("Expected 7 duplicate results, got %d", duplicates)
	}

	if n := h.count(t, &db.Transaction{}, "md5_hash = ?", "fp-race"); n != 1 {
		t.Errorf("Expected 1 transaction, got %d", n)
	}
	if h.sink.count() != 1 {
		t.Errorf("Expected 1 notification, got %d", h.sink.count())
	}
	got, _ := h.engine.Order(context.Background(), o.ID)
	if !got.ReceivedAmount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected received 10, got %s", got.ReceivedAmount)
	}
}

func TestPartialThenFull(t *testing.T) {
	h := newHarness(t)
	o := h.posOrder(t, "10.00")
	ctx := context.Background()

	out, err := h.engine.Apply(ctx, Confirmation{MD5: "fp-a", OrderID: o.ID, Amount: decimal.NewFromInt(6), Currency: "USD"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != db.StatusPartial || out.Notified {
		t.Fatalf("Expected silent partial, got %+v", out)
	}
	if h.sink.count() != 0 {
		t.Errorf("partial payment must not notify")
	}
	if !out.Order.Remaining().Equal(decimal.NewFromInt(4)) {
		t.Errorf("Expected 4.00 remaining, got %s", out.Order.Remaining())
	}

	out, err = h.engine.Apply(ctx, Confirmation{MD5: "fp-b", OrderID: o.ID, Amount: decimal.NewFromInt(4), Currency: "USD"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != db.StatusPaid {
		t.Errorf("Expected paid, got %s", out.Status)
	}
	if !out.Order.ReceivedAmount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected received 10, got %s", out.Order.ReceivedAmount)
	}
	if h.sink.count() != 1 {
		t.Errorf("Expected 1 notification, got %d", h.sink.count())
	}
}

func TestToleranceCoversRounding(t *testing.T) {
	h := newHarness(t)
	o := h.posOrder(t, "10.00")

	out, err := h.engine.Apply(context.Background(), Confirmation{MD5: "fp-t", OrderID: o.ID, Amount: decimal.RequireFromString("9.99"), Currency: "USD"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != db.StatusPaid {
		t.Errorf("9.99 of 10.00 should count as paid, got %s", out.Status)
	}
}

func TestOrphanConfirmation(t *testing.T) {
	h := newHarness(t)
	h.posOrder(t, "10.00")

	out, err := h.engine.Apply(context.Background(), Confirmation{MD5: "nobody-knows", Amount: decimal.NewFromInt(5)})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Orphan {
		t.Errorf("Expected orphan outcome, got %+v", out)
	}
	if n := h.count(t, &db.Transaction{}, ""); n != 0 {
		t.Errorf("orphan created %d transactions", n)
	}
	if n := h.count(t, &db.Order{}, "payment_status <> ?", db.StatusPending); n != 0 {
		t.Errorf("orphan changed %d orders", n)
	}
}

func TestCurrencyMismatchIsRejected(t *testing.T) {
	h := newHarness(t)
	o := h.posOrder(t, "10.00")

	_, err := h.engine.Apply(context.Background(), Confirmation{MD5: "fp-khr", OrderID: o.ID, Amount: decimal.NewFromInt(41000), Currency: "KHR"})
	if !apperr.Is(err, apperr.Validation) {
		t.Errorf("Expected validation error, got %v", err)
	}
	if n := h.count(t, &db.Transaction{}, ""); n != 0 {
		t.Errorf("Expected no transactions, got %d", n)
	}
}

func TestNewFingerprintOnPaidOrderConflicts(t *testing.T) {
	h := newHarness(t)
	o := h.posOrder(t, "10.00")
	ctx := context.Background()

	if _, err := h.engine.Apply(ctx, Confirmation{MD5: "fp-1", OrderID: o.ID, Amount: decimal.NewFromInt(10), Currency: "USD"}); err != nil {
		t.Fatal(err)
	}
	_, err := h.engine.Apply(ctx, Confirmation{MD5: "fp-2", OrderID: o.ID, Amount: decimal.NewFromInt(1), Currency: "USD"})
	if !apperr.Is(err, apperr.Conflict) {
		t.Errorf("Expected conflict, got %v", err)
	}
}

func TestIssueQRThenCheck(t *testing.T) {
	h := newHarness(t)
	o := h.posOrder(t, "4.25")
	ctx := context.Background()

	withQR, err := h.engine.IssueQR(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if withQR.KHQRMD5 == "" || withQR.KHQRString == "" {
		t.Fatalf("qr not stored on order: %+v", withQR)
	}
	pending, err := h.engine.PendingFingerprints(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0] != withQR.KHQRMD5 {
		t.Errorf("Expected pending [%s], got %v", withQR.KHQRMD5, pending)
	}
	if stale, _ := h.engine.PendingFingerprints(ctx, time.Now().Add(time.Hour)); len(stale) != 0 {
		t.Errorf("Expected QRs issued before the cutoff to age out, got %v", stale)
	}

	// regenerating the same balance reuses the fingerprint
	if _, err := h.engine.IssueQR(ctx, o.ID); err != nil {
		t.Fatal(err)
	}

	// unpaid check leaves the order alone
	res, err := h.engine.CheckSingle(ctx, withQR.KHQRMD5)
	if err != nil {
		t.Fatal(err)
	}
	if res.Paid || res.Status != db.StatusPending {
		t.Errorf("Expected unpaid pending, got %+v", res)
	}

	// the relay reports no amount; the recorded QR amount is used
	h.checker.paid[withQR.KHQRMD5] = bakong.CheckPaid{MD5: withQR.KHQRMD5}
	batch, err := h.engine.CheckBatch(ctx, []string{withQR.KHQRMD5, withQR.KHQRMD5})
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 1 || !batch[0].Paid || batch[0].Status != db.StatusPaid {
		t.Fatalf("unexpected batch result %+v", batch)
	}
	if n := h.count(t, &db.Transaction{}, "order_id = ?", o.ID); n != 1 {
		t.Errorf("Expected the QR transaction to be verified in place, got %d rows", n)
	}
	pending, _ = h.engine.PendingFingerprints(ctx, time.Now().Add(-time.Hour))
	if len(pending) != 0 {
		t.Errorf("paid order still pending: %v", pending)
	}
}

func TestExternalFailureLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	o := h.posOrder(t, "3.00")
	ctx := context.Background()
	withQR, err := h.engine.IssueQR(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}

	h.checker.err = apperr.ExternalService("bakong relay unreachable", context.DeadlineExceeded)
	_, err = h.engine.CheckSingle(ctx, withQR.KHQRMD5)
	if !apperr.Is(err, apperr.External) {
		t.Fatalf("Expected external error, got %v", err)
	}
	got, _ := h.engine.Order(ctx, o.ID)
	if got.PaymentStatus != db.StatusPending || !got.ReceivedAmount.IsZero() {
		t.Errorf("state changed after external failure: %s %s", got.PaymentStatus, got.ReceivedAmount)
	}
	if n := h.count(t, &db.Transaction{}, "verified_at IS NOT NULL"); n != 0 {
		t.Errorf("Expected no verified transactions, got %d", n)
	}
}

func TestFinalizeCreatesPaidOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbtest.AddToCart(t, h.conn, h.fix.Session.ID, h.fix.Muffin.ID, 2) // 4.00

	qr, err := h.engine.Generate(ctx, GenerateInput{SessionToken: h.fix.Session.Token, Currency: "USD"})
	if err != nil {
		t.Fatal(err)
	}
	if !qr.Amount.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("Expected QR for 4.00, got %s", qr.Amount)
	}

	// not paid yet
	_, err = h.engine.Finalize(ctx, h.fix.Session.Token, qr.MD5, "USD")
	if !apperr.Is(err, apperr.Conflict) {
		t.Fatalf("Expected conflict for unconfirmed payment, got %v", err)
	}
	if n := h.count(t, &db.CartItem{}, ""); n != 1 {
		t.Fatalf("cart touched before payment: %d items", n)
	}

	h.checker.pay(qr.MD5, "4.00", "USD")
	out, err := h.engine.Finalize(ctx, h.fix.Session.Token, qr.MD5, "USD")
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != db.StatusPaid || out.Order.KHQRMD5 != qr.MD5 {
		t.Errorf("unexpected outcome %+v", out)
	}
	if n := h.count(t, &db.CartItem{}, ""); n != 0 {
		t.Errorf("cart not cleared")
	}
	if h.sink.count() != 1 {
		t.Errorf("Expected 1 notification, got %d", h.sink.count())
	}

	again, err := h.engine.Finalize(ctx, h.fix.Session.Token, qr.MD5, "USD")
	if err != nil {
		t.Fatal(err)
	}
	if !again.Duplicate || again.Order.ID != out.Order.ID {
		t.Errorf("retry should return the same order, got %+v", again)
	}
	if n := h.count(t, &db.Order{}, ""); n != 1 {
		t.Errorf("Expected 1 order, got %d", n)
	}
}

func TestFinalizePartialThenRemaining(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbtest.AddToCart(t, h.conn, h.fix.Session.ID, h.fix.Latte.ID, 4) // 10.00

	h.checker.pay("first", "6.00", "USD")
	out, err := h.engine.Finalize(ctx, h.fix.Session.Token, "first", "USD")
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != db.StatusPartial || h.sink.count() != 0 {
		t.Fatalf("Expected silent partial, got %s with %d notifications", out.Status, h.sink.count())
	}

	_, err = h.engine.FinalizePayment(ctx, out.Order.ID, "second")
	if !apperr.Is(err, apperr.Conflict) {
		t.Errorf("Expected conflict for unconfirmed balance payment, got %v", err)
	}

	h.checker.pay("second", "4.00", "USD")
	done, err := h.engine.FinalizePayment(ctx, out.Order.ID, "second")
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != db.StatusPaid || h.sink.count() != 1 {
		t.Errorf("Expected paid with one notification, got %s / %d", done.Status, h.sink.count())
	}

	dup, err := h.engine.FinalizePayment(ctx, out.Order.ID, "second")
	if err != nil {
		t.Fatal(err)
	}
	if !dup.Duplicate {
		t.Errorf("Expected duplicate outcome")
	}
}

func TestCashPosOrderIsPaidImmediately(t *testing.T) {
	h := newHarness(t)
	staff := uint(3)

	res, err := h.engine.CreatePos(context.Background(), order.PosRequest{
		ShopID:    h.fix.Shop.ID,
		Items:     []order.Line{{Name: "Espresso", UnitPrice: decimal.RequireFromString("1.50"), Quantity: 2}},
		Method:    db.MethodCash,
		Currency:  "USD",
		CreatedBy: &staff,
	})
	if err != nil {
		t.Fatal(err)
	}
	o := res.Order
	if o.PaymentStatus != db.StatusPaid || !o.ReceivedAmount.Equal(decimal.NewFromInt(3)) {
		t.Errorf("Expected paid 3.00, got %s %s", o.PaymentStatus, o.ReceivedAmount)
	}
	if len(o.Transactions) != 1 || o.Transactions[0].Method != db.MethodCash || o.Transactions[0].MD5Hash[:5] != "CASH_" {
		t.Errorf("unexpected transactions %+v", o.Transactions)
	}
	if h.sink.count() != 1 {
		t.Errorf("Expected 1 notification, got %d", h.sink.count())
	}
}

func TestStaffStatusChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.posOrder(t, "5.00")

	if _, err := h.engine.SetPaymentStatus(ctx, o.ID, "pending", nil); !apperr.Is(err, apperr.Validation) {
		t.Errorf("Expected validation error, got %v", err)
	}
	out, err := h.engine.SetPaymentStatus(ctx, o.ID, db.StatusPaid, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != db.StatusPaid || out.Transaction.Method != db.MethodManual {
		t.Errorf("unexpected outcome %+v", out)
	}
	if _, err := h.engine.SetPaymentStatus(ctx, o.ID, db.StatusRejected, nil); !apperr.Is(err, apperr.Conflict) {
		t.Errorf("paid is terminal, got %v", err)
	}

	other := h.posOrder(t, "5.00")
	if _, err := h.engine.SetPaymentStatus(ctx, other.ID, db.StatusFailed, nil); err != nil {
		t.Fatal(err)
	}
	_, err = h.engine.Apply(ctx, Confirmation{MD5: "late", OrderID: other.ID, Amount: decimal.NewFromInt(5), Currency: "USD"})
	if !apperr.Is(err, apperr.Conflict) {
		t.Errorf("failed order accepted a payment: %v", err)
	}

	if _, err := h.engine.SetFulfillment(ctx, o.ID, db.FulfillmentPreparing); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.SetFulfillment(ctx, o.ID, db.FulfillmentQueue); !apperr.Is(err, apperr.Conflict) {
		t.Errorf("fulfillment went backwards: %v", err)
	}
	if _, err := h.engine.SetConfirmation(ctx, o.ID, db.ConfirmationAccepted); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.SetConfirmation(ctx, o.ID, db.ConfirmationRejected); !apperr.Is(err, apperr.Conflict) {
		t.Errorf("confirmation flipped: %v", err)
	}
}

func TestInvariantGuard(t *testing.T) {
	h := newHarness(t)
	o := &db.Order{ID: 1, PaymentStatus: db.StatusPartial, AmountDue: decimal.NewFromInt(10), ReceivedAmount: decimal.NewFromInt(6)}
	if err := h.engine.guard(o, decimal.NewFromInt(5), db.StatusPartial); !apperr.Is(err, apperr.Invariant) {
		t.Errorf("Expected invariant violation for shrinking total, got %v", err)
	}
	o.PaymentStatus = db.StatusPaid
	if err := h.engine.guard(o, decimal.NewFromInt(10), db.StatusPaid); !apperr.Is(err, apperr.Invariant) {
		t.Errorf("Expected invariant violation from paid, got %v", err)
	}
}
