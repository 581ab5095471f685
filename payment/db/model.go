package db

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	MethodCash   = "cash"
	MethodKHQR   = "khqr"
	MethodManual = "manual" // staff marked paid without a gateway confirmation

	StatusPending  = "pending"
	StatusPartial  = "partial"
	StatusPaid     = "paid"
	StatusFailed   = "failed"
	StatusRejected = "rejected"

	FulfillmentQueue     = "queue"
	FulfillmentPreparing = "preparing"
	FulfillmentServed    = "served"
	FulfillmentCompleted = "completed"
	FulfillmentCancelled = "cancelled"

	ConfirmationPending  = "pending"
	ConfirmationAccepted = "accepted"
	ConfirmationRejected = "rejected"
)

type Shop struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	Name            string `gorm:"size:120" json:"name"`
	BakongAccountID string `gorm:"size:64" json:"bakong_account_id"`
	MerchantName    string `gorm:"size:64" json:"merchant_name"`
	MerchantCity    string `gorm:"size:64" json:"merchant_city"`
	// riel per dollar; zero falls back to the configured default
	ExchangeRate   decimal.Decimal `gorm:"type:decimal(12,2)" json:"exchange_rate"`
	CurrencySymbol string          `gorm:"size:8" json:"currency_symbol"`
	TelegramChatID string          `gorm:"size:64" json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Product struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	ShopID    uint            `gorm:"index" json:"shop_id"`
	Name      string          `gorm:"size:120" json:"name"`
	Price     decimal.Decimal `gorm:"type:decimal(12,2)" json:"price"`
	Available bool            `json:"available"`
	Options   []ProductOption `json:"options,omitempty"`
}

// ProductOption is a selectable modifier (size, milk, extra shot) with a surcharge.
type ProductOption struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	ProductID  uint            `gorm:"index" json:"product_id"`
	Name       string          `gorm:"size:120" json:"name"`
	ExtraPrice decimal.Decimal `gorm:"type:decimal(12,2)" json:"extra_price"`
}

type TableSession struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	ShopID      uint       `gorm:"index" json:"shop_id"`
	TableNumber string     `gorm:"size:16" json:"table_number"`
	Token       string     `gorm:"size:64;uniqueIndex" json:"token"`
	OrderID     *uint      `json:"order_id"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ClosedAt    *time.Time `json:"closed_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (s *TableSession) Active(now time.Time) bool {
	return s.ClosedAt == nil && now.Before(s.ExpiresAt)
}

type CartItem struct {
	ID        uint             `gorm:"primaryKey" json:"id"`
	SessionID uint             `gorm:"index" json:"session_id"`
	ProductID uint             `json:"product_id"`
	Quantity  int              `json:"quantity"`
	Notes     string           `gorm:"size:255" json:"notes"`
	Options   []CartItemOption `gorm:"constraint:OnDelete:CASCADE" json:"options"`
	CreatedAt time.Time        `json:"created_at"`
}

type CartItemOption struct {
	ID              uint `gorm:"primaryKey" json:"id"`
	CartItemID      uint `gorm:"index" json:"cart_item_id"`
	ProductOptionID uint `json:"product_option_id"`
}

type Order struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	ShopID      uint   `gorm:"uniqueIndex:idx_shop_order_number,priority:1" json:"shop_id"`
	SessionID   *uint  `json:"session_id"`
	OrderNumber string `gorm:"size:32;uniqueIndex:idx_shop_order_number,priority:2" json:"order_number"`
	QueueNumber int    `json:"queue_number"`

	// Total is the sum of line subtotals in USD and never changes after creation.
	Total decimal.Decimal `gorm:"type:decimal(12,2)" json:"total_amount"`
	// Currency is what the guest settles in. AmountDue equals Total for USD and
	// the rounded riel amount for KHR.
	Currency       string          `gorm:"size:3" json:"payment_currency"`
	AmountDue      decimal.Decimal `gorm:"type:decimal(14,2)" json:"amount_due"`
	ExchangeRate   decimal.Decimal `gorm:"type:decimal(12,2)" json:"exchange_rate"`
	ReceivedAmount decimal.Decimal `gorm:"type:decimal(14,2)" json:"received_amount"`

	PaymentMethod      string `gorm:"size:8" json:"payment_method"`
	PaymentStatus      string `gorm:"size:10;index" json:"payment_status"`
	FulfillmentStatus  string `gorm:"size:10" json:"status"`
	ConfirmationStatus string `gorm:"size:10" json:"confirmation_status"`

	KHQRMD5    string `gorm:"column:khqr_md5;size:32;index" json:"khqr_md5"`
	KHQRString string `gorm:"column:khqr_string;type:text" json:"khqr_string"`

	CreatedBy *uint      `json:"created_by"` // staff user for POS orders
	PaidAt    *time.Time `json:"paid_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	Items        []OrderItem   `gorm:"constraint:OnDelete:CASCADE" json:"items,omitempty"`
	Transactions []Transaction `gorm:"constraint:OnDelete:CASCADE" json:"transactions,omitempty"`
}

// Terminal reports whether no further payment transition is allowed.
func (o *Order) Terminal() bool {
	switch o.PaymentStatus {
	case StatusPaid, StatusFailed, StatusRejected:
		return true
	}
	return o.FulfillmentStatus == FulfillmentCancelled
}

func (o *Order) Remaining() decimal.Decimal {
	r := o.AmountDue.Sub(o.ReceivedAmount)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

type OrderItem struct {
	ID          uint              `gorm:"primaryKey" json:"id"`
	OrderID     uint              `gorm:"index" json:"order_id"`
	ProductID   uint              `json:"product_id"`
	ProductName string            `gorm:"size:120" json:"product_name"`
	UnitPrice   decimal.Decimal   `gorm:"type:decimal(12,2)" json:"unit_price"`
	Quantity    int               `json:"quantity"`
	Subtotal    decimal.Decimal   `gorm:"type:decimal(12,2)" json:"subtotal"`
	Notes       string            `gorm:"size:255" json:"notes"`
	Options     []OrderItemOption `gorm:"constraint:OnDelete:CASCADE" json:"options,omitempty"`
}

type OrderItemOption struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	OrderItemID uint            `gorm:"index" json:"order_item_id"`
	Name        string          `gorm:"size:120" json:"name"`
	ExtraPrice  decimal.Decimal `gorm:"type:decimal(12,2)" json:"extra_price"`
}

// Transaction is one payment attempt against an order. MD5Hash is unique so a
// gateway fingerprint can be recorded, and therefore counted, only once.
type Transaction struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	OrderID    uint            `gorm:"index" json:"order_id"`
	Method     string          `gorm:"size:8" json:"payment_method"`
	Amount     decimal.Decimal `gorm:"type:decimal(14,2)" json:"amount"`
	Currency   string          `gorm:"size:3" json:"currency"`
	QRString   string          `gorm:"type:text" json:"qr_string,omitempty"`
	MD5Hash    string          `gorm:"column:md5_hash;size:64;uniqueIndex" json:"md5_hash"`
	Payload    map[string]any  `gorm:"serializer:json;type:text" json:"payload,omitempty"`
	VerifiedAt *time.Time      `json:"verified_at"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (t *Transaction) Verified() bool { return t.VerifiedAt != nil }

// OrderSequence holds the last issued number per shop and business day.
type OrderSequence struct {
	ShopID     uint   `gorm:"primaryKey;autoIncrement:false"`
	Day        string `gorm:"primaryKey;size:8"` // YYYYMMDD
	LastNumber int
}

// StaffNotification is an outbox row written in the same transaction that
// moves an order to paid. OrderID is unique so each order notifies once.
type StaffNotification struct {
	ID          uint            `gorm:"primaryKey"`
	OrderID     uint            `gorm:"uniqueIndex"`
	ShopID      uint            `gorm:"index"`
	OrderNumber string          `gorm:"size:32"`
	QueueNumber int
	Total       decimal.Decimal `gorm:"type:decimal(12,2)"`
	Message     string          `gorm:"size:255"`
	Attempts    int
	LastError   string     `gorm:"size:255"`
	PublishedAt *time.Time `gorm:"index"`
	CreatedAt   time.Time
}

var Models = []any{
	&Shop{}, &Product{}, &ProductOption{},
	&TableSession{}, &CartItem{}, &CartItemOption{},
	&Order{}, &OrderItem{}, &OrderItemOption{}, &Transaction{},
	&OrderSequence{}, &StaffNotification{},
}
