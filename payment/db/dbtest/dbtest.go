// Package dbtest opens throwaway sqlite databases and seeds fixtures for tests.
package dbtest

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"cafe-pos/payment/db"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var seq atomic.Int64

// Open returns a migrated in-memory database private to t.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:test%d?mode=memory&cache=shared", seq.Add(1))
	conn, err := db.Connect("sqlite", dsn)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Sync(conn); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return conn
}

type Fixture struct {
	Shop    db.Shop
	Latte   db.Product
	Muffin  db.Product
	Oat     db.ProductOption // Latte +0.50
	Session db.TableSession
}

// Seed creates a shop with two products and an open table session.
func Seed(t *testing.T, conn *gorm.DB) Fixture {
	t.Helper()
	f := Fixture{
		Shop: db.Shop{
			Name:            "Corner Cafe",
			BakongAccountID: "corner@aclb",
			MerchantName:    "Corner Cafe",
			MerchantCity:    "Phnom Penh",
			ExchangeRate:    decimal.NewFromInt(4100),
		},
	}
	must(t, conn.Create(&f.Shop).Error)

	f.Latte = db.Product{ShopID: f.Shop.ID, Name: "Latte", Price: decimal.RequireFromString("2.50"), Available: true}
	must(t, conn.Create(&f.Latte).Error)
	f.Oat = db.ProductOption{ProductID: f.Latte.ID, Name: "Oat milk", ExtraPrice: decimal.RequireFromString("0.50")}
	must(t, conn.Create(&f.Oat).Error)
	f.Muffin = db.Product{ShopID: f.Shop.ID, Name: "Muffin", Price: decimal.RequireFromString("2.00"), Available: true}
	must(t, conn.Create(&f.Muffin).Error)

	f.Session = db.TableSession{
		ShopID:      f.Shop.ID,
		TableNumber: "T4",
		Token:       fmt.Sprintf("tok-%d", seq.Add(1)),
		ExpiresAt:   time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	must(t, conn.Create(&f.Session).Error)
	return f
}

// AddToCart puts qty of product (with options) in the session cart.
func AddToCart(t *testing.T, conn *gorm.DB, sessionID, productID uint, qty int, optionIDs ...uint) {
	t.Helper()
	item := db.CartItem{SessionID: sessionID, ProductID: productID, Quantity: qty}
	for _, id := range optionIDs {
		item.Options = append(item.Options, db.CartItemOption{ProductOptionID: id})
	}
	must(t, conn.Create(&item).Error)
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
