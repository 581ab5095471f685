package order

import (
	"fmt"

	"cafe-pos/payment/khqr"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Line is one priced order row, captured before it is written.
type Line struct {
	ProductID uint
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
	Notes     string
	Options   []Option
}

type Option struct {
	Name       string
	ExtraPrice decimal.Decimal
}

// Subtotal is (unit price + option surcharges) × quantity.
func (l Line) Subtotal() decimal.Decimal {
	unit := l.UnitPrice
	for _, o := range l.Options {
		unit = unit.Add(o.ExtraPrice)
	}
	return unit.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Total sums line subtotals rounded to cents.
func Total(lines []Line) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.Subtotal())
	}
	return sum.Round(2)
}

// Convert returns what the guest owes in currency for a USD total. Riel
// amounts are rounded up to the nearest 100 since smaller notes are not in use.
func Convert(totalUSD, rate decimal.Decimal, currency string) (decimal.Decimal, error) {
	switch currency {
	case khqr.CurrencyUSD:
		return totalUSD.Round(2), nil
	case khqr.CurrencyKHR:
		if !rate.IsPositive() {
			return decimal.Zero, fmt.Errorf("exchange rate must be positive, got %s", rate)
		}
		return totalUSD.Mul(rate).Div(hundred).Ceil().Mul(hundred), nil
	}
	return decimal.Zero, fmt.Errorf("unsupported currency %s", currency)
}
