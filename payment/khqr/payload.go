package khqr

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"cafe-pos/payment/apperr"

	"github.com/shopspring/decimal"
)

const (
	CurrencyUSD = "USD"
	CurrencyKHR = "KHR"

	maxMerchantName = 25
	maxMerchantCity = 15
	maxBillNumber   = 25
)

// ISO 4217 numeric codes for tag 53.
var currencyCodes = map[string]string{
	CurrencyUSD: "840",
	CurrencyKHR: "116",
}

type Request struct {
	AccountID    string
	Amount       decimal.Decimal
	Currency     string
	MerchantName string // optional
	MerchantCity string // optional
	BillNumber   string
}

type Payload struct {
	KHQRString string `json:"qr_string"`
	MD5        string `json:"md5"`
}

func SupportedCurrency(c string) bool {
	_, ok := currencyCodes[c]
	return ok
}

// Build returns the dynamic KHQR string for req and its fingerprint.
// The same request always yields the same bytes.
func Build(req Request) (Payload, error) {
	if strings.TrimSpace(req.AccountID) == "" {
		return Payload{}, apperr.Validationf("account_id", "is required")
	}
	code, ok := currencyCodes[req.Currency]
	if !ok {
		return Payload{}, apperr.Validationf("currency", "unsupported currency %q", req.Currency)
	}
	if !req.Amount.IsPositive() {
		return Payload{}, apperr.Validationf("amount", "must be greater than zero")
	}
	amount := req.Amount.StringFixed(2)
	if amount == "0.00" {
		return Payload{}, apperr.Validationf("amount", "rounds to zero")
	}

	var sb strings.Builder
	plain := []field{
		{"00", "01"}, // payload format indicator
		{"01", "12"}, // dynamic
	}
	for _, f := range plain {
		enc, _ := encodeField(f.id, f.value)
		sb.WriteString(enc)
	}

	acct, err := encodeTemplate("29", field{"00", req.AccountID})
	if err != nil {
		return Payload{}, apperr.Validationf("account_id", "%v", err)
	}
	sb.WriteString(acct)

	for _, f := range []field{{"53", code}, {"54", amount}, {"58", "KH"}} {
		enc, err := encodeField(f.id, f.value)
		if err != nil {
			return Payload{}, apperr.Validationf("amount", "%v", err)
		}
		sb.WriteString(enc)
	}

	if name := truncate(req.MerchantName, maxMerchantName); name != "" {
		enc, _ := encodeField("59", name)
		sb.WriteString(enc)
	}
	if city := truncate(req.MerchantCity, maxMerchantCity); city != "" {
		enc, _ := encodeField("60", city)
		sb.WriteString(enc)
	}

	bill, _ := encodeTemplate("62", field{"01", truncate(req.BillNumber, maxBillNumber)})
	sb.WriteString(bill)

	sb.WriteString("6304")
	s := sb.String()
	s += Checksum(s)

	return Payload{KHQRString: s, MD5: Fingerprint(s)}, nil
}

// Verify reports whether s ends in a CRC matching its body.
func Verify(s string) bool {
	if len(s) < 8 || s[len(s)-8:len(s)-4] != "6304" {
		return false
	}
	return Checksum(s[:len(s)-4]) == s[len(s)-4:]
}

// Fingerprint is the lowercase hex MD5 of a KHQR string.
func Fingerprint(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
