package qrcode

import (
	"cafe-pos/payment/khqr"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const DefaultSize = 256

// PNG renders a KHQR string as a scannable image. Strings that fail the CRC
// check are refused so a corrupted payload never reaches a customer.
func PNG(khqrString string, size int) ([]byte, error) {
	if !khqr.Verify(khqrString) {
		return nil, fmt.Errorf("refusing to render invalid KHQR string")
	}
	if size <= 0 || size > 1024 {
		size = DefaultSize
	}
	return qrcode.Encode(khqrString, qrcode.Medium, size)
}
