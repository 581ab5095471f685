package bakong

import (
	"context"

	"cafe-pos/payment/khqr"
)

// LocalGenerator builds KHQR strings in process. Checking still goes through the relay.
type LocalGenerator struct{}

func (LocalGenerator) Generate(_ context.Context, req GenerateRequest) (QRResult, error) {
	p, err := khqr.Build(khqr.Request{
		AccountID:    req.AccountID,
		Amount:       req.Amount,
		Currency:     req.Currency,
		MerchantName: req.MerchantName,
		MerchantCity: req.MerchantCity,
		BillNumber:   req.BillNumber,
	})
	if err != nil {
		return nil, err
	}
	return QRSuccess{QRString: p.KHQRString, MD5: p.MD5}, nil
}
