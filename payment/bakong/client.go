// Client for the Bakong relay that generates KHQR strings and reports whether
// a fingerprint has been paid.

package bakong

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cafe-pos/payment/apperr"
	"cafe-pos/payment/khqr"

	"github.com/shopspring/decimal"
)

const (
	generatePath   = "/api/external/generate-qr"
	checkPath      = "/api/external/check-status"
	checkBatchPath = "/api/external/check-status-batch"

	keyHeader = "X-SnapOrder-Key"
)

// QRResult is either QRSuccess or QRFailure.
type QRResult interface{ isQRResult() }

type QRSuccess struct {
	QRString string
	MD5      string
}

type QRFailure struct {
	Reason string
}

func (QRSuccess) isQRResult() {}
func (QRFailure) isQRResult() {}

// CheckResult is either CheckPaid or CheckUnpaid.
type CheckResult interface {
	Fingerprint() string
}

type CheckPaid struct {
	MD5      string
	Amount   decimal.Decimal // zero when the relay did not report one
	Currency string
	Raw      map[string]any
}

type CheckUnpaid struct {
	MD5    string
	Reason string
}

func (c CheckPaid) Fingerprint() string   { return c.MD5 }
func (c CheckUnpaid) Fingerprint() string { return c.MD5 }

type GenerateRequest struct {
	Amount         decimal.Decimal
	Currency       string
	AccountID      string
	MerchantName   string
	MerchantCity   string
	TelegramChatID string
	BillNumber     string
}

type Client struct {
	baseURL string
	key     string
	http    *http.Client
}

func NewClient(baseURL, key string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Generate(ctx context.Context, req GenerateRequest) (QRResult, error) {
	body := generateRequest{
		Amount:         req.Amount.Round(2),
		Currency:       req.Currency,
		AccountID:      req.AccountID,
		MerchantName:   req.MerchantName,
		MerchantCity:   req.MerchantCity,
		TelegramChatID: req.TelegramChatID,
		OrderID:        req.BillNumber,
		SourceInfo: sourceInfo{
			AppIconURL:          "https://coffee-pos-saas.com/logo.png",
			AppName:             "Coffee POS",
			AppDeepLinkCallback: "https://coffee-pos-saas.com/callback",
		},
	}
	var resp generateResponse
	if err := c.post(ctx, generatePath, body, &resp); err != nil {
		return nil, err
	}

	qr, md5 := resp.QRString, resp.MD5
	if resp.Data != nil && qr == "" {
		qr, md5 = resp.Data.QRString, resp.Data.MD5
	}
	if qr == "" || md5 == "" {
		reason := resp.Message
		if reason == "" {
			reason = "relay returned no qr_string/md5"
		}
		return QRFailure{Reason: reason}, nil
	}
	if !khqr.Verify(qr) {
		return QRFailure{Reason: "relay returned a qr_string with a bad checksum"}, nil
	}
	return QRSuccess{QRString: qr, MD5: md5}, nil
}

func (c *Client) CheckStatus(ctx context.Context, md5, telegramChatID, merchantName string) (CheckResult, error) {
	var resp checkResponse
	err := c.post(ctx, checkPath, checkRequest{
		MD5:            md5,
		TelegramChatID: telegramChatID,
		MerchantName:   merchantName,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.ResponseCode != 0 {
		return CheckUnpaid{MD5: md5, Reason: resp.ResponseMessage}, nil
	}
	return paid(md5, resp.Data), nil
}

// CheckStatusBatch returns one result per requested fingerprint, in request order.
// Fingerprints the relay omitted are reported unpaid.
func (c *Client) CheckStatusBatch(ctx context.Context, md5s []string) ([]CheckResult, error) {
	if len(md5s) == 0 {
		return nil, nil
	}
	var resp batchResponse
	if err := c.post(ctx, checkBatchPath, batchRequest{MD5List: md5s}, &resp); err != nil {
		return nil, err
	}

	byMD5 := make(map[string]batchEntry, len(resp.Data))
	for _, e := range resp.Data {
		byMD5[e.MD5] = e
	}
	out := make([]CheckResult, 0, len(md5s))
	for _, m := range md5s {
		e, ok := byMD5[m]
		switch {
		case !ok:
			out = append(out, CheckUnpaid{MD5: m, Reason: "not reported"})
		case e.Status != "SUCCESS":
			out = append(out, CheckUnpaid{MD5: m, Reason: e.Status})
		default:
			out = append(out, paid(m, e.Data))
		}
	}
	return out, nil
}

func paid(md5 string, data json.RawMessage) CheckPaid {
	res := CheckPaid{MD5: md5}
	if len(data) == 0 {
		return res
	}
	var td transferData
	if err := json.Unmarshal(data, &td); err == nil {
		res.Amount = td.Amount
		res.Currency = td.Currency
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err == nil {
		res.Raw = raw
	}
	return res
}

// post sends body as JSON and decodes a 2xx response into out. Transport
// failures, timeouts and non-2xx statuses are ExternalService errors.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.key != "" {
		req.Header.Set(keyHeader, c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.ExternalService("bakong relay unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperr.ExternalService(
			fmt.Sprintf("bakong relay %s returned %s", path, resp.Status),
			errors.New(strings.TrimSpace(string(snippet))),
		)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.ExternalService("bakong relay sent malformed JSON", err)
	}
	return nil
}
