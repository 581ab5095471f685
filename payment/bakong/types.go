package bakong

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Wire shapes of the relay API.

type generateRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	AccountID      string          `json:"bakong_account_id,omitempty"`
	MerchantName   string          `json:"merchant_name,omitempty"`
	MerchantCity   string          `json:"merchant_city,omitempty"`
	TelegramChatID string          `json:"telegram_chat_id,omitempty"`
	OrderID        string          `json:"order_id,omitempty"`
	SourceInfo     sourceInfo      `json:"source_info"`
}

type sourceInfo struct {
	AppIconURL          string `json:"appIconUrl"`
	AppName             string `json:"appName"`
	AppDeepLinkCallback string `json:"appDeepLinkCallback"`
}

// generateResponse accepts both the flat shape and the legacy {"data": {...}} shape.
type generateResponse struct {
	QRString string `json:"qr_string"`
	MD5      string `json:"md5"`
	Message  string `json:"message"`
	Data     *struct {
		QRString string `json:"qr_string"`
		MD5      string `json:"md5"`
	} `json:"data"`
}

type checkRequest struct {
	MD5            string `json:"md5"`
	TelegramChatID string `json:"telegram_chat_id,omitempty"`
	MerchantName   string `json:"merchant_name,omitempty"`
}

// checkResponse: responseCode 0 means the transfer was found.
type checkResponse struct {
	ResponseCode    int             `json:"responseCode"`
	ResponseMessage string          `json:"responseMessage"`
	ErrorCode       *int            `json:"errorCode"`
	Data            json.RawMessage `json:"data"`
}

type batchRequest struct {
	MD5List []string `json:"md5_list"`
}

type batchResponse struct {
	Data []batchEntry `json:"data"`
}

type batchEntry struct {
	MD5    string          `json:"md5"`
	Status string          `json:"status"` // SUCCESS when paid
	Data   json.RawMessage `json:"data"`
}

// transferData is the part of a confirmed transfer the engine reads.
type transferData struct {
	Hash        string          `json:"hash"`
	FromAccount string          `json:"fromAccountId"`
	ToAccount   string          `json:"toAccountId"`
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	CreatedAt   int64           `json:"createdDateMs"`
}
