// Package kkpay implements the KKPay gateway wire contract: the signature
// scheme, the callback payload and the outbound merchant API client.
//
// Every message body, in both directions, is a base64 encoded JSON document.
// The signature always covers the base64 text, not the decoded JSON.
package kkpay

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"
)

// Header names KKPay sends alongside every callback and expects on every
// outbound API request.
const (
	HeaderMerchantID = "KKPAY-ID"
	HeaderSignature  = "KKPAY-SIGN"
)

// Business types carried in callback payloads.
const (
	BusinessTypeDeposit        = "deposit"
	BusinessTypeWithdraw       = "withdraw"
	BusinessTypePendingConfirm = "withdrawalPendingConfirm"
)

// Order statuses carried in callback payloads.
const (
	OrderStatusSuccess = "success"
	OrderStatusFail    = "fail"
)

// ErrMalformedPayload marks callback bodies that cannot be decoded into a
// usable payload (bad base64, bad JSON or missing required fields).
var ErrMalformedPayload = errors.New("kkpay: malformed callback payload")

// CallbackPayload is the decoded body of a gateway callback. Amount accepts
// JSON numbers and strings; the gateway emits either depending on the
// business type.
type CallbackPayload struct {
	BusinessType string          `json:"businessType"`
	UserOrder    string          `json:"userOrder"`
	TxID         string          `json:"txid"`
	Amount       decimal.Decimal `json:"amount"`
	Coin         string          `json:"coin"`
	PayUser      string          `json:"payUser"`
	OrderStatus  string          `json:"orderStatus"`
	ToUserID     string          `json:"toUserId"`
}

// KnownBusinessType reports whether the payload carries a business type this
// service understands.
func (p *CallbackPayload) KnownBusinessType() bool {
	switch p.BusinessType {
	case BusinessTypeDeposit, BusinessTypeWithdraw, BusinessTypePendingConfirm:
		return true
	}
	return false
}

// Succeeded reports whether the gateway declared the underlying transfer
// successful. Anything other than the explicit success status is treated as
// a failure report.
func (p *CallbackPayload) Succeeded() bool {
	return p.OrderStatus == OrderStatusSuccess
}

// DecodeCallback decodes a raw callback body (base64 text as received) into
// a CallbackPayload. It returns ErrMalformedPayload when the body is not
// valid base64, not valid JSON, or lacks the fields needed to route the
// event.
func DecodeCallback(body []byte) (*CallbackPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(string(body))
	if err != nil {
		return nil, ErrMalformedPayload
	}

	var payload CallbackPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ErrMalformedPayload
	}

	if payload.BusinessType == "" || payload.TxID == "" {
		return nil, ErrMalformedPayload
	}

	return &payload, nil
}

// EncodeBody marshals v to JSON and wraps it in base64, producing the wire
// form KKPay expects for request bodies.
func EncodeBody(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []byte(base64.StdEncoding.EncodeToString(raw)), nil
}
