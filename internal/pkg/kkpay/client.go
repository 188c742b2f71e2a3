package kkpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/timipay/kkbridge/internal/pkg/env"
)

// Gateway defaults. The merchant base serves payment and withdrawal order
// endpoints, the API base serves lookup endpoints. Both are overridable via
// environment for staging gateways.
const (
	DefaultMerchantBaseURL = "https://www.gamepay.tech/merchant/"
	DefaultAPIBaseURL      = "https://www.gamepay.tech/api/merchant/"

	// DefaultReturnURL is where KKPay sends the payer after completing a
	// hosted payment page flow.
	DefaultReturnURL = "https://t.me/TimiSupport_bot"

	defaultTimeout = 30 * time.Second
)

// Gateway response codes.
const (
	codeSuccess       = 1000
	codeCensorSuccess = 10000
)

// APIError is a non-success envelope returned by the gateway. The request
// itself went through, KKPay just declined it.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kkpay: gateway returned code %d: %s", e.Code, e.Message)
}

// Client talks to the KKPay merchant API. All request bodies are base64
// encoded JSON signed with the shared secret, mirroring the callback wire
// format.
type Client struct {
	merchantID  string
	secret      string
	merchantURL string
	apiURL      string
	returnURL   string
	httpClient  *http.Client
}

// NewClient builds a client with explicit credentials and the default
// endpoints.
func NewClient(merchantID, secret string) *Client {
	return &Client{
		merchantID:  merchantID,
		secret:      secret,
		merchantURL: DefaultMerchantBaseURL,
		apiURL:      DefaultAPIBaseURL,
		returnURL:   DefaultReturnURL,
		httpClient:  &http.Client{Timeout: defaultTimeout},
	}
}

// NewClientFromEnv builds a client from KKPAY_* environment variables.
func NewClientFromEnv() *Client {
	c := NewClient(env.GetEnv("KKPAY_MERCHANT_ID", ""), env.GetEnv("KKPAY_SECRET", ""))
	if u := env.GetEnv("KKPAY_MERCHANT_URL", ""); u != "" {
		c.merchantURL = u
	}
	if u := env.GetEnv("KKPAY_API_URL", ""); u != "" {
		c.apiURL = u
	}
	if u := env.GetEnv("KKPAY_RETURN_URL", ""); u != "" {
		c.returnURL = u
	}
	return c
}

// MerchantID returns the configured merchant identifier. The webhook ingress
// compares it against the KKPAY-ID header before verifying signatures.
func (c *Client) MerchantID() string {
	return c.merchantID
}

// Secret returns the shared signing secret.
func (c *Client) Secret() string {
	return c.secret
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// PayLink is the result of creating a hosted payment page for a deposit.
type PayLink struct {
	PayURL string          `json:"pay_url"`
	TxID   string          `json:"txid"`
	Fee    decimal.Decimal `json:"fee"`
}

// WithdrawOrder is the result of submitting a withdrawal to the gateway.
type WithdrawOrder struct {
	TxID        string          `json:"txid"`
	Fee         decimal.Decimal `json:"fee"`
	OrderStatus string          `json:"orderStatus"`
}

// OrderStatus is the gateway-side view of a previously created order.
type OrderStatus struct {
	TxID        string          `json:"txid"`
	Amount      decimal.Decimal `json:"amount"`
	OrderStatus string          `json:"orderStatus"`
}

type payLinkRequest struct {
	UserOrder string      `json:"userOrder"`
	Amount    json.Number `json:"amount"`
	Coin      string      `json:"coin"`
	Name      string      `json:"name"`
	ReturnURL string      `json:"return_url"`
}

type withdrawRequest struct {
	UserOrder string      `json:"userOrder"`
	Amount    json.Number `json:"amount"`
	Coin      string      `json:"coin"`
	ToUserID  string      `json:"to_user_id"`
	Name      string      `json:"name"`
}

type txidRequest struct {
	TxID string `json:"txid"`
}

type censorRequest struct {
	TGID string `json:"tg_id"`
}

type censorResponse struct {
	IsExist bool `json:"isExist"`
}

// CreatePayLink asks the gateway for a hosted payment page for the given
// order. The returned txid is the gateway-side reference for the deposit.
func (c *Client) CreatePayLink(ctx context.Context, userOrder string, amount decimal.Decimal, coin, name string) (*PayLink, error) {
	req := payLinkRequest{
		UserOrder: userOrder,
		Amount:    json.Number(amount.String()),
		Coin:      coin,
		Name:      name,
		ReturnURL: c.returnURL,
	}

	var link PayLink
	if err := c.call(ctx, c.merchantURL+"payLink", req, codeSuccess, &link); err != nil {
		return nil, err
	}
	return &link, nil
}

// CreateWithdrawOrder submits a withdrawal to the gateway. The recipient is
// addressed by their KKPay user id.
func (c *Client) CreateWithdrawOrder(ctx context.Context, userOrder string, amount decimal.Decimal, coin, toUserID, name string) (*WithdrawOrder, error) {
	req := withdrawRequest{
		UserOrder: userOrder,
		Amount:    json.Number(amount.String()),
		Coin:      coin,
		ToUserID:  toUserID,
		Name:      name,
	}

	var order WithdrawOrder
	if err := c.call(ctx, c.merchantURL+"createWithdrawOrder", req, codeSuccess, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// CheckDeposit fetches the gateway-side status of a deposit by its txid.
func (c *Client) CheckDeposit(ctx context.Context, txid string) (*OrderStatus, error) {
	var status OrderStatus
	if err := c.call(ctx, c.merchantURL+"checkDeposit", txidRequest{TxID: txid}, codeSuccess, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CheckWithdraw fetches the gateway-side status of a withdrawal by its txid.
func (c *Client) CheckWithdraw(ctx context.Context, txid string) (*OrderStatus, error) {
	var status OrderStatus
	if err := c.call(ctx, c.apiURL+"checkWithdraw", txidRequest{TxID: txid}, codeSuccess, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CheckUserExists reports whether the given Telegram user id is registered
// with KKPay. Withdrawals to unregistered recipients are rejected by the
// gateway, so callers screen recipients up front.
func (c *Client) CheckUserExists(ctx context.Context, tgID string) (bool, error) {
	var resp censorResponse
	if err := c.call(ctx, c.apiURL+"censorUserbyTGID", censorRequest{TGID: tgID}, codeCensorSuccess, &resp); err != nil {
		return false, err
	}
	return resp.IsExist, nil
}

// call encodes and signs the request, posts it and unmarshals the data part
// of the envelope into out when the gateway reports wantCode.
func (c *Client) call(ctx context.Context, endpoint string, payload any, wantCode int, out any) error {
	body, err := EncodeBody(payload)
	if err != nil {
		return fmt.Errorf("kkpay: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("kkpay: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderMerchantID, c.merchantID)
	req.Header.Set(HeaderSignature, Sign(body, c.secret))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("kkpay: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kkpay: read response: %w", err)
	}

	var wrapper envelope
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return fmt.Errorf("kkpay: invalid response from %s: %v", endpoint, err)
	}

	if wrapper.Code != wantCode {
		msg := strings.TrimSpace(wrapper.Message)
		if msg == "" {
			msg = "no message"
		}
		return &APIError{Code: wrapper.Code, Message: msg}
	}

	if out != nil && len(wrapper.Data) > 0 {
		if err := json.Unmarshal(wrapper.Data, out); err != nil {
			return fmt.Errorf("kkpay: decode response data: %v", err)
		}
	}
	return nil
}
