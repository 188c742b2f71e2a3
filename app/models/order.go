package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// OrderKind distinguishes money moving into the platform from money moving out.
type OrderKind string

const (
	OrderKindDeposit    OrderKind = "deposit"
	OrderKindWithdrawal OrderKind = "withdrawal"
)

// OrderState is the lifecycle state of a payment order.
type OrderState string

const (
	OrderStatePending   OrderState = "pending"
	OrderStateCompleted OrderState = "completed"
	OrderStateFailed    OrderState = "failed"
	OrderStateExpired   OrderState = "expired"
)

// Order is a single deposit or withdrawal tracked against the gateway.
// ExternalReference holds the gateway transaction id once known and is
// write-once: set at creation or by the first matching callback, never
// overwritten afterwards.
type Order struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	OrderID           string          `gorm:"type:varchar(64);not null;uniqueIndex" json:"order_id" validate:"required,max=64"`
	UserID            int64           `gorm:"not null;index" json:"user_id" validate:"required"`
	Kind              OrderKind       `gorm:"type:varchar(20);not null;index" json:"kind" validate:"required,oneof=deposit withdrawal"`
	Amount            decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"amount"`
	Coin              string          `gorm:"type:varchar(16);not null;default:'USDT'" json:"coin" validate:"required,max=16"`
	State             OrderState      `gorm:"type:varchar(20);not null;default:'pending';index" json:"state" validate:"required,oneof=pending completed failed expired"`
	ExternalReference *string         `gorm:"type:varchar(128);uniqueIndex" json:"external_reference,omitempty"`
	Recipient         string          `gorm:"type:varchar(128);default:''" json:"recipient,omitempty"`
	PayURL            string          `gorm:"type:varchar(512);default:''" json:"pay_url,omitempty"`
	ExpiresAt         *time.Time      `gorm:"type:timestamp;default:null;index" json:"expires_at,omitempty"`
	CreatedAt         time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (o *Order) Validate() error {
	v := validator.New()

	return v.Struct(o)
}

// IsTerminal reports whether the order reached a final state. Terminal orders
// absorb any further gateway events as no-ops.
func (o *Order) IsTerminal() bool {
	switch o.State {
	case OrderStateCompleted, OrderStateFailed, OrderStateExpired:
		return true
	}
	return false
}

// BalanceDelta returns the signed wallet change a successful completion of
// this order causes: +amount for deposits, -amount for withdrawals.
func (o *Order) BalanceDelta() decimal.Decimal {
	if o.Kind == OrderKindWithdrawal {
		return o.Amount.Neg()
	}
	return o.Amount
}

// NewOrderID builds a public order id like "topup_12345_a1b2c3d4" or
// "withdraw_12345_a1b2c3d4". The short random suffix keeps ids unguessable
// while staying readable in support chats.
func NewOrderID(kind OrderKind, userID int64) (string, error) {
	prefix := "topup"
	if kind == OrderKindWithdrawal {
		prefix = "withdraw"
	}

	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%d_%s", prefix, userID, hex.EncodeToString(buf)), nil
}
