package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is the materialized balance per user. It must always equal the sum
// of that user's ledger entry deltas; both are written in the same database
// transaction.
type Wallet struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	UserID    int64           `gorm:"not null;uniqueIndex" json:"user_id"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0" json:"balance"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
