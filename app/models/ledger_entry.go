package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntry is one immutable balance change. The unique index on OrderID
// guarantees at most one entry per order at the database level, which is the
// hard backstop for idempotent callback processing.
type LedgerEntry struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	EntryID      string          `gorm:"type:varchar(36);not null;uniqueIndex" json:"entry_id"`
	OrderID      string          `gorm:"type:varchar(64);not null;uniqueIndex" json:"order_id"`
	UserID       int64           `gorm:"not null;index" json:"user_id"`
	Delta        decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"delta"`
	BalanceAfter decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"balance_after"`
	CreatedAt    time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}
