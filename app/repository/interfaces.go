package repository

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/timipay/kkbridge/app/models"
)

// OrderRepository defines the interface for order-related database operations.
type OrderRepository interface {
	// Create persists a new pending order. Withdrawal orders are rejected with
	// ErrInsufficientBalance when the user's available balance (wallet balance
	// minus the sum of still-pending withdrawals) does not cover the amount.
	Create(order *models.Order) error
	GetByOrderID(orderID string) (*models.Order, error)
	// GetByExternalReference looks an order up by the gateway transaction id.
	GetByExternalReference(ref string) (*models.Order, error)
	// ApplyTransition atomically moves an order from the expected state to the
	// next one, appends a ledger entry for the delta (nil means no balance
	// change) and updates the wallet, all in one database transaction. When the
	// order is not in the expected state anymore it returns ErrStaleTransition
	// and nothing is written; under concurrent invocation exactly one caller
	// wins. A non-empty externalRef is stored on the order if it has none yet.
	ApplyTransition(orderID string, expected, next models.OrderState, delta *decimal.Decimal, externalRef string) (*models.Order, *models.LedgerEntry, error)
	// AttachExternalReference stores the gateway transaction id on an order
	// that has none yet. Orders that already carry a reference are left
	// untouched; the field is write-once.
	AttachExternalReference(orderID, ref string) error
	ListByUserID(userID int64, offset, limit int) ([]models.Order, error)
	// ListExpiredPending returns pending orders whose expiry passed the cutoff,
	// oldest first, for the expiry sweeper.
	ListExpiredPending(cutoff time.Time, limit int) ([]models.Order, error)
}

// WalletRepository defines the interface for balance and ledger queries.
type WalletRepository interface {
	GetOrCreate(userID int64) (*models.Wallet, error)
	// GetBalance returns zero for users without a wallet row.
	GetBalance(userID int64) (decimal.Decimal, error)
	ListEntries(userID int64, offset, limit int) ([]models.LedgerEntry, error)
	// SumEntries adds up all entry deltas for a user. Must equal the wallet
	// balance at any point in time; exposed for audits and tests.
	SumEntries(userID int64) (decimal.Decimal, error)
}

// WebhookEventRepository defines the interface for the callback seen-set.
type WebhookEventRepository interface {
	// CreateIfNotExists inserts the event unless one with the same business
	// type and gateway transaction id is already stored. Returns whether the
	// row was created plus the stored row either way.
	CreateIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkProcessed(id uint, processingError string) error
	// RecordError stores a processing error without marking the event
	// processed, keeping it eligible for reprocessing on gateway retry.
	RecordError(id uint, processingError string) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	Order        OrderRepository
	Wallet       WalletRepository
	WebhookEvent WebhookEventRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Order:        NewOrderRepository(db),
		Wallet:       NewWalletRepository(db),
		WebhookEvent: NewWebhookEventRepository(db),
	}
}
