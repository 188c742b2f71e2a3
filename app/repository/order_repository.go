package repository

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/timipay/kkbridge/app/models"
)

// gormOrderRepository implements the OrderRepository interface
type gormOrderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new order repository instance
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &gormOrderRepository{db: db}
}

func (r *gormOrderRepository) Create(order *models.Order) error {
	if !order.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if order.State == "" {
		order.State = models.OrderStatePending
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		if order.Kind == models.OrderKindWithdrawal {
			// Lock the wallet row so concurrent withdrawal creations for the
			// same user serialize on the available-balance check.
			wallet, err := lockWallet(tx, order.UserID)
			if err != nil {
				return err
			}
			pending, err := sumPendingWithdrawals(tx, order.UserID)
			if err != nil {
				return err
			}
			if wallet.Balance.Sub(pending).LessThan(order.Amount) {
				return ErrInsufficientBalance
			}
		}

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			DoNothing: true,
		}).Create(order)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrDuplicateOrder
		}
		return nil
	})
}

func (r *gormOrderRepository) GetByOrderID(orderID string) (*models.Order, error) {
	var order models.Order
	err := r.db.Where("order_id = ?", orderID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (r *gormOrderRepository) GetByExternalReference(ref string) (*models.Order, error) {
	var order models.Order
	err := r.db.Where("external_reference = ?", ref).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (r *gormOrderRepository) ApplyTransition(orderID string, expected, next models.OrderState, delta *decimal.Decimal, externalRef string) (*models.Order, *models.LedgerEntry, error) {
	var order models.Order
	var entry *models.LedgerEntry

	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("order_id = ?", orderID).First(&order).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrOrderNotFound
			}
			return err
		}
		if order.State != expected {
			return ErrStaleTransition
		}

		updates := map[string]interface{}{"state": next}
		if externalRef != "" && (order.ExternalReference == nil || *order.ExternalReference == "") {
			updates["external_reference"] = externalRef
		}

		// The guarded UPDATE is the actual concurrency gate; the read above
		// only exists to tell not-found apart from stale.
		res := tx.Model(&models.Order{}).
			Where("order_id = ? AND state = ?", orderID, expected).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleTransition
		}

		if delta != nil && !delta.IsZero() {
			wallet, err := lockWallet(tx, order.UserID)
			if err != nil {
				return err
			}
			newBalance := wallet.Balance.Add(*delta)
			if newBalance.IsNegative() {
				return ErrInsufficientBalance
			}

			e := &models.LedgerEntry{
				EntryID:      uuid.New().String(),
				OrderID:      orderID,
				UserID:       order.UserID,
				Delta:        *delta,
				BalanceAfter: newBalance,
			}
			if err := tx.Create(e).Error; err != nil {
				return err
			}
			if err := tx.Model(&models.Wallet{}).
				Where("user_id = ?", order.UserID).
				Update("balance", newBalance).Error; err != nil {
				return err
			}
			entry = e
		}

		return tx.Where("order_id = ?", orderID).First(&order).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return &order, entry, nil
}

func (r *gormOrderRepository) AttachExternalReference(orderID, ref string) error {
	if ref == "" {
		return nil
	}
	return r.db.Model(&models.Order{}).
		Where("order_id = ? AND external_reference IS NULL", orderID).
		Update("external_reference", ref).Error
}

func (r *gormOrderRepository) ListByUserID(userID int64, offset, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *gormOrderRepository) ListExpiredPending(cutoff time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.Where("state = ? AND expires_at IS NOT NULL AND expires_at <= ?", models.OrderStatePending, cutoff).
		Order("expires_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// lockWallet reads the wallet row FOR UPDATE, creating it when the user has
// none yet.
func lockWallet(tx *gorm.DB, userID int64) (*models.Wallet, error) {
	var wallet models.Wallet
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&wallet).Error
	if err == nil {
		return &wallet, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// Insert-if-absent, then lock. A concurrent creator winning the insert is
	// fine; the second read sees its row.
	created := models.Wallet{UserID: userID, Balance: decimal.Zero}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&created).Error; err != nil {
		return nil, err
	}

	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&wallet).Error
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

func sumPendingWithdrawals(tx *gorm.DB, userID int64) (decimal.Decimal, error) {
	var raw string
	err := tx.Model(&models.Order{}).
		Where("user_id = ? AND kind = ? AND state = ?", userID, models.OrderKindWithdrawal, models.OrderStatePending).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&raw).Error
	if err != nil {
		return decimal.Zero, err
	}
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}
