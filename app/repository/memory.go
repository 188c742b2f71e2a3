package repository

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/timipay/kkbridge/app/models"
)

// memoryStore implements all repository interfaces with in-memory maps. Used
// for testing and for dev mode without a database. Not suitable for
// production (no persistence).
type memoryStore struct {
	mu      sync.Mutex
	orders  map[string]*models.Order // by public order id
	entries map[string]*models.LedgerEntry
	wallets map[int64]*models.Wallet
	events  map[string]*models.WebhookEvent // by business_type + "\x00" + txid
	nextID  uint
}

// NewMemoryRepositories creates repositories backed by one shared in-memory
// store. All methods are safe for concurrent use; ApplyTransition keeps the
// one-winner guarantee under the store mutex.
func NewMemoryRepositories() *Repositories {
	s := &memoryStore{
		orders:  make(map[string]*models.Order),
		entries: make(map[string]*models.LedgerEntry),
		wallets: make(map[int64]*models.Wallet),
		events:  make(map[string]*models.WebhookEvent),
	}
	return &Repositories{
		Order:        (*memoryOrderRepository)(s),
		Wallet:       (*memoryWalletRepository)(s),
		WebhookEvent: (*memoryWebhookEventRepository)(s),
	}
}

func (s *memoryStore) nextSeq() uint {
	s.nextID++
	return s.nextID
}

func (s *memoryStore) walletLocked(userID int64) *models.Wallet {
	w, ok := s.wallets[userID]
	if !ok {
		w = &models.Wallet{ID: s.nextSeq(), UserID: userID, Balance: decimal.Zero, CreatedAt: time.Now()}
		s.wallets[userID] = w
	}
	return w
}

type memoryOrderRepository memoryStore

func (r *memoryOrderRepository) Create(order *models.Order) error {
	if !order.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if order.State == "" {
		order.State = models.OrderStatePending
	}

	s := (*memoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.OrderID]; exists {
		return ErrDuplicateOrder
	}

	if order.Kind == models.OrderKindWithdrawal {
		available := s.walletLocked(order.UserID).Balance
		for _, o := range s.orders {
			if o.UserID == order.UserID && o.Kind == models.OrderKindWithdrawal && o.State == models.OrderStatePending {
				available = available.Sub(o.Amount)
			}
		}
		if available.LessThan(order.Amount) {
			return ErrInsufficientBalance
		}
	}

	order.ID = s.nextSeq()
	now := time.Now()
	order.CreatedAt = now
	order.UpdatedAt = now
	stored := *order
	s.orders[order.OrderID] = &stored
	return nil
}

func (r *memoryOrderRepository) GetByOrderID(orderID string) (*models.Order, error) {
	s := (*memoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *memoryOrderRepository) GetByExternalReference(ref string) (*models.Order, error) {
	s := (*memoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.orders {
		if o.ExternalReference != nil && *o.ExternalReference == ref {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrOrderNotFound
}

func (r *memoryOrderRepository) ApplyTransition(orderID string, expected, next models.OrderState, delta *decimal.Decimal, externalRef string) (*models.Order, *models.LedgerEntry, error) {
	s := (*memoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, nil, ErrOrderNotFound
	}
	if o.State != expected {
		return nil, nil, ErrStaleTransition
	}

	var entry *models.LedgerEntry
	if delta != nil && !delta.IsZero() {
		w := s.walletLocked(o.UserID)
		newBalance := w.Balance.Add(*delta)
		if newBalance.IsNegative() {
			return nil, nil, ErrInsufficientBalance
		}
		e := &models.LedgerEntry{
			ID:           s.nextSeq(),
			EntryID:      uuid.New().String(),
			OrderID:      orderID,
			UserID:       o.UserID,
			Delta:        *delta,
			BalanceAfter: newBalance,
			CreatedAt:    time.Now(),
		}
		s.entries[e.EntryID] = e
		w.Balance = newBalance
		w.UpdatedAt = time.Now()
		cp := *e
		entry = &cp
	}

	o.State = next
	if externalRef != "" && (o.ExternalReference == nil || *o.ExternalReference == "") {
		ref := externalRef
		o.ExternalReference = &ref
	}
	o.UpdatedAt = time.Now()

	cp := *o
	return &cp, entry, nil
}

func (r *memoryOrderRepository) AttachExternalReference(orderID, ref string) error {
	if ref == "" {
		return nil
	}

	s := (*memoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil
	}
	if o.ExternalReference == nil || *o.ExternalReference == "" {
		stored := ref
		o.ExternalReference = &stored
		o.UpdatedAt = time.Now()
	}
	return nil
}

func (r *memoryOrderRepository) ListByUserID(userID int64, offset, limit int) ([]models.Order, error) {
	s := (*memoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []models.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	return paginate(orders, offset, limit), nil
}

func (r *memoryOrderRepository) ListExpiredPending(cutoff time.Time, limit int) ([]models.Order, error) {
	s := (*memoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []models.Order
	for _, o := range s.orders {
		if o.State == models.OrderStatePending && o.ExpiresAt != nil && !o.ExpiresAt.After(cutoff) {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ExpiresAt.Before(*orders[j].ExpiresAt) })
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

type memoryWalletRepository memoryStore

func (r *memoryWalletRepository) GetOrCreate(userID int64) (*models.Wallet, error) {
	s := (*memoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *s.walletLocked(userID)
	return &cp, nil
}

func (r *memoryWalletRepository) GetBalance(userID int64) (decimal.Decimal, error) {
	s := (*memoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[userID]
	if !ok {
		return decimal.Zero, nil
	}
	return w.Balance, nil
}

func (r *memoryWalletRepository) ListEntries(userID int64, offset, limit int) ([]models.LedgerEntry, error) {
	s := (*memoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []models.LedgerEntry
	for _, e := range s.entries {
		if e.UserID == userID {
			entries = append(entries, *e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
	return paginateEntries(entries, offset, limit), nil
}

func (r *memoryWalletRepository) SumEntries(userID int64) (decimal.Decimal, error) {
	s := (*memoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := decimal.Zero
	for _, e := range s.entries {
		if e.UserID == userID {
			sum = sum.Add(e.Delta)
		}
	}
	return sum, nil
}

type memoryWebhookEventRepository memoryStore

func (r *memoryWebhookEventRepository) CreateIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	s := (*memoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	key := event.BusinessType + "\x00" + event.GatewayTxID
	if stored, ok := s.events[key]; ok {
		cp := *stored
		return false, &cp, nil
	}

	event.ID = s.nextSeq()
	now := time.Now()
	event.CreatedAt = now
	event.UpdatedAt = now
	stored := *event
	s.events[key] = &stored
	cp := stored
	return true, &cp, nil
}

func (r *memoryWebhookEventRepository) MarkProcessed(id uint, processingError string) error {
	s := (*memoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.ProcessingError = processingError
			e.UpdatedAt = now
			return nil
		}
	}
	return nil
}

func (r *memoryWebhookEventRepository) RecordError(id uint, processingError string) error {
	s := (*memoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events {
		if e.ID == id {
			e.ProcessingError = processingError
			e.UpdatedAt = time.Now()
			return nil
		}
	}
	return nil
}

func paginate(orders []models.Order, offset, limit int) []models.Order {
	if offset >= len(orders) {
		return nil
	}
	orders = orders[offset:]
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders
}

func paginateEntries(entries []models.LedgerEntry, offset, limit int) []models.LedgerEntry {
	if offset >= len(entries) {
		return nil
	}
	entries = entries[offset:]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
