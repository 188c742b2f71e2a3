package repository

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timipay/kkbridge/app/models"
)

func newTestOrder(t *testing.T, kind models.OrderKind, userID int64, amount string) *models.Order {
	t.Helper()

	orderID, err := models.NewOrderID(kind, userID)
	require.NoError(t, err)

	return &models.Order{
		OrderID: orderID,
		UserID:  userID,
		Kind:    kind,
		Amount:  decimal.RequireFromString(amount),
		Coin:    "USDT",
		State:   models.OrderStatePending,
	}
}

func TestOrderCreateRejectsInvalidAmount(t *testing.T) {
	repos := NewMemoryRepositories()

	order := newTestOrder(t, models.OrderKindDeposit, 1, "100")
	order.Amount = decimal.Zero
	assert.ErrorIs(t, repos.Order.Create(order), ErrInvalidAmount)

	order.Amount = decimal.RequireFromString("-5")
	assert.ErrorIs(t, repos.Order.Create(order), ErrInvalidAmount)
}

func TestOrderCreateRejectsDuplicateID(t *testing.T) {
	repos := NewMemoryRepositories()

	order := newTestOrder(t, models.OrderKindDeposit, 1, "100")
	require.NoError(t, repos.Order.Create(order))

	dup := *order
	assert.ErrorIs(t, repos.Order.Create(&dup), ErrDuplicateOrder)
}

func TestWithdrawalCreateChecksAvailableBalance(t *testing.T) {
	repos := NewMemoryRepositories()
	const userID int64 = 7

	fundWallet(t, repos, userID, "100")

	// First withdrawal holds 60 of the 100.
	first := newTestOrder(t, models.OrderKindWithdrawal, userID, "60")
	require.NoError(t, repos.Order.Create(first))

	// Second withdrawal of 60 would overdraw once both succeed.
	second := newTestOrder(t, models.OrderKindWithdrawal, userID, "60")
	assert.ErrorIs(t, repos.Order.Create(second), ErrInsufficientBalance)

	// 40 still fits.
	third := newTestOrder(t, models.OrderKindWithdrawal, userID, "40")
	assert.NoError(t, repos.Order.Create(third))
}

func TestApplyTransitionDeposit(t *testing.T) {
	repos := NewMemoryRepositories()
	const userID int64 = 42

	order := newTestOrder(t, models.OrderKindDeposit, userID, "100")
	require.NoError(t, repos.Order.Create(order))

	delta := order.BalanceDelta()
	updated, entry, err := repos.Order.ApplyTransition(order.OrderID, models.OrderStatePending, models.OrderStateCompleted, &delta, "tx-123")
	require.NoError(t, err)
	require.NotNil(t, entry)

	assert.Equal(t, models.OrderStateCompleted, updated.State)
	require.NotNil(t, updated.ExternalReference)
	assert.Equal(t, "tx-123", *updated.ExternalReference)
	assert.True(t, entry.Delta.Equal(decimal.RequireFromString("100")))
	assert.True(t, entry.BalanceAfter.Equal(decimal.RequireFromString("100")))

	balance, err := repos.Wallet.GetBalance(userID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("100")))

	found, err := repos.Order.GetByExternalReference("tx-123")
	require.NoError(t, err)
	assert.Equal(t, order.OrderID, found.OrderID)
}

func TestApplyTransitionFailureWritesNoEntry(t *testing.T) {
	repos := NewMemoryRepositories()
	const userID int64 = 42

	order := newTestOrder(t, models.OrderKindDeposit, userID, "100")
	require.NoError(t, repos.Order.Create(order))

	updated, entry, err := repos.Order.ApplyTransition(order.OrderID, models.OrderStatePending, models.OrderStateFailed, nil, "tx-fail")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, models.OrderStateFailed, updated.State)

	balance, err := repos.Wallet.GetBalance(userID)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestApplyTransitionStaleAndNotFound(t *testing.T) {
	repos := NewMemoryRepositories()

	order := newTestOrder(t, models.OrderKindDeposit, 1, "10")
	require.NoError(t, repos.Order.Create(order))

	_, _, err := repos.Order.ApplyTransition(order.OrderID, models.OrderStatePending, models.OrderStateFailed, nil, "")
	require.NoError(t, err)

	// Terminal order refuses further transitions.
	_, _, err = repos.Order.ApplyTransition(order.OrderID, models.OrderStatePending, models.OrderStateCompleted, nil, "")
	assert.ErrorIs(t, err, ErrStaleTransition)

	_, _, err = repos.Order.ApplyTransition("topup_1_ffffffff", models.OrderStatePending, models.OrderStateCompleted, nil, "")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestApplyTransitionExternalReferenceIsWriteOnce(t *testing.T) {
	repos := NewMemoryRepositories()

	order := newTestOrder(t, models.OrderKindDeposit, 1, "10")
	ref := "tx-original"
	order.ExternalReference = &ref
	require.NoError(t, repos.Order.Create(order))

	delta := order.BalanceDelta()
	updated, _, err := repos.Order.ApplyTransition(order.OrderID, models.OrderStatePending, models.OrderStateCompleted, &delta, "tx-other")
	require.NoError(t, err)
	require.NotNil(t, updated.ExternalReference)
	assert.Equal(t, "tx-original", *updated.ExternalReference)
}

func TestApplyTransitionConcurrentSingleWinner(t *testing.T) {
	repos := NewMemoryRepositories()
	const userID int64 = 9
	const attempts = 32

	order := newTestOrder(t, models.OrderKindDeposit, userID, "100")
	require.NoError(t, repos.Order.Create(order))

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			delta := decimal.RequireFromString("100")
			_, _, errs[n] = repos.Order.ApplyTransition(order.OrderID, models.OrderStatePending, models.OrderStateCompleted, &delta, "tx-racy")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.True(t, errors.Is(err, ErrStaleTransition))
		}
	}
	assert.Equal(t, 1, winners)

	balance, err := repos.Wallet.GetBalance(userID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("100")), "exactly one credit must be applied, got %s", balance)

	entries, err := repos.Wallet.ListEntries(userID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWalletBalanceMatchesEntrySums(t *testing.T) {
	repos := NewMemoryRepositories()
	const userID int64 = 77

	deposits := []string{"100", "250.5", "0.0001"}
	for _, amount := range deposits {
		order := newTestOrder(t, models.OrderKindDeposit, userID, amount)
		require.NoError(t, repos.Order.Create(order))
		delta := order.BalanceDelta()
		_, _, err := repos.Order.ApplyTransition(order.OrderID, models.OrderStatePending, models.OrderStateCompleted, &delta, "")
		require.NoError(t, err)
	}

	withdrawal := newTestOrder(t, models.OrderKindWithdrawal, userID, "50")
	require.NoError(t, repos.Order.Create(withdrawal))
	delta := withdrawal.BalanceDelta()
	_, _, err := repos.Order.ApplyTransition(withdrawal.OrderID, models.OrderStatePending, models.OrderStateCompleted, &delta, "")
	require.NoError(t, err)

	balance, err := repos.Wallet.GetBalance(userID)
	require.NoError(t, err)
	sum, err := repos.Wallet.SumEntries(userID)
	require.NoError(t, err)

	assert.True(t, balance.Equal(sum), "wallet %s must equal entry sum %s", balance, sum)
	assert.True(t, balance.Equal(decimal.RequireFromString("300.5001")))
}

func TestListExpiredPending(t *testing.T) {
	repos := NewMemoryRepositories()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	expired := newTestOrder(t, models.OrderKindDeposit, 1, "10")
	expired.ExpiresAt = &past
	require.NoError(t, repos.Order.Create(expired))

	fresh := newTestOrder(t, models.OrderKindDeposit, 1, "10")
	fresh.ExpiresAt = &future
	require.NoError(t, repos.Order.Create(fresh))

	noTTL := newTestOrder(t, models.OrderKindDeposit, 1, "10")
	require.NoError(t, repos.Order.Create(noTTL))

	due, err := repos.Order.ListExpiredPending(time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, expired.OrderID, due[0].OrderID)
}

func TestWebhookEventCreateIfNotExists(t *testing.T) {
	repos := NewMemoryRepositories()

	event := &models.WebhookEvent{
		BusinessType: "deposit",
		GatewayTxID:  "tx-1",
		OrderRef:     "topup_1_abcd1234",
		PayloadJSON:  `{"orderStatus":"success"}`,
	}

	created, stored, err := repos.WebhookEvent.CreateIfNotExists(event)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, stored)
	assert.Nil(t, stored.ProcessedAt)

	again, storedAgain, err := repos.WebhookEvent.CreateIfNotExists(&models.WebhookEvent{
		BusinessType: "deposit",
		GatewayTxID:  "tx-1",
	})
	require.NoError(t, err)
	assert.False(t, again)
	assert.Equal(t, stored.ID, storedAgain.ID)

	// Same txid under a different business type is a distinct event.
	other, _, err := repos.WebhookEvent.CreateIfNotExists(&models.WebhookEvent{
		BusinessType: "withdraw",
		GatewayTxID:  "tx-1",
	})
	require.NoError(t, err)
	assert.True(t, other)

	require.NoError(t, repos.WebhookEvent.MarkProcessed(stored.ID, ""))
	_, reread, err := repos.WebhookEvent.CreateIfNotExists(&models.WebhookEvent{
		BusinessType: "deposit",
		GatewayTxID:  "tx-1",
	})
	require.NoError(t, err)
	assert.NotNil(t, reread.ProcessedAt)
}

func fundWallet(t *testing.T, repos *Repositories, userID int64, amount string) {
	t.Helper()

	order := newTestOrder(t, models.OrderKindDeposit, userID, amount)
	require.NoError(t, repos.Order.Create(order))
	delta := order.BalanceDelta()
	_, _, err := repos.Order.ApplyTransition(order.OrderID, models.OrderStatePending, models.OrderStateCompleted, &delta, "")
	require.NoError(t, err)
}
