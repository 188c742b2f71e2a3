package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timipay/kkbridge/app/models"
	"github.com/timipay/kkbridge/app/repository"
	"github.com/timipay/kkbridge/internal/pkg/kkpay"
)

type fakeDispatcher struct {
	mu            sync.Mutex
	notifications []Notification
	err           error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, n Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.notifications = append(d.notifications, n)
	return nil
}

func (d *fakeDispatcher) sent() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Notification, len(d.notifications))
	copy(out, d.notifications)
	return out
}

func newTestEngine(t *testing.T) (*Engine, *repository.Repositories, *fakeDispatcher) {
	t.Helper()
	repos := repository.NewMemoryRepositories()
	dispatcher := &fakeDispatcher{}
	return NewEngine(repos, dispatcher), repos, dispatcher
}

func newPendingOrder(t *testing.T, repos *repository.Repositories, kind models.OrderKind, userID int64, amount string) *models.Order {
	t.Helper()
	orderID, err := models.NewOrderID(kind, userID)
	require.NoError(t, err)
	order := &models.Order{
		OrderID: orderID,
		UserID:  userID,
		Kind:    kind,
		Amount:  decimal.RequireFromString(amount),
		Coin:    "USDT",
		State:   models.OrderStatePending,
	}
	require.NoError(t, repos.Order.Create(order))
	return order
}

// fundWallet runs a deposit through the whole pipeline so the wallet carries
// real ledger-backed balance.
func fundWallet(t *testing.T, engine *Engine, repos *repository.Repositories, userID int64, amount string) {
	t.Helper()
	order := newPendingOrder(t, repos, models.OrderKindDeposit, userID, amount)
	res, err := engine.Process(context.Background(), successCallback(order, "fund-"+order.OrderID))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)
}

func successCallback(order *models.Order, txid string) *kkpay.CallbackPayload {
	businessType := kkpay.BusinessTypeDeposit
	if order.Kind == models.OrderKindWithdrawal {
		businessType = kkpay.BusinessTypeWithdraw
	}
	return &kkpay.CallbackPayload{
		BusinessType: businessType,
		UserOrder:    order.OrderID,
		TxID:         txid,
		Amount:       order.Amount,
		Coin:         order.Coin,
		OrderStatus:  kkpay.OrderStatusSuccess,
	}
}

func failCallback(order *models.Order, txid string) *kkpay.CallbackPayload {
	cb := successCallback(order, txid)
	cb.OrderStatus = kkpay.OrderStatusFail
	return cb
}

func TestProcessDepositSuccess(t *testing.T) {
	engine, repos, dispatcher := newTestEngine(t)
	order := newPendingOrder(t, repos, models.OrderKindDeposit, 42, "100")

	res, err := engine.Process(context.Background(), successCallback(order, "tx-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	require.NotNil(t, res.Order)
	assert.Equal(t, models.OrderStateCompleted, res.Order.State)

	balance, err := repos.Wallet.GetBalance(42)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(100)), "balance is %s", balance)

	entries, err := repos.Wallet.ListEntries(42, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Delta.Equal(decimal.NewFromInt(100)))
	assert.True(t, entries[0].BalanceAfter.Equal(decimal.NewFromInt(100)))

	stored, err := repos.Order.GetByExternalReference("tx-1")
	require.NoError(t, err)
	assert.Equal(t, order.OrderID, stored.OrderID)

	sent := dispatcher.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(42), sent[0].UserID)
	assert.Equal(t, models.OrderStateCompleted, sent[0].Outcome)
	assert.True(t, sent[0].HasBalance)
	assert.True(t, sent[0].Balance.Equal(decimal.NewFromInt(100)))
}

func TestProcessReplayIsIdempotent(t *testing.T) {
	engine, repos, dispatcher := newTestEngine(t)
	order := newPendingOrder(t, repos, models.OrderKindDeposit, 42, "100")
	cb := successCallback(order, "tx-1")

	first, err := engine.Process(context.Background(), cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, first.Outcome)

	second, err := engine.Process(context.Background(), cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)

	balance, err := repos.Wallet.GetBalance(42)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(100)), "replay must not double-credit, balance is %s", balance)

	entries, err := repos.Wallet.ListEntries(42, 0, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	assert.Len(t, dispatcher.sent(), 1, "replay must not re-notify")
}

func TestProcessSecondSuccessDifferentTxid(t *testing.T) {
	engine, repos, dispatcher := newTestEngine(t)
	order := newPendingOrder(t, repos, models.OrderKindDeposit, 42, "100")

	first, err := engine.Process(context.Background(), successCallback(order, "tx-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, first.Outcome)

	// Same order, fresh gateway txid: passes dedup, absorbed at the order.
	second, err := engine.Process(context.Background(), successCallback(order, "tx-2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)

	balance, err := repos.Wallet.GetBalance(42)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(100)))
	assert.Len(t, dispatcher.sent(), 1)
}

func TestProcessWithdrawalSuccess(t *testing.T) {
	engine, repos, dispatcher := newTestEngine(t)
	fundWallet(t, engine, repos, 7, "100")

	order := newPendingOrder(t, repos, models.OrderKindWithdrawal, 7, "40")
	res, err := engine.Process(context.Background(), successCallback(order, "tx-wd-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, models.OrderStateCompleted, res.Order.State)

	balance, err := repos.Wallet.GetBalance(7)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(60)), "balance is %s", balance)

	sum, err := repos.Wallet.SumEntries(7)
	require.NoError(t, err)
	assert.True(t, sum.Equal(balance), "ledger sum %s must equal balance %s", sum, balance)

	sent := dispatcher.sent()
	require.Len(t, sent, 2) // funding deposit + withdrawal
	assert.Equal(t, models.OrderKindWithdrawal, sent[1].Kind)
	assert.True(t, sent[1].Balance.Equal(decimal.NewFromInt(60)))
}

func TestProcessWithdrawalFailure(t *testing.T) {
	engine, repos, dispatcher := newTestEngine(t)
	fundWallet(t, engine, repos, 7, "100")

	order := newPendingOrder(t, repos, models.OrderKindWithdrawal, 7, "40")
	res, err := engine.Process(context.Background(), failCallback(order, "tx-wd-2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, models.OrderStateFailed, res.Order.State)

	// Failure moves no money.
	balance, err := repos.Wallet.GetBalance(7)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(100)), "balance is %s", balance)

	entries, err := repos.Wallet.ListEntries(7, 0, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1) // only the funding deposit

	sent := dispatcher.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, models.OrderStateFailed, sent[1].Outcome)
	assert.False(t, sent[1].HasBalance)
}

func TestProcessPendingConfirmIsAckOnly(t *testing.T) {
	engine, repos, dispatcher := newTestEngine(t)
	fundWallet(t, engine, repos, 7, "100")
	order := newPendingOrder(t, repos, models.OrderKindWithdrawal, 7, "40")

	cb := &kkpay.CallbackPayload{
		BusinessType: kkpay.BusinessTypePendingConfirm,
		UserOrder:    order.OrderID,
		TxID:         "tx-confirm-1",
		OrderStatus:  kkpay.OrderStatusSuccess,
	}
	res, err := engine.Process(context.Background(), cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcknowledged, res.Outcome)

	stored, err := repos.Order.GetByOrderID(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatePending, stored.State, "ack-only type must not touch the order")
	assert.Len(t, dispatcher.sent(), 1) // funding only

	// The ack was recorded and processed: replay short-circuits.
	replay, err := engine.Process(context.Background(), cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, replay.Outcome)

	// The later withdraw completion still applies despite sharing the order.
	done, err := engine.Process(context.Background(), successCallback(order, "tx-confirm-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, done.Outcome)
}

func TestProcessUnknownOrderIgnored(t *testing.T) {
	engine, repos, dispatcher := newTestEngine(t)

	cb := &kkpay.CallbackPayload{
		BusinessType: kkpay.BusinessTypeDeposit,
		UserOrder:    "topup_9999_ffffffff",
		TxID:         "tx-unknown",
		Amount:       decimal.NewFromInt(5),
		OrderStatus:  kkpay.OrderStatusSuccess,
	}
	res, err := engine.Process(context.Background(), cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Nil(t, res.Order)
	assert.Empty(t, dispatcher.sent())

	balance, err := repos.Wallet.GetBalance(9999)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	// Ignored events are processed-marked, so replays are plain duplicates.
	replay, err := engine.Process(context.Background(), cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, replay.Outcome)
}

func TestProcessUnknownBusinessTypeIgnored(t *testing.T) {
	engine, repos, dispatcher := newTestEngine(t)
	order := newPendingOrder(t, repos, models.OrderKindDeposit, 42, "100")

	cb := successCallback(order, "tx-refund")
	cb.BusinessType = "refund"

	res, err := engine.Process(context.Background(), cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Empty(t, dispatcher.sent())

	// The referenced order must not be touched by a type we don't handle.
	got, err := repos.Order.GetByOrderID(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatePending, got.State)

	balance, err := repos.Wallet.GetBalance(42)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	replay, err := engine.Process(context.Background(), cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, replay.Outcome)
}

func TestProcessConcurrentDeliveriesSingleWinner(t *testing.T) {
	engine, repos, dispatcher := newTestEngine(t)
	order := newPendingOrder(t, repos, models.OrderKindDeposit, 42, "100")
	cb := successCallback(order, "tx-race")

	const deliveries = 24
	outcomes := make([]Outcome, deliveries)
	errs := make([]error, deliveries)

	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := engine.Process(context.Background(), cb)
			errs[i] = err
			if err == nil {
				outcomes[i] = res.Outcome
			}
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := 0; i < deliveries; i++ {
		require.NoError(t, errs[i])
		if outcomes[i] == OutcomeApplied {
			applied++
		} else {
			assert.Equal(t, OutcomeDuplicate, outcomes[i])
		}
	}
	assert.Equal(t, 1, applied, "exactly one delivery may apply the transition")

	balance, err := repos.Wallet.GetBalance(42)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(100)))

	entries, err := repos.Wallet.ListEntries(42, 0, 100)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	assert.Len(t, dispatcher.sent(), 1)
}

func TestProcessDispatcherFailureDoesNotBlockAck(t *testing.T) {
	repos := repository.NewMemoryRepositories()
	dispatcher := &fakeDispatcher{err: errors.New("queue down")}
	engine := NewEngine(repos, dispatcher)

	order := newPendingOrder(t, repos, models.OrderKindDeposit, 42, "100")
	res, err := engine.Process(context.Background(), successCallback(order, "tx-1"))
	require.NoError(t, err, "dispatcher failures must not fail processing")
	assert.Equal(t, OutcomeApplied, res.Outcome)

	balance, err := repos.Wallet.GetBalance(42)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(100)))
}

func TestProcessNilDispatcher(t *testing.T) {
	repos := repository.NewMemoryRepositories()
	engine := NewEngine(repos, nil)

	order := newPendingOrder(t, repos, models.OrderKindDeposit, 42, "100")
	res, err := engine.Process(context.Background(), successCallback(order, "tx-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
}

type failingEventRepo struct {
	repository.WebhookEventRepository
}

func (f *failingEventRepo) CreateIfNotExists(*models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	return false, nil, fmt.Errorf("connection refused")
}

func TestProcessLedgerUnavailable(t *testing.T) {
	repos := repository.NewMemoryRepositories()
	repos.WebhookEvent = &failingEventRepo{WebhookEventRepository: repos.WebhookEvent}
	engine := NewEngine(repos, nil)

	cb := &kkpay.CallbackPayload{
		BusinessType: kkpay.BusinessTypeDeposit,
		UserOrder:    "topup_1_00000001",
		TxID:         "tx-1",
		OrderStatus:  kkpay.OrderStatusSuccess,
	}
	res, err := engine.Process(context.Background(), cb)
	require.Error(t, err)
	assert.Nil(t, res)
}

func TestExpireOrder(t *testing.T) {
	engine, repos, dispatcher := newTestEngine(t)
	order := newPendingOrder(t, repos, models.OrderKindDeposit, 42, "100")

	require.NoError(t, engine.ExpireOrder(context.Background(), order.OrderID))

	stored, err := repos.Order.GetByOrderID(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateExpired, stored.State)

	balance, err := repos.Wallet.GetBalance(42)
	require.NoError(t, err)
	assert.True(t, balance.IsZero(), "expiry moves no money")
	assert.Empty(t, dispatcher.sent(), "expiry does not notify")

	// Expiring again, or expiring unknown ids, is a no-op.
	require.NoError(t, engine.ExpireOrder(context.Background(), order.OrderID))
	require.NoError(t, engine.ExpireOrder(context.Background(), "topup_0_missing"))
}

func TestExpireOrderLosesRaceToCallback(t *testing.T) {
	engine, repos, _ := newTestEngine(t)
	order := newPendingOrder(t, repos, models.OrderKindDeposit, 42, "100")

	res, err := engine.Process(context.Background(), successCallback(order, "tx-1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)

	require.NoError(t, engine.ExpireOrder(context.Background(), order.OrderID))

	stored, err := repos.Order.GetByOrderID(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateCompleted, stored.State, "completed orders must not be expired")
}

func TestCallbackAfterExpiryIsAbsorbed(t *testing.T) {
	engine, repos, dispatcher := newTestEngine(t)
	order := newPendingOrder(t, repos, models.OrderKindDeposit, 42, "100")

	require.NoError(t, engine.ExpireOrder(context.Background(), order.OrderID))

	res, err := engine.Process(context.Background(), successCallback(order, "tx-late"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	balance, err := repos.Wallet.GetBalance(42)
	require.NoError(t, err)
	assert.True(t, balance.IsZero(), "late success on expired order must not credit")
	assert.Empty(t, dispatcher.sent())
}

func newExpiringOrder(t *testing.T, repos *repository.Repositories, userID int64, amount string, expiresAt time.Time) *models.Order {
	t.Helper()
	orderID, err := models.NewOrderID(models.OrderKindDeposit, userID)
	require.NoError(t, err)
	order := &models.Order{
		OrderID:   orderID,
		UserID:    userID,
		Kind:      models.OrderKindDeposit,
		Amount:    decimal.RequireFromString(amount),
		Coin:      "USDT",
		State:     models.OrderStatePending,
		ExpiresAt: &expiresAt,
	}
	require.NoError(t, repos.Order.Create(order))
	return order
}

func TestSweeperExpiresOverdueOrders(t *testing.T) {
	engine, repos, _ := newTestEngine(t)
	sweeper := NewSweeper(engine, repos.Order, time.Hour, 10)

	overdue := newExpiringOrder(t, repos, 1, "10", time.Now().Add(-time.Minute))
	fresh := newExpiringOrder(t, repos, 2, "10", time.Now().Add(time.Hour))
	unbounded := newPendingOrder(t, repos, models.OrderKindDeposit, 3, "10")

	require.NoError(t, sweeper.SweepOnce(context.Background()))

	got, err := repos.Order.GetByOrderID(overdue.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateExpired, got.State)

	got, err = repos.Order.GetByOrderID(fresh.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatePending, got.State)

	got, err = repos.Order.GetByOrderID(unbounded.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatePending, got.State, "orders without expiry are never swept")
}
