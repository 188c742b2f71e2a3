// Package reconcile drives the order state machine from verified gateway
// callbacks. It owns dedup, transition arbitration and notification
// dispatch; signature checking happens before events get here.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/timipay/kkbridge/app/models"
	"github.com/timipay/kkbridge/app/repository"
	"github.com/timipay/kkbridge/internal/pkg/kkpay"
	"github.com/timipay/kkbridge/internal/pkg/metrics"
)

// Outcome classifies what processing a callback did to the ledger.
type Outcome string

const (
	// OutcomeApplied means a state transition was executed.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate covers replays: already-processed events, orders
	// already terminal, and races lost against a concurrent twin.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the callback referenced no known order.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeAcknowledged covers business types that are recorded but carry
	// no ledger effect.
	OutcomeAcknowledged Outcome = "acknowledged"
)

// Result is the processing outcome plus the affected order, when one was
// resolved.
type Result struct {
	Outcome Outcome
	Order   *models.Order
}

// Notification describes a terminal order outcome for user delivery.
type Notification struct {
	UserID  int64
	OrderID string
	Kind    models.OrderKind
	Outcome models.OrderState
	Amount  decimal.Decimal
	Coin    string
	Balance decimal.Decimal
	// HasBalance reports whether Balance carries the post-transition wallet
	// balance. Failed transitions move no money and have none.
	HasBalance bool
	TxID       string
}

// Dispatcher queues a notification for asynchronous delivery. Errors are
// logged by the engine and never affect ledger state or acking.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// Engine applies gateway callbacks to the ledger.
type Engine struct {
	repos      *repository.Repositories
	dispatcher Dispatcher
}

// NewEngine creates an engine on top of the given repositories. dispatcher
// may be nil when no notifications are wanted (expiry-only deployments).
func NewEngine(repos *repository.Repositories, dispatcher Dispatcher) *Engine {
	return &Engine{repos: repos, dispatcher: dispatcher}
}

// Process records the callback and drives the order state machine. The
// returned error is always an infrastructure failure; every business
// condition (replays, unknown orders, lost races) resolves to a Result so
// the ingress can ack and the gateway stops retrying.
func (e *Engine) Process(ctx context.Context, payload *kkpay.CallbackPayload) (*Result, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal callback payload: %w", err)
	}

	event := &models.WebhookEvent{
		BusinessType:   payload.BusinessType,
		GatewayTxID:    payload.TxID,
		OrderRef:       payload.UserOrder,
		DeclaredStatus: payload.OrderStatus,
		PayloadJSON:    string(raw),
		SignatureValid: true,
	}

	created, stored, err := e.repos.WebhookEvent.CreateIfNotExists(event)
	if err != nil {
		return nil, fmt.Errorf("record webhook event: %w", err)
	}

	if !created && stored.ProcessedAt != nil {
		log.Infof("[Reconcile] Duplicate event %s/%s, already processed", payload.BusinessType, payload.TxID)
		return &Result{Outcome: OutcomeDuplicate}, nil
	}
	if !created {
		// A twin exists but never finished processing (crash or concurrent
		// delivery). Run it again; the transition guard arbitrates.
		log.Warnf("[Reconcile] Reprocessing unfinished event %s/%s", payload.BusinessType, payload.TxID)
	}

	if !payload.KnownBusinessType() {
		if err := e.repos.WebhookEvent.MarkProcessed(stored.ID, "unknown business type"); err != nil {
			return nil, fmt.Errorf("mark event processed: %w", err)
		}
		log.Warnf("[Reconcile] Unknown business type %q (txid=%s), ignoring", payload.BusinessType, payload.TxID)
		return &Result{Outcome: OutcomeIgnored}, nil
	}

	if payload.BusinessType == kkpay.BusinessTypePendingConfirm {
		if err := e.repos.WebhookEvent.MarkProcessed(stored.ID, ""); err != nil {
			return nil, fmt.Errorf("mark event processed: %w", err)
		}
		log.Infof("[Reconcile] Acknowledged %s for order ref %s", payload.BusinessType, payload.UserOrder)
		return &Result{Outcome: OutcomeAcknowledged}, nil
	}

	order, err := e.repos.Order.GetByOrderID(payload.UserOrder)
	if errors.Is(err, repository.ErrOrderNotFound) {
		if merr := e.repos.WebhookEvent.MarkProcessed(stored.ID, "unknown order"); merr != nil {
			return nil, fmt.Errorf("mark event processed: %w", merr)
		}
		log.Warnf("[Reconcile] Callback for unknown order %q (txid=%s), ignoring", payload.UserOrder, payload.TxID)
		return &Result{Outcome: OutcomeIgnored}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve order %s: %w", payload.UserOrder, err)
	}

	if order.IsTerminal() {
		if merr := e.repos.WebhookEvent.MarkProcessed(stored.ID, fmt.Sprintf("order already %s", order.State)); merr != nil {
			return nil, fmt.Errorf("mark event processed: %w", merr)
		}
		log.Infof("[Reconcile] Order %s already %s, absorbing callback txid=%s", order.OrderID, order.State, payload.TxID)
		return &Result{Outcome: OutcomeDuplicate, Order: order}, nil
	}

	if !payload.Amount.IsZero() && !payload.Amount.Equal(order.Amount) {
		log.Warnf("[Reconcile] Amount mismatch on %s: callback says %s, order holds %s (order amount is authoritative)",
			order.OrderID, payload.Amount, order.Amount)
	}

	next := models.OrderStateFailed
	var delta *decimal.Decimal
	if payload.Succeeded() {
		next = models.OrderStateCompleted
		d := order.BalanceDelta()
		delta = &d
	}

	updated, entry, err := e.repos.Order.ApplyTransition(order.OrderID, models.OrderStatePending, next, delta, payload.TxID)
	if errors.Is(err, repository.ErrStaleTransition) || errors.Is(err, repository.ErrOrderNotFound) {
		if merr := e.repos.WebhookEvent.MarkProcessed(stored.ID, "stale transition"); merr != nil {
			return nil, fmt.Errorf("mark event processed: %w", merr)
		}
		log.Infof("[Reconcile] Lost transition race on %s, absorbing", order.OrderID)
		return &Result{Outcome: OutcomeDuplicate, Order: order}, nil
	}
	if err != nil {
		if rerr := e.repos.WebhookEvent.RecordError(stored.ID, err.Error()); rerr != nil {
			log.Errorf("[Reconcile] Failed to record processing error for event %d: %v", stored.ID, rerr)
		}
		return nil, fmt.Errorf("apply transition on %s: %w", order.OrderID, err)
	}

	metrics.TransitionsTotal.WithLabelValues(string(updated.Kind), string(next)).Inc()
	log.Infof("[Reconcile] Order %s: pending -> %s (txid=%s)", updated.OrderID, next, payload.TxID)

	e.notify(ctx, updated, entry, next, payload.TxID)

	if err := e.repos.WebhookEvent.MarkProcessed(stored.ID, ""); err != nil {
		return nil, fmt.Errorf("mark event processed: %w", err)
	}
	return &Result{Outcome: OutcomeApplied, Order: updated}, nil
}

// notify hands the outcome to the dispatcher. Failures are logged only; a
// lost notification must never fail the ack or the ledger write.
func (e *Engine) notify(ctx context.Context, order *models.Order, entry *models.LedgerEntry, outcome models.OrderState, txid string) {
	if e.dispatcher == nil {
		return
	}

	n := Notification{
		UserID:  order.UserID,
		OrderID: order.OrderID,
		Kind:    order.Kind,
		Outcome: outcome,
		Amount:  order.Amount,
		Coin:    order.Coin,
		TxID:    txid,
	}
	if entry != nil {
		n.Balance = entry.BalanceAfter
		n.HasBalance = true
	}

	if err := e.dispatcher.Dispatch(ctx, n); err != nil {
		log.Errorf("[Reconcile] Failed to dispatch notification for %s: %v", order.OrderID, err)
	}
}

// ExpireOrder closes a pending order that outlived its payment window. Lost
// races and missing orders are benign; the sweeper feeds ids that may have
// completed in the meantime.
func (e *Engine) ExpireOrder(ctx context.Context, orderID string) error {
	_, _, err := e.repos.Order.ApplyTransition(orderID, models.OrderStatePending, models.OrderStateExpired, nil, "")
	if errors.Is(err, repository.ErrStaleTransition) || errors.Is(err, repository.ErrOrderNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("expire order %s: %w", orderID, err)
	}

	metrics.OrdersExpiredTotal.Inc()
	log.Infof("[Reconcile] Order %s: pending -> expired", orderID)
	return nil
}
