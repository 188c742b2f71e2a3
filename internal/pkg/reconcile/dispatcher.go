package reconcile

import (
	"context"

	"github.com/timipay/kkbridge/app/models"
	"github.com/timipay/kkbridge/internal/pkg/jobqueue"
)

// QueueDispatcher hands notifications to the Redis-backed job queue, which
// owns delivery and retries. Dispatch returns as soon as the job is enqueued.
type QueueDispatcher struct{}

// NewQueueDispatcher creates a dispatcher on the global job queue manager.
func NewQueueDispatcher() *QueueDispatcher {
	return &QueueDispatcher{}
}

func (d *QueueDispatcher) Dispatch(_ context.Context, n Notification) error {
	outcome := jobqueue.NotifyOutcomeCompleted
	if n.Outcome == models.OrderStateFailed {
		outcome = jobqueue.NotifyOutcomeFailed
	}

	payload := jobqueue.UserNotifyJobPayload{
		UserID:  n.UserID,
		OrderID: n.OrderID,
		Kind:    string(n.Kind),
		Outcome: outcome,
		Amount:  n.Amount.String(),
		Coin:    n.Coin,
		TxID:    n.TxID,
	}
	if n.HasBalance {
		payload.Balance = n.Balance.String()
	}

	return jobqueue.EnqueueUserNotify(payload)
}
