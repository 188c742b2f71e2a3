package jobqueue

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
)

// processUserNotifyJob renders and delivers a payment notification. Errors
// bubble up to the queue retry machinery; a lost notification never touches
// ledger state.
func (q *Queue) processUserNotifyJob(ctx context.Context, job *Job) error {
	payload, err := UserNotifyJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid user notify payload: %w", err)
	}

	if payload.UserID == 0 {
		return fmt.Errorf("user notify payload has no user id")
	}
	if q.notifier == nil {
		return fmt.Errorf("no notifier configured")
	}

	text := RenderNotification(payload)
	if err := q.notifier.SendMessage(ctx, payload.UserID, text); err != nil {
		return fmt.Errorf("deliver notification for order %s: %w", payload.OrderID, err)
	}

	log.Infof("[JobQueue] Notified user %d about order %s (%s/%s)", payload.UserID, payload.OrderID, payload.Kind, payload.Outcome)
	return nil
}

// RenderNotification builds the Markdown message for a payment outcome. The
// wording mirrors the bot dialogs users already see during order creation.
func RenderNotification(p *UserNotifyJobPayload) string {
	switch {
	case p.Kind == "deposit" && p.Outcome == NotifyOutcomeCompleted:
		return fmt.Sprintf(
			"✅ **充值成功**\n\n**金额:** +%s %s\n**当前余额:** %s %s\n**订单号:** `%s`",
			p.Amount, p.Coin, p.Balance, p.Coin, p.OrderID,
		)
	case p.Kind == "deposit":
		return fmt.Sprintf(
			"❌ **充值失败**\n\n**订单号:** `%s`\n\n如已付款请联系客服并提供订单号。",
			p.OrderID,
		)
	case p.Outcome == NotifyOutcomeCompleted:
		return fmt.Sprintf(
			"✅ **提现成功**\n\n**金额:** -%s %s\n**当前余额:** %s %s\n**订单号:** `%s`",
			p.Amount, p.Coin, p.Balance, p.Coin, p.OrderID,
		)
	default:
		return fmt.Sprintf(
			"❌ **提现失败**\n\n**订单号:** `%s`\n\n余额未扣除，请稍后重试。",
			p.OrderID,
		)
	}
}

// EnqueueUserNotify queues a payment notification for asynchronous delivery.
func EnqueueUserNotify(payload UserNotifyJobPayload) error {
	if payload.UserID == 0 {
		return fmt.Errorf("cannot enqueue notification without user id")
	}

	manager := GetManager()
	queue := manager.GetQueue()

	job, err := queue.EnqueueJob(JobTypeUserNotify, payload.ToMap())
	if err != nil {
		return fmt.Errorf("failed to enqueue notification for order %s: %w", payload.OrderID, err)
	}

	log.Infof("[JobQueue] Enqueued notification job %s for order %s", job.ID, payload.OrderID)
	return nil
}
