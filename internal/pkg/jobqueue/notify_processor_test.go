package jobqueue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	chatIDs []int64
	texts   []string
	err     error
}

func (f *fakeNotifier) SendMessage(_ context.Context, chatID int64, text string) error {
	if f.err != nil {
		return f.err
	}
	f.chatIDs = append(f.chatIDs, chatID)
	f.texts = append(f.texts, text)
	return nil
}

func TestProcessUserNotifyJob(t *testing.T) {
	notifier := &fakeNotifier{}
	queue := &Queue{notifier: notifier}

	payload := UserNotifyJobPayload{
		UserID:  424242,
		OrderID: "topup_424242_a1b2c3d4",
		Kind:    "deposit",
		Outcome: NotifyOutcomeCompleted,
		Amount:  "100",
		Coin:    "USDT",
		Balance: "250.5",
	}
	job := &Job{ID: "j1", Type: JobTypeUserNotify, Payload: payload.ToMap()}

	err := queue.processUserNotifyJob(context.Background(), job)
	require.NoError(t, err)

	require.Len(t, notifier.chatIDs, 1)
	assert.Equal(t, int64(424242), notifier.chatIDs[0])
	assert.Contains(t, notifier.texts[0], "充值成功")
	assert.Contains(t, notifier.texts[0], "+100 USDT")
	assert.Contains(t, notifier.texts[0], "topup_424242_a1b2c3d4")
}

func TestProcessUserNotifyJobDeliveryError(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("telegram unreachable")}
	queue := &Queue{notifier: notifier}

	payload := UserNotifyJobPayload{UserID: 1, OrderID: "wd_1_cafebabe", Kind: "withdrawal", Outcome: NotifyOutcomeFailed}
	job := &Job{ID: "j2", Type: JobTypeUserNotify, Payload: payload.ToMap()}

	err := queue.processUserNotifyJob(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram unreachable")
}

func TestProcessUserNotifyJobRejectsBadPayload(t *testing.T) {
	queue := &Queue{notifier: &fakeNotifier{}}

	job := &Job{ID: "j3", Type: JobTypeUserNotify, Payload: map[string]interface{}{"user_id": "not-a-number"}}
	err := queue.processUserNotifyJob(context.Background(), job)
	require.Error(t, err)

	job = &Job{ID: "j4", Type: JobTypeUserNotify, Payload: UserNotifyJobPayload{OrderID: "x"}.ToMap()}
	err = queue.processUserNotifyJob(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no user id")
}

func TestRenderNotification(t *testing.T) {
	tests := []struct {
		name    string
		payload UserNotifyJobPayload
		want    []string
	}{
		{
			name: "deposit completed",
			payload: UserNotifyJobPayload{
				OrderID: "topup_1_00000001", Kind: "deposit", Outcome: NotifyOutcomeCompleted,
				Amount: "50", Coin: "USDT", Balance: "150",
			},
			want: []string{"充值成功", "+50 USDT", "150 USDT", "topup_1_00000001"},
		},
		{
			name: "deposit failed",
			payload: UserNotifyJobPayload{
				OrderID: "topup_1_00000002", Kind: "deposit", Outcome: NotifyOutcomeFailed,
			},
			want: []string{"充值失败", "topup_1_00000002"},
		},
		{
			name: "withdrawal completed",
			payload: UserNotifyJobPayload{
				OrderID: "wd_1_00000003", Kind: "withdrawal", Outcome: NotifyOutcomeCompleted,
				Amount: "25", Coin: "USDT", Balance: "125",
			},
			want: []string{"提现成功", "-25 USDT", "wd_1_00000003"},
		},
		{
			name: "withdrawal failed",
			payload: UserNotifyJobPayload{
				OrderID: "wd_1_00000004", Kind: "withdrawal", Outcome: NotifyOutcomeFailed,
			},
			want: []string{"提现失败", "余额未扣除", "wd_1_00000004"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := RenderNotification(&tt.payload)
			for _, fragment := range tt.want {
				assert.Contains(t, text, fragment)
			}
		})
	}
}
