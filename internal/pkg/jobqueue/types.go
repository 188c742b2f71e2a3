package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeUserNotify JobType = "user_notify"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// Notification outcomes carried in user notify payloads.
const (
	NotifyOutcomeCompleted = "completed"
	NotifyOutcomeFailed    = "failed"
)

// UserNotifyJobPayload contains the payload for user notification jobs.
// Amounts travel as strings so the queue never rounds money.
type UserNotifyJobPayload struct {
	UserID  int64  `json:"user_id"`
	OrderID string `json:"order_id"`
	Kind    string `json:"kind"`    // deposit or withdrawal
	Outcome string `json:"outcome"` // completed or failed
	Amount  string `json:"amount"`
	Coin    string `json:"coin"`
	Balance string `json:"balance"` // balance after the transition, empty if unchanged
	TxID    string `json:"txid"`
}

// ToMap converts the payload to a map for storage
func (p UserNotifyJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"user_id":  p.UserID,
		"order_id": p.OrderID,
		"kind":     p.Kind,
		"outcome":  p.Outcome,
		"amount":   p.Amount,
		"coin":     p.Coin,
		"balance":  p.Balance,
		"txid":     p.TxID,
	}
}

// UserNotifyJobPayloadFromMap creates a payload from a map
func UserNotifyJobPayloadFromMap(data map[string]interface{}) (*UserNotifyJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload UserNotifyJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
