package repository

import "errors"

// Domain errors surfaced by the repositories. Callers branch on these with
// errors.Is; anything else coming out of a repository is an infrastructure
// failure (database down, connection lost) and is the only class the webhook
// ingress answers with a retry-inviting status.
var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrStaleTransition     = errors.New("order state changed concurrently")
	ErrDuplicateOrder      = errors.New("order id already exists")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient balance")
)
