package events

import (
	"context"
	"time"
)

// BalanceChanged is published after a ledger mutation commits. Consumers
// (usage dashboards, fraud checks) treat it as a notification, not a
// source of truth; the ledger_entries table remains authoritative.
type BalanceChanged struct {
	EventID        string    `json:"event_id"`
	UserID         string    `json:"user_id"`
	EntryID        string    `json:"entry_id"`
	Delta          int64     `json:"delta"`
	BalanceAfter   int64     `json:"balance_after"`
	Purpose        string    `json:"purpose"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Publisher delivers balance events to an external stream.
type Publisher interface {
	Publish(ctx context.Context, event BalanceChanged) error
}
