package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ClaimStatus tracks the lifecycle of an idempotency claim.
type ClaimStatus string

const (
	ClaimStatusInProgress ClaimStatus = "in_progress"
	ClaimStatusCompleted  ClaimStatus = "completed"
	ClaimStatusFailed     ClaimStatus = "failed"
)

var (
	ErrInvalidKey    = errors.New("invalid_idempotency_key")
	ErrInvalidUser   = errors.New("invalid_user")
	ErrClaimNotFound = errors.New("claim_not_found")
)

// Claim marks ownership of an idempotency key. Exactly one request per
// key ever reaches the ledger transaction; everyone else observes the
// claim instead.
type Claim struct {
	IdempotencyKey string        `gorm:"column:idempotency_key;primaryKey"`
	UserID         string        `gorm:"column:user_id;type:text;not null;index"`
	Status         ClaimStatus   `gorm:"type:text;not null;index:ix_idempotency_claims_status_created,priority:1"`
	ResultEntryID  *snowflake.ID `gorm:"column:result_entry_id"`
	CreatedAt      time.Time     `gorm:"not null;index:ix_idempotency_claims_status_created,priority:2"`
	CompletedAt    *time.Time
}

// TableName sets the database table name.
func (Claim) TableName() string { return "idempotency_claims" }

// ClaimOutcome reports who owns the key after a Claim call.
type ClaimOutcome string

const (
	// ClaimOutcomeFresh means the caller won the key and must run the work.
	ClaimOutcomeFresh ClaimOutcome = "fresh"
	// ClaimOutcomeDuplicate means the work already completed; replay the
	// stored result.
	ClaimOutcomeDuplicate ClaimOutcome = "duplicate"
	// ClaimOutcomeInProgress means another request holds the key right now.
	ClaimOutcomeInProgress ClaimOutcome = "in_progress"
)

// ClaimResult is the outcome of a Claim call. ResultEntryID is set only
// for ClaimOutcomeDuplicate.
type ClaimResult struct {
	Outcome       ClaimOutcome
	ResultEntryID snowflake.ID
}

// Service owns the idempotency_claims table.
type Service interface {
	// Claim inserts an in_progress row for key, or classifies the
	// existing one. A failed claim is retaken by exactly one caller.
	Claim(ctx context.Context, key, userID string) (ClaimResult, error)
	// Complete marks the claim completed inside the caller's transaction
	// so the claim flips atomically with the ledger write.
	Complete(ctx context.Context, tx *gorm.DB, key string, entryID snowflake.ID, at time.Time) error
	// Fail releases the claim after a rolled-back attempt so a retry can
	// retake it.
	Fail(ctx context.Context, key string) error
	// Get fetches a claim by key.
	Get(ctx context.Context, key string) (*Claim, error)
	// PurgeTerminal deletes completed and failed claims created before
	// cutoff, at most limit rows, and reports how many were removed.
	PurgeTerminal(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}
