package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/campusfund/creditledger/pkg/db/pagination"
)

var (
	ErrInvalidUser           = errors.New("invalid_user")
	ErrInvalidDelta          = errors.New("invalid_delta")
	ErrInvalidPurpose        = errors.New("invalid_purpose")
	ErrInvalidRole           = errors.New("invalid_role")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrInsufficientFunds     = errors.New("insufficient_funds")
	ErrDuplicateInProgress   = errors.New("duplicate_in_progress")
	ErrLockTimeout           = errors.New("lock_timeout")
	ErrEntryNotFound         = errors.New("entry_not_found")
	ErrInvalidPageToken      = errors.New("invalid_page_token")
)

// ApplyRequest describes one balance mutation. Delta is signed: negative
// spends credits, positive grants them.
type ApplyRequest struct {
	UserID         string
	Delta          int64
	Purpose        Purpose
	Description    string
	Metadata       map[string]any
	IdempotencyKey string
	CreatedByRole  Role
}

// ApplyResult is the committed (or replayed) outcome of an ApplyRequest.
type ApplyResult struct {
	Entry LedgerEntry
	// Duplicate is true when the request replayed a previously completed
	// mutation and Entry is the original entry.
	Duplicate bool
}

// BalanceSummary is the committed balance for one user. Users without a
// balance row report zero.
type BalanceSummary struct {
	UserID    string
	Balance   int64
	UpdatedAt time.Time
}

// HistoryRequest pages through a user's entries, newest first.
type HistoryRequest struct {
	UserID string
	pagination.Pagination
}

// HistoryResponse carries one page of entries plus account aggregates.
type HistoryResponse struct {
	pagination.PageInfo
	Entries        []LedgerEntry
	TotalGranted   int64
	CurrentBalance int64
}

// Service applies balance mutations and serves read models.
type Service interface {
	Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error)
	GetBalance(ctx context.Context, userID string) (BalanceSummary, error)
	GetHistory(ctx context.Context, req HistoryRequest) (HistoryResponse, error)
	GetEntry(ctx context.Context, entryID snowflake.ID) (*LedgerEntry, error)
}
