package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/campusfund/creditledger/pkg/db/pagination"
)

// EntryQuery filters ListEntries. Cursor positions the page strictly
// before (created_at, id) in the newest-first ordering.
type EntryQuery struct {
	UserID string
	Cursor *pagination.Cursor
	Limit  int
}

// Repository persists balances and ledger entries. Methods that mutate
// take the caller's transaction handle so lock scope stays with the
// caller; reads take any handle.
type Repository interface {
	// LockBalance acquires a row lock on the user's balance, creating the
	// row with a zero balance when the user has never transacted.
	LockBalance(ctx context.Context, tx *gorm.DB, userID string) (*Balance, error)
	UpdateBalance(ctx context.Context, tx *gorm.DB, userID string, balance int64, at time.Time) error
	InsertEntry(ctx context.Context, tx *gorm.DB, entry *LedgerEntry) error

	FindBalance(ctx context.Context, db *gorm.DB, userID string) (*Balance, error)
	FindEntryByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*LedgerEntry, error)
	ListEntries(ctx context.Context, db *gorm.DB, q EntryQuery) ([]*LedgerEntry, error)
	// SumGranted totals all positive deltas for the user across the full
	// entry history, ignoring pagination.
	SumGranted(ctx context.Context, db *gorm.DB, userID string) (int64, error)
}
