package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Purpose classifies why credits moved.
type Purpose string

const (
	// PurposeAIUsage covers debits spent on AI features (essay review,
	// scholarship matching, document generation).
	PurposeAIUsage Purpose = "ai_usage"
	// PurposePurchase covers credits granted after a confirmed payment.
	PurposePurchase Purpose = "purchase"
	// PurposeAdjustment covers manual grants and corrections issued by staff.
	PurposeAdjustment Purpose = "adjustment"
)

// ValidPurpose reports whether p is a known purpose.
func ValidPurpose(p Purpose) bool {
	switch p {
	case PurposeAIUsage, PurposePurchase, PurposeAdjustment:
		return true
	default:
		return false
	}
}

// Role identifies the kind of actor that created an entry.
type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
	RoleAdmin  Role = "admin"
)

// ValidRole reports whether r is a known actor role.
func ValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleSystem, RoleAdmin:
		return true
	default:
		return false
	}
}

// Balance is the current credit balance for one user. Rows are created
// lazily on first mutation and only ever updated under a row lock.
type Balance struct {
	UserID    string    `gorm:"column:user_id;primaryKey"`
	Balance   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Balance) TableName() string { return "balances" }

// LedgerEntry is one immutable movement of credits. Entries are never
// updated or deleted; corrections are new adjustment entries.
type LedgerEntry struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	UserID         string            `gorm:"column:user_id;type:text;not null;index:ix_ledger_entries_user_created,priority:1"`
	Delta          int64             `gorm:"not null"`
	Purpose        Purpose           `gorm:"type:text;not null"`
	Description    string            `gorm:"type:text"`
	Metadata       datatypes.JSONMap `gorm:"column:metadata"`
	CreatedByRole  Role              `gorm:"column:created_by_role;type:text;not null"`
	BalanceAfter   int64             `gorm:"column:balance_after;not null"`
	IdempotencyKey *string           `gorm:"column:idempotency_key;type:text;uniqueIndex:ux_ledger_entries_idempotency_key"`
	CreatedAt      time.Time         `gorm:"not null;index:ix_ledger_entries_user_created,priority:2"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }
