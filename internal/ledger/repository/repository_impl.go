package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/campusfund/creditledger/internal/ledger/domain"
	pkgdb "github.com/campusfund/creditledger/pkg/db"
)

type repository struct{}

func Provide() domain.Repository {
	return &repository{}
}

func (r *repository) LockBalance(ctx context.Context, tx *gorm.DB, userID string) (*domain.Balance, error) {
	var balance domain.Balance
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&balance).Error
	if err == nil {
		return &balance, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// First mutation for this user. Insert the zero row, tolerating a
	// concurrent creator, then re-read under the lock.
	seed := domain.Balance{UserID: userID}
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&seed).Error; err != nil && !pkgdb.IsDuplicateKeyErr(err) {
		return nil, err
	}

	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&balance).Error; err != nil {
		return nil, err
	}
	return &balance, nil
}

func (r *repository) UpdateBalance(ctx context.Context, tx *gorm.DB, userID string, balance int64, at time.Time) error {
	res := tx.WithContext(ctx).Model(&domain.Balance{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"balance":    balance,
			"updated_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *repository) InsertEntry(ctx context.Context, tx *gorm.DB, entry *domain.LedgerEntry) error {
	return tx.WithContext(ctx).Create(entry).Error
}

func (r *repository) FindBalance(ctx context.Context, db *gorm.DB, userID string) (*domain.Balance, error) {
	var balance domain.Balance
	if err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&balance).Error; err != nil {
		return nil, err
	}
	return &balance, nil
}

func (r *repository) FindEntryByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	if err := db.WithContext(ctx).
		Where("id = ?", id).
		First(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *repository) ListEntries(ctx context.Context, db *gorm.DB, q domain.EntryQuery) ([]*domain.LedgerEntry, error) {
	query := db.WithContext(ctx).
		Where("user_id = ?", q.UserID).
		Order("created_at DESC, id DESC")

	if q.Cursor != nil {
		createdAt, err := time.Parse(time.RFC3339Nano, q.Cursor.CreatedAt)
		if err != nil {
			return nil, err
		}
		entryID, err := snowflake.ParseString(q.Cursor.ID)
		if err != nil {
			return nil, err
		}
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", createdAt, createdAt, entryID)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var entries []*domain.LedgerEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repository) SumGranted(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE user_id = ? AND delta > 0`,
		userID,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}
