package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/campusfund/creditledger/internal/clock"
	"github.com/campusfund/creditledger/internal/idempotency/domain"
	pkgdb "github.com/campusfund/creditledger/pkg/db"
)

// claimAttempts bounds the insert/classify loop. Two passes are enough:
// one for the initial insert and one after losing a failed-claim race.
const claimAttempts = 3

const defaultPurgeBatch = 1000

type Params struct {
	fx.In

	DB     *gorm.DB
	Logger *zap.Logger
	Clock  clock.Clock
}

type service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func New(p Params) domain.Service {
	return &service{
		db:    p.DB,
		log:   p.Logger.Named("idempotency.service"),
		clock: p.Clock,
	}
}

func (s *service) Claim(ctx context.Context, key, userID string) (domain.ClaimResult, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ClaimResult{}, domain.ErrInvalidKey
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.ClaimResult{}, domain.ErrInvalidUser
	}

	for attempt := 0; attempt < claimAttempts; attempt++ {
		inserted, err := s.tryInsert(ctx, key, userID)
		if err != nil {
			return domain.ClaimResult{}, err
		}
		if inserted {
			return domain.ClaimResult{Outcome: domain.ClaimOutcomeFresh}, nil
		}

		claim, err := s.Get(ctx, key)
		if err != nil {
			if errors.Is(err, domain.ErrClaimNotFound) {
				// Purged between our insert and fetch. Retry the insert.
				continue
			}
			return domain.ClaimResult{}, err
		}

		switch claim.Status {
		case domain.ClaimStatusCompleted:
			result := domain.ClaimResult{Outcome: domain.ClaimOutcomeDuplicate}
			if claim.ResultEntryID != nil {
				result.ResultEntryID = *claim.ResultEntryID
			}
			return result, nil
		case domain.ClaimStatusInProgress:
			return domain.ClaimResult{Outcome: domain.ClaimOutcomeInProgress}, nil
		case domain.ClaimStatusFailed:
			retaken, err := s.retakeFailed(ctx, key, userID)
			if err != nil {
				return domain.ClaimResult{}, err
			}
			if retaken {
				return domain.ClaimResult{Outcome: domain.ClaimOutcomeFresh}, nil
			}
			// Another retry won the conditional update. Reclassify.
		default:
			s.log.Warn("unknown claim status",
				zap.String("idempotency_key", key),
				zap.String("status", string(claim.Status)),
			)
			return domain.ClaimResult{Outcome: domain.ClaimOutcomeInProgress}, nil
		}
	}

	// Still contended after every attempt. Tell the caller to retry later.
	return domain.ClaimResult{Outcome: domain.ClaimOutcomeInProgress}, nil
}

func (s *service) tryInsert(ctx context.Context, key, userID string) (bool, error) {
	claim := domain.Claim{
		IdempotencyKey: key,
		UserID:         userID,
		Status:         domain.ClaimStatusInProgress,
		CreatedAt:      s.clock.Now(),
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(&claim)
	if res.Error != nil {
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// retakeFailed flips exactly one failed claim back to in_progress. The
// status predicate makes the update a compare-and-set, so concurrent
// retries of the same key produce a single winner.
func (s *service) retakeFailed(ctx context.Context, key, userID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.Claim{}).
		Where("idempotency_key = ? AND status = ?", key, domain.ClaimStatusFailed).
		Updates(map[string]any{
			"user_id":         userID,
			"status":          domain.ClaimStatusInProgress,
			"result_entry_id": nil,
			"created_at":      s.clock.Now(),
			"completed_at":    nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *service) Complete(ctx context.Context, tx *gorm.DB, key string, entryID snowflake.ID, at time.Time) error {
	res := tx.WithContext(ctx).Model(&domain.Claim{}).
		Where("idempotency_key = ?", key).
		Updates(map[string]any{
			"status":          domain.ClaimStatusCompleted,
			"result_entry_id": entryID,
			"completed_at":    at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrClaimNotFound
	}
	return nil
}

func (s *service) Fail(ctx context.Context, key string) error {
	now := s.clock.Now()
	res := s.db.WithContext(ctx).Model(&domain.Claim{}).
		Where("idempotency_key = ? AND status = ?", key, domain.ClaimStatusInProgress).
		Updates(map[string]any{
			"status":       domain.ClaimStatusFailed,
			"completed_at": now,
		})
	return res.Error
}

func (s *service) Get(ctx context.Context, key string) (*domain.Claim, error) {
	var claim domain.Claim
	err := s.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&claim).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrClaimNotFound
		}
		return nil, err
	}
	return &claim, nil
}

func (s *service) PurgeTerminal(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = defaultPurgeBatch
	}

	// The derived table keeps the statement valid on MySQL, which rejects
	// selecting from the table being deleted from.
	res := s.db.WithContext(ctx).Exec(
		`DELETE FROM idempotency_claims
		 WHERE idempotency_key IN (
			SELECT idempotency_key FROM (
				SELECT idempotency_key
				FROM idempotency_claims
				WHERE status IN (?, ?) AND created_at < ?
				LIMIT ?
			) AS purgeable
		 )`,
		domain.ClaimStatusCompleted,
		domain.ClaimStatusFailed,
		cutoff,
		limit,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
