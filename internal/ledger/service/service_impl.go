package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	auditdomain "github.com/campusfund/creditledger/internal/audit/domain"
	auditmasking "github.com/campusfund/creditledger/internal/audit/masking"
	"github.com/campusfund/creditledger/internal/clock"
	"github.com/campusfund/creditledger/internal/config"
	"github.com/campusfund/creditledger/internal/events"
	idemdomain "github.com/campusfund/creditledger/internal/idempotency/domain"
	"github.com/campusfund/creditledger/internal/ledger/domain"
	obsmetrics "github.com/campusfund/creditledger/internal/observability/metrics"
	pkgdb "github.com/campusfund/creditledger/pkg/db"
	"github.com/campusfund/creditledger/pkg/db/pagination"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Logger  *zap.Logger
	Clock   clock.Clock
	Config  config.Config
	GenID   *snowflake.Node
	Repo    domain.Repository
	Claims  idemdomain.Service
	Emitter *events.Emitter     `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
	Audit   auditdomain.Service `optional:"true"`
}

type service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	genID       *snowflake.Node
	repo        domain.Repository
	claims      idemdomain.Service
	emitter     *events.Emitter
	metrics     *obsmetrics.Metrics
	audit       auditdomain.Service
	lockTimeout time.Duration
}

func New(p Params) domain.Service {
	lockTimeout := p.Config.LedgerLockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	return &service{
		db:          p.DB,
		log:         p.Logger.Named("ledger.service"),
		clock:       p.Clock,
		genID:       p.GenID,
		repo:        p.Repo,
		claims:      p.Claims,
		emitter:     p.Emitter,
		metrics:     p.Metrics,
		audit:       p.Audit,
		lockTimeout: lockTimeout,
	}
}

// Apply runs one balance mutation end to end: claim the idempotency key,
// lock the balance row, validate funds, write the entry, update the
// balance, and complete the claim in the same transaction.
func (s *service) Apply(ctx context.Context, req domain.ApplyRequest) (domain.ApplyResult, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := validateApply(req); err != nil {
		return domain.ApplyResult{}, err
	}

	operation := operationFor(req)
	ledgerMetrics := obsmetrics.Ledger()
	start := time.Now()
	defer func() {
		ledgerMetrics.ObserveApplyDuration(operation, time.Since(start))
	}()

	if req.IdempotencyKey != "" {
		claim, err := s.claims.Claim(ctx, req.IdempotencyKey, req.UserID)
		if err != nil {
			ledgerMetrics.IncApply(operation, obsmetrics.ApplyResultError)
			return domain.ApplyResult{}, err
		}
		switch claim.Outcome {
		case idemdomain.ClaimOutcomeDuplicate:
			return s.replay(ctx, operation, claim.ResultEntryID)
		case idemdomain.ClaimOutcomeInProgress:
			if s.metrics != nil {
				s.metrics.RecordDuplicateClaim(ctx, string(idemdomain.ClaimStatusInProgress))
			}
			ledgerMetrics.IncApply(operation, obsmetrics.ApplyResultDuplicateInProgress)
			return domain.ApplyResult{}, domain.ErrDuplicateInProgress
		}
	}

	// The deadline bounds the row-lock wait so a stuck writer surfaces as
	// a retryable lock_timeout instead of an unbounded stall.
	applyCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	now := s.clock.Now()
	var entry *domain.LedgerEntry
	lockStart := time.Now()
	err := s.db.WithContext(applyCtx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.repo.LockBalance(applyCtx, tx, req.UserID)
		ledgerMetrics.ObserveDBLockWait(obsmetrics.LockResourceBalanceRow, time.Since(lockStart))
		if err != nil {
			return err
		}

		newBalance := balance.Balance + req.Delta
		if newBalance < 0 {
			return domain.ErrInsufficientFunds
		}

		entry = &domain.LedgerEntry{
			ID:            s.genID.Generate(),
			UserID:        req.UserID,
			Delta:         req.Delta,
			Purpose:       req.Purpose,
			Description:   strings.TrimSpace(req.Description),
			CreatedByRole: req.CreatedByRole,
			BalanceAfter:  newBalance,
			CreatedAt:     now,
		}
		if len(req.Metadata) > 0 {
			entry.Metadata = datatypes.JSONMap(req.Metadata)
		}
		if req.IdempotencyKey != "" {
			key := req.IdempotencyKey
			entry.IdempotencyKey = &key
		}

		if err := s.repo.InsertEntry(applyCtx, tx, entry); err != nil {
			return err
		}
		if err := s.repo.UpdateBalance(applyCtx, tx, req.UserID, newBalance, now); err != nil {
			return err
		}
		if req.IdempotencyKey != "" {
			if err := s.claims.Complete(applyCtx, tx, req.IdempotencyKey, entry.ID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.ApplyResult{}, s.failApply(ctx, operation, req, err)
	}

	s.log.Info("ledger entry applied",
		zap.String("user_id", req.UserID),
		zap.String("entry_id", entry.ID.String()),
		zap.Int64("delta", req.Delta),
		zap.Int64("balance_after", entry.BalanceAfter),
		zap.String("purpose", string(req.Purpose)),
		zap.String("created_by_role", string(req.CreatedByRole)),
	)
	if s.metrics != nil {
		s.metrics.RecordLedgerEntry(ctx, string(req.Purpose), string(req.CreatedByRole))
	}
	ledgerMetrics.IncApply(operation, obsmetrics.ApplyResultApplied)

	if req.CreatedByRole == domain.RoleAdmin && s.audit != nil {
		s.auditAdjustment(ctx, req, entry)
	}

	if s.emitter != nil {
		event := events.BalanceChanged{
			UserID:         req.UserID,
			EntryID:        entry.ID.String(),
			Delta:          req.Delta,
			BalanceAfter:   entry.BalanceAfter,
			Purpose:        string(req.Purpose),
			IdempotencyKey: req.IdempotencyKey,
			OccurredAt:     now,
		}
		go s.emitter.Emit(context.WithoutCancel(ctx), event)
	}

	return domain.ApplyResult{Entry: *entry}, nil
}

// replay returns the stored result of a completed claim.
func (s *service) replay(ctx context.Context, operation string, entryID snowflake.ID) (domain.ApplyResult, error) {
	ledgerMetrics := obsmetrics.Ledger()
	entry, err := s.repo.FindEntryByID(ctx, s.db, entryID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Completion is atomic with the entry insert, so a dangling
			// claim means the store has drifted.
			s.log.Error("completed claim references missing entry",
				zap.String("entry_id", entryID.String()),
			)
			ledgerMetrics.IncApply(operation, obsmetrics.ApplyResultError)
			return domain.ApplyResult{}, domain.ErrEntryNotFound
		}
		ledgerMetrics.IncApply(operation, obsmetrics.ApplyResultError)
		return domain.ApplyResult{}, err
	}
	if s.metrics != nil {
		s.metrics.RecordDuplicateClaim(ctx, string(idemdomain.ClaimStatusCompleted))
	}
	ledgerMetrics.IncApply(operation, obsmetrics.ApplyResultDuplicate)
	return domain.ApplyResult{Entry: *entry, Duplicate: true}, nil
}

// failApply releases the claim after a rolled-back attempt and maps the
// error into the ledger taxonomy.
func (s *service) failApply(ctx context.Context, operation string, req domain.ApplyRequest, err error) error {
	if req.IdempotencyKey != "" {
		// The request context may already be past its deadline; release
		// the claim on an uncancelable context so retries are not wedged.
		if failErr := s.claims.Fail(context.WithoutCancel(ctx), req.IdempotencyKey); failErr != nil {
			s.log.Error("failed to release idempotency claim",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Error(failErr),
			)
		}
	}

	ledgerMetrics := obsmetrics.Ledger()
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		if s.metrics != nil {
			s.metrics.RecordInsufficientFunds(ctx, string(req.Purpose))
		}
		ledgerMetrics.IncApply(operation, obsmetrics.ApplyResultInsufficientFunds)
		s.log.Info("debit rejected, insufficient funds",
			zap.String("user_id", req.UserID),
			zap.Int64("delta", req.Delta),
			zap.String("purpose", string(req.Purpose)),
		)
		return domain.ErrInsufficientFunds
	case pkgdb.IsLockTimeoutErr(err), errors.Is(err, context.DeadlineExceeded):
		ledgerMetrics.IncApply(operation, obsmetrics.ApplyResultLockTimeout)
		s.log.Warn("ledger apply timed out waiting for balance lock",
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
		return domain.ErrLockTimeout
	default:
		ledgerMetrics.IncApply(operation, obsmetrics.ApplyResultError)
		s.log.Error("ledger apply failed",
			zap.String("user_id", req.UserID),
			zap.String("reason", obsmetrics.ClassifyApplyReason(err)),
			zap.Error(err),
		)
		return err
	}
}

func (s *service) auditAdjustment(ctx context.Context, req domain.ApplyRequest, entry *domain.LedgerEntry) {
	metadata := map[string]any{
		"delta":         req.Delta,
		"balance_after": entry.BalanceAfter,
		"purpose":       string(req.Purpose),
	}
	if entry.Description != "" {
		metadata["description"] = entry.Description
	}
	if masked := auditmasking.MaskJSON(req.Metadata); masked != nil {
		metadata["masked_fields"] = masked
	}
	entryID := entry.ID.String()
	if err := s.audit.AuditLog(ctx, &req.UserID, "", nil, "ledger.adjustment", "ledger_entry", &entryID, metadata); err != nil {
		s.log.Warn("failed to audit adjustment", zap.String("entry_id", entryID), zap.Error(err))
	}
}

func (s *service) GetBalance(ctx context.Context, userID string) (domain.BalanceSummary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.BalanceSummary{}, domain.ErrInvalidUser
	}

	balance, err := s.repo.FindBalance(ctx, s.db, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Balance rows are created lazily; absence means zero.
			return domain.BalanceSummary{UserID: userID}, nil
		}
		return domain.BalanceSummary{}, err
	}
	return domain.BalanceSummary{
		UserID:    balance.UserID,
		Balance:   balance.Balance,
		UpdatedAt: balance.UpdatedAt,
	}, nil
}

func (s *service) GetHistory(ctx context.Context, req domain.HistoryRequest) (domain.HistoryResponse, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return domain.HistoryResponse{}, domain.ErrInvalidUser
	}

	var cursor *pagination.Cursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return domain.HistoryResponse{}, domain.ErrInvalidPageToken
		}
		cursor = decoded
	}

	limit := req.Limit()
	items, err := s.repo.ListEntries(ctx, s.db, domain.EntryQuery{
		UserID: req.UserID,
		Cursor: cursor,
		Limit:  limit + 1,
	})
	if err != nil {
		return domain.HistoryResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(limit), func(item *domain.LedgerEntry) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > limit {
		items = items[:limit]
	}

	totalGranted, err := s.repo.SumGranted(ctx, s.db, req.UserID)
	if err != nil {
		return domain.HistoryResponse{}, err
	}
	summary, err := s.GetBalance(ctx, req.UserID)
	if err != nil {
		return domain.HistoryResponse{}, err
	}

	entries := make([]domain.LedgerEntry, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		entries = append(entries, *item)
	}

	resp := domain.HistoryResponse{
		Entries:        entries,
		TotalGranted:   totalGranted,
		CurrentBalance: summary.Balance,
	}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *service) GetEntry(ctx context.Context, entryID snowflake.ID) (*domain.LedgerEntry, error) {
	entry, err := s.repo.FindEntryByID(ctx, s.db, entryID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, err
	}
	return entry, nil
}

func validateApply(req domain.ApplyRequest) error {
	if req.UserID == "" {
		return domain.ErrInvalidUser
	}
	if req.Delta == 0 {
		return domain.ErrInvalidDelta
	}
	if !domain.ValidPurpose(req.Purpose) {
		return domain.ErrInvalidPurpose
	}
	if !domain.ValidRole(req.CreatedByRole) {
		return domain.ErrInvalidRole
	}
	// Adjustments are operator-initiated and may omit the key; every
	// caller-facing mutation must carry one.
	if req.IdempotencyKey == "" && req.Purpose != domain.PurposeAdjustment {
		return domain.ErrInvalidIdempotencyKey
	}
	return nil
}

func operationFor(req domain.ApplyRequest) string {
	switch {
	case req.Purpose == domain.PurposeAdjustment:
		return obsmetrics.ApplyOperationAdjustment
	case req.Delta < 0:
		return obsmetrics.ApplyOperationDebit
	default:
		return obsmetrics.ApplyOperationCredit
	}
}
