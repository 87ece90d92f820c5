package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	auditdomain "github.com/campusfund/creditledger/internal/audit/domain"
	auditcontext "github.com/campusfund/creditledger/internal/auditcontext"
	"github.com/campusfund/creditledger/internal/clock"
	idemdomain "github.com/campusfund/creditledger/internal/idempotency/domain"
	obsmetrics "github.com/campusfund/creditledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	sweepLockKey = "creditledger:maintenance:sweep"
	jobTimeout   = 30 * time.Second

	// The lock outlives a single sweep so a crashed holder cannot wedge
	// the cluster for longer than one interval.
	sweepLockTTL = 5 * time.Minute
)

var ErrInvalidConfig = errors.New("invalid_maintenance_config")

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Claims idemdomain.Service
	Config Config  `optional:"true"`
	Locker *Locker `optional:"true"`
}

// Worker sweeps terminal idempotency claims past retention and checks
// stored balances against the entry log.
type Worker struct {
	db     *gorm.DB
	log    *zap.Logger
	cfg    Config
	clock  clock.Clock
	claims idemdomain.Service
	locker *Locker
}

func New(p Params) (*Worker, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Claims == nil {
		return nil, ErrInvalidConfig
	}
	return &Worker{
		db:     p.DB,
		log:    p.Log.Named("maintenance").With(zap.String("component", "maintenance")),
		cfg:    p.Config.withDefaults(),
		clock:  p.Clock,
		claims: p.Claims,
		locker: p.Locker,
	}, nil
}

func (w *Worker) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := w.clock.Now()
	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()

	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "maintenance")

	ledgerMetrics := obsmetrics.Ledger()
	ledgerMetrics.IncSweepRun(name)

	err := fn(ctx)
	ledgerMetrics.ObserveSweepDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	ledgerMetrics.IncSweepError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		w.log.Warn("maintenance job timed out", zap.String("job", name), zap.Error(err))
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (w *Worker) RunOnce(parent context.Context) error {
	if w.locker != nil {
		token, ok, err := w.locker.TryLock(parent, sweepLockKey, sweepLockTTL)
		if err != nil {
			w.log.Warn("failed to acquire sweep lock", zap.Error(err))
			return nil
		}
		if !ok {
			w.log.Debug("sweep lock held by another replica")
			return nil
		}
		defer func() {
			if err := w.locker.Release(parent, sweepLockKey, token); err != nil {
				w.log.Warn("failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	var err error
	err = errors.Join(err, w.runJob(parent, obsmetrics.SweepJobPurgeClaims, w.purgeClaimsJob))
	err = errors.Join(err, w.runJob(parent, obsmetrics.SweepJobReconcileBalances, w.reconcileBalancesJob))
	return err
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil {
			w.log.Warn("maintenance run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// purgeClaimsJob deletes terminal claims older than the retention window in
// batches until a batch comes back short.
func (w *Worker) purgeClaimsJob(ctx context.Context) error {
	cutoff := w.clock.Now().Add(-w.cfg.ClaimRetention)
	ledgerMetrics := obsmetrics.Ledger()

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		purged, err := w.claims.PurgeTerminal(ctx, cutoff, w.cfg.BatchSize)
		if err != nil {
			return err
		}
		total += purged
		ledgerMetrics.AddClaimsPurged(purged)

		if purged < int64(w.cfg.BatchSize) {
			break
		}
	}

	if total > 0 {
		w.log.Info("purged terminal idempotency claims",
			zap.Int64("count", total),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}

type driftRow struct {
	UserID   string `gorm:"column:user_id"`
	Balance  int64  `gorm:"column:balance"`
	EntrySum int64  `gorm:"column:entry_sum"`
}

// reconcileBalancesJob compares each stored balance against the sum of its
// entries. Drift is reported, never corrected: the entry log is the source
// of truth and a mismatch needs an operator.
func (w *Worker) reconcileBalancesJob(ctx context.Context) error {
	var rows []driftRow
	err := w.db.WithContext(ctx).Raw(
		`SELECT b.user_id, b.balance, COALESCE(SUM(e.delta), 0) AS entry_sum
		 FROM balances b
		 LEFT JOIN ledger_entries e ON e.user_id = b.user_id
		 GROUP BY b.user_id, b.balance
		 HAVING b.balance <> COALESCE(SUM(e.delta), 0)
		 LIMIT ?`,
		w.cfg.BatchSize,
	).Scan(&rows).Error
	if err != nil {
		return err
	}

	obsmetrics.Ledger().SetReconcileDrift(len(rows))

	for _, row := range rows {
		w.log.Error("balance drift detected",
			zap.String("user_id", row.UserID),
			zap.Int64("balance", row.Balance),
			zap.Int64("entry_sum", row.EntrySum),
		)
	}
	return nil
}
