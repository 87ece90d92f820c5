package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	ledgerdomain "github.com/campusfund/creditledger/internal/ledger/domain"
)

const (
	ApplyOperationDebit      = "debit"
	ApplyOperationCredit     = "credit"
	ApplyOperationAdjustment = "adjustment"
)

const (
	ApplyResultApplied             = "applied"
	ApplyResultDuplicate           = "duplicate"
	ApplyResultDuplicateInProgress = "duplicate_in_progress"
	ApplyResultInsufficientFunds   = "insufficient_funds"
	ApplyResultLockTimeout         = "lock_timeout"
	ApplyResultError               = "error"
)

const (
	ApplyReasonInsufficientFunds    = "insufficient_funds"
	ApplyReasonDuplicateInProgress  = "duplicate_in_progress"
	ApplyReasonDeadlineExceeded     = "deadline_exceeded"
	ApplyReasonDBLockTimeout        = "db_lock_timeout"
	ApplyReasonSerializationFailure = "serialization_failure"
	ApplyReasonUniqueViolation      = "unique_violation"
	ApplyReasonUnknown              = "unknown"
)

const (
	LockResourceBalanceRow       = "balance_row"
	LockResourceIdempotencyClaim = "idempotency_claim"
)

const (
	SweepJobPurgeClaims       = "purge_claims"
	SweepJobReconcileBalances = "reconcile_balances"
)

const (
	EventPublishResultPublished = "published"
	EventPublishResultFailed    = "failed"
	EventPublishResultDropped   = "dropped"
)

var breakerStateValues = map[string]float64{
	"closed":    0,
	"half_open": 1,
	"open":      2,
}

// LedgerMetrics captures credit ledger health signals for Cloud SLOs.
type LedgerMetrics struct {
	applies       *prometheus.CounterVec
	applyDuration *prometheus.HistogramVec
	dbLockWait    *prometheus.HistogramVec
	eventPublish  *prometheus.CounterVec
	breakerState  prometheus.Gauge
	sweepRuns     *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
	sweepErrors   *prometheus.CounterVec
	claimsPurged  prometheus.Counter
	driftAccounts prometheus.Gauge

	applyCounts      map[string]map[string]prometheus.Counter
	lockWaitObserver map[string]prometheus.Observer
}

var (
	ledgerMetricsOnce sync.Once
	ledgerMetrics     *LedgerMetrics
)

// Ledger returns the singleton ledger metrics registry.
func Ledger() *LedgerMetrics {
	return LedgerWithConfig(Config{})
}

// LedgerWithConfig returns the singleton ledger metrics registry using config labels.
func LedgerWithConfig(cfg Config) *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerMetrics = newLedgerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return ledgerMetrics
}

// ResetLedgerMetricsForTest resets the ledger metrics singleton for tests.
func ResetLedgerMetricsForTest() {
	ledgerMetricsOnce = sync.Once{}
	ledgerMetrics = nil
}

func newLedgerMetrics(registerer prometheus.Registerer, cfg Config) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "creditledger"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	applies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditledger_applies_total",
		Help:        "Ledger apply outcomes by operation and result.",
		ConstLabels: constLabels,
	}, []string{"operation", "result"})
	applyDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "creditledger_apply_duration_seconds",
		Help:        "Ledger apply latency to protect the balance write SLO.",
		Buckets:     []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: constLabels,
	}, []string{"operation"})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "creditledger_db_lock_wait_seconds",
		Help:        "DB lock wait time for SELECT FOR UPDATE contention.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: constLabels,
	}, []string{"resource"})
	eventPublish := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditledger_event_publish_total",
		Help:        "Balance event publish attempts by result.",
		ConstLabels: constLabels,
	}, []string{"result"})
	breakerState := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "creditledger_event_breaker_state",
		Help:        "Event publisher circuit state (0 closed, 1 half-open, 2 open).",
		ConstLabels: constLabels,
	})
	sweepRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditledger_sweep_runs_total",
		Help:        "Maintenance sweep runs by job.",
		ConstLabels: constLabels,
	}, []string{"job"})
	sweepDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "creditledger_sweep_duration_seconds",
		Help:        "Maintenance sweep latency by job.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	}, []string{"job"})
	sweepErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditledger_sweep_errors_total",
		Help:        "Maintenance sweep errors by job and low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	claimsPurged := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "creditledger_claims_purged_total",
		Help:        "Terminal idempotency claims removed by retention sweeps.",
		ConstLabels: constLabels,
	})
	driftAccounts := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "creditledger_reconcile_drift_accounts",
		Help:        "Accounts whose balance row disagrees with the entry sum, per sweep.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		applies,
		applyDuration,
		dbLockWait,
		eventPublish,
		breakerState,
		sweepRuns,
		sweepDuration,
		sweepErrors,
		claimsPurged,
		driftAccounts,
	)

	applyCounts := map[string]map[string]prometheus.Counter{}
	results := []string{
		ApplyResultApplied,
		ApplyResultDuplicate,
		ApplyResultDuplicateInProgress,
		ApplyResultInsufficientFunds,
		ApplyResultLockTimeout,
		ApplyResultError,
	}
	for _, operation := range []string{
		ApplyOperationDebit,
		ApplyOperationCredit,
		ApplyOperationAdjustment,
	} {
		operationCounters := map[string]prometheus.Counter{}
		for _, result := range results {
			operationCounters[result] = applies.WithLabelValues(operation, result)
		}
		applyCounts[operation] = operationCounters
	}

	lockWaitObserver := map[string]prometheus.Observer{
		LockResourceBalanceRow:       dbLockWait.WithLabelValues(LockResourceBalanceRow),
		LockResourceIdempotencyClaim: dbLockWait.WithLabelValues(LockResourceIdempotencyClaim),
	}

	return &LedgerMetrics{
		applies:          applies,
		applyDuration:    applyDuration,
		dbLockWait:       dbLockWait,
		eventPublish:     eventPublish,
		breakerState:     breakerState,
		sweepRuns:        sweepRuns,
		sweepDuration:    sweepDuration,
		sweepErrors:      sweepErrors,
		claimsPurged:     claimsPurged,
		driftAccounts:    driftAccounts,
		applyCounts:      applyCounts,
		lockWaitObserver: lockWaitObserver,
	}
}

// IncApply increments the apply counter for an operation and result.
func (m *LedgerMetrics) IncApply(operation, result string) {
	if m == nil || m.applies == nil {
		return
	}
	if resultCounters, ok := m.applyCounts[operation]; ok {
		if counter, ok := resultCounters[result]; ok {
			counter.Inc()
			return
		}
	}
	m.applies.WithLabelValues(operation, result).Inc()
}

// ObserveApplyDuration records apply latency in seconds.
func (m *LedgerMetrics) ObserveApplyDuration(operation string, duration time.Duration) {
	if m == nil || m.applyDuration == nil {
		return
	}
	m.applyDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveDBLockWait records lock wait time for SELECT FOR UPDATE work.
func (m *LedgerMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	if observer, ok := m.lockWaitObserver[resource]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

// IncEventPublish increments the publish counter by result.
func (m *LedgerMetrics) IncEventPublish(result string) {
	if m == nil || m.eventPublish == nil {
		return
	}
	m.eventPublish.WithLabelValues(result).Inc()
}

// SetBreakerState records the publish circuit state.
func (m *LedgerMetrics) SetBreakerState(state string) {
	if m == nil || m.breakerState == nil {
		return
	}
	value, ok := breakerStateValues[state]
	if !ok {
		return
	}
	m.breakerState.Set(value)
}

// IncSweepRun increments the run counter for a maintenance job.
func (m *LedgerMetrics) IncSweepRun(job string) {
	if m == nil || m.sweepRuns == nil {
		return
	}
	m.sweepRuns.WithLabelValues(job).Inc()
}

// ObserveSweepDuration records maintenance job latency in seconds.
func (m *LedgerMetrics) ObserveSweepDuration(job string, duration time.Duration) {
	if m == nil || m.sweepDuration == nil {
		return
	}
	m.sweepDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncSweepError increments the sweep error counter with classification.
func (m *LedgerMetrics) IncSweepError(job string, err error) {
	if m == nil || m.sweepErrors == nil || err == nil {
		return
	}
	m.sweepErrors.WithLabelValues(job, ClassifyApplyReason(err)).Inc()
}

// AddClaimsPurged adds removed claim rows to the purge counter.
func (m *LedgerMetrics) AddClaimsPurged(count int64) {
	if m == nil || m.claimsPurged == nil || count <= 0 {
		return
	}
	m.claimsPurged.Add(float64(count))
}

// SetReconcileDrift records how many accounts drifted in the last sweep.
func (m *LedgerMetrics) SetReconcileDrift(count int) {
	if m == nil || m.driftAccounts == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	m.driftAccounts.Set(float64(count))
}

// ClassifyApplyReason maps ledger errors to low-cardinality reasons.
func ClassifyApplyReason(err error) string {
	if err == nil {
		return ApplyReasonUnknown
	}
	if errors.Is(err, ledgerdomain.ErrInsufficientFunds) {
		return ApplyReasonInsufficientFunds
	}
	if errors.Is(err, ledgerdomain.ErrDuplicateInProgress) {
		return ApplyReasonDuplicateInProgress
	}
	if errors.Is(err, ledgerdomain.ErrLockTimeout) || isDBLockTimeout(err) {
		return ApplyReasonDBLockTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ApplyReasonDeadlineExceeded
	}
	if isSerializationFailure(err) {
		return ApplyReasonSerializationFailure
	}
	if isUniqueViolation(err) {
		return ApplyReasonUniqueViolation
	}
	return ApplyReasonUnknown
}

// IsApplyErrorRetryable reports whether a retry with the same key may succeed.
func IsApplyErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ledgerdomain.ErrLockTimeout) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return isDBLockTimeout(err) || isSerializationFailure(err)
}

func isDBLockTimeout(err error) bool {
	return hasPGCode(err, "55P03")
}

func isSerializationFailure(err error) bool {
	return hasPGCode(err, "40001")
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return hasPGCode(err, "23505")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
