package events

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/campusfund/creditledger/internal/clock"
	"github.com/campusfund/creditledger/internal/config"
	obsmetrics "github.com/campusfund/creditledger/internal/observability/metrics"
)

const publishTimeout = 2 * time.Second

type EmitterParams struct {
	fx.In

	Logger    *zap.Logger
	Config    config.Config
	Clock     clock.Clock
	Publisher Publisher           `optional:"true"`
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

// Emitter publishes balance events after commit. Ledger writes never
// depend on it, so every failure path here is absorbed: counted,
// logged, and fed to the breaker.
type Emitter struct {
	log       *zap.Logger
	publisher Publisher
	breaker   *Breaker
	metrics   *obsmetrics.Metrics
}

func NewEmitter(p EmitterParams) *Emitter {
	breaker := NewBreaker(BreakerConfig{
		FailureThreshold: p.Config.Events.BreakerFailureThreshold,
		RecoveryTimeout:  p.Config.Events.BreakerRecoveryTimeout,
		HalfOpenMax:      p.Config.Events.BreakerHalfOpenMax,
	}, p.Clock)

	return &Emitter{
		log:       p.Logger.Named("events.emitter"),
		publisher: p.Publisher,
		breaker:   breaker,
		metrics:   p.Metrics,
	}
}

// Emit publishes one event. Safe to call on a nil emitter or with no
// publisher configured.
func (e *Emitter) Emit(ctx context.Context, event BalanceChanged) {
	if e == nil || e.publisher == nil {
		return
	}
	if event.EventID == "" {
		event.EventID = ulid.Make().String()
	}

	ledgerMetrics := obsmetrics.Ledger()
	defer ledgerMetrics.SetBreakerState(string(e.breaker.State()))

	if !e.breaker.Allow() {
		e.log.Debug("balance event dropped, breaker open",
			zap.String("event_id", event.EventID),
			zap.String("user_id", event.UserID),
		)
		e.recordResult(ctx, obsmetrics.EventPublishResultDropped)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := e.publisher.Publish(pubCtx, event); err != nil {
		e.breaker.MarkFailure()
		e.log.Warn("balance event publish failed",
			zap.String("event_id", event.EventID),
			zap.String("user_id", event.UserID),
			zap.Error(err),
		)
		e.recordResult(ctx, obsmetrics.EventPublishResultFailed)
		return
	}

	e.breaker.MarkSuccess()
	e.recordResult(ctx, obsmetrics.EventPublishResultPublished)
}

// Breaker exposes the circuit for health reporting.
func (e *Emitter) Breaker() *Breaker {
	if e == nil {
		return nil
	}
	return e.breaker
}

func (e *Emitter) recordResult(ctx context.Context, result string) {
	obsmetrics.Ledger().IncEventPublish(result)
	if e.metrics != nil {
		e.metrics.RecordBalanceEvent(ctx, result)
	}
}
