package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	ledgerEntries     metric.Int64Counter
	insufficientFunds metric.Int64Counter
	duplicateClaims   metric.Int64Counter
	balanceEvents     metric.Int64Counter
	paymentWebhooks   metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creditledger"
	}
	meter := provider.Meter(name)

	ledgerEntries, err := meter.Int64Counter("creditledger_entries_total")
	if err != nil {
		return nil, err
	}
	insufficientFunds, err := meter.Int64Counter("creditledger_insufficient_funds_total")
	if err != nil {
		return nil, err
	}
	duplicateClaims, err := meter.Int64Counter("creditledger_duplicate_claims_total")
	if err != nil {
		return nil, err
	}
	balanceEvents, err := meter.Int64Counter("creditledger_balance_events_total")
	if err != nil {
		return nil, err
	}
	paymentWebhooks, err := meter.Int64Counter("creditledger_payment_webhooks_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ledgerEntries:     ledgerEntries,
		insufficientFunds: insufficientFunds,
		duplicateClaims:   duplicateClaims,
		balanceEvents:     balanceEvents,
		paymentWebhooks:   paymentWebhooks,
	}, nil
}

// RecordLedgerEntry increments committed entry counts.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, purpose, role string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("purpose", strings.TrimSpace(purpose)),
		attribute.String("created_by_role", strings.TrimSpace(role)),
	)
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordInsufficientFunds increments rejected debit counts.
func (m *Metrics) RecordInsufficientFunds(ctx context.Context, purpose string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("purpose", strings.TrimSpace(purpose)))
	m.insufficientFunds.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDuplicateClaim increments replayed or conflicting claim counts.
func (m *Metrics) RecordDuplicateClaim(ctx context.Context, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("claim_status", strings.TrimSpace(status)))
	m.duplicateClaims.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBalanceEvent increments emitted event counts by result.
func (m *Metrics) RecordBalanceEvent(ctx context.Context, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("result", strings.TrimSpace(result)))
	m.balanceEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPaymentWebhook increments payment webhook intake counts.
func (m *Metrics) RecordPaymentWebhook(ctx context.Context, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("result", strings.TrimSpace(result)))
	m.paymentWebhooks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"purpose":         {},
	"created_by_role": {},
	"claim_status":    {},
	"result":          {},
	"endpoint":        {},
	"status_code":     {},
	"reason":          {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
