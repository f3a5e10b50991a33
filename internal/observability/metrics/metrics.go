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
	claimsAcquired   metric.Int64Counter
	claimsReleased   metric.Int64Counter
	claimsRejected   metric.Int64Counter
	invoicesCreated  metric.Int64Counter
	billedCents      metric.Int64Counter
	billingErrors    metric.Int64Counter
	reconcileEvents  metric.Int64Counter
	reconcileFailure metric.Int64Counter
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
		name = "leadclaim"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	var err error
	if m.claimsAcquired, err = meter.Int64Counter("leadclaim_claims_acquired_total"); err != nil {
		return nil, err
	}
	if m.claimsReleased, err = meter.Int64Counter("leadclaim_claims_released_total"); err != nil {
		return nil, err
	}
	if m.claimsRejected, err = meter.Int64Counter("leadclaim_claims_rejected_total"); err != nil {
		return nil, err
	}
	if m.invoicesCreated, err = meter.Int64Counter("leadclaim_invoices_created_total"); err != nil {
		return nil, err
	}
	if m.billedCents, err = meter.Int64Counter("leadclaim_billed_cents_total", metric.WithUnit("{cent}")); err != nil {
		return nil, err
	}
	if m.billingErrors, err = meter.Int64Counter("leadclaim_billing_errors_total"); err != nil {
		return nil, err
	}
	if m.reconcileEvents, err = meter.Int64Counter("leadclaim_reconciliation_events_total"); err != nil {
		return nil, err
	}
	if m.reconcileFailure, err = meter.Int64Counter("leadclaim_reconciliation_failures_total"); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordClaimAcquired counts a successful acquisition at its price tier.
func (m *Metrics) RecordClaimAcquired(ctx context.Context, tier string) {
	if m == nil {
		return
	}
	m.claimsAcquired.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("tier", tier))...))
}

func (m *Metrics) RecordClaimReleased(ctx context.Context, asAdmin bool) {
	if m == nil {
		return
	}
	m.claimsReleased.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.Bool("admin", asAdmin))...))
}

// RecordClaimRejected counts acquire/release failures by operation and error kind.
func (m *Metrics) RecordClaimRejected(ctx context.Context, operation, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.claimsRejected.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordInvoiceCreated(ctx context.Context, totalCents int64, forced bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(FilterAttributes(attribute.Bool("forced", forced))...)
	m.invoicesCreated.Add(ctx, 1, attrs)
	m.billedCents.Add(ctx, totalCents, attrs)
}

func (m *Metrics) RecordBillingError(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.billingErrors.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("reason", reason))...))
}

// RecordReconciliationEvent counts processed notifications by type and result.
func (m *Metrics) RecordReconciliationEvent(ctx context.Context, provider, eventType, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.reconcileEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
	if result == "error" {
		m.reconcileFailure.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
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
	"tier":       {},
	"admin":      {},
	"operation":  {},
	"reason":     {},
	"forced":     {},
	"provider":   {},
	"event_type": {},
	"result":     {},
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
