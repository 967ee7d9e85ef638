package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// InitMeterProvider initializes the Prometheus exporter and MeterProvider.
// It returns an http.Handler for the /metrics endpoint and a shutdown function.
func InitMeterProvider(serviceName, serviceVersion string) (http.Handler, func(context.Context) error, error) {
	// 1. Create the Prometheus exporter
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	// 2. Define the Resource (same as TracerProvider)
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)

	// 3. Create the MeterProvider
	mp := metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithResource(res),
	)

	// 4. Set Global MeterProvider
	otel.SetMeterProvider(mp)

	// 5. Go runtime metrics (GC, goroutines, memory)
	if err := runtime.Start(runtime.WithMeterProvider(mp)); err != nil {
		return nil, nil, err
	}

	return promhttp.Handler(), mp.Shutdown, nil
}

// OrderMetrics counts order lifecycle outcomes.
type OrderMetrics struct {
	created     otelmetric.Int64Counter
	rejected    otelmetric.Int64Counter
	transitions otelmetric.Int64Counter
	payments    otelmetric.Int64Counter
}

// NewOrderMetrics registers the order counters on the given meter.
func NewOrderMetrics(meter otelmetric.Meter) (*OrderMetrics, error) {
	created, err := meter.Int64Counter("orders.created",
		otelmetric.WithDescription("Orders persisted after a successful stock reservation"))
	if err != nil {
		return nil, err
	}
	rejected, err := meter.Int64Counter("orders.reservation.rejected",
		otelmetric.WithDescription("Checkouts rejected for insufficient stock"))
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("orders.transitions",
		otelmetric.WithDescription("Applied fulfillment status transitions"))
	if err != nil {
		return nil, err
	}
	payments, err := meter.Int64Counter("orders.payments",
		otelmetric.WithDescription("Payment confirmations recorded"))
	if err != nil {
		return nil, err
	}

	return &OrderMetrics{
		created:     created,
		rejected:    rejected,
		transitions: transitions,
		payments:    payments,
	}, nil
}

func (m *OrderMetrics) OrderCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.created.Add(ctx, 1)
}

func (m *OrderMetrics) ReservationRejected(ctx context.Context, bookID string) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("book.id", bookID)))
}

func (m *OrderMetrics) StatusChanged(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("order.status.from", from),
		attribute.String("order.status.to", to),
	))
}

func (m *OrderMetrics) PaymentRecorded(ctx context.Context, replay bool) {
	if m == nil {
		return
	}
	m.payments.Add(ctx, 1, otelmetric.WithAttributes(attribute.Bool("payment.replay", replay)))
}
