package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// InitMeterProvider installs a Prometheus-backed MeterProvider as the global provider.
// It returns the /metrics handler and a shutdown function.
func InitMeterProvider(serviceName, serviceVersion string) (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(newResource(serviceName, serviceVersion)),
	)
	otel.SetMeterProvider(mp)

	return promhttp.Handler(), mp.Shutdown, nil
}

func newResource(serviceName, serviceVersion string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)
}

// Metrics holds the order engine counters. A nil *Metrics records nothing.
type Metrics struct {
	ordersConfirmed metric.Int64Counter
	stockContention metric.Int64Counter
	itemsDelivered  metric.Int64Counter
	refunds         metric.Int64Counter
	rateFallbacks   metric.Int64Counter
	webhooks        metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	if m.ordersConfirmed, err = meter.Int64Counter("orders_confirmed_total",
		metric.WithDescription("Orders moved out of pending by a payment confirmation")); err != nil {
		return nil, err
	}
	if m.stockContention, err = meter.Int64Counter("stock_contention_total",
		metric.WithDescription("Conditional stock updates lost to a concurrent worker")); err != nil {
		return nil, err
	}
	if m.itemsDelivered, err = meter.Int64Counter("items_delivered_total",
		metric.WithDescription("Order items handed a credential")); err != nil {
		return nil, err
	}
	if m.refunds, err = meter.Int64Counter("refunds_total",
		metric.WithDescription("Order items refunded to balance")); err != nil {
		return nil, err
	}
	if m.rateFallbacks, err = meter.Int64Counter("rate_fallback_total",
		metric.WithDescription("Quotes priced with the 1.0 exchange-rate fallback")); err != nil {
		return nil, err
	}
	if m.webhooks, err = meter.Int64Counter("webhooks_total",
		metric.WithDescription("Payment webhooks by gateway and outcome")); err != nil {
		return nil, err
	}

	return &m, nil
}

func (m *Metrics) OrderConfirmed(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.ordersConfirmed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) StockContention(ctx context.Context, productID string) {
	if m == nil {
		return
	}
	m.stockContention.Add(ctx, 1, metric.WithAttributes(attribute.String("product_id", productID)))
}

func (m *Metrics) ItemsDelivered(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.itemsDelivered.Add(ctx, int64(n))
}

func (m *Metrics) Refunded(ctx context.Context, reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.refunds.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RateFallback(ctx context.Context, currency string) {
	if m == nil {
		return
	}
	m.rateFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("currency", currency)))
}

func (m *Metrics) Webhook(ctx context.Context, gateway, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gateway", gateway),
		attribute.String("outcome", outcome),
	))
}
