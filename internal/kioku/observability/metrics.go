package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/bdobrica/Kioku"

// Metrics holds the counters Kioku records. A nil *Metrics records nothing.
// Without an SDK installed the global provider is a no-op, so recording is
// always safe.
type Metrics struct {
	sweepUsers   metric.Int64Counter
	sweepItems   metric.Int64Counter
	summaries    metric.Int64Counter
	extractions  metric.Int64Counter
	httpRequests metric.Int64Counter
}

// NewMetrics creates the instruments on provider, or on the global provider
// when provider is nil.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	var m Metrics
	var err error
	if m.sweepUsers, err = meter.Int64Counter("kioku.sweep.users",
		metric.WithDescription("Users processed by a nightly job, by outcome")); err != nil {
		return nil, fmt.Errorf("observability: create sweep users counter: %w", err)
	}
	if m.sweepItems, err = meter.Int64Counter("kioku.sweep.items",
		metric.WithDescription("Records changed by a nightly job")); err != nil {
		return nil, fmt.Errorf("observability: create sweep items counter: %w", err)
	}
	if m.summaries, err = meter.Int64Counter("kioku.summaries.created",
		metric.WithDescription("Session summaries written, by fallback")); err != nil {
		return nil, fmt.Errorf("observability: create summaries counter: %w", err)
	}
	if m.extractions, err = meter.Int64Counter("kioku.extraction.events",
		metric.WithDescription("Extraction events handled, by outcome")); err != nil {
		return nil, fmt.Errorf("observability: create extraction counter: %w", err)
	}
	if m.httpRequests, err = meter.Int64Counter("kioku.http.requests",
		metric.WithDescription("HTTP requests, by route and status")); err != nil {
		return nil, fmt.Errorf("observability: create http counter: %w", err)
	}
	return &m, nil
}

// SweepUser records one user's outcome in job ("decay", "summarize").
func (m *Metrics) SweepUser(ctx context.Context, job string, ok bool, items int) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.sweepUsers.Add(ctx, 1, metric.WithAttributes(attribute.String("job", job), attribute.String("outcome", outcome)))
	if items > 0 {
		m.sweepItems.Add(ctx, int64(items), metric.WithAttributes(attribute.String("job", job)))
	}
}

func (m *Metrics) SummaryCreated(ctx context.Context, fallback bool) {
	if m == nil {
		return
	}
	m.summaries.Add(ctx, 1, metric.WithAttributes(attribute.Bool("fallback", fallback)))
}

// Extraction records an extraction event outcome ("stored", "duplicate",
// "failed", "dropped", "invalid").
func (m *Metrics) Extraction(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.extractions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) HTTPRequest(ctx context.Context, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route), attribute.Int("status", status)))
}
