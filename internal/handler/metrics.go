package handler

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xenking/bazaar-pricing/internal/domain/pricing"
)

// Metrics records pricing outcomes.
type Metrics struct {
	previews  metric.Int64Counter
	commits   metric.Int64Counter
	conflicts metric.Int64Counter
	discount  metric.Float64Histogram
}

// NewMetrics registers the pricing instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.previews, err = meter.Int64Counter("pricing.previews",
		metric.WithDescription("Priced previews by kind and outcome."),
	); err != nil {
		return nil, errors.Wrap(err, "previews counter")
	}
	if m.commits, err = meter.Int64Counter("pricing.commits",
		metric.WithDescription("Commit attempts by outcome."),
	); err != nil {
		return nil, errors.Wrap(err, "commits counter")
	}
	if m.conflicts, err = meter.Int64Counter("pricing.limit_conflicts",
		metric.WithDescription("Rules that reached a usage ceiling between pricing and recording."),
	); err != nil {
		return nil, errors.Wrap(err, "conflicts counter")
	}
	if m.discount, err = meter.Float64Histogram("pricing.discount",
		metric.WithDescription("Total discount per priced cart."),
	); err != nil {
		return nil, errors.Wrap(err, "discount histogram")
	}
	return &m, nil
}

func outcome(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("outcome", "error")
	}
	return attribute.String("outcome", "ok")
}

func (m *Metrics) preview(ctx context.Context, kind string, calc *pricing.Calculation, err error) {
	if m == nil {
		return
	}
	m.previews.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind), outcome(err)))
	if err == nil {
		m.discount.Record(ctx, calc.TotalDiscount.InexactFloat64(), metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (m *Metrics) commit(ctx context.Context, calc *pricing.Calculation, dropped int, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{outcome(err)}
	if errors.Is(err, pricing.ErrConcurrentLimitExceeded) {
		attrs = []attribute.KeyValue{attribute.String("outcome", "limit_exceeded")}
		m.conflicts.Add(ctx, 1)
	}
	if dropped > 0 {
		m.conflicts.Add(ctx, int64(dropped))
	}
	m.commits.Add(ctx, 1, metric.WithAttributes(attrs...))
	if err == nil {
		m.discount.Record(ctx, calc.TotalDiscount.InexactFloat64(), metric.WithAttributes(attribute.String("kind", "commit")))
	}
}
