package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TxnMetrics holds the metric instruments for the transaction core. A nil
// *TxnMetrics is valid and records nothing.
type TxnMetrics struct {
	StartedCounter         metric.Int64Counter
	CompletedCounter       metric.Int64Counter
	HeuristicCounter       metric.Int64Counter
	ReapedCounter          metric.Int64Counter
	ActiveUpDownCounter    metric.Int64UpDownCounter
	WriteLockWaitHistogram metric.Int64Histogram
}

// NewTxnMetrics creates and registers all the transaction metrics on meter.
func NewTxnMetrics(meter metric.Meter) (*TxnMetrics, error) {
	started, err := meter.Int64Counter(
		"gojotxn.txn.started_total",
		metric.WithDescription("Total number of transactions created."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	completed, err := meter.Int64Counter(
		"gojotxn.txn.completed_total",
		metric.WithDescription("Total number of transactions completed, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	heuristic, err := meter.Int64Counter(
		"gojotxn.txn.heuristic_total",
		metric.WithDescription("Heuristic outcomes reported to callers, by code."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	reaped, err := meter.Int64Counter(
		"gojotxn.txn.reaped_total",
		metric.WithDescription("Transactions rolled back by the reaper, by cause."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"gojotxn.txn.active",
		metric.WithDescription("Number of live transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	wait, err := meter.Int64Histogram(
		"gojotxn.writelock.wait",
		metric.WithDescription("Time spent waiting for the write lock."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &TxnMetrics{
		StartedCounter:         started,
		CompletedCounter:       completed,
		HeuristicCounter:       heuristic,
		ReapedCounter:          reaped,
		ActiveUpDownCounter:    active,
		WriteLockWaitHistogram: wait,
	}, nil
}

func (m *TxnMetrics) Started(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.StartedCounter.Add(ctx, 1, attrs)
	m.ActiveUpDownCounter.Add(ctx, 1, attrs)
}

func (m *TxnMetrics) Completed(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.CompletedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
	m.ActiveUpDownCounter.Add(ctx, -1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *TxnMetrics) Heuristic(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.HeuristicCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

func (m *TxnMetrics) Reaped(ctx context.Context, cause string) {
	if m == nil {
		return
	}
	m.ReapedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}

func (m *TxnMetrics) WriteLockWaited(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.WriteLockWaitHistogram.Record(ctx, d.Milliseconds())
}
