// Package metrics emits delivery and polling metrics. The CloudWatch
// backend is optional; the nop backend keeps call sites unconditional.
package metrics

import (
	"context"
	"time"
)

// Result classifies a record delivery outcome.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailed  Result = "failed"
)

// Metric and dimension names published to the backend.
const (
	MetricRecordDelivery = "RecordDelivery"
	MetricNewRecords     = "NewRecords"
	MetricPassDuration   = "PassDuration"

	DimSource = "Source"
	DimResult = "Result"
)

// DeliveryMetrics records reconciliation outcomes. Implementations are
// fire-and-forget: emission failures are logged, never returned.
type DeliveryMetrics interface {
	// RecordDelivery counts one record delivery outcome for a source.
	RecordDelivery(ctx context.Context, sourceID string, result Result)

	// RecordNewRecords counts undelivered records discovered for a source
	// during one pass.
	RecordNewRecords(ctx context.Context, sourceID string, count int)

	// RecordPassDuration records the wall time of one reconciliation pass.
	RecordPassDuration(ctx context.Context, duration time.Duration)
}

// NopMetrics discards all metrics.
type NopMetrics struct{}

var _ DeliveryMetrics = NopMetrics{}

func (NopMetrics) RecordDelivery(context.Context, string, Result) {}

func (NopMetrics) RecordNewRecords(context.Context, string, int) {}

func (NopMetrics) RecordPassDuration(context.Context, time.Duration) {}
