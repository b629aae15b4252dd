// Package observability provides a ready-made extension that records
// compile lifecycle counters through OpenTelemetry. Register it on the
// orchestrator to track queue rates, completion counts, failure rates
// by error kind, and cancellations without touching the hot path.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/typefold/typeset/ext"
	"github.com/typefold/typeset/job"
)

// meterName is the instrumentation scope for lifecycle counters.
const meterName = "github.com/typefold/typeset/observability"

// Compile-time interface checks.
var (
	_ ext.Extension    = (*MetricsExtension)(nil)
	_ ext.JobQueued    = (*MetricsExtension)(nil)
	_ ext.JobStarted   = (*MetricsExtension)(nil)
	_ ext.JobCompleted = (*MetricsExtension)(nil)
	_ ext.JobFailed    = (*MetricsExtension)(nil)
	_ ext.JobCancelled = (*MetricsExtension)(nil)
)

// MetricsExtension records lifecycle counters via OTel instruments.
// With no MeterProvider configured the instruments are noops, so the
// extension is safe to register unconditionally.
type MetricsExtension struct {
	queued    metric.Int64Counter
	started   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	cancelled metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. Use this to inject a test MeterProvider.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}
	m.queued, _ = meter.Int64Counter("typeset.job.queued",
		metric.WithDescription("Jobs accepted and recorded as Queued"))
	m.started, _ = meter.Int64Counter("typeset.job.started",
		metric.WithDescription("Jobs claimed by a worker"))
	m.completed, _ = meter.Int64Counter("typeset.job.completed",
		metric.WithDescription("Jobs that produced an artifact"))
	m.failed, _ = meter.Int64Counter("typeset.job.failed",
		metric.WithDescription("Jobs that failed, by error kind"))
	m.cancelled, _ = meter.Int64Counter("typeset.job.cancelled",
		metric.WithDescription("Jobs cancelled before or during compile"))
	m.duration, _ = meter.Float64Histogram("typeset.job.duration",
		metric.WithDescription("Queued-to-terminal latency in seconds"),
		metric.WithUnit("s"))
	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnJobQueued implements ext.JobQueued.
func (m *MetricsExtension) OnJobQueued(ctx context.Context, j *job.Job) error {
	m.queued.Add(ctx, 1, kindAttr(j))
	return nil
}

// OnJobStarted implements ext.JobStarted.
func (m *MetricsExtension) OnJobStarted(ctx context.Context, j *job.Job) error {
	m.started.Add(ctx, 1, kindAttr(j))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	m.completed.Add(ctx, 1, kindAttr(j))
	m.duration.Record(ctx, elapsed.Seconds(), kindAttr(j))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	errKind := ""
	if j.ErrorDetail != nil {
		errKind = string(j.ErrorDetail.Kind)
	}
	m.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(j.Kind)),
		attribute.String("error_kind", errKind),
	))
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	m.cancelled.Add(ctx, 1, kindAttr(j))
	return nil
}

func kindAttr(j *job.Job) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("kind", string(j.Kind)))
}
