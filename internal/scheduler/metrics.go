package scheduler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type schedulerMetrics struct {
	jobsSubmitted   metric.Int64Counter
	segmentsDone    metric.Int64Counter
	retries         metric.Int64Counter
	attemptDuration metric.Float64Histogram
	queueDepth      metric.Int64UpDownCounter
	workersBusy     metric.Int64UpDownCounter
}

func newMetrics() *schedulerMetrics {
	meter := otel.Meter("narravox/scheduler")
	m := &schedulerMetrics{}
	m.jobsSubmitted, _ = meter.Int64Counter("narravox_jobs_submitted_total",
		metric.WithDescription("Jobs accepted by the scheduler"))
	m.segmentsDone, _ = meter.Int64Counter("narravox_segments_total",
		metric.WithDescription("Segments reaching a terminal state"))
	m.retries, _ = meter.Int64Counter("narravox_segment_retries_total",
		metric.WithDescription("Segment attempts scheduled for retry"))
	m.attemptDuration, _ = meter.Float64Histogram("narravox_attempt_duration_seconds",
		metric.WithDescription("Wall time of synthesis attempts"))
	m.queueDepth, _ = meter.Int64UpDownCounter("narravox_queue_depth",
		metric.WithDescription("Segments queued or running"))
	m.workersBusy, _ = meter.Int64UpDownCounter("narravox_workers_busy",
		metric.WithDescription("Workers currently running a synthesis attempt"))
	return m
}

func (m *schedulerMetrics) segmentDone(status string) {
	m.segmentsDone.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", status)))
}
