package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Task lifecycle metrics. Instruments are created lazily against the
// global meter provider so Init ordering does not matter.
var (
	metricsOnce sync.Once

	tasksCreated    metric.Int64Counter
	tasksCompleted  metric.Int64Counter
	taskDuration    metric.Float64Histogram
	repairAttempts  metric.Int64Counter
	memoryWrites    metric.Int64Counter
	templateMatches metric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter(tracerName)

	tasksCreated, _ = meter.Int64Counter("taskforge.tasks.created",
		metric.WithDescription("Tasks created, by creation path"))
	tasksCompleted, _ = meter.Int64Counter("taskforge.tasks.finished",
		metric.WithDescription("Tasks reaching a terminal status"))
	taskDuration, _ = meter.Float64Histogram("taskforge.tasks.duration_ms",
		metric.WithDescription("Execution wall clock in milliseconds"))
	repairAttempts, _ = meter.Int64Counter("taskforge.repairs.attempts",
		metric.WithDescription("Repair loop attempts, by outcome"))
	memoryWrites, _ = meter.Int64Counter("taskforge.memory.writes",
		metric.WithDescription("Reasoning memories written, by source"))
	templateMatches, _ = meter.Int64Counter("taskforge.templates.matches",
		metric.WithDescription("Template matches, by search phase"))
}

// EmitTaskCreated records a task creation.
func EmitTaskCreated(ctx context.Context, path string) {
	metricsOnce.Do(initMetrics)
	tasksCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

// EmitTaskFinished records a terminal status with its execution duration.
func EmitTaskFinished(ctx context.Context, status string, durationMS int64) {
	metricsOnce.Do(initMetrics)
	attrs := metric.WithAttributes(attribute.String("status", status))
	tasksCompleted.Add(ctx, 1, attrs)
	taskDuration.Record(ctx, float64(durationMS), attrs)
}

// EmitRepairAttempt records one repair loop outcome.
func EmitRepairAttempt(ctx context.Context, outcome string) {
	metricsOnce.Do(initMetrics)
	repairAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// EmitMemoryWrite records a stored reasoning memory.
func EmitMemoryWrite(ctx context.Context, source string) {
	metricsOnce.Do(initMetrics)
	memoryWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// EmitTemplateMatch records which search phase resolved an utterance.
func EmitTemplateMatch(ctx context.Context, phase string) {
	metricsOnce.Do(initMetrics)
	templateMatches.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}
