package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attributes must stay low cardinality. Task keys are URLs or local paths,
// so they go to logs (logctx adds task_key) and never to attributes. Safe attributes are
// the direction, the outcome, the transport type and the operation name.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation instruments a generic operation with telemetry.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", duration.Seconds()),
	)

	return err
}

// InstrumentCheckpointOperation instruments checkpoint store operations.
func (t *Telemetry) InstrumentCheckpointOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "checkpoint_"+operation, "checkpoint_store", fn)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordCheckpointOperation(operation, status, duration)

	return err
}

// InstrumentTransportOperation instruments range transport operations.
func (t *Telemetry) InstrumentTransportOperation(ctx context.Context, transport, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "transport_"+operation, "transport", func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("transport.type", transport),
			attribute.String("transport.operation", operation),
		)

		return fn(ctx)
	})

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordTransportOperation(transport, operation, status)

	return err
}

// StartTaskRun opens the span covering one engine run and counts the task as active.
// The returned func ends the span and records the terminal status.
func (t *Telemetry) StartTaskRun(ctx context.Context, direction string) (context.Context, func(status string)) {
	if t == nil {
		return ctx, func(string) {}
	}

	start := time.Now()

	ctx, span := t.Tracer().Start(ctx, "task_run")
	span.SetAttributes(attribute.String("task.direction", direction))

	t.IncrementActiveTasks()

	return ctx, func(status string) {
		t.DecrementActiveTasks()
		t.RecordTask(direction, status, time.Since(start))

		span.SetAttributes(attribute.String("status", status))
		if status == "failed" {
			span.SetStatus(codes.Error, status)
		}

		span.End()
	}
}
