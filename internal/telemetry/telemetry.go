package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Business Metrics
	tasksTotal               metric.Int64Counter
	tasksActive              metric.Int64UpDownCounter
	taskDuration             metric.Float64Histogram
	blocksTotal              metric.Int64Counter
	bytesTransferred         metric.Int64Counter
	queueRunning             metric.Int64Gauge
	queueWaiting             metric.Int64Gauge
	transportOperationsTotal metric.Int64Counter
	transportErrors          metric.Int64Counter
	checkpointOpsTotal       metric.Int64Counter
	checkpointOpDuration     metric.Float64Histogram

	// System health
	systemErrors metric.Int64Counter
	systemUptime metric.Float64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{tracer: noop.NewTracerProvider().Tracer(cfg.ServiceName)}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(exporter)}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)

	otel.SetMeterProvider(meterProvider)

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         meterProvider.Meter(cfg.ServiceName, metric.WithInstrumentationVersion(cfg.ServiceVersion)),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	go t.collectSystemMetrics(ctx)

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return noop.NewTracerProvider().Tracer("")
	}

	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	}

	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordTask records a task reaching a terminal state.
func (t *Telemetry) RecordTask(direction, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("status", status),
	)

	if t.tasksTotal != nil {
		t.tasksTotal.Add(context.Background(), 1, attrs)
	}

	if t.taskDuration != nil {
		t.taskDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// IncrementActiveTasks increments the running tasks counter.
func (t *Telemetry) IncrementActiveTasks() {
	if t != nil && t.tasksActive != nil {
		t.tasksActive.Add(context.Background(), 1)
	}
}

// DecrementActiveTasks decrements the running tasks counter.
func (t *Telemetry) DecrementActiveTasks() {
	if t != nil && t.tasksActive != nil {
		t.tasksActive.Add(context.Background(), -1)
	}
}

// RecordBlock records a block worker finishing with the given outcome.
func (t *Telemetry) RecordBlock(outcome string) {
	if t != nil && t.blocksTotal != nil {
		t.blocksTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", outcome)),
		)
	}
}

// AddBytes records bytes moved by block workers.
func (t *Telemetry) AddBytes(direction string, n int64) {
	if t != nil && t.bytesTransferred != nil && n > 0 {
		t.bytesTransferred.Add(context.Background(), n,
			metric.WithAttributes(attribute.String("direction", direction)),
		)
	}
}

// RecordQueueDepth records the size of the running set and the waiting pool.
func (t *Telemetry) RecordQueueDepth(running, waiting int) {
	if t == nil {
		return
	}

	if t.queueRunning != nil {
		t.queueRunning.Record(context.Background(), int64(running))
	}

	if t.queueWaiting != nil {
		t.queueWaiting.Record(context.Background(), int64(waiting))
	}
}

// RecordTransportOperation records range transport operation metrics.
func (t *Telemetry) RecordTransportOperation(transport, operation, status string) {
	if t.transportOperationsTotal != nil {
		t.transportOperationsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("transport", transport),
				attribute.String("operation", operation),
				attribute.String("status", status),
			),
		)
	}

	if status == "error" && t.transportErrors != nil {
		t.transportErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("transport", transport),
				attribute.String("operation", operation),
			),
		)
	}
}

// RecordCheckpointOperation records checkpoint store operation metrics.
func (t *Telemetry) RecordCheckpointOperation(operation, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	if t.checkpointOpsTotal != nil {
		t.checkpointOpsTotal.Add(context.Background(), 1, attrs)
	}

	if t.checkpointOpDuration != nil {
		t.checkpointOpDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t != nil && t.systemErrors != nil {
		t.systemErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			),
		)
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}

	return nil
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeREDMetrics(); err != nil {
		return err
	}

	if err := t.initializeTransferMetrics(); err != nil {
		return err
	}

	if err := t.initializeStorageMetrics(); err != nil {
		return err
	}

	return t.initializeSystemMetrics()
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeTransferMetrics() error {
	var err error

	t.tasksTotal, err = t.meter.Int64Counter(
		"tasks_total",
		metric.WithDescription("Total number of tasks that reached a terminal state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create tasks_total counter: %w", err)
	}

	t.tasksActive, err = t.meter.Int64UpDownCounter(
		"tasks_active",
		metric.WithDescription("Number of tasks with workers moving bytes"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create tasks_active counter: %w", err)
	}

	t.taskDuration, err = t.meter.Float64Histogram(
		"task_run_duration_seconds",
		metric.WithDescription("Duration of a single task run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create task_run_duration histogram: %w", err)
	}

	t.blocksTotal, err = t.meter.Int64Counter(
		"blocks_total",
		metric.WithDescription("Total number of block workers by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create blocks_total counter: %w", err)
	}

	t.bytesTransferred, err = t.meter.Int64Counter(
		"bytes_transferred_total",
		metric.WithDescription("Total number of bytes moved by block workers"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create bytes_transferred_total counter: %w", err)
	}

	t.queueRunning, err = t.meter.Int64Gauge(
		"queue_running_tasks",
		metric.WithDescription("Number of tasks in the running set"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue_running_tasks gauge: %w", err)
	}

	t.queueWaiting, err = t.meter.Int64Gauge(
		"queue_waiting_tasks",
		metric.WithDescription("Number of tasks in the waiting pool"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue_waiting_tasks gauge: %w", err)
	}

	t.transportOperationsTotal, err = t.meter.Int64Counter(
		"transport_operations_total",
		metric.WithDescription("Total number of range transport operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transport_operations_total counter: %w", err)
	}

	t.transportErrors, err = t.meter.Int64Counter(
		"transport_errors_total",
		metric.WithDescription("Total number of range transport errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transport_errors counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeStorageMetrics() error {
	var err error

	t.checkpointOpsTotal, err = t.meter.Int64Counter(
		"checkpoint_operations_total",
		metric.WithDescription("Total number of checkpoint store operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint_operations_total counter: %w", err)
	}

	t.checkpointOpDuration, err = t.meter.Float64Histogram(
		"checkpoint_operation_duration_seconds",
		metric.WithDescription("Checkpoint store operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint_operation_duration histogram: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSystemMetrics() error {
	var err error

	t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_errors counter: %w", err)
	}

	t.systemUptime, err = t.meter.Float64Gauge(
		"system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_uptime gauge: %w", err)
	}

	return nil
}

// collectSystemMetrics records uptime periodically. Memory and goroutine
// metrics come from the runtime instrumentation.
func (t *Telemetry) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.systemUptime != nil {
				t.systemUptime.Record(context.Background(), time.Since(startTime).Seconds())
			}
		}
	}
}
