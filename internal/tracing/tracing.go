package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	CorrelationIDHeader = "X-Correlation-ID"
	TraceIDHeader       = "X-Trace-ID"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// Span names used by the dispatch pipeline.
const (
	SpanSchedule = "scheduler.submit"
	SpanDispatch = "balancer.dispatch"
	SpanExecute  = "worker.execute"
)

type TracingManager struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewTracingManager falls back to a never-sampling provider when no Jaeger
// endpoint is configured or the exporter cannot be built.
func NewTracingManager(serviceName, jaegerEndpoint string, logger *zap.Logger) *TracingManager {
	var tp *sdktrace.TracerProvider

	if jaegerEndpoint != "" {
		var err error
		tp, err = initJaegerTracer(serviceName, jaegerEndpoint)
		if err != nil {
			logger.Error("Failed to initialize Jaeger tracer", zap.Error(err))
			tp = initNoOpTracer(serviceName)
		}
	} else {
		tp = initNoOpTracer(serviceName)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &TracingManager{
		provider: tp,
		tracer:   tp.Tracer(serviceName),
		logger:   logger,
	}
}

func initJaegerTracer(serviceName, jaegerEndpoint string) (*sdktrace.TracerProvider, error) {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to create jaeger exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(serviceResource(serviceName)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	return tp, nil
}

func initNoOpTracer(serviceName string) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(serviceResource(serviceName)),
		sdktrace.WithSampler(sdktrace.NeverSample()),
	)
}

func serviceResource(serviceName string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion("1.0.0"),
	)
}

// Shutdown flushes pending spans.
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if err := tm.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down tracer provider: %w", err)
	}
	return nil
}

func (tm *TracingManager) TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(CorrelationIDHeader)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		ctx := WithCorrelationID(c.Request.Context(), correlationID)

		spanName := fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())
		ctx, span := tm.tracer.Start(ctx, spanName)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", c.FullPath()),
			attribute.String("correlation_id", correlationID),
		)

		c.Header(CorrelationIDHeader, correlationID)
		c.Header(TraceIDHeader, span.SpanContext().TraceID().String())
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		if c.Writer.Status() >= 400 {
			span.SetStatus(codes.Error, fmt.Sprintf("status %d", c.Writer.Status()))
		}
	}
}

func (tm *TracingManager) StartSpan(ctx context.Context, name string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := tm.tracer.Start(ctx, name)

	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		span.SetAttributes(attribute.String("correlation_id", correlationID))
	}

	if len(attributes) > 0 {
		span.SetAttributes(attributes...)
	}

	return ctx, span
}

// StartTaskSpan opens a span tagged with the task and, when known, the worker.
func (tm *TracingManager) StartTaskSpan(ctx context.Context, name, taskID, workerID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("task.id", taskID)}
	if workerID != "" {
		attrs = append(attrs, attribute.String("worker.id", workerID))
	}
	return tm.StartSpan(ctx, name, attrs...)
}

func (tm *TracingManager) RecordError(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
}

// EndTask closes a task span with its outcome and elapsed time.
func (tm *TracingManager) EndTask(span trace.Span, status string, elapsed time.Duration) {
	span.SetAttributes(
		attribute.String("task.status", status),
		attribute.Int64("task.duration_ms", elapsed.Milliseconds()),
	)
	span.End()
}

func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey).(string); ok {
		return correlationID
	}
	return ""
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// LoggerFor decorates logger with the correlation and trace ids carried by ctx.
func LoggerFor(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := []zap.Field{}

	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		fields = append(fields, zap.String("correlation_id", correlationID))
	}

	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}

	return logger.With(fields...)
}
