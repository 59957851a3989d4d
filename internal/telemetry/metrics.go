package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/global-data-controller/osd-equalizer/internal/logging"
)

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	PrometheusPort int     `mapstructure:"prometheus_port"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate"`
}

// Telemetry manages OpenTelemetry instrumentation
type Telemetry struct {
	config         TelemetryConfig
	logger         logging.Logger
	registry       *prometheus.Registry
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	server         *http.Server
	mu             sync.RWMutex

	// Metrics instruments
	counters   map[string]metric.Int64Counter
	gauges     map[string]metric.Float64Gauge
	histograms map[string]metric.Float64Histogram
}

// NewTelemetry creates a new telemetry instance. A disabled instance accepts
// every call and records nothing.
func NewTelemetry(config TelemetryConfig, logger logging.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if !config.Enabled {
		return &Telemetry{config: config, logger: logger}, nil
	}
	if config.ServiceName == "" {
		config.ServiceName = "osd-equalizer"
	}

	t := &Telemetry{
		config:     config,
		logger:     logger,
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]metric.Int64Counter),
		gauges:     make(map[string]metric.Float64Gauge),
		histograms: make(map[string]metric.Float64Histogram),
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.initTracing(res); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	if err := t.initMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

// initTracing initializes OpenTelemetry tracing
func (t *Telemetry) initTracing(res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if t.config.JaegerEndpoint != "" {
		exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(t.config.JaegerEndpoint)))
		if err != nil {
			return fmt.Errorf("failed to create Jaeger exporter: %w", err)
		}
		sampleRate := t.config.SampleRate
		if sampleRate == 0 {
			sampleRate = 1.0
		}
		opts = append(opts,
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRate)))
	}

	t.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(t.tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.tracer = t.tracerProvider.Tracer(t.config.ServiceName)
	return nil
}

// initMetrics initializes OpenTelemetry metrics exported through a private Prometheus registry
func (t *Telemetry) initMetrics(res *resource.Resource) error {
	exporter, err := otelprom.New(otelprom.WithRegisterer(t.registry))
	if err != nil {
		return fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(t.meterProvider)

	t.meter = t.meterProvider.Meter(t.config.ServiceName)
	return nil
}

// Handler serves the Prometheus exposition of the recorded metrics
func (t *Telemetry) Handler() http.Handler {
	if t.registry == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

// Start starts the standalone metrics listener when a port is configured
func (t *Telemetry) Start(ctx context.Context) error {
	if !t.config.Enabled || t.config.PrometheusPort <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", t.Handler())

	t.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.config.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error(ctx, "Prometheus server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop flushes spans and stops the metrics listener
func (t *Telemetry) Stop(ctx context.Context) error {
	if !t.config.Enabled {
		return nil
	}

	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown Prometheus server: %w", err)
		}
	}

	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
	}

	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
	}

	return nil
}

// StartSpan starts a new span
func (t *Telemetry) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if !t.config.Enabled || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, opts...)
}

// IncrementCounter increments a counter metric by one
func (t *Telemetry) IncrementCounter(ctx context.Context, name string, attrs ...attribute.KeyValue) error {
	return t.AddCounter(ctx, name, 1, attrs...)
}

// AddCounter adds n to a counter metric
func (t *Telemetry) AddCounter(ctx context.Context, name string, n int64, attrs ...attribute.KeyValue) error {
	if !t.config.Enabled {
		return nil
	}

	t.mu.Lock()
	counter, exists := t.counters[name]
	if !exists {
		var err error
		counter, err = t.meter.Int64Counter(name)
		if err != nil {
			t.mu.Unlock()
			return fmt.Errorf("failed to create counter %s: %w", name, err)
		}
		t.counters[name] = counter
	}
	t.mu.Unlock()

	counter.Add(ctx, n, metric.WithAttributes(attrs...))
	return nil
}

// SetGauge records the current value of a gauge metric
func (t *Telemetry) SetGauge(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) error {
	if !t.config.Enabled {
		return nil
	}

	t.mu.Lock()
	gauge, exists := t.gauges[name]
	if !exists {
		var err error
		gauge, err = t.meter.Float64Gauge(name)
		if err != nil {
			t.mu.Unlock()
			return fmt.Errorf("failed to create gauge %s: %w", name, err)
		}
		t.gauges[name] = gauge
	}
	t.mu.Unlock()

	gauge.Record(ctx, value, metric.WithAttributes(attrs...))
	return nil
}

// RecordHistogram records a value in a histogram
func (t *Telemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) error {
	if !t.config.Enabled {
		return nil
	}

	t.mu.Lock()
	histogram, exists := t.histograms[name]
	if !exists {
		var err error
		histogram, err = t.meter.Float64Histogram(name)
		if err != nil {
			t.mu.Unlock()
			return fmt.Errorf("failed to create histogram %s: %w", name, err)
		}
		t.histograms[name] = histogram
	}
	t.mu.Unlock()

	histogram.Record(ctx, value, metric.WithAttributes(attrs...))
	return nil
}

// RecordDuration records the time elapsed since start in <name>_duration_seconds
func (t *Telemetry) RecordDuration(ctx context.Context, name string, start time.Time, attrs ...attribute.KeyValue) error {
	duration := time.Since(start).Seconds()
	return t.RecordHistogram(ctx, name+"_duration_seconds", duration, attrs...)
}

var (
	globalMu        sync.RWMutex
	globalTelemetry *Telemetry
)

// SetGlobalTelemetry installs t as the instance behind the package-level helpers
func SetGlobalTelemetry(t *Telemetry) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalTelemetry = t
}

// GetGlobalTelemetry returns the global telemetry instance
func GetGlobalTelemetry() *Telemetry {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalTelemetry
}

// Convenience functions for global telemetry. They do nothing until
// SetGlobalTelemetry is called.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t := GetGlobalTelemetry(); t != nil {
		return t.StartSpan(ctx, name, opts...)
	}
	return ctx, trace.SpanFromContext(ctx)
}

func IncrementCounter(ctx context.Context, name string, attrs ...attribute.KeyValue) error {
	if t := GetGlobalTelemetry(); t != nil {
		return t.IncrementCounter(ctx, name, attrs...)
	}
	return nil
}

func AddCounter(ctx context.Context, name string, n int64, attrs ...attribute.KeyValue) error {
	if t := GetGlobalTelemetry(); t != nil {
		return t.AddCounter(ctx, name, n, attrs...)
	}
	return nil
}

func SetGauge(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) error {
	if t := GetGlobalTelemetry(); t != nil {
		return t.SetGauge(ctx, name, value, attrs...)
	}
	return nil
}

func RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) error {
	if t := GetGlobalTelemetry(); t != nil {
		return t.RecordHistogram(ctx, name, value, attrs...)
	}
	return nil
}

func RecordDuration(ctx context.Context, name string, start time.Time, attrs ...attribute.KeyValue) error {
	if t := GetGlobalTelemetry(); t != nil {
		return t.RecordDuration(ctx, name, start, attrs...)
	}
	return nil
}
