package otelcol

import (
	"context"
	"strings"

	"revledger/pkg/config"
	"revledger/pkg/otelcol/exporters"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("otelcol",
	fx.Provide(
		NewTracerProvider,
		NewMeterProvider,
	),
)

func newResource(cfg *config.Config) *resource.Resource {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.AppName),
		semconv.ServiceVersion(cfg.AppVersion),
		semconv.DeploymentEnvironment(cfg.AppEnv),
	))
	if err != nil {
		zap.L().Warn("failed to merge otel resource", zap.Error(err))
		return resource.Default()
	}
	return res
}

func ProvideTrace(exporter trace.SpanExporter, opts ...trace.TracerProviderOption) *trace.TracerProvider {
	if len(opts) == 0 {
		opts = []trace.TracerProviderOption{trace.WithResource(resource.Default())}
	}

	opts = append(opts, trace.WithBatcher(exporter))

	return trace.NewTracerProvider(opts...)
}

func ProvideMetric(opts ...metric.Option) *metric.MeterProvider {
	if len(opts) == 0 {
		opts = []metric.Option{metric.WithResource(resource.Default())}
	}

	return metric.NewMeterProvider(opts...)
}

// NewTracerProvider exports spans over OTLP when OTEL.ENABLE is set, and is a no-op otherwise.
func NewTracerProvider(lc fx.Lifecycle, cfg *config.Config) (oteltrace.TracerProvider, error) {
	if !cfg.Otel.Enable {
		return tracenoop.NewTracerProvider(), nil
	}

	var (
		exporter trace.SpanExporter
		err      error
	)
	switch strings.ToLower(cfg.Otel.Protocol) {
	case "http":
		exporter, err = exporters.ProvideHttp(cfg)
	default:
		exporter, err = exporters.ProvideGrpc(cfg)
	}
	if err != nil {
		zap.L().Error("failed to create otlp exporter", zap.Error(err))
		return nil, err
	}

	tp := ProvideTrace(exporter,
		trace.WithResource(newResource(cfg)),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.Otel.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})
	return tp, nil
}

func NewMeterProvider(lc fx.Lifecycle, cfg *config.Config) otelmetric.MeterProvider {
	if !cfg.Otel.Enable {
		return metricnoop.NewMeterProvider()
	}

	mp := ProvideMetric(metric.WithResource(newResource(cfg)))
	otel.SetMeterProvider(mp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mp.Shutdown(ctx)
		},
	})
	return mp
}
