// Package metrics records gate decisions as OpenTelemetry instruments and
// exports them over OTLP gRPC when a collector endpoint is configured.
package metrics

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"github.com/softiel/chatguard/internal/gate"
)

const meterName = "github.com/softiel/chatguard/internal/gate"

// NewProvider returns a MeterProvider exporting to endpoint every interval.
// With an empty endpoint the provider records but exports nothing.
func NewProvider(ctx context.Context, endpoint, serviceName string, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return sdkmetric.NewMeterProvider(), nil
	}

	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(u.Host)}
	if u.Scheme != "https" {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	), nil
}

// Recorder is a gate.Observer backed by OpenTelemetry instruments.
type Recorder struct {
	decisions metric.Int64Counter
	captcha   metric.Float64Histogram
	upstream  metric.Int64Counter
}

// NewRecorder creates the instruments on provider.
func NewRecorder(provider metric.MeterProvider) (*Recorder, error) {
	meter := provider.Meter(meterName)

	decisions, err := meter.Int64Counter("chatguard.decisions",
		metric.WithDescription("Send decisions by reason code"))
	if err != nil {
		return nil, err
	}
	captcha, err := meter.Float64Histogram("chatguard.captcha.duration",
		metric.WithDescription("CAPTCHA verification latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	upstream, err := meter.Int64Counter("chatguard.upstream.failures",
		metric.WithDescription("Assistant calls that failed"))
	if err != nil {
		return nil, err
	}
	return &Recorder{
		decisions: decisions,
		captcha:   captcha,
		upstream:  upstream,
	}, nil
}

// ObserveDecision implements gate.Observer.
func (r *Recorder) ObserveDecision(ctx context.Context, _ string, d gate.Decision) {
	// instruments must still record for requests whose client went away
	ctx = context.WithoutCancel(ctx)

	r.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", string(d.ReasonCode)),
		attribute.Bool("allowed", d.Allowed),
	))
	if d.Diagnostics.CaptchaCalled {
		ok := len(d.Diagnostics.CaptchaErrors) == 0
		r.captcha.Record(ctx, d.Diagnostics.CaptchaLatency.Seconds(), metric.WithAttributes(attribute.Bool("success", ok)))
	}
	if d.ReasonCode == gate.ReasonUpstreamError {
		r.upstream.Add(ctx, 1)
	}
}
