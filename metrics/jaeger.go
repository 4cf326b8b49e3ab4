package metrics

import (
	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.7.0"

	"github.com/adzialocha/graph-node/config"
)

var log = logging.Logger("registry/metrics")

// Sampler returns the sampler for a sampling ratio: every span at 1 or above, none at 0 or below.
func Sampler(ratio float64) tracesdk.Sampler {
	switch {
	case ratio >= 1:
		return tracesdk.AlwaysSample()
	case ratio <= 0:
		return tracesdk.NeverSample()
	default:
		return tracesdk.ParentBased(tracesdk.TraceIDRatioBased(ratio))
	}
}

// NewJaegerTraceProvider returns a TracerProvider that batches spans to the configured Jaeger collector.
func NewJaegerTraceProvider(cfg config.TracingConf) (*tracesdk.TracerProvider, error) {
	log.Infow("creating jaeger trace provider", "serviceName", cfg.ServiceName, "ratio", cfg.SampleRatio, "endpoint", cfg.AgentEndpoint)

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.AgentEndpoint)))
	if err != nil {
		return nil, err
	}
	return tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithSampler(Sampler(cfg.SampleRatio)),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
		)),
	), nil
}
