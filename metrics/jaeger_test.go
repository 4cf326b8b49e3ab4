package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
)

func TestSampler(t *testing.T) {
	assert.Equal(t, tracesdk.AlwaysSample().Description(), Sampler(1).Description())
	assert.Equal(t, tracesdk.AlwaysSample().Description(), Sampler(2).Description())
	assert.Equal(t, tracesdk.NeverSample().Description(), Sampler(0).Description())
	assert.Contains(t, Sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
