package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
)

func TestPublishWithoutClientFails(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "jobs", map[string]string{"job_id": "1"})
	require.ErrorContains(t, err, "not configured")
}

func TestBuildAttributesRecordsTopic(t *testing.T) {
	t.Parallel()

	attrs := buildAttributes(context.Background(), "job-completions")
	require.Equal(t, "job-completions", attrs[TopicAttribute])

	require.Empty(t, buildAttributes(context.Background(), ""))
}

func TestAttributeCarrierRoundTrip(t *testing.T) {
	t.Parallel()

	carrier := &attributeCarrier{attrs: map[string]string{}}
	carrier.Set("traceparent", "00-abc-def-01")
	require.Equal(t, "00-abc-def-01", carrier.Get("traceparent"))
	require.ElementsMatch(t, []string{"traceparent"}, carrier.Keys())

	var _ propagation.TextMapCarrier = carrier
}
