package metrics

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("account_id", "123"),
		attribute.String("idempotency_key", "abc"),
		attribute.String("provider", "stripe"),
		attribute.String("reason", "rate_limited"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key != "provider" && attr.Key != "reason" {
			t.Fatalf("unexpected attribute retained: %s", attr.Key)
		}
	}
}
