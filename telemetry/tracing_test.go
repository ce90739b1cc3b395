package telemetry

import (
	"context"
	"testing"
)

func TestSamplerRatio(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"", 1},
		{"0.25", 0.25},
		{"0", 0},
		{"1", 1},
		{"1.5", 1},
		{"-0.1", 1},
		{"half", 1},
	}
	for _, tt := range tests {
		if got := samplerRatio(tt.in); got != tt.want {
			t.Errorf("samplerRatio(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInitTracingDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := InitTracing("streamkit-test", "0.0.0")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	shutdown()

	// spans are no-op but must still be usable
	ctx := WithCorrelation(context.Background(), "corr-1")
	_, span := StartSpan(ctx, "test", "noop", ChannelAttr("alice"), EventKindAttr("cheer"))
	RecordError(span, nil)
	SetSpanHTTPStatus(span, 503)
	span.End()
}
