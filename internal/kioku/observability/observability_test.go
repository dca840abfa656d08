package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/bdobrica/Kioku/common/trace"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := observability.ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithTrace_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(&buf, "info", "json")
	ctx := trace.WithTraceID(context.Background(), "req_abc")

	observability.WithTrace(ctx, logger).Info("handled", "route", "/health")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if line["trace_id"] != "req_abc" || line["service"] != "kioku" || line["route"] != "/health" {
		t.Errorf("unexpected log line: %v", line)
	}
}

func TestWithTrace_NoTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(&buf, "debug", "json")
	observability.WithTrace(context.Background(), logger).Debug("x")
	if bytes.Contains(buf.Bytes(), []byte("trace_id")) {
		t.Errorf("unexpected trace_id in %s", buf.String())
	}
}

func TestMetrics_NilSafeAndNoop(t *testing.T) {
	var nilMetrics *observability.Metrics
	nilMetrics.SweepUser(context.Background(), "decay", true, 3)
	nilMetrics.Extraction(context.Background(), "stored")

	m, err := observability.NewMetrics(nil)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.SweepUser(context.Background(), "summarize", false, 0)
	m.SummaryCreated(context.Background(), true)
	m.HTTPRequest(context.Background(), "/health", 200)
}
