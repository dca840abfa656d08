package redact_test

import (
	"testing"

	"github.com/bdobrica/Kioku/common/redact"
)

func TestString(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		values []string
		want   string
	}{
		{"single", "calling with sk-live-123456", []string{"sk-live-123456"}, "calling with [REDACTED]"},
		{"short values kept", "abc token", []string{"abc"}, "abc token"},
		{"multiple", "a=hunter2secret b=tok_live_xx", []string{"hunter2secret", "tok_live_xx"}, "a=[REDACTED] b=[REDACTED]"},
		{"no values", "plain", nil, "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redact.String(tt.in, tt.values...); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMap(t *testing.T) {
	in := map[string]any{
		"apiKey":     "sk-123",
		"jwt_secret": "s3cr3t",
		"model":      "gpt-4o-mini",
		"tokenCount": 12,
	}
	got := redact.Map(in)
	if got["apiKey"] != "[REDACTED]" || got["jwt_secret"] != "[REDACTED]" {
		t.Errorf("secrets not redacted: %v", got)
	}
	if got["model"] != "gpt-4o-mini" {
		t.Errorf("model should be kept: %v", got["model"])
	}
	if got["tokenCount"] != 12 {
		t.Errorf("non-string values should be kept: %v", got["tokenCount"])
	}
	if in["apiKey"] != "sk-123" {
		t.Error("input map was modified")
	}
}

func TestHeader(t *testing.T) {
	if got := redact.Header("Bearer eyJhbGciOi.xyz"); got != "Bearer [REDACTED]" {
		t.Errorf("got %q", got)
	}
	if got := redact.Header("opaque"); got != "[REDACTED]" {
		t.Errorf("got %q", got)
	}
	if got := redact.Header(""); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestText(t *testing.T) {
	if got := redact.Text("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := redact.Text("héllo world", 5); got != "héllo…" {
		t.Errorf("got %q", got)
	}
}
