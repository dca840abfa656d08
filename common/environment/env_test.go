package environment_test

import (
	"testing"
	"time"

	"github.com/bdobrica/Kioku/common/environment"
)

func TestStringOr(t *testing.T) {
	t.Setenv("KIOKU_TEST_STRING", "hello")
	if got := environment.StringOr("KIOKU_TEST_STRING", "default"); got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
	if got := environment.StringOr("KIOKU_TEST_STRING_MISSING", "default"); got != "default" {
		t.Errorf("expected %q, got %q", "default", got)
	}
}

func TestRequiredString(t *testing.T) {
	t.Setenv("KIOKU_TEST_REQUIRED", "value")
	if v, err := environment.RequiredString("KIOKU_TEST_REQUIRED"); err != nil || v != "value" {
		t.Fatalf("got %q, %v", v, err)
	}
	if _, err := environment.RequiredString("KIOKU_TEST_REQUIRED_MISSING"); err == nil {
		t.Error("expected error for missing variable")
	}
}

func TestParsedHelpers(t *testing.T) {
	t.Setenv("KIOKU_TEST_BOOL", "true")
	t.Setenv("KIOKU_TEST_INT", "42")
	t.Setenv("KIOKU_TEST_INT_BAD", "forty-two")
	t.Setenv("KIOKU_TEST_FLOAT", "0.95")
	t.Setenv("KIOKU_TEST_DUR", "30s")

	if !environment.BoolOr("KIOKU_TEST_BOOL", false) {
		t.Error("BoolOr: expected true")
	}
	if got := environment.IntOr("KIOKU_TEST_INT", 0); got != 42 {
		t.Errorf("IntOr: got %d", got)
	}
	if got := environment.IntOr("KIOKU_TEST_INT_BAD", 7); got != 7 {
		t.Errorf("IntOr bad value: got %d, want fallback 7", got)
	}
	if got := environment.FloatOr("KIOKU_TEST_FLOAT", 0.97); got != 0.95 {
		t.Errorf("FloatOr: got %v", got)
	}
	if got := environment.DurationOr("KIOKU_TEST_DUR", time.Minute); got != 30*time.Second {
		t.Errorf("DurationOr: got %v", got)
	}
	if got := environment.DurationOr("KIOKU_TEST_DUR_MISSING", time.Minute); got != time.Minute {
		t.Errorf("DurationOr missing: got %v", got)
	}
}

func TestStringSliceOr(t *testing.T) {
	t.Setenv("KIOKU_TEST_SLICE", "a, b , ,c")
	got := environment.StringSliceOr("KIOKU_TEST_SLICE", nil)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("unexpected result: %v", got)
	}
	t.Setenv("KIOKU_TEST_SLICE_BLANK", " , ")
	if got := environment.StringSliceOr("KIOKU_TEST_SLICE_BLANK", []string{"x"}); len(got) != 1 || got[0] != "x" {
		t.Errorf("expected fallback, got %v", got)
	}
}

func TestPrefixed(t *testing.T) {
	env := environment.Prefixed("KIOKU_")
	t.Setenv("KIOKU_DECAY_FACTOR", "0.9")
	t.Setenv("KIOKU_SWEEP_WORKERS", "8")

	if got := env.FloatOr("DECAY_FACTOR", 0.97); got != 0.9 {
		t.Errorf("FloatOr: got %v", got)
	}
	if got := env.IntOr("SWEEP_WORKERS", 4); got != 8 {
		t.Errorf("IntOr: got %d", got)
	}
	if got := env.StringOr("HTTP_ADDR", ":8080"); got != ":8080" {
		t.Errorf("StringOr fallback: got %q", got)
	}
	if env.Name("X") != "KIOKU_X" {
		t.Errorf("Name: got %q", env.Name("X"))
	}
}
