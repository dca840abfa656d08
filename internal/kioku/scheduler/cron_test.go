package scheduler

import (
	"testing"
	"time"
)

func TestParse_Invalid(t *testing.T) {
	for _, expr := range []string{
		"",
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"*/0 * * * *",
		"5-1 * * * *",
		"a * * * *",
		"1,x * * * *",
	} {
		if _, err := Parse(expr, nil); err == nil {
			t.Errorf("Parse(%q): expected error", expr)
		}
	}
}

func TestParseField(t *testing.T) {
	tests := []struct {
		field    string
		min, max int
		want     []int
	}{
		{"*", 0, 6, []int{0, 1, 2, 3, 4, 5, 6}},
		{"*/15", 0, 59, []int{0, 15, 30, 45}},
		{"5", 0, 59, []int{5}},
		{"1-3", 1, 12, []int{1, 2, 3}},
		{"10-20/5", 0, 59, []int{10, 15, 20}},
		{"50/5", 0, 59, []int{50, 55}},
		{"3,1,3", 0, 6, []int{1, 3}},
		{"1-2,5", 0, 6, []int{1, 2, 5}},
	}
	for _, tt := range tests {
		set, err := parseField(tt.field, tt.min, tt.max)
		if err != nil {
			t.Errorf("parseField(%q): %v", tt.field, err)
			continue
		}
		var got []int
		for v := tt.min; v <= tt.max; v++ {
			if set.has(v) {
				got = append(got, v)
			}
		}
		if len(got) != len(tt.want) {
			t.Errorf("parseField(%q): got %v, want %v", tt.field, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("parseField(%q): got %v, want %v", tt.field, got, tt.want)
				break
			}
		}
	}
}

func TestSchedule_Next(t *testing.T) {
	at := func(s string) time.Time {
		v, err := time.Parse(time.RFC3339, s)
		if err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
		return v
	}
	tests := []struct {
		expr string
		from string
		want string
	}{
		{"0 2 * * *", "2026-06-15T01:59:30Z", "2026-06-15T02:00:00Z"},
		{"0 2 * * *", "2026-06-15T02:00:00Z", "2026-06-16T02:00:00Z"},
		{"0 3 * * *", "2026-12-31T23:00:00Z", "2027-01-01T03:00:00Z"},
		{"*/15 * * * *", "2026-06-15T10:07:00Z", "2026-06-15T10:15:00Z"},
		{"30 9 * * 1", "2026-06-15T10:00:00Z", "2026-06-22T09:30:00Z"}, // Monday
		{"0 0 29 2 *", "2026-03-01T00:00:00Z", "2028-02-29T00:00:00Z"},
		// Both day fields restricted: the 1st of the month or any Sunday.
		{"0 0 1 * 0", "2026-06-15T00:00:00Z", "2026-06-21T00:00:00Z"},
	}
	for _, tt := range tests {
		s, err := Parse(tt.expr, nil)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.expr, err)
		}
		if got := s.Next(at(tt.from)); !got.Equal(at(tt.want)) {
			t.Errorf("Next(%q, %s): got %s, want %s", tt.expr, tt.from, got.Format(time.RFC3339), tt.want)
		}
	}
}

func TestSchedule_NextInLocation(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	s, err := Parse("0 2 * * *", loc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := s.Next(time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC))
	want := time.Date(2026, 6, 15, 20, 30, 0, 0, time.UTC) // 02:00 IST on the 16th
	if !got.Equal(want) {
		t.Errorf("got %s, want %s", got.UTC(), want)
	}
}
