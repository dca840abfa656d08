package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a compiled 5-field cron expression:
//
//	minute(0-59)  hour(0-23)  day-of-month(1-31)  month(1-12)  day-of-week(0-6)
//
// Each field accepts "*", "N", "N-M", a step suffix "/S" on any of those,
// and comma-separated lists of the above. As in classic cron, when both the
// day-of-month and day-of-week fields are restricted a day matching either
// one fires.
type Schedule struct {
	expr       string
	minute     bitset
	hour       bitset
	dayOfMonth bitset
	month      bitset
	dayOfWeek  bitset
	domAny     bool
	dowAny     bool
	loc        *time.Location
}

type bitset uint64

func (b bitset) has(v int) bool { return b&(1<<uint(v)) != 0 }

// Parse compiles expr, evaluated in loc (UTC when nil).
func Parse(expr string, loc *time.Location) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have exactly 5 fields, got %d in %q", len(fields), expr)
	}
	if loc == nil {
		loc = time.UTC
	}
	s := &Schedule{expr: expr, loc: loc, domAny: fields[2] == "*", dowAny: fields[4] == "*"}
	specs := []struct {
		name     string
		dst      *bitset
		min, max int
	}{
		{"minute", &s.minute, 0, 59},
		{"hour", &s.hour, 0, 23},
		{"day-of-month", &s.dayOfMonth, 1, 31},
		{"month", &s.month, 1, 12},
		{"day-of-week", &s.dayOfWeek, 0, 6},
	}
	for i, spec := range specs {
		set, err := parseField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("%s field %q: %w", spec.name, fields[i], err)
		}
		*spec.dst = set
	}
	return s, nil
}

// String returns the source expression.
func (s *Schedule) String() string { return s.expr }

func parseField(field string, min, max int) (bitset, error) {
	var set bitset
	for _, part := range strings.Split(field, ",") {
		lo, hi, step, err := parseTerm(part, min, max)
		if err != nil {
			return 0, err
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

// parseTerm parses one list element into an inclusive range and step.
func parseTerm(term string, min, max int) (lo, hi, step int, err error) {
	step = 1
	base := term
	if i := strings.IndexByte(term, '/'); i >= 0 {
		base = term[:i]
		step, err = strconv.Atoi(term[i+1:])
		if err != nil || step <= 0 {
			return 0, 0, 0, fmt.Errorf("invalid step in %q", term)
		}
	}
	switch {
	case base == "*":
		lo, hi = min, max
	case strings.Contains(base, "-"):
		a, b, _ := strings.Cut(base, "-")
		if lo, err = strconv.Atoi(a); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid range start %q", a)
		}
		if hi, err = strconv.Atoi(b); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid range end %q", b)
		}
	default:
		if lo, err = strconv.Atoi(base); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid value %q", base)
		}
		hi = lo
		if step > 1 {
			hi = max // "N/S" runs from N to the end of the range
		}
	}
	if lo < min || hi > max || lo > hi {
		return 0, 0, 0, fmt.Errorf("range [%d, %d] out of bounds [%d, %d]", lo, hi, min, max)
	}
	return lo, hi, step, nil
}

// Next returns the first matching minute strictly after t, or the zero time
// for expressions that never match (such as "0 0 30 2 *").
func (s *Schedule) Next(t time.Time) time.Time {
	t = t.In(s.loc).Add(time.Minute).Truncate(time.Minute)
	for range 366 * 24 * 60 {
		if s.matches(t) {
			return t
		}
		// Skip whole hours and days that cannot match.
		switch {
		case !s.month.has(int(t.Month())) || !s.dayMatches(t):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, s.loc)
		case !s.hour.has(t.Hour()):
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, s.loc)
		default:
			t = t.Add(time.Minute)
		}
	}
	return time.Time{}
}

func (s *Schedule) matches(t time.Time) bool {
	return s.month.has(int(t.Month())) && s.dayMatches(t) && s.hour.has(t.Hour()) && s.minute.has(t.Minute())
}

func (s *Schedule) dayMatches(t time.Time) bool {
	dom := s.dayOfMonth.has(t.Day())
	dow := s.dayOfWeek.has(int(t.Weekday()))
	if !s.domAny && !s.dowAny {
		return dom || dow
	}
	return dom && dow
}
