package cronx

import (
	"errors"
	"testing"
	"time"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", value, time.Local)
	if err != nil {
		t.Fatalf("parse time %q: %v", value, err)
	}
	return ts
}

func TestNextBasicExpressions(t *testing.T) {
	cases := []struct {
		expr  string
		after string
		want  string
	}{
		{"* * * * *", "2024-06-15 10:30:15", "2024-06-15 10:31:00"},
		{"0 * * * *", "2024-06-15 10:30:00", "2024-06-15 11:00:00"},
		{"*/15 * * * *", "2024-06-15 10:31:00", "2024-06-15 10:45:00"},
		{"30 4 * * *", "2024-06-15 10:00:00", "2024-06-16 04:30:00"},
		{"0 0 1 * *", "2024-06-15 10:00:00", "2024-07-01 00:00:00"},
		{"0 12 * * 0", "2024-06-14 00:00:00", "2024-06-16 12:00:00"}, // 2024-06-16 is a Sunday
		{"0 12 * * 7", "2024-06-14 00:00:00", "2024-06-16 12:00:00"}, // 7 is Sunday too
		{"0 9-17 * * *", "2024-06-15 17:30:00", "2024-06-16 09:00:00"},
		{"0 0 29 2 *", "2023-03-01 00:00:00", "2024-02-29 00:00:00"},
	}

	for _, tc := range cases {
		got, err := Next(tc.expr, mustTime(t, tc.after))
		if err != nil {
			t.Fatalf("Next(%q): %v", tc.expr, err)
		}
		if want := mustTime(t, tc.want); !got.Equal(want) {
			t.Fatalf("Next(%q, %s) = %s, want %s", tc.expr, tc.after, got, want)
		}
	}
}

func TestShorthands(t *testing.T) {
	cases := map[string]string{
		"@yearly":   "0 0 1 1 *",
		"@annually": "0 0 1 1 *",
		"@monthly":  "0 0 1 * *",
		"@weekly":   "0 0 * * 0",
		"@daily":    "0 0 * * *",
		"@midnight": "0 0 * * *",
		"@hourly":   "0 * * * *",
	}
	for shorthand, want := range cases {
		got, err := Normalize(shorthand)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", shorthand, err)
		}
		if got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", shorthand, got, want)
		}
	}
}

func TestHourlyFiresOnMinuteZeroOnly(t *testing.T) {
	after := mustTime(t, "2024-06-15 10:59:59")
	got, err := Next("@hourly", after)
	if err != nil {
		t.Fatal(err)
	}
	if want := mustTime(t, "2024-06-15 11:00:00"); !got.Equal(want) {
		t.Fatalf("@hourly after %s = %s, want %s", after, got, want)
	}
	if got.Minute() != 0 {
		t.Fatalf("@hourly fired at minute %d", got.Minute())
	}
}

func TestInvalidExpressions(t *testing.T) {
	cases := []struct {
		expr      string
		wantField string
	}{
		{"", ""},
		{"* * * *", ""},
		{"* * * * * *", ""},
		{"@fortnightly", ""},
		{"60 * * * *", "minute"},
		{"* 24 * * *", "hour"},
		{"* * 0 * *", "day-of-month"},
		{"* * 32 * *", "day-of-month"},
		{"* * * 13 *", "month"},
		{"* * * * 8", "day-of-week"},
		{"* * * JAN *", "month"},
		{"* * * * MON", "day-of-week"},
		{"*/0 * * * *", "minute"},
		{"5-1 * * * *", "minute"},
		{"a * * * *", "minute"},
	}

	for _, tc := range cases {
		err := Validate(tc.expr)
		if err == nil {
			t.Fatalf("Validate(%q): expected error", tc.expr)
		}
		var perr *ParseError
		if !errors.As(err, &perr) {
			t.Fatalf("Validate(%q): expected ParseError, got %T", tc.expr, err)
		}
		if perr.Field != tc.wantField {
			t.Fatalf("Validate(%q): field %q, want %q", tc.expr, perr.Field, tc.wantField)
		}
		if perr.Example == "" {
			t.Fatalf("Validate(%q): error carries no example", tc.expr)
		}
	}
}

func TestNextIsStrictlyAfterAndMonotonic(t *testing.T) {
	expr := "*/10 * * * *"
	base := mustTime(t, "2024-06-15 00:00:00")

	prev := time.Time{}
	for i := 0; i < 200; i++ {
		after := base.Add(time.Duration(i) * 37 * time.Second)
		got, err := Next(expr, after)
		if err != nil {
			t.Fatal(err)
		}
		if !got.After(after) {
			t.Fatalf("Next(%s) = %s not strictly after", after, got)
		}
		if got.Before(prev) {
			t.Fatalf("Next not monotonic: %s then %s", prev, got)
		}
		prev = got
	}
}

func TestCommaListsAndSteps(t *testing.T) {
	got, err := Next("0,30 6,18 * * *", mustTime(t, "2024-06-15 06:31:00"))
	if err != nil {
		t.Fatal(err)
	}
	if want := mustTime(t, "2024-06-15 18:00:00"); !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}

	got, err = Next("10-50/20 * * * *", mustTime(t, "2024-06-15 06:31:00"))
	if err != nil {
		t.Fatal(err)
	}
	if want := mustTime(t, "2024-06-15 06:50:00"); !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}
}
