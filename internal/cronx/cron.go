// Package cronx parses the 5-field cron dialect used by agent schedules.
//
// The dialect is deliberately narrower than most cron implementations:
// numbers, `*`, commas, ranges and steps only. Month and weekday names are
// rejected. The @yearly/@monthly/@weekly/@daily/@hourly shorthands expand
// to their standard equivalents before parsing.
package cronx

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseError describes an invalid cron expression. Field is set when a
// single field is at fault, empty when the expression as a whole is
// malformed.
type ParseError struct {
	Field      string
	Expression string
	Example    string
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid cron expression %q: bad %s field (example: %q)", e.Expression, e.Field, e.Example)
	}
	return fmt.Sprintf("invalid cron expression %q (example: %q)", e.Expression, e.Example)
}

const exampleExpr = "*/5 8-18 * * 1-5"

var shorthands = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

type fieldSpec struct {
	name string
	min  int
	max  int
}

// 0 and 7 both mean Sunday in the day-of-week field.
var fieldSpecs = [5]fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

var specParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Normalize expands a shorthand and returns the canonical 5-field form.
func Normalize(expr string) (string, error) {
	trimmed := strings.TrimSpace(expr)
	if strings.HasPrefix(trimmed, "@") {
		expanded, ok := shorthands[strings.ToLower(trimmed)]
		if !ok {
			return "", &ParseError{Expression: expr, Example: "@daily"}
		}
		return expanded, nil
	}
	if len(strings.Fields(trimmed)) != 5 {
		return "", &ParseError{Expression: expr, Example: exampleExpr}
	}
	return trimmed, nil
}

// Validate checks an expression without computing anything from it.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// Parse returns the schedule for an expression in the strict dialect.
func Parse(expr string) (cron.Schedule, error) {
	normalized, err := Normalize(expr)
	if err != nil {
		return nil, err
	}

	fields := strings.Fields(normalized)
	for i, field := range fields {
		if err := validateField(field, fieldSpecs[i]); err != nil {
			return nil, &ParseError{Field: fieldSpecs[i].name, Expression: expr, Example: fieldExample(fieldSpecs[i])}
		}
	}

	// The underlying parser bounds day-of-week at 0-6; rewrite 7 (also
	// Sunday) into explicit values first.
	fields[4] = expandDow(fields[4])

	sched, err := specParser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, &ParseError{Expression: expr, Example: exampleExpr}
	}
	return sched, nil
}

// Next returns the first instant strictly after `after` matching the
// expression, in after's timezone. It is deterministic and monotonic in
// `after`.
func Next(expr string, after time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	// cron schedules have minute granularity; truncate so a mid-minute
	// `after` cannot skip the next minute boundary's own activation check.
	return sched.Next(after.Truncate(time.Second)), nil
}

// validateField accepts lists of `*`, `N`, `A-B`, each with an optional
// `/step`. Anything else, names included, is rejected.
func validateField(field string, spec fieldSpec) error {
	for _, part := range strings.Split(field, ",") {
		base := part
		if slash := strings.Index(part, "/"); slash >= 0 {
			base = part[:slash]
			step := part[slash+1:]
			n, err := strconv.Atoi(step)
			if err != nil || n <= 0 {
				return fmt.Errorf("bad step %q", step)
			}
		}

		switch {
		case base == "*":
			// any value
		case strings.Contains(base, "-"):
			bounds := strings.SplitN(base, "-", 2)
			lo, err := parseBound(bounds[0], spec)
			if err != nil {
				return err
			}
			hi, err := parseBound(bounds[1], spec)
			if err != nil {
				return err
			}
			if lo > hi {
				return fmt.Errorf("inverted range %q", base)
			}
		default:
			if _, err := parseBound(base, spec); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseBound(s string, spec fieldSpec) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if n < spec.min || n > spec.max {
		return 0, fmt.Errorf("%d out of range %d-%d", n, spec.min, spec.max)
	}
	return n, nil
}

// expandDow rewrites a validated day-of-week field into an explicit value
// list with 7 folded onto 0. Returns "*" when every weekday matches.
func expandDow(field string) string {
	if field == "*" {
		return field
	}

	matched := [7]bool{}
	for _, part := range strings.Split(field, ",") {
		base, step, stepped := part, 1, false
		if slash := strings.Index(part, "/"); slash >= 0 {
			base = part[:slash]
			step, _ = strconv.Atoi(part[slash+1:])
			stepped = true
		}

		lo, hi := 0, 7
		switch {
		case base == "*":
			// full range
		case strings.Contains(base, "-"):
			bounds := strings.SplitN(base, "-", 2)
			lo, _ = strconv.Atoi(bounds[0])
			hi, _ = strconv.Atoi(bounds[1])
		default:
			lo, _ = strconv.Atoi(base)
			hi = lo
			if stepped {
				// N/step means N through the field maximum.
				hi = 7
			}
		}

		for v := lo; v <= hi; v += step {
			matched[v%7] = true
		}
	}

	all := true
	values := make([]string, 0, 7)
	for v := 0; v < 7; v++ {
		if matched[v] {
			values = append(values, strconv.Itoa(v))
		} else {
			all = false
		}
	}
	if all {
		return "*"
	}
	return strings.Join(values, ",")
}

func fieldExample(spec fieldSpec) string {
	switch spec.name {
	case "minute":
		return "*/15"
	case "hour":
		return "9-17"
	case "day-of-month":
		return "1,15"
	case "month":
		return "1-6"
	default:
		return "1-5"
	}
}
