package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses duration strings with the suffixes s, m, h and d.
// A day component must come first and be a whole number ("2d", "1d12h").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if i := strings.IndexByte(s, 'd'); i >= 0 {
		days, err := strconv.Atoi(s[:i])
		if err != nil || days < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		total := time.Duration(days) * 24 * time.Hour
		if tail := s[i+1:]; tail != "" {
			rest, err := time.ParseDuration(tail)
			if err != nil || rest < 0 {
				return 0, fmt.Errorf("invalid duration %q", s)
			}
			total += rest
		}
		return total, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}
