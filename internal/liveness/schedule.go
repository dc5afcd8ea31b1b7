package liveness

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// cronSpec turns a schedule string into something robfig/cron parses.
//
// Accepted forms:
//   - cron: "0 */6 * * *", "@hourly", "@every 6h"
//   - duration: "6h", "90m"
//   - HH:MM interval: "06:00" (every six hours)
func cronSpec(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("schedule required")
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return s, nil
	}
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return "", fmt.Errorf("invalid minutes in %q", raw)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return "", fmt.Errorf("interval must be > 0")
		}
		return "@every " + d.String(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return "", fmt.Errorf("invalid schedule %q (use cron like '0 */6 * * *', HH:MM like '06:00', or duration like '6h')", raw)
	}
	if d < time.Second {
		return "", fmt.Errorf("interval must be at least 1s")
	}
	return "@every " + d.String(), nil
}
