package poller

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule decides when the next poll cycle starts.
//
// Accepted forms:
//   - Go duration: "60s", "5m"
//   - HH:MM interval: "00:05" (five minutes), "01:30"
//   - cron expression: "*/2 * * * *", "@hourly", "@every 90s"
//
// A "cron:" or "every:" prefix forces the interpretation.
type Schedule struct {
	cron.Schedule
	// Source is "duration", "hhmm" or "cron".
	Source string
	Raw    string
}

var (
	reHHMM     = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)
	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// DefaultSchedule is a fixed 60s delay.
func DefaultSchedule() Schedule {
	return Schedule{Schedule: cron.Every(time.Minute), Source: "duration", Raw: "60s"}
}

// ParseSchedule parses raw. Empty input yields DefaultSchedule.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return DefaultSchedule(), nil
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(raw, strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseEvery(raw, strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return parseCron(raw, s)
	}
	return parseEvery(raw, s)
}

func parseCron(raw, expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("poll schedule %q: cron expression required", raw)
	}
	sch, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("poll schedule %q: %w", raw, err)
	}
	return Schedule{Schedule: sch, Source: "cron", Raw: raw}, nil
}

func parseEvery(raw, v string) (Schedule, error) {
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Schedule{}, fmt.Errorf("poll schedule %q: minutes must be 00..59", raw)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return Schedule{}, fmt.Errorf("poll schedule %q: interval must be > 0", raw)
		}
		return Schedule{Schedule: cron.Every(d), Source: "hhmm", Raw: raw}, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid poll schedule %q (use a duration like '60s', HH:MM like '00:05', or cron like '*/2 * * * *')", raw)
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("poll schedule %q: interval must be > 0", raw)
	}
	return Schedule{Schedule: cron.Every(d), Source: "duration", Raw: raw}, nil
}

// Delay returns how long to wait from now until the next fire time.
func (s Schedule) Delay(now time.Time) time.Duration {
	if s.Schedule == nil {
		return time.Minute
	}
	d := s.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
