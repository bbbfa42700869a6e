package announce

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Spec is a parsed schedule string: either a cron expression or a fixed
// interval.
type Spec struct {
	Cron  string
	Every time.Duration
}

func (s Spec) String() string {
	if s.Every > 0 {
		return "every " + s.Every.String()
	}
	return s.Cron
}

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// cronParser accepts 5-field specs, an optional leading seconds field and
// descriptors such as "@hourly" or "@every 5m".
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts:
//   - cron: "*/5 * * * *", "0 30 9 * * *", "@hourly", "@every 55m"
//   - interval: "every 10m", "every:10m", "10m", "02:30" (2h30m)
//
// A "cron:" prefix forces cron parsing.
func ParseSchedule(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	case strings.HasPrefix(low, "every "):
		return parseInterval(s[len("every "):])
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return parseCron(s)
	}
	if sp, err := parseInterval(s); err == nil {
		return sp, nil
	}
	return Spec{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', 'every 10m' or HH:MM like '02:30')", raw)
}

func parseCron(expr string) (Spec, error) {
	if expr == "" {
		return Spec{}, fmt.Errorf("cron expression required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return Spec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Spec{Cron: expr}, nil
}

func parseInterval(v string) (Spec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Spec{}, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		var hh, mm int
		fmt.Sscan(m[1], &hh)
		fmt.Sscan(m[2], &mm)
		if mm > 59 {
			return Spec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return Spec{}, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d < time.Second {
		return Spec{}, fmt.Errorf("interval %q must be at least 1s", v)
	}
	return Spec{Every: d}, nil
}

func (s Spec) schedule() (cron.Schedule, error) {
	if s.Every > 0 {
		return cron.Every(s.Every), nil
	}
	return cronParser.Parse(s.Cron)
}
