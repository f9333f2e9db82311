package watchdog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs a cycle at the top of every hour.
const DefaultSchedule = "0 * * * *"

var (
	reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

	parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// Cadence decides when the next cycle starts.
//
// Accepted forms:
//   - cron: "0 * * * *", "*/30 * * * *", "@hourly", "@every 55m"
//   - interval: "55m", "2h30m", or HH:MM such as "01:30"
//
// "cron:" and "every:" prefixes force a form. Interval boundaries are aligned
// to multiples of the interval, so "1h" fires on the UTC hour.
type Cadence struct {
	spec  string
	sched cron.Schedule
	every time.Duration
	loc   *time.Location
}

// ParseCadence parses spec in loc. An empty spec means DefaultSchedule and a
// nil loc means time.Local.
func ParseCadence(spec string, loc *time.Location) (Cadence, error) {
	if loc == nil {
		loc = time.Local
	}
	s := strings.TrimSpace(spec)
	if s == "" {
		s = DefaultSchedule
	}
	c := Cadence{spec: s, loc: loc}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return c.withCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return c.withInterval(strings.TrimSpace(s[len("every:"):]))
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return c.withCron(s)
	default:
		return c.withInterval(s)
	}
}

func (c Cadence) withCron(expr string) (Cadence, error) {
	if expr == "" {
		return Cadence{}, fmt.Errorf("cron expression required")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return Cadence{}, fmt.Errorf("invalid schedule %q: %w", c.spec, err)
	}
	c.sched = sched
	return c, nil
}

func (c Cadence) withInterval(v string) (Cadence, error) {
	d, err := parseInterval(v)
	if err != nil {
		return Cadence{}, fmt.Errorf("invalid schedule %q (use cron like '0 * * * *', HH:MM like '01:30', or duration like '55m'): %w", c.spec, err)
	}
	c.every = d
	return c, nil
}

func parseInterval(v string) (time.Duration, error) {
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("minutes out of range")
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < time.Second {
		return 0, fmt.Errorf("interval must be at least 1s")
	}
	return d, nil
}

func (c Cadence) String() string { return c.spec }

// Next returns the first boundary strictly after now.
func (c Cadence) Next(now time.Time) time.Time {
	now = now.In(c.loc)
	if c.sched != nil {
		return c.sched.Next(now)
	}
	next := now.Truncate(c.every).Add(c.every)
	if !next.After(now) {
		next = next.Add(c.every)
	}
	return next
}
