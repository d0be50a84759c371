package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind is the normalized kind of a schedule string.
type Kind int

const (
	KindInterval Kind = iota
	KindCron
)

// Schedule decides when the next cycle starts.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 */2 * * *", "@hourly", "@every 15m"
//   - Go duration: "15m", "1h30m"
//   - HH:MM interval: "00:15" (15 minutes), "02:30"
//
// "cron:" forces cron parsing; "interval:" and "every:" force an interval.
type Schedule struct {
	Kind   Kind
	Every  time.Duration
	Cron   string
	Source string // "cron" | "duration" | "hhmm"

	cron cron.Schedule
}

var (
	reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// Every is a fixed-interval schedule.
func Every(d time.Duration) Schedule {
	return Schedule{Kind: KindInterval, Every: d, Source: "duration"}
}

func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s)
	}
	sched, err := parseInterval(s)
	if err != nil {
		return Schedule{}, fmt.Errorf(
			"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '15m')", raw)
	}
	return sched, nil
}

func parseCron(expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression required")
	}
	c, err := parser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("cron %q: %w", expr, err)
	}
	return Schedule{Kind: KindCron, Cron: expr, Source: "cron", cron: c}, nil
}

func parseInterval(v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Schedule{}, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Schedule{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval must be > 0")
		}
		return Schedule{Kind: KindInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '15m')", v)
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("interval must be > 0")
	}
	return Schedule{Kind: KindInterval, Every: d, Source: "duration"}, nil
}

// Next returns the start of the cycle following one that ended at t.
func (s Schedule) Next(t time.Time) time.Time {
	if s.Kind == KindCron && s.cron != nil {
		return s.cron.Next(t)
	}
	return t.Add(s.Every)
}

// Nominal is the expected gap between cycles. For cron schedules it is the
// gap between the two fire times following t.
func (s Schedule) Nominal(t time.Time) time.Duration {
	if s.Kind == KindCron && s.cron != nil {
		first := s.cron.Next(t)
		return s.cron.Next(first).Sub(first)
	}
	return s.Every
}

func (s Schedule) String() string {
	if s.Kind == KindCron {
		return "cron:" + s.Cron
	}
	return "every:" + s.Every.String()
}
