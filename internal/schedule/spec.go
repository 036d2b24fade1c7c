package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind describes the normalized kind of a schedule string.
//
// We intentionally keep this small: either a cron expression (robfig/cron)
// or a fixed interval. Daily/weekly shorthands normalize to cron.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

// Spec is a parsed, immutable schedule. Next is pure: the same (spec, after)
// pair always yields the same fire time, and the result is strictly after
// the reference time.
//
// Supported forms:
//   - Cron (crontab.guru-style): "*/5 * * * *", "55 * * * *", "@hourly"
//   - Interval duration: "55m", "2h30m"
//   - Daily shorthand: "daily 04:30"
//   - Weekly shorthand: "weekly mon 04:30"
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type Spec struct {
	Kind   Kind
	Raw    string
	Every  time.Duration
	Source string // "cron" | "duration" | "daily" | "weekly"

	sched cron.Schedule
	loc   *time.Location
}

// SecondOptional keeps parity with operator expectations: both 5-field and
// 6-field (with seconds) cron specs are accepted.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

var weekdays = map[string]int{
	"sun": 0, "sunday": 0,
	"mon": 1, "monday": 1,
	"tue": 2, "tuesday": 2,
	"wed": 3, "wednesday": 3,
	"thu": 4, "thursday": 4,
	"fri": 5, "friday": 5,
	"sat": 6, "saturday": 6,
}

// Parse parses a schedule string for the given time zone. Malformed specs are
// load-time errors (the owning job stays inert).
func Parse(raw string, loc *time.Location) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}
	if loc == nil {
		loc = time.Local
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Spec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return parseCron(raw, expr, loc)
	case strings.HasPrefix(low, "interval:"):
		return parseIntervalSpec(raw, strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseIntervalSpec(raw, strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(low, "daily"):
		return parseDaily(raw, strings.TrimSpace(s[len("daily"):]), loc)
	case strings.HasPrefix(low, "weekly"):
		return parseWeekly(raw, strings.TrimSpace(s[len("weekly"):]), loc)
	}

	// Heuristics: any whitespace or leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(raw, s, loc)
	}

	// Bare Go duration means interval.
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Spec{}, fmt.Errorf("interval must be > 0")
		}
		return Spec{Kind: KindInterval, Raw: raw, Every: d, Source: "duration"}, nil
	}

	return Spec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', 'daily 04:30', 'weekly mon 04:30', or duration like '55m')",
		raw,
	)
}

func parseCron(raw, expr string, loc *time.Location) (Spec, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	// robfig parses bare specs into time.Local; pin the job's zone instead so
	// DST transitions follow the configured civil time.
	if ss, ok := sched.(*cron.SpecSchedule); ok && ss.Location == time.Local {
		ss.Location = loc
	}
	return Spec{Kind: KindCron, Raw: raw, Source: "cron", sched: sched, loc: loc}, nil
}

func parseIntervalSpec(raw, v string) (Spec, error) {
	if v == "" {
		return Spec{}, fmt.Errorf("interval duration required")
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("interval must be > 0")
	}
	return Spec{Kind: KindInterval, Raw: raw, Every: d, Source: "duration"}, nil
}

func parseDaily(raw, rest string, loc *time.Location) (Spec, error) {
	rest = strings.TrimPrefix(rest, ":")
	rest = strings.TrimSpace(rest)
	if rest == "" {
		rest = "00:00"
	}
	h, m, err := parseHHMM(rest)
	if err != nil {
		return Spec{}, err
	}
	sp, err := parseCron(raw, fmt.Sprintf("%d %d * * *", m, h), loc)
	if err != nil {
		return Spec{}, err
	}
	sp.Source = "daily"
	return sp, nil
}

func parseWeekly(raw, rest string, loc *time.Location) (Spec, error) {
	rest = strings.TrimPrefix(rest, ":")
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return Spec{}, fmt.Errorf("weekly schedule requires a weekday, e.g. 'weekly mon 04:30'")
	}
	dow, ok := weekdays[strings.ToLower(fields[0])]
	if !ok {
		return Spec{}, fmt.Errorf("invalid weekday %q", fields[0])
	}
	at := "00:00"
	if len(fields) > 1 {
		at = fields[1]
	}
	h, m, err := parseHHMM(at)
	if err != nil {
		return Spec{}, err
	}
	sp, err := parseCron(raw, fmt.Sprintf("%d %d * * %d", m, h, dow), loc)
	if err != nil {
		return Spec{}, err
	}
	sp.Source = "weekly"
	return sp, nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	m := reHHMM.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	return hour, minute, nil
}

// Next returns the first fire time strictly after the reference time.
// ok is false when the schedule never fires again.
func (sp Spec) Next(after time.Time) (next time.Time, ok bool) {
	switch sp.Kind {
	case KindInterval:
		if sp.Every <= 0 {
			return time.Time{}, false
		}
		return after.Add(sp.Every), true
	case KindCron:
		if sp.sched == nil {
			return time.Time{}, false
		}
		n := sp.sched.Next(after)
		if n.IsZero() {
			// robfig signals "never again" (e.g. Feb 30) with the zero time.
			return time.Time{}, false
		}
		return n, true
	default:
		return time.Time{}, false
	}
}
