package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts 5-field and 6-field (leading seconds) specs plus
// descriptors such as "@hourly" and "@every 5m".
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a normalized schedule. Source records which form the input
// used: "cron", "duration", "hhmm" or "daily".
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string
}

var errNonPositive = errors.New("interval must be > 0")

// ParseSchedule normalizes a schedule string. Accepted forms:
//
//	*/5 * * * *   0 */2 * * * *   @hourly   @every 55m   (cron)
//	55m   2h30m                                          (interval)
//	00:50                                                (interval of HH:MM)
//	daily:07:30                                          (once a day)
//
// The prefixes "cron:", "interval:" and "every:" force a reading.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}

	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		switch strings.ToLower(prefix) {
		case "cron":
			expr := strings.TrimSpace(rest)
			if expr == "" {
				return ParsedSpec{}, errors.New("cron expression required after 'cron:'")
			}
			return cronSpec(expr, "cron"), nil
		case "interval", "every":
			return intervalSpec(rest)
		case "daily":
			h, m, err := parseHHMM(rest)
			if err != nil {
				return ParsedSpec{}, err
			}
			return cronSpec(fmt.Sprintf("%d %d * * *", m, h), "daily"), nil
		}
	}

	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return cronSpec(s, "cron"), nil
	}
	if p, err := intervalSpec(s); err == nil || errors.Is(err, errNonPositive) {
		return p, err
	}
	return ParsedSpec{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')", raw)
}

// ValidateSchedule is ParseSchedule plus a check of cron expressions with
// the parser the scheduler runs them through.
func ValidateSchedule(raw string) error {
	p, err := ParseSchedule(raw)
	if err != nil || p.Kind != SpecCron {
		return err
	}
	if _, err := cronParser.Parse(p.Cron); err != nil {
		return fmt.Errorf("invalid cron %q: %w", p.Cron, err)
	}
	return nil
}

func cronSpec(expr, source string) ParsedSpec {
	return ParsedSpec{Kind: SpecCron, Cron: expr, Source: source}
}

// intervalSpec reads a Go duration or an HH:MM span. Hours in a span are
// not capped at 23.
func intervalSpec(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, errors.New("interval required")
	}
	p := ParsedSpec{Kind: SpecInterval, Source: "duration"}
	if h, m, ok := splitClock(v); ok {
		if m > 59 {
			return ParsedSpec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		p.Every, p.Source = time.Duration(h)*time.Hour+time.Duration(m)*time.Minute, "hhmm"
	} else {
		d, err := time.ParseDuration(v)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m')", v)
		}
		p.Every = d
	}
	if p.Every <= 0 {
		return ParsedSpec{}, errNonPositive
	}
	return p, nil
}

// parseHHMM reads a wall-clock time of day.
func parseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	h, m, ok := splitClock(s)
	switch {
	case !ok:
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	case h > 23:
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	case m > 59:
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// splitClock splits "H:MM" (up to three hour digits, exactly two minute
// digits) without range checks.
func splitClock(s string) (h, m int, ok bool) {
	hs, ms, found := strings.Cut(s, ":")
	if !found || len(hs) == 0 || len(hs) > 3 || len(ms) != 2 {
		return 0, 0, false
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || hs[0] == '+' || hs[0] == '-' {
		return 0, 0, false
	}
	m, err = strconv.Atoi(ms)
	if err != nil || m < 0 || ms[0] == '+' || ms[0] == '-' {
		return 0, 0, false
	}
	return h, m, true
}
