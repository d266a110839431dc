package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// intervalSchedule fires every `every`, aligned to multiples of `every` on the
// wall clock of loc: "every 5 min" fires at :00, :05, :10...
//
// Consecutive fires are always exactly `every` apart while the zone offset is
// unchanged.
type intervalSchedule struct {
	text  string
	every time.Duration
	loc   *time.Location
}

func newInterval(text string, every time.Duration, loc *time.Location) (*intervalSchedule, error) {
	if every < time.Second {
		return nil, fmt.Errorf("interval must be at least 1s, got %s", every)
	}
	if every%time.Second != 0 {
		return nil, fmt.Errorf("interval must be a whole number of seconds, got %s", every)
	}
	if loc == nil {
		loc = time.Local
	}
	return &intervalSchedule{text: text, every: every, loc: loc}, nil
}

func (s *intervalSchedule) Next(t time.Time) time.Time {
	tl := t.In(s.loc)
	_, off := tl.Zone()
	shift := time.Duration(off) * time.Second
	// Truncate works on absolute time; shifting by the zone offset aligns to local wall clock.
	return tl.Add(shift).Truncate(s.every).Add(s.every).Add(-shift).In(s.loc)
}

func (s *intervalSchedule) Kind() Kind     { return KindInterval }
func (s *intervalSchedule) String() string { return s.text }

// Every returns the constant spacing between fires.
func (s *intervalSchedule) Every() time.Duration { return s.every }

// Interval reports the constant spacing of an interval schedule.
func Interval(s Schedule) (time.Duration, bool) {
	is, ok := s.(*intervalSchedule)
	if !ok {
		return 0, false
	}
	return is.every, true
}

var reEveryText = regexp.MustCompile(`^every\s+(?:(\d+)\s*)?([a-z]+)$`)

// parseIntervalText recognizes "every N <unit>" and "every <unit>".
// ok is false when the text is not interval-shaped at all (so the caller can
// try the recurrence grammar, e.g. "every saturday").
func parseIntervalText(low string) (d time.Duration, ok bool, err error) {
	m := reEveryText.FindStringSubmatch(strings.TrimSpace(low))
	if m == nil {
		return 0, false, nil
	}
	unit, known := intervalUnits[m[2]]
	if !known {
		return 0, false, nil
	}
	n := 1
	if m[1] != "" {
		n, err = strconv.Atoi(m[1])
		if err != nil {
			return 0, true, fmt.Errorf("invalid count %q", m[1])
		}
		if n <= 0 {
			return 0, true, fmt.Errorf("interval must be > 0")
		}
	}
	return time.Duration(n) * unit, true, nil
}

var intervalUnits = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// parseDuration accepts a Go duration ("55m", "2h30m") or HH:MM ("02:30" = 2h30m).
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
