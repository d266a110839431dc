package schedule

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// maxSearchDays bounds the day-by-day search of a recurrence. A rule that
// finds no match within this window never fires ("31st day on week 1").
const maxSearchDays = 366 * 8

// recurrence is a union ("also") of clauses.
type recurrence struct {
	text    string
	clauses []clause
}

// clause intersects its fields; values within a field are unioned.
// A zero mask means "any".
type clause struct {
	minutes     []int  // minutes of day, sorted, unique; empty = midnight
	weekdays    uint8  // bit time.Weekday
	weeks       uint8  // bit n = week n of month (1..6), Sunday-started calendar weeks
	days        uint32 // bit n = day n of month (1..31)
	occurrences uint8  // bit n = nth occurrence of the weekday in the month (1..5)
}

func (r *recurrence) Kind() Kind     { return KindRecurrence }
func (r *recurrence) String() string { return r.text }

func (r *recurrence) Next(t time.Time) time.Time {
	var best time.Time
	for i := range r.clauses {
		n := r.clauses[i].next(t)
		if n.IsZero() {
			continue
		}
		if best.IsZero() || n.Before(best) {
			best = n
		}
	}
	return best
}

func (c *clause) next(t time.Time) time.Time {
	loc := t.Location()
	day0 := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	minutes := c.minutes
	if len(minutes) == 0 {
		minutes = []int{0}
	}
	for i := 0; i < maxSearchDays; i++ {
		day := day0.AddDate(0, 0, i)
		if !c.matchDay(day) {
			continue
		}
		for _, m := range minutes {
			cand := time.Date(day.Year(), day.Month(), day.Day(), m/60, m%60, 0, 0, loc)
			if cand.After(t) {
				return cand
			}
		}
	}
	return time.Time{}
}

func (c *clause) matchDay(day time.Time) bool {
	if c.weekdays != 0 && c.weekdays&(1<<uint(day.Weekday())) == 0 {
		return false
	}
	dom := day.Day()
	if c.days != 0 && c.days&(1<<uint(dom)) == 0 {
		return false
	}
	if c.weeks != 0 && c.weeks&(1<<uint(weekOfMonth(day))) == 0 {
		return false
	}
	if c.occurrences != 0 && c.occurrences&(1<<uint((dom-1)/7+1)) == 0 {
		return false
	}
	return true
}

// weekOfMonth numbers Sunday-started calendar weeks; the week holding the 1st is week 1.
func weekOfMonth(day time.Time) int {
	first := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, day.Location())
	return (day.Day()+int(first.Weekday())-1)/7 + 1
}

type field int

const (
	fieldNone field = iota
	fieldTime
	fieldWeek
	fieldDay
	fieldOccurrence
	fieldWeekday
)

var (
	reClock   = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?(am|pm)?$`)
	reOrdinal = regexp.MustCompile(`^(\d{1,2})(st|nd|rd|th)$`)
	reSplit   = regexp.MustCompile(`\s+`)
)

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

var ordinalWords = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5, "sixth": 6,
}

// filler words carry no meaning of their own.
var fillers = map[string]bool{
	"on": true, "the": true, "of": true, "month": true, "in": true,
	"and": true, "or": true, ",": true, "every": true,
}

func lookupWeekday(tok string) (time.Weekday, bool) {
	if wd, ok := weekdayNames[tok]; ok {
		return wd, true
	}
	if strings.HasSuffix(tok, "s") {
		wd, ok := weekdayNames[strings.TrimSuffix(tok, "s")]
		return wd, ok
	}
	return 0, false
}

func tokenize(s string) []string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, ",", " , ")
	return reSplit.Split(strings.TrimSpace(s), -1)
}

func compileRecurrence(expr, text string, loc *time.Location) (Schedule, error) {
	toks := tokenize(text)
	var parts [][]string
	cur := []string{}
	for _, tok := range toks {
		if tok == "also" {
			parts = append(parts, cur)
			cur = []string{}
			continue
		}
		cur = append(cur, tok)
	}
	parts = append(parts, cur)

	r := &recurrence{text: strings.TrimSpace(text)}
	for _, p := range parts {
		c, err := parseClause(p)
		if err != nil {
			return nil, malformed(expr, "%v", err)
		}
		r.clauses = append(r.clauses, c)
	}
	return &zonedRecurrence{recurrence: r, loc: loc}, nil
}

// zonedRecurrence evaluates calendar fields in loc.
type zonedRecurrence struct {
	*recurrence
	loc *time.Location
}

func (z *zonedRecurrence) Next(t time.Time) time.Time { return z.recurrence.Next(t.In(z.loc)) }

func parseClause(toks []string) (clause, error) {
	var c clause
	if len(toks) == 0 {
		return c, fmt.Errorf("empty clause")
	}
	seen := false
	last := fieldNone
	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		switch {
		case tok == "at":
			last = fieldTime
			continue
		case tok == "noon":
			c.addMinute(12 * 60)
			last, seen = fieldTime, true
			continue
		case tok == "midnight":
			c.addMinute(0)
			last, seen = fieldTime, true
			continue
		case tok == "day" || tok == "days":
			// "every day" matches any day; otherwise "day 15" or the unit of "15th day".
			if i > 0 && toks[i-1] == "every" {
				seen = true
				continue
			}
			last = fieldDay
			continue
		case tok == "weekday" || tok == "weekdays":
			c.weekdays |= 1<<uint(time.Monday) | 1<<uint(time.Tuesday) | 1<<uint(time.Wednesday) | 1<<uint(time.Thursday) | 1<<uint(time.Friday)
			last, seen = fieldWeekday, true
			continue
		case tok == "weekend" || tok == "weekends":
			c.weekdays |= 1<<uint(time.Saturday) | 1<<uint(time.Sunday)
			last, seen = fieldWeekday, true
			continue
		case tok == "week" || tok == "weeks":
			// "week 2", or the unit after an ordinal ("the 2 week") which was already consumed.
			last = fieldWeek
			continue
		case fillers[tok]:
			continue
		}

		if wd, ok := lookupWeekday(tok); ok {
			c.weekdays |= 1 << uint(wd)
			last, seen = fieldWeekday, true
			continue
		}

		// Clock time with colon or am/pm is unambiguous.
		if m := reClock.FindStringSubmatch(tok); m != nil && (m[2] != "" || m[3] != "") {
			suffix := m[3]
			if suffix == "" && i+1 < len(toks) && (toks[i+1] == "am" || toks[i+1] == "pm") {
				suffix = toks[i+1]
				i++
			}
			mod, err := clockMinute(m[1], m[2], suffix)
			if err != nil {
				return c, err
			}
			c.addMinute(mod)
			last, seen = fieldTime, true
			continue
		}

		n, isNum := ordinalValue(tok)
		if !isNum {
			return c, fmt.Errorf("unexpected %q", tok)
		}
		// "every 2 <unit>" is an interval; any unit not handled there is unsupported.
		if i > 0 && toks[i-1] == "every" {
			return c, fmt.Errorf("unsupported interval %q", strings.Join(toks[i-1:], " "))
		}
		// A bare number: "2 am", "2 week", "2nd saturday", or a follow-up value of the previous field.
		f := unitAhead(toks, i)
		if f == fieldNone {
			f = last
		}
		switch f {
		case fieldTime:
			suffix := ""
			if i+1 < len(toks) && (toks[i+1] == "am" || toks[i+1] == "pm") {
				suffix = toks[i+1]
				i++
			}
			if _, err := strconv.Atoi(tok); err != nil {
				return c, fmt.Errorf("invalid time %q", tok)
			}
			mod, err := clockMinute(tok, "", suffix)
			if err != nil {
				return c, err
			}
			c.addMinute(mod)
		case fieldWeek:
			if n < 1 || n > 6 {
				return c, fmt.Errorf("week of month must be 1..6, got %d", n)
			}
			c.weeks |= 1 << uint(n)
		case fieldDay:
			if n < 1 || n > 31 {
				return c, fmt.Errorf("day of month must be 1..31, got %d", n)
			}
			c.days |= 1 << uint(n)
		case fieldOccurrence, fieldWeekday:
			if n < 1 || n > 5 {
				return c, fmt.Errorf("weekday occurrence must be 1..5, got %d", n)
			}
			c.occurrences |= 1 << uint(n)
			f = fieldOccurrence
		default:
			return c, fmt.Errorf("number %q without unit", tok)
		}
		last, seen = f, true
	}
	if !seen {
		return c, fmt.Errorf("no time or day constraint")
	}
	if c.occurrences != 0 && c.weekdays == 0 {
		return c, fmt.Errorf("weekday occurrence without a weekday")
	}
	sort.Ints(c.minutes)
	return c, nil
}

// unitAhead finds the unit a number refers to by skipping further numbers and
// separators: "the 2nd or 4th week" -> week.
func unitAhead(toks []string, i int) field {
	for j := i + 1; j < len(toks); j++ {
		t := toks[j]
		if t == "or" || t == "and" || t == "," {
			continue
		}
		if _, ok := ordinalValue(t); ok {
			continue
		}
		switch {
		case t == "am" || t == "pm":
			return fieldTime
		case t == "week" || t == "weeks":
			return fieldWeek
		case t == "day" || t == "days":
			return fieldDay
		}
		if _, ok := lookupWeekday(t); ok {
			return fieldOccurrence
		}
		return fieldNone
	}
	return fieldNone
}

func ordinalValue(tok string) (int, bool) {
	if n, ok := ordinalWords[tok]; ok {
		return n, true
	}
	if m := reOrdinal.FindStringSubmatch(tok); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n, true
	}
	if tok != "" && tok[0] >= '0' && tok[0] <= '9' {
		if n, err := strconv.Atoi(tok); err == nil {
			return n, true
		}
	}
	return 0, false
}

func clockMinute(hh, mm, suffix string) (int, error) {
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 {
		return 0, fmt.Errorf("invalid hour %q", hh)
	}
	m := 0
	if mm != "" {
		m, err = strconv.Atoi(mm)
		if err != nil || m > 59 {
			return 0, fmt.Errorf("invalid minute %q", mm)
		}
	}
	switch suffix {
	case "am", "pm":
		if h < 1 || h > 12 {
			return 0, fmt.Errorf("invalid 12-hour clock hour %d", h)
		}
		if h == 12 {
			h = 0
		}
		if suffix == "pm" {
			h += 12
		}
	default:
		if h > 23 {
			return 0, fmt.Errorf("invalid hour %d", h)
		}
	}
	return h*60 + m, nil
}

func (c *clause) addMinute(m int) {
	for _, v := range c.minutes {
		if v == m {
			return
		}
	}
	c.minutes = append(c.minutes, m)
}
