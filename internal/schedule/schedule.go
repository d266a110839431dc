package schedule

import (
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind is the compiled form of a schedule expression.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
	KindRecurrence
)

func (k Kind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindInterval:
		return "interval"
	case KindRecurrence:
		return "recurrence"
	default:
		return "unknown"
	}
}

// Schedule is a compiled recurrence rule.
//
// Next returns the earliest fire instant strictly after t, or the zero time
// when the rule can never fire again. Feeding each result back as the next
// reference yields a strictly increasing sequence.
//
// Schedule satisfies cron.Schedule from robfig/cron.
type Schedule interface {
	Next(t time.Time) time.Time
	Kind() Kind
	String() string
}

var _ cron.Schedule = Schedule(nil)

// Parser compiles expressions. Calendar fields (hour, weekday, day of month)
// are evaluated in the parser's location.
type Parser struct {
	loc  *time.Location
	cron cron.Parser
}

// NewParser returns a parser evaluating schedules in loc (time.Local if nil).
func NewParser(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.Local
	}
	return &Parser{
		loc: loc,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		cron: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Location returns the zone calendar fields are evaluated in.
func (p *Parser) Location() *time.Location { return p.loc }

var defaultParser = NewParser(nil)

// Compile compiles expr with a parser bound to time.Local.
func Compile(expr string) (Schedule, error) { return defaultParser.Compile(expr) }

// cron-looking: the first field only holds digits, wildcards, steps, lists or
// ranges. Natural text ("2am on Saturday", "2:00 am") never matches.
var reCronHead = regexp.MustCompile(`^[0-9*?][0-9*?/,\-]*$`)

// Compile classifies expr once and returns the matching Schedule kind.
//
// Optional prefixes force a kind:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing (Go duration or HH:MM)
func (p *Parser) Compile(expr string) (Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, malformed(expr, "schedule required")
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "cron:"):
		body := strings.TrimSpace(s[len("cron:"):])
		if body == "" {
			return nil, malformed(expr, "cron expression required after 'cron:'")
		}
		return p.compileCron(expr, body)
	case strings.HasPrefix(low, "interval:"):
		return p.compileDuration(expr, s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return p.compileDuration(expr, s[len("every:"):])
	case strings.HasPrefix(low, "@every"):
		return p.compileDuration(expr, s[len("@every"):])
	case strings.HasPrefix(low, "@"):
		return p.compileCron(expr, s)
	}

	if d, ok, err := parseIntervalText(low); ok {
		if err != nil {
			return nil, malformed(expr, "%v", err)
		}
		return newIntervalChecked(expr, s, d, p.loc)
	}

	// Bare Go duration ("55m", "2h30m").
	if d, err := time.ParseDuration(s); err == nil {
		return newIntervalChecked(expr, s, d, p.loc)
	}

	if fields := strings.Fields(s); reCronHead.MatchString(fields[0]) && len(fields) > 1 {
		return p.compileCron(expr, s)
	}

	return compileRecurrence(expr, s, p.loc)
}

func (p *Parser) compileCron(expr, body string) (Schedule, error) {
	sched, err := p.cron.Parse(body)
	if err != nil {
		return nil, malformed(expr, "%v", err)
	}
	return &cronSchedule{expr: body, sched: sched, loc: p.loc}, nil
}

func (p *Parser) compileDuration(expr, raw string) (Schedule, error) {
	v := strings.TrimSpace(raw)
	d, err := parseDuration(v)
	if err != nil {
		return nil, malformed(expr, "%v", err)
	}
	return newIntervalChecked(expr, strings.TrimSpace(expr), d, p.loc)
}

func newIntervalChecked(expr, text string, d time.Duration, loc *time.Location) (Schedule, error) {
	s, err := newInterval(text, d, loc)
	if err != nil {
		return nil, malformed(expr, "%v", err)
	}
	return s, nil
}

// NextN previews the next n fire times after from. It stops early if the
// schedule stops producing strictly increasing instants.
func NextN(s Schedule, from time.Time, n int) []time.Time {
	if s == nil || n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	ref := from
	for i := 0; i < n; i++ {
		next := s.Next(ref)
		if next.IsZero() || !next.After(ref) {
			break
		}
		out = append(out, next)
		ref = next
	}
	return out
}

// cronSchedule wraps a robfig schedule so fields are evaluated in loc.
type cronSchedule struct {
	expr  string
	sched cron.Schedule
	loc   *time.Location
}

func (c *cronSchedule) Next(t time.Time) time.Time { return c.sched.Next(t.In(c.loc)) }
func (c *cronSchedule) Kind() Kind                 { return KindCron }
func (c *cronSchedule) String() string             { return c.expr }
