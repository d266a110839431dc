package schedule

import (
	"errors"
	"fmt"
)

// ErrMalformedSchedule matches any *MalformedScheduleError via errors.Is.
var ErrMalformedSchedule = errors.New("malformed schedule")

// MalformedScheduleError is returned when an expression matches neither the
// cron grammar, the interval grammar nor the recurrence grammar.
type MalformedScheduleError struct {
	Expr   string
	Reason string
}

func (e *MalformedScheduleError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("malformed schedule %q", e.Expr)
	}
	return fmt.Sprintf("malformed schedule %q: %s", e.Expr, e.Reason)
}

func (e *MalformedScheduleError) Is(target error) bool { return target == ErrMalformedSchedule }

func malformed(expr string, format string, args ...any) error {
	return &MalformedScheduleError{Expr: expr, Reason: fmt.Sprintf(format, args...)}
}
