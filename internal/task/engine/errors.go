package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled = errors.New("task engine disabled")
	ErrStopped  = errors.New("task engine stopped")
	ErrInvalid  = errors.New("invalid task")
)

// JobExecutionError describes one failed run: a returned error, a panic or
// a timeout. The runner logs it and never hands it back to the caller of Fire.
type JobExecutionError struct {
	Task        string
	RunID       uint64
	ScheduledAt time.Time
	Err         error
	Panic       any
	Stack       string
}

func (e *JobExecutionError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("task %s run %d: panic: %v", e.Task, e.RunID, e.Panic)
	}
	return fmt.Sprintf("task %s run %d: %v", e.Task, e.RunID, e.Err)
}

func (e *JobExecutionError) Unwrap() error { return e.Err }
