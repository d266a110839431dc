package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"housekeeper/internal/eventbus"
	"housekeeper/pkg/logx"
)

// launch starts the run goroutine. It reports false once Stop has begun.
func (s *Service) launch(t Task, st *RunState, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil || s.stopping {
		return false
	}
	s.sup.Go("run."+t.Name, func(ctx context.Context) error {
		for {
			s.exec(ctx, t, at)
			next, again := st.done(!s.isStopping() && ctx.Err() == nil)
			if !again {
				return nil
			}
			at = next
		}
	})
	return true
}

// exec runs one job body and records the outcome. It never panics and never
// returns the job's error.
func (s *Service) exec(ctx context.Context, t Task, at time.Time) {
	runID := s.runSeq.Add(1)
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	start := time.Now()
	log := s.log.With(logx.String("task", t.Name), logx.Uint64("run_id", runID))
	s.note(t.Name, func(ts *TaskStats) {
		ts.Runs++
		ts.LastStart = start
	})
	s.publish(eventbus.TaskStarted, eventbus.TaskEvent{Task: t.Name, Env: s.cfg.Env, RunID: runID, ScheduledAt: at, StartedAt: start})
	log.Debug("task started", logx.Time("scheduled_at", at), logx.Duration("lag", start.Sub(at)))

	rctx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	err, pan, stack := call(rctx, t.Run)
	if err == nil && pan == nil && t.Timeout > 0 && errors.Is(rctx.Err(), context.DeadlineExceeded) {
		// The body ignored its context; the run still counts as timed out.
		err = rctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) && t.Timeout > 0 {
		err = fmt.Errorf("timed out after %s: %w", t.Timeout, err)
	}

	end := time.Now()
	dur := end.Sub(start)
	item := HistoryItem{RunID: runID, Task: t.Name, ScheduledAt: at, Started: start, Duration: dur}
	ev := eventbus.TaskEvent{Task: t.Name, Env: s.cfg.Env, RunID: runID, ScheduledAt: at, StartedAt: start, FinishedAt: end, Duration: dur}

	if err == nil && pan == nil {
		s.note(t.Name, func(ts *TaskStats) {
			ts.Succeeded++
			ts.LastFinish = end
			ts.LastDuration = dur
		})
		s.addHistory(item)
		s.publish(eventbus.TaskFinished, ev)
		log.Info("task finished", logx.Duration("duration", dur))
		return
	}

	jerr := &JobExecutionError{Task: t.Name, RunID: runID, ScheduledAt: at, Err: err, Panic: pan, Stack: stack}
	if pan != nil {
		jerr.Err = fmt.Errorf("panic: %v", pan)
	}
	item.Error = jerr.Error()
	ev.Error = jerr.Error()
	ev.Panic = pan != nil
	s.note(t.Name, func(ts *TaskStats) {
		ts.Failed++
		ts.LastFinish = end
		ts.LastDuration = dur
		ts.LastError = jerr.Error()
		ts.LastErrorAt = end
	})
	s.addHistory(item)
	s.publish(eventbus.TaskFailed, ev)

	fields := []logx.Field{logx.Duration("duration", dur), logx.Err(jerr)}
	if pan != nil {
		fields = append(fields, logx.Any("panic", pan), logx.Stack(stack))
	}
	log.Error("task failed", fields...)
}

func call(ctx context.Context, fn func(ctx context.Context) error) (err error, pan any, stack string) {
	defer func() {
		if r := recover(); r != nil {
			pan = r
			stack = string(debug.Stack())
		}
	}()
	err = fn(ctx)
	return
}

func (s *Service) addHistory(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}
