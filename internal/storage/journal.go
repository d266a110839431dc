package storage

import (
	"context"
	"errors"
	"time"

	"housekeeper/internal/eventbus"
	"housekeeper/pkg/logx"
)

// Journal records every finished run published on the bus.
type Journal struct {
	store  Store
	bus    eventbus.Bus
	log    logx.Logger
	buffer int
}

func NewJournal(store Store, bus eventbus.Bus, log logx.Logger) *Journal {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Journal{store: store, bus: bus, log: log, buffer: 256}
}

// Run consumes task.finished and task.failed events until ctx is done. It is
// meant to be hosted by supervisor.GoRestart.
func (j *Journal) Run(ctx context.Context) error {
	events, unsub := j.bus.Subscribe(j.buffer)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return errors.New("event subscription closed")
			}
			r, ok := RecordFromEvent(e)
			if !ok {
				continue
			}
			actx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := j.store.AppendRun(actx, r)
			cancel()
			if err != nil {
				j.log.Warn("run journal append failed", logx.String("task", r.Task), logx.Err(err))
			}
		}
	}
}

// RecordFromEvent converts a finished or failed task event.
func RecordFromEvent(e eventbus.Event) (RunRecord, bool) {
	var status string
	switch e.Type {
	case eventbus.TaskFinished:
		status = StatusSucceeded
	case eventbus.TaskFailed:
		status = StatusFailed
	default:
		return RunRecord{}, false
	}
	te, ok := e.Data.(eventbus.TaskEvent)
	if !ok {
		return RunRecord{}, false
	}
	return RunRecord{
		RunID:       te.RunID,
		Task:        te.Task,
		Env:         te.Env,
		ScheduledAt: te.ScheduledAt,
		StartedAt:   te.StartedAt,
		FinishedAt:  te.FinishedAt,
		TookMS:      te.Duration.Milliseconds(),
		Status:      status,
		Error:       te.Error,
		Panic:       te.Panic,
	}, true
}
