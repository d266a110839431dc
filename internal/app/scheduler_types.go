package app

import (
	"strings"
	"time"

	"housekeeper/internal/environment"
	"housekeeper/internal/schedule"
	"housekeeper/internal/task/scheduler"
	"housekeeper/pkg/logx"
)

type (
	TaskInfo          = scheduler.TaskInfo
	SchedulerSnapshot = scheduler.Snapshot
)

// PlannedTask is one row of a dry-run plan.
type PlannedTask struct {
	Name     string
	Expr     string
	Kind     string
	Next     []time.Time
	Disabled bool // no schedule for the environment
	Err      error
}

// Plan compiles every schedule active in env without starting anything and
// lists the next n fires after from. A malformed expression is reported on
// its row; only an unusable table is an error.
func Plan(cfg *Config, env environment.Name, from time.Time, n int) ([]PlannedTask, error) {
	table, err := cfg.EffectiveSchedules()
	if err != nil {
		return nil, err
	}
	parser := schedule.NewParser(scheduler.LoadLocation(cfg.Scheduler.Timezone, logx.Nop()))

	out := make([]PlannedTask, 0, len(table))
	for _, name := range table.Names() {
		pt := PlannedTask{Name: name}
		expr := table[name].Schedules[env]
		if strings.TrimSpace(expr) == "" {
			pt.Disabled = true
			out = append(out, pt)
			continue
		}
		pt.Expr = expr
		sched, err := parser.Compile(expr)
		if err != nil {
			pt.Err = err
			out = append(out, pt)
			continue
		}
		pt.Kind = sched.Kind().String()
		pt.Next = schedule.NextN(sched, from, n)
		out = append(out, pt)
	}
	return out, nil
}
