package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"housekeeper/internal/environment"
	"housekeeper/internal/task/engine"
)

func noop(context.Context) error { return nil }

func TestRegister(t *testing.T) {
	t.Parallel()
	r := New()
	def := TaskDefinition{
		Name:      "volume_snapshot",
		Schedules: map[environment.Name]string{environment.Production: "at 12:15am"},
		Job:       noop,
	}
	if err := r.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(def); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("duplicate Register error = %v", err)
	}
	tests := []TaskDefinition{
		{Name: " ", Job: noop},
		{Name: "no_job"},
		{Name: "bad_env", Job: noop, Schedules: map[environment.Name]string{"moon": "@daily"}},
		{Name: "test_expr", Job: noop, Schedules: map[environment.Name]string{environment.Test: "*/10 * * * *"}},
	}
	for _, d := range tests {
		if err := r.Register(d); !errors.Is(err, ErrInvalidDefinition) {
			t.Fatalf("Register(%q) error = %v, want ErrInvalidDefinition", d.Name, err)
		}
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRegisterCopies(t *testing.T) {
	t.Parallel()
	r := New()
	sched := map[environment.Name]string{environment.Development: "every 1 min"}
	if err := r.Register(TaskDefinition{Name: "host_metrics", Schedules: sched, Job: noop}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sched[environment.Development] = "@daily"

	def, ok := r.Lookup("host_metrics")
	if !ok {
		t.Fatal("Lookup failed")
	}
	if got := def.Schedules[environment.Development]; got != "every 1 min" {
		t.Fatalf("registered schedule mutated through caller map: %q", got)
	}
	def.Schedules[environment.Development] = "@hourly"
	tbl := r.Table()
	tbl["host_metrics"].Schedules[environment.Development] = "@weekly"
	if got, _ := r.Resolve(r.Definitions()[0], environment.Development); got != "every 1 min" {
		t.Fatalf("registry mutated through a copy: %q", got)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	r := New()
	def := TaskDefinition{
		Name:      "repo_gc",
		Schedules: map[environment.Name]string{environment.Production: "Saturday on week 2 OR week 4", environment.QA: "  "},
		Job:       noop,
	}
	if expr, ok := r.Resolve(def, environment.Production); !ok || expr != "Saturday on week 2 OR week 4" {
		t.Fatalf("Resolve(production) = %q, %v", expr, ok)
	}
	for _, env := range []environment.Name{environment.Staging, environment.QA, environment.Test} {
		if _, ok := r.Resolve(def, env); ok {
			t.Fatalf("Resolve(%s) should report inactive", env)
		}
	}
	def.Schedules[environment.Test] = "*/10 * * * *"
	if _, ok := r.Resolve(def, environment.Test); ok {
		t.Fatal("a test entry must never resolve to a schedule")
	}
}

func TestFromTable(t *testing.T) {
	t.Parallel()
	table := Table{
		"repo_gc":         {Schedules: map[environment.Name]string{environment.Development: "*/10 * * * *"}, ExpectedInterval: 10 * time.Minute},
		"volume_snapshot": {Schedules: map[environment.Name]string{environment.Development: "*/10 * * * *"}},
	}
	jobs := map[string]Job{"repo_gc": noop, "volume_snapshot": noop, "unused": noop}
	tuning := map[string]Tuning{"repo_gc": {Options: engine.TaskOptions{Overlap: engine.OverlapQueueIfRunning}, Timeout: time.Hour}}

	r, err := FromTable(table, jobs, tuning)
	if err != nil {
		t.Fatalf("FromTable: %v", err)
	}
	defs := r.Definitions()
	if len(defs) != 2 || defs[0].Name != "repo_gc" || defs[1].Name != "volume_snapshot" {
		t.Fatalf("definitions = %+v", defs)
	}
	if defs[0].Options.Overlap != engine.OverlapQueueIfRunning || defs[0].Timeout != time.Hour || defs[0].ExpectedInterval != 10*time.Minute {
		t.Fatalf("tuning not applied: %+v", defs[0])
	}

	delete(jobs, "volume_snapshot")
	if _, err := FromTable(table, jobs, nil); !errors.Is(err, ErrCorruptTable) {
		t.Fatalf("missing job error = %v, want ErrCorruptTable", err)
	}
}

func TestTableValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		table Table
	}{
		{"empty", Table{}},
		{"unknown env", Table{"a": {Schedules: map[environment.Name]string{"uat": "@daily"}}}},
		{"test expression", Table{"a": {Schedules: map[environment.Name]string{environment.Test: "@daily"}}}},
		{"blank expression", Table{"a": {Schedules: map[environment.Name]string{environment.Production: " "}}}},
		{"negative interval", Table{"a": {ExpectedInterval: -time.Second}}},
	}
	for _, tt := range tests {
		if err := tt.table.Validate(); !errors.Is(err, ErrCorruptTable) {
			t.Fatalf("%s: Validate error = %v, want ErrCorruptTable", tt.name, err)
		}
	}
}
