// Package registry holds the static set of task definitions and the
// per-environment schedule table they were built from.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"housekeeper/internal/environment"
	"housekeeper/internal/task/engine"
)

// Job is a task body. It must honor ctx cancellation.
type Job func(ctx context.Context) error

var (
	// ErrEnvironmentUnsupported marks a task without a schedule for the
	// current environment. It is a state, not a failure.
	ErrEnvironmentUnsupported = errors.New("no schedule for environment")

	ErrDuplicateTask     = errors.New("duplicate task")
	ErrInvalidDefinition = errors.New("invalid task definition")
	ErrCorruptTable      = errors.New("corrupt schedule table")
)

// TaskDefinition binds a job to its schedule expressions.
// ExpectedInterval is the interval the test pseudo-environment expects
// between fires; it is never used to schedule anything.
type TaskDefinition struct {
	Name             string
	Schedules        map[environment.Name]string
	ExpectedInterval time.Duration
	Job              Job
	Options          engine.TaskOptions
	Timeout          time.Duration
}

func (d TaskDefinition) clone() TaskDefinition {
	cp := d
	cp.Schedules = make(map[environment.Name]string, len(d.Schedules))
	for k, v := range d.Schedules {
		cp.Schedules[k] = v
	}
	return cp
}

// ScheduleFor returns the expression for env. ok is false when the task is
// inactive there.
func (d TaskDefinition) ScheduleFor(env environment.Name) (string, bool) {
	if env == environment.Test {
		return "", false
	}
	expr, ok := d.Schedules[env]
	if !ok || strings.TrimSpace(expr) == "" {
		return "", false
	}
	return expr, true
}

// Registry keeps definitions in registration order. The order carries no
// execution semantics.
type Registry struct {
	mu    sync.RWMutex
	defs  []TaskDefinition
	index map[string]int
}

func New() *Registry {
	return &Registry{index: map[string]int{}}
}

// Register stores a copy of def.
func (r *Registry) Register(def TaskDefinition) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if def.Job == nil {
		return fmt.Errorf("%w: task %s has no job", ErrInvalidDefinition, def.Name)
	}
	for env := range def.Schedules {
		if !env.Valid() {
			return fmt.Errorf("%w: task %s: unknown environment %q", ErrInvalidDefinition, def.Name, env)
		}
		if env == environment.Test {
			return fmt.Errorf("%w: task %s: the test environment takes an expected interval, not a schedule", ErrInvalidDefinition, def.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.index[def.Name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, def.Name)
	}
	r.index[def.Name] = len(r.defs)
	r.defs = append(r.defs, def.clone())
	return nil
}

// Resolve returns the expression def uses in env, or false when the task is
// not active in env.
func (r *Registry) Resolve(def TaskDefinition, env environment.Name) (string, bool) {
	return def.ScheduleFor(env)
}

func (r *Registry) Lookup(name string) (TaskDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[name]
	if !ok {
		return TaskDefinition{}, false
	}
	return r.defs[i].clone(), true
}

// Definitions returns copies in registration order.
func (r *Registry) Definitions() []TaskDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TaskDefinition, len(r.defs))
	for i, d := range r.defs {
		out[i] = d.clone()
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// Table returns a deep copy of the schedule table behind the registry.
func (r *Registry) Table() Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := make(Table, len(r.defs))
	for _, d := range r.defs {
		t[d.Name] = Entry{Schedules: d.clone().Schedules, ExpectedInterval: d.ExpectedInterval}
	}
	return t
}

// Entry is one row of the schedule table.
type Entry struct {
	Schedules        map[environment.Name]string
	ExpectedInterval time.Duration
}

// Table maps task names to their schedules.
type Table map[string]Entry

func (t Table) Clone() Table {
	out := make(Table, len(t))
	for name, e := range t {
		s := make(map[environment.Name]string, len(e.Schedules))
		for k, v := range e.Schedules {
			s[k] = v
		}
		out[name] = Entry{Schedules: s, ExpectedInterval: e.ExpectedInterval}
	}
	return out
}

// Names returns the task names in lexical order.
func (t Table) Names() []string {
	names := make([]string, 0, len(t))
	for n := range t {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks the table shape: at least one task, known environments,
// non-blank expressions and a non-negative expected interval.
// Expressions are not compiled here.
func (t Table) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("%w: no tasks", ErrCorruptTable)
	}
	for _, name := range t.Names() {
		e := t[name]
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: blank task name", ErrCorruptTable)
		}
		for env, expr := range e.Schedules {
			if !env.Valid() {
				return fmt.Errorf("%w: task %s: unknown environment %q", ErrCorruptTable, name, env)
			}
			if env == environment.Test {
				return fmt.Errorf("%w: task %s: the test entry is an interval, not an expression", ErrCorruptTable, name)
			}
			if strings.TrimSpace(expr) == "" {
				return fmt.Errorf("%w: task %s: blank expression for %s", ErrCorruptTable, name, env)
			}
		}
		if e.ExpectedInterval < 0 {
			return fmt.Errorf("%w: task %s: negative test interval", ErrCorruptTable, name)
		}
	}
	return nil
}

// Tuning carries per-task runner settings from configuration.
type Tuning struct {
	Options engine.TaskOptions
	Timeout time.Duration
}

// FromTable registers one definition per table row, in name order. Every row
// needs a job in jobs; jobs without a row are left out.
func FromTable(table Table, jobs map[string]Job, tuning map[string]Tuning) (*Registry, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	r := New()
	for _, name := range table.Names() {
		job, ok := jobs[name]
		if !ok || job == nil {
			return nil, fmt.Errorf("%w: task %s has no job", ErrCorruptTable, name)
		}
		e := table[name]
		tn := tuning[name]
		if err := r.Register(TaskDefinition{
			Name:             name,
			Schedules:        e.Schedules,
			ExpectedInterval: e.ExpectedInterval,
			Job:              job,
			Options:          tn.Options,
			Timeout:          tn.Timeout,
		}); err != nil {
			return nil, err
		}
	}
	return r, nil
}
