package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"housekeeper/internal/environment"
	"housekeeper/internal/task/registry"
)

// ScheduleEntry is one task row: an expression per environment plus the
// expected interval the test pseudo-environment carries, in milliseconds.
type ScheduleEntry struct {
	Expressions map[environment.Name]string
	TestMillis  int64
	HasTest     bool
}

// ScheduleTable is the "schedules" section:
//
//	schedules:
//	  repo_gc:
//	    production: "at 2:00 am on Saturday on the 2 week of the month"
//	    development: "*/10 * * * *"
//	    test: 600000
type ScheduleTable map[string]ScheduleEntry

func (e *ScheduleEntry) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := ScheduleEntry{Expressions: make(map[environment.Name]string, len(raw))}
	for k, v := range raw {
		env := environment.Name(strings.ToLower(strings.TrimSpace(k)))
		if !env.Valid() {
			return fmt.Errorf("unknown environment %q", k)
		}
		if env == environment.Test {
			ms, err := decodeMillis(v)
			if err != nil {
				return fmt.Errorf("test: %w", err)
			}
			out.TestMillis, out.HasTest = ms, true
			continue
		}
		var expr string
		if err := json.Unmarshal(v, &expr); err != nil {
			return fmt.Errorf("%s: expression must be a string", k)
		}
		out.Expressions[env] = expr
	}
	*e = out
	return nil
}

func decodeMillis(v json.RawMessage) (int64, error) {
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return 0, fmt.Errorf("interval must be an integer number of milliseconds")
	}
	ms, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("interval must be an integer number of milliseconds, got %s", n)
	}
	if ms < 0 {
		return 0, fmt.Errorf("interval must be >= 0")
	}
	return ms, nil
}

func (e ScheduleEntry) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Expressions)+1)
	for env, expr := range e.Expressions {
		m[string(env)] = expr
	}
	if e.HasTest {
		m[string(environment.Test)] = e.TestMillis
	}
	return json.Marshal(m)
}

// Registry converts the section to the registry table and validates its shape.
func (t ScheduleTable) Registry() (registry.Table, error) {
	out := make(registry.Table, len(t))
	for name, e := range t {
		s := make(map[environment.Name]string, len(e.Expressions))
		for env, expr := range e.Expressions {
			s[env] = expr
		}
		out[name] = registry.Entry{Schedules: s, ExpectedInterval: time.Duration(e.TestMillis) * time.Millisecond}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Names returns task names in lexical order.
func (t ScheduleTable) Names() []string {
	names := make([]string, 0, len(t))
	for n := range t {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// EffectiveSchedules returns the configured table, or the built-in one when
// the section is omitted.
func (c *Config) EffectiveSchedules() (registry.Table, error) {
	if c == nil || len(c.Schedules) == 0 {
		return DefaultSchedules(), nil
	}
	tbl, err := c.Schedules.Registry()
	if err != nil {
		return nil, fmt.Errorf("schedules: %w", err)
	}
	return tbl, nil
}
