package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"housekeeper/internal/environment"
	"housekeeper/internal/eventbus"
	"housekeeper/internal/schedule"
	"housekeeper/internal/task/driver"
	"housekeeper/internal/task/engine"
	"housekeeper/internal/task/registry"
	"housekeeper/pkg/logx"
)

func noop(context.Context) error { return nil }

func newService(t *testing.T, bus eventbus.Bus) *Service {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Env: "test"}, logx.Nop(), bus)
	s := New(Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop(), bus)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func mustRegister(t *testing.T, r *registry.Registry, defs ...registry.TaskDefinition) {
	t.Helper()
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			t.Fatalf("Register(%s): %v", d.Name, err)
		}
	}
}

func TestNoEntryForEnvironmentStartsNothing(t *testing.T) {
	t.Parallel()
	r := registry.New()
	mustRegister(t, r, registry.TaskDefinition{
		Name:             "volume_snapshot",
		Schedules:        map[environment.Name]string{environment.Development: "*/10 * * * *"},
		ExpectedInterval: 10 * time.Minute,
		Job:              noop,
	})
	s := newService(t, nil)

	handles, err := s.InitializeAll(context.Background(), r, environment.Production)
	if err != nil {
		t.Fatalf("InitializeAll: %v", err)
	}
	if len(handles) != 0 {
		t.Fatalf("handles = %d, want 0", len(handles))
	}
	info, ok := s.Task("volume_snapshot")
	if !ok || info.State != Disabled.String() {
		t.Fatalf("task info = %+v", info)
	}
}

func TestMalformedExpressionIsIsolated(t *testing.T) {
	t.Parallel()
	r := registry.New()
	mustRegister(t, r,
		registry.TaskDefinition{Name: "broken", Schedules: map[environment.Name]string{environment.Staging: "at 27:99 on blursday"}, Job: noop},
		registry.TaskDefinition{Name: "hourly", Schedules: map[environment.Name]string{environment.Staging: "every 1 hour"}, Job: noop},
		registry.TaskDefinition{Name: "nightly", Schedules: map[environment.Name]string{environment.Staging: "at 12:15am"}, Job: noop},
	)
	bus := eventbus.New()
	states, unsub := bus.Subscribe(64)
	defer unsub()
	s := newService(t, bus)

	handles, err := s.InitializeAll(context.Background(), r, environment.Staging)
	if err != nil {
		t.Fatalf("InitializeAll: %v", err)
	}
	if len(handles) != 2 || handles[0].Name() != "hourly" || handles[1].Name() != "nightly" {
		t.Fatalf("handles = %v", names(handles))
	}

	snap := s.Snapshot()
	if len(snap.Tasks) != 3 {
		t.Fatalf("snapshot tasks = %d", len(snap.Tasks))
	}
	broken := snap.Tasks[0]
	if broken.State != Invalid.String() || broken.Error == "" {
		t.Fatalf("broken = %+v", broken)
	}
	for _, ti := range snap.Tasks[1:] {
		if ti.State != Running.String() || ti.Next.IsZero() {
			t.Fatalf("%s = %+v", ti.Name, ti)
		}
	}
	if snap.Tasks[1].Kind != schedule.KindInterval.String() || snap.Tasks[2].Kind != schedule.KindRecurrence.String() {
		t.Fatalf("kinds = %s, %s", snap.Tasks[1].Kind, snap.Tasks[2].Kind)
	}

	var sawInvalid bool
	for !sawInvalid {
		select {
		case e := <-states:
			if se, ok := e.Data.(eventbus.StateEvent); ok && se.Task == "broken" && se.State == "invalid" {
				sawInvalid = true
			}
		case <-time.After(time.Second):
			t.Fatal("no invalid state event for the broken task")
		}
	}
}

func TestStructuralErrors(t *testing.T) {
	t.Parallel()
	s := newService(t, nil)
	if _, err := s.InitializeAll(context.Background(), nil, environment.Production); !errors.Is(err, ErrNoRegistry) {
		t.Fatalf("nil registry error = %v", err)
	}
	if _, err := s.InitializeAll(context.Background(), registry.New(), "moon"); !errors.Is(err, ErrUnknownEnvironment) {
		t.Fatalf("unknown env error = %v", err)
	}
	if _, err := s.InitializeAll(context.Background(), registry.New(), environment.QA); err != nil {
		t.Fatalf("empty registry error = %v", err)
	}
	if _, err := s.InitializeAll(context.Background(), registry.New(), environment.QA); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second InitializeAll error = %v", err)
	}

	off := New(Config{}, nil, logx.Nop(), nil)
	if _, err := off.InitializeAll(context.Background(), registry.New(), environment.QA); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled error = %v", err)
	}
}

func TestExhaustedScheduleMarksTaskFailed(t *testing.T) {
	t.Parallel()
	r := registry.New()
	mustRegister(t, r, registry.TaskDefinition{
		Name:      "never",
		Schedules: map[environment.Name]string{environment.QA: "the 31st day on week 1"},
		Job:       noop,
	})
	s := newService(t, nil)
	handles, err := s.InitializeAll(context.Background(), r, environment.QA)
	if err != nil || len(handles) != 1 {
		t.Fatalf("InitializeAll = %d handles, %v", len(handles), err)
	}
	<-handles[0].Done()

	var npe *driver.NonProgressingScheduleError
	if !errors.As(handles[0].Err(), &npe) {
		t.Fatalf("handle Err = %v", handles[0].Err())
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		info, _ := s.Task("never")
		if info.State == Failed.String() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want failed", info.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFiresReachTheEngineAndStopHalts(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	r := registry.New()
	mustRegister(t, r, registry.TaskDefinition{
		Name:      "host_metrics",
		Schedules: map[environment.Name]string{environment.Development: "@every 1s"},
		Job: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	s := newService(t, nil)
	if _, err := s.InitializeAll(context.Background(), r, environment.Development); err != nil {
		t.Fatalf("InitializeAll: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	info, _ := s.Task("host_metrics")
	if info.State != Stopped.String() || info.Stats.Succeeded == 0 {
		t.Fatalf("after Stop: %+v", info)
	}
	after := runs.Load()
	time.Sleep(1100 * time.Millisecond)
	if runs.Load() != after {
		t.Fatalf("job ran after Stop: %d -> %d", after, runs.Load())
	}
}

func TestSlowJobSkipsFiresWithoutOverlapping(t *testing.T) {
	t.Parallel()
	var running, peak atomic.Int32
	r := registry.New()
	mustRegister(t, r, registry.TaskDefinition{
		Name:      "repo_gc",
		Schedules: map[environment.Name]string{environment.QA: "@every 1s"},
		Job: func(ctx context.Context) error {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			select {
			case <-ctx.Done():
			case <-time.After(2500 * time.Millisecond):
			}
			return nil
		},
	})
	s := newService(t, nil)
	if _, err := s.InitializeAll(context.Background(), r, environment.QA); err != nil {
		t.Fatalf("InitializeAll: %v", err)
	}

	deadline := time.Now().Add(7 * time.Second)
	for {
		info, _ := s.Task("repo_gc")
		if info.Stats.Succeeded >= 1 && info.Stats.Skipped >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stats = %+v, want a finished run and a skipped fire", info.Stats)
		}
		time.Sleep(20 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := peak.Load(); got != 1 {
		t.Fatalf("peak concurrent runs = %d, want 1", got)
	}
}

func names(hs []*driver.Handle) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.Name()
	}
	return out
}
