package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"housekeeper/internal/eventbus"
	"housekeeper/pkg/logx"
)

func newStarted(t *testing.T, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(Config{Enabled: true, Env: "test", HistorySize: 8}, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func stats(s *Service, name string) TaskStats {
	ts, _ := s.Stats(name)
	return ts
}

func blockingTask(name string, overlap OverlapPolicy, release <-chan struct{}, runs *atomic.Int32) Task {
	return Task{
		Name: name,
		Opt:  TaskOptions{Overlap: overlap},
		Run: func(ctx context.Context) error {
			runs.Add(1)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}
}

func TestSkipIfRunning(t *testing.T) {
	t.Parallel()
	s := newStarted(t, nil)
	release := make(chan struct{})
	var runs atomic.Int32
	task := blockingTask("volume_snapshot", OverlapSkipIfRunning, release, &runs)

	now := time.Now()
	if adm, err := s.Fire(task, now); err != nil || adm != Started {
		t.Fatalf("first Fire = %v, %v", adm, err)
	}
	waitFor(t, "first run", func() bool { return runs.Load() == 1 })
	if adm, err := s.Fire(task, now.Add(time.Minute)); err != nil || adm != Skipped {
		t.Fatalf("second Fire = %v, %v, want skipped", adm, err)
	}
	close(release)
	waitFor(t, "run completion", func() bool { ts := stats(s, task.Name); return ts.Succeeded == 1 && ts.Running == 0 })

	ts := stats(s, task.Name)
	if ts.Fires != 2 || ts.Runs != 1 || ts.Skipped != 1 || ts.Running != 0 {
		t.Fatalf("stats = %+v", ts)
	}
	if adm, _ := s.Fire(task, now.Add(2*time.Minute)); adm != Started {
		t.Fatalf("Fire after completion = %v, want started", adm)
	}
}

func TestQueueIfRunningCoalesces(t *testing.T) {
	t.Parallel()
	s := newStarted(t, nil)
	release := make(chan struct{})
	var runs atomic.Int32
	task := blockingTask("repo_gc", OverlapQueueIfRunning, release, &runs)

	now := time.Now()
	want := []Admission{Started, Deferred, Coalesced, Coalesced}
	for i, w := range want {
		adm, err := s.Fire(task, now.Add(time.Duration(i)*time.Minute))
		if err != nil || adm != w {
			t.Fatalf("Fire %d = %v, %v, want %v", i, adm, err, w)
		}
		if i == 0 {
			waitFor(t, "first run", func() bool { return runs.Load() == 1 })
		}
	}
	close(release)
	waitFor(t, "queued run", func() bool { return stats(s, task.Name).Succeeded == 2 })

	ts := stats(s, task.Name)
	if runs.Load() != 2 || ts.Deferred != 1 || ts.Skipped != 2 {
		t.Fatalf("runs = %d, stats = %+v", runs.Load(), ts)
	}
	snap := s.Snapshot()
	if len(snap.History) != 2 || !snap.History[1].ScheduledAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("history = %+v, want the deferred fire's instant second", snap.History)
	}
}

func TestAllowOverlap(t *testing.T) {
	t.Parallel()
	s := newStarted(t, nil)
	release := make(chan struct{})
	var runs atomic.Int32
	task := blockingTask("host_metrics", OverlapAllow, release, &runs)

	for i := 0; i < 3; i++ {
		if adm, err := s.Fire(task, time.Now()); err != nil || adm != Started {
			t.Fatalf("Fire %d = %v, %v", i, adm, err)
		}
	}
	waitFor(t, "three concurrent runs", func() bool { return runs.Load() == 3 })
	if got := stats(s, task.Name).Running; got != 3 {
		t.Fatalf("Running = %d, want 3", got)
	}
	close(release)
	waitFor(t, "completion", func() bool { return stats(s, task.Name).Succeeded == 3 })
}

func TestFailuresAreIsolated(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()
	s := newStarted(t, bus)

	failing := Task{Name: "failing", Run: func(context.Context) error { return errors.New("disk full") }}
	panicking := Task{Name: "panicking", Run: func(context.Context) error { panic("nil map") }}
	healthy := Task{Name: "healthy", Run: func(context.Context) error { return nil }}

	for _, task := range []Task{failing, panicking, healthy} {
		if adm, err := s.Fire(task, time.Now()); err != nil || adm != Started {
			t.Fatalf("Fire(%s) = %v, %v", task.Name, adm, err)
		}
	}
	waitFor(t, "all runs", func() bool {
		return stats(s, "failing").Failed == 1 && stats(s, "panicking").Failed == 1 && stats(s, "healthy").Succeeded == 1
	})
	if got := stats(s, "failing").LastError; !strings.Contains(got, "disk full") {
		t.Fatalf("LastError = %q", got)
	}

	var sawPanic bool
	deadline := time.After(2 * time.Second)
	for !sawPanic {
		select {
		case e := <-events:
			if te, ok := e.Data.(eventbus.TaskEvent); ok && e.Type == eventbus.TaskFailed && te.Task == "panicking" {
				sawPanic = te.Panic
			}
		case <-deadline:
			t.Fatal("no task.failed event for the panicking task")
		}
	}

	// The runner keeps accepting fires after failures.
	waitFor(t, "slot release", func() bool { return stats(s, "failing").Running == 0 })
	if adm, err := s.Fire(failing, time.Now()); err != nil || adm != Started {
		t.Fatalf("Fire after failure = %v, %v", adm, err)
	}
}

func TestTimeout(t *testing.T) {
	t.Parallel()
	s := newStarted(t, nil)
	stubborn := Task{
		Name:    "stubborn",
		Timeout: 10 * time.Millisecond,
		Run: func(context.Context) error {
			time.Sleep(40 * time.Millisecond)
			return nil
		},
	}
	polite := Task{
		Name:    "polite",
		Timeout: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	_, _ = s.Fire(stubborn, time.Now())
	_, _ = s.Fire(polite, time.Now())
	waitFor(t, "timeouts", func() bool { return stats(s, "stubborn").Failed == 1 && stats(s, "polite").Failed == 1 })
	for _, name := range []string{"stubborn", "polite"} {
		if got := stats(s, name).LastError; !strings.Contains(got, "timed out after 10ms") {
			t.Fatalf("%s LastError = %q", name, got)
		}
	}
}

func TestStopWaitsAndRefuses(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	s.Start(context.Background())

	var finished atomic.Bool
	slow := Task{Name: "slow", Run: func(context.Context) error {
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil
	}}
	if _, err := s.Fire(slow, time.Now()); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !finished.Load() {
		t.Fatal("Stop returned before the in-flight run finished")
	}
	if _, err := s.Fire(slow, time.Now()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Fire after Stop error = %v, want ErrStopped", err)
	}
}

func TestFireRejects(t *testing.T) {
	t.Parallel()
	disabled := New(Config{}, logx.Nop(), nil)
	disabled.Start(context.Background())
	if _, err := disabled.Fire(Task{Name: "x", Run: func(context.Context) error { return nil }}, time.Now()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("error = %v, want ErrDisabled", err)
	}

	s := newStarted(t, nil)
	if _, err := s.Fire(Task{Name: "  "}, time.Now()); !errors.Is(err, ErrInvalid) {
		t.Fatalf("error = %v, want ErrInvalid", err)
	}
}

func TestParseOverlapPolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want OverlapPolicy
	}{
		{"", OverlapSkipIfRunning},
		{"skip_if_running", OverlapSkipIfRunning},
		{"Allow", OverlapAllow},
		{"queue", OverlapQueueIfRunning},
		{"queue_if_running", OverlapQueueIfRunning},
	}
	for _, tt := range tests {
		got, err := ParseOverlapPolicy(tt.in)
		if err != nil || got != tt.want {
			t.Fatalf("ParseOverlapPolicy(%q) = %v, %v want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseOverlapPolicy("parallel"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestLogLinesCarryEnvOnce(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := logx.NewWriter(&buf, "info").With(logx.Component("taskengine"))
	s := New(Config{Enabled: true, Env: "qa"}, log, nil)
	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	var found bool
	for _, line := range strings.Split(buf.String(), "\n") {
		if !strings.Contains(line, "task engine stopped") {
			continue
		}
		found = true
		if n := strings.Count(line, `"env":`); n != 1 {
			t.Fatalf("env appears %d times in %s", n, line)
		}
	}
	if !found {
		t.Fatalf("no stop line in %q", buf.String())
	}
}
