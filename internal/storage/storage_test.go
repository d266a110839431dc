package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"housekeeper/internal/eventbus"
	"housekeeper/pkg/logx"
)

func record(task string, id uint64, finished time.Time, status string) RunRecord {
	return RunRecord{
		RunID:       id,
		Task:        task,
		Env:         "qa",
		ScheduledAt: finished.Add(-time.Second),
		StartedAt:   finished.Add(-time.Second),
		FinishedAt:  finished,
		TookMS:      1000,
		Status:      status,
	}
}

func openStore(t *testing.T, driver string, retention int) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	st, err := Open(Config{Driver: driver, Path: path, Retention: retention}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without a path accepted")
	}
}

func TestStoresKeepNewestRunsPerTask(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st, _ := openStore(t, driver, 3)
			ctx := context.Background()
			base := time.Date(2026, 10, 17, 2, 0, 0, 0, time.UTC)

			for i := 1; i <= 5; i++ {
				if err := st.AppendRun(ctx, record("repo_gc", uint64(i), base.Add(time.Duration(i)*time.Minute), StatusSucceeded)); err != nil {
					t.Fatalf("AppendRun: %v", err)
				}
			}
			failed := record("volume_snapshot", 9, base.Add(10*time.Minute), StatusFailed)
			failed.Error = "snapshot api: 503"
			failed.Panic = true
			if err := st.AppendRun(ctx, failed); err != nil {
				t.Fatalf("AppendRun: %v", err)
			}

			got, err := st.RecentRuns(ctx, "repo_gc", 2)
			if err != nil {
				t.Fatalf("RecentRuns: %v", err)
			}
			if len(got) != 2 || got[0].RunID != 5 || got[1].RunID != 4 {
				t.Fatalf("recent repo_gc = %+v", got)
			}

			all, err := st.RecentRuns(ctx, "", 0)
			if err != nil {
				t.Fatalf("RecentRuns(all): %v", err)
			}
			if len(all) == 0 || all[0].Task != "volume_snapshot" {
				t.Fatalf("newest overall = %+v", all)
			}
			v := all[0]
			if v.Status != StatusFailed || v.Error != "snapshot api: 503" || !v.Panic || !v.FinishedAt.Equal(failed.FinishedAt) {
				t.Fatalf("failed record = %+v", v)
			}
		})
	}
}

func TestFileStoreRetentionAndReplay(t *testing.T) {
	t.Parallel()
	st, path := openStore(t, "file", 3)
	ctx := context.Background()
	base := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		if err := st.AppendRun(ctx, record("host_metrics", uint64(i), base.Add(time.Duration(i)*time.Minute), StatusSucceeded)); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}
	got, _ := st.RecentRuns(ctx, "host_metrics", 0)
	if len(got) != 3 {
		t.Fatalf("retained = %d, want 3", len(got))
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	re, err := Open(Config{Driver: "file", Path: path, Retention: 3}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer re.Close()
	got, _ = re.RecentRuns(ctx, "host_metrics", 0)
	if len(got) != 3 || got[0].RunID != 5 || got[2].RunID != 3 {
		t.Fatalf("replayed = %+v", got)
	}
}

func TestRecordFromEvent(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 10, 17, 0, 10, 0, 0, time.UTC)
	te := eventbus.TaskEvent{Task: "volume_snapshot", RunID: 3, ScheduledAt: at, StartedAt: at, FinishedAt: at.Add(1500 * time.Millisecond), Duration: 1500 * time.Millisecond}
	tests := []struct {
		typ    string
		data   any
		ok     bool
		status string
	}{
		{eventbus.TaskFinished, te, true, StatusSucceeded},
		{eventbus.TaskFailed, te, true, StatusFailed},
		{eventbus.TaskStarted, te, false, ""},
		{eventbus.TaskSkipped, te, false, ""},
		{eventbus.TaskFinished, "garbage", false, ""},
	}
	for _, tt := range tests {
		r, ok := RecordFromEvent(eventbus.Event{Type: tt.typ, Data: tt.data})
		if ok != tt.ok || r.Status != tt.status {
			t.Fatalf("%s: got %+v, %v", tt.typ, r, ok)
		}
		if ok && (r.TookMS != 1500 || r.RunID != 3) {
			t.Fatalf("%s: record = %+v", tt.typ, r)
		}
	}
}

func TestJournalRecordsBusEvents(t *testing.T) {
	t.Parallel()
	st, _ := openStore(t, "file", 10)
	bus := eventbus.New()
	j := NewJournal(st, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	at := time.Now()
	deadline := time.Now().Add(2 * time.Second)
	for {
		// Publish until the subscription is live.
		bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: eventbus.TaskEvent{Task: "repo_gc", RunID: 1, ScheduledAt: at, StartedAt: at, FinishedAt: at}})
		got, _ := st.RecentRuns(context.Background(), "repo_gc", 1)
		if len(got) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("journal never recorded the run")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Run returned %v", err)
	}
}
