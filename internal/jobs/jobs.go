// Package jobs holds the job bodies the registry binds to schedules:
// volume snapshots, repository garbage collection and host metric sampling.
package jobs

import (
	"context"
	"fmt"

	"housekeeper/internal/leader"
	"housekeeper/internal/task/registry"
	"housekeeper/pkg/logx"
)

// Task names, matching the schedule table.
const (
	VolumeSnapshotTask = "volume_snapshot"
	RepoGCTask         = "repo_gc"
	HostMetricsTask    = "host_metrics"
)

type Config struct {
	Snapshot    SnapshotConfig
	RepoGC      CommandConfig
	HostMetrics HostMetricsConfig
}

type Deps struct {
	Log    logx.Logger
	Leader leader.Elector
	// Sink receives host samples; nil means the samples are only logged.
	Sink HostSink
}

// Catalog builds every job. The map keys are the task names.
func Catalog(cfg Config, deps Deps) (map[string]registry.Job, error) {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Leader == nil {
		deps.Leader = leader.Static(true)
	}

	snap, err := NewVolumeSnapshot(cfg.Snapshot, deps.Log.With(logx.String("job", VolumeSnapshotTask)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", VolumeSnapshotTask, err)
	}
	gc := NewRepoGC(cfg.RepoGC, deps.Log.With(logx.String("job", RepoGCTask)))
	host := NewHostMetrics(cfg.HostMetrics, deps.Sink, deps.Log.With(logx.String("job", HostMetricsTask)))

	jobs := map[string]registry.Job{
		VolumeSnapshotTask: snap.Run,
		RepoGCTask:         gc.Run,
		HostMetricsTask:    host.Run,
	}
	if cfg.Snapshot.LeaderOnly {
		jobs[VolumeSnapshotTask] = LeaderOnly(deps.Leader, VolumeSnapshotTask, deps.Log, snap.Run)
	}
	if cfg.RepoGC.LeaderOnly {
		jobs[RepoGCTask] = LeaderOnly(deps.Leader, RepoGCTask, deps.Log, gc.Run)
	}
	return jobs, nil
}

// LeaderOnly runs job only while e reports leadership. A follower run is a
// successful no-op; a failed leadership check fails the run.
func LeaderOnly(e leader.Elector, name string, log logx.Logger, job registry.Job) registry.Job {
	return func(ctx context.Context) error {
		ok, err := e.IsLeader(ctx)
		if err != nil {
			return fmt.Errorf("leadership check: %w", err)
		}
		if !ok {
			log.Debug("not leader; run skipped", logx.String("job", name))
			return nil
		}
		return job(ctx)
	}
}
