package config

import (
	"reflect"
	"sort"
	"strings"

	"housekeeper/pkg/logx"
)

// hotSections are applied without a restart. Everything else (schedules,
// environment, timezone, runner tuning, outputs) is read once at startup.
var hotSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens
// or passwords), and (3) the changed sections that need a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Environment) != strings.TrimSpace(newCfg.Environment) {
		changed = append(changed, "environment")
		attrs = append(attrs, logx.String("environment", strings.TrimSpace(newCfg.Environment)))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.String("task_engine.default_timeout", strings.TrimSpace(newCfg.TaskEngine.DefaultTimeout)),
			logx.Int("task_engine.history_size", newCfg.TaskEngine.HistorySize),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskOptions, newCfg.TaskOptions) {
		changed = append(changed, "task_options")
		attrs = append(attrs, logx.Int("task_options.count", len(newCfg.TaskOptions)))
	}

	if hashSchedules(oldCfg.Schedules) != hashSchedules(newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs, logx.Int("schedules.tasks", len(newCfg.Schedules)))
	}

	if storageKey(oldCfg.Storage) != storageKey(newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", storageKey(newCfg.Storage)))
	}

	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
		)
	}

	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.Bool("events.amqp.enabled", newCfg.Events.AMQP.Enabled),
			logx.Bool("events.amqp.uri_set", strings.TrimSpace(newCfg.Events.AMQP.URI) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Leader, newCfg.Leader) {
		changed = append(changed, "leader")
		attrs = append(attrs, logx.String("leader.driver", newCfg.Leader.Driver))
	}

	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Bool("jobs.volume_snapshot.token_set", strings.TrimSpace(newCfg.Jobs.VolumeSnapshot.Token) != ""))
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if !hotSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

func hashSchedules(t ScheduleTable) uint64 {
	if len(t) == 0 {
		return 0
	}
	return hashConfig(&Config{Schedules: t})
}

func storageKey(s *StorageConfig) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.Driver) + "|" + strings.TrimSpace(s.Path) + "|" + strings.TrimSpace(s.BusyTimeout)
}
