package config

import (
	"fmt"
	"strings"
	"time"

	"housekeeper/internal/task/engine"
)

// Validate checks everything that can be checked without touching the
// network or the filesystem. Schedule expressions are compiled later by the
// scheduler, so one malformed expression only disables its task.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := ResolveEnvironment("", cfg); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if cfg.Scheduler.PreviewCount < 0 {
		return fmt.Errorf("scheduler.preview_count must be >= 0")
	}
	if cfg.TaskEngine.HistorySize < 0 {
		return fmt.Errorf("task_engine.history_size must be >= 0")
	}

	durations := map[string]string{
		"task_engine.default_timeout":  cfg.TaskEngine.DefaultTimeout,
		"task_engine.skip_log_every":   cfg.TaskEngine.SkipLogEvery,
		"events.amqp.publish_timeout":  cfg.Events.AMQP.PublishTimeout,
		"leader.ttl":                   cfg.Leader.TTL,
		"jobs.volume_snapshot.timeout": cfg.Jobs.VolumeSnapshot.Timeout,
	}
	if cfg.Storage != nil {
		durations["storage.busy_timeout"] = cfg.Storage.BusyTimeout
	}
	for name, o := range cfg.TaskOptions {
		durations["task_options."+name+".timeout"] = o.Timeout
	}
	if err := checkDurations(durations); err != nil {
		return err
	}

	tbl, err := cfg.EffectiveSchedules()
	if err != nil {
		return err
	}
	for name, o := range cfg.TaskOptions {
		if _, ok := tbl[name]; !ok {
			return fmt.Errorf("task_options.%s: unknown task", name)
		}
		if _, err := engine.ParseOverlapPolicy(o.Overlap); err != nil {
			return fmt.Errorf("task_options.%s.overlap: %w", name, err)
		}
	}

	if sc := cfg.Storage; sc != nil {
		switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown %q", sc.Driver)
		}
	}

	if a := cfg.Events.AMQP; a.Enabled {
		if strings.TrimSpace(a.URI) == "" {
			return fmt.Errorf("events.amqp.uri is required when enabled")
		}
		if a.Buffer < 0 {
			return fmt.Errorf("events.amqp.buffer must be >= 0")
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Leader.Driver)) {
	case "", "static":
	case "redis":
		if strings.TrimSpace(cfg.Leader.Addr) == "" {
			return fmt.Errorf("leader.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("leader.driver: unknown %q", cfg.Leader.Driver)
	}

	vs := cfg.Jobs.VolumeSnapshot
	if vs.RetryMax < 0 {
		return fmt.Errorf("jobs.volume_snapshot.retry_max must be >= 0")
	}
	return nil
}
