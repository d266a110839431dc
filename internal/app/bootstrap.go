package app

import (
	"fmt"
	"strings"
	"time"

	"housekeeper/internal/config"
	"housekeeper/internal/eventbus"
	"housekeeper/internal/jobs"
	"housekeeper/internal/leader"
	"housekeeper/internal/observability/metrics"
	"housekeeper/internal/task/engine"
	"housekeeper/internal/task/registry"
	"housekeeper/internal/task/scheduler"
	"housekeeper/pkg/logx"
)

type Config = config.Config

func mapLoggingConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTaskEngineConfig(cfg *Config, env string) (engine.Config, error) {
	te := cfg.TaskEngine
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	skipEvery, err := config.ParseDurationOrDefault("task_engine.skip_log_every", te.SkipLogEvery, time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	history := te.HistorySize
	if history < 0 {
		history = 0
	} else if history == 0 {
		history = 200
	}
	return engine.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Env:            env,
		DefaultTimeout: defTimeout,
		HistorySize:    history,
		SkipLogEvery:   skipEvery,
	}, nil
}

func mapSchedulerConfig(cfg *Config) scheduler.Config {
	return scheduler.Config{
		Enabled:      cfg.Scheduler.Enabled,
		Timezone:     cfg.Scheduler.Timezone,
		PreviewCount: cfg.Scheduler.PreviewCount,
	}
}

func mapTuning(cfg *Config) (map[string]registry.Tuning, error) {
	out := make(map[string]registry.Tuning, len(cfg.TaskOptions))
	for name, o := range cfg.TaskOptions {
		p, err := engine.ParseOverlapPolicy(o.Overlap)
		if err != nil {
			return nil, fmt.Errorf("task_options.%s.overlap: %w", name, err)
		}
		timeout, err := config.ParseDurationField("task_options."+name+".timeout", o.Timeout)
		if err != nil {
			return nil, err
		}
		out[name] = registry.Tuning{Options: engine.TaskOptions{Overlap: p}, Timeout: timeout}
	}
	return out, nil
}

func mapJobsConfig(cfg *Config) (jobs.Config, error) {
	vs := cfg.Jobs.VolumeSnapshot
	timeout, err := config.ParseDurationField("jobs.volume_snapshot.timeout", vs.Timeout)
	if err != nil {
		return jobs.Config{}, err
	}
	gc := cfg.Jobs.RepoGC
	return jobs.Config{
		Snapshot: jobs.SnapshotConfig{
			Endpoint:   vs.Endpoint,
			Token:      vs.Token,
			Volumes:    vs.Volumes,
			RetryMax:   vs.RetryMax,
			Timeout:    timeout,
			LeaderOnly: vs.LeaderOnly,
		},
		RepoGC: jobs.CommandConfig{
			Command:    gc.Command,
			Dir:        gc.Dir,
			Env:        gc.Env,
			LeaderOnly: gc.LeaderOnly,
		},
		HostMetrics: jobs.HostMetricsConfig{Paths: cfg.Jobs.HostMetrics.Paths},
	}, nil
}

// mapLeader returns the elector and, for lease based drivers, the renewal
// loop the app supervises.
func mapLeader(cfg *Config, log logx.Logger) (leader.Elector, *leader.RedisElector, error) {
	lc := cfg.Leader
	switch strings.ToLower(strings.TrimSpace(lc.Driver)) {
	case "", "static":
		isLeader := true
		if lc.Static != nil {
			isLeader = *lc.Static
		}
		return leader.Static(isLeader), nil, nil
	case "redis":
		ttl, err := config.ParseDurationField("leader.ttl", lc.TTL)
		if err != nil {
			return nil, nil, err
		}
		re := leader.NewRedisElector(leader.RedisConfig{
			Addr:     lc.Addr,
			Password: lc.Password,
			DB:       lc.DB,
			Key:      lc.Key,
			TTL:      ttl,
			Identity: lc.Identity,
		}, log)
		return re, re, nil
	default:
		return nil, nil, fmt.Errorf("unknown leader.driver: %s", lc.Driver)
	}
}

func mapAMQPConfig(cfg *Config) (eventbus.AMQPConfig, bool, error) {
	ac := cfg.Events.AMQP
	if !ac.Enabled {
		return eventbus.AMQPConfig{}, false, nil
	}
	ttl, err := config.ParseDurationField("events.amqp.publish_timeout", ac.PublishTimeout)
	if err != nil {
		return eventbus.AMQPConfig{}, false, err
	}
	return eventbus.AMQPConfig{
		URI:        ac.URI,
		Exchange:   ac.Exchange,
		KeyPrefix:  ac.KeyPrefix,
		Buffer:     ac.Buffer,
		PublishTTL: ttl,
	}, true, nil
}

func mapMetricsConfig(cfg *Config) (metrics.ServerConfig, bool) {
	mc := cfg.Metrics
	return metrics.ServerConfig{Addr: mc.Addr, Path: mc.Path}, mc.Enabled
}
