package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"housekeeper/internal/config"
	"housekeeper/internal/environment"
	"housekeeper/internal/eventbus"
	"housekeeper/internal/jobs"
	"housekeeper/internal/leader"
	"housekeeper/internal/observability/metrics"
	"housekeeper/internal/runtime/supervisor"
	"housekeeper/internal/storage"
	"housekeeper/internal/task/driver"
	"housekeeper/internal/task/engine"
	"housekeeper/internal/task/registry"
	"housekeeper/internal/task/scheduler"
	"housekeeper/pkg/logx"
)

// Options are the command line inputs of the app.
type Options struct {
	ConfigPath string
	// Env is the -env flag; it wins over the config file and the
	// HOUSEKEEPER_ENVIRONMENT variable.
	Env string
	// Overrides replaces the HOUSEKEEPER_* variables when set.
	Overrides *config.Overrides
}

type App struct {
	cfgm *config.ConfigManager
	env  environment.Name
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store   storage.Store
	journal *storage.Journal

	lease      *leader.RedisElector
	metrics    *metrics.Metrics
	metricsSrv *metrics.Server
	amqp       *eventbus.AMQPForwarder

	reg     *registry.Registry
	sched   *scheduler.Service
	handles []*driver.Handle
}

// New loads the configuration and wires every component. Nothing runs until
// Start. A config or schedule table problem is fatal here.
func New(opts Options) (*App, error) {
	overrides := opts.Overrides
	if overrides == nil {
		o, err := config.LoadOverrides()
		if err != nil {
			return nil, err
		}
		overrides = &o
	}
	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfgm.SetOverrides(*overrides)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	env, err := config.ResolveEnvironment(opts.Env, cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.Component("app"))

	bus := eventbus.New()
	a := &App{cfgm: cfgm, env: env, log: log, logs: logSvc, bus: bus}

	// Run journal (optional)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.Component("storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.journal = storage.NewJournal(st, bus, log.With(logx.Component("journal")))
		log.Info("run journal enabled", logx.String("driver", sc.Driver))
	}

	var sink jobs.HostSink
	if mc, enabled := mapMetricsConfig(cfg); enabled {
		a.metrics = metrics.New()
		a.metricsSrv = metrics.NewServer(mc, a.metrics, log.With(logx.Component("metrics")))
		sink = a.metrics
	}

	elector, lease, err := mapLeader(cfg, log.With(logx.Component("leader")))
	if err != nil {
		return nil, a.abort(err)
	}
	a.lease = lease

	jcfg, err := mapJobsConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	catalog, err := jobs.Catalog(jcfg, jobs.Deps{
		Log:    log.With(logx.Component("jobs")),
		Leader: elector,
		Sink:   sink,
	})
	if err != nil {
		return nil, a.abort(err)
	}

	table, err := cfg.EffectiveSchedules()
	if err != nil {
		return nil, a.abort(err)
	}
	tuning, err := mapTuning(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	reg, err := registry.FromTable(table, catalog, tuning)
	if err != nil {
		return nil, a.abort(err)
	}
	a.reg = reg

	engCfg, err := mapTaskEngineConfig(cfg, env.String())
	if err != nil {
		return nil, a.abort(err)
	}
	eng := engine.New(engCfg, log.With(logx.Component("taskengine")), bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), eng, log.With(logx.Component("scheduler")), bus)

	if ac, enabled, err := mapAMQPConfig(cfg); err != nil {
		return nil, a.abort(err)
	} else if enabled {
		a.amqp = eventbus.NewAMQPForwarder(ac, bus, log.With(logx.Component("amqp")))
		if cfg.Events.AMQP.TaskEventsOnly {
			a.amqp.OnlyTaskEvents()
		}
	}
	return a, nil
}

// abort releases what New already opened.
func (a *App) abort(err error) error {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.lease != nil {
		_ = a.lease.Close()
	}
	return err
}

func (a *App) Env() environment.Name { return a.env }

// Handles are the drivers started by Start, in registration order.
func (a *App) Handles() []*driver.Handle { return a.handles }

func (a *App) Snapshot() SchedulerSnapshot { return a.sched.Snapshot() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(a.validateReload)

	if a.journal != nil {
		a.sup.GoRestart("storage.journal", a.journal.Run,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}
	if a.metrics != nil {
		a.sup.GoRestart("metrics.consume", func(c context.Context) error {
			return a.metrics.Run(c, a.bus, a.log.With(logx.Component("metrics")))
		})
		a.sup.GoRestart("metrics.http", a.metricsSrv.Run,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}
	if a.lease != nil {
		a.sup.GoRestart("leader.lease", a.lease.Run,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}
	if a.amqp != nil {
		a.sup.GoRestart("events.amqp", a.amqp.Run,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level to avoid noise for frequent schedules.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	handles, err := a.sched.InitializeAll(c, a.reg, a.env)
	switch {
	case errors.Is(err, scheduler.ErrDisabled):
		a.log.Warn("scheduler disabled via config; no task will fire")
	case err != nil:
		return err
	}
	a.handles = handles
	a.seedStateMetrics()

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sdNotify(daemon.SdNotifyReady)
	a.startWatchdog()

	a.log.Info("app started",
		logx.String("env", a.env.String()),
		logx.Int("tasks", a.reg.Len()),
		logx.Int("active", len(handles)),
	)
	return nil
}

// seedStateMetrics copies states published before the metrics consumer
// subscribed.
func (a *App) seedStateMetrics() {
	if a.metrics == nil {
		return
	}
	for _, ti := range a.sched.Snapshot().Tasks {
		a.metrics.Observe(eventbus.Event{
			Type: eventbus.SchedulerState,
			Data: eventbus.StateEvent{Task: ti.Name, State: ti.State, Error: ti.Error},
		})
	}
}

// validateReload rejects a changed file whose schedules for the running
// environment would not compile on the next restart.
func (a *App) validateReload(_ context.Context, cfg *Config) error {
	table, err := cfg.EffectiveSchedules()
	if err != nil {
		return err
	}
	parser := a.sched.Parser()
	for _, name := range table.Names() {
		expr := table[name].Schedules[a.env]
		if strings.TrimSpace(expr) == "" {
			continue
		}
		if _, err := parser.Compile(expr); err != nil {
			return fmt.Errorf("schedules.%s.%s: %w", name, a.env, err)
		}
	}
	if _, err := mapTuning(cfg); err != nil {
		return err
	}
	_, _, err = mapStorageConfig(cfg)
	return err
}

func (a *App) reloadLoop(c context.Context, sub chan *Config) {
	// Track last applied config to generate a safe diff summary.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}

			sections, attrs, restart := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.logs.Apply(mapLoggingConfig(newCfg))
			if len(restart) > 0 {
				a.log.Warn("config changed; restart required for changes to take effect",
					logx.String("sections", strings.Join(restart, ",")))
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Drivers first so no new run is admitted, then in-flight runs.
	step("scheduler", 8*time.Second, a.sched.Stop)

	// Background loops (journal, metrics, forwarder, lease, config watch).
	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)

	step("leader", time.Second, func(context.Context) error {
		if a.lease != nil {
			return a.lease.Close()
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
