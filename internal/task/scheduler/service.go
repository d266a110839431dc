package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"housekeeper/internal/environment"
	"housekeeper/internal/eventbus"
	"housekeeper/internal/runtime/supervisor"
	"housekeeper/internal/schedule"
	"housekeeper/internal/task/driver"
	"housekeeper/internal/task/engine"
	"housekeeper/internal/task/registry"
	"housekeeper/pkg/logx"
)

func New(cfg Config, eng *engine.Service, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PreviewCount <= 0 {
		cfg.PreviewCount = 4
	}
	loc := LoadLocation(cfg.Timezone, log)
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		loc:    loc,
		parser: schedule.NewParser(loc),
		engine: eng,
		index:  map[string]*runningTask{},
	}
}

// LoadLocation resolves an IANA zone name, falling back to Local.
func LoadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Location is the zone every schedule is evaluated in.
func (s *Service) Location() *time.Location { return s.loc }

// Parser returns the parser bound to the scheduler zone.
func (s *Service) Parser() *schedule.Parser { return s.parser }

// InitializeAll starts one driver per task active in env and returns their
// handles in registration order. Tasks without a schedule for env and tasks
// with a malformed expression are logged and left out; they never prevent
// other tasks from starting. The returned error covers structural problems only.
func (s *Service) InitializeAll(ctx context.Context, reg *registry.Registry, env environment.Name) ([]*driver.Handle, error) {
	if reg == nil {
		return nil, ErrNoRegistry
	}
	if !env.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvironment, env)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return nil, ErrDisabled
	}
	if s.sup != nil {
		return nil, ErrAlreadyInitialized
	}
	s.env = env
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log.With(logx.Component("drivers"))))
	if s.engine != nil {
		s.engine.Start(ctx)
	}

	var handles []*driver.Handle
	var disabled, invalid int
	for _, def := range reg.Definitions() {
		rt := &runningTask{def: def, state: Unregistered}
		s.tasks = append(s.tasks, rt)
		s.index[def.Name] = rt
		log := s.log.With(logx.String("task", def.Name), logx.String("env", env.String()))

		expr, ok := reg.Resolve(def, env)
		if !ok {
			s.setStateLocked(rt, Disabled, registry.ErrEnvironmentUnsupported)
			log.Info("task disabled: no schedule for environment")
			disabled++
			continue
		}
		rt.expr = expr
		s.setStateLocked(rt, Resolved, nil)

		sched, err := s.parser.Compile(expr)
		if err != nil {
			s.setStateLocked(rt, Invalid, err)
			log.Error("task disabled: malformed schedule", logx.String("expr", expr), logx.Err(err))
			invalid++
			continue
		}
		rt.sched = sched

		rt.handle = driver.Start(ctx, def.Name, sched, s.fireFunc(def),
			driver.WithLogger(s.log.With(logx.Component("driver"), logx.String("env", env.String()))),
			driver.WithSupervisor(s.sup),
		)
		s.setStateLocked(rt, Running, nil)
		s.watchLocked(rt)
		handles = append(handles, rt.handle)

		log.Info("task scheduled", logx.String("expr", expr), logx.String("kind", sched.Kind().String()), logx.Time("next", sched.Next(time.Now())))
		if log.Enabled(logx.LevelDebug) {
			log.Debug("upcoming fires", logx.String("expr", expr), logx.String("next_runs", previewFires(sched, time.Now(), s.cfg.PreviewCount)))
		}
	}

	s.log.Info("scheduler initialized",
		logx.String("env", env.String()),
		logx.String("tz", s.loc.String()),
		logx.Int("active", len(handles)),
		logx.Int("disabled", disabled),
		logx.Int("invalid", invalid),
	)
	return handles, nil
}

func (s *Service) fireFunc(def registry.TaskDefinition) driver.FireFunc {
	task := engine.Task{
		ID:      def.Name,
		Name:    def.Name,
		Timeout: def.Timeout,
		Run:     def.Job,
		Opt:     def.Options,
	}
	return func(_ context.Context, at time.Time) error {
		if s.engine == nil {
			return engine.ErrStopped
		}
		_, err := s.engine.Fire(task, at)
		return err
	}
}

// watchLocked marks the task Failed when its loop ends on its own.
func (s *Service) watchLocked(rt *runningTask) {
	h := rt.handle
	s.sup.Go0("watch."+rt.def.Name, func(ctx context.Context) {
		select {
		case <-ctx.Done():
			return
		case <-h.Done():
		}
		if err := h.Err(); err != nil {
			s.mu.Lock()
			s.setStateLocked(rt, Failed, err)
			s.mu.Unlock()
		}
	})
}

func (s *Service) setStateLocked(rt *runningTask, st State, err error) {
	rt.state = st
	rt.err = err
	if s.bus == nil {
		return
	}
	ev := eventbus.StateEvent{Task: rt.def.Name, State: st.String()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerState, Data: ev})
}

// Stop ends every driver loop, then waits for in-flight runs.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	for _, rt := range s.tasks {
		if rt.handle != nil {
			rt.handle.Stop()
		}
	}
	s.mu.Unlock()

	var err error
	if sup != nil {
		if werr := sup.Stop(ctx); werr != nil && ctx.Err() != nil {
			err = werr
		}
	}

	s.mu.Lock()
	for _, rt := range s.tasks {
		if rt.state == Running {
			s.setStateLocked(rt, Stopped, nil)
		}
	}
	s.mu.Unlock()

	if s.engine != nil {
		if eerr := s.engine.Stop(ctx); eerr != nil && err == nil {
			err = eerr
		}
	}
	if err != nil {
		s.log.Warn("scheduler stop incomplete", logx.Err(err))
		return err
	}
	s.log.Info("scheduler stopped")
	return nil
}

func previewFires(sched schedule.Schedule, from time.Time, n int) string {
	var b strings.Builder
	for i, t := range schedule.NextN(sched, from, n) {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05 MST"))
	}
	return b.String()
}
