package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"housekeeper/internal/eventbus"
	"housekeeper/internal/runtime/supervisor"
	"housekeeper/pkg/logx"
)

// Service runs job bodies in isolation. Each admitted fire gets its own
// supervised goroutine; whatever the job does (error, panic, hang past its
// timeout) stays inside that goroutine.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	sup      *supervisor.Supervisor
	stopping bool

	runSeq   atomic.Uint64
	inFlight atomic.Int64

	stateMu  sync.Mutex
	states   map[string]*RunState
	stats    map[string]*TaskStats
	limiters map[string]*rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if cfg.SkipLogEvery <= 0 {
		cfg.SkipLogEvery = time.Minute
	}
	if cfg.Env != "" {
		log = log.With(logx.String("env", cfg.Env))
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		states:   map[string]*RunState{},
		stats:    map[string]*TaskStats{},
		limiters: map[string]*rate.Limiter{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start makes the runner accept fires. Runs inherit ctx. Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.sup != nil {
		return
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log.With(logx.Component("taskengine"))))
	s.stopping = false
	s.log.Info("task engine started", logx.Duration("default_timeout", s.cfg.DefaultTimeout))
}

// Stop refuses new fires, drops pending ones and waits for in-flight runs.
// When ctx ends first, runs are canceled and ctx.Err() is returned.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.stopping = true
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	if sup.Wait(ctx) != nil && ctx.Err() != nil {
		sup.Cancel()
		s.log.Warn("task engine stop timed out; canceling runs", logx.Int64("in_flight", s.inFlight.Load()))
		return ctx.Err()
	}
	s.mu.Lock()
	if s.sup == sup {
		s.sup = nil
	}
	s.mu.Unlock()
	s.log.Info("task engine stopped")
	return nil
}

// Fire applies t's overlap policy for a fire scheduled at at. Job failures
// are never returned; the error only reports a stopped runner or a malformed task.
func (s *Service) Fire(t Task, at time.Time) (Admission, error) {
	name := strings.TrimSpace(t.Name)
	if name == "" || t.Run == nil {
		return Skipped, fmt.Errorf("%w: name and run are required", ErrInvalid)
	}
	t.Name = name

	s.mu.Lock()
	cfg := s.cfg
	accepting := s.sup != nil && !s.stopping
	s.mu.Unlock()
	if !cfg.Enabled {
		return Skipped, ErrDisabled
	}
	if !accepting {
		return Skipped, ErrStopped
	}
	if t.Timeout <= 0 {
		t.Timeout = cfg.DefaultTimeout
	}

	st := t.State
	if st == nil {
		st = s.stateFor(name)
	}
	s.note(name, func(ts *TaskStats) {
		ts.Fires++
		ts.Overlap = t.Opt.Overlap.String()
	})

	adm := st.admit(t.Opt.Overlap, at)
	switch adm {
	case Started:
		if !s.launch(t, st, at) {
			st.done(false)
			return Skipped, ErrStopped
		}
	case Skipped:
		s.onSkipped(t, at, st)
	case Deferred, Coalesced:
		s.onDeferred(t, at, adm)
	}
	return adm, nil
}

func (s *Service) stateFor(name string) *RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &RunState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) note(name string, fn func(ts *TaskStats)) {
	s.stateMu.Lock()
	ts := s.stats[name]
	if ts == nil {
		ts = &TaskStats{Name: name}
		s.stats[name] = ts
	}
	fn(ts)
	s.stateMu.Unlock()
}

func (s *Service) skipLimiter(name string) *rate.Limiter {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	l := s.limiters[name]
	if l == nil {
		l = rate.NewLimiter(rate.Every(s.cfg.SkipLogEvery), 1)
		s.limiters[name] = l
	}
	return l
}

func (s *Service) onSkipped(t Task, at time.Time, st *RunState) {
	var skipped uint64
	s.note(t.Name, func(ts *TaskStats) {
		ts.Skipped++
		skipped = ts.Skipped
	})
	s.publish(eventbus.TaskSkipped, eventbus.TaskEvent{Task: t.Name, Env: s.cfg.Env, ScheduledAt: at})

	fields := []logx.Field{
		logx.String("task", t.Name),
		logx.Time("scheduled_at", at),
		logx.Int("running", st.Running()),
		logx.Uint64("skipped_total", skipped),
	}
	if s.skipLimiter(t.Name).Allow() {
		s.log.Warn("task skipped: previous run still in progress", fields...)
		return
	}
	s.log.Debug("task skipped: previous run still in progress", fields...)
}

func (s *Service) onDeferred(t Task, at time.Time, adm Admission) {
	topic := eventbus.TaskDeferred
	s.note(t.Name, func(ts *TaskStats) {
		if adm == Deferred {
			ts.Deferred++
		} else {
			ts.Skipped++
		}
	})
	if adm == Coalesced {
		// folded into the pending fire; it never runs on its own
		topic = eventbus.TaskSkipped
	}
	s.publish(topic, eventbus.TaskEvent{Task: t.Name, Env: s.cfg.Env, ScheduledAt: at})
	s.log.Debug("task fire queued behind running instance", logx.String("task", t.Name), logx.Time("scheduled_at", at), logx.String("admission", adm.String()))
}

func (s *Service) publish(topic string, ev eventbus.TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: topic, Data: ev})
}

func (s *Service) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Stats returns the counters of one task.
func (s *Service) Stats(name string) (TaskStats, bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	ts, ok := s.stats[name]
	if !ok {
		return TaskStats{}, false
	}
	out := *ts
	if st := s.states[name]; st != nil {
		out.Running = st.Running()
	}
	return out, true
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	sup := s.sup
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:        cfg.Enabled,
		Env:            cfg.Env,
		DefaultTimeout: cfg.DefaultTimeout,
		InFlight:       int(s.inFlight.Load()),
		Supervisor:     sup.Snapshot(),
	}

	s.stateMu.Lock()
	for name, ts := range s.stats {
		out := *ts
		if st := s.states[name]; st != nil {
			out.Running = st.Running()
		}
		snap.Tasks = append(snap.Tasks, out)
	}
	s.stateMu.Unlock()
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Name < snap.Tasks[j].Name })

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
