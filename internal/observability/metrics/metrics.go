// Package metrics exports task runs, scheduler states and host samples as
// prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"housekeeper/internal/eventbus"
	"housekeeper/internal/jobs"
	"housekeeper/pkg/logx"
)

const namespace = "housekeeper"

const (
	labelTask   = "task"
	labelStatus = "status"
	labelState  = "state"
	labelReason = "reason"
	labelPath   = "path"
	labelKind   = "kind"
	labelWindow = "window"
)

// Metrics owns a private registry so tests and embedders never collide with
// the global one.
type Metrics struct {
	reg *prometheus.Registry

	runs     *prometheus.CounterVec
	notRun   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	lag      *prometheus.HistogramVec
	running  *prometheus.GaugeVec
	state    *prometheus.GaugeVec

	fsBytes    *prometheus.GaugeVec
	load       *prometheus.GaugeVec
	goroutines prometheus.Gauge
	heap       prometheus.Gauge

	mu     sync.Mutex
	states map[string]string
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "runs_total",
			Help:      "Completed task runs by outcome.",
		}, []string{labelTask, labelStatus}),
		notRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "fires_not_run_total",
			Help:      "Fires that did not start a run, by reason (skipped or deferred).",
		}, []string{labelTask, labelReason}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "run_duration_seconds",
			Help:      "Histogram of task run durations.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{labelTask}),
		lag: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "start_lag_seconds",
			Help:      "Histogram of the delay between a scheduled fire and the start of its run.",
			Buckets:   prometheus.DefBuckets,
		}, []string{labelTask}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "running",
			Help:      "Runs currently in flight.",
		}, []string{labelTask}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "task_state",
			Help:      "1 for the current scheduler state of each task.",
		}, []string{labelTask, labelState}),
		fsBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "filesystem_bytes",
			Help:      "Filesystem size by kind (total, free, avail).",
		}, []string{labelPath, labelKind}),
		load: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "load_average",
			Help:      "System load average by window.",
		}, []string{labelWindow}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "goroutines_sampled",
			Help:      "Goroutines at the last host_metrics run.",
		}),
		heap: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "heap_alloc_bytes_sampled",
			Help:      "Heap bytes in use at the last host_metrics run.",
		}),
		states: map[string]string{},
	}
	m.reg.MustRegister(
		m.runs, m.notRun, m.duration, m.lag, m.running, m.state,
		m.fsBytes, m.load, m.goroutines, m.heap,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Observe folds one bus event into the collectors.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.SchedulerState:
		if se, ok := e.Data.(eventbus.StateEvent); ok {
			m.setState(se.Task, se.State)
		}
		return
	}
	te, ok := e.Data.(eventbus.TaskEvent)
	if !ok {
		return
	}
	switch e.Type {
	case eventbus.TaskStarted:
		m.running.WithLabelValues(te.Task).Inc()
		if !te.StartedAt.IsZero() && !te.ScheduledAt.IsZero() {
			m.lag.WithLabelValues(te.Task).Observe(te.StartedAt.Sub(te.ScheduledAt).Seconds())
		}
	case eventbus.TaskFinished, eventbus.TaskFailed:
		status := "succeeded"
		if e.Type == eventbus.TaskFailed {
			status = "failed"
		}
		m.running.WithLabelValues(te.Task).Dec()
		m.runs.WithLabelValues(te.Task, status).Inc()
		m.duration.WithLabelValues(te.Task).Observe(te.Duration.Seconds())
	case eventbus.TaskSkipped:
		m.notRun.WithLabelValues(te.Task, "skipped").Inc()
	case eventbus.TaskDeferred:
		m.notRun.WithLabelValues(te.Task, "deferred").Inc()
	}
}

func (m *Metrics) setState(task, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.states[task]; ok && prev != state {
		m.state.WithLabelValues(task, prev).Set(0)
	}
	m.states[task] = state
	m.state.WithLabelValues(task, state).Set(1)
}

// Run feeds bus events into the collectors until ctx is done. It is meant to
// be hosted by supervisor.GoRestart.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus, log logx.Logger) error {
	events, unsub := bus.Subscribe(512)
	defer unsub()
	log.Debug("metrics consumer started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return errors.New("event subscription closed")
			}
			m.Observe(e)
		}
	}
}

var _ jobs.HostSink = (*Metrics)(nil)

func (m *Metrics) ObserveFilesystem(u jobs.FilesystemUsage) {
	m.fsBytes.WithLabelValues(u.Path, "total").Set(float64(u.Total))
	m.fsBytes.WithLabelValues(u.Path, "free").Set(float64(u.Free))
	m.fsBytes.WithLabelValues(u.Path, "avail").Set(float64(u.Avail))
}

func (m *Metrics) ObserveLoad(l jobs.Load) {
	m.load.WithLabelValues("1m").Set(l.Load1)
	m.load.WithLabelValues("5m").Set(l.Load5)
	m.load.WithLabelValues("15m").Set(l.Load15)
}

func (m *Metrics) ObserveProcess(p jobs.ProcessStats) {
	m.goroutines.Set(float64(p.Goroutines))
	m.heap.Set(float64(p.HeapAlloc))
}
