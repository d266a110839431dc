package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"housekeeper/pkg/logx"
)

type HostMetricsConfig struct {
	// Paths sampled for filesystem usage. Empty means "/".
	Paths []string
}

// FilesystemUsage is one statfs sample in bytes.
type FilesystemUsage struct {
	Path  string
	Total uint64
	Free  uint64
	Avail uint64 // available to unprivileged users
}

// Load holds the 1, 5 and 15 minute load averages.
type Load struct {
	Load1, Load5, Load15 float64
}

// ProcessStats describes this process.
type ProcessStats struct {
	Goroutines int
	HeapAlloc  uint64
	Sys        uint64
}

// HostSink receives samples; the metrics package exports them as gauges.
type HostSink interface {
	ObserveFilesystem(u FilesystemUsage)
	ObserveLoad(l Load)
	ObserveProcess(p ProcessStats)
}

var errUnsupported = errors.New("not supported on this platform")

// HostMetrics samples filesystem usage, load averages and process stats.
type HostMetrics struct {
	paths []string
	sink  HostSink
	log   logx.Logger

	statfs  func(path string) (FilesystemUsage, error)
	loadavg func() (Load, error)
}

func NewHostMetrics(cfg HostMetricsConfig, sink HostSink, log logx.Logger) *HostMetrics {
	paths := cfg.Paths
	if len(paths) == 0 {
		paths = []string{"/"}
	}
	return &HostMetrics{paths: paths, sink: sink, log: log, statfs: statfs, loadavg: loadavg}
}

// Run takes one sample. A path that cannot be sampled fails the run after
// every other path was still sampled.
func (h *HostMetrics) Run(ctx context.Context) error {
	var errs []error
	for _, p := range h.paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		u, err := h.statfs(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("statfs %s: %w", p, err))
			continue
		}
		if h.sink != nil {
			h.sink.ObserveFilesystem(u)
		}
		h.log.Debug("filesystem sampled",
			logx.String("path", p),
			logx.Uint64("total", u.Total),
			logx.Uint64("avail", u.Avail),
		)
	}

	if l, err := h.loadavg(); err == nil {
		if h.sink != nil {
			h.sink.ObserveLoad(l)
		}
		h.log.Debug("load sampled", logx.Float64("load1", l.Load1), logx.Float64("load5", l.Load5), logx.Float64("load15", l.Load15))
	} else if !errors.Is(err, errUnsupported) {
		errs = append(errs, fmt.Errorf("loadavg: %w", err))
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if h.sink != nil {
		h.sink.ObserveProcess(ProcessStats{Goroutines: runtime.NumGoroutine(), HeapAlloc: ms.HeapAlloc, Sys: ms.Sys})
	}
	return errors.Join(errs...)
}
