package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"housekeeper/internal/runtime/supervisor"
)

// Config controls the task runner.
// The app layer maps config.task_engine into this struct.
type Config struct {
	Enabled bool

	// Env is attached to every log line and event.
	Env string

	// DefaultTimeout is used when Task.Timeout is 0. 0 means no deadline.
	DefaultTimeout time.Duration

	HistorySize int

	// SkipLogEvery throttles "skipped" warnings per task; in between, skips
	// are logged at debug level only.
	SkipLogEvery time.Duration
}

type OverlapPolicy int

const (
	// OverlapSkipIfRunning drops a fire while a run of the same task is in flight.
	OverlapSkipIfRunning OverlapPolicy = iota
	// OverlapAllow starts every fire, even while earlier runs are in flight.
	OverlapAllow
	// OverlapQueueIfRunning keeps at most one pending fire and runs it as soon
	// as the current run completes. Further fires coalesce into it.
	OverlapQueueIfRunning
)

func (p OverlapPolicy) String() string {
	switch p {
	case OverlapAllow:
		return "allow"
	case OverlapQueueIfRunning:
		return "queue_if_running"
	default:
		return "skip_if_running"
	}
}

// ParseOverlapPolicy accepts the config spellings of a policy. Empty means skip.
func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip", "skip_if_running":
		return OverlapSkipIfRunning, nil
	case "allow":
		return OverlapAllow, nil
	case "queue", "queue_if_running":
		return OverlapQueueIfRunning, nil
	default:
		return OverlapSkipIfRunning, fmt.Errorf("unknown overlap policy %q (use allow, skip_if_running or queue_if_running)", s)
	}
}

type TaskOptions struct {
	Overlap OverlapPolicy
}

// Task is one scheduled job as the runner sees it.
// State gates overlap; when nil, the runner keeps one per task name.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	State   *RunState
}

// Admission is the runner's decision for one fire.
type Admission int

const (
	Started Admission = iota
	Skipped
	Deferred  // queued behind the running instance
	Coalesced // folded into an already pending fire
)

func (a Admission) String() string {
	switch a {
	case Started:
		return "started"
	case Skipped:
		return "skipped"
	case Deferred:
		return "deferred"
	case Coalesced:
		return "coalesced"
	default:
		return "unknown"
	}
}

// RunState tracks in-flight runs of one task and its pending fire.
type RunState struct {
	mu        sync.Mutex
	running   int
	pending   bool
	pendingAt time.Time
}

func (s *RunState) admit(p OverlapPolicy, at time.Time) Admission {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case p == OverlapAllow || s.running == 0:
		s.running++
		return Started
	case p == OverlapQueueIfRunning && s.pending:
		return Coalesced
	case p == OverlapQueueIfRunning:
		s.pending = true
		s.pendingAt = at
		return Deferred
	default:
		return Skipped
	}
}

// done ends a run. When a fire is pending it is handed back and the slot stays taken.
func (s *RunState) done(takePending bool) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending && takePending {
		s.pending = false
		at := s.pendingAt
		s.pendingAt = time.Time{}
		return at, true
	}
	s.pending = false
	if s.running > 0 {
		s.running--
	}
	return time.Time{}, false
}

// Running reports the number of in-flight runs.
func (s *RunState) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

type HistoryItem struct {
	RunID       uint64        `json:"run_id"`
	Task        string        `json:"task"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// TaskStats are per-task counters.
type TaskStats struct {
	Name         string        `json:"name"`
	Overlap      string        `json:"overlap"`
	Fires        uint64        `json:"fires"`
	Runs         uint64        `json:"runs"`
	Succeeded    uint64        `json:"succeeded"`
	Failed       uint64        `json:"failed"`
	Skipped      uint64        `json:"skipped"`
	Deferred     uint64        `json:"deferred"`
	Running      int           `json:"running"`
	LastStart    time.Time     `json:"last_start,omitempty"`
	LastFinish   time.Time     `json:"last_finish,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	LastErrorAt  time.Time     `json:"last_error_at,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled        bool                `json:"enabled"`
	Env            string              `json:"env"`
	DefaultTimeout time.Duration       `json:"default_timeout"`
	InFlight       int                 `json:"in_flight"`
	Tasks          []TaskStats         `json:"tasks"`
	History        []HistoryItem       `json:"history"`
	Supervisor     supervisor.Snapshot `json:"supervisor"`
}
