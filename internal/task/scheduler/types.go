package scheduler

import (
	"errors"
	"sync"
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

// Config controls the scheduler facade.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local

	// PreviewCount is how many upcoming fires are logged at debug level when a
	// task starts. 0 means 4.
	PreviewCount int
}

var (
	ErrDisabled           = errors.New("scheduler disabled")
	ErrNoRegistry         = errors.New("scheduler: nil registry")
	ErrUnknownEnvironment = errors.New("scheduler: unknown environment")
	ErrAlreadyInitialized = errors.New("scheduler: already initialized")
)

// State is the lifecycle of one task inside the facade.
type State int

const (
	Unregistered State = iota
	Resolved
	Disabled // no schedule for the environment
	Invalid  // expression did not compile
	Running
	Stopped
	Failed // driver ended on its own (schedule stopped progressing)
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Resolved:
		return "resolved"
	case Disabled:
		return "disabled"
	case Invalid:
		return "invalid"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// runningTask pairs a definition with its compiled schedule and loop.
type runningTask struct {
	def    registry.TaskDefinition
	expr   string
	sched  schedule.Schedule
	handle *driver.Handle
	state  State
	err    error
}

type Service struct {
	mu sync.Mutex

	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	loc    *time.Location
	parser *schedule.Parser
	engine *engine.Service

	env   environment.Name
	sup   *supervisor.Supervisor
	tasks []*runningTask
	index map[string]*runningTask
}

// TaskInfo is the read-only view of one task.
type TaskInfo struct {
	Name     string           `json:"name"`
	State    string           `json:"state"`
	Expr     string           `json:"expr,omitempty"`
	Kind     string           `json:"kind,omitempty"`
	Next     time.Time        `json:"next,omitempty"`
	Prev     time.Time        `json:"prev,omitempty"`
	Fires    uint64           `json:"fires"`
	Error    string           `json:"error,omitempty"`
	Expected time.Duration    `json:"expected_test_interval,omitempty"`
	Stats    engine.TaskStats `json:"stats"`
}

type Snapshot struct {
	Enabled  bool            `json:"enabled"`
	Env      string          `json:"env"`
	Timezone string          `json:"timezone"`
	Tasks    []TaskInfo      `json:"tasks"`
	Engine   engine.Snapshot `json:"engine"`
}
