package config

type Config struct {
	// Environment names the deployment tier. The -env flag and
	// HOUSEKEEPER_ENVIRONMENT take precedence; it is read once at startup.
	Environment string `json:"environment,omitempty"`

	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`

	// TaskOptions tunes the runner per task name.
	TaskOptions map[string]TaskOptionsConfig `json:"task_options,omitempty"`

	// Schedules overrides the built-in schedule table when set.
	Schedules ScheduleTable `json:"schedules,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Metrics MetricsConfig  `json:"metrics"`
	Events  EventsConfig   `json:"events"`
	Leader  LeaderConfig   `json:"leader"`
	Jobs    JobsConfig     `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the scheduler facade.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone every schedule is evaluated in (IANA name). Empty means Local.
	Timezone string `json:"timezone,omitempty"`

	// PreviewCount is how many upcoming fires are logged at debug level per task.
	PreviewCount int `json:"preview_count,omitempty"`
}

// TaskEngineConfig controls the task runner.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
//   - skip_log_every: "1m"
type TaskEngineConfig struct {
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`

	// SkipLogEvery throttles "previous run still active" warnings per task.
	SkipLogEvery string `json:"skip_log_every,omitempty"`
}

// TaskOptionsConfig is the per-task runner tuning.
type TaskOptionsConfig struct {
	// Overlap is one of "skip" (default), "allow", "queue".
	Overlap string `json:"overlap,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// StorageConfig controls the optional run journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./housekeeper.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Path    string `json:"path,omitempty"` // default: "/metrics"
}

type EventsConfig struct {
	AMQP AMQPConfig `json:"amqp"`
}

// AMQPConfig forwards task lifecycle events to a topic exchange.
type AMQPConfig struct {
	Enabled        bool   `json:"enabled"`
	URI            string `json:"uri,omitempty"` // do not log
	Exchange       string `json:"exchange,omitempty"`
	KeyPrefix      string `json:"key_prefix,omitempty"`
	Buffer         int    `json:"buffer,omitempty"`
	PublishTimeout string `json:"publish_timeout,omitempty"`
	TaskEventsOnly bool   `json:"task_events_only,omitempty"`
}

// LeaderConfig selects how jobs decide whether this instance should act.
//
//   - driver "" or "static": Static.Leader decides (default true)
//   - driver "redis": a SetNX lease on Key
type LeaderConfig struct {
	Driver string `json:"driver,omitempty"`

	Static *bool `json:"static_leader,omitempty"`

	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Key      string `json:"key,omitempty"`
	TTL      string `json:"ttl,omitempty"`
	Identity string `json:"identity,omitempty"`
}

type JobsConfig struct {
	VolumeSnapshot VolumeSnapshotConfig `json:"volume_snapshot"`
	RepoGC         RepoGCConfig         `json:"repo_gc"`
	HostMetrics    HostMetricsConfig    `json:"host_metrics"`
}

// VolumeSnapshotConfig points the snapshot job at the storage API.
type VolumeSnapshotConfig struct {
	Endpoint   string   `json:"endpoint,omitempty"`
	Token      string   `json:"token,omitempty"` // do not log
	Volumes    []string `json:"volumes,omitempty"`
	RetryMax   int      `json:"retry_max,omitempty"`
	Timeout    string   `json:"timeout,omitempty"`
	LeaderOnly bool     `json:"leader_only,omitempty"`
}

// RepoGCConfig is the garbage collection command. A non-zero exit fails the run.
type RepoGCConfig struct {
	Command    []string          `json:"command,omitempty"`
	Dir        string            `json:"dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	LeaderOnly bool              `json:"leader_only,omitempty"`
}

type HostMetricsConfig struct {
	// Paths are sampled for filesystem usage. Default: ["/"].
	Paths []string `json:"paths,omitempty"`
}
