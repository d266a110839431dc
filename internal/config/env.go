package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"

	"housekeeper/internal/environment"
)

// EnvPrefix is the prefix of every environment variable override.
const EnvPrefix = "HOUSEKEEPER"

// Overrides are read from HOUSEKEEPER_* variables. Empty values leave the
// file config untouched.
type Overrides struct {
	Environment   string `envconfig:"ENVIRONMENT"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
	Timezone      string `envconfig:"TIMEZONE"`
	AMQPURI       string `envconfig:"AMQP_URI"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	SnapshotToken string `envconfig:"SNAPSHOT_TOKEN"`
}

// LoadOverrides reads the process environment.
func LoadOverrides() (Overrides, error) {
	var o Overrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return Overrides{}, fmt.Errorf("env overrides: %w", err)
	}
	return o, nil
}

// Apply copies every non-empty override into cfg.
func (o Overrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Environment, o.Environment)
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Scheduler.Timezone, o.Timezone)
	set(&cfg.Events.AMQP.URI, o.AMQPURI)
	set(&cfg.Leader.Addr, o.RedisAddr)
	set(&cfg.Leader.Password, o.RedisPassword)
	set(&cfg.Jobs.VolumeSnapshot.Token, o.SnapshotToken)
}

// ResolveEnvironment picks the tier with precedence flag > cfg.Environment
// (which already carries HOUSEKEEPER_ENVIRONMENT after Apply) > Default.
func ResolveEnvironment(flag string, cfg *Config) (environment.Name, error) {
	if v := strings.TrimSpace(flag); v != "" {
		return environment.Parse(v)
	}
	if cfg != nil {
		if v := strings.TrimSpace(cfg.Environment); v != "" {
			return environment.Parse(v)
		}
	}
	return environment.Default, nil
}
