// Package leader answers "should this instance act" for jobs that must run
// once per fleet. The scheduler never consults it; job bodies do.
package leader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"housekeeper/pkg/logx"
)

// Elector reports whether this instance currently holds leadership.
type Elector interface {
	IsLeader(ctx context.Context) (bool, error)
}

// Static is a fixed answer, used for single-instance deployments.
type Static bool

func (s Static) IsLeader(context.Context) (bool, error) { return bool(s), nil }

// Client is the subset of a redis client the lease needs.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// renewScript extends the lease only while it is still ours.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
	Identity string
}

// RedisElector holds a SetNX lease on Key. The holder renews it on every
// check and from Run; another instance takes over once it expires.
type RedisElector struct {
	cfg    RedisConfig
	client Client
	log    logx.Logger

	leader atomic.Bool
}

func NewRedisElector(cfg RedisConfig, log logx.Logger) *RedisElector {
	rc := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return NewRedisElectorWithClient(cfg, rc, log)
}

// NewRedisElectorWithClient uses c instead of dialing, typically a fake.
func NewRedisElectorWithClient(cfg RedisConfig, c Client, log logx.Logger) *RedisElector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RedisElector{cfg: withDefaults(cfg), client: c, log: log}
}

func withDefaults(cfg RedisConfig) RedisConfig {
	if cfg.Key == "" {
		cfg.Key = "housekeeper:leader"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Identity == "" {
		host, _ := os.Hostname()
		cfg.Identity = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	return cfg
}

func (e *RedisElector) Identity() string { return e.cfg.Identity }

func (e *RedisElector) IsLeader(ctx context.Context) (bool, error) {
	ok, err := e.check(ctx)
	if prev := e.leader.Swap(ok); prev != ok {
		e.log.Info("leadership changed", logx.Bool("leader", ok), logx.String("key", e.cfg.Key), logx.String("identity", e.cfg.Identity))
	}
	return ok, err
}

func (e *RedisElector) check(ctx context.Context) (bool, error) {
	won, err := e.client.SetNX(ctx, e.cfg.Key, e.cfg.Identity, e.cfg.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("leader lease: %w", err)
	}
	if won {
		return true, nil
	}
	renewed, err := renewScript.Run(ctx, e.client, []string{e.cfg.Key}, e.cfg.Identity, e.cfg.TTL.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("leader lease renew: %w", err)
	}
	return renewed == 1, nil
}

// Run keeps the lease fresh every TTL/2 until ctx is done. It is meant to be
// hosted by supervisor.GoRestart.
func (e *RedisElector) Run(ctx context.Context) error {
	t := time.NewTicker(e.cfg.TTL / 2)
	defer t.Stop()
	for {
		if _, err := e.IsLeader(ctx); err != nil && ctx.Err() == nil {
			e.log.Warn("leader check failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (e *RedisElector) Close() error {
	if c, ok := e.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
