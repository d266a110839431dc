package leader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"housekeeper/pkg/logx"
)

// fakeRedis is an in-memory lease store with a settable clock.
type fakeRedis struct {
	mu    sync.Mutex
	now   time.Time
	vals  map[string]string
	exp   map[string]time.Time
	fail  error
	evals int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{now: time.Unix(0, 0), vals: map[string]string{}, exp: map[string]time.Time{}}
}

func (f *fakeRedis) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeRedis) liveLocked(key string) (string, bool) {
	v, ok := f.vals[key]
	if ok && !f.now.Before(f.exp[key]) {
		delete(f.vals, key)
		delete(f.exp, key)
		return "", false
	}
	return v, ok
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return redis.NewBoolResult(false, f.fail)
	}
	if _, ok := f.liveLocked(key); ok {
		return redis.NewBoolResult(false, nil)
	}
	f.vals[key] = value.(string)
	f.exp[key] = f.now.Add(ttl)
	return redis.NewBoolResult(true, nil)
}

// renew mirrors renewScript: extend only when the caller still holds key.
func (f *fakeRedis) renew(keys []string, args ...any) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals++
	if f.fail != nil {
		return redis.NewCmdResult(nil, f.fail)
	}
	v, ok := f.liveLocked(keys[0])
	if !ok || v != args[0].(string) {
		return redis.NewCmdResult(int64(0), nil)
	}
	f.exp[keys[0]] = f.now.Add(time.Duration(args[1].(int64)) * time.Millisecond)
	return redis.NewCmdResult(int64(1), nil)
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.renew(keys, args...)
}

func (f *fakeRedis) EvalSha(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.renew(keys, args...)
}

func (f *fakeRedis) EvalRO(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.renew(keys, args...)
}

func (f *fakeRedis) EvalShaRO(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.renew(keys, args...)
}

func (f *fakeRedis) ScriptExists(_ context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (f *fakeRedis) ScriptLoad(context.Context, string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func (f *fakeRedis) expiry(key string) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exp[key]
}

func TestStatic(t *testing.T) {
	t.Parallel()
	for _, want := range []bool{true, false} {
		got, err := Static(want).IsLeader(context.Background())
		if err != nil || got != want {
			t.Fatalf("Static(%v) = %v, %v", want, got, err)
		}
	}
}

func TestRedisLeaseHandover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rc := newFakeRedis()
	cfg := RedisConfig{Key: "hk:leader", TTL: 10 * time.Second}
	a := NewRedisElectorWithClient(RedisConfig{Key: cfg.Key, TTL: cfg.TTL, Identity: "a"}, rc, logx.Nop())
	b := NewRedisElectorWithClient(RedisConfig{Key: cfg.Key, TTL: cfg.TTL, Identity: "b"}, rc, logx.Nop())

	steps := []struct {
		name    string
		advance time.Duration
		who     *RedisElector
		want    bool
	}{
		{"a claims", 0, a, true},
		{"b is follower", 0, b, false},
		{"a renews", 8 * time.Second, a, true},
		{"renewed lease still held", 8 * time.Second, b, false},
		{"lease expires without renewal", 11 * time.Second, b, true},
		{"a lost it", 0, a, false},
	}
	for _, s := range steps {
		rc.advance(s.advance)
		got, err := s.who.IsLeader(ctx)
		if err != nil || got != s.want {
			t.Fatalf("%s: IsLeader = %v, %v; want %v", s.name, got, err, s.want)
		}
	}
}

func TestRenewNeverExtendsAnotherHoldersLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rc := newFakeRedis()
	a := NewRedisElectorWithClient(RedisConfig{Key: "hk:leader", TTL: 10 * time.Second, Identity: "a"}, rc, logx.Nop())
	b := NewRedisElectorWithClient(RedisConfig{Key: "hk:leader", TTL: 10 * time.Second, Identity: "b"}, rc, logx.Nop())

	if ok, _ := a.IsLeader(ctx); !ok {
		t.Fatal("a did not claim the lease")
	}
	rc.advance(11 * time.Second)
	if ok, _ := b.IsLeader(ctx); !ok {
		t.Fatal("b did not take over the expired lease")
	}
	held := rc.expiry("hk:leader")
	rc.advance(time.Second)

	before := rc.evals
	ok, err := a.IsLeader(ctx)
	if ok || err != nil {
		t.Fatalf("stale holder IsLeader = %v, %v", ok, err)
	}
	if rc.evals != before+1 {
		t.Fatalf("renewal took %d script calls, want 1", rc.evals-before)
	}
	if got := rc.expiry("hk:leader"); !got.Equal(held) {
		t.Fatalf("b's lease moved from %v to %v", held, got)
	}
}

func TestRedisErrorsAreNotLeadership(t *testing.T) {
	t.Parallel()
	rc := newFakeRedis()
	rc.fail = errors.New("connection refused")
	e := NewRedisElectorWithClient(RedisConfig{Identity: "a"}, rc, logx.Nop())
	ok, err := e.IsLeader(context.Background())
	if ok || err == nil {
		t.Fatalf("IsLeader = %v, %v; want false with error", ok, err)
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	e := NewRedisElectorWithClient(RedisConfig{}, newFakeRedis(), logx.Nop())
	if e.cfg.Key != "housekeeper:leader" || e.cfg.TTL != 30*time.Second || e.Identity() == "" {
		t.Fatalf("defaults = %+v", e.cfg)
	}
}
