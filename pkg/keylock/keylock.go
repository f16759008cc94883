package keylock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	"revledger/pkg/config"
	"revledger/pkg/errutil"
	"revledger/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	DefaultTTL   = 30 * time.Second
	retryBackoff = 25 * time.Millisecond
)

var Module = fx.Module("keylock", fx.Provide(NewLocker))

// Locker serialises work per key. Keys are sorted before acquisition so that
// callers locking overlapping sets cannot deadlock.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

type Params struct {
	fx.In

	Config *config.Config
	Redis  *redis.Client `optional:"true"`
}

func NewLocker(p Params) Locker {
	if p.Redis == nil {
		zap.L().Info("keylock: using in-process locks")
		return NewLocal()
	}
	return NewRedis(p.Redis, leaseTTL(p.Config.Ledger.Timeout))
}

// leaseTTL outlives a full ledger round trip held under the lock.
func leaseTTL(ledgerTimeout time.Duration) time.Duration {
	if ttl := 3 * ledgerTimeout; ttl > DefaultTTL {
		return ttl
	}
	return DefaultTTL
}

func normalize(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func lockTimeout(key string, err error) error {
	return errutil.Timeout("could not acquire lock "+key, err)
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

type Local struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

func NewLocal() *Local {
	return &Local{locks: map[string]*localEntry{}}
}

func (l *Local) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.release(key, false)
		return lockTimeout(key, ctx.Err())
	}
}

func (l *Local) release(key string, held bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.locks[key]
	if held {
		<-e.ch
	}
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *Local) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	held := make([]string, 0, len(keys))

	unlock := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i], true)
		}
	}

	for _, k := range keys {
		if err := l.acquire(ctx, k); err != nil {
			unlock()
			return nil, err
		}
		held = append(held, k)
	}
	return unlock, nil
}

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only if the lock still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// keepAlive calls extend every interval until the returned stop func is called.
func keepAlive(interval time.Duration, extend func(context.Context) error) (stop func()) {
	quit := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if err := extend(ctx); err != nil {
					zap.L().Warn("failed to extend lock lease", zap.Error(err))
				}
				cancel()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			<-done
		})
	}
}

type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func token() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (r *Redis) acquire(ctx context.Context, key, tok string) error {
	for {
		ok, err := r.client.SetNX(ctx, rediskey.BuildLockKey(key), tok, r.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return errutil.ServiceUnavailable("lock backend unavailable", err)
		}
		if ok {
			return nil
		}

		select {
		case <-time.After(retryBackoff):
		case <-ctx.Done():
			return lockTimeout(key, ctx.Err())
		}
	}
}

func (r *Redis) extend(ctx context.Context, keys []string, tok string) error {
	var errs []error
	for _, k := range keys {
		n, err := extendScript.Run(ctx, r.client, []string{rediskey.BuildLockKey(k)}, tok, r.ttl.Milliseconds()).Int()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n == 0 {
			zap.L().Error("lock lease lost", zap.String("key", k))
		}
	}
	return errors.Join(errs...)
}

// Lock holds every key until unlock; the leases are renewed every ttl/3 meanwhile.
func (r *Redis) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	tok := token()
	held := make([]string, 0, len(keys))

	release := func() {
		// release must survive a cancelled request context
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if err := releaseScript.Run(releaseCtx, r.client, []string{rediskey.BuildLockKey(held[i])}, tok).Err(); err != nil {
				zap.L().Warn("failed to release lock", zap.String("key", held[i]), zap.Error(err))
			}
		}
	}

	for _, k := range keys {
		if err := r.acquire(ctx, k, tok); err != nil {
			release()
			return nil, err
		}
		held = append(held, k)
	}

	stop := keepAlive(r.ttl/3, func(ctx context.Context) error {
		return r.extend(ctx, held, tok)
	})
	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			release()
		})
	}, nil
}
