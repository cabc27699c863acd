package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another run holds the source.
var ErrLocked = errors.New("syncer: source sync already running")

// ErrLockLost is the cancellation cause of a run whose lock expired or was
// taken over while it was still running.
var ErrLockLost = errors.New("syncer: source lock lost")

// Unlock releases a held source lock.
type Unlock func(ctx context.Context) error

// Locker serialises runs per source. The returned context is derived from
// ctx and is cancelled with ErrLockLost if the lock stops being ours; the run
// must do all of its work under it.
type Locker interface {
	Acquire(ctx context.Context, src Source) (context.Context, Unlock, error)
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu   sync.Mutex
	held map[Source]bool
}

// NewLocalLocker returns an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[Source]bool)}
}

// Acquire fails fast with ErrLocked instead of waiting. A local lock cannot
// be lost, so ctx is returned as is.
func (l *LocalLocker) Acquire(ctx context.Context, src Source) (context.Context, Unlock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[src] {
		return nil, nil, ErrLocked
	}
	l.held[src] = true
	var once sync.Once
	return ctx, func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, src)
			l.mu.Unlock()
		})
		return nil
	}, nil
}

// DefaultLockTTL bounds how long a crashed holder can block a source. Live
// holders refresh it every third of the TTL.
const DefaultLockTTL = 2 * time.Minute

// unlockScript deletes the key only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the key's TTL only while it still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker shares source locks between processes.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisLocker locks keys "<prefix><source>" with SET NX PX.
func NewRedisLocker(client redis.Cmdable, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "intake:sync:"
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisClient parses a redis:// URL and checks the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Acquire takes the lock or returns ErrLocked. The lock is refreshed in the
// background until Unlock; if a refresh finds another token in the key the
// returned context is cancelled with ErrLockLost.
func (l *RedisLocker) Acquire(ctx context.Context, src Source) (context.Context, Unlock, error) {
	key := l.prefix + string(src)
	token := ulid.Make().String()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		return nil, nil, ErrLocked
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		l.keepAlive(runCtx, key, token, cancel, done)
	}()

	var once sync.Once
	return runCtx, func(ctx context.Context) error {
		var err error
		once.Do(func() {
			close(done)
			<-stopped
			cancel(nil)
			if e := unlockScript.Run(ctx, l.client, []string{key}, token).Err(); e != nil && !errors.Is(e, redis.Nil) {
				err = fmt.Errorf("releasing lock %s: %w", key, e)
			}
		})
		return err
	}, nil
}

// keepAlive extends the lock every ttl/3. Refresh errors are retried on the
// next tick; the key outlives two missed refreshes.
func (l *RedisLocker) keepAlive(ctx context.Context, key, token string, lost context.CancelCauseFunc, done <-chan struct{}) {
	every := max(l.ttl/3, time.Millisecond)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
		}
		rctx, cancel := context.WithTimeout(ctx, every)
		n, err := refreshScript.Run(rctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			continue
		}
		if n == 0 {
			lost(ErrLockLost)
			return
		}
	}
}
