package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLocalLocker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewLocalLocker()

	runCtx, unlock, err := l.Acquire(ctx, SourceGmail)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if runCtx != ctx {
		t.Error("local lock should run under the caller's context")
	}
	if _, _, err := l.Acquire(ctx, SourceGmail); !errors.Is(err, ErrLocked) {
		t.Errorf("second Acquire err = %v, want ErrLocked", err)
	}
	_, other, err := l.Acquire(ctx, SourceSlack)
	if err != nil {
		t.Fatalf("other source should not contend: %v", err)
	}
	_ = other(ctx)

	_ = unlock(ctx)
	_ = unlock(ctx)
	_, again, err := l.Acquire(ctx, SourceGmail)
	if err != nil {
		t.Fatalf("Acquire after unlock: %v", err)
	}
	_ = again(ctx)
}

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := NewRedisClient(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewRedisClient_BadURL(t *testing.T) {
	t.Parallel()

	if _, err := NewRedisClient(context.Background(), "http://localhost:6379"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRedisLocker_Contention(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, rdb := newMiniRedis(t)
	a := NewRedisLocker(rdb, "test:", time.Minute)
	b := NewRedisLocker(rdb, "test:", time.Minute)

	_, unlock, err := a.Acquire(ctx, SourceGmail)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if ttl := mr.TTL("test:gmail"); ttl != time.Minute {
		t.Errorf("lock ttl = %v, want 1m", ttl)
	}
	if _, _, err := b.Acquire(ctx, SourceGmail); !errors.Is(err, ErrLocked) {
		t.Errorf("contended Acquire err = %v, want ErrLocked", err)
	}
	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if mr.Exists("test:gmail") {
		t.Error("unlock left the key behind")
	}
	if err := unlock(ctx); err != nil {
		t.Errorf("second unlock: %v", err)
	}
	_, relock, err := b.Acquire(ctx, SourceGmail)
	if err != nil {
		t.Fatalf("Acquire after unlock: %v", err)
	}
	_ = relock(ctx)
}

func TestRedisLocker_RefreshOutlivesTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, rdb := newMiniRedis(t)
	ttl := 300 * time.Millisecond
	l := NewRedisLocker(rdb, "test:", ttl)

	runCtx, unlock, err := l.Acquire(ctx, SourceSlack)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = unlock(ctx) }()

	// run time passes well beyond the original TTL
	for range 3 {
		mr.FastForward(250 * time.Millisecond)
		waitFor(t, "lock refresh", func() bool { return mr.TTL("test:slack") > 100*time.Millisecond })
	}
	if !mr.Exists("test:slack") {
		t.Fatal("lock expired while the run was alive")
	}
	if runCtx.Err() != nil {
		t.Errorf("run context cancelled: %v", context.Cause(runCtx))
	}
	if _, _, err := l.Acquire(ctx, SourceSlack); !errors.Is(err, ErrLocked) {
		t.Errorf("Acquire during a refreshed run err = %v, want ErrLocked", err)
	}
}

func TestRedisLocker_LostLockCancelsRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, rdb := newMiniRedis(t)
	l := NewRedisLocker(rdb, "test:", 150*time.Millisecond)

	runCtx, unlock, err := l.Acquire(ctx, SourceGCal)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// the key expired and another process took it
	if err := mr.Set("test:gcal", "someone-else"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-runCtx.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("run context not cancelled after losing the lock")
	}
	if cause := context.Cause(runCtx); !errors.Is(cause, ErrLockLost) {
		t.Errorf("cause = %v, want ErrLockLost", cause)
	}

	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if got, _ := mr.Get("test:gcal"); got != "someone-else" {
		t.Errorf("unlock touched the new holder's key: %q", got)
	}
}
