package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestMutex(t *testing.T) (*Mutex, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewMutex(client, DefaultKey, DefaultTTL, zerolog.Nop()), mr
}

func TestAcquireSetsFencingToken(t *testing.T) {
	mutex, mr := newTestMutex(t)
	ctx := context.Background()

	l, err := mutex.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	stored, err := mr.Get(DefaultKey)
	if err != nil {
		t.Fatalf("lock key not set: %v", err)
	}
	if stored != l.Token() {
		t.Errorf("stored token = %q, want %q", stored, l.Token())
	}
	if ttl := mr.TTL(DefaultKey); ttl != DefaultTTL {
		t.Errorf("lock TTL = %v, want %v", ttl, DefaultTTL)
	}
}

func TestAcquireContended(t *testing.T) {
	mutex, _ := newTestMutex(t)
	ctx := context.Background()

	if _, err := mutex.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	_, err := mutex.Acquire(ctx)
	if !errors.Is(err, ErrContended) {
		t.Fatalf("second Acquire error = %v, want ErrContended", err)
	}
}

func TestAcquireMintsFreshTokens(t *testing.T) {
	mutex, _ := newTestMutex(t)
	ctx := context.Background()

	first, err := mutex.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	second, err := mutex.Acquire(ctx)
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	if first.Token() == second.Token() {
		t.Error("reacquired lease reused the previous fencing token")
	}
}

func TestExtendRefreshesTTL(t *testing.T) {
	mutex, mr := newTestMutex(t)
	ctx := context.Background()

	l, err := mutex.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	mr.FastForward(1500 * time.Millisecond)

	if err := l.Extend(ctx); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}
	if ttl := mr.TTL(DefaultKey); ttl != DefaultTTL {
		t.Errorf("TTL after extend = %v, want %v", ttl, DefaultTTL)
	}
}

func TestExtendAfterExpiryReportsLost(t *testing.T) {
	mutex, mr := newTestMutex(t)
	ctx := context.Background()

	l, err := mutex.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	mr.FastForward(3 * time.Second)

	if err := l.Extend(ctx); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("Extend error = %v, want ErrLeaseLost", err)
	}
}

func TestReleaseDeletesOwnKey(t *testing.T) {
	mutex, mr := newTestMutex(t)
	ctx := context.Background()

	l, err := mutex.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if mr.Exists(DefaultKey) {
		t.Error("lock key still present after release")
	}
	if _, err := mutex.Acquire(ctx); err != nil {
		t.Errorf("Acquire after release failed: %v", err)
	}
}

func TestReleaseLeavesForeignKeyAlone(t *testing.T) {
	mutex, mr := newTestMutex(t)
	ctx := context.Background()

	l, err := mutex.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// Simulate expiry plus takeover by another instance.
	mr.Set(DefaultKey, "someone-else")

	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	stored, err := mr.Get(DefaultKey)
	if err != nil {
		t.Fatalf("lock key missing: %v", err)
	}
	if stored != "someone-else" {
		t.Errorf("release removed a lease it no longer owned, key = %q", stored)
	}
}
