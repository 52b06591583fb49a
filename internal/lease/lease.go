package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/u-wave/core-go/internal/telemetry"
)

const (
	// DefaultKey is the Redis key guarding booth advancement across instances.
	DefaultKey = "booth:advancing"

	// DefaultTTL bounds how long a crashed holder can block the next advance.
	DefaultTTL = 2 * time.Second
)

var (
	// ErrContended is returned when another instance holds the lease.
	ErrContended = errors.New("lease: held by another instance")

	// ErrLeaseLost is returned when the caller's token no longer owns the key.
	ErrLeaseLost = errors.New("lease: token no longer holds the key")
)

// extendScript refreshes the TTL only while the caller still owns the key.
const extendScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// releaseScript deletes the key only while the caller still owns it.
const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// Mutex hands out short-lived fenced leases on a single Redis key.
//
// Every acquisition mints a fresh token, so a write fenced on an old
// token can never be mistaken for one fenced on the current lease even
// when the same instance reacquires.
type Mutex struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewMutex creates a mutex over key with the given lease TTL.
func NewMutex(client *redis.Client, key string, ttl time.Duration, logger zerolog.Logger) *Mutex {
	if key == "" {
		key = DefaultKey
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Mutex{
		client: client,
		key:    key,
		ttl:    ttl,
		logger: logger.With().Str("component", "lease").Logger(),
	}
}

// Key returns the Redis key the mutex guards.
func (m *Mutex) Key() string {
	return m.key
}

// Acquire attempts to take the lease with a fresh fencing token.
// It does not block or retry: a held lease means someone else is mid
// transition, and the caller reports that instead of queueing behind it.
func (m *Mutex) Acquire(ctx context.Context) (*Lease, error) {
	token := uuid.New().String()

	acquired, err := m.client.SetNX(ctx, m.key, token, m.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		telemetry.BoothLockContention.Inc()
		return nil, ErrContended
	}

	m.logger.Debug().Str("token", token).Msg("lease acquired")

	return &Lease{mutex: m, token: token}, nil
}

// Lease is a live fencing token on the mutex key. State writes that must
// not outlive the lease compare the token server-side before applying.
type Lease struct {
	mutex *Mutex
	token string
}

// Token returns the fencing token for server-side ownership checks.
func (l *Lease) Token() string {
	return l.token
}

// Extend refreshes the lease TTL. It fails with ErrLeaseLost when the
// key expired or was taken over since acquisition.
func (l *Lease) Extend(ctx context.Context) error {
	res, err := l.mutex.client.Eval(ctx, extendScript, []string{l.mutex.key}, l.token, l.mutex.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if res == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release drops the lease if this token still owns it. Releasing an
// already-expired lease is not an error.
func (l *Lease) Release(ctx context.Context) error {
	res, err := l.mutex.client.Eval(ctx, releaseScript, []string{l.mutex.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if res == 0 {
		l.mutex.logger.Debug().Str("token", l.token).Msg("lease already gone at release")
		return nil
	}

	l.mutex.logger.Debug().Str("token", l.token).Msg("lease released")
	return nil
}
