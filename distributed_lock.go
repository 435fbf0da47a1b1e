package s3db

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedLock provides Redis-based distributed locking as an optional
// fast-path accelerant in front of the object store's own conditional
// writes. It never replaces the authoritative lock: ec_consolidator.go
// consults it first to absorb contention cheaply, but the S3/GCS/
// filesystem put-if-absent object remains the source of truth.
type DistributedLock struct {
	redis      *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
	ownsClient bool
}

// NewDistributedLock creates a new distributed lock manager using Redis.
func NewDistributedLock(redis *redis.Client, keyPrefix string) *DistributedLock {
	return &DistributedLock{
		redis:      redis,
		keyPrefix:  keyPrefix,
		defaultTTL: 30 * time.Second,
		ownsClient: false,
	}
}

// NewDistributedLockWithOwnedClient creates a lock manager that owns the
// Redis client, closing it on Close.
func NewDistributedLockWithOwnedClient(redis *redis.Client, keyPrefix string) *DistributedLock {
	return &DistributedLock{
		redis:      redis,
		keyPrefix:  keyPrefix,
		defaultTTL: 30 * time.Second,
		ownsClient: true,
	}
}

// Lock acquires a distributed lock for key via Redis SETNX. Returns a
// release function that must be called to release the lock.
func (l *DistributedLock) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl == 0 {
		ttl = l.defaultTTL
	}

	lockKey := fmt.Sprintf("%s:lock:%s", l.keyPrefix, key)
	lockValue := fmt.Sprintf("%d", time.Now().UnixNano())

	success, err := l.redis.SetNX(ctx, lockKey, lockValue, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !success {
		return nil, WithContext(ErrLockHeld, map[string]interface{}{
			"key": key,
			"ttl": ttl,
		})
	}

	release := func() {
		cleanupCtx := context.Background()
		// Only delete if we still own the lock (value still matches);
		// a stale release after TTL expiry must not clobber whoever
		// acquired the key next.
		script := `
			if redis.call("get", KEYS[1]) == ARGV[1] then
				return redis.call("del", KEYS[1])
			else
				return 0
			end
		`
		_, _ = l.redis.Eval(cleanupCtx, script, []string{lockKey}, lockValue).Result()
	}

	return release, nil
}

// TryLockWithRetry attempts to acquire a lock with exponential backoff
// retry, for handling temporary contention.
func (l *DistributedLock) TryLockWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int) (func(), error) {
	config := DefaultRetryConfig()
	config.MaxRetries = maxRetries

	var lastErr error
	for i := 0; i < config.MaxRetries; i++ {
		release, err := l.Lock(ctx, key, ttl)
		if err == nil {
			return release, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if i < config.MaxRetries-1 {
			backoff := config.InitialBackoff * time.Duration(int64(1)<<uint(i))
			jitter := time.Duration(float64(backoff) * config.JitterPercent)
			time.Sleep(backoff + jitter)
		}
	}

	return nil, fmt.Errorf("failed to acquire lock after %d retries: %w", config.MaxRetries, lastErr)
}

// WithAtomicUpdate runs fn with distributed lock protection around key,
// so a read-modify-write against the object store is serialized across
// every process sharing the same Redis instance. Metrics mirror the
// object-store lock path's names so dashboards don't need two families.
func WithAtomicUpdate(ctx context.Context, db *Database, lock *DistributedLock, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if lock == nil {
		return fmt.Errorf("distributed lock is required for atomic updates")
	}
	if db == nil {
		return fmt.Errorf("database is required for atomic updates")
	}
	if ttl == 0 {
		ttl = 10 * time.Second
	}

	lockStart := time.Now()
	release, err := lock.TryLockWithRetry(ctx, key, ttl, 3)
	lockWaitTime := time.Since(lockStart)
	db.Metrics.Timing(MetricLockWaitTime, lockWaitTime, "key", key)

	if err != nil {
		db.Metrics.Increment(MetricLockFailed, "key", key)
		db.Metrics.Increment(MetricLockTimeout, "key", key)
		return fmt.Errorf("failed to acquire lock for atomic update on %s: %w", key, err)
	}
	db.Metrics.Increment(MetricLockAcquired, "key", key)

	if lockWaitTime > 5*time.Millisecond {
		db.Metrics.Increment(MetricLockContention, "key", key)
		db.Metrics.Histogram(MetricLockContention, lockWaitTime.Seconds(), "key", key)
	}
	defer release()

	executionStart := time.Now()
	fnErr := fn(ctx)
	db.Metrics.Timing(MetricLockDuration, time.Since(executionStart), "key", key)
	return fnErr
}

// Close releases resources held by the distributed lock.
func (l *DistributedLock) Close() error {
	if l.ownsClient && l.redis != nil {
		return l.redis.Close()
	}
	return nil
}
