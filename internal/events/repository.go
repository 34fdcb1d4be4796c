package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"conductor/internal/constants"
)

// Repository holds the per-source counters and the dedup index.
// Implementations must make every method atomic across replicas.
type Repository interface {
	// ClaimKey records key for ttl. It reports false when the key is already present.
	ClaimKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseKey(ctx context.Context, key string) error
	NextSequence(ctx context.Context, sourceID string) (int64, error)
	// RollbackSequence decrements the counter only while it still equals seq.
	RollbackSequence(ctx context.Context, sourceID string, seq int64) (bool, error)
	LastSequence(ctx context.Context, sourceID string) (int64, error)
}

type RedisRepository struct {
	client *redis.Client
}

func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{client: client}
}

var rollbackScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current and tonumber(current) == tonumber(ARGV[1]) then
	redis.call("DECR", KEYS[1])
	return 1
end
return 0
`)

func (r *RedisRepository) ClaimKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, constants.CacheKeyPrefixDedup+key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SetNX failed: %w", err)
	}
	return ok, nil
}

func (r *RedisRepository) ReleaseKey(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, constants.CacheKeyPrefixDedup+key).Err(); err != nil {
		return fmt.Errorf("redis Del failed: %w", err)
	}
	return nil
}

func (r *RedisRepository) NextSequence(ctx context.Context, sourceID string) (int64, error) {
	seq, err := r.client.Incr(ctx, constants.CacheKeyPrefixSequence+sourceID).Result()
	if err != nil {
		return 0, fmt.Errorf("redis Incr failed: %w", err)
	}
	return seq, nil
}

func (r *RedisRepository) RollbackSequence(ctx context.Context, sourceID string, seq int64) (bool, error) {
	n, err := rollbackScript.Run(ctx, r.client, []string{constants.CacheKeyPrefixSequence + sourceID}, seq).Int()
	if err != nil {
		return false, fmt.Errorf("redis rollback script failed: %w", err)
	}
	return n == 1, nil
}

func (r *RedisRepository) LastSequence(ctx context.Context, sourceID string) (int64, error) {
	val, err := r.client.Get(ctx, constants.CacheKeyPrefixSequence+sourceID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis Get failed: %w", err)
	}
	seq, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt sequence for source %s: %w", sourceID, err)
	}
	return seq, nil
}

// MemoryRepository is a single-process Repository.
type MemoryRepository struct {
	mu        sync.Mutex
	keys      map[string]time.Time
	sequences map[string]int64
	now       func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		keys:      make(map[string]time.Time),
		sequences: make(map[string]int64),
		now:       time.Now,
	}
}

// WithClock replaces the clock used for TTL expiry.
func (m *MemoryRepository) WithClock(now func() time.Time) *MemoryRepository {
	m.now = now
	return m
}

func (m *MemoryRepository) ClaimKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expires, ok := m.keys[key]; ok && now.Before(expires) {
		return false, nil
	}
	m.keys[key] = now.Add(ttl)
	m.evictExpired(now)
	return true, nil
}

func (m *MemoryRepository) evictExpired(now time.Time) {
	for k, expires := range m.keys {
		if !now.Before(expires) {
			delete(m.keys, k)
		}
	}
}

func (m *MemoryRepository) ReleaseKey(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func (m *MemoryRepository) NextSequence(ctx context.Context, sourceID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[sourceID]++
	return m.sequences[sourceID], nil
}

func (m *MemoryRepository) RollbackSequence(ctx context.Context, sourceID string, seq int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sequences[sourceID] != seq {
		return false, nil
	}
	m.sequences[sourceID]--
	return true, nil
}

func (m *MemoryRepository) LastSequence(ctx context.Context, sourceID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sequences[sourceID], nil
}
