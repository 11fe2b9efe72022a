package budget

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// SpendStore accumulates daily USD spend per key. Add must be atomic so
// that concurrent preflight reservations cannot jointly slip past the cap.
type SpendStore interface {
	// Add atomically adds amount (may be negative for releases) and
	// returns the new total.
	Add(ctx context.Context, key string, amount float64) (float64, error)

	// Total returns the current accumulated value for key.
	Total(ctx context.Context, key string) (float64, error)

	Close() error
}

// MemorySpendStore is the single-process default.
type MemorySpendStore struct {
	mu    sync.Mutex
	spend map[string]float64
}

func NewMemorySpendStore() *MemorySpendStore {
	return &MemorySpendStore{spend: make(map[string]float64)}
}

func (m *MemorySpendStore) Add(_ context.Context, key string, amount float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.spend[key] += amount
	return m.spend[key], nil
}

func (m *MemorySpendStore) Total(_ context.Context, key string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spend[key], nil
}

func (m *MemorySpendStore) Close() error { return nil }

// RedisSpendStore shares spend counters across processes using
// INCRBYFLOAT, which is atomic server-side. Keys carry the day stamp, so
// daily reset is an expiry rather than a mutation.
type RedisSpendStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSpendStore connects to Redis and returns a shared spend store.
func NewRedisSpendStore(addr, password string, db int) (*RedisSpendStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisSpendStore{client: client, ttl: 48 * time.Hour}, nil
}

func (r *RedisSpendStore) Add(ctx context.Context, key string, amount float64) (float64, error) {
	total, err := r.client.IncrByFloat(ctx, key, amount).Result()
	if err != nil {
		return 0, fmt.Errorf("redis INCRBYFLOAT failed: %w", err)
	}
	// Keep yesterday's counter around briefly for reconciliation, then
	// let it expire.
	r.client.Expire(ctx, key, r.ttl)
	return total, nil
}

func (r *RedisSpendStore) Total(ctx context.Context, key string) (float64, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis GET failed: %w", err)
	}

	total, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed spend counter %q: %w", val, err)
	}
	return total, nil
}

func (r *RedisSpendStore) Close() error {
	return r.client.Close()
}
