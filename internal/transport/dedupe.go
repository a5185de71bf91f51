package transport

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupeKeyPrefix = "event_seen:"

// Deduper filters inbound events that arrive on both the socket and the
// webhook path. Seen reports whether the id was marked before, marking it
// as a side effect.
type Deduper interface {
	Seen(ctx context.Context, eventID string) bool
}

// MemoryDeduper remembers the last capacity event ids. Suitable for a
// single-process deployment.
type MemoryDeduper struct {
	mu       sync.Mutex
	capacity int
	order    []string
	seen     map[string]struct{}
}

func NewMemoryDeduper(capacity int) *MemoryDeduper {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryDeduper{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

func (d *MemoryDeduper) Seen(_ context.Context, eventID string) bool {
	if eventID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[eventID]; ok {
		return true
	}
	d.seen[eventID] = struct{}{}
	d.order = append(d.order, eventID)
	if len(d.order) > d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}

// RedisDeduper shares seen ids across replicas via SETNX with a TTL.
// Unreachable Redis fails open: better a duplicate event than a dropped one.
type RedisDeduper struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{redis: client, ttl: ttl}
}

func (d *RedisDeduper) Seen(ctx context.Context, eventID string) bool {
	if eventID == "" || d.redis == nil {
		return false
	}
	set, err := d.redis.SetNX(ctx, dedupeKeyPrefix+eventID, 1, d.ttl).Result()
	if err != nil {
		return false
	}
	return !set
}
