package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/rcm/rcm/internal/platform/db"
)

// Deduper claims an event id in the fast path. Claim reports false when the
// id was already claimed.
type Deduper interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// DedupeTTL is how long a claimed event id blocks redelivery in Redis.
const DedupeTTL = 24 * time.Hour

// RedisDeduper claims ids with SETNX webhook:<id>.
type RedisDeduper struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisDeduper(rdb redis.UniversalClient, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, eventID string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, "webhook:"+eventID, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim webhook event: %w", err)
	}
	return ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, eventID string) error {
	return d.rdb.Del(ctx, "webhook:"+eventID).Err()
}

// EventLog is the durable record of processed events. Record reports false
// when the event id is already recorded. Forget drops a record whose
// processing failed.
type EventLog interface {
	Record(ctx context.Context, provider string, ev *Event) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

type PGEventLog struct {
	pool *pgxpool.Pool
}

func NewPGEventLog(pool *pgxpool.Pool) *PGEventLog {
	return &PGEventLog{pool: pool}
}

func (l *PGEventLog) Record(ctx context.Context, provider string, ev *Event) (bool, error) {
	tag, err := db.Conn(ctx, l.pool).Exec(ctx, `
		INSERT INTO webhook_events (provider, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`,
		provider, ev.ID, ev.Type,
	)
	if err != nil {
		return false, fmt.Errorf("record webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *PGEventLog) Forget(ctx context.Context, eventID string) error {
	if _, err := db.Conn(ctx, l.pool).Exec(ctx, `DELETE FROM webhook_events WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("forget webhook event: %w", err)
	}
	return nil
}

// MemoryEventLog is an in-process EventLog for tests.
type MemoryEventLog struct {
	mu   sync.Mutex
	seen map[string]string // event id -> type
	err  error
}

func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{seen: make(map[string]string)}
}

func (l *MemoryEventLog) Record(_ context.Context, _ string, ev *Event) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if _, ok := l.seen[ev.ID]; ok {
		return false, nil
	}
	l.seen[ev.ID] = ev.Type
	return true, nil
}

func (l *MemoryEventLog) Forget(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, eventID)
	return nil
}

func (l *MemoryEventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

var errNoEventID = errors.New("event id is required")
