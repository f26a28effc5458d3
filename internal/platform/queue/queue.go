// Package queue is a small durable job queue on Redis with at-least-once
// delivery, bounded retries with exponential backoff and a dead list for
// jobs that exhaust their attempts.
//
// Layout for a queue named q:
//
//	queue:q:wait        list of job ids ready to run (LPUSH in, pop from the right)
//	queue:q:workers     set of worker ids that may hold claimed jobs
//	queue:q:worker:<w>  heartbeat of worker w, expires after Options.Lease
//	queue:q:active:<w>  list of job ids claimed by worker w
//	queue:q:delayed     zset of job ids scored by run-at unix milliseconds
//	queue:q:dead        list of job ids that ran out of attempts
//	queue:q:job:<id>    JSON job record
//
// A worker's claimed jobs are only requeued once its heartbeat has lapsed,
// so jobs held by a live worker are never handed out twice.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Queue struct {
	rdb    redis.UniversalClient
	name   string
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

func New(rdb redis.UniversalClient, name string, opts Options, logger zerolog.Logger) *Queue {
	return &Queue{
		rdb:    rdb,
		name:   name,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "queue").Str("queue", name).Logger(),
		now:    time.Now,
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Options() Options { return q.opts }

func (q *Queue) key(part string) string { return "queue:" + q.name + ":" + part }

func (q *Queue) jobKey(id string) string { return q.key("job:" + id) }

func (q *Queue) activeKey(workerID string) string { return q.key("active:" + workerID) }

func (q *Queue) heartbeatKey(workerID string) string { return q.key("worker:" + workerID) }

// heartbeat registers workerID and extends its lease.
func (q *Queue) heartbeat(ctx context.Context, workerID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.SAdd(ctx, q.key("workers"), workerID)
	pipe.Set(ctx, q.heartbeatKey(workerID), q.now().UTC().Format(time.RFC3339Nano), q.opts.Lease)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("worker heartbeat: %w", err)
	}
	return nil
}

// release drops the heartbeat of a stopping worker so that anything it
// still holds can be recovered without waiting for the lease to lapse.
func (q *Queue) release(ctx context.Context, workerID string) error {
	return q.rdb.Del(ctx, q.heartbeatKey(workerID)).Err()
}

// Enqueue stores a new job and makes it immediately available to workers.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}
	job := &Job{
		ID:          newJobID(),
		Queue:       q.name,
		Name:        name,
		Payload:     raw,
		State:       StateWaiting,
		MaxAttempts: q.opts.MaxAttempts,
		CreatedAt:   q.now().UTC(),
	}
	rec, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), rec, 0)
	pipe.LPush(ctx, q.key("wait"), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	q.logger.Debug().Str("job_id", job.ID).Str("job", name).Msg("job enqueued")
	return job, nil
}

// Get loads a job record. Completed jobs are readable until their retention
// lapses; after that Get returns ErrJobNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	raw, err := q.rdb.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

type Stats struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Dead    int64 `json:"failed"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	workers, err := q.rdb.SMembers(ctx, q.key("workers")).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}

	pipe := q.rdb.Pipeline()
	wait := pipe.LLen(ctx, q.key("wait"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	dead := pipe.LLen(ctx, q.key("dead"))
	active := make([]*redis.IntCmd, 0, len(workers))
	for _, w := range workers {
		active = append(active, pipe.LLen(ctx, q.activeKey(w)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}

	st := Stats{Waiting: wait.Val(), Delayed: delayed.Val(), Dead: dead.Val()}
	for _, n := range active {
		st.Active += n.Val()
	}
	return st, nil
}

// Retry moves a dead job back to the wait list with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) (*Job, error) {
	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State != StateFailed {
		return nil, fmt.Errorf("job %s is %s, not failed", id, job.State)
	}

	removed, err := q.rdb.LRem(ctx, q.key("dead"), 1, id).Result()
	if err != nil {
		return nil, fmt.Errorf("retry job %s: %w", id, err)
	}
	if removed == 0 {
		return nil, ErrJobNotFound
	}

	job.State = StateWaiting
	job.Attempts = 0
	job.Error = ""
	job.FinishedAt = nil
	job.RunAt = nil
	if err := q.save(ctx, q.rdb, job, 0); err != nil {
		return nil, err
	}
	if err := q.rdb.LPush(ctx, q.key("wait"), id).Err(); err != nil {
		return nil, fmt.Errorf("retry job %s: %w", id, err)
	}
	return job, nil
}

// recoverScript requeues the claimed jobs of one worker whose heartbeat
// has lapsed and forgets the worker. It returns -1 for a live worker.
var recoverScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return -1
end
local n = 0
while redis.call('LMOVE', KEYS[2], KEYS[3], 'LEFT', 'RIGHT') do
  n = n + 1
end
redis.call('SREM', KEYS[4], ARGV[1])
return n
`)

// RecoverStalled returns the jobs claimed by workers whose heartbeat has
// lapsed to the front of the wait list. Jobs of live workers are left alone,
// so it is safe to call from any number of processes.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	workers, err := q.rdb.SMembers(ctx, q.key("workers")).Result()
	if err != nil {
		return 0, fmt.Errorf("recover stalled jobs: %w", err)
	}

	total := 0
	for _, w := range workers {
		n, err := recoverScript.Run(ctx, q.rdb,
			[]string{q.heartbeatKey(w), q.activeKey(w), q.key("wait"), q.key("workers")},
			w,
		).Int()
		if err != nil {
			return total, fmt.Errorf("recover jobs of worker %s: %w", w, err)
		}
		if n < 0 {
			continue
		}
		if n > 0 {
			q.logger.Warn().Str("worker_id", w).Int("jobs", n).Msg("requeued jobs of stalled worker")
		}
		total += n
	}
	return total, nil
}

// promoteScript moves due delayed jobs to the wait list in one step.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// PromoteDue moves up to limit delayed jobs whose run-at has passed.
func (q *Queue) PromoteDue(ctx context.Context, limit int) (int64, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.key("delayed"), q.key("wait")},
		q.now().UnixMilli(), limit,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	return n, nil
}

func (q *Queue) save(ctx context.Context, c redis.Cmdable, job *Job, ttl time.Duration) error {
	rec, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := c.Set(ctx, q.jobKey(job.ID), rec, ttl).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}
