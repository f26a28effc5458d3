package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rcm/rcm/internal/platform/metrics"
)

// Handler processes one job. The returned value is stored as the job result.
// Returning an error schedules a retry until the attempt budget is spent.
type Handler func(ctx context.Context, job *Job) (any, error)

// Worker pulls jobs from a Queue and runs them through a Handler.
type Worker struct {
	id          string
	active      string
	q           *Queue
	handler     Handler
	concurrency int
	poll        time.Duration
	promote     time.Duration
	logger      zerolog.Logger
}

func NewWorker(q *Queue, handler Handler, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	id := newJobID()
	return &Worker{
		id:          id,
		active:      q.activeKey(id),
		q:           q,
		handler:     handler,
		concurrency: concurrency,
		poll:        time.Second,
		promote:     500 * time.Millisecond,
		logger:      q.logger.With().Str("component", "worker").Str("worker_id", id).Logger(),
	}
}

// ID identifies the worker's claims in Redis.
func (w *Worker) ID() string { return w.id }

// Run requeues jobs of stalled workers, then runs the promoter and
// concurrency consumers until ctx is cancelled. Stalled workers are checked
// again once per lease. It returns nil on a clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.q.heartbeat(ctx, w.id); err != nil {
		return err
	}
	defer func() {
		if err := w.q.release(context.Background(), w.id); err != nil {
			w.logger.Warn().Err(err).Msg("failed to release worker heartbeat")
		}
	}()
	if _, err := w.q.RecoverStalled(ctx); err != nil {
		return err
	}

	w.logger.Info().Int("concurrency", w.concurrency).Msg("worker started")
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		promote := time.NewTicker(w.promote)
		defer promote.Stop()
		recovery := time.NewTicker(w.q.opts.Lease)
		defer recovery.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-promote.C:
				if _, err := w.q.PromoteDue(gctx, 100); err != nil && gctx.Err() == nil {
					w.logger.Error().Err(err).Msg("promoter failed")
				}
			case <-recovery.C:
				if _, err := w.q.RecoverStalled(gctx); err != nil && gctx.Err() == nil {
					w.logger.Error().Err(err).Msg("stalled job recovery failed")
				}
			}
		}
	})

	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				if _, err := w.ProcessNext(gctx, w.poll); err != nil {
					if gctx.Err() != nil {
						return nil
					}
					w.logger.Error().Err(err).Msg("worker poll failed")
					sleep(gctx, time.Second)
				}
			}
			return nil
		})
	}

	err := g.Wait()
	w.logger.Info().Msg("worker stopped")
	return err
}

// ProcessNext claims and runs a single job. With block > 0 it waits up to
// block for one to arrive. It reports whether a job was processed.
func (w *Worker) ProcessNext(ctx context.Context, block time.Duration) (bool, error) {
	q := w.q
	// The lease must be live before anything lands in the active list.
	if err := q.heartbeat(ctx, w.id); err != nil {
		return false, err
	}

	var (
		id  string
		err error
	)
	if block > 0 {
		id, err = q.rdb.BLMove(ctx, q.key("wait"), w.active, "RIGHT", "LEFT", block).Result()
	} else {
		id, err = q.rdb.LMove(ctx, q.key("wait"), w.active, "RIGHT", "LEFT").Result()
	}
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}

	job, err := q.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		w.logger.Warn().Str("job_id", id).Msg("dropping job id without record")
		return true, q.rdb.LRem(ctx, w.active, 1, id).Err()
	}
	if err != nil {
		return false, err
	}

	started := q.now()
	job.State = StateActive
	job.Attempts++
	job.ProcessedAt = &started
	if err := q.save(ctx, q.rdb, job, 0); err != nil {
		return true, err
	}

	stop := w.keepAlive(ctx)
	result, runErr := w.run(ctx, job)
	stop()
	metrics.QueueJobDuration.WithLabelValues(q.name).Observe(time.Since(started).Seconds())

	if runErr == nil {
		return true, w.complete(ctx, job, result)
	}
	return true, w.fail(ctx, job, runErr)
}

func (w *Worker) run(ctx context.Context, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Str("job_id", job.ID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("job panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) complete(ctx context.Context, job *Job, result any) error {
	q := w.q
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return w.fail(ctx, job, fmt.Errorf("encode result: %w", err))
		}
		job.Result = raw
	}
	finished := q.now()
	job.State = StateCompleted
	job.FinishedAt = &finished
	job.Error = ""

	pipe := q.rdb.TxPipeline()
	_ = q.save(ctx, pipe, job, q.opts.Retention)
	pipe.LRem(ctx, w.active, 1, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}

	metrics.QueueJobs.WithLabelValues(q.name, "completed").Inc()
	w.logger.Info().Str("job_id", job.ID).Str("job", job.Name).Int("attempt", job.Attempts).Msg("job completed")
	return nil
}

func (w *Worker) fail(ctx context.Context, job *Job, cause error) error {
	q := w.q
	job.Error = cause.Error()
	now := q.now()

	pipe := q.rdb.TxPipeline()
	if job.Attempts < job.MaxAttempts {
		delay := q.opts.retryDelay(job.Attempts)
		runAt := now.Add(delay)
		job.State = StateDelayed
		job.RunAt = &runAt
		_ = q.save(ctx, pipe, job, 0)
		pipe.LRem(ctx, w.active, 1, job.ID)
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("schedule retry for job %s: %w", job.ID, err)
		}
		metrics.QueueJobs.WithLabelValues(q.name, "retried").Inc()
		w.logger.Warn().Err(cause).
			Str("job_id", job.ID).
			Int("attempt", job.Attempts).
			Dur("retry_in", delay).
			Msg("job failed, retry scheduled")
		return nil
	}

	job.State = StateFailed
	job.FinishedAt = &now
	job.RunAt = nil
	_ = q.save(ctx, pipe, job, 0)
	pipe.LRem(ctx, w.active, 1, job.ID)
	pipe.LPush(ctx, q.key("dead"), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bury job %s: %w", job.ID, err)
	}
	metrics.QueueJobs.WithLabelValues(q.name, "failed").Inc()
	w.logger.Error().Err(cause).
		Str("job_id", job.ID).
		Int("attempts", job.Attempts).
		Msg("job failed permanently")
	return nil
}

// keepAlive extends the worker lease while a job runs.
func (w *Worker) keepAlive(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(w.q.opts.Lease / 3)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := w.q.heartbeat(ctx, w.id); err != nil && ctx.Err() == nil {
					w.logger.Warn().Err(err).Msg("worker heartbeat failed")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
