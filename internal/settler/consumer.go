package settler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-inference-settlement/internal/metrics"
	"github.com/0gfoundation/0g-inference-settlement/internal/settlement"
)

// Closer runs the ordered end-of-session settlement for one job.
type Closer interface {
	CloseSession(ctx context.Context, jobID uint64) error
}

// RetryRecorder is told about every failed round. Optional.
type RetryRecorder interface {
	RecordRetry(ctx context.Context, jobID uint64, attempt int, cause error)
}

// Queue retries session ends that failed inline. Failed rounds wait in a
// sorted set until due; tasks past MaxAttempts go to the DLQ.
type Queue struct {
	rdb         *redis.Client
	backoff     Backoff
	maxAttempts int
	pollTimeout time.Duration
	recorder    RetryRecorder
	log         *zap.Logger
	now         func() time.Time
}

func NewQueue(rdb *redis.Client, backoff Backoff, maxAttempts int, recorder RetryRecorder, log *zap.Logger) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Queue{
		rdb:         rdb,
		backoff:     backoff.withDefaults(),
		maxAttempts: maxAttempts,
		pollTimeout: time.Second,
		recorder:    recorder,
		log:         log,
		now:         time.Now,
	}
}

// Enqueue schedules a retry for jobID. A job already queued is not added twice.
func (q *Queue) Enqueue(ctx context.Context, jobID uint64, cause error) error {
	added, err := q.rdb.SAdd(ctx, QueuedKey, jobID).Result()
	if err != nil {
		return fmt.Errorf("enqueue job %d: %w", jobID, err)
	}
	if added == 0 {
		return nil
	}
	t := Task{JobID: jobID, Attempt: 1, Enqueued: q.now().Unix()}
	if cause != nil {
		t.LastError = cause.Error()
	}
	if err := q.schedule(ctx, t, q.now().Add(q.backoff.Delay(1))); err != nil {
		q.unmark(ctx, jobID)
		return fmt.Errorf("enqueue job %d: %w", jobID, err)
	}
	return nil
}

// Run consumes the queue until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, closer Closer) error {
	q.log.Info("session-end settler started", zap.String("queue", QueueKey))
	for {
		if ctx.Err() != nil {
			q.log.Info("session-end settler stopped")
			return nil
		}
		if err := q.promote(ctx); err != nil && ctx.Err() == nil {
			q.log.Error("settler: promote due tasks", zap.Error(err))
		}

		results, err := q.rdb.BLPop(ctx, q.pollTimeout, QueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			q.log.Error("settler: BLPOP error", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		q.handle(ctx, closer, results[1])
	}
}

// ProcessOnce promotes due tasks and handles at most one without blocking.
func (q *Queue) ProcessOnce(ctx context.Context, closer Closer) (bool, error) {
	if err := q.promote(ctx); err != nil {
		return false, err
	}
	raw, err := q.rdb.LPop(ctx, QueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	q.handle(ctx, closer, raw)
	return true, nil
}

// Pending returns the number of tasks waiting or ready.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	return q.rdb.SCard(ctx, QueuedKey).Result()
}

// DeadLetters returns tasks that exhausted their attempts.
func (q *Queue) DeadLetters(ctx context.Context) ([]Task, error) {
	raw, err := q.rdb.LRange(ctx, DLQKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(raw))
	for _, r := range raw {
		var t Task
		if err := json.Unmarshal([]byte(r), &t); err == nil {
			out = append(out, t)
		}
	}
	return out, nil
}

func (q *Queue) handle(ctx context.Context, closer Closer, raw string) {
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		q.log.Error("settler: unmarshal task", zap.String("raw", raw), zap.Error(err))
		return
	}

	err := q.backoff.Retry(ctx, func(ctx context.Context) error {
		return closer.CloseSession(ctx, t.JobID)
	})
	if err == nil {
		q.rdb.SRem(ctx, QueuedKey, t.JobID)
		metrics.SessionEndRetries.WithLabelValues("success").Inc()
		q.log.Info("queued session end settled", zap.Uint64("job", t.JobID), zap.Int("attempt", t.Attempt))
		return
	}

	if ctx.Err() != nil {
		// Shutting down: put the task back untouched.
		_ = q.rdb.LPush(context.Background(), QueueKey, raw).Err()
		return
	}

	t.LastError = err.Error()
	if q.recorder != nil {
		q.recorder.RecordRetry(ctx, t.JobID, t.Attempt, err)
	}

	if !settlement.Retryable(err) || t.Attempt >= q.maxAttempts {
		b, _ := json.Marshal(t)
		q.rdb.RPush(ctx, DLQKey, string(b))
		q.rdb.SRem(ctx, QueuedKey, t.JobID)
		metrics.SessionEndRetries.WithLabelValues("dlq").Inc()
		q.log.Error("session end moved to DLQ",
			zap.Uint64("job", t.JobID), zap.Int("attempt", t.Attempt), zap.Error(err))
		return
	}

	t.Attempt++
	if err := q.schedule(ctx, t, q.now().Add(q.backoff.Delay(t.Attempt))); err != nil {
		q.unmark(ctx, t.JobID)
		q.log.Error("settler: reschedule failed, task dropped", zap.Uint64("job", t.JobID), zap.Error(err))
		return
	}
	metrics.SessionEndRetries.WithLabelValues("requeued").Inc()
	q.log.Warn("session end retry scheduled",
		zap.Uint64("job", t.JobID), zap.Int("attempt", t.Attempt), zap.Error(err))
}

// unmark drops jobID from the queued set so a later Enqueue can add it again.
func (q *Queue) unmark(ctx context.Context, jobID uint64) {
	if err := q.rdb.SRem(context.WithoutCancel(ctx), QueuedKey, jobID).Err(); err != nil {
		q.log.Error("settler: unmark job", zap.Uint64("job", jobID), zap.Error(err))
	}
}

func (q *Queue) schedule(ctx context.Context, t Task, due time.Time) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return q.rdb.ZAdd(ctx, DelayedKey, redis.Z{Score: float64(due.UnixMilli()), Member: string(b)}).Err()
}

// promote moves due delayed tasks onto the ready list. ZREM decides which
// consumer owns a task when several race.
func (q *Queue) promote(ctx context.Context) error {
	due, err := q.rdb.ZRangeByScore(ctx, DelayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range due {
		removed, err := q.rdb.ZRem(ctx, DelayedKey, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.RPush(ctx, QueueKey, member).Err(); err != nil {
			// Put it back so the task is not lost with its job still marked queued.
			z := redis.Z{Score: float64(q.now().UnixMilli()), Member: member}
			if zerr := q.rdb.ZAdd(context.WithoutCancel(ctx), DelayedKey, z).Err(); zerr != nil {
				q.log.Error("settler: restore delayed task", zap.String("task", member), zap.Error(zerr))
			}
			return err
		}
	}
	return nil
}
