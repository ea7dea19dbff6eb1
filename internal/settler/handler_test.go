package settler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-inference-settlement/internal/settlement"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()}), mr
}

var fastBackoff = Backoff{Initial: time.Millisecond, Max: 4 * time.Millisecond, Base: 2, MaxRetries: 3}

type fakeCloser struct {
	mu    sync.Mutex
	calls map[uint64]int
	errs  []error // returned in order; nil or exhausted means success
}

func (f *fakeCloser) CloseSession(_ context.Context, jobID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[uint64]int{}
	}
	f.calls[jobID]++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeCloser) count(jobID uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[jobID]
}

type fakeRecorder struct {
	mu       sync.Mutex
	attempts []int
}

func (r *fakeRecorder) RecordRetry(_ context.Context, _ uint64, attempt int, _ error) {
	r.mu.Lock()
	r.attempts = append(r.attempts, attempt)
	r.mu.Unlock()
}

// failingZAdd makes ZADD fail while armed.
type failingZAdd struct{ armed atomic.Bool }

func (h *failingZAdd) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *failingZAdd) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if h.armed.Load() && cmd.Name() == "zadd" {
			err := errors.New("zadd refused")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (h *failingZAdd) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

// newClockedQueue returns a queue whose clock the test controls.
func newClockedQueue(t *testing.T, maxAttempts int, rec RetryRecorder) (*Queue, *redis.Client, *time.Time) {
	t.Helper()
	rdb, _ := newTestRedis(t)
	q := NewQueue(rdb, fastBackoff, maxAttempts, rec, zap.NewNop())
	now := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return now }
	return q, rdb, &now
}

// ── Backoff ───────────────────────────────────────────────────────────────────

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{}
	cases := map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		7: 60 * time.Second,
		9: 60 * time.Second,
	}
	for attempt, want := range cases {
		if got := b.Delay(attempt); got != want {
			t.Errorf("Delay(%d): got %s want %s", attempt, got, want)
		}
	}
}

func TestBackoff_RetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := fastBackoff.Retry(context.Background(), func(context.Context) error {
		calls++
		return &settlement.Error{Kind: settlement.KindSessionNotFound, JobID: 1}
	})
	if !errors.Is(err, settlement.ErrSessionNotFound) {
		t.Fatalf("got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent error retried %d times", calls)
	}
}

func TestBackoff_RetryUntilSuccess(t *testing.T) {
	calls := 0
	err := fastBackoff.Retry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("rpc down")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d want 3", calls)
	}
}

// ── Queue ─────────────────────────────────────────────────────────────────────

func TestQueue_EnqueueIsDelayedAndDeduped(t *testing.T) {
	q, rdb, now := newClockedQueue(t, 5, nil)
	ctx := context.Background()
	closer := &fakeCloser{}

	if err := q.Enqueue(ctx, 42, errors.New("rpc down")); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, 42, nil); err != nil {
		t.Fatal(err)
	}
	if n, _ := rdb.ZCard(ctx, DelayedKey).Result(); n != 1 {
		t.Fatalf("delayed tasks: got %d want 1", n)
	}

	handled, err := q.ProcessOnce(ctx, closer)
	if err != nil || handled {
		t.Fatalf("task must not run before it is due: handled=%v err=%v", handled, err)
	}

	*now = now.Add(time.Second)
	handled, err = q.ProcessOnce(ctx, closer)
	if err != nil || !handled {
		t.Fatalf("due task not handled: handled=%v err=%v", handled, err)
	}
	if closer.count(42) != 1 {
		t.Errorf("close calls: got %d want 1", closer.count(42))
	}
	if n, _ := q.Pending(ctx); n != 0 {
		t.Errorf("pending after success: %d", n)
	}
}

func TestQueue_EnqueueScheduleFailureCanBeRetried(t *testing.T) {
	q, rdb, _ := newClockedQueue(t, 5, nil)
	ctx := context.Background()
	hook := &failingZAdd{}
	rdb.AddHook(hook)

	hook.armed.Store(true)
	if err := q.Enqueue(ctx, 42, errors.New("rpc down")); err == nil {
		t.Fatal("enqueue must report the schedule failure")
	}
	if ok, _ := rdb.SIsMember(ctx, QueuedKey, 42).Result(); ok {
		t.Fatal("job left marked as queued without a task")
	}

	hook.armed.Store(false)
	if err := q.Enqueue(ctx, 42, nil); err != nil {
		t.Fatal(err)
	}
	if n, _ := rdb.ZCard(ctx, DelayedKey).Result(); n != 1 {
		t.Fatalf("delayed tasks: got %d want 1", n)
	}
}

func TestQueue_RescheduleFailureCanBeRetried(t *testing.T) {
	q, rdb, now := newClockedQueue(t, 5, nil)
	ctx := context.Background()
	hook := &failingZAdd{}
	rdb.AddHook(hook)
	fail := errors.New("rpc down")
	closer := &fakeCloser{errs: []error{fail, fail, fail}}

	if err := q.Enqueue(ctx, 7, nil); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(time.Second)
	hook.armed.Store(true)
	if _, err := q.ProcessOnce(ctx, closer); err != nil {
		t.Fatal(err)
	}
	hook.armed.Store(false)
	if n, _ := q.Pending(ctx); n != 0 {
		t.Fatalf("dropped task still marked as queued: pending=%d", n)
	}

	if err := q.Enqueue(ctx, 7, nil); err != nil {
		t.Fatal(err)
	}
	if n, _ := rdb.ZCard(ctx, DelayedKey).Result(); n != 1 {
		t.Fatalf("delayed tasks after re-enqueue: got %d want 1", n)
	}
}

func TestQueue_FailedRoundIsRescheduled(t *testing.T) {
	rec := &fakeRecorder{}
	q, rdb, now := newClockedQueue(t, 5, rec)
	ctx := context.Background()
	fail := errors.New("rpc down")
	closer := &fakeCloser{errs: []error{fail, fail, fail}}

	_ = q.Enqueue(ctx, 7, nil)
	*now = now.Add(time.Second)
	if _, err := q.ProcessOnce(ctx, closer); err != nil {
		t.Fatal(err)
	}
	if closer.count(7) != 3 {
		t.Errorf("tries in one round: got %d want 3", closer.count(7))
	}
	if n, _ := rdb.ZCard(ctx, DelayedKey).Result(); n != 1 {
		t.Fatalf("rescheduled tasks: got %d want 1", n)
	}
	if len(rec.attempts) != 1 || rec.attempts[0] != 1 {
		t.Errorf("recorded attempts: %v", rec.attempts)
	}

	// Second round is due after Delay(2).
	*now = now.Add(2 * time.Second)
	if _, err := q.ProcessOnce(ctx, closer); err != nil {
		t.Fatal(err)
	}
	if closer.count(7) != 4 {
		t.Errorf("close calls: got %d want 4", closer.count(7))
	}
	if n, _ := q.Pending(ctx); n != 0 {
		t.Errorf("pending after success: %d", n)
	}
}

func TestQueue_ExhaustedGoesToDLQ(t *testing.T) {
	q, _, now := newClockedQueue(t, 1, nil)
	ctx := context.Background()
	closer := &fakeCloser{errs: []error{errors.New("a"), errors.New("b"), errors.New("c")}}

	_ = q.Enqueue(ctx, 9, nil)
	*now = now.Add(time.Second)
	if _, err := q.ProcessOnce(ctx, closer); err != nil {
		t.Fatal(err)
	}

	dead, err := q.DeadLetters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 || dead[0].JobID != 9 || dead[0].LastError != "c" {
		t.Fatalf("dlq: %+v", dead)
	}
	if n, _ := q.Pending(ctx); n != 0 {
		t.Errorf("pending after dlq: %d", n)
	}
}

func TestQueue_PermanentErrorGoesToDLQ(t *testing.T) {
	q, _, now := newClockedQueue(t, 5, nil)
	ctx := context.Background()
	closer := &fakeCloser{errs: []error{&settlement.Error{Kind: settlement.KindSessionNotFound, JobID: 3}}}

	_ = q.Enqueue(ctx, 3, nil)
	*now = now.Add(time.Second)
	_, _ = q.ProcessOnce(ctx, closer)

	if closer.count(3) != 1 {
		t.Errorf("permanent error retried: %d calls", closer.count(3))
	}
	dead, _ := q.DeadLetters(ctx)
	if len(dead) != 1 {
		t.Fatalf("dlq: %+v", dead)
	}
}

func TestQueue_RunDrainsReadyTasks(t *testing.T) {
	rdb, _ := newTestRedis(t)
	q := NewQueue(rdb, fastBackoff, 3, nil, zap.NewNop())
	q.pollTimeout = 10 * time.Millisecond
	closer := &fakeCloser{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = q.Enqueue(ctx, 1, nil)
	_ = q.Enqueue(ctx, 2, nil)

	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, closer) }()

	deadline := time.Now().Add(5 * time.Second)
	for closer.count(1) == 0 || closer.count(2) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("queued tasks not processed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
