package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-inference-settlement/internal/ledger"
	"github.com/0gfoundation/0g-inference-settlement/internal/metrics"
)

var (
	ErrJobEnded         = errors.New("job has ended")
	ErrJobActive        = errors.New("job has not ended")
	ErrUnsettledUsage   = errors.New("job still owes unsettled usage")
	ErrCheckpointActive = errors.New("checkpoint in flight")
	ErrReconcilePending = errors.New("previous submission still unconfirmed")
	ErrUsageOverflow    = errors.New("usage counter overflow")
)

// Checkpoint is what the engine asks the settler to put on chain.
type Checkpoint struct {
	JobID      uint64
	SessionID  string
	Tokens     uint64 // tokensClaimed for this submission
	Cumulative uint64 // tokens proven for the job once this submission confirms
}

// Settler submits checkpoints and reports on earlier submissions.
type Settler interface {
	SettleCheckpoint(ctx context.Context, cp Checkpoint) (*ledger.Receipt, error)
	Reconcile(ctx context.Context, jobID uint64, txHash common.Hash) (ledger.TxState, error)
}

// Config holds the engine's accounting parameters.
type Config struct {
	Threshold       uint64        // units per automatic checkpoint, default 1000
	MinProvenTokens uint64        // contract minimum per first claim, default 100
	SubmitTimeout   time.Duration // default 60s
	ReconcileWindow time.Duration // how long an unconfirmed tx blocks resubmission, default 10m
}

func (c Config) withDefaults() Config {
	if c.Threshold == 0 {
		c.Threshold = 1000
	}
	if c.MinProvenTokens == 0 {
		c.MinProvenTokens = 100
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 60 * time.Second
	}
	if c.ReconcileWindow <= 0 {
		c.ReconcileWindow = 10 * time.Minute
	}
	return c
}

// Stats summarises all trackers.
type Stats struct {
	Jobs     int    `json:"jobs"`
	Active   int    `json:"active"`
	Ended    int    `json:"ended"`
	InFlight int    `json:"in_flight"`
	Owed     uint64 `json:"owed"`
}

// Engine accumulates usage per job and settles it in checkpoints. Jobs are
// independent: the collection lock is only held to find or insert a tracker.
type Engine struct {
	cfg     Config
	settler Settler
	store   Store
	log     *zap.Logger
	now     func() time.Time

	mu       sync.RWMutex
	trackers map[uint64]*tracker
	closed   *lru.Cache // job ids cleaned up after their session ended
}

// NewEngine builds an engine. store may be nil to disable persistence.
func NewEngine(cfg Config, settler Settler, store Store, log *zap.Logger) *Engine {
	closed, _ := lru.New(4096)
	return &Engine{
		cfg:      cfg.withDefaults(),
		settler:  settler,
		store:    store,
		log:      log,
		now:      time.Now,
		trackers: make(map[uint64]*tracker),
		closed:   closed,
	}
}

// Threshold returns the configured checkpoint threshold.
func (e *Engine) Threshold() uint64 { return e.cfg.Threshold }

// ReportUsage adds units to a job and checkpoints when the threshold is
// crossed and no checkpoint is already running. Settlement failures are
// logged and leave the usage owed; they are not returned.
func (e *Engine) ReportUsage(ctx context.Context, jobID, units uint64, sessionHint string) error {
	if units == 0 {
		return nil
	}
	t, err := e.getOrCreate(jobID, sessionHint)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.state == Ended {
		t.mu.Unlock()
		return fmt.Errorf("%w: job %d", ErrJobEnded, jobID)
	}
	if t.total > math.MaxUint64-units {
		t.mu.Unlock()
		return fmt.Errorf("%w: job %d", ErrUsageOverflow, jobID)
	}
	t.total += units
	t.updated = e.now()
	if t.sessionID == "" {
		t.sessionID = sessionHint
	}
	due := t.since() >= e.cfg.Threshold && e.acquireLocked(t)
	e.persistLocked(ctx, t)
	t.mu.Unlock()

	metrics.UsageUnits.Add(float64(units))
	if !due {
		return nil
	}

	defer e.release(t)
	if _, err := e.settle(ctx, t, false); err != nil {
		e.log.Warn("checkpoint failed, usage stays owed",
			zap.Uint64("job", jobID), zap.Error(err))
	}
	return nil
}

// ForceCheckpoint settles everything the job still owes. It waits for a
// running checkpoint to finish first. A nil receipt means nothing needed
// to go on chain.
func (e *Engine) ForceCheckpoint(ctx context.Context, jobID uint64) (*ledger.Receipt, error) {
	t := e.lookup(jobID)
	if t == nil {
		return nil, nil
	}
	for {
		t.mu.Lock()
		if e.acquireLocked(t) {
			t.mu.Unlock()
			break
		}
		wait := t.inflight
		t.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	defer e.release(t)
	return e.settle(ctx, t, true)
}

// MarkEnded stops a job from accepting usage. Owed usage is kept for the
// final ForceCheckpoint.
func (e *Engine) MarkEnded(ctx context.Context, jobID uint64) {
	t := e.lookup(jobID)
	if t == nil {
		return
	}
	t.mu.Lock()
	t.state = Ended
	e.persistLocked(ctx, t)
	t.mu.Unlock()
}

// CleanupJob forgets an ended job. A tracker that still owes usage, has an
// unconfirmed submission or a running checkpoint is kept and an error returned.
func (e *Engine) CleanupJob(ctx context.Context, jobID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trackers[jobID]
	if !ok {
		// Usage racing the close must not open a fresh tracker.
		e.closed.Add(jobID, struct{}{})
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.state != Ended:
		return fmt.Errorf("%w: job %d", ErrJobActive, jobID)
	case t.inflight != nil:
		return fmt.Errorf("%w: job %d", ErrCheckpointActive, jobID)
	case t.since() > 0 || t.pending != nil:
		e.log.Error("refusing to clean up job with unsettled usage",
			zap.Uint64("job", jobID),
			zap.Uint64("owed", t.since()),
			zap.Bool("unconfirmed", t.pending != nil),
		)
		return fmt.Errorf("%w: job %d owes %d", ErrUnsettledUsage, jobID, t.since())
	}

	delete(e.trackers, jobID)
	e.closed.Add(jobID, struct{}{})
	if e.store != nil {
		if err := e.store.Delete(ctx, jobID); err != nil {
			e.log.Warn("delete tracker record", zap.Uint64("job", jobID), zap.Error(err))
		}
	}
	return nil
}

// Tracker returns a snapshot of one job.
func (e *Engine) Tracker(jobID uint64) (Snapshot, bool) {
	t := e.lookup(jobID)
	if t == nil {
		return Snapshot{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot(), true
}

// Snapshots returns every tracker ordered by job id.
func (e *Engine) Snapshots() []Snapshot {
	out := make([]Snapshot, 0)
	for _, t := range e.all() {
		t.mu.Lock()
		out = append(out, t.snapshot())
		t.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

func (e *Engine) Stats() Stats {
	var s Stats
	for _, snap := range e.Snapshots() {
		s.Jobs++
		if snap.State == Ended {
			s.Ended++
		} else {
			s.Active++
		}
		if snap.InFlight {
			s.InFlight++
		}
		s.Owed += snap.SinceCheckpoint
	}
	return s
}

// Restore reloads persisted trackers. Existing in-memory trackers win.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	records, err := e.store.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, r := range records {
		if _, exists := e.trackers[r.JobID]; exists {
			continue
		}
		if r.Baseline > r.Total {
			e.log.Error("skipping corrupt tracker record",
				zap.Uint64("job", r.JobID), zap.Uint64("total", r.Total), zap.Uint64("baseline", r.Baseline))
			continue
		}
		e.trackers[r.JobID] = r.tracker()
		n++
	}
	return n, nil
}

// ── internals ─────────────────────────────────────────────────────────────────

func (e *Engine) lookup(jobID uint64) *tracker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.trackers[jobID]
}

func (e *Engine) all() []*tracker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*tracker, 0, len(e.trackers))
	for _, t := range e.trackers {
		out = append(out, t)
	}
	return out
}

func (e *Engine) getOrCreate(jobID uint64, sessionID string) (*tracker, error) {
	if t := e.lookup(jobID); t != nil {
		return t, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.trackers[jobID]; ok {
		return t, nil
	}
	if e.closed.Contains(jobID) {
		return nil, fmt.Errorf("%w: job %d", ErrJobEnded, jobID)
	}
	t := &tracker{jobID: jobID, sessionID: sessionID, state: Active, updated: e.now()}
	e.trackers[jobID] = t
	return t, nil
}

// acquireLocked claims the job's exclusive checkpoint slot. t.mu must be held.
func (e *Engine) acquireLocked(t *tracker) bool {
	if t.inflight != nil {
		return false
	}
	t.inflight = make(chan struct{})
	if t.state == Active {
		t.state = Checkpointing
	}
	return true
}

func (e *Engine) release(t *tracker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	close(t.inflight)
	t.inflight = nil
	if t.state == Checkpointing {
		t.state = Active
	}
}

// settle runs one checkpoint. The caller owns the job's checkpoint slot.
func (e *Engine) settle(ctx context.Context, t *tracker, force bool) (*ledger.Receipt, error) {
	if err := e.reconcile(ctx, t); err != nil {
		return nil, err
	}

	t.mu.Lock()
	covers := t.since()
	if !force {
		covers -= covers % e.cfg.Threshold
	}
	if covers == 0 {
		t.mu.Unlock()
		return nil, nil
	}
	sub := t.plan(covers, e.cfg.MinProvenTokens)
	if sub.Claimed == 0 {
		// Entirely covered by tokens already proven through padding.
		t.apply(sub)
		e.persistLocked(ctx, t)
		t.mu.Unlock()
		metrics.Checkpoints.WithLabelValues("credit").Inc()
		return nil, nil
	}
	cp := Checkpoint{
		JobID:      t.jobID,
		SessionID:  t.sessionID,
		Tokens:     sub.Claimed,
		Cumulative: t.proven + sub.Claimed,
	}
	t.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	// A broadcast tx is persisted as unconfirmed right away, so a restart
	// before confirmation reconciles it instead of claiming the usage again.
	sctx = ledger.WithBroadcastHook(sctx, func(h common.Hash) {
		sent := sub
		sent.TxHash = h
		sent.SentAt = e.now()
		t.mu.Lock()
		t.pending = &sent
		e.persistLocked(ctx, t)
		t.mu.Unlock()
	})
	rcpt, err := e.settler.SettleCheckpoint(sctx, cp)
	cancel()

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.lastErr = err
		var te *ledger.TimeoutError
		if errors.As(err, &te) {
			sub.TxHash = te.TxHash
			sub.SentAt = e.now()
			if t.pending != nil && t.pending.TxHash == te.TxHash {
				sub.SentAt = t.pending.SentAt
			}
			t.pending = &sub
			metrics.Checkpoints.WithLabelValues("timeout").Inc()
		} else {
			t.pending = nil
			metrics.Checkpoints.WithLabelValues("failed").Inc()
		}
		e.persistLocked(ctx, t)
		return nil, err
	}

	t.pending = nil
	t.apply(sub)
	t.lastErr = nil
	t.lastAt = e.now()
	t.count++
	e.persistLocked(ctx, t)
	metrics.Checkpoints.WithLabelValues("success").Inc()
	e.log.Info("checkpoint settled",
		zap.Uint64("job", t.jobID),
		zap.Uint64("covers", sub.Covers),
		zap.Uint64("claimed", sub.Claimed),
		zap.Uint64("baseline", t.baseline),
		zap.String("tx", rcpt.TxHash.Hex()),
	)
	return rcpt, nil
}

// reconcile resolves an unconfirmed earlier submission before a new one is
// planned, so the same usage is never claimed twice.
func (e *Engine) reconcile(ctx context.Context, t *tracker) error {
	t.mu.Lock()
	p := t.pending
	t.mu.Unlock()
	if p == nil {
		return nil
	}

	state, err := e.settler.Reconcile(ctx, t.jobID, p.TxHash)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", p.TxHash.Hex(), err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	fields := []zap.Field{zap.Uint64("job", t.jobID), zap.String("tx", p.TxHash.Hex())}
	switch state {
	case ledger.TxSucceeded:
		t.apply(*p)
		t.lastErr = nil
		t.lastAt = e.now()
		t.count++
		metrics.Checkpoints.WithLabelValues("reconciled").Inc()
		e.log.Info("unconfirmed checkpoint landed", append(fields, zap.Uint64("covers", p.Covers))...)
	case ledger.TxReverted:
		e.log.Warn("unconfirmed checkpoint reverted, usage stays owed", fields...)
	default:
		if e.now().Sub(p.SentAt) < e.cfg.ReconcileWindow {
			return fmt.Errorf("%w: %s", ErrReconcilePending, p.TxHash.Hex())
		}
		e.log.Warn("dropping unconfirmed checkpoint after reconcile window", fields...)
	}
	t.pending = nil
	e.persistLocked(ctx, t)
	return nil
}

func (e *Engine) persistLocked(ctx context.Context, t *tracker) {
	if e.store == nil {
		return
	}
	if err := e.store.Save(ctx, recordOf(t)); err != nil {
		e.log.Warn("persist tracker", zap.Uint64("job", t.jobID), zap.Error(err))
	}
}

func jobKey(jobID uint64) string { return strconv.FormatUint(jobID, 10) }
