// Package settlement routes checkpoints and session completions to the
// ledger of the chain each session lives on.
package settlement

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-inference-settlement/internal/chains"
	"github.com/0gfoundation/0g-inference-settlement/internal/checkpoint"
	"github.com/0gfoundation/0g-inference-settlement/internal/ledger"
	"github.com/0gfoundation/0g-inference-settlement/internal/metrics"
	"github.com/0gfoundation/0g-inference-settlement/internal/proof"
	"github.com/0gfoundation/0g-inference-settlement/internal/session"
)

// Ledger is the per-chain submission surface. *ledger.Client implements it.
type Ledger interface {
	ChainID() uint64
	SubmitProofOfWork(ctx context.Context, p ledger.ProofOfWork) (*ledger.Receipt, error)
	CompleteSession(ctx context.Context, jobID uint64, conversationCID string) (*ledger.Receipt, error)
	TxState(ctx context.Context, hash common.Hash) (ledger.TxState, error)
	Balance(ctx context.Context) (*big.Int, error)
}

// Sessions resolves a job to its session.
type Sessions interface {
	Get(jobID uint64) (session.Info, bool)
}

// ProofBuilder produces submitProofOfWork arguments. *proof.Pipeline implements it.
type ProofBuilder interface {
	Build(ctx context.Context, req proof.Request) (ledger.ProofOfWork, error)
}

// Options tune the coordinator.
type Options struct {
	MinGasBalance   *big.Int      // warn below this; nil disables the warning
	BalanceCacheTTL time.Duration // default 30s
}

// Coordinator implements checkpoint.Settler on top of one ledger per chain.
type Coordinator struct {
	chains   *chains.Registry
	sessions Sessions
	ledgers  map[uint64]Ledger
	proofs   ProofBuilder
	events   EventLog // optional
	opts     Options
	balances *cache.Cache
	log      *zap.Logger
}

var _ checkpoint.Settler = (*Coordinator)(nil)

func NewCoordinator(chainReg *chains.Registry, sessions Sessions, ledgers []Ledger, proofs ProofBuilder, events EventLog, opts Options, log *zap.Logger) *Coordinator {
	if opts.BalanceCacheTTL <= 0 {
		opts.BalanceCacheTTL = 30 * time.Second
	}
	byChain := make(map[uint64]Ledger, len(ledgers))
	for _, l := range ledgers {
		byChain[l.ChainID()] = l
	}
	return &Coordinator{
		chains:   chainReg,
		sessions: sessions,
		ledgers:  byChain,
		proofs:   proofs,
		events:   events,
		opts:     opts,
		balances: cache.New(opts.BalanceCacheTTL, 2*opts.BalanceCacheTTL),
		log:      log,
	}
}

// Ledger returns the ledger for a chain.
func (c *Coordinator) Ledger(chainID uint64) (Ledger, bool) {
	l, ok := c.ledgers[chainID]
	return l, ok
}

// SettleCheckpoint proves and submits cp on the session's chain.
func (c *Coordinator) SettleCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) (*ledger.Receipt, error) {
	info, l, err := c.route(cp.JobID)
	if err != nil {
		return nil, err
	}
	if err := c.checkBalance(ctx, info.ChainID, l); err != nil {
		return nil, &Error{Kind: KindSubmissionFailed, JobID: cp.JobID, ChainID: info.ChainID, Reason: "gas balance", Err: err}
	}

	pow, err := c.proofs.Build(ctx, proof.Request{
		ChainID:    info.ChainID,
		JobID:      cp.JobID,
		SessionID:  cp.SessionID,
		Tokens:     cp.Tokens,
		Cumulative: cp.Cumulative,
	})
	if err != nil {
		return nil, &Error{Kind: KindSubmissionFailed, JobID: cp.JobID, ChainID: info.ChainID, Reason: "build proof", Err: err}
	}

	c.record(ctx, Event{JobID: cp.JobID, ChainID: info.ChainID, Type: EventInitiated, Action: "checkpoint", Tokens: cp.Tokens})
	start := time.Now()
	rcpt, err := l.SubmitProofOfWork(ctx, pow)
	chainLabel := strconv.FormatUint(info.ChainID, 10)
	if err != nil {
		serr := classify(err, cp.JobID, info.ChainID)
		metrics.Submissions.WithLabelValues(chainLabel, "proof", serr.Kind.String()).Inc()
		c.record(ctx, Event{JobID: cp.JobID, ChainID: info.ChainID, Type: EventFailed, Action: "checkpoint",
			Tokens: cp.Tokens, TxHash: hashString(serr.TxHash), Error: serr.Error()})
		return nil, serr
	}

	metrics.Submissions.WithLabelValues(chainLabel, "proof", "success").Inc()
	metrics.SubmissionSeconds.WithLabelValues(chainLabel, "proof").Observe(time.Since(start).Seconds())
	metrics.TokensClaimed.WithLabelValues(chainLabel).Add(float64(cp.Tokens))
	c.record(ctx, Event{JobID: cp.JobID, ChainID: info.ChainID, Type: EventCompleted, Action: "checkpoint",
		Tokens: cp.Tokens, TxHash: rcpt.TxHash.Hex()})
	return rcpt, nil
}

// SettleSessionEnd calls completeSessionJob for the job on its chain.
func (c *Coordinator) SettleSessionEnd(ctx context.Context, jobID uint64) (common.Hash, error) {
	info, l, err := c.route(jobID)
	if err != nil {
		return common.Hash{}, err
	}

	c.record(ctx, Event{JobID: jobID, ChainID: info.ChainID, Type: EventInitiated, Action: "session_end"})
	start := time.Now()
	rcpt, err := l.CompleteSession(ctx, jobID, info.ConversationCID)
	chainLabel := strconv.FormatUint(info.ChainID, 10)
	if err != nil {
		serr := classify(err, jobID, info.ChainID)
		metrics.Submissions.WithLabelValues(chainLabel, "complete", serr.Kind.String()).Inc()
		c.record(ctx, Event{JobID: jobID, ChainID: info.ChainID, Type: EventFailed, Action: "session_end",
			TxHash: hashString(serr.TxHash), Error: serr.Error()})
		return common.Hash{}, serr
	}

	metrics.Submissions.WithLabelValues(chainLabel, "complete", "success").Inc()
	metrics.SubmissionSeconds.WithLabelValues(chainLabel, "complete").Observe(time.Since(start).Seconds())
	c.record(ctx, Event{JobID: jobID, ChainID: info.ChainID, Type: EventCompleted, Action: "session_end", TxHash: rcpt.TxHash.Hex()})
	c.log.Info("session settled", zap.Uint64("job", jobID), zap.Uint64("chain_id", info.ChainID), zap.String("tx", rcpt.TxHash.Hex()))
	return rcpt.TxHash, nil
}

// Reconcile looks up an earlier submission for the job on its chain.
func (c *Coordinator) Reconcile(ctx context.Context, jobID uint64, txHash common.Hash) (ledger.TxState, error) {
	_, l, err := c.route(jobID)
	if err != nil {
		return ledger.TxUnknown, err
	}
	return l.TxState(ctx, txHash)
}

// RecordRetry appends a retry event to the job's log.
func (c *Coordinator) RecordRetry(ctx context.Context, jobID uint64, attempt int, cause error) {
	ev := Event{JobID: jobID, Type: EventRetry, Action: "session_end", Error: "attempt " + strconv.Itoa(attempt)}
	if cause != nil {
		ev.Error += ": " + cause.Error()
	}
	if chainID, ok := c.chainOf(jobID); ok {
		ev.ChainID = chainID
	}
	c.record(ctx, ev)
}

// Events returns the job's settlement log, newest first.
func (c *Coordinator) Events(ctx context.Context, jobID uint64, limit int64) ([]Event, error) {
	if c.events == nil {
		return nil, nil
	}
	return c.events.Events(ctx, jobID, limit)
}

func (c *Coordinator) chainOf(jobID uint64) (uint64, bool) {
	info, ok := c.sessions.Get(jobID)
	return info.ChainID, ok
}

func (c *Coordinator) route(jobID uint64) (session.Info, Ledger, error) {
	info, ok := c.sessions.Get(jobID)
	if !ok {
		return session.Info{}, nil, &Error{Kind: KindSessionNotFound, JobID: jobID}
	}
	if !c.chains.IsSupported(info.ChainID) {
		return info, nil, &Error{Kind: KindChainNotSupported, JobID: jobID, ChainID: info.ChainID, Err: chains.ErrUnsupportedChain}
	}
	l, ok := c.ledgers[info.ChainID]
	if !ok {
		return info, nil, &Error{Kind: KindSignerNotFound, JobID: jobID, ChainID: info.ChainID}
	}
	return info, l, nil
}

// checkBalance fails only when the host cannot pay for gas at all. The
// balance is cached per chain.
func (c *Coordinator) checkBalance(ctx context.Context, chainID uint64, l Ledger) error {
	key := strconv.FormatUint(chainID, 10)
	var bal *big.Int
	if v, ok := c.balances.Get(key); ok {
		bal = v.(*big.Int)
	} else {
		b, err := l.Balance(ctx)
		if err != nil {
			c.log.Warn("host balance lookup failed", zap.Uint64("chain_id", chainID), zap.Error(err))
			return nil
		}
		bal = b
		c.balances.Set(key, bal, cache.DefaultExpiration)
		f, _ := new(big.Float).SetInt(bal).Float64()
		metrics.HostBalanceWei.WithLabelValues(key).Set(f)
	}

	if bal.Sign() == 0 {
		c.balances.Delete(key)
		return errors.New("host has no native balance for gas")
	}
	if c.opts.MinGasBalance != nil && bal.Cmp(c.opts.MinGasBalance) < 0 {
		c.log.Warn("host gas balance low",
			zap.Uint64("chain_id", chainID),
			zap.String("balance", bal.String()),
			zap.String("minimum", c.opts.MinGasBalance.String()),
		)
	}
	return nil
}

func (c *Coordinator) record(ctx context.Context, ev Event) {
	if c.events == nil {
		return
	}
	if err := c.events.Record(ctx, ev); err != nil {
		c.log.Warn("record settlement event", zap.Uint64("job", ev.JobID), zap.Error(err))
	}
}

// classify maps ledger errors onto the settlement taxonomy.
func classify(err error, jobID, chainID uint64) *Error {
	var te *ledger.TimeoutError
	switch {
	case errors.As(err, &te):
		return &Error{Kind: KindConfirmationTimeout, JobID: jobID, ChainID: chainID, TxHash: te.TxHash, Err: err}
	case errors.Is(err, ledger.ErrEncoding):
		return &Error{Kind: KindEncoding, JobID: jobID, ChainID: chainID, Err: err}
	case errors.Is(err, ledger.ErrReverted):
		return &Error{Kind: KindSubmissionFailed, JobID: jobID, ChainID: chainID, Reason: "reverted", Err: err}
	default:
		return &Error{Kind: KindSubmissionFailed, JobID: jobID, ChainID: chainID, Reason: "submit", Err: err}
	}
}

func hashString(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
