package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/0gfoundation/0g-inference-settlement/internal/chains"
)

var (
	// ErrReverted is returned when a transaction was mined with status 0.
	ErrReverted = errors.New("transaction reverted")
	// ErrChainMismatch is returned when the RPC endpoint reports a different chain id.
	ErrChainMismatch = errors.New("rpc chain id mismatch")
)

// TimeoutError means the transaction was broadcast but not confirmed.
// It may still be mined later; callers must reconcile TxHash before resubmitting.
type TimeoutError struct {
	TxHash common.Hash
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transaction %s not confirmed after %s", e.TxHash.Hex(), e.Waited)
}

// TxState is the on-chain state of a previously broadcast transaction.
type TxState int

const (
	TxUnknown TxState = iota // not found: pending, dropped or never seen
	TxSucceeded
	TxReverted
)

func (s TxState) String() string {
	switch s {
	case TxSucceeded:
		return "succeeded"
	case TxReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// Receipt is the confirmed outcome of a submission.
type Receipt struct {
	ChainID     uint64
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// Backend is the RPC surface the client needs. *ethclient.Client and the
// simulated backend client both satisfy it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Options tune submission behaviour. Zero values fall back to defaults.
type Options struct {
	ConfirmTimeout time.Duration // default 60s
	PollInterval   time.Duration // confirmation depth polling, default 2s
	RateLimit      rate.Limit    // RPC calls per second, default 10
	RateBurst      int           // default 20
}

func (o Options) withDefaults() Options {
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 60 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 10
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 20
	}
	return o
}

// Client submits signed transactions to one chain. Submissions from the
// same client are nonce-serialized.
type Client struct {
	cfg     chains.Config
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	opts    Options
	limiter *rate.Limiter
	log     *zap.Logger

	nonceMu   sync.Mutex
	nextNonce *uint64 // nil forces a refetch from the node
}

// NewClient wraps an existing backend. Used directly by tests with the simulated backend.
func NewClient(cfg chains.Config, backend Backend, key *ecdsa.PrivateKey, opts Options, log *zap.Logger) *Client {
	opts = opts.withDefaults()
	return &Client{
		cfg:     cfg,
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).SetUint64(cfg.ChainID),
		opts:    opts,
		limiter: rate.NewLimiter(opts.RateLimit, opts.RateBurst),
		log:     log.With(zap.Uint64("chain_id", cfg.ChainID)),
	}
}

// Dial connects to cfg.RPCURL and checks that the endpoint serves cfg.ChainID.
func Dial(ctx context.Context, cfg chains.Config, key *ecdsa.PrivateKey, opts Options, log *zap.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc for chain %d: %w", cfg.ChainID, err)
	}
	remote, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("query chain id for chain %d: %w", cfg.ChainID, err)
	}
	if remote.Uint64() != cfg.ChainID {
		eth.Close()
		return nil, fmt.Errorf("%w: configured %d, endpoint reports %d", ErrChainMismatch, cfg.ChainID, remote.Uint64())
	}
	return NewClient(cfg, eth, key, opts, log), nil
}

// ChainID returns the chain this client submits to.
func (c *Client) ChainID() uint64 { return c.cfg.ChainID }

// Config returns the chain configuration.
func (c *Client) Config() chains.Config { return c.cfg }

// From returns the host address transactions are sent from.
func (c *Client) From() common.Address { return c.from }

// SubmitProofOfWork sends submitProofOfWork to the job marketplace and waits
// for confirmation.
func (c *Client) SubmitProofOfWork(ctx context.Context, p ProofOfWork) (*Receipt, error) {
	data, err := EncodeProofOfWork(p)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, c.cfg.Contracts.JobMarketplace, data)
}

// CompleteSession sends completeSessionJob and waits for confirmation.
func (c *Client) CompleteSession(ctx context.Context, jobID uint64, conversationCID string) (*Receipt, error) {
	data, err := EncodeCompleteSession(jobID, conversationCID)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, c.cfg.Contracts.JobMarketplace, data)
}

// Submit broadcasts calldata to `to` and waits for the configured number of
// confirmations. A *TimeoutError is returned when confirmation does not
// arrive within ConfirmTimeout.
func (c *Client) Submit(ctx context.Context, to common.Address, data []byte) (*Receipt, error) {
	tx, err := c.Send(ctx, to, data)
	if err != nil {
		return nil, err
	}
	NotifyBroadcast(ctx, tx.Hash())
	return c.WaitConfirmed(ctx, tx.Hash())
}

type broadcastHookKey struct{}

// WithBroadcastHook returns a context under which Submit reports each tx
// hash to fn once the node has accepted it, before confirmation.
func WithBroadcastHook(ctx context.Context, fn func(common.Hash)) context.Context {
	return context.WithValue(ctx, broadcastHookKey{}, fn)
}

// NotifyBroadcast calls the hook carried by ctx, if any.
func NotifyBroadcast(ctx context.Context, hash common.Hash) {
	if fn, ok := ctx.Value(broadcastHookKey{}).(func(common.Hash)); ok && fn != nil {
		fn(hash)
	}
}

// Send signs and broadcasts a transaction without waiting for it to be mined.
// The nonce lock is held until the node accepts or rejects the transaction.
func (c *Client) Send(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.pendingNonce(ctx)
	if err != nil {
		return nil, err
	}

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	opts, err := c.transactOpts(ctx)
	if err != nil {
		return nil, fmt.Errorf("build tx opts: %w", err)
	}
	opts.Nonce = new(big.Int).SetUint64(nonce)
	opts.GasLimit = c.scaleGas(gas)

	contract := bind.NewBoundContract(to, abi.ABI{}, c.backend, c.backend, c.backend)
	tx, err := contract.RawTransact(opts, data)
	if err != nil {
		// The node may or may not have seen the nonce; refetch next time.
		c.nextNonce = nil
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	next := nonce + 1
	c.nextNonce = &next

	c.log.Debug("transaction sent",
		zap.String("tx", tx.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", opts.GasLimit),
	)
	return tx, nil
}

// WaitConfirmed waits until hash is mined and buried under the chain's
// confirmation depth. Any wait that ends without a confirmed receipt,
// including cancellation of ctx, yields a *TimeoutError.
func (c *Client) WaitConfirmed(ctx context.Context, hash common.Hash) (*Receipt, error) {
	wctx, cancel := context.WithTimeout(ctx, c.opts.ConfirmTimeout)
	defer cancel()

	receipt, err := c.waitMined(wctx, hash)
	if err != nil {
		return nil, &TimeoutError{TxHash: hash, Waited: c.opts.ConfirmTimeout}
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
	}

	block := receipt.BlockNumber.Uint64()
	if err := c.waitDepth(wctx, block); err != nil {
		return nil, &TimeoutError{TxHash: hash, Waited: c.opts.ConfirmTimeout}
	}

	return &Receipt{
		ChainID:     c.cfg.ChainID,
		TxHash:      hash,
		BlockNumber: block,
		GasUsed:     receipt.GasUsed,
	}, nil
}

// TxState reports whether a broadcast transaction has been mined and with what status.
func (c *Client) TxState(ctx context.Context, hash common.Hash) (TxState, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return TxUnknown, err
	}
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return TxUnknown, nil
	}
	if err != nil {
		return TxUnknown, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return TxSucceeded, nil
	}
	return TxReverted, nil
}

// Balance returns the host's native token balance in wei.
func (c *Client) Balance(ctx context.Context) (*big.Int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	bal, err := c.backend.BalanceAt(ctx, c.from, nil)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", c.from.Hex(), err)
	}
	return bal, nil
}

// BlockNumber returns the current head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return c.backend.BlockNumber(ctx)
}

// FilterLogs runs a log query against the chain.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.backend.FilterLogs(ctx, q)
}

func (c *Client) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, err
	}
	auth.Context = ctx
	return auth, nil
}

func (c *Client) pendingNonce(ctx context.Context) (uint64, error) {
	if c.nextNonce != nil {
		return *c.nextNonce, nil
	}
	n, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return 0, fmt.Errorf("pending nonce: %w", err)
	}
	return n, nil
}

func (c *Client) scaleGas(estimate uint64) uint64 {
	m := c.cfg.GasMultiplier
	if m <= 1 {
		return estimate
	}
	scaled := math.Ceil(float64(estimate) * m)
	if scaled >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(scaled)
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			c.log.Debug("receipt lookup failed", zap.String("tx", hash.Hex()), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) waitDepth(ctx context.Context, block uint64) error {
	depth := c.cfg.ConfirmationBlocks
	if depth <= 1 {
		return nil
	}
	target := block + depth - 1
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		head, err := c.backend.BlockNumber(ctx)
		if err == nil && head >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
