// Package slash watches the node registry for stake reductions and forced
// deregistration of the local host.
package slash

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-inference-settlement/internal/ledger"
	"github.com/0gfoundation/0g-inference-settlement/internal/metrics"
)

// LogSource is the read path to the chain. *ledger.Client implements it.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// PollError wraps an RPC failure of one poll.
type PollError struct {
	From, To uint64
	Err      error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll blocks %d-%d: %v", e.From, e.To, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// Kind of a registry event.
type Kind string

const (
	KindSlash        Kind = "slash"
	KindDeregistered Kind = "deregistered"
)

// Record is one stake-affecting event for the host.
type Record struct {
	Kind           Kind           `json:"kind"`
	Amount         *big.Int       `json:"amount"`
	RemainingStake *big.Int       `json:"remaining_stake,omitempty"`
	ReturnedAmount *big.Int       `json:"returned_amount,omitempty"`
	Reason         string         `json:"reason"`
	EvidenceCID    string         `json:"evidence_cid,omitempty"`
	Executor       common.Address `json:"executor,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	BlockNumber    uint64         `json:"block_number"`
	TxHash         common.Hash    `json:"tx_hash"`
}

// Snapshot is the stake-risk view published by the monitor.
type Snapshot struct {
	Host           common.Address `json:"host"`
	ChainID        uint64         `json:"chain_id"`
	IsAtRisk       bool           `json:"is_at_risk"`
	IsDeregistered bool           `json:"is_deregistered"`
	LastSlashTime  *time.Time     `json:"last_slash_time"`
	TotalSlashed   *big.Int       `json:"total_slashed"`
	History        []Record       `json:"history"`
	LastBlock      uint64         `json:"last_block"`
	LastPoll       time.Time      `json:"last_poll,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
}

// Config for one monitor.
type Config struct {
	ChainID       uint64
	Registry      common.Address
	Host          common.Address
	PollInterval  time.Duration // default 5s
	MaxBlockRange uint64        // default 2000
	StartBlock    uint64        // 0 starts at the head seen by the first poll
}

// Monitor polls one chain's node registry.
type Monitor struct {
	cfg  Config
	src  LogSource
	log  *zap.Logger
	now  func() time.Time
	seen *lru.Cache

	slashID, unregID common.Hash

	mu      sync.RWMutex
	cursor  uint64 // next block to fetch; 0 until initialised
	history []Record
	total   *big.Int
	dereg   bool
	lastAt  *time.Time
	polled  time.Time
	lastErr error
}

func NewMonitor(cfg Config, src LogSource, log *zap.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 2000
	}
	seen, _ := lru.New(1024)
	events := ledger.NodeRegistry().Events
	return &Monitor{
		cfg:     cfg,
		src:     src,
		log:     log.With(zap.Uint64("chain_id", cfg.ChainID)),
		now:     time.Now,
		seen:    seen,
		slashID: events["SlashExecuted"].ID,
		unregID: events["HostAutoUnregistered"].ID,
		cursor:  cfg.StartBlock,
		total:   new(big.Int),
	}
}

// Run polls until ctx is cancelled. Poll errors are logged and retried on
// the next tick.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.log.Info("slash monitor started",
		zap.String("registry", m.cfg.Registry.Hex()),
		zap.Duration("interval", m.cfg.PollInterval))

	for {
		if err := m.Poll(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("slash monitor poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			m.log.Info("slash monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll fetches and applies events from the cursor up to the current head.
// The cursor advances only past ranges that were fetched successfully.
func (m *Monitor) Poll(ctx context.Context) error {
	err := m.poll(ctx)
	m.mu.Lock()
	m.polled = m.now()
	m.lastErr = err
	m.mu.Unlock()
	if err != nil {
		metrics.SlashPolls.WithLabelValues("error").Inc()
		return err
	}
	metrics.SlashPolls.WithLabelValues("ok").Inc()
	return nil
}

func (m *Monitor) poll(ctx context.Context) error {
	head, err := m.src.BlockNumber(ctx)
	if err != nil {
		return &PollError{Err: err}
	}

	m.mu.Lock()
	if m.cursor == 0 {
		m.cursor = head
	}
	from := m.cursor
	m.mu.Unlock()

	for from <= head {
		to := min(from+m.cfg.MaxBlockRange-1, head)
		logs, err := m.src.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{m.cfg.Registry},
			Topics: [][]common.Hash{
				{m.slashID, m.unregID},
				{common.BytesToHash(m.cfg.Host.Bytes())},
			},
		})
		if err != nil {
			return &PollError{From: from, To: to, Err: err}
		}
		m.apply(logs, to+1)
		from = to + 1
	}
	return nil
}

func (m *Monitor) apply(logs []types.Log, next uint64) {
	var records []Record
	for _, lg := range logs {
		key := fmt.Sprintf("%s:%d", lg.TxHash.Hex(), lg.Index)
		if m.seen.Contains(key) || lg.Removed {
			continue
		}
		rec, ok, err := m.decode(lg)
		if err != nil {
			m.log.Warn("undecodable registry log", zap.String("tx", lg.TxHash.Hex()), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		m.seen.Add(key, struct{}{})
		records = append(records, rec)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.history = append(m.history, rec)
		switch rec.Kind {
		case KindSlash:
			m.total.Add(m.total, rec.Amount)
			ts := rec.Timestamp
			m.lastAt = &ts
			metrics.SlashEvents.WithLabelValues(string(KindSlash)).Inc()
			m.log.Warn("host stake slashed",
				zap.String("amount", rec.Amount.String()),
				zap.String("remaining", rec.RemainingStake.String()),
				zap.String("reason", rec.Reason),
				zap.Uint64("block", rec.BlockNumber))
		case KindDeregistered:
			m.dereg = true
			metrics.SlashEvents.WithLabelValues(string(KindDeregistered)).Inc()
			m.log.Error("host deregistered by registry",
				zap.String("reason", rec.Reason),
				zap.Uint64("block", rec.BlockNumber))
		}
	}
	if next > m.cursor {
		m.cursor = next
	}
}

func (m *Monitor) decode(lg types.Log) (Record, bool, error) {
	if len(lg.Topics) < 2 {
		return Record{}, false, nil
	}
	if common.BytesToAddress(lg.Topics[1].Bytes()) != m.cfg.Host {
		return Record{}, false, nil
	}
	abi := ledger.NodeRegistry()
	rec := Record{BlockNumber: lg.BlockNumber, TxHash: lg.TxHash}
	fields := map[string]any{}

	switch lg.Topics[0] {
	case m.slashID:
		if err := abi.UnpackIntoMap(fields, "SlashExecuted", lg.Data); err != nil {
			return Record{}, false, err
		}
		rec.Kind = KindSlash
		rec.Amount = bigField(fields, "amount")
		rec.RemainingStake = bigField(fields, "remainingStake")
		rec.EvidenceCID, _ = fields["evidenceCID"].(string)
		rec.Reason, _ = fields["reason"].(string)
		if ts := bigField(fields, "timestamp"); ts.IsInt64() && ts.Sign() > 0 {
			rec.Timestamp = time.Unix(ts.Int64(), 0).UTC()
		} else {
			rec.Timestamp = m.now().UTC()
		}
		if len(lg.Topics) > 2 {
			rec.Executor = common.BytesToAddress(lg.Topics[2].Bytes())
		}
	case m.unregID:
		if err := abi.UnpackIntoMap(fields, "HostAutoUnregistered", lg.Data); err != nil {
			return Record{}, false, err
		}
		rec.Kind = KindDeregistered
		rec.Amount = bigField(fields, "slashedAmount")
		rec.ReturnedAmount = bigField(fields, "returnedAmount")
		rec.Reason, _ = fields["reason"].(string)
		rec.Timestamp = m.now().UTC()
	default:
		return Record{}, false, nil
	}
	return rec, true, nil
}

func bigField(fields map[string]any, name string) *big.Int {
	if v, ok := fields[name].(*big.Int); ok {
		return v
	}
	return new(big.Int)
}

// Snapshot returns a copy of the current view without touching the network.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{
		Host:           m.cfg.Host,
		ChainID:        m.cfg.ChainID,
		IsDeregistered: m.dereg,
		IsAtRisk:       m.dereg || m.total.Sign() > 0,
		TotalSlashed:   new(big.Int).Set(m.total),
		History:        make([]Record, len(m.history)),
		LastPoll:       m.polled,
	}
	copy(s.History, m.history)
	if m.cursor > 0 {
		s.LastBlock = m.cursor - 1
	}
	if m.lastAt != nil {
		ts := *m.lastAt
		s.LastSlashTime = &ts
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Cursor returns the next block the monitor will fetch.
func (m *Monitor) Cursor() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursor
}
