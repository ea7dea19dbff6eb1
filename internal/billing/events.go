// Package billing drives a job's lifecycle: opening its session, feeding
// usage into the checkpoint engine, and the ordered settlement at the end.
package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-inference-settlement/internal/checkpoint"
	"github.com/0gfoundation/0g-inference-settlement/internal/ledger"
	"github.com/0gfoundation/0g-inference-settlement/internal/session"
)

const (
	closeTimeout   = 3 * time.Minute
	enqueueTimeout = 10 * time.Second
)

// ErrRetryNotQueued is returned when a failed session end could not be
// handed to the retry queue either.
var ErrRetryNotQueued = errors.New("session end retry not queued")

// Engine is the part of the checkpoint engine the handler drives.
type Engine interface {
	ReportUsage(ctx context.Context, jobID, units uint64, sessionHint string) error
	ForceCheckpoint(ctx context.Context, jobID uint64) (*ledger.Receipt, error)
	MarkEnded(ctx context.Context, jobID uint64)
	CleanupJob(ctx context.Context, jobID uint64) error
}

// Completer finalizes a session on chain.
type Completer interface {
	SettleSessionEnd(ctx context.Context, jobID uint64) (common.Hash, error)
}

// RetryQueue takes session ends that failed inline.
type RetryQueue interface {
	Enqueue(ctx context.Context, jobID uint64, cause error) error
}

// EventHandler handles session lifecycle events from the API layer.
type EventHandler struct {
	sessions  *session.Registry
	engine    Engine
	completer Completer
	retries   RetryQueue
	log       *zap.Logger

	closeTimeout time.Duration

	mu        sync.Mutex
	completed map[uint64]common.Hash
}

func NewEventHandler(sessions *session.Registry, engine Engine, completer Completer, retries RetryQueue, log *zap.Logger) *EventHandler {
	return &EventHandler{
		sessions:  sessions,
		engine:    engine,
		completer: completer,
		retries:   retries,
		log:       log,
		completed: make(map[uint64]common.Hash),

		closeTimeout: closeTimeout,
	}
}

// OnSessionOpen registers a job's session.
func (h *EventHandler) OnSessionOpen(ctx context.Context, info session.Info) error {
	return h.sessions.CreateSession(ctx, info)
}

// OnUsage records tokens served for a job. Usage for unknown or ended
// sessions is rejected before it reaches the engine.
func (h *EventHandler) OnUsage(ctx context.Context, jobID, tokens uint64, sessionID string) error {
	if err := h.sessions.Touch(ctx, jobID, tokens); err != nil {
		return err
	}
	return h.engine.ReportUsage(ctx, jobID, tokens, sessionID)
}

// OnSessionClose ends a session and settles it. A failed settlement is
// handed to the retry queue and the error returned. Once started, the close
// runs to completion or closeTimeout even if ctx is cancelled.
func (h *EventHandler) OnSessionClose(ctx context.Context, jobID uint64, conversationCID string) error {
	detached := context.WithoutCancel(ctx)
	ctx, cancel := context.WithTimeout(detached, h.closeTimeout)
	defer cancel()

	if err := h.sessions.EndSession(ctx, jobID, conversationCID); err != nil {
		return err
	}
	h.engine.MarkEnded(ctx, jobID)

	err := h.CloseSession(ctx, jobID)
	if err == nil {
		return nil
	}

	qctx, qcancel := context.WithTimeout(detached, enqueueTimeout)
	defer qcancel()
	if qerr := h.retries.Enqueue(qctx, jobID, err); qerr != nil {
		h.log.Error("enqueue session end", zap.Uint64("job", jobID), zap.Error(qerr), zap.NamedError("cause", err))
		return fmt.Errorf("%w: job %d: %w (enqueue: %v)", ErrRetryNotQueued, jobID, err, qerr)
	}
	h.log.Warn("session end failed, queued for retry", zap.Uint64("job", jobID), zap.Error(err))
	return err
}

// CloseSession runs the end-of-session steps in order: final checkpoint,
// completeSessionJob, tracker cleanup, session removal. Steps already done
// are skipped, so it is safe to call again after a failure.
func (h *EventHandler) CloseSession(ctx context.Context, jobID uint64) error {
	info, ok := h.sessions.Get(jobID)
	if !ok {
		return nil
	}
	if info.State != session.StateEnded {
		return fmt.Errorf("close job %d: %w", jobID, checkpoint.ErrJobActive)
	}
	h.engine.MarkEnded(ctx, jobID)

	if _, err := h.engine.ForceCheckpoint(ctx, jobID); err != nil {
		return fmt.Errorf("final checkpoint job %d: %w", jobID, err)
	}

	if _, done := h.completedTx(jobID); !done {
		tx, err := h.completer.SettleSessionEnd(ctx, jobID)
		if err != nil {
			return fmt.Errorf("complete session job %d: %w", jobID, err)
		}
		h.markCompleted(jobID, tx)
	}

	if err := h.engine.CleanupJob(ctx, jobID); err != nil {
		return fmt.Errorf("cleanup job %d: %w", jobID, err)
	}
	h.sessions.Remove(ctx, jobID)
	h.forget(jobID)
	h.log.Info("session closed", zap.Uint64("job", jobID))
	return nil
}

// Redrive queues every session that was ended but never finished settling,
// as found after a restart.
func (h *EventHandler) Redrive(ctx context.Context) int {
	n := 0
	for _, jobID := range h.sessions.Ended() {
		if err := h.retries.Enqueue(ctx, jobID, errors.New("unfinished at startup")); err != nil {
			h.log.Error("redrive session end", zap.Uint64("job", jobID), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

func (h *EventHandler) completedTx(jobID uint64) (common.Hash, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tx, ok := h.completed[jobID]
	return tx, ok
}

func (h *EventHandler) markCompleted(jobID uint64, tx common.Hash) {
	h.mu.Lock()
	h.completed[jobID] = tx
	h.mu.Unlock()
}

func (h *EventHandler) forget(jobID uint64) {
	h.mu.Lock()
	delete(h.completed, jobID)
	h.mu.Unlock()
}
