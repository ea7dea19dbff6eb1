package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-inference-settlement/internal/chains"
	"github.com/0gfoundation/0g-inference-settlement/internal/metrics"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session has ended")
	ErrTooManySessions = errors.New("too many active sessions")
	ErrInvalidSession  = errors.New("invalid session")
)

// DefaultMaxSessions bounds concurrently tracked sessions.
const DefaultMaxSessions = 1000

// Registry maps jobs to their session and chain. Every session's chain is
// validated against the chain registry at creation.
type Registry struct {
	chains      *chains.Registry
	store       *Store // optional
	maxSessions int
	log         *zap.Logger
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[uint64]*Info
}

// NewRegistry builds a registry. store may be nil; maxSessions <= 0 uses the default.
func NewRegistry(chainReg *chains.Registry, store *Store, maxSessions int, log *zap.Logger) *Registry {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Registry{
		chains:      chainReg,
		store:       store,
		maxSessions: maxSessions,
		log:         log,
		now:         time.Now,
		sessions:    make(map[uint64]*Info),
	}
}

// CreateSession registers a new session. Nothing is recorded when the
// chain is not supported.
func (r *Registry) CreateSession(ctx context.Context, info Info) error {
	if info.JobID == 0 {
		return fmt.Errorf("%w: job id is zero", ErrInvalidSession)
	}
	if info.ChainID == 0 {
		info.ChainID = r.chains.DefaultChainID()
	}
	if _, err := r.chains.Lookup(info.ChainID); err != nil {
		return err
	}

	now := r.now()
	info.CreatedAt = now
	info.LastActivity = now
	info.State = StateActive
	info.TokensConsumed = 0

	r.mu.Lock()
	if _, ok := r.sessions[info.JobID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: job %d", ErrSessionExists, info.JobID)
	}
	if r.activeLocked() >= r.maxSessions {
		r.mu.Unlock()
		return fmt.Errorf("%w: limit %d", ErrTooManySessions, r.maxSessions)
	}
	stored := info.clone()
	r.sessions[info.JobID] = &stored
	r.mu.Unlock()

	metrics.ActiveSessions.Inc()
	r.persist(ctx, info)
	r.log.Info("session created",
		zap.Uint64("job", info.JobID),
		zap.Uint64("chain_id", info.ChainID),
		zap.String("payer", info.Payer.Hex()),
	)
	return nil
}

// GetSessionChain returns the chain a job settles on.
func (r *Registry) GetSessionChain(jobID uint64) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[jobID]
	if !ok {
		return 0, false
	}
	return s.ChainID, true
}

// Get returns a copy of a session.
func (r *Registry) Get(jobID uint64) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[jobID]
	if !ok {
		return Info{}, false
	}
	return s.clone(), true
}

// Touch records consumed tokens and refreshes the activity time.
func (r *Registry) Touch(ctx context.Context, jobID, tokens uint64) error {
	r.mu.Lock()
	s, ok := r.sessions[jobID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: job %d", ErrSessionNotFound, jobID)
	}
	if s.State == StateEnded {
		r.mu.Unlock()
		return fmt.Errorf("%w: job %d", ErrSessionEnded, jobID)
	}
	s.TokensConsumed += tokens
	s.LastActivity = r.now()
	consumed, at := s.TokensConsumed, s.LastActivity
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpdateActivity(ctx, jobID, consumed, at); err != nil {
			r.log.Warn("persist session activity", zap.Uint64("job", jobID), zap.Error(err))
		}
	}
	return nil
}

// EndSession marks a session ended. Ending an ended session is a no-op.
func (r *Registry) EndSession(ctx context.Context, jobID uint64, conversationCID string) error {
	r.mu.Lock()
	s, ok := r.sessions[jobID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: job %d", ErrSessionNotFound, jobID)
	}
	if s.State == StateEnded {
		r.mu.Unlock()
		return nil
	}
	s.State = StateEnded
	if conversationCID != "" {
		s.ConversationCID = conversationCID
	}
	snapshot := s.clone()
	r.mu.Unlock()

	metrics.ActiveSessions.Dec()
	r.persist(ctx, snapshot)
	return nil
}

// Remove forgets a session.
func (r *Registry) Remove(ctx context.Context, jobID uint64) {
	r.mu.Lock()
	s, ok := r.sessions[jobID]
	if ok {
		if s.State == StateActive {
			metrics.ActiveSessions.Dec()
		}
		delete(r.sessions, jobID)
	}
	r.mu.Unlock()

	if ok && r.store != nil {
		if err := r.store.Delete(ctx, jobID); err != nil {
			r.log.Warn("delete session", zap.Uint64("job", jobID), zap.Error(err))
		}
	}
}

// Idle returns active sessions without activity for longer than window.
func (r *Registry) Idle(window time.Duration) []uint64 {
	cutoff := r.now().Add(-window)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []uint64
	for id, s := range r.sessions {
		if s.State == StateActive && s.LastActivity.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Ended returns sessions marked ended but not yet removed.
func (r *Registry) Ended() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []uint64
	for id, s := range r.sessions {
		if s.State == StateEnded {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// List returns copies of all sessions ordered by job id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked()
}

// Restore reloads persisted sessions whose chain is still configured.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	infos, err := r.store.ScanAll(ctx)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, info := range infos {
		if !r.chains.IsSupported(info.ChainID) {
			r.log.Warn("skipping session on unconfigured chain",
				zap.Uint64("job", info.JobID), zap.Uint64("chain_id", info.ChainID))
			continue
		}
		if _, ok := r.sessions[info.JobID]; ok {
			continue
		}
		stored := info
		r.sessions[info.JobID] = &stored
		if info.State == StateActive {
			metrics.ActiveSessions.Inc()
		}
		n++
	}
	return n, nil
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, s := range r.sessions {
		if s.State == StateActive {
			n++
		}
	}
	return n
}

func (r *Registry) persist(ctx context.Context, info Info) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(ctx, info); err != nil {
		r.log.Warn("persist session", zap.Uint64("job", info.JobID), zap.Error(err))
	}
}
