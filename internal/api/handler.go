// Package api is the node's HTTP surface: usage and session ingress, job
// inspection, stake risk and metrics.
package api

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-inference-settlement/internal/billing"
	"github.com/0gfoundation/0g-inference-settlement/internal/checkpoint"
	"github.com/0gfoundation/0g-inference-settlement/internal/ledger"
	"github.com/0gfoundation/0g-inference-settlement/internal/session"
	"github.com/0gfoundation/0g-inference-settlement/internal/settlement"
	"github.com/0gfoundation/0g-inference-settlement/internal/slash"
)

// Lifecycle is satisfied by billing.EventHandler.
type Lifecycle interface {
	OnSessionOpen(ctx context.Context, info session.Info) error
	OnUsage(ctx context.Context, jobID, tokens uint64, sessionID string) error
	OnSessionClose(ctx context.Context, jobID uint64, conversationCID string) error
}

// Jobs is the read and force side of the checkpoint engine.
type Jobs interface {
	ForceCheckpoint(ctx context.Context, jobID uint64) (*ledger.Receipt, error)
	Tracker(jobID uint64) (checkpoint.Snapshot, bool)
	Stats() checkpoint.Stats
}

type Sessions interface {
	Get(jobID uint64) (session.Info, bool)
	List() []session.Info
}

type EventSource interface {
	Events(ctx context.Context, jobID uint64, limit int64) ([]settlement.Event, error)
}

// RiskSource is one chain's slash monitor.
type RiskSource interface {
	Snapshot() slash.Snapshot
}

// Deps are the handler's collaborators. Operator guards the operator-only
// routes; when nil those routes are not mounted.
type Deps struct {
	Lifecycle Lifecycle
	Jobs      Jobs
	Sessions  Sessions
	Events    EventSource
	Risk      []RiskSource
	Operator  gin.HandlerFunc
}

// Handler wires up all routes onto a gin engine.
type Handler struct {
	d   Deps
	log *zap.Logger
}

func NewHandler(d Deps, log *zap.Logger) *Handler {
	return &Handler{d: d, log: log}
}

// Register mounts all routes.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.handleHealthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")

	// ── Ingress ────────────────────────────────────────────────────────────
	v1.POST("/usage", h.handleUsage)
	v1.POST("/sessions", h.handleOpenSession)
	v1.DELETE("/sessions/:job_id", h.withJobID(h.handleCloseSession))

	// ── Inspection ─────────────────────────────────────────────────────────
	v1.GET("/sessions", h.handleListSessions)
	v1.GET("/sessions/:job_id", h.withJobID(h.handleGetSession))
	v1.GET("/jobs/:job_id", h.withJobID(h.handleGetJob))
	v1.GET("/stats", h.handleStats)
	v1.GET("/stake-risk", h.handleStakeRisk)

	// ── Operator ───────────────────────────────────────────────────────────
	if h.d.Operator != nil {
		v1.POST("/jobs/:job_id/checkpoint", h.d.Operator, h.withJobID(h.handleForceCheckpoint))
	}
}

// ── Ingress ─────────────────────────────────────────────────────────────────

type usageRequest struct {
	JobID     uint64 `json:"job_id" binding:"required"`
	Units     uint64 `json:"units"`
	SessionID string `json:"session_id"`
}

func (h *Handler) handleUsage(c *gin.Context) {
	var req usageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid usage payload"})
		return
	}
	if err := h.d.Lifecycle.OnUsage(c.Request.Context(), req.JobID, req.Units, req.SessionID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": req.JobID, "units": req.Units})
}

type openSessionRequest struct {
	JobID        uint64 `json:"job_id" binding:"required"`
	ChainID      uint64 `json:"chain_id"`
	Payer        string `json:"payer"`
	Host         string `json:"host"`
	Deposit      string `json:"deposit"`
	PaymentToken string `json:"payment_token"`
}

func (r openSessionRequest) info() (session.Info, bool) {
	info := session.Info{JobID: r.JobID, ChainID: r.ChainID}
	for _, a := range []struct {
		raw string
		dst *common.Address
	}{{r.Payer, &info.Payer}, {r.Host, &info.Host}, {r.PaymentToken, &info.PaymentToken}} {
		if a.raw == "" {
			continue
		}
		if !common.IsHexAddress(a.raw) {
			return session.Info{}, false
		}
		*a.dst = common.HexToAddress(a.raw)
	}
	if r.Deposit != "" {
		d, ok := new(big.Int).SetString(r.Deposit, 10)
		if !ok || d.Sign() < 0 {
			return session.Info{}, false
		}
		info.Deposit = d
	}
	return info, true
}

func (h *Handler) handleOpenSession(c *gin.Context) {
	var req openSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session payload"})
		return
	}
	info, ok := req.info()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address or deposit"})
		return
	}
	if err := h.d.Lifecycle.OnSessionOpen(c.Request.Context(), info); err != nil {
		h.fail(c, err)
		return
	}
	created, _ := h.d.Sessions.Get(info.JobID)
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) handleCloseSession(c *gin.Context, jobID uint64) {
	var body struct {
		ConversationCID string `json:"conversation_cid"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid close payload"})
			return
		}
	}
	if cid := c.Query("conversation_cid"); cid != "" {
		body.ConversationCID = cid
	}

	err := h.d.Lifecycle.OnSessionClose(c.Request.Context(), jobID, body.ConversationCID)
	if err != nil {
		if isNotFound(err) {
			h.fail(c, err)
			return
		}
		if errors.Is(err, billing.ErrRetryNotQueued) {
			h.log.Error("session close failed and was not queued", zap.Uint64("job", jobID), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"job_id": jobID, "status": "failed", "error": err.Error()})
			return
		}
		// The lifecycle has queued the job for retry.
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": "retrying", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": "settled"})
}

// ── Inspection ──────────────────────────────────────────────────────────────

func (h *Handler) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, h.d.Sessions.List())
}

func (h *Handler) handleGetSession(c *gin.Context, jobID uint64) {
	info, ok := h.d.Sessions.Get(jobID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handler) handleGetJob(c *gin.Context, jobID uint64) {
	snap, ok := h.d.Jobs.Tracker(jobID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not tracked"})
		return
	}
	resp := gin.H{"tracker": snap}
	if h.d.Events != nil {
		limit, _ := strconv.ParseInt(c.DefaultQuery("events", "20"), 10, 64)
		evs, err := h.d.Events.Events(c.Request.Context(), jobID, limit)
		if err != nil {
			h.log.Warn("read settlement events", zap.Uint64("job", jobID), zap.Error(err))
		} else {
			resp["events"] = evs
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"engine": h.d.Jobs.Stats(), "sessions": len(h.d.Sessions.List())})
}

func (h *Handler) handleStakeRisk(c *gin.Context) {
	var chainID uint64
	if raw := c.Query("chain_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chain_id"})
			return
		}
		chainID = id
	}
	out := make([]slash.Snapshot, 0, len(h.d.Risk))
	for _, r := range h.d.Risk {
		s := r.Snapshot()
		if chainID != 0 && s.ChainID != chainID {
			continue
		}
		out = append(out, s)
	}
	if chainID != 0 && len(out) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "chain not monitored"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ── Operator ────────────────────────────────────────────────────────────────

func (h *Handler) handleForceCheckpoint(c *gin.Context, jobID uint64) {
	if _, ok := h.d.Jobs.Tracker(jobID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not tracked"})
		return
	}
	rcpt, err := h.d.Jobs.ForceCheckpoint(c.Request.Context(), jobID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if rcpt == nil {
		c.JSON(http.StatusOK, gin.H{"job_id": jobID, "submitted": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":    jobID,
		"submitted": true,
		"chain_id":  rcpt.ChainID,
		"tx_hash":   rcpt.TxHash.Hex(),
		"block":     rcpt.BlockNumber,
	})
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// withJobID parses :job_id and rejects zero or malformed ids.
func (h *Handler) withJobID(next func(*gin.Context, uint64)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("job_id"), 10, 64)
		if err != nil || id == 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid job_id"})
			return
		}
		next(c, id)
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
