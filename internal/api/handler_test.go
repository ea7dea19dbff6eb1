package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-inference-settlement/internal/billing"
	"github.com/0gfoundation/0g-inference-settlement/internal/chains"
	"github.com/0gfoundation/0g-inference-settlement/internal/checkpoint"
	"github.com/0gfoundation/0g-inference-settlement/internal/ledger"
	"github.com/0gfoundation/0g-inference-settlement/internal/session"
	"github.com/0gfoundation/0g-inference-settlement/internal/settlement"
	"github.com/0gfoundation/0g-inference-settlement/internal/slash"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ── Fakes ─────────────────────────────────────────────────────────────────────

type fakeSettler struct {
	mu     sync.Mutex
	tokens []uint64
	err    error
}

func (f *fakeSettler) SettleCheckpoint(_ context.Context, cp checkpoint.Checkpoint) (*ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tokens = append(f.tokens, cp.Tokens)
	return &ledger.Receipt{ChainID: chains.BaseSepoliaID, TxHash: common.HexToHash("0xabc"), BlockNumber: 7}, nil
}

func (f *fakeSettler) Reconcile(context.Context, uint64, common.Hash) (ledger.TxState, error) {
	return ledger.TxUnknown, nil
}

type fakeCompleter struct{ err error }

func (f *fakeCompleter) SettleSessionEnd(context.Context, uint64) (common.Hash, error) {
	return common.HexToHash("0xdef"), f.err
}

type fakeQueue struct {
	jobs []uint64
	err  error
}

func (f *fakeQueue) Enqueue(_ context.Context, jobID uint64, _ error) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, jobID)
	return nil
}

type fakeEvents struct{}

func (fakeEvents) Events(_ context.Context, jobID uint64, _ int64) ([]settlement.Event, error) {
	return []settlement.Event{{JobID: jobID, Type: settlement.EventCompleted, Action: "checkpoint"}}, nil
}

type fakeRisk slash.Snapshot

func (f fakeRisk) Snapshot() slash.Snapshot { return slash.Snapshot(f) }

// ── Helpers ───────────────────────────────────────────────────────────────────

type testServer struct {
	r         *gin.Engine
	sessions  *session.Registry
	engine    *checkpoint.Engine
	settler   *fakeSettler
	completer *fakeCompleter
	queue     *fakeQueue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	base := chains.BaseSepolia("")
	base.Contracts.JobMarketplace = common.HexToAddress("0x1000000000000000000000000000000000000001")
	reg, err := chains.NewRegistry(base)
	require.NoError(t, err)

	ts := &testServer{settler: &fakeSettler{}, completer: &fakeCompleter{}, queue: &fakeQueue{}}
	ts.sessions = session.NewRegistry(reg, nil, 10, zap.NewNop())
	ts.engine = checkpoint.NewEngine(checkpoint.Config{Threshold: 1000, MinProvenTokens: 100}, ts.settler, nil, zap.NewNop())
	lc := billing.NewEventHandler(ts.sessions, ts.engine, ts.completer, ts.queue, zap.NewNop())

	operator := func(c *gin.Context) {
		if c.GetHeader("X-Test-Operator") != "yes" {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
	h := NewHandler(Deps{
		Lifecycle: lc,
		Jobs:      ts.engine,
		Sessions:  ts.sessions,
		Events:    fakeEvents{},
		Risk: []RiskSource{
			fakeRisk{ChainID: chains.BaseSepoliaID, IsAtRisk: true, TotalSlashed: big.NewInt(5)},
			fakeRisk{ChainID: chains.OpBNBTestnetID},
		},
		Operator: operator,
	}, zap.NewNop())

	ts.r = gin.New()
	h.Register(ts.r)
	return ts
}

func (ts *testServer) do(method, path string, body any, hdr ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	ts.r.ServeHTTP(w, req)
	return w
}

func (ts *testServer) open(t *testing.T, jobID uint64) {
	t.Helper()
	w := ts.do(http.MethodPost, "/v1/sessions", gin.H{
		"job_id":   jobID,
		"chain_id": chains.BaseSepoliaID,
		"payer":    "0x2000000000000000000000000000000000000002",
		"deposit":  "1000000000000000000",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

// ── Sessions ──────────────────────────────────────────────────────────────────

func TestOpenSession_RoutesToChain(t *testing.T) {
	ts := newTestServer(t)
	ts.open(t, 42)

	w := ts.do(http.MethodGet, "/v1/sessions/42", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info session.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	require.Equal(t, chains.BaseSepoliaID, info.ChainID)
	require.Equal(t, "1000000000000000000", info.Deposit.String())
}

func TestOpenSession_Rejects(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body gin.H
		want int
	}{
		{"unsupported chain", gin.H{"job_id": 1, "chain_id": 999}, http.StatusBadRequest},
		{"missing job", gin.H{"chain_id": chains.BaseSepoliaID}, http.StatusBadRequest},
		{"bad payer", gin.H{"job_id": 2, "payer": "nope"}, http.StatusBadRequest},
		{"bad deposit", gin.H{"job_id": 3, "deposit": "-1"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(http.MethodPost, "/v1/sessions", tt.body)
			require.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
	_, ok := ts.sessions.Get(1)
	require.False(t, ok, "unsupported chain must not record a session")
}

func TestOpenSession_Duplicate(t *testing.T) {
	ts := newTestServer(t)
	ts.open(t, 42)
	w := ts.do(http.MethodPost, "/v1/sessions", gin.H{"job_id": 42})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestGetSession_NotFound(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/v1/sessions/9", nil).Code)
	require.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/v1/sessions/abc", nil).Code)
	require.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/v1/sessions/0", nil).Code)
}

// ── Usage ─────────────────────────────────────────────────────────────────────

func TestUsage_CheckpointsAtThreshold(t *testing.T) {
	ts := newTestServer(t)
	ts.open(t, 42)

	for _, units := range []uint64{600, 500} {
		w := ts.do(http.MethodPost, "/v1/usage", gin.H{"job_id": 42, "units": units, "session_id": "s-1"})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	}
	require.Equal(t, []uint64{1000}, ts.settler.tokens)

	w := ts.do(http.MethodGet, "/v1/jobs/42", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Tracker checkpoint.Snapshot `json:"tracker"`
		Events  []settlement.Event  `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, uint64(1100), resp.Tracker.Total)
	require.Equal(t, uint64(100), resp.Tracker.SinceCheckpoint)
	require.Len(t, resp.Events, 1)
}

func TestUsage_UnknownSession(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodPost, "/v1/usage", gin.H{"job_id": 5, "units": 10})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestUsage_Malformed(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodPost, "/v1/usage", "not json")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestCloseSession_Settles(t *testing.T) {
	ts := newTestServer(t)
	ts.open(t, 42)
	ts.do(http.MethodPost, "/v1/usage", gin.H{"job_id": 42, "units": 250})

	w := ts.do(http.MethodDelete, "/v1/sessions/42", gin.H{"conversation_cid": "bafy-conv"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, []uint64{250}, ts.settler.tokens)
	require.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/v1/sessions/42", nil).Code)
}

func TestCloseSession_FailureQueued(t *testing.T) {
	ts := newTestServer(t)
	ts.open(t, 42)
	ts.completer.err = errors.New("rpc down")

	w := ts.do(http.MethodDelete, "/v1/sessions/42", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, []uint64{42}, ts.queue.jobs)

	// Usage after close is refused.
	w = ts.do(http.MethodPost, "/v1/usage", gin.H{"job_id": 42, "units": 1})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestCloseSession_NotQueuedIsNotRetrying(t *testing.T) {
	ts := newTestServer(t)
	ts.open(t, 42)
	ts.completer.err = errors.New("rpc down")
	ts.queue.err = errors.New("redis down")

	w := ts.do(http.MethodDelete, "/v1/sessions/42", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), `"status":"failed"`)
	require.Empty(t, ts.queue.jobs)
}

func TestCloseSession_Unknown(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusNotFound, ts.do(http.MethodDelete, "/v1/sessions/77", nil).Code)
}

// ── Operator ──────────────────────────────────────────────────────────────────

func TestForceCheckpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.open(t, 42)
	ts.do(http.MethodPost, "/v1/usage", gin.H{"job_id": 42, "units": 300})

	w := ts.do(http.MethodPost, "/v1/jobs/42/checkpoint", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(http.MethodPost, "/v1/jobs/42/checkpoint", nil, "X-Test-Operator", "yes")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, true, resp["submitted"])
	require.Equal(t, []uint64{300}, ts.settler.tokens)

	w = ts.do(http.MethodPost, "/v1/jobs/42/checkpoint", nil, "X-Test-Operator", "yes")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, false, resp["submitted"])
}

func TestForceCheckpoint_UnknownJob(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodPost, "/v1/jobs/8/checkpoint", nil, "X-Test-Operator", "yes")
	require.Equal(t, http.StatusNotFound, w.Code)
}

// ── Stake risk / health ──────────────────────────────────────────────────────

func TestStakeRisk(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/v1/stake-risk", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var all []slash.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	require.Len(t, all, 2)

	w = ts.do(http.MethodGet, "/v1/stake-risk?chain_id=84532", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var one []slash.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &one))
	require.Len(t, one, 1)
	require.True(t, one[0].IsAtRisk)

	require.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/v1/stake-risk?chain_id=1", nil).Code)
	require.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/v1/stake-risk?chain_id=x", nil).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/healthz", nil).Code)
	w := ts.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrSessionNotFound, http.StatusNotFound},
		{&settlement.Error{Kind: settlement.KindSessionNotFound, JobID: 1}, http.StatusNotFound},
		{chains.ErrUnsupportedChain, http.StatusBadRequest},
		{checkpoint.ErrJobEnded, http.StatusConflict},
		{session.ErrTooManySessions, http.StatusTooManyRequests},
		{&settlement.Error{Kind: settlement.KindSubmissionFailed}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
