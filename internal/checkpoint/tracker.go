package checkpoint

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// State is the lifecycle state of a job's tracker.
type State int

const (
	Active State = iota
	Checkpointing
	Ended
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Checkpointing:
		return "checkpointing"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

func parseState(s string) State {
	switch s {
	case "ended":
		return Ended
	default:
		return Active
	}
}

// submission is one planned or broadcast checkpoint.
type submission struct {
	TxHash  common.Hash
	Covers  uint64 // usage units this checkpoint settles
	Used    uint64 // padding credit consumed
	Claimed uint64 // tokens put on chain
	Extra   uint64 // padding added on top of usage
	SentAt  time.Time
}

// tracker is the per-job accounting unit. mu guards every field; inflight
// is non-nil while a checkpoint owns the job and is closed when it finishes.
type tracker struct {
	mu        sync.Mutex
	jobID     uint64
	sessionID string
	total     uint64
	baseline  uint64
	credit    uint64
	proven    uint64
	state     State
	inflight  chan struct{}
	lastErr   error
	lastAt    time.Time
	count     int
	pending   *submission // broadcast but unconfirmed
	updated   time.Time
}

func (t *tracker) since() uint64 { return t.total - t.baseline }

// plan sizes a checkpoint covering `covers` units. Padding credit is consumed
// first; the first on-chain claim of a job is raised to minProven.
func (t *tracker) plan(covers, minProven uint64) submission {
	used := min(t.credit, covers)
	claim := covers - used
	var extra uint64
	if t.proven == 0 && claim > 0 && claim < minProven {
		extra = minProven - claim
		claim = minProven
	}
	return submission{Covers: covers, Used: used, Claimed: claim, Extra: extra}
}

func (t *tracker) apply(s submission) {
	t.baseline += s.Covers
	t.credit = t.credit - s.Used + s.Extra
	t.proven += s.Claimed
}

// Snapshot is a point-in-time copy of a tracker.
type Snapshot struct {
	JobID           uint64      `json:"job_id"`
	SessionID       string      `json:"session_id,omitempty"`
	Total           uint64      `json:"total"`
	Baseline        uint64      `json:"baseline"`
	SinceCheckpoint uint64      `json:"since_checkpoint"`
	Credit          uint64      `json:"credit"`
	Proven          uint64      `json:"proven"`
	State           State       `json:"-"`
	StateName       string      `json:"state"`
	InFlight        bool        `json:"in_flight"`
	LastError       string      `json:"last_error,omitempty"`
	Checkpoints     int         `json:"checkpoints"`
	LastCheckpoint  time.Time   `json:"last_checkpoint,omitempty"`
	Unconfirmed     common.Hash `json:"unconfirmed,omitempty"`
}

func (t *tracker) snapshot() Snapshot {
	s := Snapshot{
		JobID:           t.jobID,
		SessionID:       t.sessionID,
		Total:           t.total,
		Baseline:        t.baseline,
		SinceCheckpoint: t.since(),
		Credit:          t.credit,
		Proven:          t.proven,
		State:           t.state,
		StateName:       t.state.String(),
		InFlight:        t.inflight != nil,
		Checkpoints:     t.count,
		LastCheckpoint:  t.lastAt,
	}
	if t.lastErr != nil {
		s.LastError = t.lastErr.Error()
	}
	if t.pending != nil {
		s.Unconfirmed = t.pending.TxHash
	}
	return s
}
