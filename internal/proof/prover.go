package proof

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Request describes the work a proof attests to.
type Request struct {
	ChainID    uint64
	JobID      uint64
	SessionID  string
	Tokens     uint64 // claimed by this checkpoint
	Cumulative uint64 // proven for the job once this checkpoint lands
}

// Prover produces an opaque proof payload for a checkpoint.
type Prover interface {
	Prove(ctx context.Context, req Request) ([]byte, error)
}

// Attestation is the payload produced by AttestationProver.
type Attestation struct {
	Version    int    `json:"version"`
	ChainID    uint64 `json:"chain_id"`
	JobID      uint64 `json:"job_id"`
	SessionID  string `json:"session_id,omitempty"`
	Host       string `json:"host"`
	Tokens     uint64 `json:"tokens"`
	Cumulative uint64 `json:"cumulative"`
	IssuedAt   int64  `json:"issued_at"`
	Nonce      string `json:"nonce"`
}

// AttestationProver emits a host-signed JSON work attestation. It is the
// default when no external proving service is configured.
type AttestationProver struct {
	host common.Address
	now  func() time.Time
}

func NewAttestationProver(host common.Address) *AttestationProver {
	return &AttestationProver{host: host, now: time.Now}
}

func (p *AttestationProver) Prove(_ context.Context, req Request) ([]byte, error) {
	if req.Tokens == 0 {
		return nil, fmt.Errorf("attestation for job %d: zero tokens", req.JobID)
	}
	return json.Marshal(Attestation{
		Version:    1,
		ChainID:    req.ChainID,
		JobID:      req.JobID,
		SessionID:  req.SessionID,
		Host:       p.host.Hex(),
		Tokens:     req.Tokens,
		Cumulative: req.Cumulative,
		IssuedAt:   p.now().Unix(),
		Nonce:      uuid.NewString(),
	})
}

// Hash is the bytes32 proof hash committed on-chain.
func Hash(proof []byte) [32]byte {
	return crypto.Keccak256Hash(proof)
}
