package proof

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0gfoundation/0g-inference-settlement/internal/ledger"
)

// Pipeline turns a checkpoint request into submitProofOfWork arguments:
// prove, hash, store, sign.
type Pipeline struct {
	prover Prover
	store  Store // optional; an empty CID is submitted without one
	key    *ecdsa.PrivateKey
}

func NewPipeline(prover Prover, store Store, key *ecdsa.PrivateKey) *Pipeline {
	if prover == nil {
		prover = NewAttestationProver(crypto.PubkeyToAddress(key.PublicKey))
	}
	return &Pipeline{prover: prover, store: store, key: key}
}

func (p *Pipeline) Build(ctx context.Context, req Request) (ledger.ProofOfWork, error) {
	payload, err := p.prover.Prove(ctx, req)
	if err != nil {
		return ledger.ProofOfWork{}, fmt.Errorf("prove job %d: %w", req.JobID, err)
	}
	hash := Hash(payload)

	var cid string
	if p.store != nil {
		if cid, err = p.store.Put(ctx, payload); err != nil {
			return ledger.ProofOfWork{}, err
		}
	}

	sig, err := Sign(p.key, hash, req.Tokens)
	if err != nil {
		return ledger.ProofOfWork{}, err
	}
	return ledger.ProofOfWork{
		JobID:         req.JobID,
		TokensClaimed: req.Tokens,
		ProofHash:     hash,
		Signature:     sig,
		ProofCID:      cid,
	}, nil
}
