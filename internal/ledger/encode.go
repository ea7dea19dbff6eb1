package ledger

import (
	"errors"
	"fmt"
	"math/big"
)

// ErrEncoding marks a malformed settlement payload. Reaching it means a caller bug.
var ErrEncoding = errors.New("settlement payload encoding")

// ProofOfWork is the argument set of submitProofOfWork.
type ProofOfWork struct {
	JobID         uint64
	TokensClaimed uint64
	ProofHash     [32]byte
	Signature     []byte // 65 bytes, v in {27,28}
	ProofCID      string
}

// EncodeProofOfWork builds the calldata for
// submitProofOfWork(uint256,uint256,bytes32,bytes,string).
func EncodeProofOfWork(p ProofOfWork) ([]byte, error) {
	if p.JobID == 0 {
		return nil, fmt.Errorf("%w: job id is zero", ErrEncoding)
	}
	if p.TokensClaimed == 0 {
		return nil, fmt.Errorf("%w: job %d claims zero tokens", ErrEncoding, p.JobID)
	}
	if len(p.Signature) != 65 {
		return nil, fmt.Errorf("%w: signature must be 65 bytes, got %d", ErrEncoding, len(p.Signature))
	}
	if v := p.Signature[64]; v != 27 && v != 28 {
		return nil, fmt.Errorf("%w: signature v must be 27 or 28, got %d", ErrEncoding, v)
	}
	if p.ProofHash == ([32]byte{}) {
		return nil, fmt.Errorf("%w: empty proof hash", ErrEncoding)
	}
	data, err := jobMarketplaceABI.Pack("submitProofOfWork",
		new(big.Int).SetUint64(p.JobID),
		new(big.Int).SetUint64(p.TokensClaimed),
		p.ProofHash,
		p.Signature,
		p.ProofCID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return data, nil
}

// EncodeCompleteSession builds the calldata for completeSessionJob(uint256,string).
func EncodeCompleteSession(jobID uint64, conversationCID string) ([]byte, error) {
	if jobID == 0 {
		return nil, fmt.Errorf("%w: job id is zero", ErrEncoding)
	}
	data, err := jobMarketplaceABI.Pack("completeSessionJob", new(big.Int).SetUint64(jobID), conversationCID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return data, nil
}
