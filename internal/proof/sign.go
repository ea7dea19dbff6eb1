package proof

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0gfoundation/0g-inference-settlement/internal/auth"
)

// Digest is keccak256(proofHash ‖ host ‖ uint256(tokens)), packed encoding.
func Digest(proofHash [32]byte, host common.Address, tokens uint64) [32]byte {
	packed := make([]byte, 32+20+32)
	copy(packed[0:32], proofHash[:])
	copy(packed[32:52], host.Bytes())
	new(big.Int).SetUint64(tokens).FillBytes(packed[52:84])
	return crypto.Keccak256Hash(packed)
}

// Sign signs the proof digest with the EIP-191 personal-message prefix.
// The returned signature has V in {27,28}.
func Sign(key *ecdsa.PrivateKey, proofHash [32]byte, tokens uint64) ([]byte, error) {
	host := crypto.PubkeyToAddress(key.PublicKey)
	digest := Digest(proofHash, host, tokens)
	sig, err := auth.SignMessage(key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign proof: %w", err)
	}
	return sig, nil
}

// Recover returns the address that signed (proofHash, host, tokens).
func Recover(proofHash [32]byte, host common.Address, tokens uint64, sig []byte) (common.Address, error) {
	digest := Digest(proofHash, host, tokens)
	return auth.Recover(digest[:], sig)
}
