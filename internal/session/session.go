package session

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// State of a session.
type State string

const (
	StateActive State = "active"
	StateEnded  State = "ended"
)

// Info is a job's session as known to the host.
type Info struct {
	JobID           uint64         `json:"job_id"`
	ChainID         uint64         `json:"chain_id"`
	Payer           common.Address `json:"payer"`
	Host            common.Address `json:"host"`
	Deposit         *big.Int       `json:"deposit"`
	PaymentToken    common.Address `json:"payment_token"`
	TokensConsumed  uint64         `json:"tokens_consumed"`
	CreatedAt       time.Time      `json:"created_at"`
	LastActivity    time.Time      `json:"last_activity"`
	State           State          `json:"state"`
	ConversationCID string         `json:"conversation_cid,omitempty"`
}

// NativePayment reports whether the deposit is in the chain's native token.
func (i Info) NativePayment() bool { return i.PaymentToken == (common.Address{}) }

func (i Info) clone() Info {
	if i.Deposit != nil {
		i.Deposit = new(big.Int).Set(i.Deposit)
	}
	return i
}
