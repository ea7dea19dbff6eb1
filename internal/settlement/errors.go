package settlement

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Kind classifies settlement failures.
type Kind int

const (
	KindSessionNotFound Kind = iota + 1
	KindChainNotSupported
	KindSignerNotFound
	KindSubmissionFailed
	KindConfirmationTimeout
	KindEncoding
)

func (k Kind) String() string {
	switch k {
	case KindSessionNotFound:
		return "session_not_found"
	case KindChainNotSupported:
		return "chain_not_supported"
	case KindSignerNotFound:
		return "signer_not_found"
	case KindSubmissionFailed:
		return "submission_failed"
	case KindConfirmationTimeout:
		return "confirmation_timeout"
	case KindEncoding:
		return "encoding"
	default:
		return "unknown"
	}
}

// Error is a settlement failure. Compare with errors.Is against the
// sentinels below, which match on Kind only.
type Error struct {
	Kind    Kind
	JobID   uint64
	ChainID uint64
	TxHash  common.Hash // set for confirmation timeouts
	Reason  string
	Err     error
}

var (
	ErrSessionNotFound     = &Error{Kind: KindSessionNotFound}
	ErrChainNotSupported   = &Error{Kind: KindChainNotSupported}
	ErrSignerNotFound      = &Error{Kind: KindSignerNotFound}
	ErrSubmissionFailed    = &Error{Kind: KindSubmissionFailed}
	ErrConfirmationTimeout = &Error{Kind: KindConfirmationTimeout}
	ErrEncoding            = &Error{Kind: KindEncoding}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.JobID != 0 {
		msg += fmt.Sprintf(" (job %d", e.JobID)
		if e.ChainID != 0 {
			msg += fmt.Sprintf(", chain %d", e.ChainID)
		}
		msg += ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.TxHash != (common.Hash{}) {
		msg += " tx " + e.TxHash.Hex()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether err may succeed when tried again later.
func Retryable(err error) bool {
	var se *Error
	if !errors.As(err, &se) {
		return true
	}
	switch se.Kind {
	case KindSubmissionFailed, KindConfirmationTimeout:
		return true
	default:
		return false
	}
}
