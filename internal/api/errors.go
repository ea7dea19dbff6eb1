package api

import (
	"errors"
	"net/http"

	"github.com/0gfoundation/0g-inference-settlement/internal/chains"
	"github.com/0gfoundation/0g-inference-settlement/internal/checkpoint"
	"github.com/0gfoundation/0g-inference-settlement/internal/session"
	"github.com/0gfoundation/0g-inference-settlement/internal/settlement"
)

func isNotFound(err error) bool {
	return errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, settlement.ErrSessionNotFound)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case isNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, chains.ErrUnsupportedChain),
		errors.Is(err, settlement.ErrChainNotSupported),
		errors.Is(err, session.ErrInvalidSession):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionExists),
		errors.Is(err, session.ErrSessionEnded),
		errors.Is(err, checkpoint.ErrJobEnded),
		errors.Is(err, checkpoint.ErrReconcilePending):
		return http.StatusConflict
	case errors.Is(err, checkpoint.ErrUsageOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusTooManyRequests
	case errors.Is(err, settlement.ErrSubmissionFailed),
		errors.Is(err, settlement.ErrConfirmationTimeout):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
