package server

import (
	"context"
	"errors"
	"net/http"

	"vigil/internal/types"
)

// wireError is the transport error body. Codes are the stable governance
// codes; recovery names the next operation to try.
type wireError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Recovery     string `json:"recovery,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
}

type errorBody struct {
	Error wireError `json:"error"`
}

// toWire converts any error into the wire shape. Context expiry maps to the
// deadline message rather than leaking internal wrapping.
func toWire(err error) wireError {
	if errors.Is(err, context.DeadlineExceeded) {
		return wireError{
			Code:      types.KindBusy.Code(),
			Message:   "operation deadline exceeded",
			Retryable: true,
		}
	}

	var ge *types.Error
	if errors.As(err, &ge) {
		w := wireError{
			Code:      ge.Kind.Code(),
			Message:   ge.Message,
			Recovery:  ge.Recovery,
			Retryable: ge.Kind.Retryable(),
		}
		if ge.RetryAfter > 0 {
			w.RetryAfterMs = ge.RetryAfter.Milliseconds()
		}
		return w
	}

	return wireError{Code: types.KindInternal.Code(), Message: err.Error()}
}

// httpStatus maps a governance error kind onto an HTTP status. Protocol
// conflicts (paused agents, wrong dialectic phase, refused resumes) all land
// on 409: the request was well-formed but the system state forbids it.
func httpStatus(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	switch types.KindOf(err) {
	case types.KindInvalidArgument, types.KindInvalidIdentifier:
		return http.StatusBadRequest
	case types.KindAuthRequired, types.KindNotBound:
		return http.StatusUnauthorized
	case types.KindSessionMismatch:
		return http.StatusForbidden
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindBusy:
		return http.StatusTooManyRequests
	case types.KindAgentPaused, types.KindWrongPhase, types.KindMaxRoundsExceeded,
		types.KindUnsafeConditions, types.KindUnsafe, types.KindNoReviewerAvailable:
		return http.StatusConflict
	case types.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case types.KindDynamicsInstability:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
