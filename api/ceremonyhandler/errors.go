package ceremonyhandler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
	"github.com/ruteri/zkey-ceremony-coordinator/queue"
)

// errorStatus maps domain errors to response codes. The client matches the
// same list against response bodies, so more specific messages come first.
var errorStatus = []struct {
	err    error
	status int
}{
	{interfaces.ErrCeremonyNotFound, http.StatusNotFound},
	{interfaces.ErrCircuitNotFound, http.StatusNotFound},
	{interfaces.ErrParticipantNotFound, http.StatusNotFound},
	{interfaces.ErrObjectNotFound, http.StatusNotFound},
	{interfaces.ErrUploadNotFound, http.StatusNotFound},

	{interfaces.ErrCeremonyExists, http.StatusConflict},
	{interfaces.ErrAlreadyRegistered, http.StatusConflict},
	{interfaces.ErrStaleContributor, http.StatusConflict},
	{interfaces.ErrIndexMismatch, http.StatusConflict},
	{interfaces.ErrCircuitsBusy, http.StatusConflict},
	{interfaces.ErrNotTimedOut, http.StatusConflict},
	{interfaces.ErrNothingToContribute, http.StatusConflict},
	{interfaces.ErrInvalidTransition, http.StatusConflict},

	{interfaces.ErrWrongStep, http.StatusPreconditionFailed},
	{interfaces.ErrNotContributing, http.StatusPreconditionFailed},
	{interfaces.ErrNotReadyForFinalization, http.StatusPreconditionFailed},
	{interfaces.ErrNotAllCircuitsFinalized, http.StatusPreconditionFailed},

	{interfaces.ErrNotCoordinator, http.StatusForbidden},
	{interfaces.ErrForbidden, http.StatusForbidden},
	{interfaces.ErrNotOpen, http.StatusForbidden},

	{interfaces.ErrInvalidSetup, http.StatusBadRequest},
	{interfaces.ErrMalformedTranscript, http.StatusBadRequest},
	{interfaces.ErrInvalidArtifact, http.StatusBadRequest},
	{interfaces.ErrIncompleteOrMismatchedParts, http.StatusBadRequest},

	{queue.ErrQueueFull, http.StatusTooManyRequests},

	{interfaces.ErrUploadFailed, http.StatusBadGateway},
	{interfaces.ErrBackendUnavailable, http.StatusServiceUnavailable},

	{interfaces.ErrUnauthorized, http.StatusUnauthorized},
}

// RequestError is an error reported before reaching the ceremony service.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func badRequest(format string, args ...any) error {
	return &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf(format, args...)}
}

// statusFor returns the response code for err, 500 for unknown errors.
func statusFor(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode
	}
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// decodeError rebuilds the domain error from a failed response, so callers
// can keep using errors.Is across the wire.
func decodeError(statusCode int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	for _, e := range errorStatus {
		if e.status == statusCode && strings.Contains(msg, e.err.Error()) {
			return fmt.Errorf("%w: coordinator returned %d: %s", e.err, statusCode, msg)
		}
	}
	if statusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: coordinator returned %d: %s", interfaces.ErrUnauthorized, statusCode, msg)
	}
	return fmt.Errorf("coordinator returned %d: %s", statusCode, msg)
}
