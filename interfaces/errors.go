package interfaces

import "errors"

// Admission errors. Reported to the caller and not retriable without a state change.
var (
	ErrCeremonyNotFound    = errors.New("ceremony not found")
	ErrCeremonyExists      = errors.New("ceremony already exists")
	ErrInvalidSetup        = errors.New("invalid ceremony setup")
	ErrCircuitNotFound     = errors.New("circuit not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrNotOpen             = errors.New("ceremony is not open")
	ErrAlreadyRegistered   = errors.New("participant already registered")
	ErrNotCoordinator      = errors.New("caller is not the ceremony coordinator")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("caller may not access this resource")
	ErrNotTimedOut         = errors.New("participant is not timed out or penalty has not expired")
	ErrNotContributing     = errors.New("participant is not contributing")
	ErrWrongStep           = errors.New("operation not allowed at current contribution step")
	ErrNothingToContribute = errors.New("participant has no circuit left to contribute to")
)

// Ordering and consistency errors. Caused by a lost transaction race; the
// caller retries once.
var (
	ErrStaleContributor = errors.New("caller is no longer the current contributor")
	ErrIndexMismatch    = errors.New("zkey index does not match circuit state")
)

// Transfer errors.
var (
	ErrObjectNotFound              = errors.New("object not found")
	ErrUploadNotFound              = errors.New("multipart upload not found")
	ErrIncompleteOrMismatchedParts = errors.New("incomplete or mismatched upload parts")
	ErrUploadFailed                = errors.New("upload failed")
)

// Contribution errors.
var (
	ErrMalformedTranscript = errors.New("transcript does not contain a contribution hash")
	ErrInvalidArtifact     = errors.New("invalid zkey artifact")
)

// Finalization errors. Ceremony state is unchanged when they are returned.
var (
	ErrNotReadyForFinalization = errors.New("ceremony or coordinator not ready for finalization")
	ErrNotAllCircuitsFinalized = errors.New("not all circuits are finalized")
	ErrCircuitsBusy            = errors.New("circuits still have active or waiting contributors")
)

// Store errors.
var (
	// ErrInvalidLocationURI is returned when a store URI is malformed or unsupported.
	ErrInvalidLocationURI = errors.New("invalid store location URI")

	// ErrBackendUnavailable is returned when a store cannot be reached.
	ErrBackendUnavailable = errors.New("store backend unavailable")
)
