package api

import (
	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
)

// CheckResponse answers whether the caller may register or continue.
type CheckResponse struct {
	CanContribute bool `json:"canContribute"`
}

// WatchResponse carries the participant document and its version. Version
// equals the requested one when the long-poll timed out without change.
type WatchResponse struct {
	Participant *interfaces.Participant `json:"participant"`
	Version     int64                   `json:"version"`
}

type StepResponse struct {
	ContributionStep interfaces.ContributionStep `json:"contributionStep"`
}

type TimeAndHashRequest struct {
	ContributionComputationTime int64  `json:"contributionComputationTime"`
	ContributionHash            string `json:"contributionHash"`
}

type UploadIDRequest struct {
	UploadID string `json:"uploadId"`
}

// VerifyRequest names the contributor to verify. Empty means the caller.
type VerifyRequest struct {
	UserID string `json:"userId,omitempty"`
}

// FinalizeCircuitRequest carries the hex encoded beacon and the number of
// hash iterations applied to it.
type FinalizeCircuitRequest struct {
	Beacon   string `json:"beacon"`
	Exponent uint8  `json:"exponent"`
}

type BucketResponse struct {
	Bucket string `json:"bucket"`
}

// ObjectRequest addresses an object or multipart upload in the ceremony bucket.
type ObjectRequest struct {
	Bucket    string            `json:"bucket"`
	ObjectKey string            `json:"objectKey"`
	UploadID  string            `json:"uploadId,omitempty"`
	Parts     []interfaces.Part `json:"parts,omitempty"`
}

type UploadStartResponse struct {
	UploadID string `json:"uploadId"`
}

type PartsResponse struct {
	Parts []interfaces.Part `json:"parts"`
}

type PresignResponse struct {
	URL string `json:"url"`
}

type ExistsResponse struct {
	Exists bool `json:"exists"`
}

type EvictionsResponse struct {
	Evicted int `json:"evicted"`
}

// SweepRequest selects pending uploads initiated more than OlderThanSeconds ago.
type SweepRequest struct {
	OlderThanSeconds int64 `json:"olderThanSeconds"`
}

type SweepResponse struct {
	Aborted int `json:"aborted"`
}
