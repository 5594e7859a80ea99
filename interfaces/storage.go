package interfaces

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"
)

// Part is one acknowledged part of a multipart upload.
type Part struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"eTag"`
}

// PendingUpload describes a multipart upload that was begun but never
// completed or aborted.
type PendingUpload struct {
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	UploadID  string    `json:"uploadId"`
	Initiated time.Time `json:"initiated"`
}

// ArtifactStore is the object store holding zkey artifacts and transcripts.
// Only its multipart contract is relied upon for large artifacts.
type ArtifactStore interface {
	// CreateBucket creates bucket if it does not exist yet.
	CreateBucket(ctx context.Context, bucket string) error

	// Put stores a small object in a single request.
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error

	// Get opens an object for reading. Returns ErrObjectNotFound when absent.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	Exists(ctx context.Context, bucket, key string) (bool, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, bucket, key string) error

	// PresignGet returns a URL from which the object can be downloaded
	// without credentials until the expiry passes.
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)

	BeginUpload(ctx context.Context, bucket, key string) (string, error)

	// UploadChunk stores one part and returns the eTag the store recorded for it.
	UploadChunk(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.ReadSeeker, size int64) (string, error)

	// CompleteUpload assembles the object from parts. It fails with
	// ErrIncompleteOrMismatchedParts when a part is missing or an eTag does
	// not match the recorded one.
	CompleteUpload(ctx context.Context, bucket, key, uploadID string, parts []Part) error

	AbortUpload(ctx context.Context, bucket, key, uploadID string) error

	ListParts(ctx context.Context, bucket, key, uploadID string) ([]Part, error)

	ListPendingUploads(ctx context.Context, bucket string) ([]PendingUpload, error)

	// Name returns identifier for logging.
	Name() string
}

// Publisher mirrors finalized artifacts to a content-addressed network.
type Publisher interface {
	// Publish stores data and returns its location on the network.
	Publish(ctx context.Context, name string, data []byte) (string, error)

	Name() string
}

// StoreLocation represents a URI selecting a store implementation.
type StoreLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewStoreLocation parses a store URI with validation.
func NewStoreLocation(uri string) (StoreLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StoreLocation{}, fmt.Errorf("%w: %w", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "file", "s3", "ipfs", "memory", "redis":
	default:
		return StoreLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return StoreLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc StoreLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StoreLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc StoreLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}
