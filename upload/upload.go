// Package upload drives resumable multipart uploads of large artifacts.
//
// Progress is persisted through a Checkpoint after every acknowledged chunk,
// so an interrupted upload resumes with the first unacknowledged chunk
// instead of starting over.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
	"github.com/sethvargo/go-retry"
)

// DefaultChunkSize is the size of every part but the last.
const DefaultChunkSize = 50 << 20

// Multipart is the part of an artifact store an uploader needs. Both
// interfaces.ArtifactStore and the coordinator API client implement it.
type Multipart interface {
	BeginUpload(ctx context.Context, bucket, key string) (string, error)
	UploadChunk(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.ReadSeeker, size int64) (string, error)
	CompleteUpload(ctx context.Context, bucket, key, uploadID string, parts []interfaces.Part) error
	AbortUpload(ctx context.Context, bucket, key, uploadID string) error
	ListParts(ctx context.Context, bucket, key, uploadID string) ([]interfaces.Part, error)
}

// Checkpoint persists the progress of one upload.
type Checkpoint interface {
	// Load returns the stored upload id, empty when no upload was begun,
	// and the acknowledged parts.
	Load(ctx context.Context) (string, []interfaces.Part, error)
	SaveUploadID(ctx context.Context, uploadID string) error
	SaveChunk(ctx context.Context, part interfaces.Part) error
}

type Config struct {
	ChunkSize int64
	// MaxRetries bounds the retries of a single chunk.
	MaxRetries uint64
	// Backoff is the base delay of the exponential backoff between retries.
	Backoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:  DefaultChunkSize,
		MaxRetries: 5,
		Backoff:    time.Second,
	}
}

// Coordinator uploads objects into one bucket.
type Coordinator struct {
	store  Multipart
	bucket string
	cfg    Config
	log    *slog.Logger
}

func NewCoordinator(store Multipart, bucket string, cfg Config, log *slog.Logger) *Coordinator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &Coordinator{
		store:  store,
		bucket: bucket,
		cfg:    cfg,
		log:    log,
	}
}

// ChunkCount returns the number of parts an object of size bytes is split into.
func (c *Coordinator) ChunkCount(size int64) int {
	if size <= 0 {
		return 1
	}
	return int((size + c.cfg.ChunkSize - 1) / c.cfg.ChunkSize)
}

// Upload stores size bytes of r under key, resuming the upload recorded in
// cp if any. A chunk that keeps failing after every retry aborts the
// multipart upload and ErrUploadFailed is returned, as does a completion
// that still fails after the mismatched parts were re-sent. Cancelling ctx
// leaves the upload in place so that it can be resumed.
func (c *Coordinator) Upload(ctx context.Context, key string, r io.ReaderAt, size int64, cp Checkpoint) error {
	uploadID, parts, err := cp.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}

	if uploadID == "" {
		uploadID, err = c.store.BeginUpload(ctx, c.bucket, key)
		if err != nil {
			return fmt.Errorf("%w: beginning upload: %w", interfaces.ErrUploadFailed, err)
		}
		if err := cp.SaveUploadID(ctx, uploadID); err != nil {
			return fmt.Errorf("saving upload id: %w", err)
		}
		parts = nil
		c.log.Debug("began multipart upload", "key", key, "uploadId", uploadID)
	}

	last := 0
	for _, p := range parts {
		if p.PartNumber > last {
			last = p.PartNumber
		}
	}

	total := c.ChunkCount(size)
	if last > 0 {
		c.log.Info("resuming upload", "key", key, "uploadId", uploadID, "acknowledged", last, "total", total)
	}

	for n := last + 1; n <= total; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		offset := int64(n-1) * c.cfg.ChunkSize
		length := min(c.cfg.ChunkSize, size-offset)
		section := io.NewSectionReader(r, offset, length)

		etag, err := c.uploadChunk(ctx, key, uploadID, n, section)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.abort(key, uploadID)
			return fmt.Errorf("%w: part %d: %w", interfaces.ErrUploadFailed, n, err)
		}

		part := interfaces.Part{PartNumber: n, ETag: etag}
		if err := cp.SaveChunk(ctx, part); err != nil {
			return fmt.Errorf("saving chunk %d: %w", n, err)
		}
		parts = append(parts, part)
	}

	if err := c.complete(ctx, key, uploadID, r, size, parts, cp); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.abort(key, uploadID)
		return fmt.Errorf("%w: completing upload: %w", interfaces.ErrUploadFailed, err)
	}
	c.log.Info("upload completed", "key", key, "size", size)
	return nil
}

// complete assembles the object. When the store reports missing or
// mismatched parts, the parts it did not record as acknowledged are sent
// again and completion is retried.
func (c *Coordinator) complete(ctx context.Context, key, uploadID string, r io.ReaderAt, size int64, parts []interfaces.Part, cp Checkpoint) error {
	backoff := retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewExponential(c.cfg.Backoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.store.CompleteUpload(ctx, c.bucket, key, uploadID, sortParts(parts))
		switch {
		case err == nil:
			return nil
		case errors.Is(err, interfaces.ErrUploadNotFound) || ctx.Err() != nil:
			return err
		case errors.Is(err, interfaces.ErrIncompleteOrMismatchedParts):
			c.log.Warn("upload parts do not match, re-sending", "err", err, "key", key, "uploadId", uploadID)
			repaired, rerr := c.repair(ctx, key, uploadID, r, size, parts, cp)
			if rerr != nil {
				return rerr
			}
			parts = repaired
		default:
			c.log.Warn("completing upload failed, retrying", "err", err, "key", key)
		}
		return retry.RetryableError(err)
	})
}

// repair re-uploads every part whose eTag the store did not record as
// acknowledged and returns the corrected part list.
func (c *Coordinator) repair(ctx context.Context, key, uploadID string, r io.ReaderAt, size int64, parts []interfaces.Part, cp Checkpoint) ([]interfaces.Part, error) {
	recorded, err := c.store.ListParts(ctx, c.bucket, key, uploadID)
	if err != nil {
		return nil, err
	}
	stored := make(map[int]string, len(recorded))
	for _, p := range recorded {
		stored[p.PartNumber] = strings.Trim(p.ETag, `"`)
	}
	acked := make(map[int]string, len(parts))
	for _, p := range parts {
		acked[p.PartNumber] = strings.Trim(p.ETag, `"`)
	}

	total := c.ChunkCount(size)
	repaired := make([]interfaces.Part, 0, total)
	for n := 1; n <= total; n++ {
		if etag, ok := acked[n]; ok && etag != "" && stored[n] == etag {
			repaired = append(repaired, interfaces.Part{PartNumber: n, ETag: etag})
			continue
		}
		offset := int64(n-1) * c.cfg.ChunkSize
		section := io.NewSectionReader(r, offset, min(c.cfg.ChunkSize, size-offset))
		etag, err := c.uploadChunk(ctx, key, uploadID, n, section)
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", n, err)
		}
		part := interfaces.Part{PartNumber: n, ETag: etag}
		if err := cp.SaveChunk(ctx, part); err != nil {
			return nil, fmt.Errorf("saving chunk %d: %w", n, err)
		}
		repaired = append(repaired, part)
	}
	return repaired, nil
}

func sortParts(parts []interfaces.Part) []interfaces.Part {
	sorted := append([]interfaces.Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })
	return sorted
}

func (c *Coordinator) uploadChunk(ctx context.Context, key, uploadID string, n int, section *io.SectionReader) (string, error) {
	backoff := retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewExponential(c.cfg.Backoff))

	var etag string
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if _, err := section.Seek(0, io.SeekStart); err != nil {
			return err
		}
		tag, err := c.store.UploadChunk(ctx, c.bucket, key, uploadID, n, section, section.Size())
		if err != nil {
			if errors.Is(err, interfaces.ErrUploadNotFound) || ctx.Err() != nil {
				return err
			}
			c.log.Warn("chunk upload failed, retrying", "err", err, "part", n)
			return retry.RetryableError(err)
		}
		etag = tag
		return nil
	})
	return etag, err
}

func (c *Coordinator) abort(key, uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.store.AbortUpload(ctx, c.bucket, key, uploadID); err != nil {
		c.log.Error("could not abort upload", "err", err, "key", key, "uploadId", uploadID)
	}
}
