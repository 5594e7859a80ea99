package upload

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
)

// PendingLister lists and aborts unfinished multipart uploads.
type PendingLister interface {
	ListPendingUploads(ctx context.Context, bucket string) ([]interfaces.PendingUpload, error)
	AbortUpload(ctx context.Context, bucket, key, uploadID string) error
}

// Sweeper reclaims multipart uploads abandoned by evicted or vanished
// contributors.
type Sweeper struct {
	store PendingLister
	clock clock.Clock
	log   *slog.Logger
}

func NewSweeper(store PendingLister, clk clock.Clock, log *slog.Logger) *Sweeper {
	return &Sweeper{store: store, clock: clk, log: log}
}

// Sweep aborts every pending upload in bucket initiated more than olderThan
// ago for which isOwned returns false. It returns the number of aborted
// uploads and the aggregated abort failures.
func (s *Sweeper) Sweep(ctx context.Context, bucket string, olderThan time.Duration, isOwned func(interfaces.PendingUpload) bool) (int, error) {
	pending, err := s.store.ListPendingUploads(ctx, bucket)
	if err != nil {
		return 0, err
	}

	cutoff := s.clock.Now().Add(-olderThan)
	aborted := 0
	var errs *multierror.Error
	for _, u := range pending {
		if u.Initiated.After(cutoff) || (isOwned != nil && isOwned(u)) {
			continue
		}
		if err := s.store.AbortUpload(ctx, bucket, u.Key, u.UploadID); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		aborted++
		s.log.Info("aborted abandoned upload", "bucket", bucket, "key", u.Key, "uploadId", u.UploadID, "initiated", u.Initiated)
	}
	return aborted, errs.ErrorOrNil()
}
