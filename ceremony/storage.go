package ceremony

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ruteri/zkey-ceremony-coordinator/coordination"
	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
	"github.com/ruteri/zkey-ceremony-coordinator/upload"
)

// Object store callables. Contributors never hold store credentials: they
// read through presigned URLs and write through these calls, which only
// accept the objects of their current turn.

// CreateBucket creates the ceremony bucket and returns its name.
func (s *Service) CreateBucket(ctx context.Context, caller interfaces.Caller, ceremonyID string) (string, error) {
	c, err := s.GetCeremony(ctx, ceremonyID)
	if err != nil {
		return "", err
	}
	if err := requireCoordinator(caller, c); err != nil {
		return "", err
	}
	return c.BucketName(), s.artifacts.CreateBucket(ctx, c.BucketName())
}

// authorizeWrite returns the ceremony bucket when key is one of the objects
// the caller produces in their current UPLOADING turn.
func (s *Service) authorizeWrite(ctx context.Context, caller interfaces.Caller, ceremonyID, key string) (string, error) {
	var bucket string
	err := s.db.RunTransaction(ctx, func(tx coordination.Tx) error {
		t, err := loadTurn(tx, ceremonyID, caller.UserID)
		if err != nil {
			return err
		}
		if t.participant.ContributionStep != interfaces.StepUploading {
			return fmt.Errorf("%w: %s is at %s", interfaces.ErrWrongStep, caller.UserID, t.participant.ContributionStep)
		}
		next := t.circuit.CurrentZkeyIndex() + 1
		if key != interfaces.ZkeyKey(t.circuit.Prefix, next) && key != interfaces.TranscriptKey(t.circuit.Prefix, next) {
			return fmt.Errorf("%w: %s may not write %s", interfaces.ErrForbidden, caller.UserID, key)
		}
		bucket = t.ceremony.BucketName()
		return nil
	})
	return bucket, err
}

// authorizeRead returns the ceremony bucket when the caller is the
// coordinator or a registered participant.
func (s *Service) authorizeRead(ctx context.Context, caller interfaces.Caller, ceremonyID string) (string, error) {
	c, err := s.GetCeremony(ctx, ceremonyID)
	if err != nil {
		return "", err
	}
	if requireCoordinator(caller, c) == nil {
		return c.BucketName(), nil
	}
	found, err := s.db.Get(ctx, interfaces.ParticipantPath(ceremonyID, caller.UserID), nil)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: %s is not a participant", interfaces.ErrForbidden, caller.UserID)
	}
	return c.BucketName(), nil
}

func (s *Service) StartMultipartUpload(ctx context.Context, caller interfaces.Caller, ceremonyID, key string) (string, error) {
	bucket, err := s.authorizeWrite(ctx, caller, ceremonyID, key)
	if err != nil {
		return "", err
	}
	return s.artifacts.BeginUpload(ctx, bucket, key)
}

func (s *Service) UploadPart(ctx context.Context, caller interfaces.Caller, ceremonyID, key, uploadID string, partNumber int, r io.ReadSeeker, size int64) (string, error) {
	bucket, err := s.authorizeWrite(ctx, caller, ceremonyID, key)
	if err != nil {
		return "", err
	}
	return s.artifacts.UploadChunk(ctx, bucket, key, uploadID, partNumber, r, size)
}

func (s *Service) CompleteMultipartUpload(ctx context.Context, caller interfaces.Caller, ceremonyID, key, uploadID string, parts []interfaces.Part) error {
	bucket, err := s.authorizeWrite(ctx, caller, ceremonyID, key)
	if err != nil {
		return err
	}
	if err := s.artifacts.CompleteUpload(ctx, bucket, key, uploadID, parts); err != nil {
		return err
	}
	s.log.Debug("upload completed", "ceremony", ceremonyID, "participant", caller.UserID, "key", key, "parts", len(parts))
	return nil
}

func (s *Service) AbortMultipartUpload(ctx context.Context, caller interfaces.Caller, ceremonyID, key, uploadID string) error {
	bucket, err := s.authorizeWrite(ctx, caller, ceremonyID, key)
	if err != nil {
		return err
	}
	err = s.artifacts.AbortUpload(ctx, bucket, key, uploadID)
	if errors.Is(err, interfaces.ErrUploadNotFound) {
		return nil
	}
	return err
}

func (s *Service) ListUploadedParts(ctx context.Context, caller interfaces.Caller, ceremonyID, key, uploadID string) ([]interfaces.Part, error) {
	bucket, err := s.authorizeWrite(ctx, caller, ceremonyID, key)
	if err != nil {
		return nil, err
	}
	return s.artifacts.ListParts(ctx, bucket, key, uploadID)
}

// PresignDownload returns a time-limited URL of an object of the ceremony.
func (s *Service) PresignDownload(ctx context.Context, caller interfaces.Caller, ceremonyID, key string) (string, error) {
	bucket, err := s.authorizeRead(ctx, caller, ceremonyID)
	if err != nil {
		return "", err
	}
	if ok, err := s.artifacts.Exists(ctx, bucket, key); err != nil {
		return "", err
	} else if !ok {
		return "", fmt.Errorf("%w: %s", interfaces.ErrObjectNotFound, key)
	}
	return s.artifacts.PresignGet(ctx, bucket, key, s.presignExpiry)
}

func (s *Service) ObjectExists(ctx context.Context, caller interfaces.Caller, ceremonyID, key string) (bool, error) {
	bucket, err := s.authorizeRead(ctx, caller, ceremonyID)
	if err != nil {
		return false, err
	}
	return s.artifacts.Exists(ctx, bucket, key)
}

// OpenObject streams an object of the ceremony. It serves stores whose
// presigned URLs are not reachable by contributors.
func (s *Service) OpenObject(ctx context.Context, caller interfaces.Caller, ceremonyID, key string) (io.ReadCloser, error) {
	bucket, err := s.authorizeRead(ctx, caller, ceremonyID)
	if err != nil {
		return nil, err
	}
	return s.artifacts.Get(ctx, bucket, key)
}

// SweepAbandonedUploads aborts the multipart uploads of the ceremony bucket
// older than olderThan that no contributing participant still records as
// its upload. Coordinator only.
func (s *Service) SweepAbandonedUploads(ctx context.Context, caller interfaces.Caller, ceremonyID string, olderThan time.Duration) (int, error) {
	c, err := s.GetCeremony(ctx, ceremonyID)
	if err != nil {
		return 0, err
	}
	if err := requireCoordinator(caller, c); err != nil {
		return 0, err
	}

	docs, err := s.db.List(ctx, interfaces.ParticipantsPath(ceremonyID))
	if err != nil {
		return 0, err
	}
	participants, err := coordination.DecodeAll[interfaces.Participant](docs)
	if err != nil {
		return 0, err
	}
	live := make(map[string]bool)
	for _, p := range participants {
		if p.Status == interfaces.ParticipantContributing && p.TempContributionData != nil && p.TempContributionData.UploadID != "" {
			live[p.TempContributionData.UploadID] = true
		}
	}

	return upload.NewSweeper(s.artifacts, s.clock, s.log).Sweep(ctx, c.BucketName(), olderThan, func(u interfaces.PendingUpload) bool {
		return live[u.UploadID]
	})
}
