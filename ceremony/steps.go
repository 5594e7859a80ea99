package ceremony

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/zkey-ceremony-coordinator/coordination"
	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
	"github.com/ruteri/zkey-ceremony-coordinator/zkey"
)

// maxTranscriptSize bounds transcripts read during verification.
const maxTranscriptSize = 1 << 20

// turn is the state of a participant's current turn loaded inside a transaction.
type turn struct {
	ceremony    *interfaces.Ceremony
	circuits    []*interfaces.Circuit
	circuit     *interfaces.Circuit
	participant *interfaces.Participant
}

// loadTurn loads userID's turn and checks that they are the current
// contributor of the circuit their progress points at.
func loadTurn(tx coordination.Tx, ceremonyID, userID string) (*turn, error) {
	c, err := getCeremony(tx, ceremonyID)
	if err != nil {
		return nil, err
	}
	p, err := getParticipant(tx, ceremonyID, userID)
	if err != nil {
		return nil, err
	}
	if p.Status != interfaces.ParticipantContributing {
		return nil, fmt.Errorf("%w: %s is %s", interfaces.ErrNotContributing, userID, p.Status)
	}
	circuits, err := getCircuits(tx, ceremonyID)
	if err != nil {
		return nil, err
	}
	circuit, err := circuitForProgress(circuits, p.ContributionProgress)
	if err != nil {
		return nil, err
	}
	if circuit.Queue().CurrentContributor != userID {
		return nil, fmt.Errorf("%w: %s on circuit %s", interfaces.ErrStaleContributor, userID, circuit.Prefix)
	}
	return &turn{ceremony: c, circuits: circuits, circuit: circuit, participant: p}, nil
}

// updateTurn loads the caller's turn, checks its step and applies fn to the
// participant, all in one transaction.
func (s *Service) updateTurn(ctx context.Context, caller interfaces.Caller, ceremonyID string, step interfaces.ContributionStep, fn func(t *turn, now time.Time) error) (*interfaces.Participant, error) {
	s.checkTimeouts(ctx, ceremonyID)

	var result *interfaces.Participant
	err := s.db.RunTransaction(ctx, func(tx coordination.Tx) error {
		now := s.clock.Now()
		t, err := loadTurn(tx, ceremonyID, caller.UserID)
		if err != nil {
			return err
		}
		if step != interfaces.StepNone && t.participant.ContributionStep != step {
			return fmt.Errorf("%w: %s is at %s, want %s", interfaces.ErrWrongStep, caller.UserID, t.participant.ContributionStep, step)
		}
		if err := fn(t, now); err != nil {
			return err
		}
		t.participant.LastUpdated = now
		result = t.participant
		return setParticipant(tx, ceremonyID, t.participant)
	})
	return result, err
}

// ProgressToNextContributionStep moves the caller's turn to the following
// client-driven step. Entering VERIFYING starts the verification window.
func (s *Service) ProgressToNextContributionStep(ctx context.Context, caller interfaces.Caller, ceremonyID string) (interfaces.ContributionStep, error) {
	p, err := s.updateTurn(ctx, caller, ceremonyID, interfaces.StepNone, func(t *turn, now time.Time) error {
		p := t.participant
		if p.ContributionStep.After(interfaces.StepUploading) || p.ContributionStep == interfaces.StepNone {
			return fmt.Errorf("%w: %s cannot be advanced by the contributor", interfaces.ErrWrongStep, p.ContributionStep)
		}
		if p.ContributionStep == interfaces.StepComputing && (p.TempContributionData == nil || p.TempContributionData.Hash == "") {
			return fmt.Errorf("%w: contribution hash not stored", interfaces.ErrWrongStep)
		}
		next, err := p.ContributionStep.Next()
		if err != nil {
			return err
		}
		p.ContributionStep = next
		if next == interfaces.StepVerifying {
			p.VerificationStartedAt = now
		}
		return nil
	})
	if err != nil {
		return interfaces.StepNone, err
	}
	s.log.Debug("contribution step advanced", "ceremony", ceremonyID, "participant", caller.UserID, "step", p.ContributionStep)
	return p.ContributionStep, nil
}

// StoreContributionTimeAndHash records the computation time and the
// contribution hash of the caller's turn.
func (s *Service) StoreContributionTimeAndHash(ctx context.Context, caller interfaces.Caller, ceremonyID string, computationTime int64, hash string) error {
	if hash == "" || computationTime < 0 {
		return fmt.Errorf("%w: empty hash or negative time", interfaces.ErrMalformedTranscript)
	}
	_, err := s.updateTurn(ctx, caller, ceremonyID, interfaces.StepComputing, func(t *turn, now time.Time) error {
		p := t.participant
		if p.TempContributionData == nil {
			p.TempContributionData = &interfaces.TempContributionData{}
		}
		p.TempContributionData.ContributionComputationTime = computationTime
		p.TempContributionData.Hash = strings.ToLower(hash)
		return nil
	})
	return err
}

// StoreUploadID records the multipart upload of the caller's artifact.
// A new upload id discards the chunks acknowledged for the previous one.
func (s *Service) StoreUploadID(ctx context.Context, caller interfaces.Caller, ceremonyID, uploadID string) error {
	if uploadID == "" {
		return fmt.Errorf("%w: empty upload id", interfaces.ErrUploadNotFound)
	}
	_, err := s.updateTurn(ctx, caller, ceremonyID, interfaces.StepUploading, func(t *turn, now time.Time) error {
		p := t.participant
		if p.TempContributionData == nil {
			p.TempContributionData = &interfaces.TempContributionData{}
		}
		if p.TempContributionData.UploadID != uploadID {
			p.TempContributionData.Chunks = nil
		}
		p.TempContributionData.UploadID = uploadID
		return nil
	})
	return err
}

// StoreUploadedChunk records an acknowledged chunk of the caller's upload.
func (s *Service) StoreUploadedChunk(ctx context.Context, caller interfaces.Caller, ceremonyID string, chunk interfaces.ChunkPart) error {
	if chunk.PartNumber < 1 || chunk.ETag == "" {
		return fmt.Errorf("%w: part %d", interfaces.ErrIncompleteOrMismatchedParts, chunk.PartNumber)
	}
	_, err := s.updateTurn(ctx, caller, ceremonyID, interfaces.StepUploading, func(t *turn, now time.Time) error {
		temp := t.participant.TempContributionData
		if temp == nil || temp.UploadID == "" {
			return fmt.Errorf("%w: no upload id stored", interfaces.ErrUploadNotFound)
		}
		for i := range temp.Chunks {
			if temp.Chunks[i].PartNumber == chunk.PartNumber {
				temp.Chunks[i] = chunk
				return nil
			}
		}
		temp.Chunks = append(temp.Chunks, chunk)
		sort.Slice(temp.Chunks, func(i, j int) bool { return temp.Chunks[i].PartNumber < temp.Chunks[j].PartNumber })
		return nil
	})
	if err == nil {
		s.metrics.UploadChunk()
	}
	return err
}

// VerifyContribution verifies the artifact uploaded by userID for circuitID
// against the latest valid one and records the outcome. An invalid
// contribution is data, not an error: the turn still ends and the result
// reports Valid false.
func (s *Service) VerifyContribution(ctx context.Context, caller interfaces.Caller, ceremonyID, circuitID, userID string) (*interfaces.VerificationResult, error) {
	s.checkTimeouts(ctx, ceremonyID)

	var before *turn
	err := s.db.RunTransaction(ctx, func(tx coordination.Tx) error {
		t, err := loadTurn(tx, ceremonyID, userID)
		before = t
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := requireSelfOrCoordinator(caller, before.ceremony, userID); err != nil {
		return nil, err
	}
	if before.circuit.ID != circuitID {
		return nil, fmt.Errorf("%w: %s contributes to %s, not %s", interfaces.ErrStaleContributor, userID, before.circuit.ID, circuitID)
	}
	if before.participant.ContributionStep != interfaces.StepVerifying {
		return nil, fmt.Errorf("%w: %s is at %s", interfaces.ErrWrongStep, userID, before.participant.ContributionStep)
	}

	bucket := before.ceremony.BucketName()
	circuit := before.circuit
	completed := circuit.CurrentZkeyIndex()
	nextIndex := interfaces.ZkeyIndex(completed + 1)
	zkeyKey := interfaces.ZkeyKey(circuit.Prefix, completed+1)
	transcriptKey := interfaces.TranscriptKey(circuit.Prefix, completed+1)

	start := s.clock.Now()
	hash, verr := s.verifyArtifact(ctx, bucket, circuit, completed, before.participant.TempContributionData)
	if verr != nil && !errors.Is(verr, interfaces.ErrInvalidArtifact) && !errors.Is(verr, interfaces.ErrMalformedTranscript) {
		return nil, verr
	}
	valid := verr == nil
	verificationTime := s.clock.Since(start)
	s.metrics.Verified(circuit.Prefix, verificationTime)
	if !valid {
		s.log.Info("contribution rejected", "err", verr, "ceremony", ceremonyID, "circuit", circuit.Prefix, "participant", userID, "index", nextIndex)
	}

	var (
		circuits []*interfaces.Circuit
		status   interfaces.ParticipantStatus
	)
	err = s.db.RunTransaction(ctx, func(tx coordination.Tx) error {
		now := s.clock.Now()
		t, err := loadTurn(tx, ceremonyID, userID)
		if err != nil {
			return err
		}
		if t.circuit.ID != circuitID || t.participant.ContributionStep != interfaces.StepVerifying {
			return fmt.Errorf("%w: %s", interfaces.ErrStaleContributor, userID)
		}
		if t.circuit.CurrentZkeyIndex() != completed {
			return fmt.Errorf("%w: expected %d, circuit is at %d", interfaces.ErrIndexMismatch, completed, t.circuit.CurrentZkeyIndex())
		}
		circuits = t.circuits
		p := t.participant

		var computation int64
		if p.TempContributionData != nil {
			computation = p.TempContributionData.ContributionComputationTime
		}
		record := interfaces.Contribution{
			ParticipantID:               userID,
			ContributionComputationTime: computation,
			VerificationTime:            millis(verificationTime),
			FullContributionTime:        millis(now.Sub(p.ContributionStartedAt)),
			Hash:                        hash,
			Valid:                       valid,
			LastUpdated:                 now,
		}
		summary := interfaces.ContributionSummary{
			CircuitID:                   circuitID,
			Hash:                        hash,
			ContributionComputationTime: computation,
			Valid:                       valid,
		}

		if valid {
			record.ZkeyIndex = nextIndex
			record.Files = interfaces.ContributionFiles{Zkey: zkeyKey, Transcript: transcriptKey}
			summary.ZkeyIndex = nextIndex
			updateAverages(t.circuit, record)
			if err := tx.Set(interfaces.ContributionPath(ceremonyID, circuitID, nextIndex), record); err != nil {
				return err
			}
		} else {
			if err := tx.Set(interfaces.RejectedPath(ceremonyID, circuitID, uuid.NewString()), record); err != nil {
				return err
			}
		}

		p.Contributions = append(p.Contributions, summary)
		p.TempContributionData = nil
		p.ContributionStep = interfaces.StepCompleted
		p.ContributionProgress++
		next := interfaces.ParticipantContributed
		if p.ContributionProgress > len(t.circuits) {
			next = interfaces.ParticipantDone
		}
		if err := p.TransitionTo(next); err != nil {
			return err
		}
		p.LastUpdated = now
		status = p.Status
		if err := setParticipant(tx, ceremonyID, p); err != nil {
			return err
		}

		if err := s.advance(tx, t.circuit, valid, now); err != nil {
			return err
		}
		return setCircuit(tx, t.circuit)
	})
	if err != nil {
		return nil, err
	}

	if !valid {
		s.runCleanup(ctx, []cleanup{{bucket: bucket, keys: []string{zkeyKey, transcriptKey}}})
	}
	s.metrics.Contribution(circuit.Prefix, valid)
	s.recordQueueLengths(circuits)
	s.log.Info("contribution verified", "ceremony", ceremonyID, "circuit", circuit.Prefix, "participant", userID, "index", nextIndex, "valid", valid, "status", status, "verificationTime", verificationTime)

	return &interfaces.VerificationResult{Valid: valid, VerificationTime: millis(verificationTime)}, nil
}

// verifyArtifact checks the artifact at index completed+1 against the one
// at completed. It returns the contribution hash, and an error wrapping
// ErrInvalidArtifact or ErrMalformedTranscript when the contribution is
// invalid. Other errors are infrastructure failures.
func (s *Service) verifyArtifact(ctx context.Context, bucket string, circuit *interfaces.Circuit, completed int, temp *interfaces.TempContributionData) (string, error) {
	circuitHash, err := zkey.ParseCircuitHash(circuit.CircuitHash)
	if err != nil {
		return "", fmt.Errorf("circuit %s: %w", circuit.Prefix, err)
	}

	prev, err := s.loadArtifact(ctx, bucket, interfaces.ZkeyKey(circuit.Prefix, completed))
	if err != nil {
		// The latest valid artifact is the coordinator's responsibility.
		return "", fmt.Errorf("loading artifact %d of %s: %v", completed, circuit.Prefix, err)
	}

	next, err := s.loadArtifact(ctx, bucket, interfaces.ZkeyKey(circuit.Prefix, completed+1))
	if errors.Is(err, interfaces.ErrObjectNotFound) {
		return "", fmt.Errorf("%w: artifact was not uploaded", interfaces.ErrInvalidArtifact)
	}
	if err != nil {
		return "", err
	}
	if len(next.Contributions) == 0 {
		return "", fmt.Errorf("%w: %w", interfaces.ErrInvalidArtifact, zkey.ErrNoContributions)
	}
	hash := zkey.HashHex(next.LastHash())

	if err := zkey.Verify(prev, next, circuitHash); err != nil {
		return hash, fmt.Errorf("%w: %w", interfaces.ErrInvalidArtifact, err)
	}
	if next.Contributions[len(next.Contributions)-1].Kind != zkey.KindParticipant {
		return hash, fmt.Errorf("%w: beacon contribution from a participant", interfaces.ErrInvalidArtifact)
	}

	transcript, err := s.readTranscript(ctx, bucket, interfaces.TranscriptKey(circuit.Prefix, completed+1))
	if errors.Is(err, interfaces.ErrObjectNotFound) {
		return hash, fmt.Errorf("%w: transcript was not uploaded", interfaces.ErrMalformedTranscript)
	}
	if err != nil {
		return hash, err
	}
	reported, err := zkey.ParseContributionHash(transcript)
	if err != nil {
		return hash, err
	}
	if reported != hash {
		return hash, fmt.Errorf("%w: transcript hash %s does not match artifact", interfaces.ErrMalformedTranscript, reported)
	}
	if temp != nil && temp.Hash != "" && temp.Hash != hash {
		return hash, fmt.Errorf("%w: stored hash %s does not match artifact", interfaces.ErrInvalidArtifact, temp.Hash)
	}
	return hash, nil
}

func (s *Service) loadArtifact(ctx context.Context, bucket, key string) (*zkey.Artifact, error) {
	rc, err := s.artifacts.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	a, err := zkey.Decode(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", interfaces.ErrInvalidArtifact, key, err)
	}
	return a, nil
}

func (s *Service) readTranscript(ctx context.Context, bucket, key string) (string, error) {
	rc, err := s.artifacts.Get(ctx, bucket, key)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxTranscriptSize))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// updateAverages folds a valid contribution into the circuit's running
// averages. The circuit's completed count is the number of samples so far.
func updateAverages(circuit *interfaces.Circuit, record interfaces.Contribution) {
	n := int64(circuit.CurrentZkeyIndex())
	avg := &circuit.AvgTimings
	avg.ContributionComputation = (avg.ContributionComputation*n + record.ContributionComputationTime) / (n + 1)
	avg.FullContribution = (avg.FullContribution*n + record.FullContributionTime) / (n + 1)
	avg.VerifyCloudFunction = (avg.VerifyCloudFunction*n + record.VerificationTime) / (n + 1)
}
