// Package ceremony implements the coordinator of a phase-2 trusted-setup
// ceremony: admission into per-circuit waiting queues, the server side of
// the contribution state machine, eviction of stalled contributors, and
// finalization and verification of the contribution chains.
//
// Every state change is a read-check-mutate transaction on the coordination
// database, so concurrent callers never observe two current contributors on
// one circuit. Side effects on the artifact store happen outside of
// transactions, before them for verification and after them for cleanup.
package ceremony

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/ruteri/zkey-ceremony-coordinator/coordination"
	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
	"github.com/ruteri/zkey-ceremony-coordinator/metrics"
	"github.com/ruteri/zkey-ceremony-coordinator/queue"
	"github.com/ruteri/zkey-ceremony-coordinator/zkey"
)

// DefaultPresignExpiry bounds the validity of download URLs handed to contributors.
const DefaultPresignExpiry = time.Hour

// Service is the ceremony coordinator.
type Service struct {
	db            coordination.Store
	artifacts     interfaces.ArtifactStore
	publisher     interfaces.Publisher
	clock         clock.Clock
	metrics       *metrics.Ceremony
	presignExpiry time.Duration
	log           *slog.Logger
}

func NewService(db coordination.Store, artifacts interfaces.ArtifactStore, clk clock.Clock, log *slog.Logger) *Service {
	return &Service{
		db:            db,
		artifacts:     artifacts,
		clock:         clk,
		presignExpiry: DefaultPresignExpiry,
		log:           log,
	}
}

// WithMetrics records ceremony metrics into m.
func (s *Service) WithMetrics(m *metrics.Ceremony) *Service {
	s.metrics = m
	return s
}

// WithPublisher mirrors finalized artifacts to p.
func (s *Service) WithPublisher(p interfaces.Publisher) *Service {
	s.publisher = p
	return s
}

func (s *Service) WithPresignExpiry(d time.Duration) *Service {
	s.presignExpiry = d
	return s
}

// Setup creates a SCHEDULED ceremony with its circuits and stores the
// genesis artifact of every circuit. The caller becomes the coordinator.
func (s *Service) Setup(ctx context.Context, caller interfaces.Caller, setup interfaces.CeremonySetup) (*interfaces.Ceremony, error) {
	if caller.Role != interfaces.RoleCoordinator {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotCoordinator, caller.UserID)
	}
	if err := setup.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	ceremony := &interfaces.Ceremony{
		ID:               setup.ID,
		Prefix:           setup.Prefix,
		Title:            setup.Title,
		Description:      setup.Description,
		State:            interfaces.CeremonyScheduled,
		TimeoutMechanism: setup.TimeoutMechanism,
		Penalty:          setup.Penalty,
		StartDate:        setup.StartDate,
		EndDate:          setup.EndDate,
		CoordinatorID:    caller.UserID,
		LastUpdated:      now,
	}
	if ceremony.ID == "" {
		ceremony.ID = uuid.NewString()
	}

	if found, err := s.db.Get(ctx, interfaces.CeremonyPath(ceremony.ID), nil); err != nil {
		return nil, err
	} else if found {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrCeremonyExists, ceremony.ID)
	}

	bucket := ceremony.BucketName()
	if err := s.artifacts.CreateBucket(ctx, bucket); err != nil {
		return nil, fmt.Errorf("creating bucket %s: %w", bucket, err)
	}

	circuits := make([]*interfaces.Circuit, 0, len(setup.Circuits))
	for _, cs := range setup.Circuits {
		circuitHash, err := zkey.ParseCircuitHash(cs.CircuitHash)
		if err != nil {
			return nil, fmt.Errorf("%w: circuit %s: %w", interfaces.ErrInvalidSetup, cs.Prefix, err)
		}
		genesis, err := zkey.Genesis(circuitHash, cs.Powers)
		if err != nil {
			return nil, fmt.Errorf("%w: circuit %s: %w", interfaces.ErrInvalidSetup, cs.Prefix, err)
		}
		data := genesis.Bytes()
		if err := s.artifacts.Put(ctx, bucket, interfaces.ZkeyKey(cs.Prefix, 0), bytes.NewReader(data), int64(len(data))); err != nil {
			return nil, fmt.Errorf("storing genesis of %s: %w", cs.Prefix, err)
		}

		id := cs.ID
		if id == "" {
			id = uuid.NewString()
		}
		circuits = append(circuits, &interfaces.Circuit{
			ID:               id,
			CeremonyID:       ceremony.ID,
			Prefix:           cs.Prefix,
			Name:             cs.Name,
			SequencePosition: cs.SequencePosition,
			FixedTimeWindow:  cs.FixedTimeWindow,
			DynamicThreshold: cs.DynamicThreshold,
			CircuitHash:      cs.CircuitHash,
			ZkeySizeInBytes:  int64(len(data)),
			WaitingQueue:     queue.New(cs.MaxQueueLength),
			LastUpdated:      now,
		})
	}

	err := s.db.RunTransaction(ctx, func(tx coordination.Tx) error {
		if found, err := tx.Get(interfaces.CeremonyPath(ceremony.ID), nil); err != nil {
			return err
		} else if found {
			return fmt.Errorf("%w: %s", interfaces.ErrCeremonyExists, ceremony.ID)
		}
		for _, c := range circuits {
			if err := tx.Set(interfaces.CircuitPath(ceremony.ID, c.ID), c); err != nil {
				return err
			}
		}
		return tx.Set(interfaces.CeremonyPath(ceremony.ID), ceremony)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("ceremony created", "ceremony", ceremony.ID, "prefix", ceremony.Prefix, "circuits", len(circuits), "coordinator", caller.UserID)
	return ceremony, nil
}

// GetCeremony returns the ceremony document.
func (s *Service) GetCeremony(ctx context.Context, ceremonyID string) (*interfaces.Ceremony, error) {
	var c interfaces.Ceremony
	found, err := s.db.Get(ctx, interfaces.CeremonyPath(ceremonyID), &c)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrCeremonyNotFound, ceremonyID)
	}
	return &c, nil
}

// ListCircuits returns the circuits of a ceremony in contribution order.
func (s *Service) ListCircuits(ctx context.Context, ceremonyID string) ([]*interfaces.Circuit, error) {
	if _, err := s.GetCeremony(ctx, ceremonyID); err != nil {
		return nil, err
	}
	docs, err := s.db.List(ctx, interfaces.CircuitsPath(ceremonyID))
	if err != nil {
		return nil, err
	}
	return decodeCircuits(docs)
}

// GetParticipant returns the participant document of userID after running
// the eviction check. Participants may only read their own document.
func (s *Service) GetParticipant(ctx context.Context, caller interfaces.Caller, ceremonyID, userID string) (*interfaces.Participant, error) {
	c, err := s.GetCeremony(ctx, ceremonyID)
	if err != nil {
		return nil, err
	}
	if err := requireSelfOrCoordinator(caller, c, userID); err != nil {
		return nil, err
	}
	s.checkTimeouts(ctx, ceremonyID)

	var p interfaces.Participant
	found, err := s.db.Get(ctx, interfaces.ParticipantPath(ceremonyID, userID), &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrParticipantNotFound, userID)
	}
	return &p, nil
}

// ListContributions returns the valid contributions of a circuit ordered by index.
func (s *Service) ListContributions(ctx context.Context, ceremonyID, circuitID string) ([]interfaces.Contribution, error) {
	docs, err := s.db.List(ctx, interfaces.ContributionsPath(ceremonyID, circuitID))
	if err != nil {
		return nil, err
	}
	return coordination.DecodeAll[interfaces.Contribution](docs)
}

func requireCoordinator(caller interfaces.Caller, c *interfaces.Ceremony) error {
	if caller.Role != interfaces.RoleCoordinator || caller.UserID != c.CoordinatorID {
		return fmt.Errorf("%w: %s", interfaces.ErrNotCoordinator, caller.UserID)
	}
	return nil
}

func requireSelfOrCoordinator(caller interfaces.Caller, c *interfaces.Ceremony, userID string) error {
	if caller.UserID == userID {
		return nil
	}
	if requireCoordinator(caller, c) == nil {
		return nil
	}
	return fmt.Errorf("%w: %s may not act for %s", interfaces.ErrForbidden, caller.UserID, userID)
}

func get[T any](tx coordination.Tx, path string, notFound error) (*T, error) {
	var v T
	found, err := tx.Get(path, &v)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", notFound, path)
	}
	return &v, nil
}

func getCeremony(tx coordination.Tx, ceremonyID string) (*interfaces.Ceremony, error) {
	return get[interfaces.Ceremony](tx, interfaces.CeremonyPath(ceremonyID), interfaces.ErrCeremonyNotFound)
}

func getParticipant(tx coordination.Tx, ceremonyID, userID string) (*interfaces.Participant, error) {
	return get[interfaces.Participant](tx, interfaces.ParticipantPath(ceremonyID, userID), interfaces.ErrParticipantNotFound)
}

func getCircuits(tx coordination.Tx, ceremonyID string) ([]*interfaces.Circuit, error) {
	docs, err := tx.List(interfaces.CircuitsPath(ceremonyID))
	if err != nil {
		return nil, err
	}
	return decodeCircuits(docs)
}

func decodeCircuits(docs []coordination.Document) ([]*interfaces.Circuit, error) {
	circuits := make([]*interfaces.Circuit, 0, len(docs))
	for _, d := range docs {
		var c interfaces.Circuit
		if err := d.Decode(&c); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", d.Path, err)
		}
		circuits = append(circuits, &c)
	}
	sort.Slice(circuits, func(i, j int) bool {
		return circuits[i].SequencePosition < circuits[j].SequencePosition
	})
	return circuits, nil
}

// circuitForProgress returns the circuit a participant with the given
// progress contributes to next.
func circuitForProgress(circuits []*interfaces.Circuit, progress int) (*interfaces.Circuit, error) {
	if progress < 1 || progress > len(circuits) {
		return nil, fmt.Errorf("%w: progress %d of %d circuits", interfaces.ErrNothingToContribute, progress, len(circuits))
	}
	return circuits[progress-1], nil
}

func findCircuit(circuits []*interfaces.Circuit, circuitID string) (*interfaces.Circuit, error) {
	for _, c := range circuits {
		if c.ID == circuitID {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", interfaces.ErrCircuitNotFound, circuitID)
}

func setCircuit(tx coordination.Tx, c *interfaces.Circuit) error {
	return tx.Set(interfaces.CircuitPath(c.CeremonyID, c.ID), c)
}

func setParticipant(tx coordination.Tx, ceremonyID string, p *interfaces.Participant) error {
	return tx.Set(interfaces.ParticipantPath(ceremonyID, p.UserID), p)
}

// latestTimeout returns the participant's timeout ending last, nil if none.
func latestTimeout(tx coordination.Tx, ceremonyID, userID string) (*interfaces.Timeout, error) {
	docs, err := tx.List(interfaces.TimeoutsPath(ceremonyID, userID))
	if err != nil {
		return nil, err
	}
	timeouts, err := coordination.DecodeAll[interfaces.Timeout](docs)
	if err != nil {
		return nil, err
	}
	var latest *interfaces.Timeout
	for i := range timeouts {
		if latest == nil || timeouts[i].EndDate.After(latest.EndDate) {
			latest = &timeouts[i]
		}
	}
	return latest, nil
}

func millis(d time.Duration) int64 {
	return d.Milliseconds()
}

func isTimedOut(p *interfaces.Participant) bool {
	return p.Status == interfaces.ParticipantTimedOut || p.Status == interfaces.ParticipantExhumed
}

// cleanup removes artifact store leftovers of an abandoned contribution.
type cleanup struct {
	bucket   string
	keys     []string
	uploadID string
	// uploadKey is the key the multipart upload was begun for.
	uploadKey string
}

func (s *Service) runCleanup(ctx context.Context, jobs []cleanup) {
	for _, job := range jobs {
		if job.uploadID != "" {
			err := s.artifacts.AbortUpload(ctx, job.bucket, job.uploadKey, job.uploadID)
			if err != nil && !errors.Is(err, interfaces.ErrUploadNotFound) {
				s.log.Warn("could not abort multipart upload", "err", err, "key", job.uploadKey, "uploadId", job.uploadID)
			}
		}
		for _, key := range job.keys {
			if err := s.artifacts.Delete(ctx, job.bucket, key); err != nil {
				s.log.Warn("could not delete artifact", "err", err, "key", key)
			}
		}
	}
}

func (s *Service) recordQueueLengths(circuits []*interfaces.Circuit) {
	for _, c := range circuits {
		s.metrics.QueueLength(c.Prefix, c.Queue().Len())
	}
}
