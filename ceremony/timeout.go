package ceremony

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/zkey-ceremony-coordinator/coordination"
	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
)

// Eviction describes a contributor removed from a circuit for stalling.
type Eviction struct {
	CircuitID     string
	ParticipantID string
	Timeout       interfaces.Timeout
}

// contributionDeadline returns when the current turn of p on circuit
// expires and which timeout type an eviction records. ok is false when the
// circuit has no usable window.
func contributionDeadline(c *interfaces.Ceremony, circuit *interfaces.Circuit, p *interfaces.Participant) (deadline time.Time, kind interfaces.TimeoutType, ok bool) {
	fixed := time.Duration(circuit.FixedTimeWindow) * time.Minute
	dynamic := c.TimeoutMechanism == interfaces.TimeoutDynamic

	if p.ContributionStep == interfaces.StepVerifying && !p.VerificationStartedAt.IsZero() {
		window := fixed
		if dynamic && circuit.AvgTimings.VerifyCloudFunction > 0 {
			window = withThreshold(circuit.AvgTimings.VerifyCloudFunction, circuit.DynamicThreshold)
		}
		return p.VerificationStartedAt.Add(window), interfaces.TimeoutBlockingCloudFunction, window > 0
	}

	window := fixed
	if dynamic && circuit.AvgTimings.FullContribution > 0 {
		window = withThreshold(circuit.AvgTimings.FullContribution, circuit.DynamicThreshold)
	}
	return p.ContributionStartedAt.Add(window), interfaces.TimeoutBlockingContribution, window > 0
}

// withThreshold returns avgMillis increased by threshold percent.
func withThreshold(avgMillis int64, threshold int) time.Duration {
	return time.Duration(avgMillis*int64(100+threshold)/100) * time.Millisecond
}

// CheckAndEvictStalledContributors evicts every current contributor of the
// ceremony whose window has passed. An evicted participant becomes
// TIMEDOUT with a penalty, their circuit advances as failed and their
// partial upload is discarded.
func (s *Service) CheckAndEvictStalledContributors(ctx context.Context, ceremonyID string) ([]Eviction, error) {
	var (
		evictions []Eviction
		jobs      []cleanup
		circuits  []*interfaces.Circuit
	)
	err := s.db.RunTransaction(ctx, func(tx coordination.Tx) error {
		evictions, jobs = nil, nil
		now := s.clock.Now()

		c, err := getCeremony(tx, ceremonyID)
		if err != nil {
			return err
		}
		if c.State != interfaces.CeremonyOpened && c.State != interfaces.CeremonyPaused {
			return nil
		}
		circuits, err = getCircuits(tx, ceremonyID)
		if err != nil {
			return err
		}

		for _, circuit := range circuits {
			current := circuit.Queue().CurrentContributor
			if current == "" {
				continue
			}
			p, err := getParticipant(tx, ceremonyID, current)
			if err != nil {
				return err
			}
			deadline, kind, ok := contributionDeadline(c, circuit, p)
			if !ok || now.Before(deadline) {
				continue
			}

			job := cleanup{
				bucket: c.BucketName(),
				keys: []string{
					interfaces.ZkeyKey(circuit.Prefix, circuit.CurrentZkeyIndex()+1),
					interfaces.TranscriptKey(circuit.Prefix, circuit.CurrentZkeyIndex()+1),
				},
			}
			if p.TempContributionData != nil && p.TempContributionData.UploadID != "" {
				job.uploadID = p.TempContributionData.UploadID
				job.uploadKey = job.keys[0]
			}

			if err := p.TransitionTo(interfaces.ParticipantTimedOut); err != nil {
				return err
			}
			p.ContributionStep = interfaces.StepNone
			p.TempContributionData = nil
			p.LastUpdated = now

			timeout := interfaces.Timeout{
				ID:        uuid.NewString(),
				Type:      kind,
				StartDate: now,
				EndDate:   now.Add(c.PenaltyDuration()),
			}
			if err := tx.Set(interfaces.TimeoutPath(ceremonyID, p.UserID, timeout.ID), timeout); err != nil {
				return err
			}
			if err := setParticipant(tx, ceremonyID, p); err != nil {
				return err
			}
			if err := s.advance(tx, circuit, false, now); err != nil {
				return err
			}
			if err := setCircuit(tx, circuit); err != nil {
				return err
			}

			evictions = append(evictions, Eviction{CircuitID: circuit.ID, ParticipantID: p.UserID, Timeout: timeout})
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(evictions) == 0 {
		return nil, nil
	}

	s.runCleanup(ctx, jobs)
	for _, e := range evictions {
		prefix := e.CircuitID
		for _, circuit := range circuits {
			if circuit.ID == e.CircuitID {
				prefix = circuit.Prefix
			}
		}
		s.metrics.Evicted(prefix, e.Timeout.Type.String())
		s.log.Info("contributor evicted", "ceremony", ceremonyID, "circuit", prefix, "participant", e.ParticipantID, "type", e.Timeout.Type, "penaltyEnds", e.Timeout.EndDate)
	}
	s.recordQueueLengths(circuits)
	return evictions, nil
}

// checkTimeouts runs the eviction check ahead of a state read. Failures are
// logged; the read proceeds on the current state.
func (s *Service) checkTimeouts(ctx context.Context, ceremonyID string) {
	if _, err := s.CheckAndEvictStalledContributors(ctx, ceremonyID); err != nil {
		s.log.Warn("eviction check failed", "err", err, "ceremony", ceremonyID)
	}
}

// MonitorTimeouts runs the eviction check of every opened ceremony each
// interval until ctx is done, so stalled contributors are evicted even when
// nobody reads the ceremony state.
func (s *Service) MonitorTimeouts(ctx context.Context, interval time.Duration) {
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		docs, err := s.db.List(ctx, "ceremonies")
		if err != nil {
			s.log.Warn("listing ceremonies failed", "err", err)
			continue
		}
		ceremonies, err := coordination.DecodeAll[interfaces.Ceremony](docs)
		if err != nil {
			s.log.Warn("decoding ceremonies failed", "err", err)
			continue
		}
		for _, c := range ceremonies {
			if c.State == interfaces.CeremonyOpened {
				s.checkTimeouts(ctx, c.ID)
			}
		}
	}
}
