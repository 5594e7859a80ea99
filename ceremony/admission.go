package ceremony

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/zkey-ceremony-coordinator/coordination"
	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
	"github.com/ruteri/zkey-ceremony-coordinator/queue"
)

// Register admits the caller into an open ceremony and queues them for the
// first circuit. A participant that timed out and whose penalty expired is
// re-admitted as by Resume; any other existing participant gets
// ErrAlreadyRegistered.
func (s *Service) Register(ctx context.Context, caller interfaces.Caller, ceremonyID string) (*interfaces.Participant, error) {
	s.checkTimeouts(ctx, ceremonyID)

	var (
		result   *interfaces.Participant
		circuits []*interfaces.Circuit
		created  bool
	)
	err := s.db.RunTransaction(ctx, func(tx coordination.Tx) error {
		created = false
		now := s.clock.Now()

		c, err := getCeremony(tx, ceremonyID)
		if err != nil {
			return err
		}
		if c.State != interfaces.CeremonyOpened {
			return fmt.Errorf("%w: %s is %s", interfaces.ErrNotOpen, ceremonyID, c.State)
		}
		circuits, err = getCircuits(tx, ceremonyID)
		if err != nil {
			return err
		}

		p, err := getParticipant(tx, ceremonyID, caller.UserID)
		switch {
		case err == nil:
			err := s.checkResumable(tx, ceremonyID, p, now)
			if errors.Is(err, interfaces.ErrNotTimedOut) {
				return fmt.Errorf("%w: %s", interfaces.ErrAlreadyRegistered, caller.UserID)
			}
			if err != nil {
				return err
			}
		case errors.Is(err, interfaces.ErrParticipantNotFound):
			p = &interfaces.Participant{
				UserID:               caller.UserID,
				Status:               interfaces.ParticipantCreated,
				ContributionProgress: 1,
				Contributions:        []interfaces.ContributionSummary{},
			}
			created = true
		default:
			return err
		}

		circuit, err := circuitForProgress(circuits, p.ContributionProgress)
		if err != nil {
			return err
		}
		if err := s.admit(tx, circuit, p, now); err != nil {
			return err
		}
		result = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.metrics.Registered(ceremonyID)
		s.log.Info("participant registered", "ceremony", ceremonyID, "participant", caller.UserID, "status", result.Status)
	} else {
		s.log.Info("participant re-admitted", "ceremony", ceremonyID, "participant", caller.UserID, "status", result.Status)
	}
	s.recordQueueLengths(circuits)
	return result, nil
}

// CheckParticipant reports whether the caller may take part in the
// ceremony right now. It is false while the caller serves a timeout
// penalty or after they contributed to every circuit. A caller whose
// penalty expired is marked EXHUMED.
func (s *Service) CheckParticipant(ctx context.Context, caller interfaces.Caller, ceremonyID string) (bool, error) {
	s.checkTimeouts(ctx, ceremonyID)

	var allowed bool
	err := s.db.RunTransaction(ctx, func(tx coordination.Tx) error {
		now := s.clock.Now()
		c, err := getCeremony(tx, ceremonyID)
		if err != nil {
			return err
		}
		if c.State != interfaces.CeremonyOpened {
			return fmt.Errorf("%w: %s is %s", interfaces.ErrNotOpen, ceremonyID, c.State)
		}

		p, err := getParticipant(tx, ceremonyID, caller.UserID)
		if errors.Is(err, interfaces.ErrParticipantNotFound) {
			allowed = true
			return nil
		}
		if err != nil {
			return err
		}

		switch p.Status {
		case interfaces.ParticipantTimedOut:
			timeout, err := latestTimeout(tx, ceremonyID, caller.UserID)
			if err != nil {
				return err
			}
			if timeout != nil && !timeout.Expired(now) {
				allowed = false
				return nil
			}
			if err := p.TransitionTo(interfaces.ParticipantExhumed); err != nil {
				return err
			}
			p.LastUpdated = now
			allowed = true
			return setParticipant(tx, ceremonyID, p)
		case interfaces.ParticipantDone, interfaces.ParticipantFinalizing, interfaces.ParticipantFinalized:
			allowed = false
		default:
			allowed = true
		}
		return nil
	})
	return allowed, err
}

// Resume re-admits a timed-out participant whose penalty expired at the
// back of the queue of the circuit they were evicted from. Their progress
// is preserved.
func (s *Service) Resume(ctx context.Context, caller interfaces.Caller, ceremonyID string) (*interfaces.Participant, error) {
	s.checkTimeouts(ctx, ceremonyID)

	var (
		result   *interfaces.Participant
		circuits []*interfaces.Circuit
	)
	err := s.db.RunTransaction(ctx, func(tx coordination.Tx) error {
		now := s.clock.Now()
		c, err := getCeremony(tx, ceremonyID)
		if err != nil {
			return err
		}
		if c.State != interfaces.CeremonyOpened {
			return fmt.Errorf("%w: %s is %s", interfaces.ErrNotOpen, ceremonyID, c.State)
		}
		p, err := getParticipant(tx, ceremonyID, caller.UserID)
		if err != nil {
			return err
		}
		if err := s.checkResumable(tx, ceremonyID, p, now); err != nil {
			return err
		}
		circuits, err = getCircuits(tx, ceremonyID)
		if err != nil {
			return err
		}
		circuit, err := circuitForProgress(circuits, p.ContributionProgress)
		if err != nil {
			return err
		}
		if err := s.admit(tx, circuit, p, now); err != nil {
			return err
		}
		result = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("participant resumed", "ceremony", ceremonyID, "participant", caller.UserID, "progress", result.ContributionProgress, "status", result.Status)
	s.recordQueueLengths(circuits)
	return result, nil
}

// ProgressToNextCircuit queues a participant that finished a circuit for
// the next one in the sequence.
func (s *Service) ProgressToNextCircuit(ctx context.Context, caller interfaces.Caller, ceremonyID string) (*interfaces.Participant, error) {
	s.checkTimeouts(ctx, ceremonyID)

	var (
		result   *interfaces.Participant
		circuits []*interfaces.Circuit
	)
	err := s.db.RunTransaction(ctx, func(tx coordination.Tx) error {
		now := s.clock.Now()
		c, err := getCeremony(tx, ceremonyID)
		if err != nil {
			return err
		}
		if c.State != interfaces.CeremonyOpened {
			return fmt.Errorf("%w: %s is %s", interfaces.ErrNotOpen, ceremonyID, c.State)
		}
		p, err := getParticipant(tx, ceremonyID, caller.UserID)
		if err != nil {
			return err
		}
		if p.Status != interfaces.ParticipantContributed {
			return interfaces.Transition(p.Status, interfaces.ParticipantWaiting)
		}
		circuits, err = getCircuits(tx, ceremonyID)
		if err != nil {
			return err
		}
		circuit, err := circuitForProgress(circuits, p.ContributionProgress)
		if err != nil {
			return err
		}
		if err := s.admit(tx, circuit, p, now); err != nil {
			return err
		}
		result = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("participant progressed to next circuit", "ceremony", ceremonyID, "participant", caller.UserID, "progress", result.ContributionProgress)
	s.recordQueueLengths(circuits)
	return result, nil
}

// checkResumable returns ErrNotTimedOut unless p is timed out and its
// latest penalty has ended at now.
func (s *Service) checkResumable(tx coordination.Tx, ceremonyID string, p *interfaces.Participant, now time.Time) error {
	if !isTimedOut(p) {
		return fmt.Errorf("%w: %s is %s", interfaces.ErrNotTimedOut, p.UserID, p.Status)
	}
	timeout, err := latestTimeout(tx, ceremonyID, p.UserID)
	if err != nil {
		return err
	}
	if timeout != nil && !timeout.Expired(now) {
		return fmt.Errorf("%w: penalty of %s ends at %s", interfaces.ErrNotTimedOut, p.UserID, timeout.EndDate.Format(time.RFC3339))
	}
	return nil
}

// admit appends p to the circuit's queue and starts their turn when the
// circuit is idle. Both documents are written.
func (s *Service) admit(tx coordination.Tx, circuit *interfaces.Circuit, p *interfaces.Participant, now time.Time) error {
	if p.Status != interfaces.ParticipantWaiting {
		if err := p.TransitionTo(interfaces.ParticipantWaiting); err != nil {
			return err
		}
	}
	p.ContributionStep = interfaces.StepNone
	p.TempContributionData = nil
	p.LastUpdated = now

	q := circuit.Queue()
	if err := q.Enqueue(p.UserID); err != nil {
		return err
	}
	if q.CurrentContributor == "" {
		next, _ := q.Promote()
		if err := s.startTurn(tx, circuit, next, p, now); err != nil {
			return err
		}
	}

	circuit.LastUpdated = now
	if err := setCircuit(tx, circuit); err != nil {
		return err
	}
	return setParticipant(tx, circuit.CeremonyID, p)
}

// startTurn makes userID the contributor of circuit. self is the
// participant already loaded and written by the caller, if any. Queue
// entries that cannot contribute are skipped.
func (s *Service) startTurn(tx coordination.Tx, circuit *interfaces.Circuit, userID string, self *interfaces.Participant, now time.Time) error {
	q := circuit.Queue()
	for userID != "" {
		p := self
		var err error
		if self == nil || self.UserID != userID {
			p, err = getParticipant(tx, circuit.CeremonyID, userID)
		}
		if err == nil {
			err = startContributing(p, now)
		}
		if err == nil {
			s.log.Info("contributor promoted", "ceremony", circuit.CeremonyID, "circuit", circuit.Prefix, "participant", userID)
			if p == self {
				return nil
			}
			return setParticipant(tx, circuit.CeremonyID, p)
		}
		if !errors.Is(err, interfaces.ErrParticipantNotFound) && !errors.Is(err, interfaces.ErrInvalidTransition) {
			return err
		}

		s.log.Warn("skipping queued participant", "err", err, "circuit", circuit.Prefix, "participant", userID)
		q.CurrentContributor = ""
		userID, _ = q.Promote()
	}
	return nil
}

// advance ends the current turn of circuit and starts the next one.
func (s *Service) advance(tx coordination.Tx, circuit *interfaces.Circuit, succeeded bool, now time.Time) error {
	outcome := queue.Failed
	if succeeded {
		outcome = queue.Completed
	}
	next, promoted, err := circuit.Queue().Advance(outcome)
	if err != nil {
		return err
	}
	circuit.LastUpdated = now
	if !promoted {
		return nil
	}
	return s.startTurn(tx, circuit, next, nil, now)
}

func startContributing(p *interfaces.Participant, now time.Time) error {
	if err := p.TransitionTo(interfaces.ParticipantContributing); err != nil {
		return err
	}
	p.ContributionStep = interfaces.StepDownloading
	p.ContributionStartedAt = now
	p.VerificationStartedAt = time.Time{}
	p.TempContributionData = nil
	p.LastUpdated = now
	return nil
}
