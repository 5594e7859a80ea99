package ceremony

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/ruteri/zkey-ceremony-coordinator/coordination"
	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
	"github.com/ruteri/zkey-ceremony-coordinator/zkey"
)

// OpenCeremony opens a scheduled or paused ceremony for registration.
func (s *Service) OpenCeremony(ctx context.Context, caller interfaces.Caller, ceremonyID string) (*interfaces.Ceremony, error) {
	return s.transitionCeremony(ctx, caller, ceremonyID, interfaces.CeremonyOpened, nil)
}

// PauseCeremony stops admissions and turns until the ceremony is reopened.
func (s *Service) PauseCeremony(ctx context.Context, caller interfaces.Caller, ceremonyID string) (*interfaces.Ceremony, error) {
	return s.transitionCeremony(ctx, caller, ceremonyID, interfaces.CeremonyPaused, nil)
}

// CloseCeremony closes the ceremony once every waiting queue is exhausted
// or its end date has passed.
func (s *Service) CloseCeremony(ctx context.Context, caller interfaces.Caller, ceremonyID string) (*interfaces.Ceremony, error) {
	s.checkTimeouts(ctx, ceremonyID)
	return s.transitionCeremony(ctx, caller, ceremonyID, interfaces.CeremonyClosed, func(tx coordination.Tx, c *interfaces.Ceremony) error {
		if !s.clock.Now().Before(c.EndDate) {
			return nil
		}
		circuits, err := getCircuits(tx, ceremonyID)
		if err != nil {
			return err
		}
		for _, circuit := range circuits {
			if !circuit.Queue().Exhausted() {
				return fmt.Errorf("%w: circuit %s", interfaces.ErrCircuitsBusy, circuit.Prefix)
			}
		}
		return nil
	})
}

func (s *Service) transitionCeremony(ctx context.Context, caller interfaces.Caller, ceremonyID string, next interfaces.CeremonyState, check func(coordination.Tx, *interfaces.Ceremony) error) (*interfaces.Ceremony, error) {
	var result *interfaces.Ceremony
	err := s.db.RunTransaction(ctx, func(tx coordination.Tx) error {
		c, err := getCeremony(tx, ceremonyID)
		if err != nil {
			return err
		}
		if err := requireCoordinator(caller, c); err != nil {
			return err
		}
		if !c.State.CanTransition(next) {
			return interfaces.Transition(c.State, next)
		}
		if check != nil {
			if err := check(tx, c); err != nil {
				return err
			}
		}
		c.State = next
		c.LastUpdated = s.clock.Now()
		result = c
		return tx.Set(interfaces.CeremonyPath(ceremonyID), c)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("ceremony state changed", "ceremony", ceremonyID, "state", next)
	return result, nil
}

// loadFinalization loads the ceremony and the coordinator participant and
// checks the caller may finalize.
func loadFinalization(tx coordination.Tx, caller interfaces.Caller, ceremonyID string) (*interfaces.Ceremony, *interfaces.Participant, error) {
	c, err := getCeremony(tx, ceremonyID)
	if err != nil {
		return nil, nil, err
	}
	if err := requireCoordinator(caller, c); err != nil {
		return nil, nil, err
	}
	if c.State != interfaces.CeremonyClosed && c.State != interfaces.CeremonyFinalized {
		return nil, nil, fmt.Errorf("%w: ceremony is %s", interfaces.ErrNotReadyForFinalization, c.State)
	}
	p, err := getParticipant(tx, ceremonyID, caller.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", interfaces.ErrNotReadyForFinalization, err)
	}
	return c, p, nil
}

// CheckAndPrepareCoordinatorForFinalization moves the coordinator, who must
// have contributed to every circuit of the closed ceremony, to FINALIZING.
func (s *Service) CheckAndPrepareCoordinatorForFinalization(ctx context.Context, caller interfaces.Caller, ceremonyID string) error {
	return s.db.RunTransaction(ctx, func(tx coordination.Tx) error {
		c, p, err := loadFinalization(tx, caller, ceremonyID)
		if err != nil {
			return err
		}
		if c.State != interfaces.CeremonyClosed {
			return fmt.Errorf("%w: ceremony is %s", interfaces.ErrNotReadyForFinalization, c.State)
		}
		if p.Status == interfaces.ParticipantFinalizing {
			return nil
		}
		circuits, err := getCircuits(tx, ceremonyID)
		if err != nil {
			return err
		}
		if p.Status != interfaces.ParticipantDone || p.ContributionProgress != len(circuits)+1 {
			return fmt.Errorf("%w: coordinator is %s with progress %d", interfaces.ErrNotReadyForFinalization, p.Status, p.ContributionProgress)
		}
		if err := p.TransitionTo(interfaces.ParticipantFinalizing); err != nil {
			return err
		}
		p.LastUpdated = s.clock.Now()
		return setParticipant(tx, ceremonyID, p)
	})
}

// FinalizeCircuit applies the public beacon to the latest valid artifact of
// the circuit and stores the final artifact, its transcript, the
// verification key and the verifier contract. Finalizing an already
// finalized circuit returns its beacon contribution unchanged.
func (s *Service) FinalizeCircuit(ctx context.Context, caller interfaces.Caller, ceremonyID, circuitID string, beacon []byte, exp uint8) (*interfaces.Contribution, error) {
	var (
		ceremony *interfaces.Ceremony
		circuit  *interfaces.Circuit
		existing *interfaces.Contribution
	)
	err := s.db.RunTransaction(ctx, func(tx coordination.Tx) error {
		existing = nil
		c, p, err := loadFinalization(tx, caller, ceremonyID)
		if err != nil {
			return err
		}
		circuits, err := getCircuits(tx, ceremonyID)
		if err != nil {
			return err
		}
		circuit, err = findCircuit(circuits, circuitID)
		if err != nil {
			return err
		}
		ceremony = c
		if circuit.Finalized {
			existing, err = get[interfaces.Contribution](tx, interfaces.ContributionPath(ceremonyID, circuitID, interfaces.ZkeyIndex(circuit.CurrentZkeyIndex())), interfaces.ErrObjectNotFound)
			return err
		}
		if p.Status != interfaces.ParticipantFinalizing {
			return fmt.Errorf("%w: coordinator is %s", interfaces.ErrNotReadyForFinalization, p.Status)
		}
		if !circuit.Queue().Exhausted() {
			return fmt.Errorf("%w: circuit %s", interfaces.ErrCircuitsBusy, circuit.Prefix)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	bucket := ceremony.BucketName()
	completed := circuit.CurrentZkeyIndex()
	prev, err := s.loadArtifact(ctx, bucket, interfaces.ZkeyKey(circuit.Prefix, completed))
	if err != nil {
		return nil, fmt.Errorf("loading artifact %d of %s: %w", completed, circuit.Prefix, err)
	}
	start := s.clock.Now()
	final, err := zkey.ApplyBeacon(prev, beacon, exp)
	if err != nil {
		return nil, err
	}
	computation := s.clock.Since(start)
	iterated, err := zkey.IterateBeacon(beacon, exp)
	if err != nil {
		return nil, err
	}

	finalIndex := interfaces.ZkeyIndex(completed + 1)
	files := interfaces.ContributionFiles{
		Zkey:       interfaces.FinalZkeyKey(circuit.Prefix),
		Transcript: interfaces.FinalTranscriptKey(circuit.Prefix),
	}
	objects, err := finalObjects(final, circuit, finalIndex, caller.UserID, computation)
	if err != nil {
		return nil, err
	}
	for _, obj := range objects {
		if err := s.artifacts.Put(ctx, bucket, obj.key, bytes.NewReader(obj.data), int64(len(obj.data))); err != nil {
			return nil, fmt.Errorf("storing %s: %w", obj.key, err)
		}
	}

	hash := zkey.HashHex(final.LastHash())
	record := interfaces.Contribution{
		ParticipantID:               caller.UserID,
		ZkeyIndex:                   finalIndex,
		ContributionComputationTime: millis(computation),
		FullContributionTime:        millis(computation),
		Hash:                        hash,
		Valid:                       true,
		Files:                       files,
		Beacon: &interfaces.Beacon{
			Value: hex.EncodeToString(beacon),
			Hash:  hex.EncodeToString(iterated[:]),
		},
	}

	err = s.db.RunTransaction(ctx, func(tx coordination.Tx) error {
		circuits, err := getCircuits(tx, ceremonyID)
		if err != nil {
			return err
		}
		current, err := findCircuit(circuits, circuitID)
		if err != nil {
			return err
		}
		if current.Finalized || current.CurrentZkeyIndex() != completed {
			return fmt.Errorf("%w: circuit %s changed during finalization", interfaces.ErrIndexMismatch, current.Prefix)
		}
		now := s.clock.Now()
		record.LastUpdated = now
		if err := tx.Set(interfaces.ContributionPath(ceremonyID, circuitID, finalIndex), record); err != nil {
			return err
		}
		current.Queue().CompletedContributions++
		current.Finalized = true
		current.LastUpdated = now
		return setCircuit(tx, current)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("circuit finalized", "ceremony", ceremonyID, "circuit", circuit.Prefix, "index", finalIndex, "hash", hash)
	s.publish(ctx, circuit.Prefix, objects)
	return &record, nil
}

type finalObject struct {
	key  string
	data []byte
}

func finalObjects(final *zkey.Artifact, circuit *interfaces.Circuit, index, coordinator string, computation time.Duration) ([]finalObject, error) {
	var transcript bytes.Buffer
	info := zkey.TranscriptInfo{Circuit: circuit.Name, ZkeyIndex: index, Participant: coordinator, Duration: computation}
	if err := zkey.WriteTranscript(&transcript, final, info); err != nil {
		return nil, err
	}

	vk, err := zkey.ExportVerificationKey(final, circuit.Name)
	if err != nil {
		return nil, err
	}
	vkJSON, err := json.MarshalIndent(vk, "", "  ")
	if err != nil {
		return nil, err
	}

	var verifier bytes.Buffer
	if err := zkey.WriteSolidityVerifier(&verifier, vk, contractName(circuit.Prefix)); err != nil {
		return nil, err
	}

	return []finalObject{
		{key: interfaces.FinalZkeyKey(circuit.Prefix), data: final.Bytes()},
		{key: interfaces.FinalTranscriptKey(circuit.Prefix), data: transcript.Bytes()},
		{key: interfaces.VerificationKeyKey(circuit.Prefix), data: vkJSON},
		{key: interfaces.VerifierContractKey(circuit.Prefix), data: verifier.Bytes()},
	}, nil
}

// contractName turns a circuit prefix into a Solidity identifier.
func contractName(prefix string) string {
	var b strings.Builder
	upper := true
	for _, r := range prefix {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	name := b.String()
	if name == "" || unicode.IsDigit(rune(name[0])) {
		name = "C" + name
	}
	return name + "Verifier"
}

// publish mirrors the final objects of a circuit. Failures are logged; the
// artifact store remains the source of truth.
func (s *Service) publish(ctx context.Context, prefix string, objects []finalObject) {
	if s.publisher == nil {
		return
	}
	for _, obj := range objects {
		location, err := s.publisher.Publish(ctx, obj.key, obj.data)
		if err != nil {
			s.log.Warn("publishing final object failed", "err", err, "circuit", prefix, "key", obj.key, "publisher", s.publisher.Name())
			continue
		}
		s.log.Info("final object published", "circuit", prefix, "key", obj.key, "location", location)
	}
}

// FinalizeCeremony marks the ceremony and its coordinator FINALIZED once
// every circuit is finalized.
func (s *Service) FinalizeCeremony(ctx context.Context, caller interfaces.Caller, ceremonyID string) (*interfaces.Ceremony, error) {
	var result *interfaces.Ceremony
	err := s.db.RunTransaction(ctx, func(tx coordination.Tx) error {
		c, p, err := loadFinalization(tx, caller, ceremonyID)
		if err != nil {
			return err
		}
		result = c
		if c.State == interfaces.CeremonyFinalized {
			return nil
		}
		if p.Status != interfaces.ParticipantFinalizing {
			return fmt.Errorf("%w: coordinator is %s", interfaces.ErrNotReadyForFinalization, p.Status)
		}
		circuits, err := getCircuits(tx, ceremonyID)
		if err != nil {
			return err
		}
		for _, circuit := range circuits {
			if !circuit.Finalized {
				return fmt.Errorf("%w: circuit %s", interfaces.ErrNotAllCircuitsFinalized, circuit.Prefix)
			}
		}

		now := s.clock.Now()
		if err := p.TransitionTo(interfaces.ParticipantFinalized); err != nil {
			return err
		}
		p.LastUpdated = now
		c.State = interfaces.CeremonyFinalized
		c.LastUpdated = now
		if err := setParticipant(tx, ceremonyID, p); err != nil {
			return err
		}
		return tx.Set(interfaces.CeremonyPath(ceremonyID), c)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("ceremony finalized", "ceremony", ceremonyID)
	return result, nil
}
