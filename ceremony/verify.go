package ceremony

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
	"github.com/ruteri/zkey-ceremony-coordinator/zkey"
)

// VerifyCeremony re-verifies every contribution chain of the ceremony from
// the stored artifacts. It has no side effects. Invalid chains are reported
// in the returned report; errors are returned only when the ceremony cannot
// be read.
func (s *Service) VerifyCeremony(ctx context.Context, ceremonyID string) (*interfaces.VerificationReport, error) {
	c, err := s.GetCeremony(ctx, ceremonyID)
	if err != nil {
		return nil, err
	}
	circuits, err := s.ListCircuits(ctx, ceremonyID)
	if err != nil {
		return nil, err
	}

	report := &interfaces.VerificationReport{CeremonyID: ceremonyID, Valid: true}
	for _, circuit := range circuits {
		cr := s.verifyCircuit(ctx, c, circuit)
		if !cr.Valid {
			report.Valid = false
		}
		report.Circuits = append(report.Circuits, cr)
	}
	s.log.Info("ceremony verified", "ceremony", ceremonyID, "valid", report.Valid)
	return report, nil
}

func (s *Service) verifyCircuit(ctx context.Context, c *interfaces.Ceremony, circuit *interfaces.Circuit) interfaces.CircuitReport {
	cr := interfaces.CircuitReport{
		CircuitID: circuit.ID,
		Prefix:    circuit.Prefix,
		Finalized: circuit.Finalized,
	}
	fail := func(format string, args ...any) interfaces.CircuitReport {
		cr.Errors = append(cr.Errors, fmt.Sprintf(format, args...))
		cr.Valid = false
		return cr
	}

	circuitHash, err := zkey.ParseCircuitHash(circuit.CircuitHash)
	if err != nil {
		return fail("circuit hash: %v", err)
	}

	records, err := s.ListContributions(ctx, c.ID, circuit.ID)
	if err != nil {
		return fail("listing contributions: %v", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ZkeyIndex < records[j].ZkeyIndex })
	cr.Contributions = len(records)

	completed := circuit.CurrentZkeyIndex()
	if len(records) != completed {
		return fail("%d contribution records for %d completed contributions", len(records), completed)
	}
	for i, r := range records {
		if r.ZkeyIndex != interfaces.ZkeyIndex(i+1) {
			return fail("contribution %d has index %s", i+1, r.ZkeyIndex)
		}
		if !r.Valid {
			return fail("contribution %s is not valid", r.ZkeyIndex)
		}
	}

	bucket := c.BucketName()
	prev, err := s.loadArtifact(ctx, bucket, interfaces.ZkeyKey(circuit.Prefix, 0))
	if err != nil {
		return fail("genesis: %v", err)
	}
	if err := zkey.VerifyGenesis(prev, circuitHash); err != nil {
		return fail("genesis: %v", err)
	}

	for i, r := range records {
		next, err := s.loadArtifact(ctx, bucket, r.Files.Zkey)
		if err != nil {
			return fail("contribution %s: %v", r.ZkeyIndex, err)
		}
		if err := zkey.Verify(prev, next, circuitHash); err != nil {
			return fail("contribution %s: %v", r.ZkeyIndex, err)
		}
		hash := zkey.HashHex(next.LastHash())
		if r.Hash != hash {
			return fail("contribution %s: recorded hash does not match artifact", r.ZkeyIndex)
		}
		transcript, err := s.readTranscript(ctx, bucket, r.Files.Transcript)
		if err != nil {
			return fail("transcript %s: %v", r.ZkeyIndex, err)
		}
		reported, err := zkey.ParseContributionHash(transcript)
		if err != nil {
			return fail("transcript %s: %v", r.ZkeyIndex, err)
		}
		if reported != hash {
			return fail("transcript %s: hash does not match artifact", r.ZkeyIndex)
		}

		last := next.Contributions[len(next.Contributions)-1]
		isFinal := circuit.Finalized && i == len(records)-1
		switch {
		case isFinal && (last.Kind != zkey.KindBeacon || r.Beacon == nil):
			return fail("final contribution %s is not a beacon contribution", r.ZkeyIndex)
		case isFinal && r.Beacon.Hash != hex.EncodeToString(last.Beacon[:]):
			return fail("final contribution %s: recorded beacon does not match artifact", r.ZkeyIndex)
		case !isFinal && last.Kind != zkey.KindParticipant:
			return fail("contribution %s is a beacon contribution", r.ZkeyIndex)
		}
		prev = next
	}

	if circuit.Finalized {
		if err := s.verifyVerificationKey(ctx, bucket, circuit, prev); err != nil {
			return fail("verification key: %v", err)
		}
	}

	cr.Valid = true
	return cr
}

func (s *Service) verifyVerificationKey(ctx context.Context, bucket string, circuit *interfaces.Circuit, final *zkey.Artifact) error {
	rc, err := s.artifacts.Get(ctx, bucket, interfaces.VerificationKeyKey(circuit.Prefix))
	if err != nil {
		return err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxTranscriptSize))
	if err != nil {
		return err
	}
	var vk zkey.VerificationKey
	if err := json.Unmarshal(data, &vk); err != nil {
		return err
	}
	return zkey.CheckVerificationKey(&vk, final)
}
