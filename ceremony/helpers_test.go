package ceremony

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/zkey-ceremony-coordinator/coordination"
	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
	"github.com/ruteri/zkey-ceremony-coordinator/storage"
	"github.com/ruteri/zkey-ceremony-coordinator/zkey"
	"github.com/stretchr/testify/require"
)

var (
	ctx         = context.Background()
	coordinator = interfaces.Caller{UserID: "coordinator", Role: interfaces.RoleCoordinator}
	startTime   = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func participant(id string) interfaces.Caller {
	return interfaces.Caller{UserID: id, Role: interfaces.RoleParticipant}
}

type testEnv struct {
	t        *testing.T
	svc      *Service
	db       *coordination.MemoryStore
	store    *storage.FileStore
	clock    *clock.Mock
	ceremony *interfaces.Ceremony
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func circuitHashHex(prefix string) string {
	h := zkey.HashConstraintSystem([]byte(prefix + " r1cs"))
	return hex.EncodeToString(h[:])
}

// newTestEnv creates an opened ceremony with the given number of circuits,
// each with a 10 minute fixed window, and a 5 minute penalty.
func newTestEnv(t *testing.T, mechanism interfaces.TimeoutMechanism, circuits int) *testEnv {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(startTime)

	store, err := storage.NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	db := coordination.NewMemoryStore(testLogger())

	svc := NewService(db, store, clk, testLogger())

	setup := interfaces.CeremonySetup{
		ID:               "trial",
		Prefix:           "trial",
		Title:            "Trial ceremony",
		TimeoutMechanism: mechanism,
		Penalty:          5,
		StartDate:        startTime,
		EndDate:          startTime.Add(24 * time.Hour),
	}
	for i := 1; i <= circuits; i++ {
		prefix := fmt.Sprintf("circuit%d", i)
		setup.Circuits = append(setup.Circuits, interfaces.CircuitSetup{
			ID:               prefix,
			Name:             prefix,
			Prefix:           prefix,
			SequencePosition: i,
			FixedTimeWindow:  10,
			DynamicThreshold: 50,
			CircuitHash:      circuitHashHex(prefix),
			Powers:           4,
		})
	}

	c, err := svc.Setup(ctx, coordinator, setup)
	require.NoError(t, err)
	c, err = svc.OpenCeremony(ctx, coordinator, c.ID)
	require.NoError(t, err)

	return &testEnv{t: t, svc: svc, db: db, store: store, clock: clk, ceremony: c}
}

func (e *testEnv) participant(id string) *interfaces.Participant {
	e.t.Helper()
	var p interfaces.Participant
	found, err := e.db.Get(ctx, interfaces.ParticipantPath(e.ceremony.ID, id), &p)
	require.NoError(e.t, err)
	require.True(e.t, found, "participant %s", id)
	return &p
}

func (e *testEnv) circuit(id string) *interfaces.Circuit {
	e.t.Helper()
	var c interfaces.Circuit
	found, err := e.db.Get(ctx, interfaces.CircuitPath(e.ceremony.ID, id), &c)
	require.NoError(e.t, err)
	require.True(e.t, found, "circuit %s", id)
	return &c
}

func (e *testEnv) circuitForProgress(progress int) *interfaces.Circuit {
	return e.circuit(fmt.Sprintf("circuit%d", progress))
}

func (e *testEnv) put(key string, data []byte) {
	e.t.Helper()
	require.NoError(e.t, e.store.Put(ctx, e.ceremony.BucketName(), key, bytes.NewReader(data), int64(len(data))))
}

func (e *testEnv) artifact(key string) *zkey.Artifact {
	e.t.Helper()
	rc, err := e.store.Get(ctx, e.ceremony.BucketName(), key)
	require.NoError(e.t, err)
	defer rc.Close()
	a, err := zkey.Decode(rc)
	require.NoError(e.t, err)
	return a
}

// computeAndUpload drives the caller from DOWNLOADING to VERIFYING and
// stores their artifact and transcript. A tampered contribution is derived
// from a foreign chain and fails verification.
func (e *testEnv) computeAndUpload(caller interfaces.Caller, tampered bool) *interfaces.Circuit {
	e.t.Helper()
	p := e.participant(caller.UserID)
	circuit := e.circuitForProgress(p.ContributionProgress)
	index := circuit.CurrentZkeyIndex()

	step, err := e.svc.ProgressToNextContributionStep(ctx, caller, e.ceremony.ID)
	require.NoError(e.t, err)
	require.Equal(e.t, interfaces.StepComputing, step)

	prev := e.artifact(interfaces.ZkeyKey(circuit.Prefix, index))
	if tampered {
		foreign, err := zkey.Genesis(zkey.HashConstraintSystem([]byte("other")), len(prev.G1))
		require.NoError(e.t, err)
		prev = foreign
	}
	next, err := zkey.Contribute(prev, []byte("entropy of "+caller.UserID))
	require.NoError(e.t, err)
	hash := zkey.HashHex(next.LastHash())

	require.NoError(e.t, e.svc.StoreContributionTimeAndHash(ctx, caller, e.ceremony.ID, 1500, hash))
	step, err = e.svc.ProgressToNextContributionStep(ctx, caller, e.ceremony.ID)
	require.NoError(e.t, err)
	require.Equal(e.t, interfaces.StepUploading, step)

	var transcript bytes.Buffer
	require.NoError(e.t, zkey.WriteTranscript(&transcript, next, zkey.TranscriptInfo{
		Circuit:     circuit.Name,
		ZkeyIndex:   interfaces.ZkeyIndex(index + 1),
		Participant: caller.UserID,
	}))
	e.put(interfaces.ZkeyKey(circuit.Prefix, index+1), next.Bytes())
	e.put(interfaces.TranscriptKey(circuit.Prefix, index+1), transcript.Bytes())

	step, err = e.svc.ProgressToNextContributionStep(ctx, caller, e.ceremony.ID)
	require.NoError(e.t, err)
	require.Equal(e.t, interfaces.StepVerifying, step)
	return circuit
}

// contribute runs a whole turn of the caller and returns the verification result.
func (e *testEnv) contribute(caller interfaces.Caller, tampered bool) *interfaces.VerificationResult {
	e.t.Helper()
	circuit := e.computeAndUpload(caller, tampered)
	e.clock.Add(2 * time.Second)
	res, err := e.svc.VerifyContribution(ctx, caller, e.ceremony.ID, circuit.ID, caller.UserID)
	require.NoError(e.t, err)
	return res
}

// contributeAll runs every remaining turn of the caller, assuming nobody
// else holds the circuits.
func (e *testEnv) contributeAll(caller interfaces.Caller) {
	e.t.Helper()
	for {
		p := e.participant(caller.UserID)
		switch p.Status {
		case interfaces.ParticipantDone:
			return
		case interfaces.ParticipantContributed:
			_, err := e.svc.ProgressToNextCircuit(ctx, caller, e.ceremony.ID)
			require.NoError(e.t, err)
		case interfaces.ParticipantContributing:
			res := e.contribute(caller, false)
			require.True(e.t, res.Valid)
		default:
			e.t.Fatalf("participant %s unexpectedly %s", caller.UserID, p.Status)
		}
	}
}
