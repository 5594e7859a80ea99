package ceremony

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/zkey-ceremony-coordinator/coordination"
	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
	"github.com/ruteri/zkey-ceremony-coordinator/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_FIFOAcrossTwoParticipants(t *testing.T) {
	e := newTestEnv(t, interfaces.TimeoutFixed, 2)
	p1, p2 := participant("p1"), participant("p2")

	got, err := e.svc.Register(ctx, p1, e.ceremony.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ParticipantContributing, got.Status)
	assert.Equal(t, interfaces.StepDownloading, got.ContributionStep)
	assert.Equal(t, startTime, got.ContributionStartedAt)

	got, err = e.svc.Register(ctx, p2, e.ceremony.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ParticipantWaiting, got.Status)

	c1 := e.circuit("circuit1")
	assert.Equal(t, "p1", c1.Queue().CurrentContributor)
	assert.Equal(t, []string{"p2"}, c1.Queue().Contributors())

	res := e.contribute(p1, false)
	assert.True(t, res.Valid)

	c1 = e.circuit("circuit1")
	assert.Equal(t, 1, c1.Queue().CompletedContributions)
	assert.Equal(t, "p2", c1.Queue().CurrentContributor)
	assert.Empty(t, c1.Queue().Contributors())

	first := e.participant("p1")
	assert.Equal(t, interfaces.ParticipantContributed, first.Status)
	assert.Equal(t, interfaces.StepCompleted, first.ContributionStep)
	assert.Equal(t, 2, first.ContributionProgress)
	require.Len(t, first.Contributions, 1)
	assert.Equal(t, "00001", first.Contributions[0].ZkeyIndex)
	assert.Nil(t, first.TempContributionData)

	second := e.participant("p2")
	assert.Equal(t, interfaces.ParticipantContributing, second.Status)
	assert.Equal(t, interfaces.StepDownloading, second.ContributionStep)

	var record interfaces.Contribution
	found, err := e.db.Get(ctx, interfaces.ContributionPath(e.ceremony.ID, "circuit1", "00001"), &record)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "p1", record.ParticipantID)
	assert.True(t, record.Valid)
	assert.Equal(t, first.Contributions[0].Hash, record.Hash)
	assert.Equal(t, int64(2000), record.FullContributionTime)

	moved, err := e.svc.ProgressToNextCircuit(ctx, p1, e.ceremony.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ParticipantContributing, moved.Status, "circuit2 is idle")
	assert.Equal(t, "p1", e.circuit("circuit2").Queue().CurrentContributor)

	res = e.contribute(p2, false)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, e.circuit("circuit1").Queue().CompletedContributions)
	assert.Empty(t, e.circuit("circuit1").Queue().CurrentContributor)

	moved, err = e.svc.ProgressToNextCircuit(ctx, p2, e.ceremony.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ParticipantWaiting, moved.Status, "p1 still holds circuit2")
	assert.Equal(t, []string{"p2"}, e.circuit("circuit2").Queue().Contributors())
}

func TestRegister_QueueCapacity(t *testing.T) {
	e := newTestEnv(t, interfaces.TimeoutFixed, 1)
	c := e.circuit("circuit1")
	q := queue.New(1)
	q.CurrentContributor = c.Queue().CurrentContributor
	c.WaitingQueue = q
	require.NoError(t, e.db.RunTransaction(ctx, func(tx coordination.Tx) error {
		return tx.Set(interfaces.CircuitPath(e.ceremony.ID, c.ID), c)
	}))

	for _, id := range []string{"p1", "p2"} {
		_, err := e.svc.Register(ctx, participant(id), e.ceremony.ID)
		require.NoError(t, err)
	}
	_, err := e.svc.Register(ctx, participant("p3"), e.ceremony.ID)
	require.ErrorIs(t, err, queue.ErrQueueFull)

	_, err = e.svc.GetParticipant(ctx, participant("p3"), e.ceremony.ID, "p3")
	assert.ErrorIs(t, err, interfaces.ErrParticipantNotFound, "a refused registration leaves no participant")
	assert.Equal(t, 1, e.circuit("circuit1").Queue().Capacity())
}

func TestRegister_Errors(t *testing.T) {
	e := newTestEnv(t, interfaces.TimeoutFixed, 1)

	_, err := e.svc.Register(ctx, participant("p1"), e.ceremony.ID)
	require.NoError(t, err)
	_, err = e.svc.Register(ctx, participant("p1"), e.ceremony.ID)
	assert.ErrorIs(t, err, interfaces.ErrAlreadyRegistered)

	_, err = e.svc.Register(ctx, participant("p1"), "missing")
	assert.ErrorIs(t, err, interfaces.ErrCeremonyNotFound)

	_, err = e.svc.PauseCeremony(ctx, coordinator, e.ceremony.ID)
	require.NoError(t, err)
	_, err = e.svc.Register(ctx, participant("p2"), e.ceremony.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotOpen)
	_, err = e.svc.CheckParticipant(ctx, participant("p2"), e.ceremony.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotOpen)

	_, err = e.svc.OpenCeremony(ctx, participant("p2"), e.ceremony.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotCoordinator)
}

func TestRegister_AtMostOneContributorPerCircuit(t *testing.T) {
	e := newTestEnv(t, interfaces.TimeoutFixed, 1)
	e.db.WithMaxAttempts(1000)

	const n = 12
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.svc.Register(ctx, participant(fmt.Sprintf("p%02d", i)), e.ceremony.ID)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	contributing := 0
	for i := 0; i < n; i++ {
		if e.participant(fmt.Sprintf("p%02d", i)).Status == interfaces.ParticipantContributing {
			contributing++
		}
	}
	assert.Equal(t, 1, contributing)

	q := e.circuit("circuit1").Queue()
	assert.NotEmpty(t, q.CurrentContributor)
	assert.Equal(t, n-1, q.Len())
	assert.NotContains(t, q.Contributors(), q.CurrentContributor)
}

func TestCheckParticipant(t *testing.T) {
	e := newTestEnv(t, interfaces.TimeoutFixed, 1)

	ok, err := e.svc.CheckParticipant(ctx, participant("p1"), e.ceremony.ID)
	require.NoError(t, err)
	assert.True(t, ok, "unregistered callers may register")

	_, err = e.svc.Register(ctx, participant("p1"), e.ceremony.ID)
	require.NoError(t, err)
	e.contributeAll(participant("p1"))

	ok, err = e.svc.CheckParticipant(ctx, participant("p1"), e.ceremony.ID)
	require.NoError(t, err)
	assert.False(t, ok, "participants that contributed everywhere are done")
}

func TestCompletedContributionsMatchRecords(t *testing.T) {
	e := newTestEnv(t, interfaces.TimeoutFixed, 2)
	callers := []interfaces.Caller{participant("a"), participant("b"), participant("c")}

	last := map[string]int{}
	check := func() {
		for _, id := range []string{"circuit1", "circuit2"} {
			c := e.circuit(id)
			records, err := e.svc.ListContributions(ctx, e.ceremony.ID, id)
			require.NoError(t, err)
			assert.Len(t, records, c.Queue().CompletedContributions)
			assert.GreaterOrEqual(t, c.Queue().CompletedContributions, last[id])
			last[id] = c.Queue().CompletedContributions
		}
	}

	for i, caller := range callers {
		_, err := e.svc.Register(ctx, caller, e.ceremony.ID)
		require.NoError(t, err)
		check()
		// The second participant submits a bad artifact on its first circuit.
		if i == 1 {
			res := e.contribute(caller, true)
			require.False(t, res.Valid)
			check()
		}
		e.contributeAll(caller)
		check()
	}

	assert.Equal(t, 2, e.circuit("circuit1").Queue().CompletedContributions)
	assert.Equal(t, 1, e.circuit("circuit1").Queue().FailedContributions)
	assert.Equal(t, 3, e.circuit("circuit2").Queue().CompletedContributions)

	rejected, err := e.db.List(ctx, interfaces.RejectedCollectionPath(e.ceremony.ID, "circuit1"))
	require.NoError(t, err)
	assert.Len(t, rejected, 1)
}

func TestInvalidContribution(t *testing.T) {
	e := newTestEnv(t, interfaces.TimeoutFixed, 2)
	p1 := participant("p1")
	_, err := e.svc.Register(ctx, p1, e.ceremony.ID)
	require.NoError(t, err)
	_, err = e.svc.Register(ctx, participant("p2"), e.ceremony.ID)
	require.NoError(t, err)

	res := e.contribute(p1, true)
	assert.False(t, res.Valid)

	c1 := e.circuit("circuit1")
	assert.Equal(t, 0, c1.Queue().CompletedContributions)
	assert.Equal(t, 1, c1.Queue().FailedContributions)
	assert.Equal(t, "p2", c1.Queue().CurrentContributor)

	exists, err := e.store.Exists(ctx, e.ceremony.BucketName(), interfaces.ZkeyKey("circuit1", 1))
	require.NoError(t, err)
	assert.False(t, exists, "rejected artifact is deleted")

	p := e.participant("p1")
	assert.Equal(t, interfaces.ParticipantContributed, p.Status)
	require.Len(t, p.Contributions, 1)
	assert.False(t, p.Contributions[0].Valid)
	assert.Empty(t, p.Contributions[0].ZkeyIndex)

	// The next contributor builds on the genesis artifact again.
	res = e.contribute(participant("p2"), false)
	assert.True(t, res.Valid)
	assert.Equal(t, 1, e.circuit("circuit1").CurrentZkeyIndex())
}

func TestSteps_Errors(t *testing.T) {
	e := newTestEnv(t, interfaces.TimeoutFixed, 1)
	p1, p2 := participant("p1"), participant("p2")
	_, err := e.svc.Register(ctx, p1, e.ceremony.ID)
	require.NoError(t, err)
	_, err = e.svc.Register(ctx, p2, e.ceremony.ID)
	require.NoError(t, err)

	err = e.svc.StoreContributionTimeAndHash(ctx, p1, e.ceremony.ID, 10, "abcd")
	assert.ErrorIs(t, err, interfaces.ErrWrongStep)

	_, err = e.svc.ProgressToNextContributionStep(ctx, p2, e.ceremony.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotContributing)

	_, err = e.svc.ProgressToNextContributionStep(ctx, p1, e.ceremony.ID)
	require.NoError(t, err)
	_, err = e.svc.ProgressToNextContributionStep(ctx, p1, e.ceremony.ID)
	assert.ErrorIs(t, err, interfaces.ErrWrongStep, "hash must be stored before uploading")

	require.NoError(t, e.svc.StoreContributionTimeAndHash(ctx, p1, e.ceremony.ID, 10, "ABCD"))
	assert.Equal(t, "abcd", e.participant("p1").TempContributionData.Hash)

	err = e.svc.StoreUploadedChunk(ctx, p1, e.ceremony.ID, interfaces.ChunkPart{PartNumber: 1, ETag: `"x"`})
	assert.ErrorIs(t, err, interfaces.ErrWrongStep)

	_, err = e.svc.ProgressToNextContributionStep(ctx, p1, e.ceremony.ID)
	require.NoError(t, err)
	err = e.svc.StoreUploadedChunk(ctx, p1, e.ceremony.ID, interfaces.ChunkPart{PartNumber: 1, ETag: `"x"`})
	assert.ErrorIs(t, err, interfaces.ErrUploadNotFound)

	require.NoError(t, e.svc.StoreUploadID(ctx, p1, e.ceremony.ID, "upload-1"))
	require.NoError(t, e.svc.StoreUploadedChunk(ctx, p1, e.ceremony.ID, interfaces.ChunkPart{PartNumber: 2, ETag: `"b"`}))
	require.NoError(t, e.svc.StoreUploadedChunk(ctx, p1, e.ceremony.ID, interfaces.ChunkPart{PartNumber: 1, ETag: `"a"`}))
	require.NoError(t, e.svc.StoreUploadedChunk(ctx, p1, e.ceremony.ID, interfaces.ChunkPart{PartNumber: 1, ETag: `"a2"`}))
	temp := e.participant("p1").TempContributionData
	assert.Equal(t, []interfaces.ChunkPart{{PartNumber: 1, ETag: `"a2"`}, {PartNumber: 2, ETag: `"b"`}}, temp.Chunks)
	assert.Equal(t, 2, temp.LastPartNumber())

	require.NoError(t, e.svc.StoreUploadID(ctx, p1, e.ceremony.ID, "upload-2"))
	assert.Empty(t, e.participant("p1").TempContributionData.Chunks)

	_, err = e.svc.ProgressToNextContributionStep(ctx, p1, e.ceremony.ID)
	require.NoError(t, err)
	assert.Equal(t, startTime, e.participant("p1").VerificationStartedAt)
	_, err = e.svc.ProgressToNextContributionStep(ctx, p1, e.ceremony.ID)
	assert.ErrorIs(t, err, interfaces.ErrWrongStep, "VERIFYING is completed by the server")

	_, err = e.svc.VerifyContribution(ctx, p1, e.ceremony.ID, "other-circuit", "p1")
	assert.ErrorIs(t, err, interfaces.ErrStaleContributor)
	_, err = e.svc.VerifyContribution(ctx, p2, e.ceremony.ID, "circuit1", "p1")
	assert.ErrorIs(t, err, interfaces.ErrForbidden)
}

func TestWatchParticipant(t *testing.T) {
	e := newTestEnv(t, interfaces.TimeoutFixed, 1)
	p1, p2 := participant("p1"), participant("p2")
	_, err := e.svc.Register(ctx, p1, e.ceremony.ID)
	require.NoError(t, err)
	_, err = e.svc.Register(ctx, p2, e.ceremony.ID)
	require.NoError(t, err)

	p, version, err := e.svc.WatchParticipant(ctx, p2, e.ceremony.ID, "p2", 0)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ParticipantWaiting, p.Status)
	require.Positive(t, version)

	type result struct {
		p   *interfaces.Participant
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, _, err := e.svc.WatchParticipant(ctx, p2, e.ceremony.ID, "p2", version)
		done <- result{p, err}
	}()

	e.contribute(p1, false)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, interfaces.ParticipantContributing, r.p.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not observe the promotion")
	}

	_, _, err = e.svc.WatchParticipant(ctx, p1, e.ceremony.ID, "p2", 0)
	assert.ErrorIs(t, err, interfaces.ErrForbidden)
}
