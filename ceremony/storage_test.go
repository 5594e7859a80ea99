package ceremony

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
	"github.com/ruteri/zkey-ceremony-coordinator/zkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorage_UploadThroughCallables(t *testing.T) {
	e := newTestEnv(t, interfaces.TimeoutFixed, 1)
	p1, p2 := participant("p1"), participant("p2")
	_, err := e.svc.Register(ctx, p1, e.ceremony.ID)
	require.NoError(t, err)
	_, err = e.svc.Register(ctx, p2, e.ceremony.ID)
	require.NoError(t, err)

	key := interfaces.ZkeyKey("circuit1", 1)
	_, err = e.svc.StartMultipartUpload(ctx, p1, e.ceremony.ID, key)
	assert.ErrorIs(t, err, interfaces.ErrWrongStep, "only while UPLOADING")

	_, err = e.svc.ProgressToNextContributionStep(ctx, p1, e.ceremony.ID)
	require.NoError(t, err)
	genesis := e.artifact(interfaces.ZkeyKey("circuit1", 0))
	next, err := zkey.Contribute(genesis, []byte("p1"))
	require.NoError(t, err)
	require.NoError(t, e.svc.StoreContributionTimeAndHash(ctx, p1, e.ceremony.ID, 10, zkey.HashHex(next.LastHash())))
	_, err = e.svc.ProgressToNextContributionStep(ctx, p1, e.ceremony.ID)
	require.NoError(t, err)

	_, err = e.svc.StartMultipartUpload(ctx, p1, e.ceremony.ID, interfaces.ZkeyKey("circuit1", 0))
	assert.ErrorIs(t, err, interfaces.ErrForbidden, "previous artifacts are immutable")
	_, err = e.svc.StartMultipartUpload(ctx, p1, e.ceremony.ID, interfaces.ZkeyKey("circuit1", 2))
	assert.ErrorIs(t, err, interfaces.ErrForbidden)
	_, err = e.svc.StartMultipartUpload(ctx, p2, e.ceremony.ID, key)
	assert.ErrorIs(t, err, interfaces.ErrNotContributing)

	uploadID, err := e.svc.StartMultipartUpload(ctx, p1, e.ceremony.ID, key)
	require.NoError(t, err)
	require.NoError(t, e.svc.StoreUploadID(ctx, p1, e.ceremony.ID, uploadID))

	data := next.Bytes()
	half := len(data) / 2
	var parts []interfaces.Part
	for i, chunk := range [][]byte{data[:half], data[half:]} {
		etag, err := e.svc.UploadPart(ctx, p1, e.ceremony.ID, key, uploadID, i+1, bytes.NewReader(chunk), int64(len(chunk)))
		require.NoError(t, err)
		parts = append(parts, interfaces.Part{PartNumber: i + 1, ETag: etag})
		require.NoError(t, e.svc.StoreUploadedChunk(ctx, p1, e.ceremony.ID, interfaces.ChunkPart{PartNumber: i + 1, ETag: etag}))
	}

	listed, err := e.svc.ListUploadedParts(ctx, p1, e.ceremony.ID, key, uploadID)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
	assert.Equal(t, 2, e.participant("p1").TempContributionData.LastPartNumber())

	require.NoError(t, e.svc.CompleteMultipartUpload(ctx, p1, e.ceremony.ID, key, uploadID, parts))

	ok, err := e.svc.ObjectExists(ctx, p2, e.ceremony.ID, key)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = e.svc.ObjectExists(ctx, participant("stranger"), e.ceremony.ID, key)
	assert.ErrorIs(t, err, interfaces.ErrForbidden)

	rc, err := e.svc.OpenObject(ctx, coordinator, e.ceremony.ID, key)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, data, got)

	url, err := e.svc.PresignDownload(ctx, p1, e.ceremony.ID, interfaces.ZkeyKey("circuit1", 0))
	require.NoError(t, err)
	assert.NotEmpty(t, url)
	_, err = e.svc.PresignDownload(ctx, p1, e.ceremony.ID, interfaces.ZkeyKey("circuit1", 5))
	assert.ErrorIs(t, err, interfaces.ErrObjectNotFound)

	require.NoError(t, e.svc.AbortMultipartUpload(ctx, p1, e.ceremony.ID, key, "no-such-upload"))
}

func TestStorage_CreateBucketRequiresCoordinator(t *testing.T) {
	e := newTestEnv(t, interfaces.TimeoutFixed, 1)

	_, err := e.svc.CreateBucket(ctx, participant("p1"), e.ceremony.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotCoordinator)

	bucket, err := e.svc.CreateBucket(ctx, coordinator, e.ceremony.ID)
	require.NoError(t, err)
	assert.Equal(t, "trial-ph2-ceremony", bucket)
}

func TestSetup(t *testing.T) {
	e := newTestEnv(t, interfaces.TimeoutFixed, 2)

	_, err := e.svc.Setup(ctx, coordinator, interfaces.CeremonySetup{ID: e.ceremony.ID})
	assert.ErrorIs(t, err, interfaces.ErrInvalidSetup)

	circuits, err := e.svc.ListCircuits(ctx, e.ceremony.ID)
	require.NoError(t, err)
	require.Len(t, circuits, 2)
	assert.Equal(t, 1, circuits[0].SequencePosition)
	assert.Equal(t, 2, circuits[1].SequencePosition)
	assert.Positive(t, circuits[0].ZkeySizeInBytes)

	genesis := e.artifact(interfaces.ZkeyKey("circuit2", 0))
	hash, err := zkey.ParseCircuitHash(circuits[1].CircuitHash)
	require.NoError(t, err)
	require.NoError(t, zkey.VerifyGenesis(genesis, hash))
}

func TestSweepAbandonedUploads(t *testing.T) {
	e := newTestEnv(t, interfaces.TimeoutFixed, 1)
	p1 := participant("p1")
	_, err := e.svc.Register(ctx, p1, e.ceremony.ID)
	require.NoError(t, err)
	_, err = e.svc.ProgressToNextContributionStep(ctx, p1, e.ceremony.ID)
	require.NoError(t, err)
	require.NoError(t, e.svc.StoreContributionTimeAndHash(ctx, p1, e.ceremony.ID, 10, "abcd"))
	_, err = e.svc.ProgressToNextContributionStep(ctx, p1, e.ceremony.ID)
	require.NoError(t, err)

	key := interfaces.ZkeyKey("circuit1", 1)
	orphan, err := e.svc.StartMultipartUpload(ctx, p1, e.ceremony.ID, key)
	require.NoError(t, err)
	live, err := e.svc.StartMultipartUpload(ctx, p1, e.ceremony.ID, key)
	require.NoError(t, err)
	require.NoError(t, e.svc.StoreUploadID(ctx, p1, e.ceremony.ID, live))

	_, err = e.svc.SweepAbandonedUploads(ctx, p1, e.ceremony.ID, time.Hour)
	assert.ErrorIs(t, err, interfaces.ErrNotCoordinator)

	// Uploads are stamped with the wall clock by the file store.
	e.clock.Set(time.Now().Add(2 * time.Hour))
	n, err := e.svc.SweepAbandonedUploads(ctx, coordinator, e.ceremony.ID, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := e.store.ListPendingUploads(ctx, e.ceremony.BucketName())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, live, pending[0].UploadID)
	assert.NotEqual(t, orphan, pending[0].UploadID)
}
