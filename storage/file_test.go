package storage

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return store
}

func uploadChunks(t *testing.T, store *FileStore, bucket, key, uploadID string, chunks [][]byte) []interfaces.Part {
	t.Helper()
	var parts []interfaces.Part
	for i, c := range chunks {
		etag, err := store.UploadChunk(context.Background(), bucket, key, uploadID, i+1, bytes.NewReader(c), int64(len(c)))
		require.NoError(t, err)
		parts = append(parts, interfaces.Part{PartNumber: i + 1, ETag: etag})
	}
	return parts
}

func TestFileStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	require.NoError(t, store.CreateBucket(ctx, "trial-ph2-ceremony"))

	require.NoError(t, store.Put(ctx, "trial-ph2-ceremony", "circuits/m/m_00000.zkey", strings.NewReader("genesis"), 7))
	ok, err := store.Exists(ctx, "trial-ph2-ceremony", "circuits/m/m_00000.zkey")
	require.NoError(t, err)
	assert.True(t, ok)

	r, err := store.Get(ctx, "trial-ph2-ceremony", "circuits/m/m_00000.zkey")
	require.NoError(t, err)
	data, _ := io.ReadAll(r)
	r.Close()
	assert.Equal(t, "genesis", string(data))

	require.NoError(t, store.Delete(ctx, "trial-ph2-ceremony", "circuits/m/m_00000.zkey"))
	require.NoError(t, store.Delete(ctx, "trial-ph2-ceremony", "circuits/m/m_00000.zkey"))
	_, err = store.Get(ctx, "trial-ph2-ceremony", "circuits/m/m_00000.zkey")
	assert.ErrorIs(t, err, interfaces.ErrObjectNotFound)

	_, err = store.Get(ctx, "trial-ph2-ceremony", "../../etc/passwd")
	assert.ErrorIs(t, err, interfaces.ErrObjectNotFound, "keys cannot escape the bucket")
}

func TestFileStore_MultipartFourChunks(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	bucket, key := "b", "circuits/m/m_00001.zkey"

	chunks := [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cccc"), []byte("dd")}

	t.Run("matching eTags assemble the object", func(t *testing.T) {
		uploadID, err := store.BeginUpload(ctx, bucket, key)
		require.NoError(t, err)
		parts := uploadChunks(t, store, bucket, key, uploadID, chunks)

		require.NoError(t, store.CompleteUpload(ctx, bucket, key, uploadID, parts))
		r, err := store.Get(ctx, bucket, key)
		require.NoError(t, err)
		data, _ := io.ReadAll(r)
		r.Close()
		assert.Equal(t, "aaaabbbbccccdd", string(data))

		pending, err := store.ListPendingUploads(ctx, bucket)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("mismatched eTag is rejected", func(t *testing.T) {
		uploadID, err := store.BeginUpload(ctx, bucket, key)
		require.NoError(t, err)
		parts := uploadChunks(t, store, bucket, key, uploadID, chunks)
		parts[2].ETag = `"00000000000000000000000000000000"`

		err = store.CompleteUpload(ctx, bucket, key, uploadID, parts)
		assert.ErrorIs(t, err, interfaces.ErrIncompleteOrMismatchedParts)
	})

	t.Run("missing part is rejected", func(t *testing.T) {
		uploadID, err := store.BeginUpload(ctx, bucket, key)
		require.NoError(t, err)
		parts := uploadChunks(t, store, bucket, key, uploadID, chunks)

		err = store.CompleteUpload(ctx, bucket, key, uploadID, append(parts[:1:1], parts[2:]...))
		assert.ErrorIs(t, err, interfaces.ErrIncompleteOrMismatchedParts)
		err = store.CompleteUpload(ctx, bucket, key, uploadID, parts[:3])
		assert.ErrorIs(t, err, interfaces.ErrIncompleteOrMismatchedParts)
	})
}

func TestFileStore_ListPartsAndAbort(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	bucket, key := "b", "k.zkey"

	uploadID, err := store.BeginUpload(ctx, bucket, key)
	require.NoError(t, err)
	parts := uploadChunks(t, store, bucket, key, uploadID, [][]byte{[]byte("x"), []byte("y")})

	listed, err := store.ListParts(ctx, bucket, key, uploadID)
	require.NoError(t, err)
	assert.Equal(t, parts, listed)

	pending, err := store.ListPendingUploads(ctx, bucket)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uploadID, pending[0].UploadID)
	assert.WithinDuration(t, time.Now(), pending[0].Initiated, time.Minute)

	require.NoError(t, store.AbortUpload(ctx, bucket, key, uploadID))
	_, err = store.ListParts(ctx, bucket, key, uploadID)
	assert.ErrorIs(t, err, interfaces.ErrUploadNotFound)

	_, err = store.UploadChunk(ctx, bucket, key, "not-an-upload", 1, bytes.NewReader(nil), 0)
	assert.ErrorIs(t, err, interfaces.ErrUploadNotFound)
}

func TestStoreFactory(t *testing.T) {
	f := NewStoreFactory(slog.New(slog.NewTextHandler(io.Discard, nil)))

	store, err := f.ArtifactStoreFor("file://" + t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	store, err = f.ArtifactStoreFor("s3://key:secret@/?region=eu-west-1&endpoint=http://localhost:9000&path-style=true")
	require.NoError(t, err)
	assert.IsType(t, &S3Store{}, store)

	_, err = f.ArtifactStoreFor("ftp://host/path")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	pub, err := f.PublisherFor([]string{"ipfs://localhost:5001/?timeout=5s", "ipfs://other:5001"})
	require.NoError(t, err)
	assert.IsType(t, &MultiPublisher{}, pub)

	_, err = f.PublisherFor([]string{"file:///tmp"})
	assert.Error(t, err)
}
