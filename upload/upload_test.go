package upload

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
	"github.com/ruteri/zkey-ceremony-coordinator/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBucket = "trial-ph2-ceremony"

type memoryCheckpoint struct {
	mu       sync.Mutex
	uploadID string
	parts    []interfaces.Part
}

func (m *memoryCheckpoint) Load(ctx context.Context) (string, []interfaces.Part, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploadID, append([]interfaces.Part(nil), m.parts...), nil
}

func (m *memoryCheckpoint) SaveUploadID(ctx context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadID = uploadID
	m.parts = nil
	return nil
}

func (m *memoryCheckpoint) SaveChunk(ctx context.Context, part interfaces.Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts = replacePart(m.parts, part)
	return nil
}

func replacePart(parts []interfaces.Part, part interfaces.Part) []interfaces.Part {
	for i := range parts {
		if parts[i].PartNumber == part.PartNumber {
			parts[i] = part
			return parts
		}
	}
	return append(parts, part)
}

// countingStore records uploaded part numbers and can fail or interrupt
// chosen parts.
type countingStore struct {
	*storage.FileStore

	mu       sync.Mutex
	uploaded []int
	failPart int
	failures int
	onPart   func(partNumber int)

	completeErr error
}

func (s *countingStore) CompleteUpload(ctx context.Context, bucket, key, uploadID string, parts []interfaces.Part) error {
	if s.completeErr != nil {
		return s.completeErr
	}
	return s.FileStore.CompleteUpload(ctx, bucket, key, uploadID, parts)
}

func (s *countingStore) UploadChunk(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.ReadSeeker, size int64) (string, error) {
	s.mu.Lock()
	if partNumber == s.failPart && s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		s.mu.Unlock()
		return "", errors.New("connection reset")
	}
	s.uploaded = append(s.uploaded, partNumber)
	s.mu.Unlock()

	etag, err := s.FileStore.UploadChunk(ctx, bucket, key, uploadID, partNumber, r, size)
	if err == nil && s.onPart != nil {
		s.onPart(partNumber)
	}
	return etag, err
}

func newStore(t *testing.T) *countingStore {
	fs, err := storage.NewFileStore(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, fs.CreateBucket(context.Background(), testBucket))
	return &countingStore{FileStore: fs}
}

func testConfig() Config {
	return Config{ChunkSize: 1024, MaxRetries: 2, Backoff: time.Millisecond}
}

func randomBytes(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func readObject(t *testing.T, s *countingStore, key string) []byte {
	rc, err := s.Get(context.Background(), testBucket, key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestUpload_FourChunkRoundTrip(t *testing.T) {
	s := newStore(t)
	c := NewCoordinator(s, testBucket, testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	data := randomBytes(t, 3*1024+100)
	require.Equal(t, 4, c.ChunkCount(int64(len(data))))

	cp := &memoryCheckpoint{}
	require.NoError(t, c.Upload(context.Background(), "circuits/mult/contributions/mult_00001.zkey", bytes.NewReader(data), int64(len(data)), cp))

	assert.Equal(t, []int{1, 2, 3, 4}, s.uploaded)
	assert.Len(t, cp.parts, 4)
	assert.Equal(t, data, readObject(t, s, "circuits/mult/contributions/mult_00001.zkey"))
}

func TestUpload_ResumeDoesNotRetransmit(t *testing.T) {
	s := newStore(t)
	c := NewCoordinator(s, testBucket, testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	data := randomBytes(t, 4*1024)
	key := "circuits/mult/contributions/mult_00002.zkey"
	cp := &memoryCheckpoint{}

	ctx, cancel := context.WithCancel(context.Background())
	s.onPart = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	err := c.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), cp)
	require.ErrorIs(t, err, context.Canceled)
	require.NotEmpty(t, cp.uploadID)

	pending, err := s.ListPendingUploads(context.Background(), testBucket)
	require.NoError(t, err)
	require.Len(t, pending, 1, "interrupted upload must stay resumable")

	s.onPart = nil
	s.uploaded = nil
	require.NoError(t, c.Upload(context.Background(), key, bytes.NewReader(data), int64(len(data)), cp))

	assert.Equal(t, []int{3, 4}, s.uploaded)
	assert.Equal(t, data, readObject(t, s, key))
}

func TestUpload_TransientFailureRetried(t *testing.T) {
	s := newStore(t)
	s.failPart, s.failures = 2, 1
	c := NewCoordinator(s, testBucket, testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	data := randomBytes(t, 2*1024)

	require.NoError(t, c.Upload(context.Background(), "obj", bytes.NewReader(data), int64(len(data)), &memoryCheckpoint{}))
	assert.Equal(t, data, readObject(t, s, "obj"))
}

func TestUpload_ExhaustionAborts(t *testing.T) {
	s := newStore(t)
	s.failPart, s.failures = 2, -1
	c := NewCoordinator(s, testBucket, testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	data := randomBytes(t, 3*1024)

	err := c.Upload(context.Background(), "obj", bytes.NewReader(data), int64(len(data)), &memoryCheckpoint{})
	require.ErrorIs(t, err, interfaces.ErrUploadFailed)

	pending, err := s.ListPendingUploads(context.Background(), testBucket)
	require.NoError(t, err)
	assert.Empty(t, pending)
	exists, err := s.Exists(context.Background(), testBucket, "obj")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUpload_MismatchedCheckpointResent(t *testing.T) {
	s := newStore(t)
	c := NewCoordinator(s, testBucket, testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	data := randomBytes(t, 4*1024)
	key := "circuits/mult/contributions/mult_00003.zkey"
	cp := &memoryCheckpoint{}

	ctx, cancel := context.WithCancel(context.Background())
	s.onPart = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	err := c.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), cp)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, cp.parts, 3)

	cp.parts[1].ETag = `"0000"`
	s.onPart = nil
	s.uploaded = nil
	require.NoError(t, c.Upload(context.Background(), key, bytes.NewReader(data), int64(len(data)), cp))

	assert.Equal(t, []int{4, 2}, s.uploaded)
	assert.Equal(t, data, readObject(t, s, key))
}

func TestUpload_CompletionExhaustionAborts(t *testing.T) {
	s := newStore(t)
	s.completeErr = fmt.Errorf("%w: part 1 eTag mismatch", interfaces.ErrIncompleteOrMismatchedParts)
	c := NewCoordinator(s, testBucket, testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	data := randomBytes(t, 2*1024)

	err := c.Upload(context.Background(), "obj", bytes.NewReader(data), int64(len(data)), &memoryCheckpoint{})
	require.ErrorIs(t, err, interfaces.ErrUploadFailed)
	require.ErrorIs(t, err, interfaces.ErrIncompleteOrMismatchedParts)

	pending, err := s.ListPendingUploads(context.Background(), testBucket)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSweeper(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	owned, err := s.BeginUpload(ctx, testBucket, "owned")
	require.NoError(t, err)
	_, err = s.BeginUpload(ctx, testBucket, "abandoned")
	require.NoError(t, err)

	clk := clock.NewMock()
	clk.Set(time.Now())
	sweeper := NewSweeper(s, clk, slog.New(slog.NewTextHandler(io.Discard, nil)))
	isOwned := func(u interfaces.PendingUpload) bool { return u.UploadID == owned }

	n, err := sweeper.Sweep(ctx, testBucket, time.Hour, isOwned)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "recent uploads are kept")

	clk.Add(2 * time.Hour)
	n, err = sweeper.Sweep(ctx, testBucket, time.Hour, isOwned)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := s.ListPendingUploads(ctx, testBucket)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, owned, pending[0].UploadID)
}
