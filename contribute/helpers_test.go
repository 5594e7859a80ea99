package contribute

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/zkey-ceremony-coordinator/ceremony"
	"github.com/ruteri/zkey-ceremony-coordinator/coordination"
	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
	"github.com/ruteri/zkey-ceremony-coordinator/storage"
	"github.com/ruteri/zkey-ceremony-coordinator/upload"
	"github.com/ruteri/zkey-ceremony-coordinator/zkey"
	"github.com/stretchr/testify/require"
)

var coordinator = interfaces.Caller{UserID: "coordinator", Role: interfaces.RoleCoordinator}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testUploadConfig() upload.Config {
	return upload.Config{ChunkSize: 256, MaxRetries: 2, Backoff: time.Millisecond}
}

// serviceClient calls an in-process ceremony service as one caller.
type serviceClient struct {
	svc    *ceremony.Service
	caller interfaces.Caller
}

func (c *serviceClient) GetCeremony(ctx context.Context, ceremonyID string) (*interfaces.Ceremony, error) {
	return c.svc.GetCeremony(ctx, ceremonyID)
}

func (c *serviceClient) ListCircuits(ctx context.Context, ceremonyID string) ([]*interfaces.Circuit, error) {
	return c.svc.ListCircuits(ctx, ceremonyID)
}

func (c *serviceClient) CheckParticipant(ctx context.Context, ceremonyID string) (bool, error) {
	return c.svc.CheckParticipant(ctx, c.caller, ceremonyID)
}

func (c *serviceClient) Register(ctx context.Context, ceremonyID string) (*interfaces.Participant, error) {
	return c.svc.Register(ctx, c.caller, ceremonyID)
}

func (c *serviceClient) Resume(ctx context.Context, ceremonyID string) (*interfaces.Participant, error) {
	return c.svc.Resume(ctx, c.caller, ceremonyID)
}

func (c *serviceClient) WatchParticipant(ctx context.Context, ceremonyID string, since int64) (*interfaces.Participant, int64, error) {
	return c.svc.WatchParticipant(ctx, c.caller, ceremonyID, c.caller.UserID, since)
}

func (c *serviceClient) ProgressToNextContributionStep(ctx context.Context, ceremonyID string) (interfaces.ContributionStep, error) {
	return c.svc.ProgressToNextContributionStep(ctx, c.caller, ceremonyID)
}

func (c *serviceClient) ProgressToNextCircuit(ctx context.Context, ceremonyID string) (*interfaces.Participant, error) {
	return c.svc.ProgressToNextCircuit(ctx, c.caller, ceremonyID)
}

func (c *serviceClient) StoreContributionTimeAndHash(ctx context.Context, ceremonyID string, computationTime int64, hash string) error {
	return c.svc.StoreContributionTimeAndHash(ctx, c.caller, ceremonyID, computationTime, hash)
}

func (c *serviceClient) StoreUploadID(ctx context.Context, ceremonyID, uploadID string) error {
	return c.svc.StoreUploadID(ctx, c.caller, ceremonyID, uploadID)
}

func (c *serviceClient) StoreUploadedChunk(ctx context.Context, ceremonyID string, chunk interfaces.ChunkPart) error {
	return c.svc.StoreUploadedChunk(ctx, c.caller, ceremonyID, chunk)
}

func (c *serviceClient) VerifyContribution(ctx context.Context, ceremonyID, circuitID string) (*interfaces.VerificationResult, error) {
	return c.svc.VerifyContribution(ctx, c.caller, ceremonyID, circuitID, c.caller.UserID)
}

func (c *serviceClient) ObjectExists(ctx context.Context, ceremonyID, key string) (bool, error) {
	return c.svc.ObjectExists(ctx, c.caller, ceremonyID, key)
}

func (c *serviceClient) OpenObject(ctx context.Context, ceremonyID, key string) (io.ReadCloser, error) {
	return c.svc.OpenObject(ctx, c.caller, ceremonyID, key)
}

// serviceStorage routes multipart uploads through the service callables
// of one ceremony and records the uploaded part numbers.
type serviceStorage struct {
	client     *serviceClient
	ceremonyID string

	mu       sync.Mutex
	uploaded []int
	onPart   func(ctx context.Context, partNumber int) error
}

func (s *serviceStorage) BeginUpload(ctx context.Context, bucket, key string) (string, error) {
	return s.client.svc.StartMultipartUpload(ctx, s.client.caller, s.ceremonyID, key)
}

func (s *serviceStorage) UploadChunk(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.ReadSeeker, size int64) (string, error) {
	if s.onPart != nil {
		if err := s.onPart(ctx, partNumber); err != nil {
			return "", err
		}
	}
	etag, err := s.client.svc.UploadPart(ctx, s.client.caller, s.ceremonyID, key, uploadID, partNumber, r, size)
	if err == nil {
		s.mu.Lock()
		s.uploaded = append(s.uploaded, partNumber)
		s.mu.Unlock()
	}
	return etag, err
}

func (s *serviceStorage) CompleteUpload(ctx context.Context, bucket, key, uploadID string, parts []interfaces.Part) error {
	return s.client.svc.CompleteMultipartUpload(ctx, s.client.caller, s.ceremonyID, key, uploadID, parts)
}

func (s *serviceStorage) ListParts(ctx context.Context, bucket, key, uploadID string) ([]interfaces.Part, error) {
	return s.client.svc.ListUploadedParts(ctx, s.client.caller, s.ceremonyID, key, uploadID)
}

func (s *serviceStorage) AbortUpload(ctx context.Context, bucket, key, uploadID string) error {
	return s.client.svc.AbortMultipartUpload(ctx, s.client.caller, s.ceremonyID, key, uploadID)
}

type testCeremony struct {
	svc      *ceremony.Service
	db       *coordination.MemoryStore
	ceremony *interfaces.Ceremony
}

func newTestCeremony(t *testing.T, circuits int) *testCeremony {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	store, err := storage.NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	db := coordination.NewMemoryStore(testLogger())
	svc := ceremony.NewService(db, store, clk, testLogger())

	setup := interfaces.CeremonySetup{
		ID:               "trial",
		Prefix:           "trial",
		Title:            "Trial",
		TimeoutMechanism: interfaces.TimeoutFixed,
		Penalty:          5,
		StartDate:        clk.Now(),
		EndDate:          clk.Now().Add(24 * time.Hour),
	}
	for i := 1; i <= circuits; i++ {
		prefix := fmt.Sprintf("circuit%d", i)
		h := zkey.HashConstraintSystem([]byte(prefix))
		setup.Circuits = append(setup.Circuits, interfaces.CircuitSetup{
			ID:               prefix,
			Name:             prefix,
			Prefix:           prefix,
			SequencePosition: i,
			FixedTimeWindow:  10,
			CircuitHash:      hex.EncodeToString(h[:]),
			Powers:           8,
		})
	}

	ctx := context.Background()
	c, err := svc.Setup(ctx, coordinator, setup)
	require.NoError(t, err)
	c, err = svc.OpenCeremony(ctx, coordinator, c.ID)
	require.NoError(t, err)
	return &testCeremony{svc: svc, db: db, ceremony: c}
}

func (tc *testCeremony) runner(userID, workDir string) (*Runner, *serviceStorage) {
	client := &serviceClient{svc: tc.svc, caller: interfaces.Caller{UserID: userID, Role: interfaces.RoleParticipant}}
	store := &serviceStorage{client: client, ceremonyID: tc.ceremony.ID}
	r := NewRunner(client, store, Config{
		CeremonyID: tc.ceremony.ID,
		WorkDir:    workDir,
		Upload:     testUploadConfig(),
	}, testLogger())
	return r, store
}
