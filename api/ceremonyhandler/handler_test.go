package ceremonyhandler

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/zkey-ceremony-coordinator/auth"
	"github.com/ruteri/zkey-ceremony-coordinator/ceremony"
	"github.com/ruteri/zkey-ceremony-coordinator/contribute"
	"github.com/ruteri/zkey-ceremony-coordinator/coordination"
	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
	"github.com/ruteri/zkey-ceremony-coordinator/storage"
	"github.com/ruteri/zkey-ceremony-coordinator/upload"
	"github.com/ruteri/zkey-ceremony-coordinator/zkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ contribute.Coordinator = (*Client)(nil)
	_ upload.Multipart       = (*Storage)(nil)
)

type testServer struct {
	t      *testing.T
	srv    *httptest.Server
	svc    *ceremony.Service
	tokens *auth.JWTManager
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)
	svc := ceremony.NewService(coordination.NewMemoryStore(logger), store, clock.New(), logger)
	tokens := auth.NewJWTManager("test-secret", "test", time.Hour)

	mux := chi.NewRouter()
	NewHandler(svc, tokens, cfg, logger).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testServer{t: t, srv: srv, svc: svc, tokens: tokens}
}

func (ts *testServer) client(userID string, role interfaces.Role) *Client {
	token, err := ts.tokens.Generate(userID, role)
	require.NoError(ts.t, err)
	return NewClient(ts.srv.URL, token)
}

func testSetup(circuits int) interfaces.CeremonySetup {
	now := time.Now()
	setup := interfaces.CeremonySetup{
		ID:               "trial",
		Prefix:           "trial",
		Title:            "Trial",
		TimeoutMechanism: interfaces.TimeoutFixed,
		Penalty:          5,
		StartDate:        now.Add(-time.Minute),
		EndDate:          now.Add(24 * time.Hour),
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
	return setup
}

// openCeremony creates and opens a ceremony over the API and returns the
// coordinator client.
func (ts *testServer) openCeremony(circuits int) *Client {
	ctx := context.Background()
	admin := ts.client("coordinator", interfaces.RoleCoordinator)
	c, err := admin.Setup(ctx, testSetup(circuits))
	require.NoError(ts.t, err)
	assert.Equal(ts.t, "coordinator", c.CoordinatorID)
	c, err = admin.OpenCeremony(ctx, c.ID)
	require.NoError(ts.t, err)
	assert.Equal(ts.t, interfaces.CeremonyOpened, c.State)
	return admin
}

func TestHandler_RequiresToken(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.openCeremony(1)

	resp, err := http.Post(ts.srv.URL+"/api/ceremonies/trial/register", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	forged := NewClient(ts.srv.URL, "not-a-token")
	_, err = forged.Register(context.Background(), "trial")
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)

	resp, err = http.Get(ts.srv.URL + "/api/ceremonies/trial/circuits")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "circuit listing is public")
}

func TestClient_ErrorsSurviveTheWire(t *testing.T) {
	ts := newTestServer(t, Config{})
	ctx := context.Background()
	admin := ts.openCeremony(1)

	_, err := admin.Setup(ctx, testSetup(1))
	assert.ErrorIs(t, err, interfaces.ErrCeremonyExists)

	alice := ts.client("alice", interfaces.RoleParticipant)
	_, err = alice.GetCeremony(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrCeremonyNotFound)

	ok, err := alice.CheckParticipant(ctx, "trial")
	require.NoError(t, err)
	assert.True(t, ok)

	p, err := alice.Register(ctx, "trial")
	require.NoError(t, err)
	assert.Equal(t, interfaces.ParticipantContributing, p.Status)

	_, err = alice.Register(ctx, "trial")
	assert.ErrorIs(t, err, interfaces.ErrAlreadyRegistered)

	_, err = alice.CloseCeremony(ctx, "trial")
	assert.ErrorIs(t, err, interfaces.ErrNotCoordinator)

	_, err = alice.GetParticipant(ctx, "trial", "bob")
	assert.ErrorIs(t, err, interfaces.ErrForbidden)

	bob := ts.client("bob", interfaces.RoleParticipant)
	_, err = bob.ProgressToNextContributionStep(ctx, "trial")
	assert.ErrorIs(t, err, interfaces.ErrParticipantNotFound)

	err = alice.StoreUploadID(ctx, "trial", "upload")
	assert.ErrorIs(t, err, interfaces.ErrWrongStep)

	other, err := admin.GetParticipant(ctx, "trial", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", other.UserID)
}

func TestClient_WatchParticipant(t *testing.T) {
	ts := newTestServer(t, Config{WatchTimeout: 100 * time.Millisecond})
	ctx := context.Background()
	ts.openCeremony(1)
	alice := ts.client("alice", interfaces.RoleParticipant)

	_, err := alice.Register(ctx, "trial")
	require.NoError(t, err)

	p, version, err := alice.WatchParticipant(ctx, "trial", 0)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ParticipantContributing, p.Status)
	require.Positive(t, version)

	start := time.Now()
	_, same, err := alice.WatchParticipant(ctx, "trial", version)
	require.NoError(t, err)
	assert.Equal(t, version, same, "nothing changed before the watch timeout")
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	changed := make(chan int64, 1)
	go func() {
		_, v, err := alice.WatchParticipant(ctx, "trial", version)
		assert.NoError(t, err)
		changed <- v
	}()
	time.Sleep(20 * time.Millisecond)
	_, err = alice.ProgressToNextContributionStep(ctx, "trial")
	require.NoError(t, err)

	select {
	case v := <-changed:
		assert.Greater(t, v, version)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after the participant changed")
	}
}

func TestHandler_StorageCallables(t *testing.T) {
	ts := newTestServer(t, Config{MaxChunkSize: 16})
	ctx := context.Background()
	admin := ts.openCeremony(1)

	bucket, err := admin.CreateBucket(ctx, "trial")
	require.NoError(t, err)
	assert.Equal(t, "trial-ph2-ceremony", bucket)

	alice := ts.client("alice", interfaces.RoleParticipant)
	_, err = alice.Register(ctx, "trial")
	require.NoError(t, err)
	_, err = alice.ProgressToNextContributionStep(ctx, "trial")
	require.NoError(t, err)
	require.NoError(t, alice.StoreContributionTimeAndHash(ctx, "trial", 1000, "abcd"))
	step, err := alice.ProgressToNextContributionStep(ctx, "trial")
	require.NoError(t, err)
	require.Equal(t, interfaces.StepUploading, step)

	store := alice.Storage("trial")
	key := interfaces.ZkeyKey("circuit1", 1)

	_, err = store.BeginUpload(ctx, "another-bucket", key)
	assert.ErrorIs(t, err, interfaces.ErrForbidden)
	_, err = store.BeginUpload(ctx, bucket, interfaces.ZkeyKey("circuit1", 0))
	assert.ErrorIs(t, err, interfaces.ErrForbidden)

	uploadID, err := store.BeginUpload(ctx, bucket, key)
	require.NoError(t, err)

	_, err = store.UploadChunk(ctx, bucket, key, uploadID, 1, bytes.NewReader(bytes.Repeat([]byte{1}, 17)), 17)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "413")

	etag, err := store.UploadChunk(ctx, bucket, key, uploadID, 1, strings.NewReader("artifact"), 8)
	require.NoError(t, err)
	assert.NotEmpty(t, etag)

	parts, err := store.ListParts(ctx, bucket, key, uploadID)
	require.NoError(t, err)
	assert.Equal(t, []interfaces.Part{{PartNumber: 1, ETag: etag}}, parts)

	require.NoError(t, store.CompleteUpload(ctx, bucket, key, uploadID, parts))

	exists, err := alice.ObjectExists(ctx, "trial", key)
	require.NoError(t, err)
	assert.True(t, exists)

	body, err := alice.OpenObject(ctx, "trial", key)
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	body.Close()
	require.NoError(t, err)
	assert.Equal(t, "artifact", string(data))

	_, err = alice.OpenObject(ctx, "trial", "missing")
	assert.ErrorIs(t, err, interfaces.ErrObjectNotFound)

	stranger := ts.client("mallory", interfaces.RoleParticipant)
	_, err = stranger.ObjectExists(ctx, "trial", key)
	assert.ErrorIs(t, err, interfaces.ErrForbidden)
}

// TestClient_CeremonyEndToEnd drives two contributors through the API,
// then finalizes and verifies the ceremony.
func TestClient_CeremonyEndToEnd(t *testing.T) {
	ts := newTestServer(t, Config{WatchTimeout: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	admin := ts.openCeremony(2)

	var wg sync.WaitGroup
	for _, c := range []*Client{ts.client("alice", interfaces.RoleParticipant), admin} {
		runner := contribute.NewRunner(c, c.Storage("trial"), contribute.Config{
			CeremonyID: "trial",
			WorkDir:    t.TempDir(),
			Upload:     upload.Config{ChunkSize: 512, MaxRetries: 2, Backoff: time.Millisecond},
		}, slog.New(slog.NewTextHandler(io.Discard, nil)))

		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := runner.Run(ctx)
			if assert.NoError(t, err) {
				assert.Equal(t, interfaces.ParticipantDone, p.Status)
			}
		}()
	}
	wg.Wait()

	_, err := admin.CloseCeremony(ctx, "trial")
	require.NoError(t, err)
	require.NoError(t, admin.PrepareFinalization(ctx, "trial"))

	beacon := bytes.Repeat([]byte{0x0b}, 32)
	for _, circuit := range []string{"circuit1", "circuit2"} {
		final, err := admin.FinalizeCircuit(ctx, "trial", circuit, beacon, 10)
		require.NoError(t, err)
		assert.Equal(t, "00003", final.ZkeyIndex)
	}
	c, err := admin.FinalizeCeremony(ctx, "trial")
	require.NoError(t, err)
	assert.Equal(t, interfaces.CeremonyFinalized, c.State)

	contributions, err := admin.ListContributions(ctx, "trial", "circuit1")
	require.NoError(t, err)
	assert.Len(t, contributions, 3)

	report, err := ts.client("auditor", interfaces.RoleParticipant).VerifyCeremony(ctx, "trial")
	require.NoError(t, err)
	assert.True(t, report.Valid, "%+v", report)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrapped: %w", interfaces.ErrCeremonyNotFound), http.StatusNotFound},
		{interfaces.ErrStaleContributor, http.StatusConflict},
		{interfaces.ErrWrongStep, http.StatusPreconditionFailed},
		{interfaces.ErrNotCoordinator, http.StatusForbidden},
		{fmt.Errorf("%w: %w", interfaces.ErrUnauthorized, io.EOF), http.StatusUnauthorized},
		{badRequest("bad"), http.StatusBadRequest},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}

	err := decodeError(http.StatusConflict, []byte("caller is no longer the current contributor: alice\n"))
	assert.ErrorIs(t, err, interfaces.ErrStaleContributor)
	err = decodeError(http.StatusTeapot, []byte("odd"))
	assert.EqualError(t, err, "coordinator returned 418: odd")
}
