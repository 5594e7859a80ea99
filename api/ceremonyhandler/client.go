package ceremonyhandler

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/zkey-ceremony-coordinator/api"
	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
)

// Client calls the coordinator API as the user identified by Token. It
// satisfies contribute.Coordinator and carries the coordinator operations
// used by the admin tool.
type Client struct {
	ServerAddr string
	Token      string
	Client     *http.Client
}

func NewClient(serverAddr, token string) *Client {
	return &Client{
		ServerAddr: strings.TrimRight(serverAddr, "/"),
		Token:      token,
		Client:     http.DefaultClient,
	}
}

func ceremonyURL(ceremonyID string, parts ...string) string {
	return "/api/ceremonies/" + url.PathEscape(ceremonyID) + strings.Join(parts, "")
}

// do sends one request. body is sent as is when it is an io.Reader and JSON
// encoded otherwise. out, when non-nil, receives the decoded response.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var (
		reader      io.Reader
		contentType string
	)
	switch b := body.(type) {
	case nil:
	case io.Reader:
		reader, contentType = b, "application/octet-stream"
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
		reader, contentType = bytes.NewReader(data), "application/json"
	}

	target := c.ServerAddr + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	if c.Client == nil {
		c.Client = http.DefaultClient
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read coordinator response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not parse coordinator response: %w", err)
	}
	return nil
}

func (c *Client) Setup(ctx context.Context, setup interfaces.CeremonySetup) (*interfaces.Ceremony, error) {
	var out interfaces.Ceremony
	if err := c.do(ctx, http.MethodPost, "/api/ceremonies", nil, setup, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetCeremony(ctx context.Context, ceremonyID string) (*interfaces.Ceremony, error) {
	var out interfaces.Ceremony
	if err := c.do(ctx, http.MethodGet, ceremonyURL(ceremonyID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListCircuits(ctx context.Context, ceremonyID string) ([]*interfaces.Circuit, error) {
	var out []*interfaces.Circuit
	if err := c.do(ctx, http.MethodGet, ceremonyURL(ceremonyID, "/circuits"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListContributions(ctx context.Context, ceremonyID, circuitID string) ([]interfaces.Contribution, error) {
	var out []interfaces.Contribution
	path := ceremonyURL(ceremonyID, "/circuits/", url.PathEscape(circuitID), "/contributions")
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) VerifyCeremony(ctx context.Context, ceremonyID string) (*interfaces.VerificationReport, error) {
	var out interfaces.VerificationReport
	if err := c.do(ctx, http.MethodGet, ceremonyURL(ceremonyID, "/verification"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CheckParticipant(ctx context.Context, ceremonyID string) (bool, error) {
	var out api.CheckResponse
	if err := c.do(ctx, http.MethodGet, ceremonyURL(ceremonyID, "/check"), nil, nil, &out); err != nil {
		return false, err
	}
	return out.CanContribute, nil
}

func (c *Client) participantCall(ctx context.Context, method, path string, query url.Values) (*interfaces.Participant, error) {
	var out interfaces.Participant
	if err := c.do(ctx, method, path, query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Register(ctx context.Context, ceremonyID string) (*interfaces.Participant, error) {
	return c.participantCall(ctx, http.MethodPost, ceremonyURL(ceremonyID, "/register"), nil)
}

func (c *Client) Resume(ctx context.Context, ceremonyID string) (*interfaces.Participant, error) {
	return c.participantCall(ctx, http.MethodPost, ceremonyURL(ceremonyID, "/resume"), nil)
}

func (c *Client) ProgressToNextCircuit(ctx context.Context, ceremonyID string) (*interfaces.Participant, error) {
	return c.participantCall(ctx, http.MethodPost, ceremonyURL(ceremonyID, "/progress/circuit"), nil)
}

// GetParticipant reads the document of userID. Only the coordinator may
// read documents other than its own.
func (c *Client) GetParticipant(ctx context.Context, ceremonyID, userID string) (*interfaces.Participant, error) {
	return c.participantCall(ctx, http.MethodGet, ceremonyURL(ceremonyID, "/participant"), url.Values{"user": {userID}})
}

// WatchParticipant long-polls the caller's document. The returned version
// equals since when the server timed out without a change.
func (c *Client) WatchParticipant(ctx context.Context, ceremonyID string, since int64) (*interfaces.Participant, int64, error) {
	var out api.WatchResponse
	query := url.Values{"since": {strconv.FormatInt(since, 10)}}
	if err := c.do(ctx, http.MethodGet, ceremonyURL(ceremonyID, "/participant/watch"), query, nil, &out); err != nil {
		return nil, 0, err
	}
	if out.Participant == nil {
		return nil, 0, fmt.Errorf("%w: empty watch response", interfaces.ErrParticipantNotFound)
	}
	return out.Participant, out.Version, nil
}

func (c *Client) ProgressToNextContributionStep(ctx context.Context, ceremonyID string) (interfaces.ContributionStep, error) {
	var out api.StepResponse
	if err := c.do(ctx, http.MethodPost, ceremonyURL(ceremonyID, "/progress/step"), nil, nil, &out); err != nil {
		return 0, err
	}
	return out.ContributionStep, nil
}

func (c *Client) StoreContributionTimeAndHash(ctx context.Context, ceremonyID string, computationTime int64, hash string) error {
	req := api.TimeAndHashRequest{ContributionComputationTime: computationTime, ContributionHash: hash}
	return c.do(ctx, http.MethodPost, ceremonyURL(ceremonyID, "/contribution/time-and-hash"), nil, req, nil)
}

func (c *Client) StoreUploadID(ctx context.Context, ceremonyID, uploadID string) error {
	return c.do(ctx, http.MethodPost, ceremonyURL(ceremonyID, "/upload/id"), nil, api.UploadIDRequest{UploadID: uploadID}, nil)
}

func (c *Client) StoreUploadedChunk(ctx context.Context, ceremonyID string, chunk interfaces.ChunkPart) error {
	return c.do(ctx, http.MethodPost, ceremonyURL(ceremonyID, "/upload/chunk"), nil, chunk, nil)
}

func (c *Client) VerifyContribution(ctx context.Context, ceremonyID, circuitID string) (*interfaces.VerificationResult, error) {
	return c.VerifyContributionOf(ctx, ceremonyID, circuitID, "")
}

// VerifyContributionOf lets the coordinator verify on behalf of userID.
func (c *Client) VerifyContributionOf(ctx context.Context, ceremonyID, circuitID, userID string) (*interfaces.VerificationResult, error) {
	var out interfaces.VerificationResult
	path := ceremonyURL(ceremonyID, "/circuits/", url.PathEscape(circuitID), "/verify")
	if err := c.do(ctx, http.MethodPost, path, nil, api.VerifyRequest{UserID: userID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) transition(ctx context.Context, ceremonyID, action string) (*interfaces.Ceremony, error) {
	var out interfaces.Ceremony
	if err := c.do(ctx, http.MethodPost, ceremonyURL(ceremonyID, "/", action), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) OpenCeremony(ctx context.Context, ceremonyID string) (*interfaces.Ceremony, error) {
	return c.transition(ctx, ceremonyID, "open")
}

func (c *Client) PauseCeremony(ctx context.Context, ceremonyID string) (*interfaces.Ceremony, error) {
	return c.transition(ctx, ceremonyID, "pause")
}

func (c *Client) CloseCeremony(ctx context.Context, ceremonyID string) (*interfaces.Ceremony, error) {
	return c.transition(ctx, ceremonyID, "close")
}

func (c *Client) FinalizeCeremony(ctx context.Context, ceremonyID string) (*interfaces.Ceremony, error) {
	return c.transition(ctx, ceremonyID, "finalize")
}

// EvictStalled runs the eviction check now and returns how many
// contributors were removed.
func (c *Client) EvictStalled(ctx context.Context, ceremonyID string) (int, error) {
	var out api.EvictionsResponse
	if err := c.do(ctx, http.MethodPost, ceremonyURL(ceremonyID, "/evictions"), nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Evicted, nil
}

func (c *Client) PrepareFinalization(ctx context.Context, ceremonyID string) error {
	return c.do(ctx, http.MethodPost, ceremonyURL(ceremonyID, "/finalization/prepare"), nil, nil, nil)
}

func (c *Client) FinalizeCircuit(ctx context.Context, ceremonyID, circuitID string, beacon []byte, exp uint8) (*interfaces.Contribution, error) {
	var out interfaces.Contribution
	req := api.FinalizeCircuitRequest{Beacon: hex.EncodeToString(beacon), Exponent: exp}
	path := ceremonyURL(ceremonyID, "/circuits/", url.PathEscape(circuitID), "/finalize")
	if err := c.do(ctx, http.MethodPost, path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateBucket(ctx context.Context, ceremonyID string) (string, error) {
	var out api.BucketResponse
	if err := c.do(ctx, http.MethodPost, ceremonyURL(ceremonyID, "/storage/bucket"), nil, nil, &out); err != nil {
		return "", err
	}
	return out.Bucket, nil
}

// SweepAbandonedUploads aborts pending uploads older than olderThan that
// no contributor still owns.
func (c *Client) SweepAbandonedUploads(ctx context.Context, ceremonyID string, olderThan time.Duration) (int, error) {
	var out api.SweepResponse
	req := api.SweepRequest{OlderThanSeconds: int64(olderThan / time.Second)}
	if err := c.do(ctx, http.MethodPost, ceremonyURL(ceremonyID, "/storage/sweep"), nil, req, &out); err != nil {
		return 0, err
	}
	return out.Aborted, nil
}

func objectQuery(key string) url.Values {
	return url.Values{"key": {key}}
}

func (c *Client) ObjectExists(ctx context.Context, ceremonyID, key string) (bool, error) {
	var out api.ExistsResponse
	if err := c.do(ctx, http.MethodGet, ceremonyURL(ceremonyID, "/storage/exists"), objectQuery(key), nil, &out); err != nil {
		return false, err
	}
	return out.Exists, nil
}

func (c *Client) PresignDownload(ctx context.Context, ceremonyID, key string) (string, error) {
	var out api.PresignResponse
	if err := c.do(ctx, http.MethodGet, ceremonyURL(ceremonyID, "/storage/presign"), objectQuery(key), nil, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// OpenObject downloads an object through its presigned URL when the store
// issues HTTP URLs, and streams it through the coordinator otherwise.
func (c *Client) OpenObject(ctx context.Context, ceremonyID, key string) (io.ReadCloser, error) {
	presigned, err := c.PresignDownload(ctx, ceremonyID, key)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(presigned, "http://") || strings.HasPrefix(presigned, "https://") {
		return c.get(ctx, presigned, false)
	}
	return c.get(ctx, c.ServerAddr+ceremonyURL(ceremonyID, "/storage/object")+"?"+objectQuery(key).Encode(), true)
}

func (c *Client) get(ctx context.Context, target string, authenticated bool) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	if authenticated && c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.Client == nil {
		c.Client = http.DefaultClient
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, decodeError(resp.StatusCode, body)
	}
	return resp.Body, nil
}

// Storage returns the multipart uploader of one ceremony, routed through
// the coordinator's object store callables.
func (c *Client) Storage(ceremonyID string) *Storage {
	return &Storage{client: c, ceremonyID: ceremonyID}
}

// Storage implements upload.Multipart over the coordinator API.
type Storage struct {
	client     *Client
	ceremonyID string
}

func (s *Storage) path(action string) string {
	return ceremonyURL(s.ceremonyID, "/storage/multipart/", action)
}

func (s *Storage) BeginUpload(ctx context.Context, bucket, key string) (string, error) {
	var out api.UploadStartResponse
	req := api.ObjectRequest{Bucket: bucket, ObjectKey: key}
	if err := s.client.do(ctx, http.MethodPost, s.path("start"), nil, req, &out); err != nil {
		return "", err
	}
	return out.UploadID, nil
}

func (s *Storage) UploadChunk(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.ReadSeeker, size int64) (string, error) {
	query := url.Values{
		"bucket":     {bucket},
		"key":        {key},
		"uploadId":   {uploadID},
		"partNumber": {strconv.Itoa(partNumber)},
	}
	var out interfaces.Part
	if err := s.client.do(ctx, http.MethodPut, s.path("chunk"), query, io.LimitReader(r, size), &out); err != nil {
		return "", err
	}
	return out.ETag, nil
}

func (s *Storage) CompleteUpload(ctx context.Context, bucket, key, uploadID string, parts []interfaces.Part) error {
	req := api.ObjectRequest{Bucket: bucket, ObjectKey: key, UploadID: uploadID, Parts: parts}
	return s.client.do(ctx, http.MethodPost, s.path("complete"), nil, req, nil)
}

func (s *Storage) AbortUpload(ctx context.Context, bucket, key, uploadID string) error {
	req := api.ObjectRequest{Bucket: bucket, ObjectKey: key, UploadID: uploadID}
	return s.client.do(ctx, http.MethodPost, s.path("abort"), nil, req, nil)
}

func (s *Storage) ListParts(ctx context.Context, bucket, key, uploadID string) ([]interfaces.Part, error) {
	var out api.PartsResponse
	query := url.Values{"bucket": {bucket}, "key": {key}, "uploadId": {uploadID}}
	if err := s.client.do(ctx, http.MethodGet, s.path("parts"), query, nil, &out); err != nil {
		return nil, err
	}
	return out.Parts, nil
}
