package ceremonyhandler

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/zkey-ceremony-coordinator/api"
	"github.com/ruteri/zkey-ceremony-coordinator/auth"
	"github.com/ruteri/zkey-ceremony-coordinator/ceremony"
	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
)

// Config bounds what a single request may do.
type Config struct {
	// WatchTimeout is how long a participant watch is held open when
	// nothing changes.
	WatchTimeout time.Duration

	// MaxChunkSize caps the body of one multipart chunk.
	MaxChunkSize int64
}

func DefaultConfig() Config {
	return Config{
		WatchTimeout: 25 * time.Second,
		MaxChunkSize: 64 << 20,
	}
}

// Handler exposes the ceremony service over HTTP. Callers authenticate with
// a bearer token issued by the JWT manager; the token subject is the user
// id the service acts for.
type Handler struct {
	svc  *ceremony.Service
	auth *auth.JWTManager
	cfg  Config
	log  *slog.Logger
}

func NewHandler(svc *ceremony.Service, jwt *auth.JWTManager, cfg Config, log *slog.Logger) *Handler {
	defaults := DefaultConfig()
	if cfg.WatchTimeout <= 0 {
		cfg.WatchTimeout = defaults.WatchTimeout
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = defaults.MaxChunkSize
	}
	return &Handler{svc: svc, auth: jwt, cfg: cfg, log: log}
}

const ceremonyPath = "/api/ceremonies/{ceremony_id}"

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get(ceremonyPath, h.HandleGetCeremony)
	r.Get(ceremonyPath+"/circuits", h.HandleListCircuits)
	r.Get(ceremonyPath+"/circuits/{circuit_id}/contributions", h.HandleListContributions)
	r.Get(ceremonyPath+"/verification", h.HandleVerifyCeremony)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware(h.log))

		r.Post("/api/ceremonies", h.HandleSetup)

		r.Post(ceremonyPath+"/register", h.HandleRegister)
		r.Get(ceremonyPath+"/check", h.HandleCheckParticipant)
		r.Get(ceremonyPath+"/participant", h.HandleGetParticipant)
		r.Get(ceremonyPath+"/participant/watch", h.HandleWatchParticipant)
		r.Post(ceremonyPath+"/resume", h.HandleResume)

		r.Post(ceremonyPath+"/progress/step", h.HandleProgressStep)
		r.Post(ceremonyPath+"/progress/circuit", h.HandleProgressCircuit)
		r.Post(ceremonyPath+"/contribution/time-and-hash", h.HandleTimeAndHash)
		r.Post(ceremonyPath+"/upload/id", h.HandleUploadID)
		r.Post(ceremonyPath+"/upload/chunk", h.HandleUploadedChunk)
		r.Post(ceremonyPath+"/circuits/{circuit_id}/verify", h.HandleVerifyContribution)

		r.Post(ceremonyPath+"/open", h.HandleOpen)
		r.Post(ceremonyPath+"/pause", h.HandlePause)
		r.Post(ceremonyPath+"/close", h.HandleClose)
		r.Post(ceremonyPath+"/evictions", h.HandleEvict)
		r.Post(ceremonyPath+"/finalization/prepare", h.HandlePrepareFinalization)
		r.Post(ceremonyPath+"/circuits/{circuit_id}/finalize", h.HandleFinalizeCircuit)
		r.Post(ceremonyPath+"/finalize", h.HandleFinalizeCeremony)

		r.Post(ceremonyPath+"/storage/bucket", h.HandleCreateBucket)
		r.Post(ceremonyPath+"/storage/multipart/start", h.HandleStartUpload)
		r.Put(ceremonyPath+"/storage/multipart/chunk", h.HandleUploadPart)
		r.Post(ceremonyPath+"/storage/multipart/complete", h.HandleCompleteUpload)
		r.Post(ceremonyPath+"/storage/multipart/abort", h.HandleAbortUpload)
		r.Get(ceremonyPath+"/storage/multipart/parts", h.HandleListParts)
		r.Get(ceremonyPath+"/storage/presign", h.HandlePresign)
		r.Get(ceremonyPath+"/storage/exists", h.HandleExists)
		r.Get(ceremonyPath+"/storage/object", h.HandleObject)
		r.Post(ceremonyPath+"/storage/sweep", h.HandleSweep)
	})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "err", err, "path", r.URL.Path)
	} else {
		h.log.Debug("request refused", "err", err, "path", r.URL.Path, "status", status)
	}
	http.Error(w, err.Error(), status)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("could not encode response", "err", err)
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		return badRequest("invalid request body: %w", err)
	}
	return nil
}

// caller returns the authenticated caller. Routes without the auth
// middleware never call it.
func caller(r *http.Request) interfaces.Caller {
	c, _ := auth.CallerFrom(r.Context())
	return c
}

func (h *Handler) HandleGetCeremony(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.GetCeremony(r.Context(), r.PathValue("ceremony_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, c)
}

func (h *Handler) HandleListCircuits(w http.ResponseWriter, r *http.Request) {
	circuits, err := h.svc.ListCircuits(r.Context(), r.PathValue("ceremony_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, circuits)
}

func (h *Handler) HandleListContributions(w http.ResponseWriter, r *http.Request) {
	contributions, err := h.svc.ListContributions(r.Context(), r.PathValue("ceremony_id"), r.PathValue("circuit_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, contributions)
}

func (h *Handler) HandleVerifyCeremony(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.VerifyCeremony(r.Context(), r.PathValue("ceremony_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, report)
}

// HandleSetup creates a ceremony owned by the caller.
//
// URL format: POST /api/ceremonies
// Request body: interfaces.CeremonySetup
func (h *Handler) HandleSetup(w http.ResponseWriter, r *http.Request) {
	var setup interfaces.CeremonySetup
	if err := decodeBody(r, &setup); err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.svc.Setup(r.Context(), caller(r), setup)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	h.writeJSON(w, c)
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Register(r.Context(), caller(r), r.PathValue("ceremony_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, p)
}

func (h *Handler) HandleCheckParticipant(w http.ResponseWriter, r *http.Request) {
	ok, err := h.svc.CheckParticipant(r.Context(), caller(r), r.PathValue("ceremony_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, api.CheckResponse{CanContribute: ok})
}

// userParam returns the user named by the query, defaulting to the caller.
func userParam(r *http.Request) string {
	if u := r.URL.Query().Get("user"); u != "" {
		return u
	}
	return caller(r).UserID
}

func (h *Handler) HandleGetParticipant(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetParticipant(r.Context(), caller(r), r.PathValue("ceremony_id"), userParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, p)
}

// HandleWatchParticipant long-polls the participant document.
//
// URL format: GET /api/ceremonies/{ceremony_id}/participant/watch?since=N[&user=ID]
//
// The response is sent as soon as the document version exceeds since, or
// after the watch timeout with the unchanged version. since=0 returns the
// current document immediately.
func (h *Handler) HandleWatchParticipant(w http.ResponseWriter, r *http.Request) {
	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			h.writeError(w, r, badRequest("invalid since %q", s))
			return
		}
		since = v
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.WatchTimeout)
	defer cancel()
	p, version, err := h.svc.WatchParticipant(ctx, caller(r), r.PathValue("ceremony_id"), userParam(r), since)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, api.WatchResponse{Participant: p, Version: version})
}

func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Resume(r.Context(), caller(r), r.PathValue("ceremony_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, p)
}

func (h *Handler) HandleProgressStep(w http.ResponseWriter, r *http.Request) {
	step, err := h.svc.ProgressToNextContributionStep(r.Context(), caller(r), r.PathValue("ceremony_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, api.StepResponse{ContributionStep: step})
}

func (h *Handler) HandleProgressCircuit(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.ProgressToNextCircuit(r.Context(), caller(r), r.PathValue("ceremony_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, p)
}

func (h *Handler) HandleTimeAndHash(w http.ResponseWriter, r *http.Request) {
	var req api.TimeAndHashRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	err := h.svc.StoreContributionTimeAndHash(r.Context(), caller(r), r.PathValue("ceremony_id"), req.ContributionComputationTime, req.ContributionHash)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleUploadID(w http.ResponseWriter, r *http.Request) {
	var req api.UploadIDRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.StoreUploadID(r.Context(), caller(r), r.PathValue("ceremony_id"), req.UploadID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleUploadedChunk(w http.ResponseWriter, r *http.Request) {
	var chunk interfaces.ChunkPart
	if err := decodeBody(r, &chunk); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.StoreUploadedChunk(r.Context(), caller(r), r.PathValue("ceremony_id"), chunk); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleVerifyContribution verifies the uploaded turn of a contributor.
//
// URL format: POST /api/ceremonies/{ceremony_id}/circuits/{circuit_id}/verify
// Request body: api.VerifyRequest, optional
func (h *Handler) HandleVerifyContribution(w http.ResponseWriter, r *http.Request) {
	var req api.VerifyRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	c := caller(r)
	if req.UserID == "" {
		req.UserID = c.UserID
	}
	res, err := h.svc.VerifyContribution(r.Context(), c, r.PathValue("ceremony_id"), r.PathValue("circuit_id"), req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, res)
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, interfaces.Caller, string) (*interfaces.Ceremony, error)) {
	c, err := fn(r.Context(), caller(r), r.PathValue("ceremony_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, c)
}

func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.svc.OpenCeremony)
}

func (h *Handler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.svc.PauseCeremony)
}

func (h *Handler) HandleClose(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.svc.CloseCeremony)
}

func (h *Handler) HandleFinalizeCeremony(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.svc.FinalizeCeremony)
}

// HandleEvict runs the stalled contributor check now instead of waiting for
// the next monitor tick. Coordinator only.
func (h *Handler) HandleEvict(w http.ResponseWriter, r *http.Request) {
	ceremonyID := r.PathValue("ceremony_id")
	c, err := h.svc.GetCeremony(r.Context(), ceremonyID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if who := caller(r); who.Role != interfaces.RoleCoordinator || who.UserID != c.CoordinatorID {
		h.writeError(w, r, fmt.Errorf("%w: %s", interfaces.ErrNotCoordinator, who.UserID))
		return
	}
	evictions, err := h.svc.CheckAndEvictStalledContributors(r.Context(), ceremonyID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, api.EvictionsResponse{Evicted: len(evictions)})
}

func (h *Handler) HandlePrepareFinalization(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CheckAndPrepareCoordinatorForFinalization(r.Context(), caller(r), r.PathValue("ceremony_id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleFinalizeCircuit applies the beacon to the last contribution of a
// circuit and publishes the final artifacts.
//
// URL format: POST /api/ceremonies/{ceremony_id}/circuits/{circuit_id}/finalize
// Request body: api.FinalizeCircuitRequest
func (h *Handler) HandleFinalizeCircuit(w http.ResponseWriter, r *http.Request) {
	var req api.FinalizeCircuitRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	beacon, err := hex.DecodeString(strings.TrimPrefix(req.Beacon, "0x"))
	if err != nil || len(beacon) == 0 {
		h.writeError(w, r, badRequest("invalid beacon %q", req.Beacon))
		return
	}
	contribution, err := h.svc.FinalizeCircuit(r.Context(), caller(r), r.PathValue("ceremony_id"), r.PathValue("circuit_id"), beacon, req.Exponent)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, contribution)
}

func (h *Handler) HandleCreateBucket(w http.ResponseWriter, r *http.Request) {
	bucket, err := h.svc.CreateBucket(r.Context(), caller(r), r.PathValue("ceremony_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, api.BucketResponse{Bucket: bucket})
}

// checkBucket rejects requests naming a bucket other than the ceremony's.
// An empty bucket means the ceremony bucket.
func (h *Handler) checkBucket(ctx context.Context, ceremonyID, bucket string) error {
	if bucket == "" {
		return nil
	}
	c, err := h.svc.GetCeremony(ctx, ceremonyID)
	if err != nil {
		return err
	}
	if bucket != c.BucketName() {
		return fmt.Errorf("%w: bucket %s", interfaces.ErrForbidden, bucket)
	}
	return nil
}

// objectRequest reads the object address from the body of POST requests
// and from the query of the others.
func (h *Handler) objectRequest(r *http.Request) (api.ObjectRequest, error) {
	var req api.ObjectRequest
	if r.Method == http.MethodPost {
		if err := decodeBody(r, &req); err != nil {
			return req, err
		}
	} else {
		q := r.URL.Query()
		req.Bucket, req.ObjectKey, req.UploadID = q.Get("bucket"), q.Get("key"), q.Get("uploadId")
	}
	if req.ObjectKey == "" {
		return req, badRequest("missing object key")
	}
	return req, h.checkBucket(r.Context(), r.PathValue("ceremony_id"), req.Bucket)
}

func (h *Handler) HandleStartUpload(w http.ResponseWriter, r *http.Request) {
	req, err := h.objectRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	uploadID, err := h.svc.StartMultipartUpload(r.Context(), caller(r), r.PathValue("ceremony_id"), req.ObjectKey)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, api.UploadStartResponse{UploadID: uploadID})
}

// HandleUploadPart stores one part of a multipart upload.
//
// URL format: PUT /api/ceremonies/{ceremony_id}/storage/multipart/chunk?key=K&uploadId=U&partNumber=N
// Request body: raw part bytes
// Response: interfaces.Part carrying the part eTag
func (h *Handler) HandleUploadPart(w http.ResponseWriter, r *http.Request) {
	req, err := h.objectRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	partNumber, err := strconv.Atoi(r.URL.Query().Get("partNumber"))
	if err != nil || partNumber < 1 {
		h.writeError(w, r, badRequest("invalid part number %q", r.URL.Query().Get("partNumber")))
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxChunkSize+1))
	if err != nil {
		h.writeError(w, r, badRequest("could not read chunk: %w", err))
		return
	}
	if int64(len(data)) > h.cfg.MaxChunkSize {
		h.writeError(w, r, &RequestError{StatusCode: http.StatusRequestEntityTooLarge, Err: fmt.Errorf("chunk exceeds %d bytes", h.cfg.MaxChunkSize)})
		return
	}

	etag, err := h.svc.UploadPart(r.Context(), caller(r), r.PathValue("ceremony_id"), req.ObjectKey, req.UploadID, partNumber, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, interfaces.Part{PartNumber: partNumber, ETag: etag})
}

func (h *Handler) HandleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	req, err := h.objectRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.CompleteMultipartUpload(r.Context(), caller(r), r.PathValue("ceremony_id"), req.ObjectKey, req.UploadID, req.Parts); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleAbortUpload(w http.ResponseWriter, r *http.Request) {
	req, err := h.objectRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.AbortMultipartUpload(r.Context(), caller(r), r.PathValue("ceremony_id"), req.ObjectKey, req.UploadID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleListParts(w http.ResponseWriter, r *http.Request) {
	req, err := h.objectRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	parts, err := h.svc.ListUploadedParts(r.Context(), caller(r), r.PathValue("ceremony_id"), req.ObjectKey, req.UploadID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, api.PartsResponse{Parts: parts})
}

func (h *Handler) HandlePresign(w http.ResponseWriter, r *http.Request) {
	req, err := h.objectRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	url, err := h.svc.PresignDownload(r.Context(), caller(r), r.PathValue("ceremony_id"), req.ObjectKey)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, api.PresignResponse{URL: url})
}

func (h *Handler) HandleExists(w http.ResponseWriter, r *http.Request) {
	req, err := h.objectRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	exists, err := h.svc.ObjectExists(r.Context(), caller(r), r.PathValue("ceremony_id"), req.ObjectKey)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, api.ExistsResponse{Exists: exists})
}

// HandleObject streams an object of the ceremony bucket. It serves stores
// without presigned URLs.
func (h *Handler) HandleObject(w http.ResponseWriter, r *http.Request) {
	req, err := h.objectRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	body, err := h.svc.OpenObject(r.Context(), caller(r), r.PathValue("ceremony_id"), req.ObjectKey)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, body); err != nil {
		h.log.Warn("object stream interrupted", "err", err, "key", req.ObjectKey)
	}
}

// HandleSweep aborts abandoned multipart uploads of the ceremony bucket.
// Coordinator only.
func (h *Handler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	var req api.SweepRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.OlderThanSeconds < 0 {
		h.writeError(w, r, badRequest("negative age %d", req.OlderThanSeconds))
		return
	}
	n, err := h.svc.SweepAbandonedUploads(r.Context(), caller(r), r.PathValue("ceremony_id"), time.Duration(req.OlderThanSeconds)*time.Second)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, api.SweepResponse{Aborted: n})
}
