// Package contribute implements the contributor side of a ceremony: it
// joins the ceremony, waits for its turn on each circuit and drives the
// contribution steps against the coordinator.
//
// Every step can be re-entered. A contributor that restarts mid-turn picks
// up at the step the coordinator recorded, reusing the artifacts kept in
// its work directory and resuming a begun multipart upload.
package contribute

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
	"github.com/ruteri/zkey-ceremony-coordinator/upload"
	"github.com/ruteri/zkey-ceremony-coordinator/zkey"
)

// EntropySize is the number of random bytes drawn when no entropy is given.
const EntropySize = 64

var (
	// ErrPenalty is returned when the contributor is serving a timeout penalty.
	ErrPenalty = errors.New("contributor is serving a timeout penalty")

	// ErrEvicted is returned when the contributor was evicted during its turn.
	ErrEvicted = errors.New("contributor was evicted")

	// ErrLocalStateLost is returned when a turn cannot be resumed because
	// the artifacts computed before the restart are gone.
	ErrLocalStateLost = errors.New("local contribution artifacts are missing")
)

// Coordinator is the coordinator API as seen by one authenticated contributor.
type Coordinator interface {
	GetCeremony(ctx context.Context, ceremonyID string) (*interfaces.Ceremony, error)
	ListCircuits(ctx context.Context, ceremonyID string) ([]*interfaces.Circuit, error)

	CheckParticipant(ctx context.Context, ceremonyID string) (bool, error)
	Register(ctx context.Context, ceremonyID string) (*interfaces.Participant, error)
	Resume(ctx context.Context, ceremonyID string) (*interfaces.Participant, error)
	// WatchParticipant blocks until the caller's participant document is
	// newer than since. since 0 returns the current document.
	WatchParticipant(ctx context.Context, ceremonyID string, since int64) (*interfaces.Participant, int64, error)

	ProgressToNextContributionStep(ctx context.Context, ceremonyID string) (interfaces.ContributionStep, error)
	ProgressToNextCircuit(ctx context.Context, ceremonyID string) (*interfaces.Participant, error)
	StoreContributionTimeAndHash(ctx context.Context, ceremonyID string, computationTime int64, hash string) error
	StoreUploadID(ctx context.Context, ceremonyID, uploadID string) error
	StoreUploadedChunk(ctx context.Context, ceremonyID string, chunk interfaces.ChunkPart) error
	VerifyContribution(ctx context.Context, ceremonyID, circuitID string) (*interfaces.VerificationResult, error)

	ObjectExists(ctx context.Context, ceremonyID, key string) (bool, error)
	OpenObject(ctx context.Context, ceremonyID, key string) (io.ReadCloser, error)
}

type Config struct {
	CeremonyID string
	// WorkDir holds downloaded and computed artifacts between restarts.
	WorkDir string
	// Entropy seeds every contribution. Random when empty.
	Entropy []byte
	Upload  upload.Config
}

// Runner takes part in one ceremony on behalf of one contributor.
type Runner struct {
	api     Coordinator
	storage upload.Multipart
	cfg     Config
	clock   clock.Clock
	log     *slog.Logger
}

// NewRunner returns a Runner uploading artifacts through storage, which is
// usually the coordinator's object store callables.
func NewRunner(api Coordinator, storage upload.Multipart, cfg Config, log *slog.Logger) *Runner {
	if cfg.Upload.ChunkSize <= 0 {
		cfg.Upload = upload.DefaultConfig()
	}
	return &Runner{
		api:     api,
		storage: storage,
		cfg:     cfg,
		clock:   clock.New(),
		log:     log,
	}
}

// WithClock replaces the clock measuring computation time.
func (r *Runner) WithClock(clk clock.Clock) *Runner {
	r.clock = clk
	return r
}

// Run contributes to every circuit of the ceremony and returns the final
// participant document. It returns early with ErrPenalty or ErrEvicted when
// the coordinator timed the contributor out.
func (r *Runner) Run(ctx context.Context) (*interfaces.Participant, error) {
	if err := os.MkdirAll(r.cfg.WorkDir, 0o700); err != nil {
		return nil, err
	}

	p, version, err := r.join(ctx)
	if err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return p, err
		}
		r.log.Debug("participant state", "status", p.Status, "step", p.ContributionStep, "progress", p.ContributionProgress)

		switch p.Status {
		case interfaces.ParticipantDone, interfaces.ParticipantFinalizing, interfaces.ParticipantFinalized:
			return p, nil
		case interfaces.ParticipantTimedOut:
			return p, ErrEvicted
		case interfaces.ParticipantExhumed:
			p, err = r.api.Resume(ctx, r.cfg.CeremonyID)
		case interfaces.ParticipantContributed:
			p, err = r.api.ProgressToNextCircuit(ctx, r.cfg.CeremonyID)
		case interfaces.ParticipantContributing:
			if err = r.contribute(ctx, p); err == nil {
				p, version, err = r.api.WatchParticipant(ctx, r.cfg.CeremonyID, 0)
			}
		default:
			r.log.Info("waiting for turn", "status", p.Status, "progress", p.ContributionProgress)
			p, version, err = r.api.WatchParticipant(ctx, r.cfg.CeremonyID, version)
		}
		if err != nil {
			return p, err
		}
	}
}

// join registers the contributor, or loads its state when it is already
// registered.
func (r *Runner) join(ctx context.Context) (*interfaces.Participant, int64, error) {
	ok, err := r.api.CheckParticipant(ctx, r.cfg.CeremonyID)
	if err != nil {
		return nil, 0, err
	}
	if ok {
		p, err := r.api.Register(ctx, r.cfg.CeremonyID)
		if err == nil {
			r.log.Info("registered", "ceremony", r.cfg.CeremonyID, "status", p.Status)
			return p, 0, nil
		}
		if !errors.Is(err, interfaces.ErrAlreadyRegistered) {
			return nil, 0, err
		}
	}

	p, version, err := r.api.WatchParticipant(ctx, r.cfg.CeremonyID, 0)
	if err != nil {
		return nil, 0, err
	}
	if !ok && p.Status == interfaces.ParticipantTimedOut {
		return p, version, ErrPenalty
	}
	return p, version, nil
}

// turnFiles are the local paths of the artifacts of one turn.
type turnFiles struct {
	prev, next, transcript string
}

func (r *Runner) files(circuit *interfaces.Circuit, index int) turnFiles {
	return turnFiles{
		prev:       r.localPath(interfaces.ZkeyKey(circuit.Prefix, index)),
		next:       r.localPath(interfaces.ZkeyKey(circuit.Prefix, index+1)),
		transcript: r.localPath(interfaces.TranscriptKey(circuit.Prefix, index+1)),
	}
}

// localPath flattens an object key into the work directory. Artifact names
// already carry the circuit prefix and index.
func (r *Runner) localPath(key string) string {
	return filepath.Join(r.cfg.WorkDir, filepath.Base(key))
}

// contribute runs the remaining steps of the current turn of p.
func (r *Runner) contribute(ctx context.Context, p *interfaces.Participant) error {
	ceremony, err := r.api.GetCeremony(ctx, r.cfg.CeremonyID)
	if err != nil {
		return err
	}
	circuits, err := r.api.ListCircuits(ctx, r.cfg.CeremonyID)
	if err != nil {
		return err
	}
	if p.ContributionProgress < 1 || p.ContributionProgress > len(circuits) {
		return fmt.Errorf("%w: progress %d", interfaces.ErrNothingToContribute, p.ContributionProgress)
	}
	circuit := circuits[p.ContributionProgress-1]
	index := circuit.CurrentZkeyIndex()
	files := r.files(circuit, index)
	log := r.log.With("circuit", circuit.Prefix, "index", interfaces.ZkeyIndex(index+1))

	step := p.ContributionStep
	if step == interfaces.StepDownloading {
		if err := r.download(ctx, interfaces.ZkeyKey(circuit.Prefix, index), files.prev); err != nil {
			return err
		}
		log.Info("downloaded latest artifact")
		if step, err = r.nextStep(ctx); err != nil {
			return err
		}
	}

	if step == interfaces.StepComputing {
		if err := r.compute(ctx, circuit, index, p.UserID, files); err != nil {
			return err
		}
		if step, err = r.nextStep(ctx); err != nil {
			return err
		}
	}

	if step == interfaces.StepUploading {
		if err := r.uploadTurn(ctx, ceremony, circuit, index, p.TempContributionData, files); err != nil {
			return err
		}
		log.Info("uploaded contribution")
		if step, err = r.nextStep(ctx); err != nil {
			return err
		}
	}

	if step != interfaces.StepVerifying {
		return fmt.Errorf("%w: unexpected step %s", interfaces.ErrWrongStep, step)
	}

	var result *interfaces.VerificationResult
	err = retryOrdering(ctx, log, func() error {
		var err error
		result, err = r.api.VerifyContribution(ctx, r.cfg.CeremonyID, circuit.ID)
		return err
	})
	if err != nil {
		return err
	}
	log.Info("contribution verified", "valid", result.Valid, "verificationTime", result.VerificationTime)

	for _, path := range []string{files.prev, files.next, files.transcript} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("could not remove local artifact", "err", err, "path", path)
		}
	}
	return nil
}

func (r *Runner) nextStep(ctx context.Context) (interfaces.ContributionStep, error) {
	var step interfaces.ContributionStep
	err := retryOrdering(ctx, r.log, func() error {
		var err error
		step, err = r.api.ProgressToNextContributionStep(ctx, r.cfg.CeremonyID)
		return err
	})
	if errors.Is(err, interfaces.ErrNotContributing) {
		return step, fmt.Errorf("%w: %w", ErrEvicted, err)
	}
	return step, err
}

// download fetches key into path unless a decodable copy is already there.
func (r *Runner) download(ctx context.Context, key, path string) error {
	if _, err := readArtifact(path); err == nil {
		return nil
	}

	rc, err := r.api.OpenObject(ctx, r.cfg.CeremonyID, key)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", key, err)
	}
	defer rc.Close()

	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return fmt.Errorf("downloading %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// compute derives the next artifact and its transcript and records the
// contribution hash. An artifact computed before a restart is reused.
func (r *Runner) compute(ctx context.Context, circuit *interfaces.Circuit, index int, userID string, files turnFiles) error {
	next, err := readArtifact(files.next)
	var elapsed int64
	if err != nil {
		if err := r.download(ctx, interfaces.ZkeyKey(circuit.Prefix, index), files.prev); err != nil {
			return err
		}
		prev, err := readArtifact(files.prev)
		if err != nil {
			return err
		}
		entropy, err := r.entropy()
		if err != nil {
			return err
		}

		start := r.clock.Now()
		next, err = zkey.Contribute(prev, entropy)
		if err != nil {
			return err
		}
		elapsed = r.clock.Since(start).Milliseconds()

		if err := writeFile(files.next, next.Bytes()); err != nil {
			return err
		}
	}

	f, err := os.Create(files.transcript)
	if err != nil {
		return err
	}
	info := zkey.TranscriptInfo{
		Circuit:     circuit.Name,
		ZkeyIndex:   interfaces.ZkeyIndex(index + 1),
		Participant: userID,
	}
	if err := zkey.WriteTranscript(f, next, info); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	transcript, err := os.ReadFile(files.transcript)
	if err != nil {
		return err
	}
	hash, err := zkey.ParseContributionHash(string(transcript))
	if err != nil {
		return err
	}

	r.log.Info("contribution computed", "circuit", circuit.Prefix, "hash", hash, "computationTime", elapsed)
	return retryOrdering(ctx, r.log, func() error {
		return r.api.StoreContributionTimeAndHash(ctx, r.cfg.CeremonyID, elapsed, hash)
	})
}

func (r *Runner) entropy() ([]byte, error) {
	if len(r.cfg.Entropy) > 0 {
		return r.cfg.Entropy, nil
	}
	b := make([]byte, EntropySize)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// uploadTurn uploads the artifact, resuming the upload recorded in temp,
// and then the transcript. Objects already in the store are skipped.
func (r *Runner) uploadTurn(ctx context.Context, ceremony *interfaces.Ceremony, circuit *interfaces.Circuit, index int, temp *interfaces.TempContributionData, files turnFiles) error {
	uploader := upload.NewCoordinator(r.storage, ceremony.BucketName(), r.cfg.Upload, r.log)

	objects := []struct {
		key, path string
		cp        upload.Checkpoint
	}{
		{interfaces.ZkeyKey(circuit.Prefix, index+1), files.next, newParticipantCheckpoint(r.api, r.cfg.CeremonyID, temp)},
		{interfaces.TranscriptKey(circuit.Prefix, index+1), files.transcript, &memoryCheckpoint{}},
	}
	for _, obj := range objects {
		exists, err := r.api.ObjectExists(ctx, r.cfg.CeremonyID, obj.key)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		f, err := os.Open(obj.path)
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrLocalStateLost, obj.path)
		}
		if err != nil {
			return err
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}
		err = uploader.Upload(ctx, obj.key, f, st.Size(), obj.cp)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func readArtifact(path string) (*zkey.Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return zkey.Decode(f)
}

func writeFile(path string, data []byte) error {
	tmp := path + ".partial"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// retryOrdering runs fn and retries it once when it lost a race against
// another transaction.
func retryOrdering(ctx context.Context, log *slog.Logger, fn func() error) error {
	err := fn()
	if errors.Is(err, interfaces.ErrStaleContributor) || errors.Is(err, interfaces.ErrIndexMismatch) {
		if ctx.Err() != nil {
			return err
		}
		log.Warn("retrying after ordering conflict", "err", err)
		err = fn()
	}
	return err
}
