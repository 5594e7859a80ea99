package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
)

const uploadsDir = ".uploads"

// FileStore implements interfaces.ArtifactStore on the local file system.
// Buckets are directories under the base directory; multipart uploads are
// staged part by part and assembled on completion, with MD5 eTags like S3.
type FileStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

type fileUploadMeta struct {
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	Initiated time.Time `json:"initiated"`
}

// NewFileStore creates a file artifact store rooted at baseDir.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, uploadsDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

func (b *FileStore) objectPath(bucket, key string) (string, error) {
	if bucket == "" || strings.Contains(bucket, "/") || strings.HasPrefix(bucket, ".") {
		return "", fmt.Errorf("invalid bucket name %q", bucket)
	}
	clean := filepath.Clean("/" + key)
	if key == "" || clean == "/" {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(b.baseDir, bucket, clean), nil
}

func (b *FileStore) uploadDir(uploadID string) (string, error) {
	if _, err := uuid.Parse(uploadID); err != nil {
		return "", fmt.Errorf("%w: %s", interfaces.ErrUploadNotFound, uploadID)
	}
	return filepath.Join(b.baseDir, uploadsDir, uploadID), nil
}

// CreateBucket implements interfaces.ArtifactStore.
func (b *FileStore) CreateBucket(ctx context.Context, bucket string) error {
	if _, err := b.objectPath(bucket, "x"); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(b.baseDir, bucket), 0755)
}

// Put implements interfaces.ArtifactStore.
func (b *FileStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	p, err := b.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := writeAtomically(p, r); err != nil {
		return err
	}
	b.log.Debug("Stored object in file", slog.String("path", p))
	return nil
}

// Get implements interfaces.ArtifactStore.
func (b *FileStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	p, err := b.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", interfaces.ErrObjectNotFound, bucket, key)
	}
	return f, err
}

// Exists implements interfaces.ArtifactStore.
func (b *FileStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	p, err := b.objectPath(bucket, key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Delete implements interfaces.ArtifactStore.
func (b *FileStore) Delete(ctx context.Context, bucket, key string) error {
	p, err := b.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// PresignGet returns a file URL; local files need no signature.
func (b *FileStore) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	p, err := b.objectPath(bucket, key)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return "file://" + abs, nil
}

// BeginUpload implements interfaces.ArtifactStore.
func (b *FileStore) BeginUpload(ctx context.Context, bucket, key string) (string, error) {
	if _, err := b.objectPath(bucket, key); err != nil {
		return "", err
	}
	id := uuid.NewString()
	dir := filepath.Join(b.baseDir, uploadsDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	meta, err := json.Marshal(fileUploadMeta{Bucket: bucket, Key: key, Initiated: time.Now().UTC()})
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), meta, 0644); err != nil {
		return "", err
	}
	b.log.Debug("Began multipart upload", slog.String("bucket", bucket), slog.String("key", key), slog.String("uploadId", id))
	return id, nil
}

func (b *FileStore) openUpload(bucket, key, uploadID string) (string, error) {
	dir, err := b.uploadDir(uploadID)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", interfaces.ErrUploadNotFound, uploadID)
	}
	if err != nil {
		return "", err
	}
	var meta fileUploadMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return "", err
	}
	if meta.Bucket != bucket || meta.Key != key {
		return "", fmt.Errorf("%w: %s is not an upload of %s/%s", interfaces.ErrUploadNotFound, uploadID, bucket, key)
	}
	return dir, nil
}

func partFile(dir string, partNumber int) string {
	return filepath.Join(dir, fmt.Sprintf("part-%05d", partNumber))
}

// UploadChunk implements interfaces.ArtifactStore.
func (b *FileStore) UploadChunk(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.ReadSeeker, size int64) (string, error) {
	if partNumber < 1 || partNumber > 10000 {
		return "", fmt.Errorf("part number %d out of range", partNumber)
	}
	dir, err := b.openUpload(bucket, key, uploadID)
	if err != nil {
		return "", err
	}
	h := md5.New()
	if err := writeAtomically(partFile(dir, partNumber), io.TeeReader(r, h)); err != nil {
		return "", err
	}
	return `"` + hex.EncodeToString(h.Sum(nil)) + `"`, nil
}

// ListParts implements interfaces.ArtifactStore.
func (b *FileStore) ListParts(ctx context.Context, bucket, key, uploadID string) ([]interfaces.Part, error) {
	dir, err := b.openUpload(bucket, key, uploadID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var parts []interfaces.Part
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "part-") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, "part-"))
		if err != nil {
			continue
		}
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		h := md5.New()
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return nil, err
		}
		parts = append(parts, interfaces.Part{PartNumber: n, ETag: `"` + hex.EncodeToString(h.Sum(nil)) + `"`})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// CompleteUpload implements interfaces.ArtifactStore.
func (b *FileStore) CompleteUpload(ctx context.Context, bucket, key, uploadID string, parts []interfaces.Part) error {
	dir, err := b.openUpload(bucket, key, uploadID)
	if err != nil {
		return err
	}
	recorded, err := b.ListParts(ctx, bucket, key, uploadID)
	if err != nil {
		return err
	}
	if err := checkParts(recorded, parts); err != nil {
		return err
	}

	target, err := b.objectPath(bucket, key)
	if err != nil {
		return err
	}
	pr, pw := io.Pipe()
	go func() {
		for i := 1; i <= len(parts); i++ {
			f, err := os.Open(partFile(dir, i))
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			_, err = io.Copy(pw, f)
			f.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()
	if err := writeAtomically(target, pr); err != nil {
		pr.CloseWithError(err)
		return err
	}

	b.log.Debug("Completed multipart upload", slog.String("path", target), slog.Int("parts", len(parts)))
	return os.RemoveAll(dir)
}

// AbortUpload implements interfaces.ArtifactStore.
func (b *FileStore) AbortUpload(ctx context.Context, bucket, key, uploadID string) error {
	dir, err := b.openUpload(bucket, key, uploadID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// ListPendingUploads implements interfaces.ArtifactStore.
func (b *FileStore) ListPendingUploads(ctx context.Context, bucket string) ([]interfaces.PendingUpload, error) {
	entries, err := os.ReadDir(filepath.Join(b.baseDir, uploadsDir))
	if err != nil {
		return nil, err
	}
	var pending []interfaces.PendingUpload
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(b.baseDir, uploadsDir, e.Name(), "meta.json"))
		if err != nil {
			continue
		}
		var meta fileUploadMeta
		if err := json.Unmarshal(data, &meta); err != nil || meta.Bucket != bucket {
			continue
		}
		pending = append(pending, interfaces.PendingUpload{Bucket: meta.Bucket, Key: meta.Key, UploadID: e.Name(), Initiated: meta.Initiated})
	}
	return pending, nil
}

// Name returns a unique identifier for this store.
func (b *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this store.
func (b *FileStore) LocationURI() string {
	return b.locationURI
}

// writeAtomically writes r to path through a temporary file and a rename,
// so readers never observe a partially written object.
func writeAtomically(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
