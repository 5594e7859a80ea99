package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
)

// S3Store implements interfaces.ArtifactStore using Amazon S3 or a
// compatible service. Large artifacts go through the S3 multipart API.
type S3Store struct {
	client      *s3.S3
	log         *slog.Logger
	locationURI string
}

// NewS3Store creates a new S3 artifact store. When accessKey and secretKey
// are empty the default AWS credential chain is used.
func NewS3Store(region, endpoint, accessKey, secretKey string, pathStyle bool, log *slog.Logger) (*S3Store, error) {
	uri := fmt.Sprintf("s3://?region=%s", region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	cfg := aws.Config{
		Region:           aws.String(region),
		S3ForcePathStyle: aws.Bool(pathStyle),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Store{
		client:      s3.New(sess),
		log:         log,
		locationURI: uri,
	}, nil
}

func isAWSCode(err error, codes ...string) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	for _, c := range codes {
		if aerr.Code() == c {
			return true
		}
	}
	return false
}

// CreateBucket implements interfaces.ArtifactStore.
func (b *S3Store) CreateBucket(ctx context.Context, bucket string) error {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	_, err = b.client.CreateBucketWithContext(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil && !isAWSCode(err, s3.ErrCodeBucketAlreadyOwnedByYou) {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	b.log.Info("Created S3 bucket", slog.String("bucket", bucket))
	return nil
}

// Put implements interfaces.ArtifactStore.
func (b *S3Store) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	body, ok := r.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		body = bytesReader(data)
	}
	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object to S3: %w", err)
	}
	b.log.Debug("Stored object in S3", slog.String("bucket", bucket), slog.String("key", key))
	return nil
}

// Get implements interfaces.ArtifactStore.
func (b *S3Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	start := time.Now()
	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAWSCode(err, s3.ErrCodeNoSuchKey, "NotFound") {
			return nil, fmt.Errorf("%w: %s/%s", interfaces.ErrObjectNotFound, bucket, key)
		}
		b.log.Error("Failed to get object from S3",
			slog.String("bucket", bucket),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	return result.Body, nil
}

// Exists implements interfaces.ArtifactStore.
func (b *S3Store) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAWSCode(err, s3.ErrCodeNoSuchKey, "NotFound") {
			return false, nil
		}
		return false, fmt.Errorf("failed to head object: %w", err)
	}
	return true, nil
}

// Delete implements interfaces.ArtifactStore.
func (b *S3Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isAWSCode(err, s3.ErrCodeNoSuchKey, "NotFound") {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// PresignGet implements interfaces.ArtifactStore.
func (b *S3Store) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	req, _ := b.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	req.SetContext(ctx)
	url, err := req.Presign(expiry)
	if err != nil {
		return "", fmt.Errorf("failed to presign GET: %w", err)
	}
	return url, nil
}

// BeginUpload implements interfaces.ArtifactStore.
func (b *S3Store) BeginUpload(ctx context.Context, bucket, key string) (string, error) {
	out, err := b.client.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create multipart upload: %w", err)
	}
	return aws.StringValue(out.UploadId), nil
}

// UploadChunk implements interfaces.ArtifactStore.
func (b *S3Store) UploadChunk(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.ReadSeeker, size int64) (string, error) {
	out, err := b.client.UploadPartWithContext(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int64(int64(partNumber)),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		if isAWSCode(err, s3.ErrCodeNoSuchUpload) {
			return "", fmt.Errorf("%w: %s", interfaces.ErrUploadNotFound, uploadID)
		}
		return "", fmt.Errorf("failed to upload part %d: %w", partNumber, err)
	}
	return aws.StringValue(out.ETag), nil
}

// ListParts implements interfaces.ArtifactStore.
func (b *S3Store) ListParts(ctx context.Context, bucket, key, uploadID string) ([]interfaces.Part, error) {
	var parts []interfaces.Part
	err := b.client.ListPartsPagesWithContext(ctx, &s3.ListPartsInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	}, func(page *s3.ListPartsOutput, lastPage bool) bool {
		for _, p := range page.Parts {
			parts = append(parts, interfaces.Part{
				PartNumber: int(aws.Int64Value(p.PartNumber)),
				ETag:       aws.StringValue(p.ETag),
			})
		}
		return true
	})
	if err != nil {
		if isAWSCode(err, s3.ErrCodeNoSuchUpload) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrUploadNotFound, uploadID)
		}
		return nil, fmt.Errorf("failed to list parts: %w", err)
	}
	return parts, nil
}

// CompleteUpload implements interfaces.ArtifactStore. S3 accepts gaps in
// the part sequence, so parts are checked against ListParts first.
func (b *S3Store) CompleteUpload(ctx context.Context, bucket, key, uploadID string, parts []interfaces.Part) error {
	recorded, err := b.ListParts(ctx, bucket, key, uploadID)
	if err != nil {
		return err
	}
	if err := checkParts(recorded, parts); err != nil {
		return err
	}

	completed := make([]*s3.CompletedPart, 0, len(parts))
	for i := 1; i <= len(parts); i++ {
		for _, p := range parts {
			if p.PartNumber == i {
				completed = append(completed, &s3.CompletedPart{
					ETag:       aws.String(p.ETag),
					PartNumber: aws.Int64(int64(p.PartNumber)),
				})
			}
		}
	}

	_, err = b.client.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		if isAWSCode(err, "InvalidPart", "InvalidPartOrder", "EntityTooSmall") {
			return fmt.Errorf("%w: %w", interfaces.ErrIncompleteOrMismatchedParts, err)
		}
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}
	b.log.Debug("Completed multipart upload", slog.String("bucket", bucket), slog.String("key", key), slog.Int("parts", len(parts)))
	return nil
}

// AbortUpload implements interfaces.ArtifactStore.
func (b *S3Store) AbortUpload(ctx context.Context, bucket, key, uploadID string) error {
	_, err := b.client.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		if isAWSCode(err, s3.ErrCodeNoSuchUpload) {
			return fmt.Errorf("%w: %s", interfaces.ErrUploadNotFound, uploadID)
		}
		return fmt.Errorf("failed to abort multipart upload: %w", err)
	}
	return nil
}

// ListPendingUploads implements interfaces.ArtifactStore.
func (b *S3Store) ListPendingUploads(ctx context.Context, bucket string) ([]interfaces.PendingUpload, error) {
	var pending []interfaces.PendingUpload
	err := b.client.ListMultipartUploadsPagesWithContext(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(bucket),
	}, func(page *s3.ListMultipartUploadsOutput, lastPage bool) bool {
		for _, u := range page.Uploads {
			pending = append(pending, interfaces.PendingUpload{
				Bucket:    bucket,
				Key:       aws.StringValue(u.Key),
				UploadID:  aws.StringValue(u.UploadId),
				Initiated: aws.TimeValue(u.Initiated),
			})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list multipart uploads: %w", err)
	}
	return pending, nil
}

// Name returns a unique identifier for this store.
func (b *S3Store) Name() string {
	return "s3"
}

// LocationURI returns the URI that identifies this store.
func (b *S3Store) LocationURI() string {
	return b.locationURI
}
