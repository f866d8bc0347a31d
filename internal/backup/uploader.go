// Package backup provides optional offsite archival of corrupted queue-store
// backup files. When S3 is not configured (empty bucket), a NoopUploader is
// used and archival is skipped, which is safe since corruption recovery
// already leaves the renamed backup file on local disk regardless.
package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config configures the offsite archival destination.
type Config struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    *bool
}

// s3Client defines the minimal minio.Client surface used by S3Uploader,
// narrowed for testability.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// S3Uploader archives corrupted queue-db backup files to S3-compatible
// storage, satisfying queue.BackupUploader.
type S3Uploader struct {
	client s3Client
	bucket string
}

// Upload archives the backup file at path. The object key is derived from
// the backup file's own basename, which already carries the corruption
// timestamp (see queue.recoverFromCorruption).
func (u *S3Uploader) Upload(ctx context.Context, path string) error {
	key := objectKey(path)
	if _, err := u.client.FPutObject(ctx, u.bucket, key, path, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}); err != nil {
		return fmt.Errorf("upload queue backup to S3: %w", err)
	}
	return nil
}

// NoopUploader is used when S3 storage is not configured.
type NoopUploader struct{}

// Upload is a no-op when S3 is not configured.
func (u *NoopUploader) Upload(ctx context.Context, path string) error { return nil }

// NewUploader builds the appropriate uploader from cfg: NoopUploader when
// Bucket is empty, S3Uploader otherwise.
func NewUploader(cfg Config) (interface {
	Upload(ctx context.Context, path string) error
}, error) {
	if cfg.Bucket == "" {
		return &NoopUploader{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{client: client, bucket: cfg.Bucket}, nil
}

// objectKey derives the S3 object key from the backup file's basename,
// prefixed by the current date for simple lifecycle-policy partitioning.
func objectKey(path string) string {
	return fmt.Sprintf("queue-backups/%s/%s", time.Now().Format("2006-01-02"), filepath.Base(path))
}
