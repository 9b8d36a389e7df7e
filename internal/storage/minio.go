// Package storage archives analysis output directories to MinIO.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/reelscope/reelscope/internal/logging"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// objectStore is the subset of *minio.Client the archiver uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Archiver struct {
	client objectStore
	bucket string
	logger *slog.Logger

	bucketOnce sync.Once
	bucketErr  error
}

func NewArchiver(cfg Config, logger *slog.Logger) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return newArchiver(client, cfg.Bucket, logger), nil
}

func newArchiver(client objectStore, bucket string, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Archiver{
		client: client,
		bucket: bucket,
		logger: logging.WithComponent(logger, "storage"),
	}
}

func (a *Archiver) ensureBucket(ctx context.Context) error {
	a.bucketOnce.Do(func() {
		exists, err := a.client.BucketExists(ctx, a.bucket)
		if err != nil {
			a.bucketErr = fmt.Errorf("check bucket %s: %w", a.bucket, err)
			return
		}
		if !exists {
			if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
				a.bucketErr = fmt.Errorf("create bucket %s: %w", a.bucket, err)
			}
		}
	})
	return a.bucketErr
}

// ArchiveDir uploads every regular file under dir to <videoID>/<relative path>
// and returns the number of objects written.
func (a *Archiver) ArchiveDir(ctx context.Context, videoID, dir string) (int, error) {
	if err := a.ensureBucket(ctx); err != nil {
		return 0, err
	}

	uploaded := 0
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := ObjectKey(videoID, rel)
		if _, err := a.client.FPutObject(ctx, a.bucket, key, p, minio.PutObjectOptions{
			ContentType: contentType(p),
		}); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		uploaded++
		return nil
	})
	if err != nil {
		return uploaded, err
	}

	a.logger.Info("output directory archived", "video_id", videoID, "bucket", a.bucket, "objects", uploaded)
	return uploaded, nil
}

func ObjectKey(videoID, rel string) string {
	return path.Join(videoID, filepath.ToSlash(rel))
}

func contentType(p string) string {
	switch filepath.Ext(p) {
	case ".json":
		return "application/json"
	case ".mp4":
		return "video/mp4"
	case ".db":
		return "application/vnd.sqlite3"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
