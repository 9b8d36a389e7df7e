package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
)

type fakeStore struct {
	mu       sync.Mutex
	exists   bool
	existErr error
	made     int
	objects  map[string]string // key -> content type
	putErr   error
}

func (f *fakeStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return f.exists, f.existErr
}

func (f *fakeStore) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	f.made++
	f.exists = true
	return nil
}

func (f *fakeStore) FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	if f.objects == nil {
		f.objects = map[string]string{}
	}
	f.objects[object] = opts.ContentType
	return minio.UploadInfo{Bucket: bucket, Key: object}, nil
}

func writeOutputDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"info.json":             `{}`,
		"video_stats.db":        "sqlite",
		"clip_annotated.mp4":    "video",
		"frames/frame_0001.jpg": "jpg",
	}
	for name, body := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestArchiveDir_UploadsAllFiles(t *testing.T) {
	store := &fakeStore{}
	a := newArchiver(store, "analysis-output", nil)
	dir := writeOutputDir(t)

	n, err := a.ArchiveDir(context.Background(), "v1", dir)
	if err != nil {
		t.Fatalf("ArchiveDir() error = %v", err)
	}
	if n != 4 {
		t.Errorf("uploaded = %d, want 4", n)
	}
	if store.made != 1 {
		t.Errorf("MakeBucket calls = %d, want 1", store.made)
	}

	keys := make([]string, 0, len(store.objects))
	for k := range store.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	want := []string{"v1/clip_annotated.mp4", "v1/frames/frame_0001.jpg", "v1/info.json", "v1/video_stats.db"}
	for i := range want {
		if i >= len(keys) || keys[i] != want[i] {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}
	if ct := store.objects["v1/info.json"]; ct != "application/json" {
		t.Errorf("info.json content type = %q", ct)
	}

	// Bucket is checked once per archiver.
	if _, err := a.ArchiveDir(context.Background(), "v2", dir); err != nil {
		t.Fatalf("second ArchiveDir() error = %v", err)
	}
	if store.made != 1 {
		t.Errorf("MakeBucket calls = %d, want 1", store.made)
	}
}

func TestArchiveDir_BucketError(t *testing.T) {
	store := &fakeStore{existErr: errors.New("access denied")}
	a := newArchiver(store, "analysis-output", nil)

	if _, err := a.ArchiveDir(context.Background(), "v1", t.TempDir()); err == nil {
		t.Fatal("expected bucket error")
	}
}

func TestArchiveDir_UploadError(t *testing.T) {
	store := &fakeStore{exists: true, putErr: errors.New("connection reset")}
	a := newArchiver(store, "analysis-output", nil)

	n, err := a.ArchiveDir(context.Background(), "v1", writeOutputDir(t))
	if err == nil {
		t.Fatal("expected upload error")
	}
	if n != 0 {
		t.Errorf("uploaded = %d, want 0", n)
	}
}

func TestArchiveDir_MissingDir(t *testing.T) {
	a := newArchiver(&fakeStore{exists: true}, "b", nil)
	if _, err := a.ArchiveDir(context.Background(), "v1", filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
