package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/reelscope/reelscope/internal/db"
	"github.com/reelscope/reelscope/internal/ledger"
	"github.com/reelscope/reelscope/internal/merge"
)

func setupTestDB(t *testing.T) (*db.DB, Repository) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	database, err := db.New(dbPath, nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	repo := NewRepository(database.Conn())
	return database, repo
}

func TestService_RegisterUpload(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()

	l := ledger.New(database.Conn(), nil)
	svc := NewService(repo, l, nil)

	video, job, err := svc.RegisterUpload(context.Background(), UploadRequest{
		UserID:   "user-1",
		FilePath: "/data/uploads/videos/clip.mp4",
	})
	if err != nil {
		t.Fatalf("RegisterUpload() error = %v", err)
	}

	if video.Status != VideoStatusProcessing {
		t.Errorf("video status = %s, want %s", video.Status, VideoStatusProcessing)
	}
	if video.Title != "clip.mp4" {
		t.Errorf("title = %q, want filename fallback", video.Title)
	}
	if job.VideoID != video.ID || job.State != ledger.StateQueued {
		t.Errorf("job = %+v", job)
	}

	stored, err := repo.GetVideo(context.Background(), video.ID)
	if err != nil || stored == nil {
		t.Fatalf("GetVideo() = %v, %v", stored, err)
	}
	if stored.FilePath != "/data/uploads/videos/clip.mp4" || stored.UserID != "user-1" {
		t.Errorf("stored video = %+v", stored)
	}
}

func TestService_RegisterUpload_RejectsNonVideo(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()

	svc := NewService(repo, ledger.New(database.Conn(), nil), nil)

	_, _, err := svc.RegisterUpload(context.Background(), UploadRequest{FilePath: "/tmp/notes.txt"})
	if !errors.Is(err, ErrNotVideoFile) {
		t.Errorf("error = %v, want ErrNotVideoFile", err)
	}
}

func TestService_RetryAnalysis(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()

	ctx := context.Background()
	l := ledger.New(database.Conn(), nil)
	svc := NewService(repo, l, nil)

	video, first, err := svc.RegisterUpload(ctx, UploadRequest{VideoID: "v1", FilePath: "/videos/a.mov"})
	if err != nil {
		t.Fatalf("RegisterUpload() error = %v", err)
	}
	repo.SaveAnalysisError(ctx, video.ID, "dispatch rejected")

	second, err := svc.RetryAnalysis(ctx, "v1")
	if err != nil {
		t.Fatalf("RetryAnalysis() error = %v", err)
	}
	if second.ID == first.ID {
		t.Error("retry reused the previous job")
	}

	old, _ := l.Get(ctx, first.ID)
	if old.State != ledger.StateFailed {
		t.Errorf("previous job state = %s, want failed", old.State)
	}

	stored, _ := repo.GetVideo(ctx, "v1")
	if stored.Status != VideoStatusProcessing {
		t.Errorf("video status = %s, want processing", stored.Status)
	}

	if _, err := svc.RetryAnalysis(ctx, "missing"); !errors.Is(err, ErrVideoNotFound) {
		t.Errorf("RetryAnalysis(missing) error = %v, want ErrVideoNotFound", err)
	}
}

type fakeMergedData struct {
	deleted []string
	err     error
}

func (f *fakeMergedData) DeleteMergedData(ctx context.Context, videoID string) (*merge.DeleteResult, error) {
	f.deleted = append(f.deleted, videoID)
	if f.err != nil {
		return nil, f.err
	}
	return &merge.DeleteResult{EventsDeleted: 2, StatsDeleted: 1}, nil
}

func TestService_RetryAnalysis_ClearsMergedData(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()

	ctx := context.Background()
	l := ledger.New(database.Conn(), nil)
	svc := NewService(repo, l, nil)
	merged := &fakeMergedData{}
	svc.SetMergedDataStore(merged)

	if _, _, err := svc.RegisterUpload(ctx, UploadRequest{VideoID: "v1", FilePath: "/videos/a.mp4"}); err != nil {
		t.Fatalf("RegisterUpload() error = %v", err)
	}
	if _, err := svc.RetryAnalysis(ctx, "v1"); err != nil {
		t.Fatalf("RetryAnalysis() error = %v", err)
	}
	if len(merged.deleted) != 1 || merged.deleted[0] != "v1" {
		t.Errorf("deleted = %v, want [v1]", merged.deleted)
	}

	// A failed purge must not enqueue a run whose results would be skipped.
	merged.err = errors.New("disk I/O error")
	before, _ := l.GetActiveByVideo(ctx, "v1")
	if _, err := svc.RetryAnalysis(ctx, "v1"); err == nil {
		t.Fatal("RetryAnalysis() succeeded despite purge failure")
	}
	after, _ := l.GetActiveByVideo(ctx, "v1")
	if after.ID != before.ID {
		t.Errorf("active job changed to %s after failed retry", after.ID)
	}
}

func TestRepository_AnalysisOutcome(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()

	ctx := context.Background()
	svc := NewService(repo, ledger.New(database.Conn(), nil), nil)
	video, _, _ := svc.RegisterUpload(ctx, UploadRequest{FilePath: "/videos/b.mp4"})

	if err := repo.SaveAnalysisError(ctx, video.ID, "boom"); err != nil {
		t.Fatalf("SaveAnalysisError() error = %v", err)
	}
	got, _ := repo.GetVideo(ctx, video.ID)
	if got.Status != VideoStatusError || got.AnalysisError != "boom" {
		t.Errorf("after error = %s / %q", got.Status, got.AnalysisError)
	}

	result := json.RawMessage(`{"databaseCopied":true}`)
	if err := repo.SaveAnalysisResult(ctx, video.ID, result); err != nil {
		t.Fatalf("SaveAnalysisResult() error = %v", err)
	}
	got, _ = repo.GetVideo(ctx, video.ID)
	if got.Status != VideoStatusReady {
		t.Errorf("status = %s, want ready", got.Status)
	}
	if got.AnalysisError != "" {
		t.Errorf("analysis error not cleared: %q", got.AnalysisError)
	}
	if string(got.AnalysisResult) != string(result) {
		t.Errorf("result = %s", got.AnalysisResult)
	}
	if got.AnalysisCompletedAt == nil {
		t.Error("completion time not recorded")
	}
}

func TestRepository_Config(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()

	ctx := context.Background()
	if v, err := repo.GetConfig(ctx, "auth_token"); err != nil || v != "" {
		t.Fatalf("GetConfig() on empty = %q, %v", v, err)
	}
	repo.SetConfig(ctx, "auth_token", "a")
	repo.SetConfig(ctx, "auth_token", "b")
	if v, _ := repo.GetConfig(ctx, "auth_token"); v != "b" {
		t.Errorf("GetConfig() = %q, want b", v)
	}
}

func TestIsVideoFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"clip.mp4", true},
		{"CLIP.MOV", true},
		{"a.webm", true},
		{"notes.txt", false},
		{"noext", false},
	}
	for _, tt := range tests {
		if got := IsVideoFile(tt.name); got != tt.want {
			t.Errorf("IsVideoFile(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
