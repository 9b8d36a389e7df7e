package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/reelscope/reelscope/internal/ledger"
	"github.com/reelscope/reelscope/internal/merge"
)

var (
	ErrVideoNotFound   = errors.New("video not found")
	ErrNotVideoFile    = errors.New("file is not a supported video format")
	ErrMissingFilePath = errors.New("file path is required")
)

// Enqueuer schedules an analysis job for a video.
type Enqueuer interface {
	Enqueue(ctx context.Context, req ledger.EnqueueRequest) (*ledger.Job, error)
}

// UploadRequest describes a video the upload collaborator has stored on disk.
type UploadRequest struct {
	VideoID     string
	UserID      string
	Title       string
	Description string
	FilePath    string
}

// MergedDataStore removes the analysis rows merged for a video.
type MergedDataStore interface {
	DeleteMergedData(ctx context.Context, videoID string) (*merge.DeleteResult, error)
}

type Service struct {
	repo     Repository
	enqueuer Enqueuer
	merged   MergedDataStore
	logger   *slog.Logger
}

func NewService(repo Repository, enqueuer Enqueuer, logger *slog.Logger) *Service {
	return &Service{repo: repo, enqueuer: enqueuer, logger: logger}
}

// SetMergedDataStore makes RetryAnalysis clear the previous run's merged
// rows, so the next completed callback merges fresh results.
func (s *Service) SetMergedDataStore(m MergedDataStore) {
	s.merged = m
}

// RegisterUpload records a freshly uploaded video as processing and enqueues
// its analysis.
func (s *Service) RegisterUpload(ctx context.Context, req UploadRequest) (*Video, *ledger.Job, error) {
	if req.FilePath == "" {
		return nil, nil, ErrMissingFilePath
	}
	filename := filepath.Base(req.FilePath)
	if !IsVideoFile(filename) {
		return nil, nil, fmt.Errorf("%s: %w", filename, ErrNotVideoFile)
	}

	id := req.VideoID
	if id == "" {
		id = NewID()
	}
	title := req.Title
	if title == "" {
		title = filename
	}

	now := time.Now()
	video := &Video{
		ID:          id,
		UserID:      req.UserID,
		Title:       title,
		Description: req.Description,
		Filename:    filename,
		FilePath:    req.FilePath,
		Status:      VideoStatusProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateVideo(ctx, video); err != nil {
		return nil, nil, fmt.Errorf("create video: %w", err)
	}

	job, err := s.enqueue(ctx, video)
	if err != nil {
		if serr := s.repo.SaveAnalysisError(ctx, video.ID, err.Error()); serr != nil && s.logger != nil {
			s.logger.Error("failed to record enqueue error", "video_id", video.ID, "error", serr)
		}
		return video, nil, err
	}

	if s.logger != nil {
		s.logger.Info("upload registered", "video_id", video.ID, "job_id", job.ID, "filename", filename)
	}
	return video, job, nil
}

// RetryAnalysis re-enqueues analysis for an existing video, superseding any
// job still in flight for it and clearing its merged results.
func (s *Service) RetryAnalysis(ctx context.Context, videoID string) (*ledger.Job, error) {
	video, err := s.repo.GetVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if video == nil {
		return nil, ErrVideoNotFound
	}

	if s.merged != nil {
		res, err := s.merged.DeleteMergedData(ctx, videoID)
		if err != nil {
			return nil, fmt.Errorf("clear merged analysis data: %w", err)
		}
		if s.logger != nil && (res.EventsDeleted > 0 || res.StatsDeleted > 0) {
			s.logger.Info("cleared previous analysis data",
				"video_id", videoID,
				"events", res.EventsDeleted,
				"stats", res.StatsDeleted,
			)
		}
	}

	if err := s.repo.UpdateVideoStatus(ctx, videoID, VideoStatusProcessing); err != nil {
		return nil, fmt.Errorf("reset video status: %w", err)
	}

	job, err := s.enqueue(ctx, video)
	if err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.Info("analysis re-enqueued", "video_id", videoID, "job_id", job.ID)
	}
	return job, nil
}

func (s *Service) GetVideo(ctx context.Context, id string) (*Video, error) {
	return s.repo.GetVideo(ctx, id)
}

func (s *Service) ListVideos(ctx context.Context, limit int) ([]*Video, error) {
	return s.repo.ListVideos(ctx, limit)
}

func (s *Service) enqueue(ctx context.Context, v *Video) (*ledger.Job, error) {
	if s.enqueuer == nil {
		return nil, errors.New("analysis queue not configured")
	}
	return s.enqueuer.Enqueue(ctx, ledger.EnqueueRequest{
		VideoID:     v.ID,
		FilePath:    v.FilePath,
		Filename:    v.Filename,
		SubmitterID: v.UserID,
		Title:       v.Title,
		Description: v.Description,
	})
}
