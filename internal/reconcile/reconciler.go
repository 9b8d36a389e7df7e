// Package reconcile applies analysis-service callbacks to the job ledger and
// the video records, merging the per-video results store on completion.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/reelscope/reelscope/internal/catalog"
	"github.com/reelscope/reelscope/internal/ledger"
	"github.com/reelscope/reelscope/internal/logging"
	"github.com/reelscope/reelscope/internal/merge"
	"github.com/reelscope/reelscope/internal/metrics"
	"github.com/reelscope/reelscope/internal/pipeline"
	"github.com/reelscope/reelscope/internal/status"
)

const postProcessTimeout = 15 * time.Minute

type Merger interface {
	Merge(ctx context.Context, videoID string) (*merge.Result, error)
	CheckDataExists(ctx context.Context, videoID string) (bool, error)
	OutputDir(videoID string) string
}

type VideoStore interface {
	GetVideo(ctx context.Context, id string) (*catalog.Video, error)
	SaveAnalysisResult(ctx context.Context, id string, result json.RawMessage) error
	SaveAnalysisError(ctx context.Context, id, errorMsg string) error
}

// Archiver copies a finished output directory to object storage.
type Archiver interface {
	ArchiveDir(ctx context.Context, videoID, dir string) (int, error)
}

type Option func(*Reconciler)

// WithTranscoder enables the H.264 transcode of the annotated output.
func WithTranscoder(t pipeline.Transcoder) Option {
	return func(r *Reconciler) {
		r.transcoder = t
		r.doctor = pipeline.NewCachedDoctor(t, r.logger)
	}
}

func WithArchiver(a Archiver) Option {
	return func(r *Reconciler) { r.archiver = a }
}

type Reconciler struct {
	ledger *ledger.Ledger
	cache  *status.Cache
	merger Merger
	videos VideoStore
	logger *slog.Logger

	transcoder pipeline.Transcoder
	doctor     *pipeline.CachedDoctor
	archiver   Archiver

	keys *keyedMutex
	bg   sync.WaitGroup
}

func New(l *ledger.Ledger, cache *status.Cache, merger Merger, videos VideoStore, logger *slog.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Reconciler{
		ledger: l,
		cache:  cache,
		merger: merger,
		videos: videos,
		logger: logging.WithComponent(logger, "reconcile"),
		keys:   newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle reconciles one callback. The only error it returns is
// ErrMalformedCallback; internal failures are logged and still acknowledged.
func (r *Reconciler) Handle(ctx context.Context, cb Callback) (*Ack, error) {
	if err := cb.validate(); err != nil {
		metrics.CallbacksTotal.WithLabelValues("malformed").Inc()
		return nil, err
	}

	ctx, span := otel.Tracer("reelscope/reconcile").Start(ctx, "reconcile.callback")
	defer span.End()
	span.SetAttributes(
		attribute.String("video.id", cb.VideoID),
		attribute.String("callback.status", cb.Status),
	)

	unlock := r.keys.Lock(cb.VideoID)
	defer unlock()

	logger := logging.WithVideoID(r.logger, cb.VideoID)
	logger.Info("callback received", "status", cb.Status)

	job, err := r.ledger.GetLatestByVideo(ctx, cb.VideoID)
	if err != nil {
		logger.Error("ledger lookup failed; reconciling without job", "error", err)
		job = nil
	}
	if job == nil {
		logger.Warn("no analysis job recorded for video")
	} else {
		logger = logging.WithJobID(logger, job.ID)
		if job.State.Terminal() {
			logger.Info("job already finished; ignoring duplicate callback", "state", job.State)
			metrics.CallbacksTotal.WithLabelValues("duplicate").Inc()
			return &Ack{Success: true, Message: "callback already processed", VideoID: cb.VideoID}, nil
		}
	}

	switch cb.Status {
	case StatusCompleted:
		r.completed(ctx, logger, cb, job)
	case StatusFailed:
		span.SetStatus(codes.Error, "analysis failed")
		r.failed(ctx, logger, cb, job)
	}

	metrics.CallbacksTotal.WithLabelValues(cb.Status).Inc()
	return &Ack{Success: true, Message: "callback processed", VideoID: cb.VideoID}, nil
}

func (r *Reconciler) completed(ctx context.Context, logger *slog.Logger, cb Callback, job *ledger.Job) {
	doc := newResultDoc(cb)

	if err := r.mergeResults(ctx, logger, cb.VideoID, job == nil); err != nil {
		doc.set("databaseCopied", false)
		doc.set("databaseError", err.Error())
		r.overlayInfoFile(logger, cb.VideoID, doc)
	} else {
		doc.set("databaseCopied", true)
	}

	result, err := json.Marshal(doc)
	if err != nil {
		logger.Error("failed to encode analysis result", "error", err)
		result = json.RawMessage(`{}`)
	}

	if err := r.videos.SaveAnalysisResult(ctx, cb.VideoID, result); err != nil {
		logger.Error("failed to save analysis result", "error", err)
	}

	if job != nil {
		if err := r.ledger.MarkCompleted(ctx, job.ID); err != nil {
			if errors.Is(err, ledger.ErrStaleTransition) {
				logger.Info("job finished concurrently; completion not recorded")
			} else {
				logger.Error("failed to mark job completed", "error", err)
			}
		}
	}
	r.cache.MarkCompleted(cb.VideoID, result)
	metrics.JobsFinishedTotal.WithLabelValues(string(ledger.StateCompleted)).Inc()
	logger.Info("analysis completed")

	r.postProcess(cb.VideoID)
}

// mergeResults copies the external store. A callback with a live ledger job
// always merges; the terminal-job check already rejected duplicates. Without a
// ledger job there is nothing to dedupe on, so existing merged rows win.
func (r *Reconciler) mergeResults(ctx context.Context, logger *slog.Logger, videoID string, untracked bool) error {
	if untracked {
		exists, err := r.merger.CheckDataExists(ctx, videoID)
		if err != nil {
			logger.Warn("merged data check failed; merging anyway", "error", err)
		}
		if exists {
			logger.Info("merged data already present; skipping merge")
			return nil
		}
	}

	res, err := r.merger.Merge(ctx, videoID)
	if err != nil {
		logger.Warn("result merge failed; falling back to staged info file", "error", err)
		return err
	}
	logger.Info("results merged", "stats_copied", res.StatsCopied, "events", res.EventsCount)
	return nil
}

func (r *Reconciler) overlayInfoFile(logger *slog.Logger, videoID string, doc resultDoc) {
	path := filepath.Join(r.merger.OutputDir(videoID), InfoFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to read staged info file", "error", err)
		}
		return
	}
	if err := doc.overlay(data); err != nil {
		logger.Warn("staged info file is not a JSON object", "error", err)
	}
}

func (r *Reconciler) failed(ctx context.Context, logger *slog.Logger, cb Callback, job *ledger.Job) {
	msg := cb.ErrorMessage()

	if err := r.videos.SaveAnalysisError(ctx, cb.VideoID, msg); err != nil {
		logger.Error("failed to save analysis error", "error", err)
	}
	if job != nil {
		if err := r.ledger.MarkFailed(ctx, job.ID, msg); err != nil {
			if errors.Is(err, ledger.ErrStaleTransition) {
				logger.Info("job finished concurrently; failure not recorded")
			} else {
				logger.Error("failed to mark job failed", "error", err)
			}
		}
	}
	r.cache.MarkFailed(cb.VideoID, msg)
	metrics.JobsFinishedTotal.WithLabelValues(string(ledger.StateFailed)).Inc()
	logger.Error("analysis reported failure", "error", msg)
}

// postProcess runs the transcode and archive steps detached from the
// callback. Their outcome is only logged.
func (r *Reconciler) postProcess(videoID string) {
	if r.transcoder == nil && r.archiver == nil {
		return
	}
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), postProcessTimeout)
		defer cancel()

		logger := logging.WithVideoID(r.logger, videoID)
		if r.transcoder != nil {
			r.transcode(ctx, logger, videoID)
		}
		if r.archiver != nil {
			dir := r.merger.OutputDir(videoID)
			n, err := r.archiver.ArchiveDir(ctx, videoID, dir)
			if err != nil {
				logger.Warn("archive failed", "error", err)
				return
			}
			logger.Info("analysis output archived", "files", n)
		}
	}()
}

func (r *Reconciler) transcode(ctx context.Context, logger *slog.Logger, videoID string) {
	caps, err := r.doctor.Get(ctx)
	if err != nil || !caps.Available {
		logger.Warn("ffmpeg unavailable; skipping transcode")
		return
	}

	video, err := r.videos.GetVideo(ctx, videoID)
	if err != nil || video == nil {
		logger.Warn("video record unavailable; skipping transcode", "error", err)
		return
	}

	annotated, transcoded := pipeline.AnnotatedNames(video.Filename)
	dirs := []string{r.merger.OutputDir(videoID)}
	if video.FilePath != "" {
		dirs = append(dirs, filepath.Dir(video.FilePath))
	}

	for _, dir := range dirs {
		in := filepath.Join(dir, annotated)
		if _, err := os.Stat(in); err != nil {
			continue
		}
		res, err := r.transcoder.Transcode(ctx, in, filepath.Join(dir, transcoded))
		if err != nil {
			logger.Warn("transcode failed", "error", err)
			return
		}
		logger.Info("annotated video transcoded",
			"output", logging.SanitizePath(res.OutputPath),
			"size", res.Size,
			"duration_ms", res.Duration.Milliseconds(),
		)
		return
	}
	logger.Warn("annotated video not found; skipping transcode", "filename", annotated)
}

// TranscoderStatus reports the cached ffmpeg probe, or nil when transcoding
// is not configured.
func (r *Reconciler) TranscoderStatus(ctx context.Context) *pipeline.Capabilities {
	if r.doctor == nil {
		return nil
	}
	caps, err := r.doctor.Get(ctx)
	if err != nil {
		return &pipeline.Capabilities{Error: err.Error(), ProbedAt: time.Now()}
	}
	return caps
}

// Wait blocks until detached post-processing has finished.
func (r *Reconciler) Wait() {
	r.bg.Wait()
}
