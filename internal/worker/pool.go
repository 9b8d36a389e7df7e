// Package worker runs the bounded pool that dispatches queued analysis jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/reelscope/reelscope/internal/dispatch"
	"github.com/reelscope/reelscope/internal/ledger"
	"github.com/reelscope/reelscope/internal/logging"
	"github.com/reelscope/reelscope/internal/metrics"
	"github.com/reelscope/reelscope/internal/status"
)

const (
	StreamPath   = "/api/videos/stream/"
	CallbackPath = "/api/analysis/webhook/analysis-complete"
)

// ErrSourceMissing means the uploaded file is gone; the job cannot succeed.
var ErrSourceMissing = errors.New("source file not found")

// VideoErrorRecorder persists terminal analysis failures on the video record.
type VideoErrorRecorder interface {
	SaveAnalysisError(ctx context.Context, videoID, errorMsg string) error
}

type Config struct {
	Concurrency   int
	PollInterval  time.Duration
	RetryBase     time.Duration
	RetryMax      time.Duration
	PublicBaseURL string
	OutputRoot    string
}

type Pool struct {
	ledger *ledger.Ledger
	cache  *status.Cache
	client dispatch.Client
	videos VideoErrorRecorder
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	slots   chan struct{}
	wake    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
	paused  atomic.Bool
}

func NewPool(l *ledger.Ledger, cache *status.Cache, client dispatch.Client, videos VideoErrorRecorder, cfg Config, logger *slog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 30 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 10 * time.Minute
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Pool{
		ledger: l,
		cache:  cache,
		client: client,
		videos: videos,
		cfg:    cfg,
		logger: logging.WithComponent(logger, "worker"),
		now:    time.Now,
		slots:  make(chan struct{}, cfg.Concurrency),
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue records a job in the ledger and wakes the pool.
func (p *Pool) Enqueue(ctx context.Context, req ledger.EnqueueRequest) (*ledger.Job, error) {
	job, err := p.ledger.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	p.cache.SetState(job.VideoID, job.State)
	metrics.JobsEnqueuedTotal.Inc()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return job, nil
}

// RebuildCache repopulates the status cache from the ledger's active jobs.
func (p *Pool) RebuildCache(ctx context.Context) error {
	jobs, err := p.ledger.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	p.cache.Rebuild(jobs)
	p.logger.Info("status cache rebuilt", "active_jobs", len(jobs))
	return nil
}

// Start runs the poll loop until ctx is cancelled, then waits for in-flight
// dispatches to return.
func (p *Pool) Start(ctx context.Context) {
	if p.running.Swap(true) {
		return
	}

	p.logger.Info("worker pool started", "concurrency", p.cfg.Concurrency)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker pool stopping")
			p.wg.Wait()
			p.running.Store(false)
			return
		case <-ticker.C:
		case <-p.wake:
		}
		if !p.paused.Load() {
			p.poll(ctx)
		}
	}
}

func (p *Pool) Pause() {
	p.paused.Store(true)
	p.logger.Info("worker pool paused")
}

func (p *Pool) Resume() {
	p.paused.Store(false)
	p.logger.Info("worker pool resumed")
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) IsPaused() bool {
	return p.paused.Load()
}

func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

func (p *Pool) Concurrency() int {
	return cap(p.slots)
}

// ActiveCount is the number of jobs currently being dispatched.
func (p *Pool) ActiveCount() int {
	return len(p.slots)
}

func (p *Pool) poll(ctx context.Context) {
	free := cap(p.slots) - len(p.slots)
	if free <= 0 || ctx.Err() != nil {
		return
	}

	jobs, err := p.ledger.ListDue(ctx, free)
	if err != nil {
		p.logger.Error("failed to list due jobs", "error", err)
		return
	}

	for _, job := range jobs {
		select {
		case p.slots <- struct{}{}:
		default:
			return
		}

		claimed, err := p.ledger.Claim(ctx, job.ID)
		if err != nil {
			<-p.slots
			switch {
			case errors.Is(err, ledger.ErrAttemptsExhausted):
				logger := logging.WithVideoID(logging.WithJobID(p.logger, job.ID), job.VideoID)
				cause := err
				if job.LastError != "" {
					cause = fmt.Errorf("%s: %w", job.LastError, err)
				}
				p.fail(ctx, logger, job, cause)
			case !errors.Is(err, ledger.ErrStaleTransition):
				p.logger.Error("failed to claim job", "job_id", job.ID, "error", err)
			}
			continue
		}

		p.wg.Add(1)
		go func(j *ledger.Job) {
			defer p.wg.Done()
			defer func() { <-p.slots }()
			metrics.ActiveWorkers.Inc()
			defer metrics.ActiveWorkers.Dec()
			p.process(ctx, j)
		}(claimed)
	}
}

// process runs one dispatch attempt for a claimed job.
func (p *Pool) process(ctx context.Context, job *ledger.Job) {
	logger := logging.WithVideoID(logging.WithJobID(p.logger, job.ID), job.VideoID)

	ctx, span := otel.Tracer("reelscope/worker").Start(ctx, "worker.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("video.id", job.VideoID),
		attribute.Int("job.attempt", job.AttemptCount),
	)

	p.cache.SetState(job.VideoID, ledger.StateDispatching)
	logger.Info("dispatching job", "attempt", job.AttemptCount, "max_attempts", job.MaxAttempts)

	if _, err := os.Stat(job.FilePath); err != nil {
		span.SetStatus(codes.Error, "source missing")
		p.fail(ctx, logger, job, fmt.Errorf("%w: %s", ErrSourceMissing, job.Filename))
		return
	}

	req := dispatch.Request{
		VideoID:     job.VideoID,
		URL:         p.cfg.PublicBaseURL + StreamPath + url.PathEscape(job.Filename),
		Filename:    job.Filename,
		Title:       job.Title,
		UserID:      job.SubmitterID,
		OutputDir:   filepath.Join(p.cfg.OutputRoot, job.VideoID),
		CallbackURL: p.cfg.PublicBaseURL + CallbackPath,
	}

	_, err := p.client.Dispatch(ctx, req)
	if err != nil && ctx.Err() != nil {
		// Shutting down. The job stays dispatching and is requeued on the
		// next start.
		logger.Warn("dispatch interrupted by shutdown", "error", err)
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		p.handleDispatchError(ctx, logger, job, err)
		return
	}

	if err := p.ledger.MarkAwaitingCallback(ctx, job.ID); err != nil {
		if errors.Is(err, ledger.ErrStaleTransition) {
			// A callback or a newer enqueue got there first.
			logger.Info("job moved on during dispatch; leaving ledger as is")
			return
		}
		logger.Error("failed to record dispatch acceptance", "error", err)
		return
	}
	p.cache.SetState(job.VideoID, ledger.StateAwaitingCallback)
	logger.Info("analysis accepted; awaiting callback")
}

func (p *Pool) handleDispatchError(ctx context.Context, logger *slog.Logger, job *ledger.Job, err error) {
	var de *dispatch.Error
	retryable := errors.As(err, &de) && de.IsRetryable()

	if !retryable || job.AttemptsExhausted() {
		p.fail(ctx, logger, job, err)
		return
	}

	delay := Backoff(job.AttemptCount, p.cfg.RetryBase, p.cfg.RetryMax)
	retryAt := p.now().Add(delay)
	if serr := p.ledger.ScheduleRetry(ctx, job.ID, err.Error(), retryAt); serr != nil {
		if errors.Is(serr, ledger.ErrStaleTransition) {
			logger.Info("job moved on during dispatch; retry dropped")
			return
		}
		logger.Error("failed to schedule retry", "error", serr)
		return
	}

	p.cache.SetState(job.VideoID, ledger.StateQueued)
	metrics.RetryTotal.WithLabelValues(strconv.Itoa(job.AttemptCount)).Inc()
	logger.Warn("dispatch failed; retry scheduled",
		"error", err,
		"attempt", job.AttemptCount,
		"retry_in", delay.String(),
	)
}

func (p *Pool) fail(ctx context.Context, logger *slog.Logger, job *ledger.Job, cause error) {
	msg := cause.Error()

	if err := p.ledger.MarkFailed(ctx, job.ID, msg); err != nil {
		if errors.Is(err, ledger.ErrStaleTransition) {
			logger.Info("job already finished; failure not recorded", "error", msg)
			return
		}
		logger.Error("failed to mark job failed", "error", err)
	}

	if p.videos != nil {
		if err := p.videos.SaveAnalysisError(ctx, job.VideoID, msg); err != nil {
			logger.Error("failed to record video error", "error", err)
		}
	}
	p.cache.MarkFailed(job.VideoID, msg)
	metrics.JobsFinishedTotal.WithLabelValues(string(ledger.StateFailed)).Inc()
	logger.Error("analysis job failed", "error", msg, "attempts", job.AttemptCount)
}
