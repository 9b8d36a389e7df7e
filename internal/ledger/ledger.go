package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reelscope/reelscope/internal/db"
	"github.com/reelscope/reelscope/internal/logging"
)

const timeLayout = db.TimeLayout

const jobColumns = `id, video_id, file_path, filename, submitter_id, title, description,
	state, attempt_count, max_attempts, last_error, next_retry_at, submitted_at, updated_at`

type Ledger struct {
	db          *sql.DB
	logger      *slog.Logger
	maxAttempts int
	now         func() time.Time
}

type Option func(*Ledger)

// WithMaxAttempts sets the attempt limit applied to new jobs.
func WithMaxAttempts(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(conn *sql.DB, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = logging.Discard()
	}
	l := &Ledger{
		db:          conn,
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enqueue records a new job for the video and moves it to queued. Any
// non-terminal job for the same video is failed as superseded inside the same
// transaction, so at most one active job per video ever exists.
func (l *Ledger) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if req.VideoID == "" {
		return nil, errors.New("enqueue: videoId is required")
	}
	if req.FilePath == "" || req.Filename == "" {
		return nil, errors.New("enqueue: file path and filename are required")
	}

	maxAttempts := l.maxAttempts
	if req.MaxAttempts > 0 {
		maxAttempts = req.MaxAttempts
	}

	now := l.now().UTC()
	job := &Job{
		ID:          uuid.NewString(),
		VideoID:     req.VideoID,
		FilePath:    req.FilePath,
		Filename:    req.Filename,
		SubmitterID: req.SubmitterID,
		Title:       req.Title,
		Description: req.Description,
		State:       StatePending,
		MaxAttempts: maxAttempts,
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	superseded, err := activeJobIDs(ctx, tx, req.VideoID)
	if err != nil {
		return nil, err
	}
	if len(superseded) > 0 {
		placeholders, args := stateArgs(nonTerminalStates)
		args = append([]any{StateFailed, "superseded by job " + job.ID, now.Format(timeLayout), req.VideoID}, args...)
		if _, err := tx.ExecContext(ctx, `
			UPDATE analysis_jobs SET state = ?, last_error = ?, next_retry_at = NULL, updated_at = ?
			WHERE video_id = ? AND state IN (`+placeholders+`)`, args...); err != nil {
			return nil, fmt.Errorf("supersede jobs for %s: %w", req.VideoID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO analysis_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, NULL, NULL, ?, ?)`,
		job.ID, job.VideoID, job.FilePath, job.Filename, job.SubmitterID, job.Title, job.Description,
		job.State, job.MaxAttempts, now.Format(timeLayout), now.Format(timeLayout),
	); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE analysis_jobs SET state = ? WHERE id = ? AND state = ?`,
		StateQueued, job.ID, StatePending); err != nil {
		return nil, fmt.Errorf("queue job: %w", err)
	}
	job.State = StateQueued

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enqueue: %w", err)
	}

	for _, old := range superseded {
		l.logger.Info("superseded analysis job",
			"video_id", req.VideoID,
			"old_job_id", old,
			"new_job_id", job.ID,
		)
	}

	return job, nil
}

func activeJobIDs(ctx context.Context, tx *sql.Tx, videoID string) ([]string, error) {
	placeholders, args := stateArgs(nonTerminalStates)
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM analysis_jobs WHERE video_id = ? AND state IN (`+placeholders+`)`,
		append([]any{videoID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("find active jobs for %s: %w", videoID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Claim moves a queued job to dispatching and counts the attempt. A queued
// job with no attempts left is never claimed; Claim reports
// ErrAttemptsExhausted so the caller can fail it.
func (l *Ledger) Claim(ctx context.Context, id string) (*Job, error) {
	err := l.guardedTransition(ctx, id, StateDispatching, []State{StateQueued},
		"attempt_count < max_attempts", "attempt_count = attempt_count + 1, next_retry_at = NULL")
	if errors.Is(err, ErrStaleTransition) {
		if job, gerr := l.Get(ctx, id); gerr == nil && job.State == StateQueued && job.AttemptsExhausted() {
			return nil, ErrAttemptsExhausted
		}
	}
	if err != nil {
		return nil, err
	}
	return l.Get(ctx, id)
}

// MarkAwaitingCallback records that the analysis service accepted the job.
func (l *Ledger) MarkAwaitingCallback(ctx context.Context, id string) error {
	return l.transition(ctx, id, StateAwaitingCallback, []State{StateDispatching}, "last_error = NULL")
}

// ScheduleRetry returns a dispatching job to the queue, due at retryAt.
func (l *Ledger) ScheduleRetry(ctx context.Context, id, lastError string, retryAt time.Time) error {
	return l.transition(ctx, id, StateQueued, []State{StateDispatching},
		"last_error = ?, next_retry_at = ?", lastError, retryAt.UnixMilli())
}

// MarkFailed terminates a non-terminal job with the given error.
func (l *Ledger) MarkFailed(ctx context.Context, id, lastError string) error {
	return l.transition(ctx, id, StateFailed, nonTerminalStates,
		"last_error = ?, next_retry_at = NULL", lastError)
}

// MarkCompleted terminates a non-terminal job successfully. A callback may
// complete a job the worker still considers dispatching.
func (l *Ledger) MarkCompleted(ctx context.Context, id string) error {
	return l.transition(ctx, id, StateCompleted, nonTerminalStates, "last_error = NULL, next_retry_at = NULL")
}

func (l *Ledger) transition(ctx context.Context, id string, to State, from []State, set string, setArgs ...any) error {
	return l.guardedTransition(ctx, id, to, from, "", set, setArgs...)
}

// guardedTransition is transition with an extra WHERE condition.
func (l *Ledger) guardedTransition(ctx context.Context, id string, to State, from []State, guard, set string, setArgs ...any) error {
	placeholders, fromArgs := stateArgs(from)

	query := `UPDATE analysis_jobs SET state = ?, updated_at = ?`
	if set != "" {
		query += ", " + set
	}
	query += ` WHERE id = ? AND state IN (` + placeholders + `)`
	if guard != "" {
		query += ` AND ` + guard
	}

	args := []any{to, l.now().UTC().Format(timeLayout)}
	args = append(args, setArgs...)
	args = append(args, id)
	args = append(args, fromArgs...)

	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition job %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition job %s to %s: %w", id, to, err)
	}
	if n == 0 {
		exists, err := l.exists(ctx, id)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleTransition
	}
	return nil
}

func (l *Ledger) exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, `SELECT 1 FROM analysis_jobs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the job or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, id string) (*Job, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM analysis_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// GetActiveByVideo returns the video's non-terminal job, or nil if none.
func (l *Ledger) GetActiveByVideo(ctx context.Context, videoID string) (*Job, error) {
	placeholders, args := stateArgs(nonTerminalStates)
	row := l.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE video_id = ? AND state IN (`+placeholders+`)`,
		append([]any{videoID}, args...)...)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// GetLatestByVideo returns the most recently submitted job for the video, or
// nil if the video was never enqueued.
func (l *Ledger) GetLatestByVideo(ctx context.Context, videoID string) (*Job, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE video_id = ?
		 ORDER BY submitted_at DESC, rowid DESC LIMIT 1`, videoID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// ListDue returns queued jobs whose retry time has passed, oldest first.
func (l *Ledger) ListDue(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 10
	}
	return l.list(ctx, `
		SELECT `+jobColumns+` FROM analysis_jobs
		WHERE state = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY submitted_at ASC, rowid ASC LIMIT ?`,
		StateQueued, l.now().UnixMilli(), limit)
}

// ListActive returns every non-terminal job.
func (l *Ledger) ListActive(ctx context.Context) ([]*Job, error) {
	placeholders, args := stateArgs(nonTerminalStates)
	return l.list(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE state IN (`+placeholders+`) ORDER BY submitted_at ASC`,
		args...)
}

// ListByVideo returns the video's job history, newest first.
func (l *Ledger) ListByVideo(ctx context.Context, videoID string) ([]*Job, error) {
	return l.list(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE video_id = ? ORDER BY submitted_at DESC, rowid DESC`,
		videoID)
}

// CountByState returns the number of jobs in each state. Every state is
// present in the result, zero or not.
func (l *Ledger) CountByState(ctx context.Context) (map[State]int, error) {
	counts := make(map[State]int, len(AllStates))
	for _, s := range AllStates {
		counts[s] = 0
	}

	rows, err := l.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM analysis_jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s State
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

func (l *Ledger) list(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var j Job
	var lastError sql.NullString
	var nextRetry sql.NullInt64
	var submittedAt, updatedAt string

	err := s.Scan(&j.ID, &j.VideoID, &j.FilePath, &j.Filename, &j.SubmitterID, &j.Title, &j.Description,
		&j.State, &j.AttemptCount, &j.MaxAttempts, &lastError, &nextRetry, &submittedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	j.LastError = lastError.String
	if nextRetry.Valid {
		t := time.UnixMilli(nextRetry.Int64).UTC()
		j.NextRetryAt = &t
	}
	j.SubmittedAt, _ = time.Parse(timeLayout, submittedAt)
	j.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &j, nil
}

func stateArgs(states []State) (string, []any) {
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = s
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(states)), ","), args
}
