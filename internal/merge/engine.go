// Package merge copies analysis artifacts from the per-video database the
// analysis service writes into the primary store, in one transaction.
package merge

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/reelscope/reelscope/internal/logging"
	"github.com/reelscope/reelscope/internal/metrics"
)

const (
	StoreFilename = "video_stats.db"
	attachAlias   = "analysis_db"

	// The analysis service writes its own rows under this local key.
	externalVideoKey = 1
)

type Result struct {
	StatsCopied  bool `json:"statsCopied"`
	EventsCopied bool `json:"eventsCopied"`
	EventsCount  int  `json:"eventsCount"`
}

type DeleteResult struct {
	EventsDeleted int64 `json:"eventsDeleted"`
	StatsDeleted  int64 `json:"statsDeleted"`
}

type Stats struct {
	VideoID     string    `json:"videoId"`
	VideoName   string    `json:"videoName"`
	FPS         float64   `json:"fps"`
	TotalFrame  int64     `json:"totalFrame"`
	EventsCount int       `json:"eventsCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Event struct {
	ID             int64  `json:"id"`
	VideoID        string `json:"videoId"`
	Label          string `json:"label"`
	StartFrame     int64  `json:"startFrame"`
	DurationFrames int64  `json:"durationFrames"`
	DisappearFrame *int64 `json:"disappearFrame,omitempty"`
}

type Engine struct {
	db         *sql.DB
	outputRoot string
	logger     *slog.Logger

	// linkage allows one attached external store at a time.
	linkage sync.Mutex
}

func NewEngine(db *sql.DB, outputRoot string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{
		db:         db,
		outputRoot: outputRoot,
		logger:     logging.WithComponent(logger, "merge"),
	}
}

// OutputDir is the directory the analysis service writes for a video.
func (e *Engine) OutputDir(videoID string) string {
	return filepath.Join(e.outputRoot, videoID)
}

// StorePath is the per-video external database path.
func (e *Engine) StorePath(videoID string) string {
	return filepath.Join(e.outputRoot, videoID, StoreFilename)
}

// ValidVideoID rejects IDs that would escape the output root.
func ValidVideoID(videoID string) bool {
	return videoID != "" && videoID != "." && videoID != ".." &&
		!strings.ContainsAny(videoID, `/\`) && !strings.Contains(videoID, "..")
}

// Merge copies stats and events for the video from its external store. Stats
// are upserted, events appended. Either both land or neither does.
func (e *Engine) Merge(ctx context.Context, videoID string) (*Result, error) {
	ctx, span := otel.Tracer("reelscope/merge").Start(ctx, "merge.run")
	defer span.End()
	span.SetAttributes(attribute.String("video.id", videoID))

	start := time.Now()
	res, err := e.merge(ctx, videoID)
	metrics.MergeDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		phase := "error"
		var me *MergeError
		if errors.As(err, &me) {
			phase = string(me.Phase)
		}
		metrics.MergeTotal.WithLabelValues(phase).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, phase)
		return nil, err
	}
	metrics.MergeTotal.WithLabelValues("success").Inc()
	return res, nil
}

func (e *Engine) merge(ctx context.Context, videoID string) (_ *Result, err error) {
	logger := logging.WithVideoID(e.logger, videoID)

	if !ValidVideoID(videoID) {
		return nil, &MergeError{Phase: PhaseAttach, VideoID: videoID, Err: errors.New("invalid video id")}
	}

	path := e.StorePath(videoID)
	if _, statErr := os.Stat(path); statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) {
			return nil, &MergeError{Phase: PhaseAttach, VideoID: videoID, Err: ErrExternalStoreMissing}
		}
		return nil, &MergeError{Phase: PhaseAttach, VideoID: videoID, Err: statErr}
	}

	e.linkage.Lock()
	defer e.linkage.Unlock()

	// ATTACH is per connection and cannot run inside a transaction, so the
	// whole sequence runs on one dedicated connection.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, &MergeError{Phase: PhaseAttach, VideoID: videoID, Err: err}
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `ATTACH DATABASE ? AS `+attachAlias, path); err != nil {
		return nil, &MergeError{Phase: PhaseAttach, VideoID: videoID, Err: err}
	}
	logger.Debug("external store attached", "path", logging.SanitizePath(path))
	defer e.detach(conn, logger)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, &MergeError{Phase: PhaseCopyStats, VideoID: videoID, Err: err}
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logger.Error("merge rollback failed", "error", rbErr)
			}
		}
	}()

	statsRes, err := tx.ExecContext(ctx, `
		INSERT INTO analysis_stats (video_id, video_name, fps, total_frame, created_at, updated_at)
		SELECT ?, video_name, fps, total_frame, datetime('now'), datetime('now')
		FROM `+attachAlias+`.videos
		WHERE video_id = ?
		ON CONFLICT(video_id) DO UPDATE SET
			video_name = excluded.video_name,
			fps = excluded.fps,
			total_frame = excluded.total_frame,
			updated_at = excluded.updated_at
	`, videoID, externalVideoKey)
	if err != nil {
		return nil, &MergeError{Phase: PhaseCopyStats, VideoID: videoID, Err: err}
	}
	statsRows, _ := statsRes.RowsAffected()

	eventsRes, err := tx.ExecContext(ctx, `
		INSERT INTO analysis_events (video_id, label, start_frame, duration_frames, disappear_frame, created_at)
		SELECT ?, label, start_frame, duration_frames, disappear_frame, datetime('now')
		FROM `+attachAlias+`.events
		WHERE video_id = ?
		ORDER BY start_frame
	`, videoID, externalVideoKey)
	if err != nil {
		return nil, &MergeError{Phase: PhaseCopyEvents, VideoID: videoID, Err: err}
	}
	eventRows, _ := eventsRes.RowsAffected()

	if err = tx.Commit(); err != nil {
		return nil, &MergeError{Phase: PhaseCommit, VideoID: videoID, Err: err}
	}

	logger.Info("analysis results merged", "stats_rows", statsRows, "events", eventRows)
	return &Result{
		StatsCopied:  statsRows > 0,
		EventsCopied: true,
		EventsCount:  int(eventRows),
	}, nil
}

// detach runs regardless of the merge outcome. A connection that cannot be
// detached is discarded so the stale linkage never serves another query.
func (e *Engine) detach(conn *sql.Conn, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := conn.ExecContext(ctx, `DETACH DATABASE `+attachAlias); err != nil {
		logger.Error("detach failed; discarding connection", "error", err)
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	}
}

// DeleteMergedData removes the video's events and stats in one transaction.
func (e *Engine) DeleteMergedData(ctx context.Context, videoID string) (*DeleteResult, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	evRes, err := tx.ExecContext(ctx, `DELETE FROM analysis_events WHERE video_id = ?`, videoID)
	if err != nil {
		return nil, fmt.Errorf("delete events: %w", err)
	}
	stRes, err := tx.ExecContext(ctx, `DELETE FROM analysis_stats WHERE video_id = ?`, videoID)
	if err != nil {
		return nil, fmt.Errorf("delete stats: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}

	res := &DeleteResult{}
	res.EventsDeleted, _ = evRes.RowsAffected()
	res.StatsDeleted, _ = stRes.RowsAffected()
	e.logger.Info("merged analysis data deleted",
		"video_id", videoID,
		"events", res.EventsDeleted,
		"stats", res.StatsDeleted,
	)
	return res, nil
}

// CheckDataExists reports whether merged stats or events exist for the video.
func (e *Engine) CheckDataExists(ctx context.Context, videoID string) (bool, error) {
	var exists int
	err := e.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM analysis_stats WHERE video_id = ?)
		    OR EXISTS (SELECT 1 FROM analysis_events WHERE video_id = ?)
	`, videoID, videoID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check merged data: %w", err)
	}
	return exists == 1, nil
}

// GetStats returns the merged stats row with its event count, or nil.
func (e *Engine) GetStats(ctx context.Context, videoID string) (*Stats, error) {
	var s Stats
	var name sql.NullString
	var fps sql.NullFloat64
	var total sql.NullInt64
	var createdAt, updatedAt string

	err := e.db.QueryRowContext(ctx, `
		SELECT s.video_id, s.video_name, s.fps, s.total_frame, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM analysis_events e WHERE e.video_id = s.video_id)
		FROM analysis_stats s WHERE s.video_id = ?
	`, videoID).Scan(&s.VideoID, &name, &fps, &total, &createdAt, &updatedAt, &s.EventsCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}

	s.VideoName = name.String
	s.FPS = fps.Float64
	s.TotalFrame = total.Int64
	s.CreatedAt = parseSQLiteTime(createdAt)
	s.UpdatedAt = parseSQLiteTime(updatedAt)
	return &s, nil
}

// ListEvents returns merged events ordered by start frame.
func (e *Engine) ListEvents(ctx context.Context, videoID string, limit, offset int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT id, video_id, label, start_frame, duration_frames, disappear_frame
		FROM analysis_events WHERE video_id = ?
		ORDER BY start_frame ASC, id ASC
		LIMIT ? OFFSET ?
	`, videoID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var ev Event
		var disappear sql.NullInt64
		if err := rows.Scan(&ev.ID, &ev.VideoID, &ev.Label, &ev.StartFrame, &ev.DurationFrames, &disappear); err != nil {
			return nil, err
		}
		if disappear.Valid {
			v := disappear.Int64
			ev.DisappearFrame = &v
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func parseSQLiteTime(s string) time.Time {
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
