package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

type Repository interface {
	CreateVideo(ctx context.Context, video *Video) error
	GetVideo(ctx context.Context, id string) (*Video, error)
	ListVideos(ctx context.Context, limit int) ([]*Video, error)
	UpdateVideoStatus(ctx context.Context, id, status string) error
	SaveAnalysisResult(ctx context.Context, id string, result json.RawMessage) error
	SaveAnalysisError(ctx context.Context, id, errorMsg string) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const videoColumns = `video_id, user_id, title, description, filename, file_path, status,
	analysis_result, analysis_error, analysis_completed_at, created_at, updated_at`

func (r *SQLiteRepository) CreateVideo(ctx context.Context, v *Video) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO videos (`+videoColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?, ?)
	`, v.ID, v.UserID, v.Title, v.Description, v.Filename, v.FilePath, v.Status,
		v.CreatedAt.UTC().Format(time.RFC3339), v.UpdatedAt.UTC().Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetVideo(ctx context.Context, id string) (*Video, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE video_id = ?`, id)
	v, err := scanVideo(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

func (r *SQLiteRepository) ListVideos(ctx context.Context, limit int) ([]*Video, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+videoColumns+` FROM videos ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var videos []*Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

func (r *SQLiteRepository) UpdateVideoStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE videos SET status = ?, updated_at = ? WHERE video_id = ?
	`, status, now(), id)
	return err
}

// SaveAnalysisResult stores the analysis outcome and marks the video ready.
func (r *SQLiteRepository) SaveAnalysisResult(ctx context.Context, id string, result json.RawMessage) error {
	ts := now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE videos
		SET status = ?, analysis_result = ?, analysis_error = NULL, analysis_completed_at = ?, updated_at = ?
		WHERE video_id = ?
	`, VideoStatusReady, nullString(string(result)), ts, ts, id)
	return err
}

// SaveAnalysisError records an analysis failure and marks the video errored.
func (r *SQLiteRepository) SaveAnalysisError(ctx context.Context, id, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE videos SET status = ?, analysis_error = ?, updated_at = ? WHERE video_id = ?
	`, VideoStatusError, nullString(errorMsg), now(), id)
	return err
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVideo(s scanner) (*Video, error) {
	var v Video
	var result, analysisErr, completedAt sql.NullString
	var createdAt, updatedAt string

	err := s.Scan(&v.ID, &v.UserID, &v.Title, &v.Description, &v.Filename, &v.FilePath, &v.Status,
		&result, &analysisErr, &completedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if result.Valid {
		v.AnalysisResult = json.RawMessage(result.String)
	}
	v.AnalysisError = analysisErr.String
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339, completedAt.String); err == nil {
			v.AnalysisCompletedAt = &t
		}
	}
	v.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	v.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &v, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
