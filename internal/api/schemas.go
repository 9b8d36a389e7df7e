package api

import (
	"github.com/reelscope/reelscope/internal/ledger"
	"github.com/reelscope/reelscope/internal/merge"
	"github.com/reelscope/reelscope/internal/pipeline"
	"github.com/reelscope/reelscope/internal/playback"
	"github.com/reelscope/reelscope/internal/status"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type QueueStatusResponse struct {
	VideoID string        `json:"videoId"`
	Status  status.Entry  `json:"status"`
	Job     *ledger.Job   `json:"job,omitempty"`
	History []*ledger.Job `json:"history"`
}

type WorkerStatus struct {
	Running     bool `json:"running"`
	Paused      bool `json:"paused"`
	Active      int  `json:"active"`
	Concurrency int  `json:"concurrency"`
}

type QueueStatsResponse struct {
	Counts       map[ledger.State]int `json:"counts"`
	Total        int                  `json:"total"`
	CacheEntries int                  `json:"cacheEntries"`
	Workers      *WorkerStatus        `json:"workers,omitempty"`
}

type RetryResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	VideoID string `json:"videoId"`
	JobID   string `json:"jobId"`
}

type CopyDatabaseResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	VideoID string        `json:"videoId"`
	Result  *merge.Result `json:"result"`
}

type StatsResponse struct {
	VideoID string        `json:"videoId"`
	Stats   *merge.Stats  `json:"stats"`
	Events  []merge.Event `json:"events"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
}

type DeleteDataResponse struct {
	Success       bool   `json:"success"`
	VideoID       string `json:"videoId"`
	EventsDeleted int64  `json:"eventsDeleted"`
	StatsDeleted  int64  `json:"statsDeleted"`
}

type CheckDataResponse struct {
	VideoID string `json:"videoId"`
	HasData bool   `json:"hasData"`
}

type OutputFilesResponse struct {
	VideoID string              `json:"videoId"`
	Files   []playback.FileInfo `json:"files"`
}

type ServiceHealthResponse struct {
	Status string                 `json:"status"`
	Error  string                 `json:"error,omitempty"`
	FFmpeg *pipeline.Capabilities `json:"ffmpeg,omitempty"`
}

type AIAnalysisResponse struct {
	Success          bool   `json:"success"`
	VideoID          string `json:"videoId"`
	VideoTitle       string `json:"videoTitle"`
	AnalysisType     string `json:"analysisType"`
	Analysis         string `json:"analysis"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	Timestamp        string `json:"timestamp"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
