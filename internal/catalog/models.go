package catalog

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	VideoStatusProcessing = "processing"
	VideoStatusReady      = "ready"
	VideoStatusError      = "error"
)

// Video is the primary record of an uploaded video and its analysis outcome.
type Video struct {
	ID                  string          `json:"videoId"`
	UserID              string          `json:"userId,omitempty"`
	Title               string          `json:"title"`
	Description         string          `json:"description,omitempty"`
	Filename            string          `json:"filename"`
	FilePath            string          `json:"-"`
	Status              string          `json:"status"`
	AnalysisResult      json.RawMessage `json:"analysisResult,omitempty"`
	AnalysisError       string          `json:"analysisError,omitempty"`
	AnalysisCompletedAt *time.Time      `json:"analysisCompletedAt,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

var VideoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
	".avi":  true,
	".webm": true,
}

func NewID() string {
	return uuid.NewString()
}

func IsVideoFile(filename string) bool {
	return VideoExtensions[strings.ToLower(filepath.Ext(filename))]
}
