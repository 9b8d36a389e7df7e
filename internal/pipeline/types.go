// Package pipeline runs ffmpeg as a subprocess to make analysis output
// playable in browsers.
package pipeline

import (
	"errors"
	"time"
)

// ErrFFmpegUnavailable is returned when no ffmpeg binary can be found.
var ErrFFmpegUnavailable = errors.New("ffmpeg not available")

// Capabilities describes the ffmpeg installation, as reported by a probe.
type Capabilities struct {
	Available bool      `json:"available"`
	Path      string    `json:"path,omitempty"`
	Version   string    `json:"version,omitempty"`
	Error     string    `json:"error,omitempty"`
	ProbedAt  time.Time `json:"probedAt"`
}

// RunResult is the structured outcome of executing an ffmpeg subprocess.
type RunResult struct {
	ExitCode   int           `json:"exit_code"`
	OutputPath string        `json:"output_path,omitempty"`
	StderrTail string        `json:"stderr_tail,omitempty"` // last N bytes of stderr
	Duration   time.Duration `json:"duration"`
}

// IsSuccess returns true when the subprocess exited cleanly.
func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 }

// TranscodeResult describes a finished transcode.
type TranscodeResult struct {
	InputPath  string        `json:"inputPath"`
	OutputPath string        `json:"outputPath"`
	Size       int64         `json:"size"`
	Duration   time.Duration `json:"duration"`
}
