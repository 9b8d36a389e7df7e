package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/reelscope/reelscope/internal/logging"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics

	AnnotatedSuffix   = "_annotated"
	TranscodedSuffix  = "_h264"
	DefaultTranscodeTimeout = 10 * time.Minute
)

// Transcoder converts annotated analysis output to browser-friendly H.264.
type Transcoder interface {
	Probe(ctx context.Context) (*Capabilities, error)
	Transcode(ctx context.Context, inputPath, outputPath string) (*TranscodeResult, error)
}

type Config struct {
	FFmpegPath string // empty = look up "ffmpeg" on PATH
	Timeout    time.Duration
	Logger     *slog.Logger
}

// FFmpegRunner is the subprocess implementation of Transcoder.
type FFmpegRunner struct {
	cfg Config
}

func NewFFmpegRunner(cfg Config) *FFmpegRunner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTranscodeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &FFmpegRunner{cfg: cfg}
}

// AnnotatedNames returns the annotated output filename the analysis service
// writes for an uploaded file, and the name of its H.264 transcode.
func AnnotatedNames(filename string) (annotated, transcoded string) {
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	if ext == "" {
		ext = ".mp4"
	}
	annotated = stem + AnnotatedSuffix + ext
	transcoded = stem + AnnotatedSuffix + TranscodedSuffix + ".mp4"
	return annotated, transcoded
}

// Probe runs `ffmpeg -version`.
func (r *FFmpegRunner) Probe(ctx context.Context) (*Capabilities, error) {
	caps := &Capabilities{ProbedAt: time.Now()}

	bin, err := r.resolve()
	if err != nil {
		caps.Error = err.Error()
		return caps, nil
	}
	caps.Path = bin

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, bin, "-version").Output()
	if err != nil {
		caps.Error = err.Error()
		return caps, nil
	}
	caps.Available = true
	line, _, _ := bufio.NewReader(bytes.NewReader(out)).ReadLine()
	caps.Version = strings.TrimSpace(string(line))
	return caps, nil
}

// Transcode re-encodes inputPath to H.264/AAC with faststart at outputPath.
func (r *FFmpegRunner) Transcode(ctx context.Context, inputPath, outputPath string) (*TranscodeResult, error) {
	if _, err := os.Stat(inputPath); err != nil {
		return nil, fmt.Errorf("annotated video not found: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	result, err := r.exec(ctx, outputPath,
		"-i", inputPath,
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		"-y",
		outputPath,
	)
	if err != nil {
		return nil, err
	}
	if !result.IsSuccess() {
		return nil, fmt.Errorf("ffmpeg exited %d: %s", result.ExitCode, truncate(result.StderrTail, 512))
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return nil, fmt.Errorf("transcoded file missing: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("transcoded file is empty")
	}

	return &TranscodeResult{
		InputPath:  inputPath,
		OutputPath: outputPath,
		Size:       info.Size(),
		Duration:   result.Duration,
	}, nil
}

// exec is the core subprocess execution helper.
func (r *FFmpegRunner) exec(ctx context.Context, outPath string, args ...string) (RunResult, error) {
	bin, err := r.resolve()
	if err != nil {
		return RunResult{}, err
	}

	start := time.Now()
	if outPath != "" {
		if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
			return RunResult{}, fmt.Errorf("cannot create output dir: %w", err)
		}
	}

	cmd := exec.CommandContext(ctx, bin, args...)

	var stderrBuf bytes.Buffer
	cmd.Stderr = io.Writer(&limitedWriter{w: &stderrBuf, limit: maxStderrBytes})
	cmd.Stdout = io.Discard

	r.cfg.Logger.Info("executing ffmpeg", "output", logging.SanitizePath(outPath))

	err = cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	stderrTail := stderrBuf.String()
	if exitCode != 0 {
		r.cfg.Logger.Warn("ffmpeg failed",
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderrTail, 512),
		)
	} else {
		r.cfg.Logger.Info("ffmpeg succeeded", "duration_ms", elapsed.Milliseconds())
	}

	return RunResult{
		ExitCode:   exitCode,
		OutputPath: outPath,
		StderrTail: stderrTail,
		Duration:   elapsed,
	}, nil
}

func (r *FFmpegRunner) resolve() (string, error) {
	name := r.cfg.FFmpegPath
	if name == "" {
		name = "ffmpeg"
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFFmpegUnavailable, err)
	}
	return p, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}
