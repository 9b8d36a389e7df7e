// Package config provides configuration management for reelscope.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	// Default values
	DefaultPort     = 3000
	DefaultLogLevel = "info"
	DefaultDataDir  = ".reelscope"

	// Environment variable names
	EnvPort           = "REELSCOPE_PORT"
	EnvLogLevel       = "REELSCOPE_LOG_LEVEL"
	EnvDataDir        = "REELSCOPE_DATA_DIR"
	EnvPublicBaseURL  = "REELSCOPE_PUBLIC_BASE_URL"
	EnvAnalysisURL    = "REELSCOPE_ANALYSIS_URL"
	EnvOutputRoot     = "REELSCOPE_ANALYSIS_OUTPUT_ROOT"
	EnvCallbackSecret = "REELSCOPE_CALLBACK_SECRET"

	// Database filename
	DBFilename = "reelscope.db"

	// Worker defaults
	DefaultWorkerConcurrency = 3
	DefaultMaxAttempts       = 3
	DefaultDispatchTimeout   = 50 * time.Minute
	DefaultRetryBase         = 30 * time.Second
	DefaultRetryMax          = 10 * time.Minute
	DefaultPollInterval      = 2 * time.Second
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	VideosDir() string
	PublicBaseURL() string
	AnalysisURL() string
	AnalysisOutputRoot() string
	CallbackSecret() string
	CORSOrigins() []string

	WorkerConcurrency() int
	MaxAttempts() int
	DispatchTimeout() time.Duration
	RetryBase() time.Duration
	RetryMax() time.Duration
	PollInterval() time.Duration

	MinIOEnabled() bool
	MinIOEndpoint() string
	MinIOAccessKey() string
	MinIOSecretKey() string
	MinIOBucket() string
	MinIOUseSSL() bool

	OpenAIAPIKey() string
	OpenAIBaseURL() string
	OpenAIModel() string

	FFmpegPath() string
	OTLPEndpoint() string
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	PortValue          int           `env:"REELSCOPE_PORT"`
	LogLevelValue      string        `env:"REELSCOPE_LOG_LEVEL"`
	DataDirValue       string        `env:"REELSCOPE_DATA_DIR"`
	VideosDirValue     string        `env:"REELSCOPE_VIDEOS_DIR"`
	PublicBaseURLValue string        `env:"REELSCOPE_PUBLIC_BASE_URL" envDefault:"http://localhost:3000"`
	AnalysisURLValue   string        `env:"REELSCOPE_ANALYSIS_URL"    envDefault:"http://localhost:3001"`
	OutputRootValue    string        `env:"REELSCOPE_ANALYSIS_OUTPUT_ROOT"`
	CallbackSecretVal  string        `env:"REELSCOPE_CALLBACK_SECRET"`
	CORSOriginsValue   []string      `env:"REELSCOPE_CORS_ORIGINS"    envSeparator:","`
	Concurrency        int           `env:"REELSCOPE_WORKER_CONCURRENCY"`
	MaxAttemptsValue   int           `env:"REELSCOPE_MAX_ATTEMPTS"`
	DispatchTimeoutVal time.Duration `env:"REELSCOPE_DISPATCH_TIMEOUT"`
	RetryBaseValue     time.Duration `env:"REELSCOPE_RETRY_BASE"`
	RetryMaxValue      time.Duration `env:"REELSCOPE_RETRY_MAX"`
	PollIntervalValue  time.Duration `env:"REELSCOPE_POLL_INTERVAL"`

	MinIOEndpointValue  string `env:"REELSCOPE_MINIO_ENDPOINT"`
	MinIOAccessKeyValue string `env:"REELSCOPE_MINIO_ACCESS_KEY"`
	MinIOSecretKeyValue string `env:"REELSCOPE_MINIO_SECRET_KEY"`
	MinIOBucketValue    string `env:"REELSCOPE_MINIO_BUCKET" envDefault:"analysis-output"`
	MinIOUseSSLValue    bool   `env:"REELSCOPE_MINIO_USE_SSL"`

	OpenAIAPIKeyValue  string `env:"REELSCOPE_OPENAI_API_KEY"`
	OpenAIBaseURLValue string `env:"REELSCOPE_OPENAI_BASE_URL"`
	OpenAIModelValue   string `env:"REELSCOPE_OPENAI_MODEL" envDefault:"qwen-plus"`

	FFmpegPathValue   string `env:"REELSCOPE_FFMPEG_PATH"`
	OTLPEndpointValue string `env:"REELSCOPE_OTLP_ENDPOINT"`
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.PortValue == 0 {
		cfg.PortValue = DefaultPort
	}
	if cfg.PortValue < 1 || cfg.PortValue > 65535 {
		return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
	}

	if cfg.LogLevelValue == "" {
		cfg.LogLevelValue = DefaultLogLevel
	}
	if cfg.DataDirValue == "" {
		cfg.DataDirValue = defaultDataDir()
	}

	if cfg.Concurrency < 0 {
		return nil, fmt.Errorf("invalid REELSCOPE_WORKER_CONCURRENCY: must not be negative")
	}
	if cfg.MaxAttemptsValue < 0 {
		return nil, fmt.Errorf("invalid REELSCOPE_MAX_ATTEMPTS: must not be negative")
	}

	cfg.PublicBaseURLValue = strings.TrimRight(cfg.PublicBaseURLValue, "/")
	cfg.AnalysisURLValue = strings.TrimRight(cfg.AnalysisURLValue, "/")

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.PortValue
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.LogLevelValue
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.DataDirValue
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.DataDirValue, DBFilename)
}

// VideosDir returns the directory uploaded videos are stored in
func (c *EnvConfig) VideosDir() string {
	if c.VideosDirValue != "" {
		return c.VideosDirValue
	}
	return filepath.Join(c.DataDirValue, "uploads", "videos")
}

// PublicBaseURL is the externally reachable base URL of this service. The
// analysis service fetches videos and posts callbacks against it.
func (c *EnvConfig) PublicBaseURL() string {
	return c.PublicBaseURLValue
}

func (c *EnvConfig) AnalysisURL() string {
	return c.AnalysisURLValue
}

// AnalysisOutputRoot is the directory under which the analysis service writes
// one sub-directory per video.
func (c *EnvConfig) AnalysisOutputRoot() string {
	if c.OutputRootValue != "" {
		return c.OutputRootValue
	}
	return filepath.Join(c.DataDirValue, "analysis_output")
}

func (c *EnvConfig) CallbackSecret() string {
	return c.CallbackSecretVal
}

func (c *EnvConfig) CORSOrigins() []string {
	if len(c.CORSOriginsValue) == 0 {
		return []string{"*"}
	}
	return c.CORSOriginsValue
}

func (c *EnvConfig) WorkerConcurrency() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return DefaultWorkerConcurrency
}

func (c *EnvConfig) MaxAttempts() int {
	if c.MaxAttemptsValue > 0 {
		return c.MaxAttemptsValue
	}
	return DefaultMaxAttempts
}

func (c *EnvConfig) DispatchTimeout() time.Duration {
	if c.DispatchTimeoutVal > 0 {
		return c.DispatchTimeoutVal
	}
	return DefaultDispatchTimeout
}

func (c *EnvConfig) RetryBase() time.Duration {
	if c.RetryBaseValue > 0 {
		return c.RetryBaseValue
	}
	return DefaultRetryBase
}

func (c *EnvConfig) RetryMax() time.Duration {
	if c.RetryMaxValue > 0 {
		return c.RetryMaxValue
	}
	return DefaultRetryMax
}

func (c *EnvConfig) PollInterval() time.Duration {
	if c.PollIntervalValue > 0 {
		return c.PollIntervalValue
	}
	return DefaultPollInterval
}

// MinIOEnabled reports whether analysis outputs should be archived to object storage
func (c *EnvConfig) MinIOEnabled() bool {
	return c.MinIOEndpointValue != "" && c.MinIOAccessKeyValue != "" && c.MinIOSecretKeyValue != ""
}

func (c *EnvConfig) MinIOEndpoint() string {
	return c.MinIOEndpointValue
}

func (c *EnvConfig) MinIOAccessKey() string {
	return c.MinIOAccessKeyValue
}

func (c *EnvConfig) MinIOSecretKey() string {
	return c.MinIOSecretKeyValue
}

func (c *EnvConfig) MinIOBucket() string {
	return c.MinIOBucketValue
}

func (c *EnvConfig) MinIOUseSSL() bool {
	return c.MinIOUseSSLValue
}

func (c *EnvConfig) OpenAIAPIKey() string {
	return c.OpenAIAPIKeyValue
}

func (c *EnvConfig) OpenAIBaseURL() string {
	return c.OpenAIBaseURLValue
}

func (c *EnvConfig) OpenAIModel() string {
	return c.OpenAIModelValue
}

// FFmpegPath overrides the ffmpeg binary; empty means look it up on PATH.
func (c *EnvConfig) FFmpegPath() string {
	return c.FFmpegPathValue
}

func (c *EnvConfig) OTLPEndpoint() string {
	return c.OTLPEndpointValue
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
