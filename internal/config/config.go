package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"echo-forge-go/internal/types"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Engine        EngineConfig        `yaml:"engine"`
	Retry         RetryConfig         `yaml:"retry"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Analysis      AnalysisConfig      `yaml:"analysis"`
	VideoSource   VideoSourceConfig   `yaml:"video_source"`
	Media         MediaConfig         `yaml:"media"`
	Storage       StorageConfig       `yaml:"storage"`
	Watch         WatchConfig         `yaml:"watch"`
	Logging       LoggingConfig       `yaml:"logging"`
	Defaults      types.Settings      `yaml:"defaults"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type EngineConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	ChunkFanout     int           `yaml:"chunk_fanout"`
	MaxChunkSeconds int           `yaml:"max_chunk_seconds"`
	MaxChunkBytes   int64         `yaml:"max_chunk_bytes"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	CacheEntries    int           `yaml:"cache_entries"`
	RetentionDays   int           `yaml:"retention_days"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

type RetryConfig struct {
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Jitter         float64       `yaml:"jitter"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

type TranscriptionConfig struct {
	Provider string `yaml:"provider"` // openai | mock
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

type AnalysisConfig struct {
	Provider     string   `yaml:"provider"` // gateway | gemini | mock
	GatewayURL   string   `yaml:"gateway_url"`
	APIKey       string   `yaml:"api_key"`
	GeminiAPIKey string   `yaml:"gemini_api_key"`
	Models       []string `yaml:"models"`
}

type VideoSourceConfig struct {
	Binary  string `yaml:"binary"`
	TempDir string `yaml:"temp_dir"`
}

type MediaConfig struct {
	FFmpegBinary string `yaml:"ffmpeg_binary"`
}

type StorageConfig struct {
	DBPath string `yaml:"db_path"`
	// InputRoot confines local paths named in API requests. Empty means
	// the watch inbox; with neither set, path inputs are refused.
	InputRoot string `yaml:"input_root"`
}

type WatchConfig struct {
	Inbox string `yaml:"inbox"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	maxProviderBytes = 25 << 20
	defaultChunkSize = 24 << 20
	defaultJitter    = 0.2
)

// Load reads path (optional; a missing file yields defaults), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	// jitter is seeded before decoding so an explicit 0 in the file turns it off
	cfg := &Config{Retry: RetryConfig{Jitter: defaultJitter}}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, types.NewConfigurationError("parse %s: %v", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Port, "PORT")
	setString(&c.Storage.DBPath, "DB_PATH")
	setString(&c.Transcription.BaseURL, "TRANSCRIBE_URL")
	setString(&c.Transcription.APIKey, "OPENAI_API_KEY")
	setString(&c.Transcription.APIKey, "TRANSCRIBE_API_KEY")
	setString(&c.Analysis.GatewayURL, "LLM_GATEWAY_URL")
	setString(&c.Analysis.APIKey, "LLM_API_KEY")
	setString(&c.Defaults.Model, "LLM_MODEL")
	setString(&c.Analysis.GeminiAPIKey, "GEMINI_API_KEY")
	setString(&c.VideoSource.Binary, "YTDLP_BIN")
	setString(&c.Media.FFmpegBinary, "FFMPEG_BIN")
	setString(&c.Watch.Inbox, "INBOX_DIR")
	setString(&c.Storage.InputRoot, "INPUT_ROOT")
	setString(&c.Logging.Level, "LOG_LEVEL")

	if os.Getenv("USE_MOCK_TRANSCRIBE") == "true" {
		c.Transcription.Provider = "mock"
	}
	if os.Getenv("USE_MOCK_LLM") == "true" {
		c.Analysis.Provider = "mock"
	}
	if c.Analysis.Provider == "" && c.Analysis.GatewayURL == "" && c.Analysis.GeminiAPIKey != "" {
		c.Analysis.Provider = "gemini"
	}

	if err := setInt(&c.Engine.Concurrency, "CONCURRENCY_LIMIT"); err != nil {
		return err
	}
	return setInt(&c.Engine.RetentionDays, "RETENTION_DAYS")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return types.NewConfigurationError("%s=%q is not an integer", key, v)
	}
	*dst = n
	return nil
}

// Validate fills defaults and rejects out-of-range values.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 120 * time.Second
	}

	e := &c.Engine
	if e.Concurrency == 0 {
		e.Concurrency = 3
	}
	if e.ChunkFanout == 0 {
		e.ChunkFanout = 2
	}
	if e.MaxChunkSeconds == 0 {
		e.MaxChunkSeconds = 300
	}
	if e.MaxChunkBytes == 0 {
		e.MaxChunkBytes = defaultChunkSize
	}
	if e.MaxUploadBytes == 0 {
		e.MaxUploadBytes = 512 << 20
	}
	if e.CacheEntries == 0 {
		e.CacheEntries = 256
	}
	if e.RetentionDays == 0 {
		e.RetentionDays = 30
	}
	if e.SweepInterval == 0 {
		e.SweepInterval = time.Hour
	}

	r := &c.Retry
	if r.BaseDelay == 0 {
		r.BaseDelay = time.Second
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 30 * time.Second
	}
	if r.AttemptTimeout == 0 {
		r.AttemptTimeout = 30 * time.Second
	}

	if c.Transcription.Provider == "" {
		c.Transcription.Provider = "openai"
	}
	if c.Transcription.BaseURL == "" {
		c.Transcription.BaseURL = "https://api.openai.com/v1"
	}
	if c.Transcription.Model == "" {
		c.Transcription.Model = "whisper-1"
	}
	if c.Analysis.Provider == "" {
		c.Analysis.Provider = "gateway"
	}
	if c.Analysis.GatewayURL == "" {
		c.Analysis.GatewayURL = "https://api.openai.com/v1/chat/completions"
	}
	if c.Analysis.APIKey == "" {
		c.Analysis.APIKey = c.Transcription.APIKey
	}
	if len(c.Analysis.Models) == 0 {
		c.Analysis.Models = append([]string(nil), types.DefaultModels...)
	}
	if c.VideoSource.Binary == "" {
		c.VideoSource.Binary = "yt-dlp"
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "data/history.db"
	}
	if c.Storage.InputRoot == "" {
		c.Storage.InputRoot = c.Watch.Inbox
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	c.Defaults = c.Defaults.Merge(types.DefaultSettings()).Normalize()

	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(e.Concurrency >= 1 && e.Concurrency <= 32, "engine.concurrency %d out of range [1,32]", e.Concurrency)
	check(e.ChunkFanout >= 1 && e.ChunkFanout <= 16, "engine.chunk_fanout %d out of range [1,16]", e.ChunkFanout)
	check(e.MaxChunkSeconds >= 10 && e.MaxChunkSeconds <= 1500, "engine.max_chunk_seconds %d out of range [10,1500]", e.MaxChunkSeconds)
	check(e.MaxChunkBytes >= 1<<20 && e.MaxChunkBytes <= maxProviderBytes, "engine.max_chunk_bytes %d out of range [1MiB,25MiB]", e.MaxChunkBytes)
	check(e.CacheEntries >= 1, "engine.cache_entries must be positive")
	check(e.RetentionDays >= 1 && e.RetentionDays <= 3650, "engine.retention_days %d out of range [1,3650]", e.RetentionDays)
	check(r.Jitter >= 0 && r.Jitter <= 1, "retry.jitter %v out of range [0,1]", r.Jitter)
	check(r.MaxDelay >= r.BaseDelay, "retry.max_delay must be >= retry.base_delay")
	check(c.Transcription.Provider == "openai" || c.Transcription.Provider == "mock",
		"transcription.provider %q must be openai or mock", c.Transcription.Provider)
	check(c.Analysis.Provider == "gateway" || c.Analysis.Provider == "gemini" || c.Analysis.Provider == "mock",
		"analysis.provider %q must be gateway, gemini or mock", c.Analysis.Provider)
	if err := c.Defaults.Validate(c.Analysis.Models); err != nil {
		errs = append(errs, fmt.Errorf("defaults: %w", err))
	}

	if len(errs) > 0 {
		return &types.Error{Class: types.ClassConfiguration, Op: "validate config", Err: errors.Join(errs...)}
	}
	return nil
}

// Retention is the history retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Engine.RetentionDays) * 24 * time.Hour
}
