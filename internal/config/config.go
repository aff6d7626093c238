// Package config provides configuration management for the runner using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultHTTPTimeout        = 30 * time.Second
	defaultRetryAttempts      = 3
	defaultRetryDelay         = 1 * time.Second
	defaultRetryMaxDelay      = 30 * time.Second
	defaultDownloadSlots      = 1
	defaultConvertSlots       = 1
	defaultUploadSlots        = 1
	defaultChunkSize          = 5 * 1024 * 1024
	defaultMaxChunks          = 32
	defaultMinChunks          = 1
	defaultParallelChunks     = 8
	defaultPartRetries        = 5
	defaultMaxFileSize        = 38 * 1024 * 1024 * 1024 / 10 // bitrate ceiling input, 3.8 GiB
	defaultAudioBitrateKbps   = 192
	defaultEncodeAudioKbps    = 128
	defaultMaxVideoKbps       = 8000
	defaultMultipartThreshold = 10 * 1024 * 1024
	defaultUploadPartSize     = 5 * 1024 * 1024
	defaultPresignExpiry      = 7 * 24 * time.Hour
	defaultPollInterval       = 5 * time.Second
	defaultDispatchInterval   = 500 * time.Millisecond
	defaultHeartbeatInterval  = 20 * time.Second
	defaultProbeTimeout       = 5 * time.Second
)

// Config holds all configuration for the runner.
type Config struct {
	BaseURL string `mapstructure:"base_url"`
	Name    string `mapstructure:"name"`
	Encoder string `mapstructure:"encoder"` // hardware or cpu; the probe may downgrade

	Logging   LoggingConfig   `mapstructure:"logging"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Download  DownloadConfig  `mapstructure:"download"`
	Convert   ConvertConfig   `mapstructure:"convert"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Intervals IntervalsConfig `mapstructure:"intervals"`
	Scratch   ScratchConfig   `mapstructure:"scratch"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// HTTPConfig holds control-plane HTTP client configuration.
type HTTPConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay"`
}

// QueueConfig holds per-stage concurrency caps.
type QueueConfig struct {
	DownloadSlots int `mapstructure:"download_slots"`
	ConvertSlots  int `mapstructure:"convert_slots"`
	UploadSlots   int `mapstructure:"upload_slots"`
}

// DownloadConfig holds download engine configuration.
type DownloadConfig struct {
	ChunkSize   ByteSize      `mapstructure:"chunk_size"`
	MinChunks   int           `mapstructure:"min_chunks"`
	MaxChunks   int           `mapstructure:"max_chunks"`
	Parallel    int           `mapstructure:"parallel"`
	PartRetries int           `mapstructure:"part_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// ConvertConfig holds transcode driver configuration.
type ConvertConfig struct {
	// MaxFileSize is the output size ceiling the bitrate solver targets.
	MaxFileSize ByteSize `mapstructure:"max_file_size"`
	// AudioBitrateKbps is reserved for audio when solving the video bitrate.
	AudioBitrateKbps int `mapstructure:"audio_bitrate_kbps"`
	// EncodeAudioKbps is the bitrate the audio track is actually encoded at.
	EncodeAudioKbps  int    `mapstructure:"encode_audio_kbps"`
	MaxVideoKbps     int    `mapstructure:"max_video_kbps"`
	FFmpegPath       string `mapstructure:"ffmpeg_path"`
	FFprobePath      string `mapstructure:"ffprobe_path"`
}

// UploadConfig holds object-store upload configuration.
type UploadConfig struct {
	MultipartThreshold ByteSize      `mapstructure:"multipart_threshold"`
	PartSize           ByteSize      `mapstructure:"part_size"`
	PresignExpiry      time.Duration `mapstructure:"presign_expiry"`
}

// IntervalsConfig holds the runner's loop intervals.
type IntervalsConfig struct {
	Poll      time.Duration `mapstructure:"poll"`
	Dispatch  time.Duration `mapstructure:"dispatch"`
	Heartbeat time.Duration `mapstructure:"heartbeat"`
	Probe     time.Duration `mapstructure:"probe"`
}

// ScratchConfig holds scratch workspace configuration.
type ScratchConfig struct {
	// Dir overrides the scratch root. Empty uses <systemTemp>/videoconverter.
	Dir string `mapstructure:"dir"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
//
// Two env surfaces are recognised: the control plane's conventional names
// (BASE_URL, HOSTNAME, ENCODER, NODE_ENV), and RUNNER_-prefixed keys for
// everything else (RUNNER_LOGGING_LEVEL, RUNNER_QUEUE_DOWNLOAD_SLOTS, ...).
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/videoconverter")
	}

	v.SetEnvPrefix("RUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional env names used by the control plane's deployments.
	bindConventionalEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && configPath != "" {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// NODE_ENV other than production enables debug logging.
	if env := os.Getenv("NODE_ENV"); env != "" && env != "production" {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// bindConventionalEnv wires the unprefixed env names the control plane's
// deployment tooling exports.
func bindConventionalEnv(v *viper.Viper) {
	_ = v.BindEnv("base_url", "RUNNER_BASE_URL", "BASE_URL")
	_ = v.BindEnv("name", "RUNNER_NAME", "HOSTNAME")
	_ = v.BindEnv("encoder", "RUNNER_ENCODER", "ENCODER")
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()

	v.SetDefault("base_url", "")
	v.SetDefault("name", hostname)
	v.SetDefault("encoder", "cpu")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("http.timeout", defaultHTTPTimeout)
	v.SetDefault("http.retry_attempts", defaultRetryAttempts)
	v.SetDefault("http.retry_delay", defaultRetryDelay)
	v.SetDefault("http.retry_max_delay", defaultRetryMaxDelay)

	v.SetDefault("queue.download_slots", defaultDownloadSlots)
	v.SetDefault("queue.convert_slots", defaultConvertSlots)
	v.SetDefault("queue.upload_slots", defaultUploadSlots)

	v.SetDefault("download.chunk_size", defaultChunkSize)
	v.SetDefault("download.min_chunks", defaultMinChunks)
	v.SetDefault("download.max_chunks", defaultMaxChunks)
	v.SetDefault("download.parallel", defaultParallelChunks)
	v.SetDefault("download.part_retries", defaultPartRetries)
	v.SetDefault("download.timeout", 0)

	v.SetDefault("convert.max_file_size", defaultMaxFileSize)
	v.SetDefault("convert.audio_bitrate_kbps", defaultAudioBitrateKbps)
	v.SetDefault("convert.encode_audio_kbps", defaultEncodeAudioKbps)
	v.SetDefault("convert.max_video_kbps", defaultMaxVideoKbps)
	v.SetDefault("convert.ffmpeg_path", "")
	v.SetDefault("convert.ffprobe_path", "")

	v.SetDefault("upload.multipart_threshold", defaultMultipartThreshold)
	v.SetDefault("upload.part_size", defaultUploadPartSize)
	v.SetDefault("upload.presign_expiry", defaultPresignExpiry)

	v.SetDefault("intervals.poll", defaultPollInterval)
	v.SetDefault("intervals.dispatch", defaultDispatchInterval)
	v.SetDefault("intervals.heartbeat", defaultHeartbeatInterval)
	v.SetDefault("intervals.probe", defaultProbeTimeout)

	v.SetDefault("scratch.dir", "")
}

// Validate checks the configuration for errors. A failed validation is a
// CONFIG_ERROR-class fault and fatal at startup.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required (set BASE_URL)")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("base_url must include an http or https scheme")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Encoder != "hardware" && c.Encoder != "cpu" {
		return fmt.Errorf("encoder must be hardware or cpu")
	}

	if c.Queue.DownloadSlots < 1 || c.Queue.ConvertSlots < 1 || c.Queue.UploadSlots < 1 {
		return fmt.Errorf("queue slots must be at least 1")
	}

	if c.Download.ChunkSize < 1 {
		return fmt.Errorf("download.chunk_size must be positive")
	}
	if c.Download.MinChunks < 1 || c.Download.MaxChunks < c.Download.MinChunks {
		return fmt.Errorf("download chunk bounds invalid: min=%d max=%d", c.Download.MinChunks, c.Download.MaxChunks)
	}
	if c.Download.Parallel < 1 {
		return fmt.Errorf("download.parallel must be at least 1")
	}

	if c.Convert.MaxFileSize < 1 {
		return fmt.Errorf("convert.max_file_size must be positive")
	}

	if c.Upload.PartSize < 1 || c.Upload.MultipartThreshold < 1 {
		return fmt.Errorf("upload sizes must be positive")
	}

	return nil
}

// APIBase returns the control-plane API root, base URL joined with /api.
func (c *Config) APIBase() string {
	return strings.TrimRight(c.BaseURL, "/") + "/api"
}
