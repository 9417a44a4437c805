// Package config provides the configuration structure for the narrator-service.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/joho/godotenv"
)

// Environment variables holding secrets.
const (
	EnvReplicateAPIToken = "REPLICATE_API_TOKEN"
	EnvNgrokAuthToken    = "NGROK_AUTHTOKEN"
)

// Tunnel providers.
const (
	TunnelNgrok = "ngrok"
	TunnelLocal = "local"
)

// Defaults applied to zero values.
const (
	defaultHost                   = "127.0.0.1"
	defaultPort                   = 8000
	defaultShutdownTimeoutSeconds = 5
	defaultSynthesisAPIURL        = "https://api.replicate.com"
	defaultModelVersion           = "d548923c9d7fc9330a3b7c7f9e2f91b2ee90c83311a351dfcd32af353799223d"
	defaultLanguage               = "ES"
	defaultSpeed                  = 1.0
	defaultTimeoutSeconds         = 300
	defaultPollIntervalMillis     = 1000
	defaultWorkers                = 4
	defaultVoicesDir              = "voces"
	defaultOutputDir              = "output"
	defaultVoicePrefix            = "voices/"
	maxPort                       = 65535
)

// Validation errors.
var (
	ErrPortRange       = errors.New("exposure port must be between 0 and 65535")
	ErrUnknownTunnel   = errors.New("unknown tunnel provider")
	ErrSpeedRange      = errors.New("synthesis speed must be positive")
	ErrWorkersRange    = errors.New("synthesis workers must be positive")
	ErrModelVersion    = errors.New("synthesis model version cannot be empty")
	ErrTimeoutRange    = errors.New("timeouts must be positive")
	ErrPollInterval    = errors.New("poll interval must be positive")
	ErrVoicesDirEmpty  = errors.New("voices directory cannot be empty")
	ErrOutputDirEmpty  = errors.New("output directory cannot be empty")
	ErrSynthesisAPIURL = errors.New("synthesis API URL cannot be empty")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                      string `toml:"url"`
	TextProcessedSubject     string `toml:"text_processed_subject"`
	AudioChunkCreatedSubject string `toml:"audio_chunk_created_subject"`
	AudioObjectStoreBucket   string `toml:"audio_object_store_bucket"`
	VoiceObjectStoreBucket   string `toml:"voice_object_store_bucket"`
	VoiceKeyPrefix           string `toml:"voice_key_prefix"`
}

// ExposureConfig holds the configuration of the local file exposure service.
type ExposureConfig struct {
	Host                   string `toml:"host"`
	// Port is nil when unset. An explicit 0 binds an ephemeral port.
	Port                   *int   `toml:"port"`
	Tunnel                 string `toml:"tunnel"`
	PublicHost             string `toml:"public_host"`
	NgrokDomain            string `toml:"ngrok_domain"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
	NgrokAuthToken         string `toml:"-"`
}

// ListenPort returns the configured port, or the default when unset.
func (e ExposureConfig) ListenPort() int {
	if e.Port == nil {
		return defaultPort
	}

	return *e.Port
}

// ShutdownTimeout returns the teardown bound as a duration.
func (e ExposureConfig) ShutdownTimeout() time.Duration {
	return time.Duration(e.ShutdownTimeoutSeconds) * time.Second
}

// SynthesisConfig holds the configuration of the remote voice-cloning model.
type SynthesisConfig struct {
	APIURL             string  `toml:"api_url"`
	ModelVersion       string  `toml:"model_version"`
	Language           string  `toml:"language"`
	Speed              float64 `toml:"speed"`
	TimeoutSeconds     int     `toml:"timeout_seconds"`
	PollIntervalMillis int     `toml:"poll_interval_millis"`
	Workers            int     `toml:"workers"`
	APIToken           string  `toml:"-"`
}

// Timeout returns the per-job synthesis timeout.
func (s SynthesisConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// PollInterval returns the prediction polling interval.
func (s SynthesisConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMillis) * time.Millisecond
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	VoicesDir   string `toml:"voices_dir"`
	OutputDir   string `toml:"output_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Exposure  ExposureConfig  `toml:"exposure"`
	Synthesis SynthesisConfig `toml:"synthesis"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads the configuration for the narrator-service. Secrets are read
// from the environment after an optional .env file has been applied.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	err = loadDotEnv()
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	cfg.LoadSecrets()

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv applies a .env file from the working directory if one exists.
// Variables already present in the environment win.
func loadDotEnv() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env file: %w", err)
	}

	return nil
}

// LoadSecrets copies API tokens from the environment.
func (c *Config) LoadSecrets() {
	c.Synthesis.APIToken = os.Getenv(EnvReplicateAPIToken)
	c.Exposure.NgrokAuthToken = os.Getenv(EnvNgrokAuthToken)
}

// ApplyDefaults fills zero values with the service defaults.
func (c *Config) ApplyDefaults() {
	if c.Exposure.Host == "" {
		c.Exposure.Host = defaultHost
	}

	if c.Exposure.Port == nil {
		port := defaultPort
		c.Exposure.Port = &port
	}

	if c.Exposure.Tunnel == "" {
		c.Exposure.Tunnel = TunnelNgrok
	}

	if c.Exposure.ShutdownTimeoutSeconds == 0 {
		c.Exposure.ShutdownTimeoutSeconds = defaultShutdownTimeoutSeconds
	}

	if c.Synthesis.APIURL == "" {
		c.Synthesis.APIURL = defaultSynthesisAPIURL
	}

	if c.Synthesis.ModelVersion == "" {
		c.Synthesis.ModelVersion = defaultModelVersion
	}

	if c.Synthesis.Language == "" {
		c.Synthesis.Language = defaultLanguage
	}

	if c.Synthesis.Speed == 0 {
		c.Synthesis.Speed = defaultSpeed
	}

	if c.Synthesis.TimeoutSeconds == 0 {
		c.Synthesis.TimeoutSeconds = defaultTimeoutSeconds
	}

	if c.Synthesis.PollIntervalMillis == 0 {
		c.Synthesis.PollIntervalMillis = defaultPollIntervalMillis
	}

	if c.Synthesis.Workers == 0 {
		c.Synthesis.Workers = defaultWorkers
	}

	if c.Paths.VoicesDir == "" {
		c.Paths.VoicesDir = defaultVoicesDir
	}

	if c.Paths.OutputDir == "" {
		c.Paths.OutputDir = defaultOutputDir
	}

	if c.Paths.BaseLogsDir == "" {
		c.Paths.BaseLogsDir = os.TempDir()
	}

	if c.NATS.VoiceKeyPrefix == "" {
		c.NATS.VoiceKeyPrefix = defaultVoicePrefix
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	port := c.Exposure.ListenPort()
	if port < 0 || port > maxPort {
		return fmt.Errorf("%w: got %d", ErrPortRange, port)
	}

	switch c.Exposure.Tunnel {
	case TunnelNgrok, TunnelLocal:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTunnel, c.Exposure.Tunnel)
	}

	if c.Exposure.ShutdownTimeoutSeconds < 0 || c.Synthesis.TimeoutSeconds <= 0 {
		return ErrTimeoutRange
	}

	if c.Synthesis.APIURL == "" {
		return ErrSynthesisAPIURL
	}

	if c.Synthesis.ModelVersion == "" {
		return ErrModelVersion
	}

	if c.Synthesis.Speed <= 0 {
		return fmt.Errorf("%w: got %f", ErrSpeedRange, c.Synthesis.Speed)
	}

	if c.Synthesis.PollIntervalMillis <= 0 {
		return ErrPollInterval
	}

	if c.Synthesis.Workers <= 0 {
		return fmt.Errorf("%w: got %d", ErrWorkersRange, c.Synthesis.Workers)
	}

	if c.Paths.VoicesDir == "" {
		return ErrVoicesDirEmpty
	}

	if c.Paths.OutputDir == "" {
		return ErrOutputDirEmpty
	}

	return nil
}
