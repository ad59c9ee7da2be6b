package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values
const (
	EnvClassifierEndpoint = "VOICE_CLASSIFIER_ENDPOINT"
	EnvClassifierAPIKey   = "VOICE_CLASSIFIER_API_KEY"
	EnvHTTPAddress        = "VOICE_HTTP_ADDRESS"
	EnvHTTPPort           = "VOICE_HTTP_PORT"
	EnvLogLevel           = "VOICE_LOG_LEVEL"
)

// Config represents the complete service configuration
type Config struct {
	HTTP         HTTPConfig         `yaml:"http"`
	Audio        AudioConfig        `yaml:"audio"`
	VAD          VADConfig          `yaml:"vad"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Source       SourceConfig       `yaml:"source"`
	Classifier   ClassifierConfig   `yaml:"classifier"`
	Session      SessionConfig      `yaml:"session"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port            int    `yaml:"port"`
	Address         string `yaml:"address"`
	Enabled         bool   `yaml:"enabled"`
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // seconds
}

// AudioConfig contains the PCM format of captured frames
type AudioConfig struct {
	SampleRate      int `yaml:"sample_rate"`
	FrameDurationMs int `yaml:"frame_duration_ms"`
}

// VADConfig contains energy based voice activity detection parameters
type VADConfig struct {
	EnergyThreshold      int     `yaml:"energy_threshold"`       // absolute sample amplitude
	ActiveRatioThreshold float64 `yaml:"active_ratio_threshold"` // share of loud samples for an active frame
}

// SegmentationConfig contains segmentation state machine parameters
type SegmentationConfig struct {
	SilenceFrameLimit  int     `yaml:"silence_frame_limit"`
	MinSegmentDuration float64 `yaml:"min_segment_duration"` // seconds
}

// SourceConfig selects where frames are read from
type SourceConfig struct {
	Type     string `yaml:"type"` // stdin, file or udp
	Path     string `yaml:"path"`
	Encoding string `yaml:"encoding"` // pcm16, mulaw or alaw
	Realtime bool   `yaml:"realtime"`

	// UDP feed
	Address    string `yaml:"address"`   // listen address, host:port
	Direction  string `yaml:"direction"` // rx or tx
	MaxGap     int    `yaml:"max_gap"`   // missing packets to wait for before filling with silence
	ReadBuffer int    `yaml:"read_buffer"`
}

// ClassifierConfig contains prediction API configuration
type ClassifierConfig struct {
	Endpoint      string  `yaml:"endpoint"`
	APIKey        string  `yaml:"api_key"`
	Timeout       int     `yaml:"timeout"` // seconds
	MaxRetries    int     `yaml:"max_retries"`
	MaxConcurrent int     `yaml:"max_concurrent"`
	RetryBackoff  float64 `yaml:"retry_backoff"` // seconds
	FormField     string  `yaml:"form_field"`
}

// SessionConfig contains session lifecycle configuration
type SessionConfig struct {
	AutoStart   bool    `yaml:"auto_start"`
	StopGrace   float64 `yaml:"stop_grace"` // seconds
	EventBuffer int     `yaml:"event_buffer"`

	CaptureStopTimeout float64 `yaml:"capture_stop_timeout"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used for every value the file leaves out
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:            8080,
			Address:         "0.0.0.0",
			Enabled:         true,
			ShutdownTimeout: 10,
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			FrameDurationMs: 20,
		},
		VAD: VADConfig{
			EnergyThreshold:      200,
			ActiveRatioThreshold: 0.02,
		},
		Segmentation: SegmentationConfig{
			SilenceFrameLimit:  15,
			MinSegmentDuration: 1.0,
		},
		Source: SourceConfig{
			Type:       "stdin",
			Encoding:   "pcm16",
			Address:    "0.0.0.0:4000",
			Direction:  "rx",
			MaxGap:     20,
			ReadBuffer: 1 << 20,
		},
		Classifier: ClassifierConfig{
			Endpoint:      "http://localhost:5000/predict",
			Timeout:       30,
			MaxRetries:    2,
			MaxConcurrent: 4,
			RetryBackoff:  1.0,
			FormField:     "audio",
		},
		Session: SessionConfig{
			EventBuffer: 16,

			CaptureStopTimeout: 2.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file over the defaults, applies environment
// overrides and validates the result. A .env file in the working directory
// is loaded into the environment first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides configuration values from environment variables
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv(EnvClassifierEndpoint); ok {
		c.Classifier.Endpoint = v
	}

	if v, ok := os.LookupEnv(EnvClassifierAPIKey); ok {
		c.Classifier.APIKey = v
	}

	if v, ok := os.LookupEnv(EnvHTTPAddress); ok {
		c.HTTP.Address = v
	}

	if v, ok := os.LookupEnv(EnvHTTPPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer, got '%s'", EnvHTTPPort, v)
		}
		c.HTTP.Port = port
	}

	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		c.Logging.Level = v
	}

	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Segmentation.Validate(); err != nil {
		return fmt.Errorf("segmentation config: %w", err)
	}

	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source config: %w", err)
	}

	if err := c.Classifier.Validate(); err != nil {
		return fmt.Errorf("classifier config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	if h.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout cannot be negative, got %d", h.ShutdownTimeout)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	validRates := map[int]bool{8000: true, 16000: true, 22050: true, 44100: true, 48000: true}
	if !validRates[a.SampleRate] {
		return fmt.Errorf("sample_rate must be one of [8000, 16000, 22050, 44100, 48000], got %d", a.SampleRate)
	}

	if a.FrameDurationMs < 10 || a.FrameDurationMs > 100 {
		return fmt.Errorf("frame_duration_ms must be between 10 and 100, got %d", a.FrameDurationMs)
	}

	if a.SampleRate*a.FrameDurationMs%1000 != 0 {
		return fmt.Errorf("frame of %d ms at %d Hz is not a whole number of samples", a.FrameDurationMs, a.SampleRate)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.EnergyThreshold < 0 || v.EnergyThreshold > 32767 {
		return fmt.Errorf("energy_threshold must be between 0 and 32767, got %d", v.EnergyThreshold)
	}

	if v.ActiveRatioThreshold < 0 || v.ActiveRatioThreshold > 1 {
		return fmt.Errorf("active_ratio_threshold must be between 0 and 1, got %f", v.ActiveRatioThreshold)
	}

	return nil
}

// Validate validates segmentation configuration
func (s *SegmentationConfig) Validate() error {
	if s.SilenceFrameLimit < 1 {
		return fmt.Errorf("silence_frame_limit must be at least 1, got %d", s.SilenceFrameLimit)
	}

	if s.MinSegmentDuration <= 0 {
		return fmt.Errorf("min_segment_duration must be positive, got %f", s.MinSegmentDuration)
	}

	if s.MinSegmentDuration > 60 {
		return fmt.Errorf("min_segment_duration must be at most 60 seconds, got %f", s.MinSegmentDuration)
	}

	return nil
}

// Validate validates source configuration
func (s *SourceConfig) Validate() error {
	switch s.Type {
	case "stdin":
	case "file":
		if s.Path == "" {
			return fmt.Errorf("path cannot be empty for file source")
		}
	case "udp":
		if s.Address == "" {
			return fmt.Errorf("address cannot be empty for udp source")
		}
		if s.Direction != "rx" && s.Direction != "tx" {
			return fmt.Errorf("direction must be 'rx' or 'tx', got '%s'", s.Direction)
		}
		if s.MaxGap < 1 || s.MaxGap > 500 {
			return fmt.Errorf("max_gap must be between 1 and 500, got %d", s.MaxGap)
		}
		if s.ReadBuffer < 0 {
			return fmt.Errorf("read_buffer cannot be negative, got %d", s.ReadBuffer)
		}
	default:
		return fmt.Errorf("type must be 'stdin', 'file' or 'udp', got '%s'", s.Type)
	}

	validEncodings := map[string]bool{"pcm16": true, "mulaw": true, "alaw": true}
	if !validEncodings[s.Encoding] {
		return fmt.Errorf("encoding must be one of [pcm16, mulaw, alaw], got '%s'", s.Encoding)
	}

	return nil
}

// Validate validates classifier configuration
func (c *ClassifierConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if c.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", c.Timeout)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", c.MaxRetries)
	}

	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}

	if c.RetryBackoff <= 0 {
		return fmt.Errorf("retry_backoff must be positive, got %f", c.RetryBackoff)
	}

	if c.FormField == "" {
		return fmt.Errorf("form_field cannot be empty")
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.StopGrace < 0 {
		return fmt.Errorf("stop_grace cannot be negative, got %f", s.StopGrace)
	}

	if s.CaptureStopTimeout <= 0 {
		return fmt.Errorf("capture_stop_timeout must be positive, got %f", s.CaptureStopTimeout)
	}

	if s.EventBuffer < 1 {
		return fmt.Errorf("event_buffer must be at least 1, got %d", s.EventBuffer)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// GetShutdownTimeoutDuration returns the HTTP shutdown timeout as a time.Duration
func (h *HTTPConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(h.ShutdownTimeout) * time.Second
}

// GetMinSegmentBytes returns the minimum segment size in PCM-16 bytes at the given sample rate
func (s *SegmentationConfig) GetMinSegmentBytes(sampleRate int) int {
	samples := int(math.Round(s.MinSegmentDuration * float64(sampleRate)))
	return samples * 2
}

// GetTimeoutDuration returns the classifier timeout as a time.Duration
func (c *ClassifierConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// GetRetryBackoffDuration returns the first retry delay as a time.Duration
func (c *ClassifierConfig) GetRetryBackoffDuration() time.Duration {
	return time.Duration(c.RetryBackoff * float64(time.Second))
}

// GetCaptureStopTimeoutDuration returns the capture stop timeout as a time.Duration
func (s *SessionConfig) GetCaptureStopTimeoutDuration() time.Duration {
	return time.Duration(s.CaptureStopTimeout * float64(time.Second))
}

// GetStopGraceDuration returns the stop grace period as a time.Duration
func (s *SessionConfig) GetStopGraceDuration() time.Duration {
	return time.Duration(s.StopGrace * float64(time.Second))
}
