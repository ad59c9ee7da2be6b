package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}

func TestDefaultIsValid(t *testing.T) {
	config := Default()
	if err := config.Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got: %v", err)
	}

	if config.Audio.SampleRate != 16000 || config.Audio.FrameDurationMs != 20 {
		t.Errorf("Expected 16000 Hz / 20 ms, got %d Hz / %d ms", config.Audio.SampleRate, config.Audio.FrameDurationMs)
	}
	if config.Segmentation.SilenceFrameLimit != 15 {
		t.Errorf("Expected silence limit 15, got %d", config.Segmentation.SilenceFrameLimit)
	}
	if got := config.Segmentation.GetMinSegmentBytes(config.Audio.SampleRate); got != 32000 {
		t.Errorf("Expected min segment 32000 bytes, got %d", got)
	}
	if config.VAD.EnergyThreshold != 200 || config.VAD.ActiveRatioThreshold != 0.02 {
		t.Errorf("Expected VAD 200 / 0.02, got %d / %f", config.VAD.EnergyThreshold, config.VAD.ActiveRatioThreshold)
	}
	if config.Classifier.FormField != "audio" {
		t.Errorf("Expected form field audio, got %s", config.Classifier.FormField)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid configuration",
			modify: func(c *Config) {},
		},
		{
			name:        "invalid http port",
			modify:      func(c *Config) { c.HTTP.Port = 70000 },
			expectError: true,
			errorMsg:    "http port must be between 1 and 65535",
		},
		{
			name: "http port ignored when disabled",
			modify: func(c *Config) {
				c.HTTP.Enabled = false
				c.HTTP.Port = 0
			},
		},
		{
			name:        "unsupported sample rate",
			modify:      func(c *Config) { c.Audio.SampleRate = 12345 },
			expectError: true,
			errorMsg:    "sample_rate",
		},
		{
			name:        "frame duration out of range",
			modify:      func(c *Config) { c.Audio.FrameDurationMs = 5 },
			expectError: true,
			errorMsg:    "frame_duration_ms",
		},
		{
			name: "fractional samples per frame",
			modify: func(c *Config) {
				c.Audio.SampleRate = 22050
				c.Audio.FrameDurationMs = 15
			},
			expectError: true,
			errorMsg:    "whole number of samples",
		},
		{
			name:        "ratio threshold above one",
			modify:      func(c *Config) { c.VAD.ActiveRatioThreshold = 1.5 },
			expectError: true,
			errorMsg:    "active_ratio_threshold must be between 0 and 1",
		},
		{
			name:        "negative energy threshold",
			modify:      func(c *Config) { c.VAD.EnergyThreshold = -1 },
			expectError: true,
			errorMsg:    "energy_threshold",
		},
		{
			name:        "zero silence limit",
			modify:      func(c *Config) { c.Segmentation.SilenceFrameLimit = 0 },
			expectError: true,
			errorMsg:    "silence_frame_limit",
		},
		{
			name:        "file source without path",
			modify:      func(c *Config) { c.Source.Type = "file" },
			expectError: true,
			errorMsg:    "path cannot be empty",
		},
		{
			name:   "udp source",
			modify: func(c *Config) { c.Source.Type = "udp" },
		},
		{
			name: "udp source without address",
			modify: func(c *Config) {
				c.Source.Type = "udp"
				c.Source.Address = ""
			},
			expectError: true,
			errorMsg:    "address cannot be empty",
		},
		{
			name: "udp source with unknown direction",
			modify: func(c *Config) {
				c.Source.Type = "udp"
				c.Source.Direction = "both"
			},
			expectError: true,
			errorMsg:    "direction must be",
		},
		{
			name: "udp source with zero max gap",
			modify: func(c *Config) {
				c.Source.Type = "udp"
				c.Source.MaxGap = 0
			},
			expectError: true,
			errorMsg:    "max_gap",
		},
		{
			name:        "zero capture stop timeout",
			modify:      func(c *Config) { c.Session.CaptureStopTimeout = 0 },
			expectError: true,
			errorMsg:    "capture_stop_timeout",
		},
		{
			name:        "unknown source type",
			modify:      func(c *Config) { c.Source.Type = "microphone" },
			expectError: true,
			errorMsg:    "type must be",
		},
		{
			name:        "unknown encoding",
			modify:      func(c *Config) { c.Source.Encoding = "opus" },
			expectError: true,
			errorMsg:    "encoding must be one of",
		},
		{
			name:        "empty classifier endpoint",
			modify:      func(c *Config) { c.Classifier.Endpoint = "" },
			expectError: true,
			errorMsg:    "endpoint cannot be empty",
		},
		{
			name:        "negative retries",
			modify:      func(c *Config) { c.Classifier.MaxRetries = -1 },
			expectError: true,
			errorMsg:    "max_retries",
		},
		{
			name:        "negative stop grace",
			modify:      func(c *Config) { c.Session.StopGrace = -1 },
			expectError: true,
			errorMsg:    "stop_grace",
		},
		{
			name:        "invalid log level",
			modify:      func(c *Config) { c.Logging.Level = "verbose" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.modify(config)

			err := config.Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	// Create a temporary directory for test files
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
		check       func(t *testing.T, c *Config)
	}{
		{
			name: "valid config file",
			configYAML: `
http:
  port: 9090
  address: "127.0.0.1"
  enabled: true
audio:
  sample_rate: 8000
  frame_duration_ms: 20
segmentation:
  silence_frame_limit: 25
  min_segment_duration: 0.5
source:
  type: file
  path: /tmp/call.wav
  encoding: pcm16
  realtime: true
classifier:
  endpoint: "http://classifier:5000/predict"
  timeout: 10
session:
  stop_grace: 1.5
logging:
  level: debug
  format: text
  output: stderr
`,
			check: func(t *testing.T, c *Config) {
				if c.HTTP.Port != 9090 {
					t.Errorf("Expected port 9090, got %d", c.HTTP.Port)
				}
				if c.Segmentation.SilenceFrameLimit != 25 {
					t.Errorf("Expected silence limit 25, got %d", c.Segmentation.SilenceFrameLimit)
				}
				if got := c.Segmentation.GetMinSegmentBytes(c.Audio.SampleRate); got != 8000 {
					t.Errorf("Expected 8000 min segment bytes, got %d", got)
				}
				if !c.Source.Realtime || c.Source.Path != "/tmp/call.wav" {
					t.Errorf("Expected realtime file source, got %+v", c.Source)
				}
				if c.Session.GetStopGraceDuration() != 1500*time.Millisecond {
					t.Errorf("Expected 1.5s stop grace, got %v", c.Session.GetStopGraceDuration())
				}
			},
		},
		{
			name: "missing sections keep defaults",
			configYAML: `
classifier:
  endpoint: "http://classifier:5000/predict"
`,
			check: func(t *testing.T, c *Config) {
				if c.VAD.EnergyThreshold != 200 {
					t.Errorf("Expected default energy threshold, got %d", c.VAD.EnergyThreshold)
				}
				if c.Classifier.MaxConcurrent != 4 {
					t.Errorf("Expected default max concurrent, got %d", c.Classifier.MaxConcurrent)
				}
				if c.Logging.Format != "json" {
					t.Errorf("Expected default log format, got %s", c.Logging.Format)
				}
			},
		},
		{
			name:        "invalid YAML",
			configYAML:  "http: [unclosed",
			expectError: true,
			errorMsg:    "failed to parse config file",
		},
		{
			name: "invalid values",
			configYAML: `
vad:
  active_ratio_threshold: 2
`,
			expectError: true,
			errorMsg:    "config validation failed",
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config"+string(rune('a'+i))+".yaml")
			err := os.WriteFile(configPath, []byte(tt.configYAML), 0644)
			if err != nil {
				t.Fatalf("Failed to write test config: %v", err)
			}

			config, err := Load(configPath)
			if tt.expectError {
				if err == nil {
					t.Fatalf("Expected error but got none")
				}
				if !contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			tt.check(t, config)
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error for nonexistent file")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvClassifierEndpoint, "http://override:5000/predict")
	t.Setenv(EnvClassifierAPIKey, "secret")
	t.Setenv(EnvHTTPAddress, "127.0.0.1")
	t.Setenv(EnvHTTPPort, "9191")
	t.Setenv(EnvLogLevel, "warn")

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("http:\n  port: 8080\n"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Classifier.Endpoint != "http://override:5000/predict" {
		t.Errorf("Expected endpoint override, got %s", config.Classifier.Endpoint)
	}
	if config.Classifier.APIKey != "secret" {
		t.Errorf("Expected API key override, got %s", config.Classifier.APIKey)
	}
	if config.HTTP.Address != "127.0.0.1" || config.HTTP.Port != 9191 {
		t.Errorf("Expected 127.0.0.1:9191, got %s:%d", config.HTTP.Address, config.HTTP.Port)
	}
	if config.Logging.Level != "warn" {
		t.Errorf("Expected log level warn, got %s", config.Logging.Level)
	}
}

func TestEnvironmentOverrideInvalidPort(t *testing.T) {
	t.Setenv(EnvHTTPPort, "eighty")

	config := Default()
	if err := config.ApplyEnv(); err == nil || !contains(err.Error(), EnvHTTPPort) {
		t.Errorf("Expected port parse error, got %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	config := Default()

	if got := config.Classifier.GetTimeoutDuration(); got != 30*time.Second {
		t.Errorf("Expected 30s timeout, got %v", got)
	}
	if got := config.Classifier.GetRetryBackoffDuration(); got != time.Second {
		t.Errorf("Expected 1s backoff, got %v", got)
	}
	if got := config.HTTP.GetShutdownTimeoutDuration(); got != 10*time.Second {
		t.Errorf("Expected 10s shutdown timeout, got %v", got)
	}
	if got := config.Session.GetStopGraceDuration(); got != 0 {
		t.Errorf("Expected no stop grace, got %v", got)
	}
}

func TestMinSegmentBytesRounding(t *testing.T) {
	tests := []struct {
		name       string
		duration   float64
		sampleRate int
		expected   int
	}{
		{"one second at 16kHz", 1.0, 16000, 32000},
		{"half second at 8kHz", 0.5, 8000, 8000},
		{"0.7s at 44.1kHz", 0.7, 44100, 61740},
		{"0.57s at 44.1kHz", 0.57, 44100, 50274},
		{"zero", 0, 16000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segmentation := SegmentationConfig{MinSegmentDuration: tt.duration}
			if got := segmentation.GetMinSegmentBytes(tt.sampleRate); got != tt.expected {
				t.Errorf("Expected %d bytes, got %d", tt.expected, got)
			}
		})
	}
}
