package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/skypro1111/voice-origin-service/internal/audio"
	"github.com/skypro1111/voice-origin-service/internal/classifier"
	"github.com/skypro1111/voice-origin-service/internal/config"
	"github.com/skypro1111/voice-origin-service/internal/metrics"
	"github.com/skypro1111/voice-origin-service/internal/server"
	"github.com/skypro1111/voice-origin-service/internal/session"
	"github.com/skypro1111/voice-origin-service/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "voice-origin-service"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("frame_duration_ms", cfg.Audio.FrameDurationMs),
		slog.Int("energy_threshold", cfg.VAD.EnergyThreshold),
		slog.Float64("active_ratio_threshold", cfg.VAD.ActiveRatioThreshold),
		slog.Int("silence_frame_limit", cfg.Segmentation.SilenceFrameLimit),
		slog.Float64("min_segment_duration", cfg.Segmentation.MinSegmentDuration),
		slog.String("source_type", cfg.Source.Type),
		slog.String("source_encoding", cfg.Source.Encoding),
		slog.String("classifier_endpoint", cfg.Classifier.Endpoint),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics on a dedicated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	// Initialize classification client
	classifierClient, err := classifier.NewClient(classifier.Config{
		Endpoint:      cfg.Classifier.Endpoint,
		APIKey:        cfg.Classifier.APIKey,
		Timeout:       cfg.Classifier.GetTimeoutDuration(),
		MaxRetries:    cfg.Classifier.MaxRetries,
		MaxConcurrent: cfg.Classifier.MaxConcurrent,
		RetryBackoff:  cfg.Classifier.GetRetryBackoffDuration(),
		FormField:     cfg.Classifier.FormField,
	}, appMetrics)
	if err != nil {
		logger.Error("Failed to create classifier client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize session manager
	sessionConfig := session.Config{
		Segmenting: audio.SegmentingConfig{
			SampleRate:        cfg.Audio.SampleRate,
			FrameDurationMs:   cfg.Audio.FrameDurationMs,
			SilenceFrameLimit: cfg.Segmentation.SilenceFrameLimit,
			MinSegmentBytes:   cfg.Segmentation.GetMinSegmentBytes(cfg.Audio.SampleRate),
		},
		VAD: vad.Config{
			EnergyThreshold:      cfg.VAD.EnergyThreshold,
			ActiveRatioThreshold: cfg.VAD.ActiveRatioThreshold,
		},
		StopGrace:   cfg.Session.GetStopGraceDuration(),
		EventBuffer: cfg.Session.EventBuffer,

		CaptureStopTimeout: cfg.Session.GetCaptureStopTimeoutDuration(),
	}

	sessionMgr, err := session.NewManager(sessionConfig, newSourceFactory(cfg, logger, appMetrics), classifierClient, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create session manager", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Session manager initialized",
		slog.Int("min_segment_bytes", sessionConfig.Segmenting.MinSegmentBytes),
		slog.Duration("stop_grace", sessionConfig.StopGrace),
	)

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpConfig := server.HTTPServerConfig{
			Port:    cfg.HTTP.Port,
			Address: cfg.HTTP.Address,
		}
		httpServer = server.NewHTTPServer(httpConfig, logger, cfg, sessionMgr, classifierClient, appMetrics, registry)

		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Without the HTTP API there is no other way to start a session
	if cfg.Session.AutoStart || !cfg.HTTP.Enabled {
		sessionID, err := sessionMgr.StartSession(context.Background())
		if err != nil {
			logger.Error("Failed to start session", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("Session auto-started", slog.String("session_id", sessionID))
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.GetShutdownTimeoutDuration())
	defer shutdownCancel()

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Stop the active session and report its verdict
	if sessionMgr.Active() {
		verdict, err := sessionMgr.StopSession(shutdownCtx)
		if err != nil && !errors.Is(err, session.ErrNoActiveSession) {
			logger.Error("Session ended with error", slog.String("error", err.Error()))
		}
		logger.Info("Final verdict",
			slog.String("verdict", string(verdict.Verdict)),
			slog.String("message", verdict.Message),
			slog.Bool("session_empty", verdict.SessionEmpty),
			slog.Int("segments", verdict.Segments),
			slog.Int("synthetic_segments", verdict.Synthetic),
		)
	}

	if err := sessionMgr.Close(shutdownCtx); err != nil {
		logger.Error("Error closing session manager", slog.String("error", err.Error()))
	}

	if err := classifierClient.Close(); err != nil {
		logger.Error("Error closing classifier client", slog.String("error", err.Error()))
	}

	// Get final statistics
	stats := classifierClient.GetStats()
	logger.Info("Final classifier statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("success_requests", stats.SuccessRequests),
		slog.Uint64("failed_requests", stats.FailedRequests),
		slog.Uint64("total_retries", stats.TotalRetries),
	)

	logger.Info("Service stopped")
}

// newSourceFactory opens the configured frame source for each session.
// Standard input is closed when its session stops, so it serves a single session.
// A UDP source binds its socket per session and follows the first stream it sees.
func newSourceFactory(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) session.SourceFactory {
	sourceConfig := audio.SourceConfig{
		SampleRate:      cfg.Audio.SampleRate,
		FrameDurationMs: cfg.Audio.FrameDurationMs,
		Encoding:        cfg.Source.Encoding,
		Realtime:        cfg.Source.Realtime,
	}

	var stdinMu sync.Mutex
	stdinUsed := false

	return func(ctx context.Context) (audio.FrameSource, error) {
		switch cfg.Source.Type {
		case "file":
			source, err := audio.OpenFileSource(cfg.Source.Path, sourceConfig)
			if err != nil {
				return nil, err
			}
			return source, nil
		case "udp":
			direction, err := server.ParseDirection(cfg.Source.Direction)
			if err != nil {
				return nil, err
			}
			source, err := server.ListenUDPSource(server.UDPSourceConfig{
				Address:    cfg.Source.Address,
				Direction:  direction,
				MaxGap:     cfg.Source.MaxGap,
				ReadBuffer: cfg.Source.ReadBuffer,
				Audio:      sourceConfig,
			}, logger.With(slog.String("component", "udp_source")), m)
			if err != nil {
				return nil, err
			}
			return source, nil
		}

		stdinMu.Lock()
		defer stdinMu.Unlock()

		if stdinUsed {
			return nil, errors.New("standard input was consumed by a previous session")
		}

		source, err := audio.NewReaderSource(os.Stdin, sourceConfig)
		if err != nil {
			return nil, err
		}
		stdinUsed = true

		return source, nil
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stderr\n", cfg.Output, err)
			output = os.Stderr
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
