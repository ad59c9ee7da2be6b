package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/voice-origin-service/internal/classifier"
	"github.com/skypro1111/voice-origin-service/internal/config"
	"github.com/skypro1111/voice-origin-service/internal/metrics"
	"github.com/skypro1111/voice-origin-service/internal/session"
)

// SessionController is the session surface the API drives
type SessionController interface {
	StartSession(ctx context.Context) (string, error)
	StopSession(ctx context.Context) (session.FinalVerdict, error)
	State(ctx context.Context) (session.Snapshot, error)
	Subscribe() (<-chan session.Update, func())
	GetStats() session.ManagerStats
}

// ClassifierStats reports classification client statistics
type ClassifierStats interface {
	GetStats() classifier.ClientStats
}

// HTTPServer provides HTTP API endpoints for session control and monitoring
type HTTPServer struct {
	server     *http.Server
	router     chi.Router
	logger     *slog.Logger
	config     *config.Config
	sessions   SessionController
	classifier ClassifierStats
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	events     *eventStreamer

	// Server state
	startTime time.Time
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port    int
	Address string
}

// NewHTTPServer creates a new HTTP API server. classifierStats may be nil.
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, appConfig *config.Config,
	sessions SessionController, classifierStats ClassifierStats, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		sessions:   sessions,
		classifier: classifierStats,
		metrics:    m,
		gatherer:   gatherer,
		events:     newEventStreamer(sessions, logger, m),
		startTime:  time.Now(),
	}

	h.router = h.setupRoutes()

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:     h.router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.withMetrics("/", h.handleRoot))
	r.Get("/health", h.withMetrics("/health", h.handleHealth))
	r.Get("/stats", h.withMetrics("/stats", h.handleStats))
	r.Get("/config", h.withMetrics("/config", h.handleConfig))

	r.Route("/api/v1/session", func(r chi.Router) {
		r.Get("/", h.withMetrics("/api/v1/session", h.handleSessionState))
		r.Post("/start", h.withMetrics("/api/v1/session/start", h.handleSessionStart))
		r.Post("/stop", h.withMetrics("/api/v1/session/stop", h.handleSessionStop))

		// WebSocket upgrades need the raw writer, so no metrics wrapper
		r.Get("/events", h.events.ServeHTTP)
	})

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	return r
}

// Handler returns the HTTP handler serving all routes
func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		// Record error if status code indicates an error
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server and disconnects event subscribers
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	h.events.Close()
	return h.server.Shutdown(ctx)
}

// writeJSON encodes v as the response body
func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := sonic.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode response", slog.String("error", err.Error()))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError responds with a JSON error body
func (h *HTTPServer) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleSessionStart implements POST /api/v1/session/start
func (h *HTTPServer) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	id, err := h.sessions.StartSession(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrSessionActive) {
			h.writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("Failed to start session", slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session_id": id,
		"status":     session.StatusRecording,
	})
}

// handleSessionStop implements POST /api/v1/session/stop
func (h *HTTPServer) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	verdict, err := h.sessions.StopSession(r.Context())
	if errors.Is(err, session.ErrNoActiveSession) {
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}

	response := map[string]interface{}{
		"verdict": verdict,
	}

	if err != nil {
		// The session is stopped either way; capture errors travel with the verdict
		h.logger.Warn("Session stopped with error", slog.String("error", err.Error()))
		response["error"] = err.Error()
	}

	h.writeJSON(w, http.StatusOK, response)
}

// handleSessionState implements GET /api/v1/session
func (h *HTTPServer) handleSessionState(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.sessions.State(r.Context())
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, snapshot)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessionStats := h.sessions.GetStats()

	components := map[string]interface{}{
		"session_manager": map[string]interface{}{
			"status":           "running",
			"active":           sessionStats.Active,
			"sessions_started": sessionStats.SessionsStarted,
		},
		"events": map[string]interface{}{
			"status":      "running",
			"subscribers": sessionStats.Subscribers,
		},
	}

	if h.classifier != nil {
		classifierStats := h.classifier.GetStats()
		components["classifier"] = map[string]interface{}{
			"status":          "running",
			"total_requests":  classifierStats.TotalRequests,
			"success_rate":    classifierStats.SuccessRate,
			"active_requests": classifierStats.ActiveRequests,
		}
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "voice-origin-service",
			"version": "1.0.0",
		},
		"components": components,
	}

	h.writeJSON(w, http.StatusOK, health)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions":  h.sessions.GetStats(),
	}

	if h.classifier != nil {
		stats["classifier"] = h.classifier.GetStats()
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if h.config == nil {
		h.writeError(w, http.StatusNotFound, "configuration not available")
		return
	}

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"audio": map[string]interface{}{
			"sample_rate":       h.config.Audio.SampleRate,
			"frame_duration_ms": h.config.Audio.FrameDurationMs,
		},
		"vad": map[string]interface{}{
			"energy_threshold":       h.config.VAD.EnergyThreshold,
			"active_ratio_threshold": h.config.VAD.ActiveRatioThreshold,
		},
		"segmentation": map[string]interface{}{
			"silence_frame_limit":  h.config.Segmentation.SilenceFrameLimit,
			"min_segment_duration": h.config.Segmentation.MinSegmentDuration,
		},
		"source": map[string]interface{}{
			"type":     h.config.Source.Type,
			"encoding": h.config.Source.Encoding,
			"realtime": h.config.Source.Realtime,
		},
		"classifier": map[string]interface{}{
			"endpoint":       h.config.Classifier.Endpoint,
			"timeout":        h.config.Classifier.Timeout,
			"max_retries":    h.config.Classifier.MaxRetries,
			"max_concurrent": h.config.Classifier.MaxConcurrent,
			// API key omitted
		},
		"session": map[string]interface{}{
			"auto_start": h.config.Session.AutoStart,
			"stop_grace": h.config.Session.StopGrace,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	h.writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]interface{}{
		"service": "Voice Origin Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                      "API documentation",
			"GET /health":                "Service health check",
			"GET /stats":                 "Get service statistics",
			"GET /config":                "Get service configuration",
			"POST /api/v1/session/start": "Start a capture session",
			"POST /api/v1/session/stop":  "Stop the session and return the final verdict",
			"GET /api/v1/session":        "Get the current session state",
			"GET /api/v1/session/events": "WebSocket stream of session updates",
			"GET /metrics":               "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	h.writeJSON(w, http.StatusOK, apiDoc)
}
