package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/voice-origin-service/internal/audio"
	"github.com/skypro1111/voice-origin-service/internal/classifier"
	"github.com/skypro1111/voice-origin-service/internal/metrics"
	"github.com/skypro1111/voice-origin-service/internal/vad"
)

var (
	// ErrSessionActive is returned when starting while a session is running
	ErrSessionActive = errors.New("session already active")
	// ErrNoActiveSession is returned when stopping without a running session
	ErrNoActiveSession = errors.New("no active session")
)

// SourceFactory opens the frame source for a new session
type SourceFactory func(ctx context.Context) (audio.FrameSource, error)

// Config contains session configuration
type Config struct {
	Segmenting  audio.SegmentingConfig
	VAD         vad.Config
	StopGrace   time.Duration // how long stop waits for in-flight results
	EventBuffer int           // per subscriber update buffer

	// CaptureStopTimeout bounds how long stop waits for a blocked read to return
	CaptureStopTimeout time.Duration
}

// DefaultConfig returns the default session configuration
func DefaultConfig() Config {
	return Config{
		Segmenting:  audio.DefaultSegmentingConfig(),
		VAD:         vad.DefaultConfig(),
		EventBuffer: 16,

		CaptureStopTimeout: 2 * time.Second,
	}
}

// Validate checks the session configuration
func (c Config) Validate() error {
	if err := c.Segmenting.Validate(); err != nil {
		return fmt.Errorf("invalid segmentation config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("invalid VAD config: %w", err)
	}

	if c.StopGrace < 0 {
		return fmt.Errorf("stop grace cannot be negative")
	}

	if c.CaptureStopTimeout <= 0 {
		return fmt.Errorf("capture stop timeout must be positive")
	}

	return nil
}

// Manager runs at most one session at a time
type Manager struct {
	config     Config
	openSource SourceFactory
	classifier classifier.Classifier
	hub        *Hub
	logger     *slog.Logger
	metrics    *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	current  *Session
	active   bool
	stopping bool

	// Statistics
	sessionsStarted uint64
	sessionsStopped uint64
	lastVerdict     *FinalVerdict
}

// ManagerStats represents manager statistics
type ManagerStats struct {
	Active          bool                `json:"active"`
	SessionID       string              `json:"session_id,omitempty"`
	SessionsStarted uint64              `json:"sessions_started"`
	SessionsStopped uint64              `json:"sessions_stopped"`
	InFlight        int                 `json:"classifications_in_flight"`
	Subscribers     int                 `json:"subscribers"`
	DroppedUpdates  uint64              `json:"dropped_updates"`
	VAD             *vad.ProcessorStats `json:"vad,omitempty"`
	LastVerdict     *FinalVerdict       `json:"last_verdict,omitempty"`
}

// NewManager creates a new session manager
func NewManager(config Config, openSource SourceFactory, c classifier.Classifier, logger *slog.Logger, m *metrics.Metrics) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if openSource == nil {
		return nil, fmt.Errorf("source factory cannot be nil")
	}

	if c == nil {
		return nil, fmt.Errorf("classifier cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:     config,
		openSource: openSource,
		classifier: c,
		hub:        NewHub(config.EventBuffer),
		logger:     logger,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// StartSession opens a source and starts capturing. The previous session's
// history, display and verdict are discarded. It returns the new session ID.
func (m *Manager) StartSession(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return "", ErrSessionActive
	}

	source, err := m.openSource(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to open audio source: %w", err)
	}

	id := uuid.NewString()
	session, err := newSession(m.ctx, sessionParams{
		id:         id,
		config:     m.config,
		source:     source,
		classifier: m.classifier,
		hub:        m.hub,
		logger:     m.logger,
		metrics:    m.metrics,
	})
	if err != nil {
		_ = source.Close()
		return "", err
	}

	if m.current != nil {
		m.current.close()
	}

	m.current = session
	m.active = true
	m.sessionsStarted++

	session.start()
	m.metrics.RecordSessionStarted()

	m.hub.Publish(Update{
		Type:      UpdateStarted,
		SessionID: id,
		Status:    StatusRecording,
		Display:   idleDisplay(),
		Time:      session.startedAt,
	})

	m.logger.Info("Session started",
		slog.String("session_id", id),
		slog.Int("silence_frame_limit", m.config.Segmenting.SilenceFrameLimit),
		slog.Int("min_segment_bytes", m.config.Segmenting.MinSegmentBytes))

	return id, nil
}

// StopSession stops the active session and returns its final verdict.
// If capture had failed, the capture error is returned with the verdict.
func (m *Manager) StopSession(ctx context.Context) (FinalVerdict, error) {
	m.mu.Lock()
	if !m.active || m.stopping {
		m.mu.Unlock()
		return FinalVerdict{}, ErrNoActiveSession
	}
	m.stopping = true
	session := m.current
	m.mu.Unlock()

	verdict, err := session.stop(ctx)

	m.mu.Lock()
	m.active = false
	m.stopping = false
	m.sessionsStopped++
	m.lastVerdict = &verdict
	m.mu.Unlock()

	return verdict, err
}

// State returns a snapshot of the current or most recent session
func (m *Manager) State(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	session := m.current
	m.mu.Unlock()

	if session == nil {
		return Snapshot{
			Status:  StatusIdle,
			Display: idleDisplay(),
			History: []Entry{},
		}, nil
	}

	return session.aggregator.Snapshot(ctx)
}

// Subscribe registers for session updates. Call the returned function to unsubscribe.
func (m *Manager) Subscribe() (<-chan Update, func()) {
	return m.hub.Subscribe()
}

// Active reports whether a session is capturing
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// GetStats returns current manager statistics
func (m *Manager) GetStats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := ManagerStats{
		Active:          m.active,
		SessionsStarted: m.sessionsStarted,
		SessionsStopped: m.sessionsStopped,
		Subscribers:     m.hub.Count(),
		DroppedUpdates:  m.hub.Dropped(),
		LastVerdict:     m.lastVerdict,
	}

	if m.current != nil {
		vadStats := m.current.vad.GetStats()
		stats.SessionID = m.current.id
		stats.InFlight = m.current.dispatcher.InFlight()
		stats.VAD = &vadStats
	}

	return stats
}

// Close stops an active session and releases all resources
func (m *Manager) Close(ctx context.Context) error {
	var stopErr error
	if m.Active() {
		if _, err := m.StopSession(ctx); err != nil && !errors.Is(err, ErrNoActiveSession) {
			stopErr = err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancel()
	if m.current != nil {
		m.current.close()
		m.current = nil
	}

	return stopErr
}
