package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/voice-origin-service/internal/audio"
	"github.com/skypro1111/voice-origin-service/internal/classifier"
	"github.com/skypro1111/voice-origin-service/internal/metrics"
	"github.com/skypro1111/voice-origin-service/internal/vad"
)

// Session is one capture run from start to stop
type Session struct {
	id        string
	startedAt time.Time
	stopGrace time.Duration
	stopWait  time.Duration

	source     audio.FrameSource
	segmenter  *audio.Segmenter
	vad        *vad.Processor
	dispatcher *classifier.Dispatcher
	aggregator *Aggregator

	cancelCapture  context.CancelFunc
	cancelDispatch context.CancelFunc
	group          *errgroup.Group
	captureDone    chan struct{}
	captureErr     error
	closeOnce      sync.Once

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// sessionParams bundles what the manager hands to a new session
type sessionParams struct {
	id         string
	config     Config
	source     audio.FrameSource
	classifier classifier.Classifier
	hub        *Hub
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// newSession wires the pipeline of a session without starting capture.
// dispatchCtx bounds in-flight classification calls and outlives Stop.
func newSession(dispatchCtx context.Context, p sessionParams) (*Session, error) {
	processor, err := vad.NewProcessor(p.config.VAD)
	if err != nil {
		return nil, fmt.Errorf("failed to create VAD processor: %w", err)
	}

	segmenter, err := audio.NewSegmenter(p.config.Segmenting, processor)
	if err != nil {
		return nil, fmt.Errorf("failed to create segmenter: %w", err)
	}

	logger := p.logger.With(slog.String("session_id", p.id))
	aggregator := NewAggregator(p.id, p.hub, logger, p.metrics)

	dispatchCtx, cancelDispatch := context.WithCancel(dispatchCtx)

	return &Session{
		id:             p.id,
		startedAt:      time.Now(),
		stopGrace:      p.config.StopGrace,
		stopWait:       p.config.CaptureStopTimeout,
		source:         p.source,
		segmenter:      segmenter,
		vad:            processor,
		dispatcher:     classifier.NewDispatcher(dispatchCtx, p.classifier, aggregator.Deliver, logger, p.metrics),
		aggregator:     aggregator,
		cancelDispatch: cancelDispatch,
		logger:         logger,
		metrics:        p.metrics,
	}, nil
}

// start launches the capture goroutine
func (s *Session) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelCapture = cancel

	s.captureDone = make(chan struct{})
	s.group = &errgroup.Group{}
	s.group.Go(func() error {
		return s.capture(ctx)
	})

	go func() {
		s.captureErr = s.group.Wait()
		close(s.captureDone)
	}()
}

// waitCapture waits for the capture goroutine to exit. It gives up after the
// capture stop timeout or when ctx ends, since a read already blocked in a
// source that ignores Close (a terminal on stdin) cannot be interrupted.
func (s *Session) waitCapture(ctx context.Context) (bool, error) {
	timer := time.NewTimer(s.stopWait)
	defer timer.Stop()

	select {
	case <-s.captureDone:
		return true, s.captureErr
	case <-timer.C:
	case <-ctx.Done():
	}

	s.logger.Warn("Capture still blocked in read, finalizing without it",
		slog.Duration("waited", s.stopWait))
	return false, nil
}

// capture reads frames until the context is cancelled, the source is
// exhausted or a read fails. Pending speech is flushed on every exit path.
func (s *Session) capture(ctx context.Context) error {
	defer s.flush()

	for {
		frame, err := s.source.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if errors.Is(err, io.EOF) {
				s.logger.Info("Audio source exhausted")
				return nil
			}

			s.metrics.RecordCaptureError()
			s.aggregator.SetStatus(StatusCaptureFailed)
			s.logger.Error("Capture failed", slog.String("error", err.Error()))
			return fmt.Errorf("failed to read frame: %w", err)
		}

		segment, decision := s.segmenter.Process(frame)
		s.metrics.RecordFrame(decision == vad.Active)

		if segment != nil {
			s.emit(segment)
		}
	}
}

// flush emits the pending speech buffer if it is long enough
func (s *Session) flush() {
	if segment := s.segmenter.Finish(); segment != nil {
		s.emit(segment)
	}

	stats := s.segmenter.GetStats()
	s.logger.Info("Capture finished",
		slog.Uint64("frames_seen", stats.FramesSeen),
		slog.Uint64("segments_emitted", stats.SegmentsEmitted),
		slog.Uint64("bytes_emitted", stats.BytesEmitted))
}

// emit hands a finished segment to the dispatcher
func (s *Session) emit(segment *audio.Segment) {
	s.metrics.RecordSegmentEmitted(segment.Duration().Seconds(), len(segment.PCM))
	s.logger.Info("Segment emitted",
		slog.Uint64("seq", segment.Seq),
		slog.String("segment_id", segment.ID),
		slog.Int("frames", segment.Frames),
		slog.Int("bytes", len(segment.PCM)),
		slog.Duration("duration", segment.Duration()))

	s.dispatcher.Submit(*segment)
}

// stop ends capture, flushes the final segment, optionally waits for
// in-flight results and finalizes the verdict. A capture error is returned
// together with the verdict.
func (s *Session) stop(ctx context.Context) (FinalVerdict, error) {
	s.cancelCapture()
	s.closeSource()

	_, captureErr := s.waitCapture(ctx)

	if s.stopGrace > 0 && s.dispatcher.InFlight() > 0 {
		graceCtx, cancel := context.WithTimeout(ctx, s.stopGrace)
		if err := s.dispatcher.Drain(graceCtx); err != nil {
			s.logger.Warn("Stop grace elapsed with results in flight",
				slog.Int("in_flight", s.dispatcher.InFlight()),
				slog.Duration("grace", s.stopGrace))
		}
		cancel()
	}

	// Finalizing only talks to the aggregator goroutine, so an expired stop
	// context must not cost the verdict
	verdict, err := s.aggregator.Finalize(context.WithoutCancel(ctx))
	if err != nil {
		return FinalVerdict{}, fmt.Errorf("failed to finalize session: %w", err)
	}

	duration := time.Since(s.startedAt)
	s.metrics.RecordSessionStopped(duration.Seconds(), string(verdict.Verdict))

	s.logger.Info("Session stopped",
		slog.String("verdict", string(verdict.Verdict)),
		slog.Bool("session_empty", verdict.SessionEmpty),
		slog.Int("segments", verdict.Segments),
		slog.Float64("ai_ratio", verdict.AIRatio),
		slog.Duration("duration", duration))

	return verdict, captureErr
}

// close releases everything the session still holds. In-flight
// classification calls are cancelled. A capture goroutine stuck in a read
// exits on its own once the read returns; its output goes nowhere.
func (s *Session) close() {
	if s.cancelCapture != nil {
		s.cancelCapture()
	}
	s.closeSource()
	if s.captureDone != nil {
		timer := time.NewTimer(s.stopWait)
		select {
		case <-s.captureDone:
		case <-timer.C:
		}
		timer.Stop()
	}
	s.cancelDispatch()
	s.aggregator.Close()
}

func (s *Session) closeSource() {
	s.closeOnce.Do(func() {
		if err := s.source.Close(); err != nil {
			s.logger.Warn("Failed to close audio source", slog.String("error", err.Error()))
		}
	})
}
