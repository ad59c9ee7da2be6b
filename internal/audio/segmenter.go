package audio

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/voice-origin-service/internal/vad"
)

// SegmenterState represents the current state of the segmentation process
type SegmenterState int

const (
	StateIdle SegmenterState = iota
	StateRecording
)

// String returns the state name used in stats and logs
func (s SegmenterState) String() string {
	if s == StateRecording {
		return "recording"
	}
	return "idle"
}

// Segment is a finalized run of active frames ready for classification.
// Silence between the frames is not part of PCM.
type Segment struct {
	Seq        uint64    `json:"seq"`
	ID         string    `json:"id"`
	PCM        []byte    `json:"-"`
	SampleRate int       `json:"sample_rate"`
	Frames     int       `json:"frames"`
	CreatedAt  time.Time `json:"created_at"`
}

// Duration returns the audio length of the segment
func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	samples := len(s.PCM) / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(s.SampleRate)
}

// SegmentingConfig contains configuration for the segmentation process
type SegmentingConfig struct {
	SampleRate        int
	FrameDurationMs   int
	SilenceFrameLimit int // consecutive silent frames that end a segment
	MinSegmentBytes   int // segments shorter than this are never emitted
}

// DefaultSegmentingConfig returns 16kHz, 20ms frames, 300ms silence and a one second minimum
func DefaultSegmentingConfig() SegmentingConfig {
	return SegmentingConfig{
		SampleRate:        16000,
		FrameDurationMs:   20,
		SilenceFrameLimit: 15,
		MinSegmentBytes:   16000 * bytesPerSample,
	}
}

// FrameBytes returns the size of one PCM-16 frame in bytes
func (c SegmentingConfig) FrameBytes() int {
	return c.SampleRate * c.FrameDurationMs / 1000 * bytesPerSample
}

// Validate checks the segmentation parameters
func (c SegmentingConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}

	if c.FrameDurationMs <= 0 {
		return fmt.Errorf("frame duration must be positive, got %d ms", c.FrameDurationMs)
	}

	if c.FrameBytes() == 0 {
		return fmt.Errorf("frame of %d ms at %d Hz holds no samples", c.FrameDurationMs, c.SampleRate)
	}

	if c.SilenceFrameLimit < 1 {
		return fmt.Errorf("silence frame limit must be at least 1, got %d", c.SilenceFrameLimit)
	}

	if c.MinSegmentBytes < 0 || c.MinSegmentBytes%bytesPerSample != 0 {
		return fmt.Errorf("min segment bytes must be a non-negative multiple of %d, got %d", bytesPerSample, c.MinSegmentBytes)
	}

	return nil
}

// Segmenter turns a stream of frames into speech segments.
// It is owned by a single capture goroutine and is not safe for concurrent use.
type Segmenter struct {
	config SegmentingConfig
	vad    *vad.Processor

	state         SegmenterState
	speech        []byte
	speechFrames  int
	silenceFrames int
	nextSeq       uint64

	// Statistics
	framesSeen      uint64
	segmentsEmitted uint64
	bytesEmitted    uint64
}

// SegmenterStats represents segmenter statistics
type SegmenterStats struct {
	State           string `json:"state"`
	FramesSeen      uint64 `json:"frames_seen"`
	SegmentsEmitted uint64 `json:"segments_emitted"`
	BytesEmitted    uint64 `json:"bytes_emitted"`
	PendingBytes    int    `json:"pending_bytes"`
	SilenceFrames   int    `json:"silence_frames"`
}

// NewSegmenter creates a new segmenter using processor for frame decisions
func NewSegmenter(config SegmentingConfig, processor *vad.Processor) (*Segmenter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if processor == nil {
		return nil, fmt.Errorf("vad processor cannot be nil")
	}

	return &Segmenter{
		config:  config,
		vad:     processor,
		state:   StateIdle,
		speech:  make([]byte, 0, config.MinSegmentBytes),
		nextSeq: 1,
	}, nil
}

// Process classifies one frame and advances the state machine. It returns the
// completed segment when this frame closes one.
func (s *Segmenter) Process(frame []byte) (*Segment, vad.Decision) {
	s.framesSeen++

	decision := s.vad.Process(frame)

	switch decision {
	case vad.Active:
		s.speech = append(s.speech, frame...)
		s.speechFrames++
		s.silenceFrames = 0
		s.state = StateRecording
	default:
		s.silenceFrames++
	}

	if s.silenceFrames >= s.config.SilenceFrameLimit && len(s.speech) > 0 && len(s.speech) >= s.config.MinSegmentBytes {
		return s.flush(), decision
	}

	return nil, decision
}

// Finish is called when capture stops. It emits whatever speech is pending if
// it reaches the minimum length, otherwise the pending audio is dropped.
func (s *Segmenter) Finish() *Segment {
	if len(s.speech) > 0 && len(s.speech) >= s.config.MinSegmentBytes {
		return s.flush()
	}

	s.reset()
	return nil
}

// flush moves the speech buffer into a new segment
func (s *Segmenter) flush() *Segment {
	segment := &Segment{
		Seq:        s.nextSeq,
		ID:         uuid.NewString(),
		PCM:        s.speech,
		SampleRate: s.config.SampleRate,
		Frames:     s.speechFrames,
		CreatedAt:  time.Now(),
	}

	s.nextSeq++
	s.segmentsEmitted++
	s.bytesEmitted += uint64(len(segment.PCM))

	s.speech = make([]byte, 0, s.config.MinSegmentBytes)
	s.reset()

	return segment
}

// reset clears the pending speech and counters, keeping sequence numbering
func (s *Segmenter) reset() {
	s.speech = s.speech[:0]
	s.speechFrames = 0
	s.silenceFrames = 0
	s.state = StateIdle
}

// SilenceFrames returns the number of consecutive silent frames since the last active one
func (s *Segmenter) SilenceFrames() int {
	return s.silenceFrames
}

// PendingBytes returns the size of the speech buffer
func (s *Segmenter) PendingBytes() int {
	return len(s.speech)
}

// GetStats returns current segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	return SegmenterStats{
		State:           s.state.String(),
		FramesSeen:      s.framesSeen,
		SegmentsEmitted: s.segmentsEmitted,
		BytesEmitted:    s.bytesEmitted,
		PendingBytes:    len(s.speech),
		SilenceFrames:   s.silenceFrames,
	}
}
