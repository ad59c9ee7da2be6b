package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/zaf/g711"
)

// Input encodings accepted by ReaderSource
const (
	EncodingPCM16 = "pcm16"
	EncodingMuLaw = "mulaw"
	EncodingALaw  = "alaw"
)

// FrameSource yields fixed-size PCM-16 frames. ReadFrame blocks until a full
// frame is available and returns io.EOF once the stream is exhausted.
type FrameSource interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// SourceConfig describes how raw bytes are turned into frames
type SourceConfig struct {
	SampleRate      int
	FrameDurationMs int
	Encoding        string // "pcm16", "mulaw" or "alaw"
	Realtime        bool   // pace frames at the frame duration
}

// FrameBytes returns the size of one decoded PCM-16 frame
func (c SourceConfig) FrameBytes() int {
	return c.SampleRate * c.FrameDurationMs / 1000 * bytesPerSample
}

// inputBytes returns the number of encoded bytes that make up one frame
func (c SourceConfig) inputBytes() int {
	switch c.Encoding {
	case EncodingMuLaw, EncodingALaw:
		return c.FrameBytes() / bytesPerSample
	default:
		return c.FrameBytes()
	}
}

// Validate checks the source configuration
func (c SourceConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}

	if c.FrameDurationMs <= 0 {
		return fmt.Errorf("frame duration must be positive, got %d ms", c.FrameDurationMs)
	}

	switch c.Encoding {
	case EncodingPCM16, EncodingMuLaw, EncodingALaw:
	default:
		return fmt.Errorf("unsupported encoding %q", c.Encoding)
	}

	return nil
}

// ReaderSource reads frames from any byte stream: stdin, a file or a socket
type ReaderSource struct {
	reader io.Reader
	closer io.Closer
	config SourceConfig

	raw      []byte
	interval time.Duration
	next     time.Time
}

// NewReaderSource creates a frame source over r. If r is an io.Closer it is
// closed by Close, which also unblocks a pending read on most readers.
func NewReaderSource(r io.Reader, config SourceConfig) (*ReaderSource, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	src := &ReaderSource{
		reader: r,
		config: config,
		raw:    make([]byte, config.inputBytes()),
	}

	if c, ok := r.(io.Closer); ok {
		src.closer = c
	}

	if config.Realtime {
		src.interval = time.Duration(config.FrameDurationMs) * time.Millisecond
	}

	return src, nil
}

// ReadFrame returns the next decoded frame. A trailing partial frame is dropped.
func (s *ReaderSource) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.interval > 0 {
		if err := s.pace(ctx); err != nil {
			return nil, err
		}
	}

	if _, err := io.ReadFull(s.reader, s.raw); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}

	return Decode(s.config.Encoding, s.raw), nil
}

// Decode converts encoded audio into a new PCM-16 buffer
func Decode(encoding string, raw []byte) []byte {
	switch encoding {
	case EncodingMuLaw:
		return g711.DecodeUlaw(raw)
	case EncodingALaw:
		return g711.DecodeAlaw(raw)
	default:
		pcm := make([]byte, len(raw))
		copy(pcm, raw)
		return pcm
	}
}

// pace waits until the next frame is due
func (s *ReaderSource) pace(ctx context.Context) error {
	now := time.Now()
	if s.next.IsZero() || s.next.Before(now) {
		s.next = now
	}

	wait := s.next.Sub(now)
	s.next = s.next.Add(s.interval)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the underlying reader when it supports closing
func (s *ReaderSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// OpenFileSource opens a raw PCM or WAV file as a frame source. WAV headers are
// validated against the configured sample rate and skipped.
func OpenFileSource(path string, config SourceConfig) (*ReaderSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file %s: %w", path, err)
	}

	if err := skipWAVHeader(file, config); err != nil {
		file.Close()
		return nil, fmt.Errorf("audio file %s: %w", path, err)
	}

	src, err := NewReaderSource(file, config)
	if err != nil {
		file.Close()
		return nil, err
	}

	return src, nil
}

// skipWAVHeader positions file after a WAV header, or rewinds it for raw PCM
func skipWAVHeader(file *os.File, config SourceConfig) error {
	header := make([]byte, WAVHeaderSize)
	n, err := io.ReadFull(file, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read header: %w", err)
	}

	if n < 4 || string(header[0:4]) != "RIFF" {
		_, err := file.Seek(0, io.SeekStart)
		return err
	}

	info, err := GetWAVInfo(header[:n])
	if err != nil {
		return err
	}

	if config.Encoding != EncodingPCM16 {
		return fmt.Errorf("WAV input requires pcm16 encoding, configured %q", config.Encoding)
	}

	if info.Channels != numChannels || info.BitsPerSample != bitsPerSample {
		return fmt.Errorf("WAV input must be mono 16-bit, got %d channels at %d bits", info.Channels, info.BitsPerSample)
	}

	if int(info.SampleRate) != config.SampleRate {
		return fmt.Errorf("WAV sample rate %d does not match configured %d", info.SampleRate, config.SampleRate)
	}

	return nil
}
