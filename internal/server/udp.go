package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/voice-origin-service/internal/audio"
	"github.com/skypro1111/voice-origin-service/internal/metrics"
	"github.com/skypro1111/voice-origin-service/internal/protocol"
)

// UDPSourceConfig configures the network frame source
type UDPSourceConfig struct {
	Address    string // host:port to listen on
	Direction  uint8  // protocol.DirectionRX or protocol.DirectionTX
	MaxGap     int    // missing packets to wait for before filling with silence
	ReadBuffer int    // socket receive buffer in bytes, 0 keeps the OS default
	Audio      audio.SourceConfig
}

// UDPSource receives TLV audio packets over UDP and serves them as frames.
// It follows the first stream that shows up in the configured direction;
// packets of other streams are counted and ignored.
type UDPSource struct {
	conn    *net.UDPConn
	config  UDPSourceConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	buffer     *audio.PacketBuffer
	frameBytes int

	packets   chan []byte
	ready     chan struct{} // signalled when audio is added
	ended     chan struct{} // closed by an end packet
	closed    chan struct{}
	endOnce   sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	// Owned by the packet processor, read by GetStatistics
	mu               sync.RWMutex
	streamID         uint32
	locked           bool
	encoding         string
	packetsReceived  uint64
	packetsProcessed uint64
	parseErrors      uint64
	foreignPackets   uint64
	droppedPackets   uint64
}

// UDPSourceStatistics represents source statistics
type UDPSourceStatistics struct {
	StreamID         uint32                  `json:"stream_id"`
	Locked           bool                    `json:"locked"`
	Encoding         string                  `json:"encoding"`
	PacketsReceived  uint64                  `json:"packets_received"`
	PacketsProcessed uint64                  `json:"packets_processed"`
	ParseErrors      uint64                  `json:"parse_errors"`
	ForeignPackets   uint64                  `json:"foreign_packets"`
	DroppedPackets   uint64                  `json:"dropped_packets"`
	QueueSize        int                     `json:"queue_size"`
	LastPacket       time.Time               `json:"last_packet"`
	Buffer           audio.PacketBufferStats `json:"buffer"`
}

var _ audio.FrameSource = (*UDPSource)(nil)

// ListenUDPSource binds the socket and starts receiving
func ListenUDPSource(cfg UDPSourceConfig, logger *slog.Logger, m *metrics.Metrics) (*UDPSource, error) {
	if err := cfg.Audio.Validate(); err != nil {
		return nil, err
	}

	if !protocol.IsValidDirection(cfg.Direction) {
		return nil, fmt.Errorf("invalid direction: 0x%02x", cfg.Direction)
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}

	if cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(cfg.ReadBuffer); err != nil {
			logger.Warn("Failed to set UDP read buffer size",
				slog.Int("buffer_size", cfg.ReadBuffer),
				slog.String("error", err.Error()))
		}
	}

	s := &UDPSource{
		conn:       conn,
		config:     cfg,
		logger:     logger,
		metrics:    m,
		buffer:     audio.NewPacketBuffer(cfg.MaxGap),
		frameBytes: cfg.Audio.FrameBytes(),
		packets:    make(chan []byte, 1000),
		ready:      make(chan struct{}, 1),
		ended:      make(chan struct{}),
		closed:     make(chan struct{}),
		encoding:   cfg.Audio.Encoding,
	}

	logger.Info("UDP source listening",
		slog.String("address", conn.LocalAddr().String()),
		slog.String("direction", protocol.DirectionString(cfg.Direction)),
		slog.Int("max_gap", cfg.MaxGap))

	s.wg.Add(2)
	go s.receiveLoop()
	go s.packetProcessor()

	return s, nil
}

// LocalAddr returns the bound address
func (s *UDPSource) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// ReadFrame blocks until a full frame of in-order audio is available. After
// an end packet the remaining whole frames are served, then io.EOF.
func (s *UDPSource) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		if frame, ok := s.buffer.Read(s.frameBytes); ok {
			return frame, nil
		}

		select {
		case <-s.ended:
			return nil, io.EOF
		default:
		}

		select {
		case <-s.ready:
		case <-s.ended:
		case <-s.closed:
			return nil, net.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops receiving and unblocks ReadFrame
func (s *UDPSource) Close() error {
	var err error

	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
		s.wg.Wait()

		stats := s.GetStatistics()
		s.logger.Info("UDP source closed",
			slog.Uint64("packets_received", stats.PacketsReceived),
			slog.Uint64("packets_processed", stats.PacketsProcessed),
			slog.Uint64("parse_errors", stats.ParseErrors),
			slog.Uint64("lost_packets", stats.Buffer.LostPackets))
	})

	return err
}

// receiveLoop reads datagrams until the socket is closed
func (s *UDPSource) receiveLoop() {
	defer s.wg.Done()
	defer close(s.packets)

	buffer := make([]byte, 0xFFFF)

	for {
		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return
			}

			s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		s.packetsReceived++
		s.mu.Unlock()

		// The read buffer is reused
		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case s.packets <- data:
		default:
			s.mu.Lock()
			s.droppedPackets++
			s.mu.Unlock()
			s.metrics.RecordUDPPacket("dropped")
			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n))
		}
	}
}

// packetProcessor handles queued packets in arrival order
func (s *UDPSource) packetProcessor() {
	defer s.wg.Done()

	for data := range s.packets {
		s.handlePacket(data)
	}
}

// handlePacket parses one packet and routes it by type
func (s *UDPSource) handlePacket(data []byte) {
	packet, err := protocol.ParsePacket(data)
	if err != nil {
		s.mu.Lock()
		s.parseErrors++
		s.mu.Unlock()
		s.metrics.RecordUDPPacket("invalid")
		s.logger.Warn("Failed to parse packet",
			slog.Int("packet_size", len(data)),
			slog.String("error", err.Error()))
		return
	}

	header := packet.Header
	if header.Direction != s.config.Direction || !s.follows(header.StreamID) {
		s.mu.Lock()
		s.foreignPackets++
		s.mu.Unlock()
		s.metrics.RecordUDPPacket("foreign")
		return
	}

	s.mu.Lock()
	s.packetsProcessed++
	s.mu.Unlock()

	switch header.PacketType {
	case protocol.PacketTypeStart:
		s.handleStart(header, packet.Start)
	case protocol.PacketTypeAudio:
		s.handleAudio(header, packet.Audio)
	case protocol.PacketTypeEnd:
		s.handleEnd(header)
	}
}

// follows locks onto the first stream seen and reports whether streamID is it
func (s *UDPSource) follows(streamID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.locked {
		s.locked = true
		s.streamID = streamID
		s.logger.Info("Following audio stream", slog.Uint64("stream_id", uint64(streamID)))
	}

	return s.streamID == streamID
}

func (s *UDPSource) handleStart(header *protocol.Header, start *protocol.StartPayload) {
	encoding, err := start.EncodingName()
	if err != nil {
		s.metrics.RecordUDPPacket("invalid")
		s.logger.Error("Stream announced an unsupported encoding",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.String("error", err.Error()))
		return
	}

	if int(start.SampleRate) != s.config.Audio.SampleRate {
		s.logger.Error("Stream sample rate does not match configuration",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Int("stream_sample_rate", int(start.SampleRate)),
			slog.Int("sample_rate", s.config.Audio.SampleRate))
		s.metrics.RecordUDPPacket("invalid")
		return
	}

	s.metrics.RecordUDPPacket("accepted")

	s.mu.Lock()
	s.encoding = encoding
	s.mu.Unlock()

	s.logger.Info("Audio stream started",
		slog.Uint64("stream_id", uint64(header.StreamID)),
		slog.String("channel_id", start.GetChannelID()),
		slog.String("caller_id", start.GetCallerID()),
		slog.String("encoding", encoding))
}

func (s *UDPSource) handleAudio(header *protocol.Header, payload *protocol.AudioPayload) {
	s.mu.RLock()
	encoding := s.encoding
	s.mu.RUnlock()

	pcm := audio.Decode(encoding, payload.AudioData)
	if len(pcm)%2 != 0 {
		s.metrics.RecordUDPPacket("invalid")
		s.logger.Warn("Audio packet has a partial sample",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Int("audio_size", len(pcm)))
		return
	}

	lostBefore := s.buffer.GetStats().LostPackets

	if err := s.buffer.Add(payload.Sequence, pcm); err != nil {
		s.metrics.RecordUDPPacket("duplicate")
		s.logger.Debug("Audio packet rejected",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
			slog.String("error", err.Error()))
		return
	}

	s.metrics.RecordUDPPacket("accepted")
	s.metrics.RecordUDPPacketsLost(int(s.buffer.GetStats().LostPackets - lostBefore))
	s.signal()
}

func (s *UDPSource) handleEnd(header *protocol.Header) {
	s.metrics.RecordUDPPacket("accepted")

	lostBefore := s.buffer.GetStats().LostPackets
	s.buffer.Flush()
	s.metrics.RecordUDPPacketsLost(int(s.buffer.GetStats().LostPackets - lostBefore))

	s.logger.Info("Audio stream ended", slog.Uint64("stream_id", uint64(header.StreamID)))
	s.endOnce.Do(func() { close(s.ended) })
}

// signal wakes a waiting ReadFrame without blocking
func (s *UDPSource) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// GetStatistics returns current source statistics
func (s *UDPSource) GetStatistics() UDPSourceStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return UDPSourceStatistics{
		StreamID:         s.streamID,
		Locked:           s.locked,
		Encoding:         s.encoding,
		PacketsReceived:  s.packetsReceived,
		PacketsProcessed: s.packetsProcessed,
		ParseErrors:      s.parseErrors,
		ForeignPackets:   s.foreignPackets,
		DroppedPackets:   s.droppedPackets,
		QueueSize:        len(s.packets),
		LastPacket:       s.buffer.LastUpdate(),
		Buffer:           s.buffer.GetStats(),
	}
}

// ParseDirection maps the configured direction name to its protocol code
func ParseDirection(name string) (uint8, error) {
	switch name {
	case "rx":
		return protocol.DirectionRX, nil
	case "tx":
		return protocol.DirectionTX, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", name)
	}
}
