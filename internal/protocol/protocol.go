package protocol

import (
	"encoding/binary"
	"fmt"
)

// Packet types
const (
	PacketTypeStart = 0x01
	PacketTypeAudio = 0x02
	PacketTypeEnd   = 0x03
)

// Directions of a call leg
const (
	DirectionRX = 0x01 // audio received from the remote party
	DirectionTX = 0x02 // audio sent to the remote party
)

// Audio encodings announced in a start packet
const (
	EncodingPCM16 = 0x00
	EncodingMuLaw = 0x01
	EncodingALaw  = 0x02
)

// Packet structure sizes
const (
	HeaderSize             = 8 // 1 + 2 + 4 + 1 bytes
	StartPayloadSize       = 104
	AudioPayloadHeaderSize = 4 // sequence number
	MaxAudioBytes          = 0xFFFF - HeaderSize - AudioPayloadHeaderSize

	ChannelIDSize = 64
	CallerIDSize  = 32
)

// Header is the 8-byte packet header.
// Layout: [PacketType:1][PacketLen:2][StreamID:4][Direction:1], big endian
type Header struct {
	PacketType uint8
	PacketLen  uint16 // header + payload
	StreamID   uint32
	Direction  uint8
}

// StartPayload announces a stream.
// Layout: [ChannelID:64][CallerID:32][SampleRate:4][Encoding:1][Reserved:3]
type StartPayload struct {
	ChannelID  [ChannelIDSize]byte // null-terminated
	CallerID   [CallerIDSize]byte  // null-terminated
	SampleRate uint32
	Encoding   uint8
}

// AudioPayload carries one packet of audio.
// Layout: [Sequence:4][AudioData:N]
type AudioPayload struct {
	Sequence  uint32
	AudioData []byte
}

// Packet is a parsed packet. Start and Audio are set for their packet types only.
type Packet struct {
	Header *Header
	Start  *StartPayload
	Audio  *AudioPayload
}

// ParseHeader parses the packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	return &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
		Direction:  data[7],
	}, nil
}

// ParseStartPayload parses a start packet payload
func ParseStartPayload(data []byte) (*StartPayload, error) {
	if len(data) < StartPayloadSize {
		return nil, fmt.Errorf("start payload too short: expected %d bytes, got %d", StartPayloadSize, len(data))
	}

	payload := &StartPayload{}
	copy(payload.ChannelID[:], data[:ChannelIDSize])
	copy(payload.CallerID[:], data[ChannelIDSize:ChannelIDSize+CallerIDSize])

	offset := ChannelIDSize + CallerIDSize
	payload.SampleRate = binary.BigEndian.Uint32(data[offset : offset+4])
	payload.Encoding = data[offset+4]

	return payload, nil
}

// ParseAudioPayload parses an audio packet payload
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}

	payload := &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[:AudioPayloadHeaderSize]),
	}

	if len(data) > AudioPayloadHeaderSize {
		payload.AudioData = make([]byte, len(data)-AudioPayloadHeaderSize)
		copy(payload.AudioData, data[AudioPayloadHeaderSize:])
	}

	return payload, nil
}

// ParsePacket parses and validates a complete packet
func ParsePacket(data []byte) (*Packet, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &Packet{Header: header}
	payload := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeStart:
		start, err := ParseStartPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to parse start payload: %w", err)
		}
		packet.Start = start
	case PacketTypeAudio:
		audio, err := ParseAudioPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = audio
	}

	return packet, nil
}

// ValidateHeader checks the header fields and the payload size its type requires
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if !IsValidDirection(header.Direction) {
		return fmt.Errorf("invalid direction: 0x%02x", header.Direction)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeStart:
		if payloadSize != StartPayloadSize {
			return fmt.Errorf("start packet payload size mismatch: expected %d, got %d", StartPayloadSize, payloadSize)
		}
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payloadSize)
		}
	case PacketTypeEnd:
		if payloadSize != 0 {
			return fmt.Errorf("end packet must not carry a payload, got %d bytes", payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is known
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeStart || ptype == PacketTypeAudio || ptype == PacketTypeEnd
}

// IsValidDirection checks if the direction is known
func IsValidDirection(dir uint8) bool {
	return dir == DirectionRX || dir == DirectionTX
}

// ExtractString returns the bytes before the first null
func ExtractString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// GetChannelID returns the channel ID as a string
func (s *StartPayload) GetChannelID() string {
	return ExtractString(s.ChannelID[:])
}

// GetCallerID returns the caller ID as a string
func (s *StartPayload) GetCallerID() string {
	return ExtractString(s.CallerID[:])
}

// EncodingName maps the encoding code to the name used in configuration
func (s *StartPayload) EncodingName() (string, error) {
	switch s.Encoding {
	case EncodingPCM16:
		return "pcm16", nil
	case EncodingMuLaw:
		return "mulaw", nil
	case EncodingALaw:
		return "alaw", nil
	default:
		return "", fmt.Errorf("unknown encoding: 0x%02x", s.Encoding)
	}
}

// AppendHeader appends an encoded header for a payload of payloadSize bytes
func AppendHeader(buf []byte, packetType uint8, streamID uint32, direction uint8, payloadSize int) []byte {
	buf = append(buf, packetType)
	buf = binary.BigEndian.AppendUint16(buf, uint16(HeaderSize+payloadSize))
	buf = binary.BigEndian.AppendUint32(buf, streamID)
	return append(buf, direction)
}

// EncodeStart builds a start packet
func EncodeStart(streamID uint32, direction uint8, channelID, callerID string, sampleRate uint32, encoding uint8) []byte {
	buf := AppendHeader(make([]byte, 0, HeaderSize+StartPayloadSize), PacketTypeStart, streamID, direction, StartPayloadSize)

	payload := make([]byte, StartPayloadSize)
	copy(payload[:ChannelIDSize-1], channelID)
	copy(payload[ChannelIDSize:ChannelIDSize+CallerIDSize-1], callerID)

	offset := ChannelIDSize + CallerIDSize
	binary.BigEndian.PutUint32(payload[offset:offset+4], sampleRate)
	payload[offset+4] = encoding

	return append(buf, payload...)
}

// EncodeAudio builds an audio packet. It fails when the audio does not fit one packet.
func EncodeAudio(streamID uint32, direction uint8, sequence uint32, audio []byte) ([]byte, error) {
	if len(audio) > MaxAudioBytes {
		return nil, fmt.Errorf("audio too large for one packet: %d bytes (maximum %d)", len(audio), MaxAudioBytes)
	}

	payloadSize := AudioPayloadHeaderSize + len(audio)
	buf := AppendHeader(make([]byte, 0, HeaderSize+payloadSize), PacketTypeAudio, streamID, direction, payloadSize)
	buf = binary.BigEndian.AppendUint32(buf, sequence)

	return append(buf, audio...), nil
}

// EncodeEnd builds an end packet
func EncodeEnd(streamID uint32, direction uint8) []byte {
	return AppendHeader(make([]byte, 0, HeaderSize), PacketTypeEnd, streamID, direction, 0)
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	return fmt.Sprintf("Header{Type:%s, Len:%d, StreamID:%d, Direction:%s}",
		TypeString(h.PacketType), h.PacketLen, h.StreamID, DirectionString(h.Direction))
}

// TypeString names a packet type
func TypeString(ptype uint8) string {
	switch ptype {
	case PacketTypeStart:
		return "Start"
	case PacketTypeAudio:
		return "Audio"
	case PacketTypeEnd:
		return "End"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", ptype)
	}
}

// DirectionString names a direction
func DirectionString(direction uint8) string {
	switch direction {
	case DirectionRX:
		return "RX"
	case DirectionTX:
		return "TX"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", direction)
	}
}
