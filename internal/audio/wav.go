package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// WAVHeaderSize is the size of the canonical PCM WAV header
	WAVHeaderSize = 44

	bitsPerSample  = 16
	bytesPerSample = bitsPerSample / 8
	numChannels    = 1
)

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// EncodeWAV wraps raw mono PCM-16 little-endian bytes into a WAV container.
// The payload is copied unmodified after the 44-byte header.
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	if len(pcm)%bytesPerSample != 0 {
		return nil, fmt.Errorf("PCM data length must be a multiple of %d bytes, got %d", bytesPerSample, len(pcm))
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	dataSize := uint32(len(pcm))

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * numChannels * bytesPerSample,
		BlockAlign:    numChannels * bytesPerSample,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+len(pcm)))

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	buf.Write(pcm)

	return buf.Bytes(), nil
}

// MustEncodeWAV is EncodeWAV for segments produced by the Segmenter, which are
// always whole frames. It panics on malformed input.
func MustEncodeWAV(pcm []byte, sampleRate int) []byte {
	data, err := EncodeWAV(pcm, sampleRate)
	if err != nil {
		panic(fmt.Sprintf("audio: encode segment: %v", err))
	}
	return data
}

// DecodeWAV validates a mono PCM-16 WAV container and returns its payload and sample rate
func DecodeWAV(data []byte) ([]byte, int, error) {
	info, err := GetWAVInfo(data)
	if err != nil {
		return nil, 0, err
	}

	if info.Channels != numChannels {
		return nil, 0, fmt.Errorf("unsupported channel count: %d (only mono is supported)", info.Channels)
	}

	if info.BitsPerSample != bitsPerSample {
		return nil, 0, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", info.BitsPerSample)
	}

	end := WAVHeaderSize + int(info.DataSize)
	if end > len(data) {
		return nil, 0, fmt.Errorf("WAV data truncated: header declares %d bytes, got %d", info.DataSize, len(data)-WAVHeaderSize)
	}

	return data[WAVHeaderSize:end], int(info.SampleRate), nil
}

// ValidateWAV validates a WAV file format without decoding the entire audio data
func ValidateWAV(data []byte) error {
	if len(data) < WAVHeaderSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", WAVHeaderSize, len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	if string(data[36:40]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}

	return nil
}

// WAVInfo holds basic information about a WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

// GetWAVInfo extracts metadata from a WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	if err := ValidateWAV(data); err != nil {
		return nil, err
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data[:WAVHeaderSize]), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if header.AudioFormat != 1 {
		return nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	}

	if header.SampleRate == 0 {
		return nil, fmt.Errorf("invalid sample rate: 0")
	}

	if header.BitsPerSample == 0 || header.NumChannels == 0 {
		return nil, fmt.Errorf("invalid sample layout: %d channels, %d bits", header.NumChannels, header.BitsPerSample)
	}

	frameBytes := uint32(header.BitsPerSample) / 8 * uint32(header.NumChannels)
	numSamples := header.Subchunk2Size / frameBytes

	return &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      float64(numSamples) / float64(header.SampleRate),
		DataSize:      header.Subchunk2Size,
		NumSamples:    numSamples,
	}, nil
}
