package audio

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// resyncFactor scales the maximum gap into the jump that restarts sequencing.
// Jumps that large come from a restarted sender, not from loss.
const resyncFactor = 25

// PacketBuffer restores packet order for a sequenced audio stream. Packets
// that never arrive within the allowed gap are replaced by silence of the
// last packet's size so the stream keeps its timing.
type PacketBuffer struct {
	data        []byte            // in-order PCM ready to read
	pending     map[uint32][]byte // packets waiting for an earlier sequence
	expectedSeq uint32
	started     bool
	maxGap      uint32
	packetBytes int // size of the last accepted packet

	// Statistics
	totalPackets uint64
	lostPackets  uint64
	duplicates   uint64
	resyncs      uint64
	lastUpdate   time.Time

	mu sync.Mutex
}

// PacketBufferStats represents buffer statistics for monitoring
type PacketBufferStats struct {
	TotalPackets uint64  `json:"total_packets"`
	LostPackets  uint64  `json:"lost_packets"`
	Duplicates   uint64  `json:"duplicate_packets"`
	Resyncs      uint64  `json:"resyncs"`
	LossRate     float64 `json:"loss_rate"`
	Buffered     int     `json:"buffered_bytes"`
	Pending      int     `json:"pending_packets"`
	ExpectedSeq  uint32  `json:"expected_sequence"`
}

// NewPacketBuffer creates a buffer that waits for at most maxGap missing packets
func NewPacketBuffer(maxGap int) *PacketBuffer {
	if maxGap < 1 {
		maxGap = 1
	}

	return &PacketBuffer{
		pending: make(map[uint32][]byte),
		maxGap:  uint32(maxGap),
	}
}

// Add stores one packet of PCM-16 audio. Late and duplicate packets are
// rejected with an error; the buffer is unchanged in that case.
func (b *PacketBuffer) Add(sequence uint32, pcm []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(pcm)%2 != 0 {
		return fmt.Errorf("audio data length must be even (got %d bytes)", len(pcm))
	}

	if !b.started {
		b.started = true
		b.expectedSeq = sequence
	}

	if sequence < b.expectedSeq {
		b.duplicates++
		return fmt.Errorf("ignoring old/duplicate packet: seq=%d, expected=%d", sequence, b.expectedSeq)
	}

	if _, exists := b.pending[sequence]; exists {
		b.duplicates++
		return fmt.Errorf("ignoring duplicate packet: seq=%d", sequence)
	}

	b.totalPackets++
	b.lastUpdate = time.Now()
	b.packetBytes = len(pcm)

	packet := make([]byte, len(pcm))
	copy(packet, pcm)

	gap := sequence - b.expectedSeq
	if gap > b.maxGap*resyncFactor {
		b.resync(sequence)
	}

	b.pending[sequence] = packet

	// Give up on the oldest missing packets until the gap is acceptable again
	for sequence-b.expectedSeq > b.maxGap {
		b.skipMissing()
	}

	b.drain()
	return nil
}

// Read removes and returns exactly n bytes of in-order audio, reporting false
// when fewer are buffered
func (b *PacketBuffer) Read(n int) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || len(b.data) < n {
		return nil, false
	}

	frame := make([]byte, n)
	copy(frame, b.data[:n])
	b.data = append(b.data[:0], b.data[n:]...)

	return frame, true
}

// Flush releases every pending packet, filling the gaps between them with
// silence. It is called when the stream ends and no more packets will arrive.
func (b *PacketBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.pending) > 0 {
		b.skipMissing()
		b.drain()
	}
}

// Available returns the number of in-order bytes ready to read
func (b *PacketBuffer) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// skipMissing advances past the expected packet, writing silence when it is missing
func (b *PacketBuffer) skipMissing() {
	if packet, ok := b.pending[b.expectedSeq]; ok {
		b.data = append(b.data, packet...)
		delete(b.pending, b.expectedSeq)
	} else {
		b.data = append(b.data, make([]byte, b.packetBytes)...)
		b.lostPackets++
	}
	b.expectedSeq++
}

// drain appends consecutive pending packets
func (b *PacketBuffer) drain() {
	for {
		packet, ok := b.pending[b.expectedSeq]
		if !ok {
			return
		}
		b.data = append(b.data, packet...)
		delete(b.pending, b.expectedSeq)
		b.expectedSeq++
	}
}

// resync releases pending packets in order without filling gaps and
// continues the stream at sequence
func (b *PacketBuffer) resync(sequence uint32) {
	seqs := make([]uint32, 0, len(b.pending))
	for seq := range b.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	for _, seq := range seqs {
		b.data = append(b.data, b.pending[seq]...)
		delete(b.pending, seq)
	}

	b.resyncs++
	b.expectedSeq = sequence
}

// GetStats returns current buffer statistics
func (b *PacketBuffer) GetStats() PacketBufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	lossRate := float64(0)
	if total := b.totalPackets + b.lostPackets; total > 0 {
		lossRate = float64(b.lostPackets) / float64(total)
	}

	return PacketBufferStats{
		TotalPackets: b.totalPackets,
		LostPackets:  b.lostPackets,
		Duplicates:   b.duplicates,
		Resyncs:      b.resyncs,
		LossRate:     lossRate,
		Buffered:     len(b.data),
		Pending:      len(b.pending),
		ExpectedSeq:  b.expectedSeq,
	}
}

// LastUpdate returns when the last packet was accepted
func (b *PacketBuffer) LastUpdate() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdate
}
