package vad

import (
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultEnergyThreshold is the absolute sample amplitude above which a sample counts as active
	DefaultEnergyThreshold = 200

	// DefaultActiveRatioThreshold is the minimum share of active samples for an active frame
	DefaultActiveRatioThreshold = 0.02
)

// Decision is the voice activity label of a single frame
type Decision int

const (
	Silent Decision = iota
	Active
)

// String returns the human-readable decision name
func (d Decision) String() string {
	switch d {
	case Silent:
		return "silent"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Config contains the thresholds used by the energy classifier
type Config struct {
	EnergyThreshold      int     // absolute sample amplitude
	ActiveRatioThreshold float64 // share of active samples, [0,1]
}

// DefaultConfig returns the default classifier thresholds
func DefaultConfig() Config {
	return Config{
		EnergyThreshold:      DefaultEnergyThreshold,
		ActiveRatioThreshold: DefaultActiveRatioThreshold,
	}
}

// Validate checks the classifier thresholds
func (c Config) Validate() error {
	if c.EnergyThreshold < 0 || c.EnergyThreshold > 32767 {
		return fmt.Errorf("energy threshold must be between 0 and 32767, got %d", c.EnergyThreshold)
	}

	if c.ActiveRatioThreshold < 0 || c.ActiveRatioThreshold > 1 {
		return fmt.Errorf("active ratio threshold must be between 0 and 1, got %f", c.ActiveRatioThreshold)
	}

	return nil
}

// ActiveRatio returns the share of little-endian int16 samples in frame whose
// absolute value exceeds energyThreshold. A trailing odd byte is ignored.
func ActiveRatio(frame []byte, energyThreshold int) float64 {
	total := len(frame) / 2
	if total == 0 {
		return 0
	}

	active := 0
	for i := 0; i+1 < len(frame); i += 2 {
		sample := int(int16(uint16(frame[i]) | uint16(frame[i+1])<<8))
		if sample < 0 {
			sample = -sample
		}
		if sample > energyThreshold {
			active++
		}
	}

	return float64(active) / float64(total)
}

// Classify labels a frame as Silent or Active.
// A frame whose active ratio equals the threshold is Active. A frame without
// a single whole sample is always Silent.
func Classify(frame []byte, cfg Config) Decision {
	if len(frame)/2 == 0 {
		return Silent
	}
	if ActiveRatio(frame, cfg.EnergyThreshold) < cfg.ActiveRatioThreshold {
		return Silent
	}
	return Active
}

// Processor classifies frames with a fixed configuration and keeps statistics
// for monitoring. Classification itself is stateless.
type Processor struct {
	config Config

	// Statistics
	totalFrames   uint64
	activeFrames  uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// ProcessorStats represents VAD processor statistics
type ProcessorStats struct {
	TotalFrames          uint64    `json:"total_frames"`
	ActiveFrames         uint64    `json:"active_frames"`
	ActivePercentage     float64   `json:"active_percentage"`
	LastProcessed        time.Time `json:"last_processed"`
	EnergyThreshold      int       `json:"energy_threshold"`
	ActiveRatioThreshold float64   `json:"active_ratio_threshold"`
}

// NewProcessor creates a new VAD processor instance
func NewProcessor(config Config) (*Processor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Processor{config: config}, nil
}

// Process classifies one frame and updates the statistics
func (p *Processor) Process(frame []byte) Decision {
	decision := Classify(frame, p.config)

	p.mu.Lock()
	p.totalFrames++
	if decision == Active {
		p.activeFrames++
	}
	p.lastProcessed = time.Now()
	p.mu.Unlock()

	return decision
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	activePercentage := float64(0)
	if p.totalFrames > 0 {
		activePercentage = float64(p.activeFrames) / float64(p.totalFrames) * 100
	}

	return ProcessorStats{
		TotalFrames:          p.totalFrames,
		ActiveFrames:         p.activeFrames,
		ActivePercentage:     activePercentage,
		LastProcessed:        p.lastProcessed,
		EnergyThreshold:      p.config.EnergyThreshold,
		ActiveRatioThreshold: p.config.ActiveRatioThreshold,
	}
}

// Config returns the classifier configuration
func (p *Processor) Config() Config {
	return p.config
}

// Reset clears the processor statistics
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalFrames = 0
	p.activeFrames = 0
	p.lastProcessed = time.Time{}
}
