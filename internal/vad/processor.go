package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Processor estimates voice activity from frame RMS energy
type Processor struct {
	threshold float32
	smoothing float32 // weight of the newest frame in the running level

	// State
	level float32

	// Statistics
	totalFrames   uint64
	voiceFrames   uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// Result represents the activity estimate for one frame
type Result struct {
	RMS       float32   `json:"rms"`   // Root mean square of the normalized samples
	Level     float32   `json:"level"` // Smoothed level (0.0 - 1.0)
	HasVoice  bool      `json:"has_voice"`
	Timestamp time.Time `json:"timestamp"`
}

// ProcessorStats represents processor statistics
type ProcessorStats struct {
	TotalFrames     uint64    `json:"total_frames"`
	VoiceFrames     uint64    `json:"voice_frames"`
	VoicePercentage float64   `json:"voice_percentage"`
	Level           float32   `json:"level"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float32   `json:"threshold"`
}

// NewProcessor creates a processor; threshold is compared against the smoothed level
func NewProcessor(threshold float32) (*Processor, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}
	return &Processor{
		threshold: threshold,
		smoothing: 0.5,
	}, nil
}

// Process measures one frame of normalized samples
func (p *Processor) Process(samples []float32) Result {
	rms := RMS(samples)

	// Speech RMS rarely exceeds ~0.3 of full scale
	normalized := rms / 0.3
	if normalized > 1 {
		normalized = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.totalFrames == 0 {
		p.level = normalized
	} else {
		p.level = p.smoothing*normalized + (1-p.smoothing)*p.level
	}

	hasVoice := p.level >= p.threshold
	p.totalFrames++
	if hasVoice {
		p.voiceFrames++
	}
	p.lastProcessed = time.Now()

	return Result{
		RMS:       rms,
		Level:     p.level,
		HasVoice:  hasVoice,
		Timestamp: p.lastProcessed,
	}
}

// RMS returns the root mean square of samples, 0 for an empty slice
func RMS(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	return float32(math.Sqrt(energy / float64(len(samples))))
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	voicePercentage := float64(0)
	if p.totalFrames > 0 {
		voicePercentage = float64(p.voiceFrames) / float64(p.totalFrames) * 100
	}

	return ProcessorStats{
		TotalFrames:     p.totalFrames,
		VoiceFrames:     p.voiceFrames,
		VoicePercentage: voicePercentage,
		Level:           p.level,
		LastProcessed:   p.lastProcessed,
		Threshold:       p.threshold,
	}
}

// Reset clears state and statistics
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.level = 0
	p.totalFrames = 0
	p.voiceFrames = 0
	p.lastProcessed = time.Time{}
}
