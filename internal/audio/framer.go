package audio

import (
	"fmt"
	"sync"
)

// DefaultFrameSize is the number of samples per outbound frame
const DefaultFrameSize = 4096

// Framer partitions a continuous signal into fixed-size frames. It holds at most
// one partial frame; every completed frame is handed to the emit callback from
// within Write, so nothing is queued beyond the current call.
type Framer struct {
	size    int
	pending []float32

	// Statistics
	framesEmitted  uint64
	samplesWritten uint64

	mu sync.Mutex
}

// FramerStats represents framer statistics
type FramerStats struct {
	FrameSize      int    `json:"frame_size"`
	FramesEmitted  uint64 `json:"frames_emitted"`
	SamplesWritten uint64 `json:"samples_written"`
	Pending        int    `json:"pending_samples"`
}

// NewFramer creates a framer producing frames of size samples
func NewFramer(size int) (*Framer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d", size)
	}
	return &Framer{
		size:    size,
		pending: make([]float32, 0, size),
	}, nil
}

// Write appends samples and calls emit once per completed frame, in order.
// The slice passed to emit is owned by the callee.
func (f *Framer) Write(samples []float32, emit func(frame []float32)) {
	f.mu.Lock()
	var frames [][]float32
	f.samplesWritten += uint64(len(samples))
	for len(samples) > 0 {
		need := f.size - len(f.pending)
		if need > len(samples) {
			need = len(samples)
		}
		f.pending = append(f.pending, samples[:need]...)
		samples = samples[need:]

		if len(f.pending) == f.size {
			frame := make([]float32, f.size)
			copy(frame, f.pending)
			frames = append(frames, frame)
			f.pending = f.pending[:0]
			f.framesEmitted++
		}
	}
	f.mu.Unlock()

	for _, frame := range frames {
		emit(frame)
	}
}

// Reset drops any partial frame
func (f *Framer) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = f.pending[:0]
}

// Size returns the frame size in samples
func (f *Framer) Size() int {
	return f.size
}

// GetStats returns current framer statistics
func (f *Framer) GetStats() FramerStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FramerStats{
		FrameSize:      f.size,
		FramesEmitted:  f.framesEmitted,
		SamplesWritten: f.samplesWritten,
		Pending:        len(f.pending),
	}
}
