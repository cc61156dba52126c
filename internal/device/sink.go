package device

import (
	"fmt"
	"sync"

	"github.com/skypro1111/voice-mentor/internal/audio"
)

// Sink receives played audio
type Sink interface {
	Write(samples []float32, sampleRate int)
	Flush() error
}

// Recorder accumulates played audio in completion order and writes it as a WAV file on Flush
type Recorder struct {
	path string

	mu         sync.Mutex
	samples    []int16
	sampleRate int
}

// NewRecorder creates a recorder; an empty path keeps audio in memory only
func NewRecorder(path string) *Recorder {
	return &Recorder{path: path}
}

// Write appends samples
func (r *Recorder) Write(samples []float32, sampleRate int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sampleRate = sampleRate
	r.samples = append(r.samples, audio.FloatsToInt16(samples)...)
}

// Samples returns a copy of everything recorded so far
func (r *Recorder) Samples() []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int16, len(r.samples))
	copy(out, r.samples)
	return out
}

// Flush writes the recording to disk when a path is set and audio was played
func (r *Recorder) Flush() error {
	r.mu.Lock()
	samples := make([]int16, len(r.samples))
	copy(samples, r.samples)
	rate := r.sampleRate
	r.mu.Unlock()

	if r.path == "" || len(samples) == 0 {
		return nil
	}
	if err := audio.WriteWAVFile(r.path, samples, rate); err != nil {
		return fmt.Errorf("write recording: %w", err)
	}
	return nil
}
