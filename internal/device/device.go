package device

import (
	"context"
	"errors"

	"github.com/skypro1111/voice-mentor/internal/audio"
)

// State is the lifecycle state of an audio context
type State int

const (
	StateSuspended State = iota
	StateRunning
	StateClosed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateSuspended:
		return "suspended"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed is returned by operations on a closed context
	ErrClosed = errors.New("audio context is closed")
	// ErrPermissionDenied is returned when microphone access is refused
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrUnavailable is returned when no input device can be opened
	ErrUnavailable = errors.New("audio input device unavailable")
	// ErrSourceStopped is returned when stopping a source that already ended or was stopped
	ErrSourceStopped = errors.New("audio source already stopped")
	// ErrNotStarted is returned when stopping a source that was never started
	ErrNotStarted = errors.New("audio source not started")
)

// Context is an audio device context running at a fixed sample rate
type Context interface {
	SampleRate() int
	State() State
	// Resume moves a suspended context to running. Platforms gate this on a user gesture.
	Resume(ctx context.Context) error
	// Close releases the device; closing twice returns ErrClosed
	Close() error
	// CurrentTime is the context clock in seconds, advancing only while running
	CurrentTime() float64
}

// InputContext captures audio
type InputContext interface {
	Context
	// OpenStream requests the microphone
	OpenStream(ctx context.Context) (InputStream, error)
}

// InputStream delivers captured samples to a handler whenever the device buffer fills
type InputStream interface {
	// SetHandler installs the capture callback; nil disconnects it
	SetHandler(fn func(samples []float32))
	// Stop ends the stream; no handler calls happen after it returns
	Stop() error
}

// OutputContext plays buffers
type OutputContext interface {
	Context
	NewSource(buf *audio.Buffer) (Source, error)
}

// Source is a one-shot scheduled playback of a buffer
type Source interface {
	// Start schedules playback at the context time at; times in the past start immediately
	Start(at float64) error
	// Stop cuts playback; OnEnded is not called for stopped sources
	Stop() error
	// OnEnded registers the natural-completion callback
	OnEnded(fn func())
	Duration() float64
}

// Provider opens device contexts
type Provider interface {
	OpenInput(sampleRate, channels int) (InputContext, error)
	OpenOutput(sampleRate, channels int) (OutputContext, error)
}
