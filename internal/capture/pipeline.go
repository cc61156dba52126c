// Package capture turns a microphone stream into a sequence of encoded frames.
// Frames are produced on the device callback and handed straight to a send
// function; the pipeline never queues frames for later delivery.
package capture

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/skypro1111/voice-mentor/internal/audio"
	"github.com/skypro1111/voice-mentor/internal/device"
	"github.com/skypro1111/voice-mentor/internal/metrics"
	"github.com/skypro1111/voice-mentor/internal/vad"
)

// DefaultVoiceThreshold is the meter level treated as voice activity
const DefaultVoiceThreshold = 0.3

// ErrAlreadyConnected is returned when connecting a pipeline twice
var ErrAlreadyConnected = errors.New("capture pipeline already connected")

// SendFunc transmits one encoded frame. It must not block the device callback.
type SendFunc func(blob audio.Blob)

// Config configures a pipeline
type Config struct {
	FrameSize      int
	VoiceThreshold float32
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Pipeline wires a device stream to a frame splitter, the encoder and a sender
type Pipeline struct {
	framer  *audio.Framer
	meter   *vad.Processor
	send    SendFunc
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	stream    device.InputStream
	connected bool
	frames    uint64
	voiced    uint64
}

// Stats summarizes pipeline activity
type Stats struct {
	Connected   bool   `json:"connected"`
	FramesSent  uint64 `json:"frames_sent"`
	VoiceFrames uint64 `json:"voice_frames"`
	Pending     int    `json:"pending_samples"`
}

// New creates a disconnected pipeline
func New(cfg Config, send SendFunc) (*Pipeline, error) {
	if send == nil {
		return nil, errors.New("send function is required")
	}
	if cfg.FrameSize == 0 {
		cfg.FrameSize = audio.DefaultFrameSize
	}
	if cfg.VoiceThreshold == 0 {
		cfg.VoiceThreshold = DefaultVoiceThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	framer, err := audio.NewFramer(cfg.FrameSize)
	if err != nil {
		return nil, err
	}
	meter, err := vad.NewProcessor(cfg.VoiceThreshold)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		framer:  framer,
		meter:   meter,
		send:    send,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// Connect installs the pipeline as the stream's capture callback
func (p *Pipeline) Connect(stream device.InputStream) error {
	p.mu.Lock()
	if p.connected {
		p.mu.Unlock()
		return ErrAlreadyConnected
	}
	p.stream = stream
	p.connected = true
	p.mu.Unlock()

	stream.SetHandler(p.handle)

	p.logger.Debug("Capture pipeline connected", slog.Int("frame_size", p.framer.Size()))
	return nil
}

// Disconnect detaches the callback and stops the stream. Calling it on a
// disconnected pipeline does nothing.
func (p *Pipeline) Disconnect() error {
	p.mu.Lock()
	stream := p.stream
	wasConnected := p.connected
	p.stream = nil
	p.connected = false
	p.mu.Unlock()

	if !wasConnected {
		return nil
	}

	p.framer.Reset()
	stream.SetHandler(nil)
	if err := stream.Stop(); err != nil {
		return err
	}

	p.logger.Debug("Capture pipeline disconnected")
	return nil
}

// Connected reports whether the pipeline is attached to a stream
func (p *Pipeline) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// handle is the device callback
func (p *Pipeline) handle(samples []float32) {
	if !p.Connected() {
		return
	}
	p.framer.Write(samples, p.emit)
}

func (p *Pipeline) emit(frame []float32) {
	level := p.meter.Process(frame)
	blob := audio.Encode(frame)

	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return
	}
	p.frames++
	if level.HasVoice {
		p.voiced++
	}
	p.mu.Unlock()

	p.metrics.RecordInputLevel(level.Level, level.HasVoice)
	p.send(blob)
}

// GetStats returns pipeline statistics
func (p *Pipeline) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Connected:   p.connected,
		FramesSent:  p.frames,
		VoiceFrames: p.voiced,
		Pending:     p.framer.GetStats().Pending,
	}
}
