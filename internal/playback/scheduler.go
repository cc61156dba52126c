// Package playback schedules decoded response chunks back to back on an output
// context and supports hard interruption.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/skypro1111/voice-mentor/internal/audio"
	"github.com/skypro1111/voice-mentor/internal/device"
	"github.com/skypro1111/voice-mentor/internal/metrics"
)

// ErrClosed is returned by Enqueue after Close
var ErrClosed = errors.New("playback scheduler closed")

// Events are called without the scheduler lock held
type Events struct {
	// OnScheduled runs after a chunk has been scheduled
	OnScheduled func()
	// OnDrained runs when the last active chunk ends naturally
	OnDrained func()
}

// Config configures a scheduler
type Config struct {
	SampleRate int
	Channels   int
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Scheduler owns the playback cursor and the active source set
type Scheduler struct {
	out        device.OutputContext
	sampleRate int
	channels   int
	events     Events
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	cursor  float64
	sources map[device.Source]struct{}
	closed  bool

	// Statistics
	scheduled    uint64
	interrupts   uint64
	decodeFailed uint64
}

// Stats summarizes scheduler state
type Stats struct {
	Cursor         float64 `json:"cursor"`
	ActiveSources  int     `json:"active_sources"`
	ChunksPlayed   uint64  `json:"chunks_played"`
	Interruptions  uint64  `json:"interruptions"`
	DecodeFailures uint64  `json:"decode_failures"`
}

// New creates a scheduler playing on out
func New(out device.OutputContext, cfg Config, events Events) *Scheduler {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = audio.OutputSampleRate
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		out:        out,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		events:     events,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		sources:    make(map[device.Source]struct{}),
	}
}

// Enqueue decodes a base64 PCM chunk and schedules it at max(current time, cursor).
// It returns the scheduled start time. A payload that cannot be decoded schedules
// nothing and returns the decode error.
func (s *Scheduler) Enqueue(data string) (float64, error) {
	buf, err := audio.DecodeBlob(data, s.sampleRate, s.channels)
	if err != nil {
		s.mu.Lock()
		s.decodeFailed++
		s.mu.Unlock()
		s.metrics.RecordDecodeFailure()
		return 0, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}

	src, err := s.out.NewSource(buf)
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("create source: %w", err)
	}
	src.OnEnded(func() { s.ended(src) })

	start := max(s.out.CurrentTime(), s.cursor)
	if err := src.Start(start); err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("start source: %w", err)
	}
	s.cursor = start + buf.Duration()
	s.sources[src] = struct{}{}
	s.scheduled++
	s.mu.Unlock()

	s.metrics.RecordChunkScheduled(buf.Duration())
	s.logger.Debug("Scheduled response chunk",
		slog.Float64("start", start),
		slog.Float64("duration", buf.Duration()),
	)

	if s.events.OnScheduled != nil {
		s.events.OnScheduled()
	}
	return start, nil
}

// ended removes a naturally finished source. Sources already removed by
// Interrupt or StopAll are ignored.
func (s *Scheduler) ended(src device.Source) {
	s.mu.Lock()
	if _, ok := s.sources[src]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sources, src)
	drained := len(s.sources) == 0
	s.mu.Unlock()

	if drained && s.events.OnDrained != nil {
		s.events.OnDrained()
	}
}

// Interrupt stops every active chunk and resets the cursor to zero. It returns
// the number of chunks cut off.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	s.interrupts++
	s.cursor = 0
	s.mu.Unlock()

	stopped, _ := s.StopAll()
	s.metrics.RecordInterruption(stopped)
	return stopped
}

// StopAll stops and clears the active source set. Sources that already ended
// or were stopped are ignored; other stop failures are returned joined.
func (s *Scheduler) StopAll() (int, error) {
	s.mu.Lock()
	sources := make([]device.Source, 0, len(s.sources))
	for src := range s.sources {
		sources = append(sources, src)
	}
	s.sources = make(map[device.Source]struct{})
	s.mu.Unlock()

	var errs []error
	for _, src := range sources {
		if err := src.Stop(); err != nil && !errors.Is(err, device.ErrSourceStopped) {
			errs = append(errs, err)
		}
	}
	return len(sources), errors.Join(errs...)
}

// Close stops all chunks and rejects further Enqueue calls
func (s *Scheduler) Close() (int, error) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.StopAll()
}

// Cursor returns the scheduled end time of the last chunk
func (s *Scheduler) Cursor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// ActiveCount returns the size of the active source set
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Cursor:         s.cursor,
		ActiveSources:  len(s.sources),
		ChunksPlayed:   s.scheduled,
		Interruptions:  s.interrupts,
		DecodeFailures: s.decodeFailed,
	}
}
