package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/voice-mentor/internal/audio"
)

// VirtualConfig configures a software device provider
type VirtualConfig struct {
	Clock  Clock
	Logger *slog.Logger
	// Feed supplies microphone audio; nil makes OpenStream fail with ErrUnavailable
	Feed Feed
	// Sink receives every played sample; optional
	Sink Sink
}

// Virtual is a Provider whose contexts run on a Clock instead of hardware
type Virtual struct {
	clock  Clock
	logger *slog.Logger
	feed   Feed
	sink   Sink
}

// NewVirtual creates a virtual provider
func NewVirtual(cfg VirtualConfig) *Virtual {
	if cfg.Clock == nil {
		cfg.Clock = NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Virtual{
		clock:  cfg.Clock,
		logger: cfg.Logger.With("component", "virtual_device"),
		feed:   cfg.Feed,
		sink:   cfg.Sink,
	}
}

// OpenInput creates a suspended input context
func (v *Virtual) OpenInput(sampleRate, channels int) (InputContext, error) {
	if err := validateFormat(sampleRate, channels); err != nil {
		return nil, err
	}
	return &virtualInput{
		baseContext: newBaseContext(v.clock, sampleRate),
		feed:        v.feed,
		logger:      v.logger,
	}, nil
}

// OpenOutput creates a suspended output context
func (v *Virtual) OpenOutput(sampleRate, channels int) (OutputContext, error) {
	if err := validateFormat(sampleRate, channels); err != nil {
		return nil, err
	}
	return &virtualOutput{
		baseContext: newBaseContext(v.clock, sampleRate),
		channels:    channels,
		sink:        v.sink,
		logger:      v.logger,
		sources:     make(map[*virtualSource]struct{}),
	}, nil
}

func validateFormat(sampleRate, channels int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", sampleRate)
	}
	if channels != 1 {
		return fmt.Errorf("unsupported channel count: %d", channels)
	}
	return nil
}

// baseContext tracks state and the context clock. The clock is frozen while suspended.
type baseContext struct {
	clock      Clock
	sampleRate int

	mu       sync.Mutex
	state    State
	elapsed  time.Duration
	resumeAt time.Duration
}

func newBaseContext(clock Clock, sampleRate int) *baseContext {
	return &baseContext{clock: clock, sampleRate: sampleRate, state: StateSuspended}
}

func (c *baseContext) SampleRate() int {
	return c.sampleRate
}

func (c *baseContext) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *baseContext) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return ErrClosed
	case StateSuspended:
		c.state = StateRunning
		c.resumeAt = c.clock.Now()
	}
	return nil
}

func (c *baseContext) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked().Seconds()
}

func (c *baseContext) currentLocked() time.Duration {
	if c.state != StateRunning {
		return c.elapsed
	}
	return c.elapsed + c.clock.Now() - c.resumeAt
}

// markClosed freezes the clock and reports whether the context was open
func (c *baseContext) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return false
	}
	c.elapsed = c.currentLocked()
	c.state = StateClosed
	return true
}

type virtualInput struct {
	*baseContext
	feed   Feed
	logger *slog.Logger

	streamsMu sync.Mutex
	streams   []*virtualStream
}

func (in *virtualInput) OpenStream(ctx context.Context) (InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.State() == StateClosed {
		return nil, ErrClosed
	}
	if in.feed == nil {
		return nil, ErrUnavailable
	}

	s := &virtualStream{input: in}
	detach, err := in.feed.Attach(s.deliver)
	if err != nil {
		return nil, fmt.Errorf("attach feed: %w", err)
	}
	s.detach = detach

	in.streamsMu.Lock()
	in.streams = append(in.streams, s)
	in.streamsMu.Unlock()

	in.logger.Debug("Microphone stream opened", "sample_rate", in.sampleRate)
	return s, nil
}

func (in *virtualInput) Close() error {
	if !in.markClosed() {
		return ErrClosed
	}

	in.streamsMu.Lock()
	streams := in.streams
	in.streams = nil
	in.streamsMu.Unlock()

	for _, s := range streams {
		s.Stop()
	}
	return nil
}

type virtualStream struct {
	input  *virtualInput
	detach func()

	mu      sync.Mutex
	handler func([]float32)
	stopped bool
}

func (s *virtualStream) SetHandler(fn func([]float32)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// deliver runs under the stream lock so Stop waits for an in-flight callback
func (s *virtualStream) deliver(samples []float32) {
	if s.input.State() != StateRunning {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.handler == nil {
		return
	}
	s.handler(samples)
}

func (s *virtualStream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.handler = nil
	detach := s.detach
	s.mu.Unlock()

	if detach != nil {
		detach()
	}
	return nil
}

type virtualOutput struct {
	*baseContext
	channels int
	sink     Sink
	logger   *slog.Logger

	sourcesMu sync.Mutex
	sources   map[*virtualSource]struct{}
}

func (out *virtualOutput) NewSource(buf *audio.Buffer) (Source, error) {
	if out.State() == StateClosed {
		return nil, ErrClosed
	}
	if buf == nil || buf.Length() == 0 {
		return nil, fmt.Errorf("empty buffer")
	}
	if buf.NumberOfChannels() != out.channels {
		return nil, fmt.Errorf("buffer has %d channels, context has %d", buf.NumberOfChannels(), out.channels)
	}
	return &virtualSource{out: out, buf: buf}, nil
}

func (out *virtualOutput) Close() error {
	if !out.markClosed() {
		return ErrClosed
	}

	out.sourcesMu.Lock()
	sources := make([]*virtualSource, 0, len(out.sources))
	for s := range out.sources {
		sources = append(sources, s)
	}
	out.sources = make(map[*virtualSource]struct{})
	out.sourcesMu.Unlock()

	for _, s := range sources {
		s.cancel()
	}
	if out.sink != nil {
		if err := out.sink.Flush(); err != nil {
			out.logger.Warn("Failed to flush output sink", "error", err)
		}
	}
	return nil
}

func (out *virtualOutput) track(s *virtualSource) {
	out.sourcesMu.Lock()
	defer out.sourcesMu.Unlock()
	out.sources[s] = struct{}{}
}

func (out *virtualOutput) untrack(s *virtualSource) {
	out.sourcesMu.Lock()
	defer out.sourcesMu.Unlock()
	delete(out.sources, s)
}

type sourceState int

const (
	sourceIdle sourceState = iota
	sourceScheduled
	sourceDone
)

type virtualSource struct {
	out *virtualOutput
	buf *audio.Buffer

	mu      sync.Mutex
	state   sourceState
	startAt float64
	timer   Timer
	onEnded func()
}

func (s *virtualSource) Duration() float64 {
	return s.buf.Duration()
}

func (s *virtualSource) OnEnded(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnded = fn
}

func (s *virtualSource) Start(at float64) error {
	if s.out.State() == StateClosed {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != sourceIdle {
		return fmt.Errorf("audio source already started")
	}

	now := s.out.CurrentTime()
	if at < now {
		at = now
	}
	s.startAt = at
	s.state = sourceScheduled

	wait := time.Duration((at - now + s.buf.Duration()) * float64(time.Second))
	s.out.track(s)
	s.timer = s.out.clock.AfterFunc(wait, s.finish)
	return nil
}

func (s *virtualSource) finish() {
	s.mu.Lock()
	if s.state != sourceScheduled {
		s.mu.Unlock()
		return
	}
	s.state = sourceDone
	cb := s.onEnded
	s.mu.Unlock()

	s.out.untrack(s)
	if s.out.sink != nil {
		s.out.sink.Write(s.buf.Channels[0], s.out.sampleRate)
	}
	if cb != nil {
		cb()
	}
}

func (s *virtualSource) Stop() error {
	s.mu.Lock()
	switch s.state {
	case sourceIdle:
		s.mu.Unlock()
		return ErrNotStarted
	case sourceDone:
		s.mu.Unlock()
		return ErrSourceStopped
	}
	s.state = sourceDone
	if s.timer != nil {
		s.timer.Stop()
	}
	played := s.playedLocked()
	s.mu.Unlock()

	s.out.untrack(s)
	if s.out.sink != nil && played > 0 {
		s.out.sink.Write(s.buf.Channels[0][:played], s.out.sampleRate)
	}
	return nil
}

// cancel drops a pending source without notifying anyone
func (s *virtualSource) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != sourceScheduled {
		return
	}
	s.state = sourceDone
	if s.timer != nil {
		s.timer.Stop()
	}
}

// playedLocked is the number of samples already audible at the current context time
func (s *virtualSource) playedLocked() int {
	elapsed := s.out.CurrentTime() - s.startAt
	if elapsed <= 0 {
		return 0
	}
	n := int(elapsed * float64(s.out.sampleRate))
	if n > s.buf.Length() {
		n = s.buf.Length()
	}
	return n
}
