// Package assistant implements the voice assistant's session lifecycle: it owns
// the remote session, both audio device contexts, the capture pipeline and the
// playback scheduler for one conversation, and releases all of them through a
// single ordered teardown.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/voice-mentor/internal/audio"
	"github.com/skypro1111/voice-mentor/internal/capture"
	"github.com/skypro1111/voice-mentor/internal/device"
	"github.com/skypro1111/voice-mentor/internal/live"
	"github.com/skypro1111/voice-mentor/internal/metrics"
	"github.com/skypro1111/voice-mentor/internal/playback"
)

// User-visible error messages
const (
	MessageStartFailed     = "Could not access microphone or connect to AI."
	MessageConnectionError = "Connection error occurred."
)

var (
	// ErrAlreadyActive is returned by Start while a conversation is running
	ErrAlreadyActive = errors.New("assistant already active")
	// ErrAcquisition wraps microphone and audio device failures
	ErrAcquisition = errors.New("audio acquisition failed")
	// ErrRemoteSession wraps failures to open the live session
	ErrRemoteSession = errors.New("remote session failed")
	// ErrStopped is returned by Start when Stop ran before the start completed
	ErrStopped = errors.New("assistant stopped during start")
)

const DefaultConnectTimeout = 15 * time.Second

// Config configures a controller
type Config struct {
	ID               string
	InputSampleRate  int
	OutputSampleRate int
	Channels         int
	FrameSize        int
	VoiceThreshold   float32
	ConnectTimeout   time.Duration
	Live             live.Config
}

func (c *Config) defaults() {
	if c.InputSampleRate == 0 {
		c.InputSampleRate = audio.InputSampleRate
	}
	if c.OutputSampleRate == 0 {
		c.OutputSampleRate = audio.OutputSampleRate
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.FrameSize == 0 {
		c.FrameSize = audio.DefaultFrameSize
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	c.Live = c.Live.WithDefaults()
}

// Controller runs one conversation at a time. Callbacks from a previous start
// attempt are recognised by their attempt number and ignored.
type Controller struct {
	cfg      Config
	provider device.Provider
	dialer   live.Dialer
	logger   *slog.Logger
	metrics  *metrics.Metrics

	teardownMu sync.Mutex

	mu           sync.Mutex
	status       Status
	active       bool
	errMsg       string
	attempt      uint64
	session      live.Session
	cancelDial   context.CancelFunc
	input        device.InputContext
	output       device.OutputContext
	stream       device.InputStream
	pipeline     *capture.Pipeline
	scheduler    *playback.Scheduler
	startedAt    time.Time
	lastActivity time.Time
	framesSent   uint64
	chunksPlayed uint64
}

// Snapshot is a point-in-time view of a controller
type Snapshot struct {
	ID            string    `json:"id"`
	Status        Status    `json:"status"`
	Active        bool      `json:"active"`
	Connected     bool      `json:"connected"`
	Error         string    `json:"error,omitempty"`
	ActiveSources int       `json:"active_sources"`
	Cursor        float64   `json:"cursor"`
	FramesSent    uint64    `json:"frames_sent"`
	ChunksPlayed  uint64    `json:"chunks_played"`
	StartedAt     time.Time `json:"started_at"`
	LastActivity  time.Time `json:"last_activity"`
}

// New creates an idle controller
func New(provider device.Provider, dialer live.Dialer, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Controller {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ID != "" {
		logger = logger.With(slog.String("conversation_id", cfg.ID))
	}
	return &Controller{
		cfg:          cfg,
		provider:     provider,
		dialer:       dialer,
		logger:       logger,
		metrics:      m,
		lastActivity: time.Now(),
	}
}

// Start opens both device contexts, the microphone and the live session. On
// failure the user-visible error is set and teardown has completed before
// Start returns.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.attempt++
	gen := c.attempt
	c.active = true
	c.errMsg = ""
	c.framesSent = 0
	c.chunksPlayed = 0
	c.startedAt = time.Now()
	c.lastActivity = c.startedAt
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	c.logger.Info("Starting conversation", slog.Uint64("attempt", gen))

	if err := c.open(ctx, gen); err != nil {
		if errors.Is(err, ErrStopped) {
			return err
		}
		c.logger.Error("Failed to start conversation", slog.String("error", err.Error()))
		c.fail(gen, MessageStartFailed, err)
		return err
	}
	return nil
}

// open acquires resources in order. Each one is adopted only if the attempt is
// still current; otherwise it is released here and ErrStopped is returned.
func (c *Controller) open(ctx context.Context, gen uint64) error {
	in, err := c.provider.OpenInput(c.cfg.InputSampleRate, c.cfg.Channels)
	if err != nil {
		return fmt.Errorf("%w: open input context: %v", ErrAcquisition, err)
	}
	if !c.adopt(gen, func() { c.input = in }) {
		in.Close()
		return ErrStopped
	}

	out, err := c.provider.OpenOutput(c.cfg.OutputSampleRate, c.cfg.Channels)
	if err != nil {
		return fmt.Errorf("%w: open output context: %v", ErrAcquisition, err)
	}
	if !c.adopt(gen, func() { c.output = out }) {
		out.Close()
		return ErrStopped
	}

	if err := in.Resume(ctx); err != nil {
		return fmt.Errorf("%w: resume input context: %v", ErrAcquisition, err)
	}
	if err := out.Resume(ctx); err != nil {
		return fmt.Errorf("%w: resume output context: %v", ErrAcquisition, err)
	}

	stream, err := in.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("%w: open microphone: %w", ErrAcquisition, err)
	}

	pipeline, err := capture.New(capture.Config{
		FrameSize:      c.cfg.FrameSize,
		VoiceThreshold: c.cfg.VoiceThreshold,
		Logger:         c.logger,
		Metrics:        c.metrics,
	}, c.sendFrame)
	if err != nil {
		stream.Stop()
		return fmt.Errorf("%w: capture pipeline: %v", ErrAcquisition, err)
	}

	scheduler := playback.New(out, playback.Config{
		SampleRate: c.cfg.OutputSampleRate,
		Channels:   c.cfg.Channels,
		Logger:     c.logger,
		Metrics:    c.metrics,
	}, playback.Events{
		OnScheduled: func() { c.onScheduled(gen) },
		OnDrained:   func() { c.onDrained(gen) },
	})

	if !c.adopt(gen, func() {
		c.stream = stream
		c.pipeline = pipeline
		c.scheduler = scheduler
	}) {
		stream.Stop()
		return ErrStopped
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if !c.adopt(gen, func() { c.cancelDial = cancel }) {
		return ErrStopped
	}

	session, err := c.dialer.Connect(connectCtx, c.cfg.Live, live.Callbacks{
		OnOpen:    func(s live.Session) { c.onOpen(gen, s) },
		OnMessage: func(msg live.Message) { c.onMessage(gen, msg) },
		OnError:   func(err error) { c.onError(gen, err) },
		OnClose:   func(reason string) { c.onClose(gen, reason) },
	})
	if !c.adopt(gen, func() { c.cancelDial = nil }) {
		if session != nil {
			session.Close()
		}
		return ErrStopped
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRemoteSession, err)
	}
	return nil
}

func (c *Controller) adopt(gen uint64, set func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != gen {
		return false
	}
	set()
	return true
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt == gen
}

// fail records a user-visible error for the attempt and tears it down
func (c *Controller) fail(gen uint64, message string, err error) {
	c.mu.Lock()
	if c.attempt != gen {
		c.mu.Unlock()
		return
	}
	c.errMsg = message
	c.mu.Unlock()

	reason := "remote"
	if errors.Is(err, ErrAcquisition) {
		reason = "acquisition"
	}
	c.metrics.RecordConversationFailed(reason)
	c.teardown()
}

// Stop tears the conversation down. It is safe to call at any time and from
// any goroutine; calls after the first do nothing.
func (c *Controller) Stop() {
	c.teardown()
}

func (c *Controller) onOpen(gen uint64, s live.Session) {
	c.mu.Lock()
	if c.attempt != gen {
		c.mu.Unlock()
		s.Close()
		return
	}
	c.session = s
	pipeline := c.pipeline
	stream := c.stream
	c.setStatusLocked(StatusListening)
	c.mu.Unlock()

	if err := pipeline.Connect(stream); err != nil {
		c.logger.Warn("Failed to connect capture pipeline", slog.String("error", err.Error()))
	}
	// teardown may have run between releasing the lock and connecting
	if !c.current(gen) {
		pipeline.Disconnect()
		return
	}
	c.metrics.RecordConversationStarted()
	c.logger.Info("Live session open, listening")
}

// sendFrame is the capture pipeline's sender. The session reference is read
// when the send runs, so a frame racing teardown is dropped quietly.
func (c *Controller) sendFrame(blob audio.Blob) {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return
	}
	c.framesSent++
	c.lastActivity = time.Now()
	c.mu.Unlock()

	c.metrics.RecordFrameSent()

	go func() {
		c.mu.Lock()
		s := c.session
		c.mu.Unlock()
		if s == nil {
			return
		}
		if err := s.SendAudio(blob); err != nil {
			c.metrics.RecordFrameSendError()
			c.logger.Debug("Dropped outbound frame", slog.String("error", err.Error()))
		}
	}()
}

func (c *Controller) onMessage(gen uint64, msg live.Message) {
	c.mu.Lock()
	if c.attempt != gen {
		c.mu.Unlock()
		return
	}
	scheduler := c.scheduler
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if scheduler == nil {
		return
	}

	for _, part := range msg.Audio {
		if part == "" {
			continue
		}
		if _, err := scheduler.Enqueue(part); err != nil {
			c.logger.Debug("No playable audio in message", slog.String("error", err.Error()))
		}
	}

	if msg.Interrupted {
		stopped := scheduler.Interrupt()
		c.mu.Lock()
		if c.attempt == gen {
			c.setStatusLocked(StatusListening)
		}
		c.mu.Unlock()
		c.logger.Debug("Playback interrupted", slog.Int("stopped", stopped))
	}
}

func (c *Controller) onScheduled(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != gen {
		return
	}
	c.chunksPlayed++
	c.setStatusLocked(StatusSpeaking)
}

func (c *Controller) onDrained(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != gen {
		return
	}
	c.setStatusLocked(StatusListening)
}

func (c *Controller) onError(gen uint64, err error) {
	if !c.current(gen) {
		return
	}
	c.logger.Error("Live session error", slog.String("error", err.Error()))
	c.fail(gen, MessageConnectionError, fmt.Errorf("%w: %w", ErrRemoteSession, err))
}

func (c *Controller) onClose(gen uint64, reason string) {
	if !c.current(gen) {
		return
	}
	c.logger.Info("Live session closed by remote", slog.String("reason", reason))
	c.teardown()
}

// setStatusLocked must be called with c.mu held
func (c *Controller) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.logger.Debug("Status changed",
		slog.String("from", c.status.String()),
		slog.String("to", s.String()),
	)
	c.status = s
	c.metrics.RecordStatus(s.String())
}

// Status returns the current status
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Active reports whether a conversation is running
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Error returns the user-visible error of the last attempt, if any
func (c *Controller) Error() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

// Snapshot returns the controller state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		ID:           c.cfg.ID,
		Status:       c.status,
		Active:       c.active,
		Connected:    c.session != nil,
		Error:        c.errMsg,
		FramesSent:   c.framesSent,
		ChunksPlayed: c.chunksPlayed,
		StartedAt:    c.startedAt,
		LastActivity: c.lastActivity,
	}
	scheduler := c.scheduler
	c.mu.Unlock()

	if scheduler != nil {
		stats := scheduler.GetStats()
		snap.ActiveSources = stats.ActiveSources
		snap.Cursor = stats.Cursor
	}
	return snap
}
