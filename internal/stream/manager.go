package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/voice-mentor/internal/assistant"
	"github.com/skypro1111/voice-mentor/internal/audio"
	"github.com/skypro1111/voice-mentor/internal/device"
	"github.com/skypro1111/voice-mentor/internal/live"
	"github.com/skypro1111/voice-mentor/internal/metrics"
)

var (
	// ErrSessionNotFound is returned for an unknown conversation id
	ErrSessionNotFound = errors.New("conversation not found")
	// ErrTooManySessions is returned when max_concurrent conversations exist
	ErrTooManySessions = errors.New("too many concurrent conversations")
	// ErrStreamBound is returned when a relay stream already feeds another conversation
	ErrStreamBound = errors.New("relay stream already bound")
	// ErrUnknownStream is returned for relay audio with no bound conversation
	ErrUnknownStream = errors.New("unknown relay stream")
	// ErrNoRelayInput is returned when binding a relay stream while input comes from a file
	ErrNoRelayInput = errors.New("relay input not configured")
)

// Input sources
const (
	InputUDP = "udp"
	InputWAV = "wav"
)

// InputConfig selects the microphone feed for new conversations
type InputConfig struct {
	Source    string
	WAVPath   string
	Loop      bool
	BlockSize int
}

// ManagerConfig contains configuration for the conversation manager
type ManagerConfig struct {
	MaxConcurrent   int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	RelayMaxGap     int
	RecordingDir    string
	Input           InputConfig
	// Assistant is the template for every conversation; ID is filled per conversation
	Assistant assistant.Config
	// Clock drives device contexts and file feeds; nil uses wall time
	Clock device.Clock
}

// Conversation is one managed assistant conversation
type Conversation struct {
	ID         string
	CreatedAt  time.Time
	Controller *assistant.Controller

	relayStreamID uint32
	relayBound    bool
	feed          device.Feed
	relay         *device.RelayFeed
	recorder      *device.Recorder
}

// ConversationInfo is the JSON view of a conversation
type ConversationInfo struct {
	assistant.Snapshot
	RelayStreamID *uint32                `json:"relay_stream_id,omitempty"`
	Relay         *device.RelayFeedStats `json:"relay,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// RelayStream describes an announced relay stream
type RelayStream struct {
	StreamID       uint32    `json:"stream_id"`
	ClientID       string    `json:"client_id"`
	SampleRate     uint32    `json:"sample_rate"`
	OpenedAt       time.Time `json:"opened_at"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// Info returns the conversation's current state
func (c *Conversation) Info() ConversationInfo {
	info := ConversationInfo{
		Snapshot:  c.Controller.Snapshot(),
		CreatedAt: c.CreatedAt,
	}
	if c.relayBound {
		id := c.relayStreamID
		info.RelayStreamID = &id
	}
	if c.relay != nil {
		stats := c.relay.GetStats()
		info.Relay = &stats
	}
	return info
}

// Recording returns the samples played to the user so far
func (c *Conversation) Recording() []int16 {
	return c.recorder.Samples()
}

// Manager owns all conversations
type Manager struct {
	cfg     ManagerConfig
	dialer  live.Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu            sync.RWMutex
	conversations map[string]*Conversation
	bindings      map[uint32]string
	relays        map[uint32]*RelayStream

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a conversation manager and starts its cleanup routine
func NewManager(logger *slog.Logger, dialer live.Dialer, cfg ManagerConfig, m *metrics.Metrics) (*Manager, error) {
	if dialer == nil {
		return nil, fmt.Errorf("live dialer is required")
	}
	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("max concurrent conversations must be at least 1, got %d", cfg.MaxConcurrent)
	}
	if cfg.Input.Source == "" {
		cfg.Input.Source = InputUDP
	}
	if cfg.Input.Source != InputUDP && cfg.Input.Source != InputWAV {
		return nil, fmt.Errorf("unknown input source %q", cfg.Input.Source)
	}
	if cfg.RelayMaxGap < 1 {
		cfg.RelayMaxGap = 8
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = device.NewRealClock()
	}
	if cfg.Assistant.InputSampleRate == 0 {
		cfg.Assistant.InputSampleRate = audio.InputSampleRate
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		cfg:           cfg,
		dialer:        dialer,
		logger:        logger.With(slog.String("component", "conversation_manager")),
		metrics:       m,
		conversations: make(map[string]*Conversation),
		bindings:      make(map[uint32]string),
		relays:        make(map[uint32]*RelayStream),
		ctx:           ctx,
		cancel:        cancel,
		cleanup:       make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// CreateConversation registers an idle conversation. With relayStreamID set, the
// conversation's microphone is fed by that relay stream.
func (m *Manager) CreateConversation(relayStreamID *uint32) (*Conversation, error) {
	if relayStreamID != nil && m.cfg.Input.Source != InputUDP {
		return nil, ErrNoRelayInput
	}

	id := uuid.NewString()
	conv := &Conversation{
		ID:        id,
		CreatedAt: time.Now(),
	}

	switch m.cfg.Input.Source {
	case InputUDP:
		conv.relay = device.NewRelayFeed(m.cfg.RelayMaxGap)
		conv.feed = conv.relay
	case InputWAV:
		feed, err := device.LoadWAVFeed(m.cfg.Input.WAVPath, m.cfg.Assistant.InputSampleRate,
			m.cfg.Input.BlockSize, m.cfg.Input.Loop, m.cfg.Clock)
		if err != nil {
			return nil, fmt.Errorf("failed to load input file: %w", err)
		}
		conv.feed = feed
	}

	recordingPath := ""
	if m.cfg.RecordingDir != "" {
		recordingPath = filepath.Join(m.cfg.RecordingDir, id+".wav")
	}
	conv.recorder = device.NewRecorder(recordingPath)

	provider := device.NewVirtual(device.VirtualConfig{
		Clock:  m.cfg.Clock,
		Logger: m.logger,
		Feed:   conv.feed,
		Sink:   conv.recorder,
	})

	acfg := m.cfg.Assistant
	acfg.ID = id
	conv.Controller = assistant.New(provider, m.dialer, acfg, m.logger, m.metrics)

	m.mu.Lock()
	if len(m.conversations) >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	if relayStreamID != nil {
		if owner, bound := m.bindings[*relayStreamID]; bound {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: stream %d feeds conversation %s", ErrStreamBound, *relayStreamID, owner)
		}
		conv.relayStreamID = *relayStreamID
		conv.relayBound = true
		m.bindings[*relayStreamID] = id
		if relay, ok := m.relays[*relayStreamID]; ok {
			relay.ConversationID = id
		}
	}
	m.conversations[id] = conv
	count := len(m.conversations)
	m.mu.Unlock()

	m.metrics.SetActiveConversations(count)
	m.logger.Info("Conversation created",
		slog.String("conversation_id", id),
		slog.String("input", m.cfg.Input.Source),
		slog.Bool("relay_bound", conv.relayBound),
		slog.Int("active_conversations", count),
	)

	return conv, nil
}

// StartConversation creates a conversation and starts it. A conversation whose
// start failed is kept so its user-visible error can be read; the start error
// is returned alongside it.
func (m *Manager) StartConversation(ctx context.Context, relayStreamID *uint32) (*Conversation, error) {
	conv, err := m.CreateConversation(relayStreamID)
	if err != nil {
		return nil, err
	}
	if err := conv.Controller.Start(ctx); err != nil {
		return conv, err
	}
	return conv, nil
}

// GetConversation retrieves a conversation
func (m *Manager) GetConversation(id string) (*Conversation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, exists := m.conversations[id]
	return conv, exists
}

// GetActiveConversationCount returns the number of managed conversations
func (m *Manager) GetActiveConversationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}

// GetAllConversations returns a snapshot of all conversations (for monitoring)
func (m *Manager) GetAllConversations() []*Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conversations := make([]*Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		conversations = append(conversations, conv)
	}

	return conversations
}

// StopConversation tears a conversation down and keeps it registered
func (m *Manager) StopConversation(id string) error {
	conv, ok := m.GetConversation(id)
	if !ok {
		return ErrSessionNotFound
	}
	conv.Controller.Stop()
	return nil
}

// RemoveConversation tears a conversation down and forgets it
func (m *Manager) RemoveConversation(id string) bool {
	m.mu.Lock()
	conv, exists := m.conversations[id]
	if !exists {
		m.mu.Unlock()
		return false
	}
	delete(m.conversations, id)
	if conv.relayBound && m.bindings[conv.relayStreamID] == id {
		delete(m.bindings, conv.relayStreamID)
		if relay, ok := m.relays[conv.relayStreamID]; ok {
			relay.ConversationID = ""
		}
	}
	count := len(m.conversations)
	m.mu.Unlock()

	m.finalize(conv)
	m.metrics.SetActiveConversations(count)

	m.logger.Info("Conversation removed",
		slog.String("conversation_id", id),
		slog.Duration("total_duration", time.Since(conv.CreatedAt)),
		slog.Int("active_conversations", count),
	)
	return true
}

func (m *Manager) finalize(conv *Conversation) {
	conv.Controller.Stop()
	if conv.relay != nil {
		conv.relay.Close()
	}
}

// OpenRelay records a relay stream announced by an open packet
func (m *Manager) OpenRelay(streamID uint32, clientID string, sampleRate uint32) error {
	if m.cfg.Input.Source != InputUDP {
		return ErrNoRelayInput
	}
	if want := m.cfg.Assistant.InputSampleRate; int(sampleRate) != want {
		return fmt.Errorf("relay stream %d announced %d Hz, expected %d Hz", streamID, sampleRate, want)
	}

	m.mu.Lock()
	relay := &RelayStream{
		StreamID:       streamID,
		ClientID:       clientID,
		SampleRate:     sampleRate,
		OpenedAt:       time.Now(),
		ConversationID: m.bindings[streamID],
	}
	_, reopened := m.relays[streamID]
	m.relays[streamID] = relay
	m.mu.Unlock()

	m.logger.Info("Relay stream opened",
		slog.Uint64("stream_id", uint64(streamID)),
		slog.String("client_id", clientID),
		slog.Bool("reopened", reopened),
		slog.String("conversation_id", relay.ConversationID),
	)
	return nil
}

// PushRelayAudio routes one relayed audio packet to its conversation
func (m *Manager) PushRelayAudio(streamID, sequence uint32, pcm []byte) error {
	m.mu.RLock()
	id, bound := m.bindings[streamID]
	conv := m.conversations[id]
	m.mu.RUnlock()

	if !bound || conv == nil || conv.relay == nil {
		return ErrUnknownStream
	}
	return conv.relay.PushPacket(sequence, pcm)
}

// CloseRelay ends a relay stream. The bound conversation's microphone stops
// receiving audio; the conversation itself stays up until stopped.
func (m *Manager) CloseRelay(streamID uint32) error {
	m.mu.Lock()
	_, announced := m.relays[streamID]
	delete(m.relays, streamID)
	id, bound := m.bindings[streamID]
	conv := m.conversations[id]
	m.mu.Unlock()

	if !announced && !bound {
		return ErrUnknownStream
	}
	if conv != nil && conv.relay != nil {
		conv.relay.Close()
	}

	m.logger.Info("Relay stream closed",
		slog.Uint64("stream_id", uint64(streamID)),
		slog.String("conversation_id", id),
	)
	return nil
}

// GetRelayStreams returns the announced relay streams
func (m *Manager) GetRelayStreams() []RelayStream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	relays := make([]RelayStream, 0, len(m.relays))
	for _, relay := range m.relays {
		relays = append(relays, *relay)
	}
	return relays
}

// Stop tears down every conversation concurrently and stops the cleanup routine
func (m *Manager) Stop() {
	m.logger.Info("Stopping conversation manager...")

	m.cancel()
	<-m.cleanup

	m.mu.Lock()
	conversations := make([]*Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		conversations = append(conversations, conv)
	}
	m.conversations = make(map[string]*Conversation)
	m.bindings = make(map[uint32]string)
	m.relays = make(map[uint32]*RelayStream)
	m.mu.Unlock()

	var g errgroup.Group
	for _, conv := range conversations {
		g.Go(func() error {
			m.finalize(conv)
			return nil
		})
	}
	_ = g.Wait()

	m.metrics.SetActiveConversations(0)
	m.logger.Info("Conversation manager stopped",
		slog.Int("stopped_conversations", len(conversations)),
	)
}

// startCleanupRoutine runs in a separate goroutine to remove idle conversations
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Conversation cleanup routine started",
		slog.Duration("idle_timeout", m.cfg.IdleTimeout),
		slog.Duration("check_interval", m.cfg.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Conversation cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupExpiredConversations(time.Now())
		}
	}
}

// cleanupExpiredConversations removes conversations idle for longer than the
// idle timeout and returns how many were removed
func (m *Manager) cleanupExpiredConversations(now time.Time) int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}

	expired := make([]string, 0)
	for _, conv := range m.GetAllConversations() {
		if now.Sub(conv.Controller.Snapshot().LastActivity) > m.cfg.IdleTimeout {
			expired = append(expired, conv.ID)
		}
	}

	if len(expired) > 0 {
		m.logger.Info("Cleaning up idle conversations",
			slog.Int("expired_count", len(expired)),
		)
		for _, id := range expired {
			m.RemoveConversation(id)
		}
	}
	return len(expired)
}
