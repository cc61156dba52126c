package live

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/voice-mentor/internal/audio"
)

// DefaultEndpoint is the Gemini Live BidiGenerateContent websocket endpoint
const DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

const (
	DefaultDialTimeout       = 10 * time.Second
	DefaultSetupTimeout      = 10 * time.Second
	DefaultWriteWait         = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxMessageSize    = 16 * 1024 * 1024
	DefaultRetryBackoffBase  = 500 * time.Millisecond
	DefaultRetryBackoffMax   = 5 * time.Second
	closeGracePeriod         = 2 * time.Second
)

// WebSocketConfig configures the websocket transport
type WebSocketConfig struct {
	Endpoint          string
	APIKey            string
	DialTimeout       time.Duration
	SetupTimeout      time.Duration
	WriteWait         time.Duration
	HeartbeatInterval time.Duration
	MaxMessageSize    int64
	// MaxRetries is the number of dial attempts; 1 disables retry
	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
	Logger           *slog.Logger
}

func (c *WebSocketConfig) defaults() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = DefaultSetupTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = DefaultRetryBackoffBase
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = DefaultRetryBackoffMax
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// WebSocketDialer speaks the Gemini Live JSON protocol directly over a websocket
type WebSocketDialer struct {
	cfg    WebSocketConfig
	logger *slog.Logger
}

// NewWebSocketDialer creates a dialer
func NewWebSocketDialer(cfg WebSocketConfig) *WebSocketDialer {
	cfg.defaults()
	return &WebSocketDialer{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "live_websocket"),
	}
}

// Connect dials, sends the setup message and waits for setupComplete
func (d *WebSocketDialer) Connect(ctx context.Context, cfg Config, cb Callbacks) (Session, error) {
	cfg = cfg.WithDefaults()

	conn, err := d.dialWithRetry(ctx)
	if err != nil {
		return nil, err
	}

	if err := d.setup(ctx, conn, cfg); err != nil {
		conn.Close()
		return nil, err
	}

	s := &wsSession{
		conn:      conn,
		cb:        cb,
		logger:    d.logger,
		writeWait: d.cfg.WriteWait,
		done:      make(chan struct{}),
	}

	d.logger.Info("Live session opened", "model", cfg.Model, "voice", cfg.Voice)
	cb.open(s)

	go s.receiveLoop()
	go s.heartbeatLoop(d.cfg.HeartbeatInterval)

	return s, nil
}

func (d *WebSocketDialer) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.DialTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}

	headers := http.Header{}
	if d.cfg.APIKey != "" {
		headers.Set("x-goog-api-key", d.cfg.APIKey)
	}

	conn, resp, err := dialer.DialContext(ctx, d.cfg.Endpoint, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	conn.SetReadLimit(d.cfg.MaxMessageSize)
	return conn, nil
}

func (d *WebSocketDialer) dialWithRetry(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	backoff := d.cfg.RetryBackoffBase

	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conn, err := d.dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		d.logger.Warn("Connection attempt failed",
			"attempt", attempt,
			"max_attempts", d.cfg.MaxRetries,
			"error", err)

		if attempt < d.cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(withJitter(backoff)):
			}
			backoff = min(backoff*2, d.cfg.RetryBackoffMax)
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", d.cfg.MaxRetries, lastErr)
}

// withJitter spreads a delay by up to 25% either way
func withJitter(delay time.Duration) time.Duration {
	jitter := (rand.Float64()*2 - 1) * 0.25
	return time.Duration(float64(delay) * (1 + jitter))
}

func (d *WebSocketDialer) setup(ctx context.Context, conn *websocket.Conn, cfg Config) error {
	data, err := json.Marshal(newSetupMessage(cfg))
	if err != nil {
		return fmt.Errorf("failed to marshal setup message: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(d.cfg.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send setup message: %w", err)
	}

	deadline := time.Now().Add(d.cfg.SetupTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to receive setup response: %w", err)
	}

	var resp serverMessage
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("failed to decode setup response: %w", err)
	}
	if resp.SetupComplete == nil {
		return fmt.Errorf("unexpected setup response: %s", truncate(raw, 200))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

type wsSession struct {
	conn      *websocket.Conn
	cb        Callbacks
	logger    *slog.Logger
	writeWait time.Duration

	mu      sync.Mutex
	writeMu sync.Mutex
	closed  bool
	done    chan struct{}
}

func (s *wsSession) SendAudio(blob audio.Blob) error {
	data, err := json.Marshal(realtimeInputMessage{
		RealtimeInput: realtimeInput{Audio: &inlineData{MimeType: blob.MIMEType, Data: blob.Data}},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal audio: %w", err)
	}
	return s.write(websocket.TextMessage, data)
}

func (s *wsSession) write(messageType int, data []byte) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (s *wsSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *wsSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.SetWriteDeadline(time.Now().Add(closeGracePeriod))
	s.conn.WriteMessage(websocket.CloseMessage, msg)
	s.writeMu.Unlock()

	return s.conn.Close()
}

func (s *wsSession) receiveLoop() {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("Dropping undecodable server message", "error", err)
			continue
		}
		if msg.GoAway != nil {
			s.logger.Info("Server announced disconnect", "time_left", msg.GoAway.TimeLeft)
		}

		if m, ok := msg.toMessage(); ok {
			s.cb.message(m)
		}
	}
}

// finish reports how the read side ended
func (s *wsSession) finish(err error) {
	if s.isClosed() {
		s.cb.closed("closed by client")
		return
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
		s.markClosed()
		s.conn.Close()
		s.cb.closed(closeErr.Text)
		return
	}

	s.logger.Error("Live session read failed", "error", err)
	s.markClosed()
	s.conn.Close()
	s.cb.fail(err)
}

func (s *wsSession) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

func (s *wsSession) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("Ping failed", "error", err)
				return
			}
		}
	}
}
