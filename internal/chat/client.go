package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/skypro1111/voice-mentor/internal/metrics"
)

const (
	DefaultModel = "gemini-3-flash-preview"

	DefaultSystemInstruction = "You are GameSci Bot, a fun teacher who explains Class 9 Science concepts ONLY using " +
		"popular video games (Minecraft, Mario, Fortnite, Zelda, Portal, Halo, etc.). Be educational but high-energy. " +
		"Focus on NCERT concepts: Matter, Atoms, Molecules, Motion, Forces, Gravitation, Energy, Sound, Cells, " +
		"Tissues, Natural Resources. Use gamer lingo appropriately."

	// Greeting opens every conversation as the first assistant message
	Greeting = "Ready for your science mission? I'm your GameSci mentor. Ask me about any Class 9 Science concept, " +
		"and I'll explain it using video games! Want to know how Minecraft relates to Atoms? Or how Mario handles Inertia?"

	// FallbackReply stands in for an empty model reply
	FallbackReply = "Sorry, I lagged out. Try again?"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrHistoryTooLong = errors.New("history exceeds the message limit")
	ErrInvalidRole    = errors.New("invalid message role")
	ErrClosed         = errors.New("chat client closed")
)

// Message is one turn of a text conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest is a single generation call
type GenerateRequest struct {
	Model             string
	SystemInstruction string
	History           []Message
}

// Generator produces one model reply for a history ending in a user message
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// Config contains chat client configuration
type Config struct {
	Model             string
	SystemInstruction string
	Timeout           time.Duration // per attempt
	MaxRetries        int
	MaxConcurrent     int
	MaxHistory        int
	RetryBackoffBase  time.Duration
	RetryBackoffMax   time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
}

func (c *Config) defaults() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.SystemInstruction == "" {
		c.SystemInstruction = DefaultSystemInstruction
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 50
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = time.Second
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Reply is the assistant answer to one request
type Reply struct {
	Message  Message `json:"message"`
	Fallback bool    `json:"fallback"`
	Attempts int     `json:"attempts"`
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	FallbackReplies uint64        `json:"fallback_replies"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// Client sends chat requests to a Generator
type Client struct {
	config    Config
	generator Generator
	semaphore chan struct{}
	logger    *slog.Logger

	mu              sync.RWMutex
	closed          bool
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	fallbackReplies uint64
	totalRetries    uint64
	avgResponseTime time.Duration
}

// NewClient creates a chat client
func NewClient(generator Generator, config Config) (*Client, error) {
	if generator == nil {
		return nil, fmt.Errorf("generator cannot be nil")
	}
	config.defaults()

	return &Client{
		config:    config,
		generator: generator,
		semaphore: make(chan struct{}, config.MaxConcurrent),
		logger:    config.Logger.With("component", "chat"),
	}, nil
}

// Model returns the text model requests are sent to
func (c *Client) Model() string {
	return c.config.Model
}

// Send asks the model for the next assistant message. history holds the
// conversation so far, oldest first; text is the new user message.
func (c *Client) Send(ctx context.Context, history []Message, text string) (*Reply, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	if len(history)+1 > c.config.MaxHistory {
		return nil, fmt.Errorf("%w: %d messages, limit %d", ErrHistoryTooLong, len(history)+1, c.config.MaxHistory)
	}
	for i, m := range history {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return nil, fmt.Errorf("%w: message %d has role %q", ErrInvalidRole, i, m.Role)
		}
	}

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	// Acquire semaphore for rate limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.RLock()
	closed = c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	startTime := time.Now()
	c.incrementTotalRequests()

	req := GenerateRequest{
		Model:             c.config.Model,
		SystemInstruction: c.config.SystemInstruction,
		History:           make([]Message, 0, len(history)+1),
	}
	req.History = append(req.History, history...)
	req.History = append(req.History, Message{Role: RoleUser, Content: text})

	var lastErr error
	attempts := 0

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			c.config.Metrics.RecordChatRetry()

			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				c.finishFailed(startTime)
				return nil, ctx.Err()
			}
		}

		attempts++
		reply, err := c.generate(ctx, req)
		if err == nil {
			return c.finishOK(startTime, reply, attempts), nil
		}

		lastErr = err
		if ctx.Err() != nil || !isRetryableError(err) {
			break
		}
		c.logger.Warn("Chat generation failed, retrying",
			slog.Int("attempt", attempts),
			slog.String("error", err.Error()),
		)
	}

	c.finishFailed(startTime)
	return nil, fmt.Errorf("chat failed after %d attempts: %w", attempts, lastErr)
}

func (c *Client) generate(ctx context.Context, req GenerateRequest) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	return c.generator.Generate(attemptCtx, req)
}

// backoff doubles from the base delay for each retry, up to the maximum
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.config.RetryBackoffBase << (attempt - 1)
	if delay <= 0 || delay > c.config.RetryBackoffMax {
		delay = c.config.RetryBackoffMax
	}
	return delay
}

func (c *Client) finishOK(startTime time.Time, text string, attempts int) *Reply {
	elapsed := time.Since(startTime)
	fallback := strings.TrimSpace(text) == ""
	if fallback {
		text = FallbackReply
	}

	c.mu.Lock()
	c.successRequests++
	if fallback {
		c.fallbackReplies++
	}
	c.updateAvgResponseTimeLocked(elapsed)
	c.mu.Unlock()

	result := "ok"
	if fallback {
		result = "fallback"
	}
	c.config.Metrics.RecordChatRequest(result, elapsed.Seconds())

	return &Reply{
		Message:  Message{Role: RoleAssistant, Content: text},
		Fallback: fallback,
		Attempts: attempts,
	}
}

func (c *Client) finishFailed(startTime time.Time) {
	c.mu.Lock()
	c.failedRequests++
	c.mu.Unlock()
	c.config.Metrics.RecordChatRequest("error", time.Since(startTime).Seconds())
}

// isRetryableError reports whether another attempt may succeed: rate limiting,
// server errors, per-attempt timeouts and network failures
func isRetryableError(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTimeLocked(responseTime time.Duration) {
	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		FallbackReplies: c.fallbackReplies,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close rejects new requests and waits for active ones until ctx is done
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	// Wait for all active requests to complete
	for i := 0; i < c.config.MaxConcurrent; i++ {
		select {
		case c.semaphore <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
