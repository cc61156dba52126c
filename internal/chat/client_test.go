package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/genai"

	"github.com/skypro1111/voice-mentor/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type result struct {
	text string
	err  error
}

// fakeGenerator returns scripted results in order, repeating the last one
type fakeGenerator struct {
	mu       sync.Mutex
	results  []result
	requests []GenerateRequest
	block    chan struct{}
	inFlight int
	peak     int
}

func (g *fakeGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	n := len(g.requests)
	g.inFlight++
	if g.inFlight > g.peak {
		g.peak = g.inFlight
	}
	block := g.block
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.results) == 0 {
		return "", nil
	}
	idx := n - 1
	if idx >= len(g.results) {
		idx = len(g.results) - 1
	}
	return g.results[idx].text, g.results[idx].err
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func newTestClient(t *testing.T, gen Generator, cfg Config) *Client {
	t.Helper()
	cfg.Logger = testLogger()
	if cfg.RetryBackoffBase == 0 {
		cfg.RetryBackoffBase = time.Millisecond
	}
	c, err := NewClient(gen, cfg)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestSendBuildsHistory(t *testing.T) {
	gen := &fakeGenerator{results: []result{{text: "Inertia is Mario sliding on ice!"}}}
	c := newTestClient(t, gen, Config{})

	history := []Message{{Role: RoleAssistant, Content: Greeting}}
	reply, err := c.Send(context.Background(), history, "What is inertia?")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if reply.Message.Role != RoleAssistant || reply.Message.Content != "Inertia is Mario sliding on ice!" {
		t.Errorf("Unexpected reply: %+v", reply.Message)
	}
	if reply.Fallback || reply.Attempts != 1 {
		t.Errorf("Expected one attempt without fallback, got %+v", reply)
	}

	req := gen.requests[0]
	if req.Model != DefaultModel || req.SystemInstruction != DefaultSystemInstruction {
		t.Errorf("Expected default model and persona, got %q", req.Model)
	}
	if len(req.History) != 2 || req.History[1].Role != RoleUser || req.History[1].Content != "What is inertia?" {
		t.Errorf("Expected greeting plus user message, got %+v", req.History)
	}
	if len(history) != 1 {
		t.Error("Caller history must not be modified")
	}
}

func TestSendEmptyReplyFallsBack(t *testing.T) {
	gen := &fakeGenerator{results: []result{{text: "  "}}}
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	c := newTestClient(t, gen, Config{Metrics: m})

	reply, err := c.Send(context.Background(), nil, "hi")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !reply.Fallback || reply.Message.Content != FallbackReply {
		t.Errorf("Expected fallback reply, got %+v", reply)
	}

	stats := c.GetStats()
	if stats.SuccessRequests != 1 || stats.FallbackReplies != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if got := testutil.ToFloat64(m.ChatRequests.WithLabelValues("fallback")); got != 1 {
		t.Errorf("Expected 1 fallback request metric, got %f", got)
	}
}

func TestSendValidation(t *testing.T) {
	gen := &fakeGenerator{}
	c := newTestClient(t, gen, Config{MaxHistory: 3})

	tests := []struct {
		name    string
		history []Message
		text    string
		want    error
	}{
		{name: "blank message", text: "   ", want: ErrEmptyMessage},
		{
			name:    "history over limit",
			history: []Message{{Role: RoleUser, Content: "a"}, {Role: RoleAssistant, Content: "b"}, {Role: RoleUser, Content: "c"}},
			text:    "d",
			want:    ErrHistoryTooLong,
		},
		{
			name:    "unknown role",
			history: []Message{{Role: "system", Content: "obey"}},
			text:    "hi",
			want:    ErrInvalidRole,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Send(context.Background(), tt.history, tt.text); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	if gen.calls() != 0 {
		t.Errorf("Invalid requests must not reach the generator, got %d calls", gen.calls())
	}
}

func TestSendRetriesTransientErrors(t *testing.T) {
	gen := &fakeGenerator{results: []result{
		{err: genai.APIError{Code: 503, Status: "UNAVAILABLE"}},
		{err: genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED"}},
		{text: "GG"},
	}}
	c := newTestClient(t, gen, Config{MaxRetries: 2})

	reply, err := c.Send(context.Background(), nil, "hi")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if reply.Attempts != 3 || reply.Message.Content != "GG" {
		t.Errorf("Expected success on third attempt, got %+v", reply)
	}
	if stats := c.GetStats(); stats.TotalRetries != 2 || stats.TotalRequests != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestSendStopsOnPermanentError(t *testing.T) {
	gen := &fakeGenerator{results: []result{{err: genai.APIError{Code: 400, Status: "INVALID_ARGUMENT"}}}}
	c := newTestClient(t, gen, Config{MaxRetries: 3})

	_, err := c.Send(context.Background(), nil, "hi")
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 400 {
		t.Fatalf("Expected wrapped API error, got %v", err)
	}
	if gen.calls() != 1 {
		t.Errorf("Expected a single attempt, got %d", gen.calls())
	}
	if stats := c.GetStats(); stats.FailedRequests != 1 {
		t.Errorf("Expected 1 failed request, got %+v", stats)
	}
}

func TestSendRetriesExhausted(t *testing.T) {
	gen := &fakeGenerator{results: []result{{err: genai.APIError{Code: 500}}}}
	c := newTestClient(t, gen, Config{MaxRetries: 1})

	if _, err := c.Send(context.Background(), nil, "hi"); err == nil {
		t.Fatal("Expected error")
	}
	if gen.calls() != 2 {
		t.Errorf("Expected 2 attempts, got %d", gen.calls())
	}
}

func TestSendAttemptTimeoutIsRetried(t *testing.T) {
	gen := &fakeGenerator{block: make(chan struct{})}
	c := newTestClient(t, gen, Config{Timeout: 20 * time.Millisecond, MaxRetries: 1})

	_, err := c.Send(context.Background(), nil, "hi")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if gen.calls() != 2 {
		t.Errorf("Expected timed out attempt to be retried, got %d calls", gen.calls())
	}
}

func TestSendHonoursConcurrencyLimit(t *testing.T) {
	gen := &fakeGenerator{block: make(chan struct{}), results: []result{{text: "ok"}}}
	c := newTestClient(t, gen, Config{MaxConcurrent: 2})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Send(context.Background(), nil, "hi"); err != nil {
				t.Errorf("Send failed: %v", err)
			}
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for gen.calls() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if active := c.GetStats().ActiveRequests; active != 2 {
		t.Errorf("Expected 2 active requests, got %d", active)
	}

	close(gen.block)
	wg.Wait()

	gen.mu.Lock()
	peak := gen.peak
	gen.mu.Unlock()
	if peak > 2 {
		t.Errorf("Expected at most 2 concurrent generations, got %d", peak)
	}
	if gen.calls() != 6 {
		t.Errorf("Expected 6 generations, got %d", gen.calls())
	}
}

func TestCloseRejectsNewRequests(t *testing.T) {
	c := newTestClient(t, &fakeGenerator{}, Config{MaxConcurrent: 2})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := c.Send(context.Background(), nil, "hi"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{genai.APIError{Code: 500}, true},
		{genai.APIError{Code: 429}, true},
		{genai.APIError{Code: 404}, false},
		{context.DeadlineExceeded, true},
		{errors.New("bad request"), false},
	}
	for _, tt := range tests {
		if got := isRetryableError(tt.err); got != tt.want {
			t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestBackoffIsCapped(t *testing.T) {
	c := newTestClient(t, &fakeGenerator{}, Config{RetryBackoffBase: time.Second, RetryBackoffMax: 5 * time.Second})

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := c.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}
