package live

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/skypro1111/voice-mentor/internal/audio"
)

// GenAIDialer opens sessions through the Google Gen AI SDK Live API
type GenAIDialer struct {
	client *genai.Client
	logger *slog.Logger
}

// NewGenAIDialer creates a Gemini API client with the given key
func NewGenAIDialer(ctx context.Context, apiKey string, logger *slog.Logger) (*GenAIDialer, error) {
	return newGenAIDialer(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}, logger)
}

func newGenAIDialer(ctx context.Context, cc *genai.ClientConfig, logger *slog.Logger) (*GenAIDialer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GenAIDialer{
		client: client,
		logger: logger.With("component", "live_genai"),
	}, nil
}

func liveConnectConfig(cfg Config) *genai.LiveConnectConfig {
	return &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: cfg.SystemInstruction}},
		},
	}
}

// Connect opens a Live session and waits for the server to confirm setup.
// The SDK only writes the setup message, so confirmation is read here.
func (d *GenAIDialer) Connect(ctx context.Context, cfg Config, cb Callbacks) (Session, error) {
	cfg = cfg.WithDefaults()

	session, err := d.client.Live.Connect(ctx, cfg.Model, liveConnectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect live session: %w", err)
	}
	if err := awaitSetupComplete(ctx, session); err != nil {
		session.Close()
		return nil, err
	}

	s := &genaiSession{session: session, cb: cb, logger: d.logger}

	d.logger.Info("Live session opened", "model", cfg.Model, "voice", cfg.Voice)
	cb.open(s)
	go s.receiveLoop()

	return s, nil
}

// awaitSetupComplete reads the first server message; ctx cancellation closes the session
func awaitSetupComplete(ctx context.Context, session *genai.Session) error {
	type result struct {
		msg *genai.LiveServerMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := session.Receive()
		done <- result{msg: msg, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("failed to receive setup response: %w", r.err)
		}
		if r.msg == nil || r.msg.SetupComplete == nil {
			return errors.New("unexpected setup response")
		}
		return nil
	case <-ctx.Done():
		session.Close()
		<-done
		return fmt.Errorf("setup not confirmed: %w", ctx.Err())
	}
}

type genaiSession struct {
	session *genai.Session
	cb      Callbacks
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool

	// the SDK writes to its websocket without locking
	writeMu sync.Mutex
}

func (s *genaiSession) SendAudio(blob audio.Blob) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	data, err := audio.DecodeTransport(blob.Data)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: data, MIMEType: blob.MIMEType},
	})
}

func (s *genaiSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *genaiSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.session.Close()
}

func (s *genaiSession) receiveLoop() {
	for {
		msg, err := s.session.Receive()
		if err != nil {
			s.finish(err)
			return
		}

		if m, ok := fromLiveServerMessage(msg); ok {
			s.cb.message(m)
		}
	}
}

// finish reports how the read side ended
func (s *genaiSession) finish(err error) {
	if s.isClosed() {
		s.cb.closed("closed by client")
		return
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.session.Close()

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
		s.cb.closed(closeErr.Text)
		return
	}

	s.logger.Error("Live session receive failed", "error", err)
	s.cb.fail(err)
}

func fromLiveServerMessage(msg *genai.LiveServerMessage) (Message, bool) {
	if msg == nil || msg.ServerContent == nil {
		return Message{}, false
	}

	sc := msg.ServerContent
	m := Message{Interrupted: sc.Interrupted, TurnComplete: sc.TurnComplete}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil {
				continue
			}
			mime := part.InlineData.MIMEType
			if mime != "" && !strings.HasPrefix(mime, "audio/") {
				continue
			}
			m.Audio = append(m.Audio, base64.StdEncoding.EncodeToString(part.InlineData.Data))
		}
	}
	return m, true
}
