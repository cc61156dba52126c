package live

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/skypro1111/voice-mentor/internal/audio"
)

func newTestGenAIDialer(t *testing.T, url string) *GenAIDialer {
	t.Helper()
	d, err := newGenAIDialer(context.Background(), &genai.ClientConfig{
		APIKey:  "test-key",
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    url,
			APIVersion: "v1beta",
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create dialer: %v", err)
	}
	return d
}

func TestLiveConnectConfig(t *testing.T) {
	cfg := liveConnectConfig(Config{}.WithDefaults())

	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != genai.ModalityAudio {
		t.Errorf("Expected audio modality, got %v", cfg.ResponseModalities)
	}
	if cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != DefaultVoice {
		t.Errorf("Unexpected voice: %s", cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName)
	}
	if cfg.SystemInstruction.Parts[0].Text != DefaultSystemInstruction {
		t.Error("Expected default system instruction")
	}
}

func TestFromLiveServerMessage(t *testing.T) {
	if _, ok := fromLiveServerMessage(&genai.LiveServerMessage{}); ok {
		t.Error("Message without server content should be skipped")
	}

	msg, ok := fromLiveServerMessage(&genai.LiveServerMessage{
		ServerContent: &genai.LiveServerContent{
			ModelTurn: &genai.Content{Parts: []*genai.Part{
				{Text: "thinking"},
				{InlineData: &genai.Blob{Data: []byte{0, 0, 1, 0}, MIMEType: "audio/pcm;rate=24000"}},
			}},
			TurnComplete: true,
		},
	})
	if !ok {
		t.Fatal("Expected message")
	}
	if len(msg.Audio) != 1 || msg.Audio[0] != "AAABAA==" {
		t.Errorf("Unexpected audio parts: %v", msg.Audio)
	}
	if !msg.TurnComplete || msg.Interrupted {
		t.Errorf("Unexpected flags: %+v", msg)
	}
}

func TestGenAIConcurrentSends(t *testing.T) {
	var srv *fakeLiveServer
	srv = newFakeLiveServer(t, `{"setupComplete":{}}`, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			srv.record(data)
		}
	})

	events := newEventLog()
	session, err := newTestGenAIDialer(t, srv.wsURL()).Connect(context.Background(), Config{}, events.callbacks())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	const senders, perSender = 32, 20
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				if err := session.SendAudio(audio.Encode(make([]float32, 1024))); err != nil {
					t.Errorf("SendAudio failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for srv.receivedCount() < senders*perSender && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := srv.receivedCount(); got != senders*perSender {
		t.Errorf("Expected %d audio messages, got %d", senders*perSender, got)
	}

	session.Close()
	got := events.wait(t)
	if got[0] != "open" || got[len(got)-1] != "close" {
		t.Errorf("Expected [open ... close], got %v", got)
	}
}

func TestGenAIServerNormalClose(t *testing.T) {
	srv := newFakeLiveServer(t, `{"setupComplete":{}}`, func(conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session over")
		conn.WriteMessage(websocket.CloseMessage, msg)
		time.Sleep(100 * time.Millisecond)
	})

	var (
		mu     sync.Mutex
		reason string
	)
	events := newEventLog()
	cb := events.callbacks()
	onClose := cb.OnClose
	cb.OnClose = func(r string) {
		mu.Lock()
		reason = r
		mu.Unlock()
		onClose(r)
	}

	if _, err := newTestGenAIDialer(t, srv.wsURL()).Connect(context.Background(), Config{}, cb); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	got := events.wait(t)
	if got[len(got)-1] != "close" {
		t.Errorf("Expected session to end with close, got %v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if reason != "session over" {
		t.Errorf("Expected close reason %q, got %q", "session over", reason)
	}
}

func TestGenAIServerDropIsError(t *testing.T) {
	srv := newFakeLiveServer(t, `{"setupComplete":{}}`, func(conn *websocket.Conn) {
		conn.UnderlyingConn().Close()
	})

	events := newEventLog()
	if _, err := newTestGenAIDialer(t, srv.wsURL()).Connect(context.Background(), Config{}, events.callbacks()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	got := events.wait(t)
	if got[len(got)-1] != "error" {
		t.Errorf("Expected session to end with error, got %v", got)
	}
}

func TestGenAIWaitsForSetupComplete(t *testing.T) {
	srv := newFakeLiveServer(t, `{"serverContent":{"turnComplete":true}}`, nil)

	opened := false
	cb := Callbacks{OnOpen: func(Session) { opened = true }}
	if _, err := newTestGenAIDialer(t, srv.wsURL()).Connect(context.Background(), Config{}, cb); err == nil {
		t.Fatal("Expected setup error")
	}
	if opened {
		t.Error("OnOpen should not run before setup is confirmed")
	}
}
