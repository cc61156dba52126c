// Package live connects to a remote real-time speech model. A Dialer performs the
// handshake and returns a Session that accepts microphone audio and reports server
// messages, errors and closure through Callbacks.
package live

import (
	"context"
	"errors"

	"github.com/skypro1111/voice-mentor/internal/audio"
)

const (
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice = "Zephyr"

	DefaultSystemInstruction = "You are the GameSci Voice Mentor. You speak to students about Class 9 Science. " +
		"ALWAYS use video game analogies. Keep responses relatively concise as this is a voice conversation. " +
		"Be encouraging and energetic."
)

// ErrSessionClosed is returned when sending on a closed session
var ErrSessionClosed = errors.New("live session closed")

// Config selects the model and persona for a session
type Config struct {
	Model             string
	Voice             string
	SystemInstruction string
}

// WithDefaults fills empty fields
func (c Config) WithDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.SystemInstruction == "" {
		c.SystemInstruction = DefaultSystemInstruction
	}
	return c
}

// Message is one server message reduced to what the assistant acts on
type Message struct {
	// Audio holds base64 PCM parts of the model turn, in order
	Audio        []string
	Interrupted  bool
	TurnComplete bool
}

// HasAudio reports whether the message carries a non-empty first audio part
func (m Message) HasAudio() bool {
	return len(m.Audio) > 0 && m.Audio[0] != ""
}

// Callbacks receive session events on a single goroutine. OnOpen runs before
// any OnMessage. A session ends with exactly one of OnClose or OnError.
type Callbacks struct {
	OnOpen    func(s Session)
	OnMessage func(msg Message)
	OnError   func(err error)
	OnClose   func(reason string)
}

func (cb Callbacks) open(s Session) {
	if cb.OnOpen != nil {
		cb.OnOpen(s)
	}
}

func (cb Callbacks) message(msg Message) {
	if cb.OnMessage != nil {
		cb.OnMessage(msg)
	}
}

func (cb Callbacks) fail(err error) {
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

func (cb Callbacks) closed(reason string) {
	if cb.OnClose != nil {
		cb.OnClose(reason)
	}
}

// Session is an open remote conversation
type Session interface {
	SendAudio(blob audio.Blob) error
	// Close ends the session; calling it again returns nil
	Close() error
}

// Dialer opens sessions
type Dialer interface {
	Connect(ctx context.Context, cfg Config, cb Callbacks) (Session, error)
}
