package live

import "strings"

// Gemini Live BidiGenerateContent messages

type setupMessage struct {
	Setup setupContent `json:"setup"`
}

type setupContent struct {
	Model             string           `json:"model"`
	GenerationConfig  generationConfig `json:"generationConfig"`
	SystemInstruction *wireContent     `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type wireContent struct {
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio *inlineData `json:"audio,omitempty"`
}

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	GoAway        *goAway        `json:"goAway,omitempty"`
}

type serverContent struct {
	ModelTurn    *wireContent `json:"modelTurn,omitempty"`
	TurnComplete bool         `json:"turnComplete,omitempty"`
	Interrupted  bool         `json:"interrupted,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

func modelPath(model string) string {
	if strings.HasPrefix(model, "models/") {
		return model
	}
	return "models/" + model
}

func newSetupMessage(cfg Config) setupMessage {
	msg := setupMessage{
		Setup: setupContent{
			Model: modelPath(cfg.Model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
					},
				},
			},
		},
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &wireContent{Parts: []wirePart{{Text: cfg.SystemInstruction}}}
	}
	return msg
}

// toMessage reports false for server messages that carry no turn content
func (m *serverMessage) toMessage() (Message, bool) {
	sc := m.ServerContent
	if sc == nil {
		return Message{}, false
	}

	msg := Message{Interrupted: sc.Interrupted, TurnComplete: sc.TurnComplete}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if isAudio(part.InlineData) {
				msg.Audio = append(msg.Audio, part.InlineData.Data)
			}
		}
	}
	return msg, true
}

func isAudio(d *inlineData) bool {
	return d != nil && (d.MimeType == "" || strings.HasPrefix(d.MimeType, "audio/"))
}
