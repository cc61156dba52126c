package live

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSetupMessageShape(t *testing.T) {
	data, err := json.Marshal(newSetupMessage(Config{}.WithDefaults()))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
		} `json:"setup"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded.Setup.Model != "models/"+DefaultModel {
		t.Errorf("Unexpected model: %s", decoded.Setup.Model)
	}
	if m := decoded.Setup.GenerationConfig.ResponseModalities; len(m) != 1 || m[0] != "AUDIO" {
		t.Errorf("Expected AUDIO modality, got %v", m)
	}
	if v := decoded.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Zephyr" {
		t.Errorf("Expected voice Zephyr, got %s", v)
	}
	parts := decoded.Setup.SystemInstruction.Parts
	if len(parts) != 1 || !strings.Contains(parts[0].Text, "video game analogies") {
		t.Errorf("Unexpected system instruction: %+v", parts)
	}
}

func TestModelPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"gemini-live", "models/gemini-live"},
		{"models/gemini-live", "models/gemini-live"},
	}
	for _, tt := range tests {
		if got := modelPath(tt.in); got != tt.want {
			t.Errorf("modelPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestServerMessageToMessage(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantOK      bool
		wantAudio   int
		interrupted bool
		complete    bool
	}{
		{"setup complete", `{"setupComplete":{}}`, false, 0, false, false},
		{"audio turn", `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAA="}},{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AQE="}}]}}}`, true, 2, false, false},
		{"text only", `{"serverContent":{"modelTurn":{"parts":[{"text":"hi"}]}}}`, true, 0, false, false},
		{"interrupted", `{"serverContent":{"interrupted":true}}`, true, 0, true, false},
		{"turn complete", `{"serverContent":{"turnComplete":true}}`, true, 0, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sm serverMessage
			if err := json.Unmarshal([]byte(tt.raw), &sm); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			msg, ok := sm.toMessage()
			if ok != tt.wantOK {
				t.Fatalf("Expected ok=%v, got %v", tt.wantOK, ok)
			}
			if len(msg.Audio) != tt.wantAudio {
				t.Errorf("Expected %d audio parts, got %d", tt.wantAudio, len(msg.Audio))
			}
			if msg.Interrupted != tt.interrupted || msg.TurnComplete != tt.complete {
				t.Errorf("Unexpected flags: %+v", msg)
			}
			if msg.HasAudio() != (tt.wantAudio > 0) {
				t.Errorf("HasAudio mismatch for %+v", msg)
			}
		})
	}
}
