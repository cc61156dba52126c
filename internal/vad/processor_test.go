package vad

import (
	"math"
	"testing"
)

func TestNewProcessorValidation(t *testing.T) {
	tests := []struct {
		name      string
		threshold float32
		expectErr bool
	}{
		{name: "valid threshold", threshold: 0.5},
		{name: "zero threshold", threshold: 0},
		{name: "negative threshold", threshold: -0.1, expectErr: true},
		{name: "threshold above one", threshold: 1.5, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProcessor(tt.threshold)
			if tt.expectErr && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestRMS(t *testing.T) {
	if RMS(nil) != 0 {
		t.Error("Expected zero RMS for empty input")
	}

	got := RMS([]float32{0.5, -0.5, 0.5, -0.5})
	if math.Abs(float64(got)-0.5) > 1e-6 {
		t.Errorf("Expected RMS 0.5, got %f", got)
	}
}

func TestProcessSilenceAndVoice(t *testing.T) {
	processor, err := NewProcessor(0.3)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	silence := make([]float32, 4096)
	if result := processor.Process(silence); result.HasVoice {
		t.Error("Expected no voice for silence")
	}

	loud := make([]float32, 4096)
	for i := range loud {
		loud[i] = float32(0.4 * math.Sin(float64(i)/8))
	}
	// Smoothing needs a couple of frames to rise above threshold
	processor.Process(loud)
	result := processor.Process(loud)
	if !result.HasVoice {
		t.Errorf("Expected voice for loud frames, level %f", result.Level)
	}

	stats := processor.GetStats()
	if stats.TotalFrames != 3 {
		t.Errorf("Expected 3 frames, got %d", stats.TotalFrames)
	}
	if stats.VoiceFrames == 0 {
		t.Error("Expected at least one voice frame")
	}

	processor.Reset()
	if processor.GetStats().TotalFrames != 0 {
		t.Error("Expected stats to be cleared after reset")
	}
}
