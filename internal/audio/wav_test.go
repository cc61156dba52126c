package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"
)

func TestEncodeDecodeWAV(t *testing.T) {
	// 440Hz sine for 0.1 seconds at the output rate
	sampleRate := OutputSampleRate
	numSamples := sampleRate / 10
	samples := make([]int16, numSamples)
	for i := range samples {
		tt := float64(i) / float64(sampleRate)
		samples[i] = int16(16383 * math.Sin(2*math.Pi*440*tt))
	}

	wavData, err := EncodeWAV(samples, sampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	if len(wavData) != 44+numSamples*2 {
		t.Errorf("Expected WAV size %d, got %d", 44+numSamples*2, len(wavData))
	}

	decoded, info, err := DecodeWAV(wavData)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	if info.SampleRate != uint32(sampleRate) {
		t.Errorf("Expected sample rate %d, got %d", sampleRate, info.SampleRate)
	}
	if info.Channels != 1 || info.BitsPerSample != 16 {
		t.Errorf("Expected mono 16-bit, got %d channels %d bits", info.Channels, info.BitsPerSample)
	}
	if math.Abs(info.Duration-0.1) > 0.001 {
		t.Errorf("Expected duration 0.100, got %.3f", info.Duration)
	}
	if len(decoded) != numSamples {
		t.Fatalf("Expected %d samples, got %d", numSamples, len(decoded))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Fatalf("Sample %d: expected %d, got %d", i, samples[i], decoded[i])
		}
	}
}

func TestDecodeWAVSkipsExtraChunks(t *testing.T) {
	wavData, err := EncodeWAV([]int16{1, -2, 3}, InputSampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	// Insert an odd-sized LIST chunk between fmt and data
	var withList bytes.Buffer
	withList.Write(wavData[:36])
	withList.WriteString("LIST")
	binary.Write(&withList, binary.LittleEndian, uint32(3))
	withList.Write([]byte{'a', 'b', 'c', 0})
	withList.Write(wavData[36:])

	samples, info, err := DecodeWAV(withList.Bytes())
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if info.SampleRate != InputSampleRate || len(samples) != 3 || samples[1] != -2 {
		t.Errorf("Unexpected decode result: %v %+v", samples, info)
	}
}

func TestEncodeWAVInvalidInput(t *testing.T) {
	if _, err := EncodeWAV([]int16{}, 8000); err == nil {
		t.Error("Expected error for empty samples")
	}
	if _, err := EncodeWAV([]int16{1, 2, 3}, 0); err == nil {
		t.Error("Expected error for zero sample rate")
	}
}

func TestDecodeWAVInvalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "too short", data: []byte{1, 2, 3}},
		{name: "bad riff", data: append([]byte("FAKE\x00\x00\x00\x00WAVE"), make([]byte, 32)...)},
		{name: "missing chunks", data: []byte("RIFF\x04\x00\x00\x00WAVE")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeWAV(tt.data); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestDecodeWAVRejectsStereo(t *testing.T) {
	wavData, _ := EncodeWAV([]int16{1, 2, 3, 4}, 16000)
	binary.LittleEndian.PutUint16(wavData[22:24], 2)

	if _, _, err := DecodeWAV(wavData); err == nil {
		t.Error("Expected error for stereo WAV")
	}
}

func TestWAVFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	if err := WriteWAVFile(path, []int16{10, 20, 30}, OutputSampleRate); err != nil {
		t.Fatalf("WriteWAVFile failed: %v", err)
	}

	samples, info, err := ReadWAVFile(path)
	if err != nil {
		t.Fatalf("ReadWAVFile failed: %v", err)
	}
	if len(samples) != 3 || info.SampleRate != OutputSampleRate {
		t.Errorf("Unexpected file contents: %v %+v", samples, info)
	}
}
