package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// wavFormat is the fmt chunk body of a PCM WAV file
type wavFormat struct {
	AudioFormat   uint16 // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
}

// WAVInfo describes a decoded WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	NumSamples    uint32  `json:"num_samples"`
}

// EncodeWAV encodes mono PCM-16 samples into a WAV file image
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	dataSize := uint32(len(samples) * BytesPerSample)
	format := wavFormat{
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * BytesPerSample,
		BlockAlign:    BytesPerSample,
		BitsPerSample: 16,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+int(dataSize)))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36)+dataSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	if err := binary.Write(buf, binary.LittleEndian, format); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, dataSize)
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeWAV decodes a mono 16-bit PCM WAV image. Chunks other than fmt and data
// (LIST, fact, ...) are skipped.
func DecodeWAV(data []byte) ([]int16, *WAVInfo, error) {
	if len(data) < 12 {
		return nil, nil, fmt.Errorf("WAV data too short: need at least 12 bytes, got %d", len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return nil, nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return nil, nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	var format *wavFormat
	var pcm []byte
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			return nil, nil, fmt.Errorf("invalid WAV file: chunk %q overruns file", id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, nil, fmt.Errorf("invalid WAV file: fmt chunk too short (%d bytes)", size)
			}
			format = &wavFormat{}
			if err := binary.Read(bytes.NewReader(data[body:body+16]), binary.LittleEndian, format); err != nil {
				return nil, nil, fmt.Errorf("failed to read WAV format: %w", err)
			}
		case "data":
			pcm = data[body : body+size]
		}

		// Chunks are word aligned
		off = body + size + size%2
	}

	if format == nil {
		return nil, nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if pcm == nil {
		return nil, nil, fmt.Errorf("invalid WAV file: missing data chunk")
	}
	if format.AudioFormat != 1 {
		return nil, nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", format.AudioFormat)
	}
	if format.BitsPerSample != 16 {
		return nil, nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", format.BitsPerSample)
	}
	if format.NumChannels != 1 {
		return nil, nil, fmt.Errorf("unsupported channel count: %d (only mono is supported)", format.NumChannels)
	}
	if format.SampleRate == 0 {
		return nil, nil, fmt.Errorf("invalid sample rate: 0")
	}

	samples := BytesToInt16(pcm)
	info := &WAVInfo{
		SampleRate:    format.SampleRate,
		Channels:      format.NumChannels,
		BitsPerSample: format.BitsPerSample,
		NumSamples:    uint32(len(samples)),
		Duration:      float64(len(samples)) / float64(format.SampleRate),
	}
	return samples, info, nil
}

// WriteWAVFile encodes samples and writes them to path
func WriteWAVFile(path string, samples []int16, sampleRate int) error {
	data, err := EncodeWAV(samples, sampleRate)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write WAV file %s: %w", path, err)
	}
	return nil
}

// ReadWAVFile reads and decodes a WAV file from path
func ReadWAVFile(path string) ([]int16, *WAVInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read WAV file %s: %w", path, err)
	}
	return DecodeWAV(data)
}
