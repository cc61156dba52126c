package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Sample rates and sizes used on the wire
const (
	InputSampleRate  = 16000 // captured microphone audio
	OutputSampleRate = 24000 // audio returned by the live session
	BytesPerSample   = 2     // 16-bit linear PCM

	// pcmScale maps [-1, 1] onto the int16 range
	pcmScale = 32768.0
)

var (
	// ErrOddLength is returned when a PCM payload does not hold whole 16-bit samples
	ErrOddLength = errors.New("pcm payload length is not a multiple of the sample size")
	// ErrEmptyPayload is returned when there is no audio to decode
	ErrEmptyPayload = errors.New("empty audio payload")
)

// Blob is the transport form of a PCM frame: base64 of little-endian 16-bit samples
type Blob struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

// Buffer is a decoded, playable block of audio. Channels holds one slice of
// normalized samples per channel, all of equal length.
type Buffer struct {
	SampleRate int
	Channels   [][]float32
}

// Length returns the number of sample frames in the buffer
func (b *Buffer) Length() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// NumberOfChannels returns the channel count
func (b *Buffer) NumberOfChannels() int {
	if b == nil {
		return 0
	}
	return len(b.Channels)
}

// Duration returns the playback length in seconds
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Length()) / float64(b.SampleRate)
}

// DurationTime returns the playback length as a time.Duration
func (b *Buffer) DurationTime() time.Duration {
	return time.Duration(b.Duration() * float64(time.Second))
}

// PCMMimeType returns the MIME type the live service expects for raw PCM at rate
func PCMMimeType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// FloatToInt16 scales a normalized sample to 16-bit, clamping out-of-range input
func FloatToInt16(s float32) int16 {
	v := math.Round(float64(s) * pcmScale)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Int16ToFloat converts a 16-bit sample to the normalized [-1, 1) range
func Int16ToFloat(s int16) float32 {
	return float32(s) / pcmScale
}

// PackPCM16 converts normalized samples to little-endian 16-bit PCM bytes
func PackPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(FloatToInt16(s)))
	}
	return out
}

// Encode converts captured samples into the transport blob sent to the live session.
// It is pure and deterministic.
func Encode(samples []float32) Blob {
	return Blob{
		Data:     base64.StdEncoding.EncodeToString(PackPCM16(samples)),
		MIMEType: PCMMimeType(InputSampleRate),
	}
}

// DecodeTransport reverses only the base64 step of the transport encoding
func DecodeTransport(data string) ([]byte, error) {
	if data == "" {
		return nil, ErrEmptyPayload
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 audio: %w", err)
	}
	return raw, nil
}

// DecodeToPlayable reinterprets raw bytes as interleaved 16-bit PCM and builds a
// playable buffer. Malformed input (empty, or not a whole number of sample frames)
// returns an error rather than silence.
func DecodeToPlayable(data []byte, sampleRate, numChannels int) (*Buffer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if numChannels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", numChannels)
	}
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(data)%BytesPerSample != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddLength, len(data))
	}

	total := len(data) / BytesPerSample
	if total%numChannels != 0 {
		return nil, fmt.Errorf("%d samples do not divide into %d channels", total, numChannels)
	}
	frames := total / numChannels

	buf := &Buffer{
		SampleRate: sampleRate,
		Channels:   make([][]float32, numChannels),
	}
	for ch := 0; ch < numChannels; ch++ {
		channel := make([]float32, frames)
		for i := 0; i < frames; i++ {
			off := (i*numChannels + ch) * BytesPerSample
			channel[i] = Int16ToFloat(int16(binary.LittleEndian.Uint16(data[off:])))
		}
		buf.Channels[ch] = channel
	}
	return buf, nil
}

// DecodeBlob runs both decode steps for an inbound base64 payload
func DecodeBlob(data string, sampleRate, numChannels int) (*Buffer, error) {
	raw, err := DecodeTransport(data)
	if err != nil {
		return nil, err
	}
	return DecodeToPlayable(raw, sampleRate, numChannels)
}

// BytesToInt16 converts little-endian PCM bytes to samples, ignoring a trailing odd byte
func BytesToInt16(data []byte) []int16 {
	n := len(data) / BytesPerSample
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
	}
	return out
}

// Int16ToFloats converts 16-bit samples to normalized floats
func Int16ToFloats(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = Int16ToFloat(s)
	}
	return out
}

// FloatsToInt16 converts normalized floats to clamped 16-bit samples
func FloatsToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = FloatToInt16(s)
	}
	return out
}
