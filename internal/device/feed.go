package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/skypro1111/voice-mentor/internal/audio"
)

// Feed is a source of microphone samples for virtual input streams
type Feed interface {
	// Attach starts delivering samples to push until detach is called
	Attach(push func(samples []float32)) (detach func(), err error)
}

var (
	// ErrFeedAttached is returned when a feed already has a consumer
	ErrFeedAttached = errors.New("feed already attached")
	// ErrFeedClosed is returned when attaching to a closed feed
	ErrFeedClosed = errors.New("feed closed")
)

// RelayFeed turns sequenced PCM-16 packets from the UDP relay into ordered float samples
type RelayFeed struct {
	jitter *audio.JitterBuffer

	mu        sync.Mutex
	push      func([]float32)
	closed    bool
	delivered uint64
}

// RelayFeedStats summarizes relay feed activity
type RelayFeedStats struct {
	Attached         bool              `json:"attached"`
	SamplesDelivered uint64            `json:"samples_delivered"`
	Jitter           audio.JitterStats `json:"jitter"`
}

// NewRelayFeed creates a relay feed reordering packets within maxGap
func NewRelayFeed(maxGap int) *RelayFeed {
	return &RelayFeed{jitter: audio.NewJitterBuffer(maxGap)}
}

// Attach implements Feed
func (f *RelayFeed) Attach(push func([]float32)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrFeedClosed
	}
	if f.push != nil {
		return nil, ErrFeedAttached
	}
	f.push = push

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.push = nil
			f.mu.Unlock()
		})
	}, nil
}

// PushPacket accepts one relayed packet. Packets that arrive with no consumer attached
// still advance the jitter buffer and are dropped.
func (f *RelayFeed) PushPacket(sequence uint32, pcm []byte) error {
	frames, err := f.jitter.Push(sequence, pcm)
	if err != nil {
		return err
	}

	f.mu.Lock()
	push := f.push
	closed := f.closed
	f.mu.Unlock()

	if closed || push == nil {
		return nil
	}
	for _, frame := range frames {
		samples := audio.Int16ToFloats(audio.BytesToInt16(frame))
		push(samples)

		f.mu.Lock()
		f.delivered += uint64(len(samples))
		f.mu.Unlock()
	}
	return nil
}

// Close detaches the consumer and rejects further attaches
func (f *RelayFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.push = nil
}

// GetStats returns feed statistics
func (f *RelayFeed) GetStats() RelayFeedStats {
	f.mu.Lock()
	stats := RelayFeedStats{Attached: f.push != nil, SamplesDelivered: f.delivered}
	f.mu.Unlock()
	stats.Jitter = f.jitter.GetStats()
	return stats
}

// WAVFeed replays a mono clip in fixed blocks paced by a Clock
type WAVFeed struct {
	samples    []float32
	sampleRate int
	blockSize  int
	loop       bool
	clock      Clock

	mu    sync.Mutex
	pos   int
	gen   uint64
	timer Timer
}

// NewWAVFeed creates a feed from decoded samples
func NewWAVFeed(samples []float32, sampleRate, blockSize int, loop bool, clock Clock) (*WAVFeed, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", sampleRate)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size: %d", blockSize)
	}
	if clock == nil {
		clock = NewRealClock()
	}
	return &WAVFeed{
		samples:    samples,
		sampleRate: sampleRate,
		blockSize:  blockSize,
		loop:       loop,
		clock:      clock,
	}, nil
}

// LoadWAVFeed reads a WAV file recorded at the expected input rate
func LoadWAVFeed(path string, expectedRate, blockSize int, loop bool, clock Clock) (*WAVFeed, error) {
	pcm, info, err := audio.ReadWAVFile(path)
	if err != nil {
		return nil, err
	}
	if int(info.SampleRate) != expectedRate {
		return nil, fmt.Errorf("input file %s is %d Hz, expected %d Hz", path, info.SampleRate, expectedRate)
	}
	return NewWAVFeed(audio.Int16ToFloats(pcm), expectedRate, blockSize, loop, clock)
}

// Attach implements Feed
func (f *WAVFeed) Attach(push func([]float32)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.timer != nil {
		return nil, ErrFeedAttached
	}
	f.gen++
	f.schedule(f.gen, push)

	gen := f.gen
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.gen != gen {
			return
		}
		f.gen++
		if f.timer != nil {
			f.timer.Stop()
			f.timer = nil
		}
	}, nil
}

func (f *WAVFeed) blockDuration() time.Duration {
	return time.Duration(f.blockSize) * time.Second / time.Duration(f.sampleRate)
}

// schedule must be called with f.mu held
func (f *WAVFeed) schedule(gen uint64, push func([]float32)) {
	f.timer = f.clock.AfterFunc(f.blockDuration(), func() {
		f.mu.Lock()
		if f.gen != gen {
			f.mu.Unlock()
			return
		}
		block := f.nextBlock()
		if block == nil {
			f.timer = nil
			f.mu.Unlock()
			return
		}
		f.schedule(gen, push)
		f.mu.Unlock()

		push(block)
	})
}

// nextBlock must be called with f.mu held
func (f *WAVFeed) nextBlock() []float32 {
	if f.pos >= len(f.samples) {
		if !f.loop || len(f.samples) == 0 {
			return nil
		}
		f.pos = 0
	}
	end := f.pos + f.blockSize
	if end > len(f.samples) {
		end = len(f.samples)
	}
	block := make([]float32, end-f.pos)
	copy(block, f.samples[f.pos:end])
	f.pos = end
	return block
}
