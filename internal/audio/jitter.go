package audio

import (
	"fmt"
	"sync"
	"time"
)

// DefaultMaxGap is how many missing packets the jitter buffer waits for before skipping
const DefaultMaxGap = 20

// JitterBuffer restores sequence order for relayed PCM packets. Packets that arrive
// early are held until the gap before them fills, or until the gap grows beyond
// maxGap, at which point the missing sequences are counted as lost and skipped.
type JitterBuffer struct {
	started     bool
	expectedSeq uint32
	pending     map[uint32][]byte
	maxGap      uint32

	// Statistics
	totalPackets uint64
	lostCount    uint64
	dropped      uint64
	lastUpdate   time.Time

	mu sync.Mutex
}

// JitterStats represents jitter buffer statistics
type JitterStats struct {
	TotalPackets uint64  `json:"total_packets"`
	LostPackets  uint64  `json:"lost_packets"`
	Dropped      uint64  `json:"dropped_packets"`
	Pending      int     `json:"pending_packets"`
	LossRate     float64 `json:"loss_rate"`
	ExpectedSeq  uint32  `json:"expected_seq"`
}

// NewJitterBuffer creates a jitter buffer; maxGap <= 0 uses DefaultMaxGap
func NewJitterBuffer(maxGap int) *JitterBuffer {
	if maxGap <= 0 {
		maxGap = DefaultMaxGap
	}
	return &JitterBuffer{
		pending: make(map[uint32][]byte),
		maxGap:  uint32(maxGap),
	}
}

// Push adds a packet and returns the payloads that are now releasable, in order
func (b *JitterBuffer) Push(sequence uint32, data []byte) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(data)%BytesPerSample != 0 {
		b.dropped++
		return nil, fmt.Errorf("audio data length must be even (got %d bytes)", len(data))
	}

	b.totalPackets++
	b.lastUpdate = time.Now()

	if !b.started {
		b.started = true
		b.expectedSeq = sequence
	}

	if sequence < b.expectedSeq {
		b.dropped++
		return nil, fmt.Errorf("ignoring old/duplicate packet: seq=%d, expected=%d", sequence, b.expectedSeq)
	}
	if _, dup := b.pending[sequence]; dup {
		b.dropped++
		return nil, fmt.Errorf("ignoring duplicate packet: seq=%d", sequence)
	}

	payload := make([]byte, len(data))
	copy(payload, data)
	b.pending[sequence] = payload

	var ready [][]byte
	for {
		ready = append(ready, b.drain()...)
		if len(b.pending) == 0 {
			break
		}
		if b.highestPending()-b.expectedSeq <= b.maxGap {
			break
		}
		// Gap is too wide to wait for
		next := b.lowestPending()
		b.lostCount += uint64(next - b.expectedSeq)
		b.expectedSeq = next
	}
	return ready, nil
}

// drain releases consecutive packets starting at expectedSeq
func (b *JitterBuffer) drain() [][]byte {
	var out [][]byte
	for {
		data, ok := b.pending[b.expectedSeq]
		if !ok {
			return out
		}
		out = append(out, data)
		delete(b.pending, b.expectedSeq)
		b.expectedSeq++
	}
}

func (b *JitterBuffer) lowestPending() uint32 {
	first := true
	var lowest uint32
	for seq := range b.pending {
		if first || seq < lowest {
			lowest = seq
			first = false
		}
	}
	return lowest
}

func (b *JitterBuffer) highestPending() uint32 {
	var highest uint32
	for seq := range b.pending {
		if seq > highest {
			highest = seq
		}
	}
	return highest
}

// GetStats returns current jitter buffer statistics
func (b *JitterBuffer) GetStats() JitterStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	lossRate := float64(0)
	if b.totalPackets > 0 {
		lossRate = float64(b.lostCount) / float64(b.totalPackets+b.lostCount) * 100
	}

	return JitterStats{
		TotalPackets: b.totalPackets,
		LostPackets:  b.lostCount,
		Dropped:      b.dropped,
		Pending:      len(b.pending),
		LossRate:     lossRate,
		ExpectedSeq:  b.expectedSeq,
	}
}

// GetLastUpdate returns the time of the last accepted packet
func (b *JitterBuffer) GetLastUpdate() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdate
}
