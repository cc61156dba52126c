package assistant

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/voice-mentor/internal/audio"
	"github.com/skypro1111/voice-mentor/internal/device"
	"github.com/skypro1111/voice-mentor/internal/live"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSession struct {
	mu      sync.Mutex
	sent    []audio.Blob
	closes  int
	sendErr error
	cb      live.Callbacks
}

func (s *fakeSession) SendAudio(blob audio.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, blob)
	return s.sendErr
}

// Close reports closure on another goroutine, like a receive loop ending
func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closes++
	first := s.closes == 1
	s.mu.Unlock()

	if first && s.cb.OnClose != nil {
		go s.cb.OnClose("closed by client")
	}
	return nil
}

func (s *fakeSession) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakeDialer struct {
	mu      sync.Mutex
	err     error
	block   chan struct{}
	entered chan struct{}

	// ignoreCancel keeps blocking after ctx is done
	ignoreCancel bool
	sessions     []*fakeSession
	cbs          []live.Callbacks
	cfgs         []live.Config
}

func (d *fakeDialer) Connect(ctx context.Context, cfg live.Config, cb live.Callbacks) (live.Session, error) {
	d.mu.Lock()
	d.cfgs = append(d.cfgs, cfg)
	block, entered, err, ignoreCancel := d.block, d.entered, d.err, d.ignoreCancel
	d.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if block != nil && ignoreCancel {
		<-block
	} else if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := &fakeSession{cb: cb}
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.cbs = append(d.cbs, cb)
	d.mu.Unlock()

	cb.OnOpen(s)
	return s, nil
}

func (d *fakeDialer) last() (*fakeSession, live.Callbacks) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[len(d.sessions)-1], d.cbs[len(d.cbs)-1]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cfgs)
}

// recordingProvider keeps every context it opens
type recordingProvider struct {
	*device.Virtual

	mu         sync.Mutex
	inputs     []device.InputContext
	outputs    []device.OutputContext
	inputClose func() error
}

func (p *recordingProvider) OpenInput(sampleRate, channels int) (device.InputContext, error) {
	in, err := p.Virtual.OpenInput(sampleRate, channels)
	if err != nil {
		return nil, err
	}
	if p.inputClose != nil {
		in = &failingInput{InputContext: in, close: p.inputClose}
	}
	p.mu.Lock()
	p.inputs = append(p.inputs, in)
	p.mu.Unlock()
	return in, nil
}

func (p *recordingProvider) OpenOutput(sampleRate, channels int) (device.OutputContext, error) {
	out, err := p.Virtual.OpenOutput(sampleRate, channels)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.outputs = append(p.outputs, out)
	p.mu.Unlock()
	return out, nil
}

func (p *recordingProvider) lastInput() device.InputContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inputs[len(p.inputs)-1]
}

func (p *recordingProvider) lastOutput() device.OutputContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outputs[len(p.outputs)-1]
}

type failingInput struct {
	device.InputContext
	close func() error
}

func (f *failingInput) Close() error {
	return f.close()
}

type harness struct {
	clock    *device.ManualClock
	feed     *device.RelayFeed
	provider *recordingProvider
	dialer   *fakeDialer
	ctrl     *Controller
	seq      uint32
}

func newHarness(t *testing.T, withFeed bool) *harness {
	t.Helper()

	h := &harness{
		clock:  device.NewManualClock(),
		feed:   device.NewRelayFeed(0),
		dialer: &fakeDialer{},
	}
	vcfg := device.VirtualConfig{Clock: h.clock, Logger: testLogger()}
	if withFeed {
		vcfg.Feed = h.feed
	}
	h.provider = &recordingProvider{Virtual: device.NewVirtual(vcfg)}
	h.ctrl = New(h.provider, h.dialer, Config{ID: "test", FrameSize: 160}, testLogger(), nil)
	return h
}

// mic simulates one device callback of 160 samples
func (h *harness) mic() {
	pkt := make([]byte, 320)
	for i := 0; i < 160; i++ {
		binary.LittleEndian.PutUint16(pkt[i*2:], uint16(int16(i*10)))
	}
	h.feed.PushPacket(h.seq, pkt)
	h.seq++
}

// chunk returns a base64 payload of n samples at the output rate
func chunk(n int) string {
	return audio.Encode(make([]float32, n)).Data
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
