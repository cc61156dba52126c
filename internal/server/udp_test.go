package server

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/voice-mentor/internal/config"
	"github.com/skypro1111/voice-mentor/internal/protocol"
	"github.com/skypro1111/voice-mentor/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type relayCall struct {
	kind     string
	streamID uint32
	sequence uint32
	clientID string
	size     int
}

type fakeRelays struct {
	mu    sync.Mutex
	calls []relayCall
	known map[uint32]bool
}

func (f *fakeRelays) record(c relayCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeRelays) OpenRelay(streamID uint32, clientID string, sampleRate uint32) error {
	f.record(relayCall{kind: "open", streamID: streamID, clientID: clientID})
	return nil
}

func (f *fakeRelays) PushRelayAudio(streamID, sequence uint32, pcm []byte) error {
	if !f.known[streamID] {
		return stream.ErrUnknownStream
	}
	f.record(relayCall{kind: "audio", streamID: streamID, sequence: sequence, size: len(pcm)})
	return nil
}

func (f *fakeRelays) CloseRelay(streamID uint32) error {
	f.record(relayCall{kind: "close", streamID: streamID})
	return nil
}

func (f *fakeRelays) snapshot() []relayCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relayCall(nil), f.calls...)
}

func startTestUDPServer(t *testing.T, relays RelayHandler) (*UDPServer, net.Conn) {
	t.Helper()

	srv := NewUDPServer(&config.RelayConfig{BindAddress: "127.0.0.1", UDPPort: 0, BufferSize: 65536},
		testLogger(), relays, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	conn, err := net.Dial("udp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return srv, conn
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

func TestUDPServerRoutesPackets(t *testing.T) {
	relays := &fakeRelays{known: map[uint32]bool{9: true}}
	srv, conn := startTestUDPServer(t, relays)

	send := func(data []byte) {
		t.Helper()
		if _, err := conn.Write(data); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	send(protocol.BuildOpenPacket(9, "kiosk", 16000, 0))
	waitFor(t, "open", func() bool { return len(relays.snapshot()) == 1 })

	for seq := uint32(0); seq < 5; seq++ {
		pkt, err := protocol.BuildAudioPacket(9, seq, make([]byte, 320))
		if err != nil {
			t.Fatalf("BuildAudioPacket failed: %v", err)
		}
		send(pkt)
	}
	send(protocol.BuildClosePacket(9))

	waitFor(t, "all packets", func() bool { return len(relays.snapshot()) == 7 })

	calls := relays.snapshot()
	if calls[0].kind != "open" || calls[0].clientID != "kiosk" {
		t.Errorf("Unexpected open call: %+v", calls[0])
	}
	// One stream is handled by one worker, so order is preserved
	for i, c := range calls[1:6] {
		if c.kind != "audio" || c.sequence != uint32(i) || c.size != 320 {
			t.Errorf("Unexpected audio call %d: %+v", i, c)
		}
	}
	if calls[6].kind != "close" {
		t.Errorf("Expected close last, got %+v", calls[6])
	}

	stats := srv.GetStatistics()
	if stats.PacketsReceived != 7 || stats.PacketsProcessed != 7 {
		t.Errorf("Unexpected statistics: %+v", stats)
	}
}

func TestUDPServerCountsErrors(t *testing.T) {
	relays := &fakeRelays{known: map[uint32]bool{}}
	srv, conn := startTestUDPServer(t, relays)

	conn.Write([]byte{0x02, 0x00})
	pkt, _ := protocol.BuildAudioPacket(42, 0, make([]byte, 8))
	conn.Write(pkt)

	waitFor(t, "both packets handled", func() bool {
		stats := srv.GetStatistics()
		return stats.ParseErrors == 1 && stats.UnknownStreams == 1
	})

	if len(relays.snapshot()) != 0 {
		t.Errorf("Expected no relay calls, got %+v", relays.snapshot())
	}
}

func TestUDPServerStopIsIdempotent(t *testing.T) {
	srv := NewUDPServer(&config.RelayConfig{BindAddress: "127.0.0.1", BufferSize: 4096},
		testLogger(), &fakeRelays{}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}
}
