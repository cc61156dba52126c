package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/voice-mentor/internal/config"
	"github.com/skypro1111/voice-mentor/internal/metrics"
	"github.com/skypro1111/voice-mentor/internal/protocol"
	"github.com/skypro1111/voice-mentor/internal/stream"
)

const (
	numWorkers     = 4
	workerQueueLen = 256
)

// RelayHandler receives decoded relay packets
type RelayHandler interface {
	OpenRelay(streamID uint32, clientID string, sampleRate uint32) error
	PushRelayAudio(streamID, sequence uint32, pcm []byte) error
	CloseRelay(streamID uint32) error
}

// UDPServer receives mic relay packets and routes them to conversations
type UDPServer struct {
	conn    *net.UDPConn
	config  *config.RelayConfig
	logger  *slog.Logger
	relays  RelayHandler
	metrics *metrics.Metrics

	// Concurrency management
	ctx       context.Context
	cancel    context.CancelFunc
	receiveWG sync.WaitGroup
	workerWG  sync.WaitGroup
	stopOnce  sync.Once

	// One queue per worker; a stream always lands on the same worker so its
	// packets are handled in arrival order
	queues []chan *incomingPacket

	// Metrics (basic counters)
	packetsReceived  uint64
	packetsProcessed uint64
	parseErrors      uint64
	unknownStreams   uint64
	droppedPackets   uint64
	mu               sync.RWMutex
}

// incomingPacket represents a received UDP packet with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// NewUDPServer creates a new UDP server instance
func NewUDPServer(cfg *config.RelayConfig, logger *slog.Logger, relays RelayHandler, m *metrics.Metrics) *UDPServer {
	ctx, cancel := context.WithCancel(context.Background())

	queues := make([]chan *incomingPacket, numWorkers)
	for i := range queues {
		queues[i] = make(chan *incomingPacket, workerQueueLen)
	}

	return &UDPServer{
		config:  cfg,
		logger:  logger.With(slog.String("component", "udp_relay")),
		relays:  relays,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		queues:  queues,
	}
}

// Start begins listening for UDP packets
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.UDPPort))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("UDP relay server started",
		slog.String("address", s.conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
	)

	for i := range s.queues {
		s.workerWG.Add(1)
		go s.packetProcessor(i)
	}

	s.receiveWG.Add(1)
	go s.receiveLoop()

	return nil
}

// Addr returns the bound address, useful when listening on port 0
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop gracefully stops the UDP server
func (s *UDPServer) Stop() error {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping UDP relay server...")

		s.cancel()
		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
			}
		}

		// The receive loop is the only sender; queues close once it has returned
		s.receiveWG.Wait()
		for _, q := range s.queues {
			close(q)
		}
		s.workerWG.Wait()

		stats := s.GetStatistics()
		s.logger.Info("UDP relay server stopped",
			slog.Uint64("packets_received", stats.PacketsReceived),
			slog.Uint64("packets_processed", stats.PacketsProcessed),
			slog.Uint64("parse_errors", stats.ParseErrors),
		)
	})
	return nil
}

// receiveLoop is the main packet receiving loop
func (s *UDPServer) receiveLoop() {
	defer s.receiveWG.Done()

	buffer := make([]byte, s.config.BufferSize)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		// Periodic deadline so cancellation is noticed
		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		s.packetsReceived++
		s.mu.Unlock()
		s.metrics.RecordPacketReceived()

		// Copy out of the reused buffer
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		s.dispatch(&incomingPacket{
			data:       packetData,
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
		})
	}
}

// dispatch queues a packet on its stream's worker without blocking
func (s *UDPServer) dispatch(packet *incomingPacket) {
	worker := 0
	if header, err := protocol.ParseHeader(packet.data); err == nil {
		worker = int(header.StreamID % uint32(len(s.queues)))
	}

	select {
	case s.queues[worker] <- packet:
	default:
		s.mu.Lock()
		s.droppedPackets++
		s.mu.Unlock()

		s.logger.Warn("Packet processing queue full, dropping packet",
			slog.String("remote_addr", packet.remoteAddr.String()),
			slog.Int("packet_size", len(packet.data)),
			slog.Int("worker_id", worker),
		)
	}
}

// packetProcessor processes packets from one worker queue
func (s *UDPServer) packetProcessor(workerID int) {
	defer s.workerWG.Done()

	s.logger.Debug("Packet processor started", slog.Int("worker_id", workerID))

	for packet := range s.queues[workerID] {
		s.handlePacket(packet, workerID)
	}

	s.logger.Debug("Packet processor stopped", slog.Int("worker_id", workerID))
}

// handlePacket processes a single incoming packet
func (s *UDPServer) handlePacket(packet *incomingPacket, workerID int) {
	parsedPacket, err := protocol.ParsePacket(packet.data)
	if err != nil {
		s.mu.Lock()
		s.parseErrors++
		s.mu.Unlock()
		s.metrics.RecordParseError()

		s.logger.Error("Failed to parse packet",
			slog.String("remote_addr", packet.remoteAddr.String()),
			slog.Int("packet_size", len(packet.data)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	s.mu.Lock()
	s.packetsProcessed++
	s.mu.Unlock()
	s.metrics.RecordPacketProcessed()

	header := parsedPacket.Header
	switch header.PacketType {
	case protocol.PacketTypeOpen:
		s.processOpenPacket(header, parsedPacket.Open, workerID)
	case protocol.PacketTypeAudio:
		s.processAudioPacket(header, parsedPacket.Audio, workerID)
	case protocol.PacketTypeClose:
		s.processClosePacket(header, workerID)
	}
}

// processOpenPacket announces a relay stream
func (s *UDPServer) processOpenPacket(header *protocol.Header, payload *protocol.OpenPayload, workerID int) {
	if err := s.relays.OpenRelay(header.StreamID, payload.GetClientID(), payload.SampleRate); err != nil {
		s.logger.Warn("Rejected relay stream",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.String("client_id", payload.GetClientID()),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	s.logger.Debug("Open packet processed",
		slog.Uint64("stream_id", uint64(header.StreamID)),
		slog.String("client_id", payload.GetClientID()),
		slog.Int("worker_id", workerID),
	)
}

// processAudioPacket routes audio to the bound conversation's microphone feed
func (s *UDPServer) processAudioPacket(header *protocol.Header, payload *protocol.AudioPayload, workerID int) {
	err := s.relays.PushRelayAudio(header.StreamID, payload.Sequence, payload.AudioData)
	if errors.Is(err, stream.ErrUnknownStream) {
		s.mu.Lock()
		s.unknownStreams++
		s.mu.Unlock()
		s.metrics.RecordUnknownStream()

		s.logger.Debug("Received audio packet for unknown stream",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
			slog.Int("worker_id", workerID),
		)
		return
	}
	if err != nil {
		s.logger.Warn("Failed to push relay audio",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
	}
}

// processClosePacket ends a relay stream
func (s *UDPServer) processClosePacket(header *protocol.Header, workerID int) {
	if err := s.relays.CloseRelay(header.StreamID); err != nil {
		s.logger.Debug("Close for unknown relay stream",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
	}
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queued := 0
	for _, q := range s.queues {
		queued += len(q)
	}

	return ServerStatistics{
		PacketsReceived:  s.packetsReceived,
		PacketsProcessed: s.packetsProcessed,
		ParseErrors:      s.parseErrors,
		UnknownStreams:   s.unknownStreams,
		DroppedPackets:   s.droppedPackets,
		QueueSize:        uint64(queued),
		QueueCapacity:    uint64(len(s.queues) * workerQueueLen),
	}
}

// ServerStatistics represents relay server counters
type ServerStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	ParseErrors      uint64 `json:"parse_errors"`
	UnknownStreams   uint64 `json:"unknown_stream_packets"`
	DroppedPackets   uint64 `json:"dropped_packets"`
	QueueSize        uint64 `json:"queue_size"`
	QueueCapacity    uint64 `json:"queue_capacity"`
}
