package protocol

import (
	"encoding/binary"
	"fmt"
)

// Packet types
const (
	PacketTypeOpen  = 0x01
	PacketTypeAudio = 0x02
	PacketTypeClose = 0x03
)

// Packet structure sizes
const (
	HeaderSize             = 8  // 1 + 2 + 4 + 1 bytes
	OpenPayloadSize        = 40 // 32 + 4 + 4 bytes
	AudioPayloadHeaderSize = 4  // Sequence number (4 bytes)
	ClientIDSize           = 32
	MaxPacketSize          = 65507
)

// Header represents the 8-byte packet header
// Layout: [PacketType:1][PacketLen:2][StreamID:4][Flags:1]
type Header struct {
	PacketType uint8  // 0x01=Open, 0x02=Audio, 0x03=Close
	PacketLen  uint16 // Total packet size (header + payload)
	StreamID   uint32 // Relay stream identifier chosen by the sender
	Flags      uint8  // Reserved
}

// OpenPayload announces a relay stream
// Layout: [ClientID:32][SampleRate:4][Timestamp:4]
type OpenPayload struct {
	ClientID   [ClientIDSize]byte // Null-terminated string
	SampleRate uint32
	Timestamp  uint32 // Unix timestamp
}

// AudioPayload carries one block of microphone audio
// Layout: [Sequence:4][AudioData:N]
type AudioPayload struct {
	Sequence  uint32
	AudioData []byte // PCM16LE mono
}

// ParsedPacket represents a fully parsed packet
type ParsedPacket struct {
	Header *Header
	Open   *OpenPayload  // Only set for open packets
	Audio  *AudioPayload // Only set for audio packets
}

// ParseHeader parses the 8-byte packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	return &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
		Flags:      data[7],
	}, nil
}

// ParseOpenPayload parses the 40-byte open payload
func ParseOpenPayload(data []byte) (*OpenPayload, error) {
	if len(data) < OpenPayloadSize {
		return nil, fmt.Errorf("open payload too short: expected %d bytes, got %d", OpenPayloadSize, len(data))
	}

	payload := &OpenPayload{}
	copy(payload.ClientID[:], data[:ClientIDSize])
	payload.SampleRate = binary.BigEndian.Uint32(data[ClientIDSize : ClientIDSize+4])
	payload.Timestamp = binary.BigEndian.Uint32(data[ClientIDSize+4 : ClientIDSize+8])
	return payload, nil
}

// ParseAudioPayload parses the audio payload (4-byte sequence + audio data)
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}

	payload := &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
	}
	if len(data) > AudioPayloadHeaderSize {
		payload.AudioData = make([]byte, len(data)-AudioPayloadHeaderSize)
		copy(payload.AudioData, data[AudioPayloadHeaderSize:])
	}
	return payload, nil
}

// ParsePacket parses a complete packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeOpen:
		payload, err := ParseOpenPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse open payload: %w", err)
		}
		packet.Open = payload

	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload

	case PacketTypeClose:
		// header only
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeOpen:
		if payloadSize != OpenPayloadSize {
			return fmt.Errorf("open packet payload size mismatch: expected %d, got %d",
				OpenPayloadSize, payloadSize)
		}
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payloadSize)
		}
		if (payloadSize-AudioPayloadHeaderSize)%2 != 0 {
			return fmt.Errorf("audio packet carries a partial sample: %d bytes", payloadSize-AudioPayloadHeaderSize)
		}
	case PacketTypeClose:
		if payloadSize != 0 {
			return fmt.Errorf("close packet must not carry a payload, got %d bytes", payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeOpen || ptype == PacketTypeAudio || ptype == PacketTypeClose
}

// ExtractString extracts a null-terminated string from a fixed-size byte array
func ExtractString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// GetClientID extracts the client ID as a string
func (p *OpenPayload) GetClientID() string {
	return ExtractString(p.ClientID[:])
}

func putHeader(buf []byte, packetType uint8, streamID uint32) {
	buf[0] = packetType
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(buf)))
	binary.BigEndian.PutUint32(buf[3:7], streamID)
	buf[7] = 0
}

// BuildOpenPacket encodes an open packet; client IDs longer than 31 bytes are truncated
func BuildOpenPacket(streamID uint32, clientID string, sampleRate, timestamp uint32) []byte {
	buf := make([]byte, HeaderSize+OpenPayloadSize)
	putHeader(buf, PacketTypeOpen, streamID)

	payload := buf[HeaderSize:]
	id := []byte(clientID)
	if len(id) > ClientIDSize-1 {
		id = id[:ClientIDSize-1]
	}
	copy(payload[:ClientIDSize], id)
	binary.BigEndian.PutUint32(payload[ClientIDSize:], sampleRate)
	binary.BigEndian.PutUint32(payload[ClientIDSize+4:], timestamp)
	return buf
}

// BuildAudioPacket encodes an audio packet
func BuildAudioPacket(streamID, sequence uint32, pcm []byte) ([]byte, error) {
	size := HeaderSize + AudioPayloadHeaderSize + len(pcm)
	if size > MaxPacketSize {
		return nil, fmt.Errorf("audio packet too large: %d bytes", size)
	}

	buf := make([]byte, size)
	putHeader(buf, PacketTypeAudio, streamID)
	binary.BigEndian.PutUint32(buf[HeaderSize:], sequence)
	copy(buf[HeaderSize+AudioPayloadHeaderSize:], pcm)
	return buf, nil
}

// BuildClosePacket encodes a close packet
func BuildClosePacket(streamID uint32) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, PacketTypeClose, streamID)
	return buf
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string
	switch h.PacketType {
	case PacketTypeOpen:
		packetType = "Open"
	case PacketTypeAudio:
		packetType = "Audio"
	case PacketTypeClose:
		packetType = "Close"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, StreamID:%d, Flags:0x%02x}",
		packetType, h.PacketLen, h.StreamID, h.Flags)
}

// String returns a human-readable representation of the open payload
func (p *OpenPayload) String() string {
	return fmt.Sprintf("OpenPayload{ClientID:%q, SampleRate:%d, Timestamp:%d}",
		p.GetClientID(), p.SampleRate, p.Timestamp)
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, AudioDataLen:%d}", a.Sequence, len(a.AudioData))
}
