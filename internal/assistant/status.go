package assistant

import "fmt"

// Status is the assistant's conversation state
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusListening
	StatusSpeaking
)

// String returns the status name
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusListening:
		return "listening"
	case StatusSpeaking:
		return "speaking"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// MarshalText encodes the status name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
