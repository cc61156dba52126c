// Package protocol implements the binary mic-relay packets carried over UDP: an
// 8-byte header followed by an open, audio or close payload. Multi-byte header
// and payload fields are big-endian; audio samples are PCM16 little-endian.
package protocol
