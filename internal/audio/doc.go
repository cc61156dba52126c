// Package audio converts between captured float samples, the base64 PCM transport form
// exchanged with the live session, and playable buffers. It also splits a continuous
// capture signal into fixed-size frames, reorders relayed PCM packets by sequence and
// reads/writes mono 16-bit WAV files.
package audio
