// Package device defines the audio device boundary used by the voice assistant:
// input and output contexts that must be resumed before use, microphone streams that
// deliver samples through a callback, and scheduled playback sources driven by a
// context clock. The Virtual provider implements the boundary in software, with
// microphone audio fed from a UDP relay or a WAV file and played audio recorded.
package device
