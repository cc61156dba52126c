// Package vad measures captured audio energy per frame. The result feeds metrics and
// debug logging only; frames are forwarded to the live session regardless of level.
package vad
