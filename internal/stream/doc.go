// Package stream manages the set of live conversations: it creates one
// assistant controller per conversation, binds UDP relay streams to their
// microphone feeds, enforces the concurrency limit and expires idle
// conversations in the background.
package stream
