// Package chat implements the text tutor: a stateless request client that sends
// a conversation history to a text model and returns one reply.
//
// The caller owns the history. Every request carries the messages so far plus
// the new user message; the client validates them, bounds concurrency with a
// semaphore and retries transient generation failures with exponential backoff.
// An empty model reply is replaced by FallbackReply.
package chat
