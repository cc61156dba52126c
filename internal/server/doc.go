// Package server exposes the voice mentor over the network: a chi HTTP API to
// start, inspect and stop conversations (plus health, stats and Prometheus
// metrics) and a UDP server that feeds relayed microphone audio into them.
package server
