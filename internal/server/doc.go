// Package server exposes the capture agent over local HTTP: session
// control and snapshots, the consultation context used by the capture
// gate, playback of the finished recording, Prometheus metrics and a
// websocket stream of session events for the dashboard.
package server
