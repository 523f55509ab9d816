// Package session implements the capture session controller: the state
// machine that takes a consultation from microphone permission through
// chunked recording, finalization into one artifact, and upload.
//
// A Controller runs a single event loop goroutine. Caller actions, device
// completions, recorder chunks and clock ticks are all delivered to it as
// messages, so loop-owned state needs no locking. Completions that arrive
// after the session has moved on are recognised by generation counters and
// dropped, and any stream they carry is released.
package session
